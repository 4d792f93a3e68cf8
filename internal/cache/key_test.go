package cache

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/pkg/types"
)

func saveInput(t require.TestingT, st *store.Memory, name string, data []byte) types.InputVariable {
	v, err := st.SaveVariable(context.Background(), &types.Variable{ExecContextID: 1, Name: name, Data: data, Inited: true})
	require.NoError(t, err)
	return types.InputVariable{ID: v.ID, Name: name, Context: types.VariableContextLocal}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad###3", fp.String())
	assert.Equal(t, 0, Fingerprint(nil).Length)
}

func TestFullKey_Omit(t *testing.T) {
	st := store.NewMemory()
	d := NewKeyDeriver(st, zap.NewNop())
	ctx := context.Background()

	tp := &types.TaskParams{
		Function: types.FunctionConfig{Code: "fit", Params: "epochs=3", Metas: map[string]string{"m": "1"}},
		Inline: map[string]map[string]string{
			"hyper": {"lr": "0.1", "seed": "7"},
			"misc":  {"note": "x"},
		},
	}

	t.Run("full", func(t *testing.T) {
		k, err := d.FullKey(ctx, tp, &types.CacheConfig{Enabled: true})
		require.NoError(t, err)
		assert.Equal(t, "epochs=3", k.Params)
		assert.Nil(t, k.Metas)
		assert.Len(t, k.Inline, 2)
	})
	t.Run("params and inline entries", func(t *testing.T) {
		k, err := d.FullKey(ctx, tp, &types.CacheConfig{Enabled: true, Omit: []string{"params", "hyper.seed", "misc"}})
		require.NoError(t, err)
		assert.Empty(t, k.Params)
		assert.Equal(t, map[string]map[string]string{"hyper": {"lr": "0.1"}}, k.Inline)
	})
	t.Run("params as file", func(t *testing.T) {
		c := tp.Clone()
		c.Function.Metas[types.MetaParamsAsFile] = "true"
		k, err := d.FullKey(ctx, c, &types.CacheConfig{Enabled: true, CacheMeta: true})
		require.NoError(t, err)
		assert.Empty(t, k.Params)
		assert.Equal(t, "1", k.Metas["m"])
	})
	t.Run("unknown input", func(t *testing.T) {
		c := tp.Clone()
		c.Inputs = []types.InputVariable{{ID: 404, Name: "gone"}}
		_, err := d.FullKey(ctx, c, nil)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestSimpleKey_TruncatesValue(t *testing.T) {
	k := &FullKey{FunctionCode: "fn", Params: strings.Repeat("p", 2000)}
	key, value, err := k.SimpleKey()
	require.NoError(t, err)
	assert.Len(t, value, keyValueLimit)
	full, err := k.AsString()
	require.NoError(t, err)
	assert.Equal(t, Fingerprint([]byte(full)).String(), key)
}

func TestSimpleKey_SkipsUnknownProcess(t *testing.T) {
	d := NewKeyDeriver(store.NewMemory(), zap.NewNop())
	ec := &types.ExecContext{ID: 1, Params: &types.ExecContextParams{}}
	_, _, ok := d.SimpleKey(context.Background(), ec, &types.TaskParams{ProcessCode: "absent"})
	assert.False(t, ok)
}

// Keys don't depend on the order inputs are declared in or on map iteration.
func TestSimpleKey_Deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		st := store.NewMemory()
		d := NewKeyDeriver(st, zap.NewNop())
		ctx := context.Background()

		n := rapid.IntRange(0, 6).Draw(rt, "inputs")
		var inputs []types.InputVariable
		for i := 0; i < n; i++ {
			data := rapid.SliceOf(rapid.Byte()).Draw(rt, "data")
			inputs = append(inputs, saveInput(rt, st, "in", data))
		}
		inline := rapid.MapOf(rapid.StringMatching(`[a-z]{1,4}`), rapid.StringMatching(`[a-z0-9]{0,4}`)).Draw(rt, "inline")

		tp := &types.TaskParams{
			Function: types.FunctionConfig{Code: "fn", Params: "p"},
			Inline:   map[string]map[string]string{"g": inline},
			Inputs:   inputs,
		}
		shuffled := tp.Clone()
		perm := rapid.Permutation(shuffled.Inputs).Draw(rt, "perm")
		shuffled.Inputs = perm

		k1, err := d.FullKey(ctx, tp, nil)
		if err != nil {
			rt.Fatal(err)
		}
		k2, err := d.FullKey(ctx, shuffled, nil)
		if err != nil {
			rt.Fatal(err)
		}
		s1, _, _ := k1.SimpleKey()
		s2, _, _ := k2.SimpleKey()
		if s1 != s2 {
			rt.Fatalf("keys differ: %s vs %s", s1, s2)
		}
	})
}

// Package cache derives result-cache keys for tasks and satisfies tasks from
// previously stored outputs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"yqhp/dispatcher/pkg/types"
)

// OmitParams excludes the function params from the key.
const OmitParams = "params"

// keyValueLimit bounds the human readable key kept next to an entry.
const keyValueLimit = 510

// Sha256PlusLength is a content fingerprint.
type Sha256PlusLength struct {
	Sha256 string `json:"sha256"`
	Length int    `json:"length"`
}

// String renders the fingerprint as used for lookups.
func (s Sha256PlusLength) String() string {
	return s.Sha256 + "###" + strconv.Itoa(s.Length)
}

// Fingerprint hashes data.
func Fingerprint(data []byte) Sha256PlusLength {
	sum := sha256.Sum256(data)
	return Sha256PlusLength{Sha256: hex.EncodeToString(sum[:]), Length: len(data)}
}

// FullKey holds every cache relevant input of a task.
type FullKey struct {
	FunctionCode string                       `json:"functionCode"`
	Params       string                       `json:"params"`
	Inline       map[string]map[string]string `json:"inline,omitempty"`
	Metas        map[string]string            `json:"metas,omitempty"`
	Inputs       []Sha256PlusLength           `json:"inputs"`
}

// AsString renders the key deterministically: map keys sorted, inputs sorted.
func (k *FullKey) AsString() (string, error) {
	sort.Slice(k.Inputs, func(i, j int) bool {
		if k.Inputs[i].Sha256 != k.Inputs[j].Sha256 {
			return k.Inputs[i].Sha256 < k.Inputs[j].Sha256
		}
		return k.Inputs[i].Length < k.Inputs[j].Length
	})
	return sonic.ConfigStd.MarshalToString(k)
}

// SimpleKey is the lookup key of a full key.
func (k *FullKey) SimpleKey() (string, string, error) {
	s, err := k.AsString()
	if err != nil {
		return "", "", err
	}
	value := s
	if len(value) > keyValueLimit {
		value = value[:keyValueLimit]
	}
	return Fingerprint([]byte(s)).String(), value, nil
}

// VariableLoader loads input variable data.
type VariableLoader interface {
	LoadVariable(ctx context.Context, id int64) (*types.Variable, error)
}

// KeyDeriver builds keys from task params.
type KeyDeriver struct {
	vars VariableLoader
	log  *zap.Logger
}

// NewKeyDeriver creates a deriver reading input data through vars.
func NewKeyDeriver(vars VariableLoader, log *zap.Logger) *KeyDeriver {
	return &KeyDeriver{vars: vars, log: log}
}

// FullKey builds the full key of tp. cfg overrides the cache config carried
// by tp when non-nil.
func (d *KeyDeriver) FullKey(ctx context.Context, tp *types.TaskParams, cfg *types.CacheConfig) (*FullKey, error) {
	if cfg == nil {
		cfg = tp.Cache
	}
	var omit []string
	if cfg != nil {
		omit = cfg.Omit
	}

	key := &FullKey{FunctionCode: tp.Function.Code, Params: tp.Function.Params, Inputs: []Sha256PlusLength{}}
	if tp.Function.Metas[types.MetaParamsAsFile] == "true" || contains(omit, OmitParams) {
		key.Params = ""
	}
	if cfg != nil && cfg.CacheMeta && len(tp.Function.Metas) > 0 {
		key.Metas = make(map[string]string, len(tp.Function.Metas))
		for k, v := range tp.Function.Metas {
			key.Metas[k] = v
		}
	}
	key.Inline = applyOmit(tp.Inline, omit)

	for _, in := range tp.Inputs {
		v, err := d.vars.LoadVariable(ctx, in.ID)
		if err != nil {
			return nil, fmt.Errorf("input variable %q (#%d): %w", in.Name, in.ID, err)
		}
		if v.Nullified {
			key.Inputs = append(key.Inputs, Fingerprint(nil))
			continue
		}
		key.Inputs = append(key.Inputs, Fingerprint(v.Data))
	}
	return key, nil
}

// SimpleKey returns the lookup key of a task. ok is false when caching must
// not be attempted: the process is unknown or the key cannot be derived.
func (d *KeyDeriver) SimpleKey(ctx context.Context, ec *types.ExecContext, tp *types.TaskParams) (key, value string, ok bool) {
	p := ec.Params.FindProcess(tp.ProcessCode)
	if p == nil {
		d.log.Warn("process not found, caching skipped",
			zap.Int64("execContextId", ec.ID), zap.String("process", tp.ProcessCode))
		return "", "", false
	}
	full, err := d.FullKey(ctx, tp, p.Cache)
	if err != nil {
		d.log.Warn("cache key derivation failed, caching skipped",
			zap.Int64("execContextId", ec.ID), zap.String("process", tp.ProcessCode), zap.Error(err))
		return "", "", false
	}
	key, value, err = full.SimpleKey()
	if err != nil {
		d.log.Error("cache key rendering failed", zap.Error(err))
		return "", "", false
	}
	return key, value, true
}

// applyOmit copies inline values without the omitted "group" or "group.key" entries.
func applyOmit(inline map[string]map[string]string, omit []string) map[string]map[string]string {
	if len(inline) == 0 {
		return nil
	}
	out := make(map[string]map[string]string, len(inline))
	for group, values := range inline {
		if contains(omit, group) {
			continue
		}
		m := make(map[string]string, len(values))
		for k, v := range values {
			if contains(omit, group+"."+k) {
				continue
			}
			m[k] = v
		}
		out[group] = m
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.TrimSpace(v) == s {
			return true
		}
	}
	return false
}

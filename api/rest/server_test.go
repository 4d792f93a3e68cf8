package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/config"
	"yqhp/dispatcher/internal/dispatcher"
	"yqhp/dispatcher/internal/producer"
	"yqhp/dispatcher/pkg/types"
)

type testEnv struct {
	t   *testing.T
	ctx context.Context
	d   *dispatcher.Dispatcher
	app *fiber.App
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	d := dispatcher.New(cfg.Dispatcher, dispatcher.Options{
		Logger:  zap.NewNop(),
		Catalog: producer.NewCatalog(types.FunctionConfig{Code: "load"}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Bus().Start(ctx)
	s := NewServer(d, cfg.Server, cfg.Metrics, zap.NewNop())
	return &testEnv{t: t, ctx: ctx, d: d, app: s.App()}
}

func (e *testEnv) settle() {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	require.NoError(e.t, e.d.Bus().WaitIdle(ctx))
}

// do sends a request and decodes the envelope. data receives Response.Data.
func (e *testEnv) do(method, path, body string, data any) (int, Response) {
	e.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.app.Test(req, -1)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	var envelope struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(e.t, json.Unmarshal(raw, &envelope), string(raw))
	if data != nil && len(envelope.Data) > 0 {
		require.NoError(e.t, json.Unmarshal(envelope.Data, data))
	}
	envelope.Response.Data = nil
	return resp.StatusCode, envelope.Response
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

const workerBody = `{"coreId":1,"workerId":1,"os":"linux","gitStatus":"installed",` +
	`"quotas":{"disabled":true},"taskParamsVersion":2}`

func TestServer_ProduceAssignReport(t *testing.T) {
	e := newTestEnv(t)

	var ec ExecContextResponse
	status, resp := e.do("POST", "/api/v1/exec-contexts",
		`{"processes":[{"code":"load","function":{"code":"load"},"outputs":[{"name":"dataset"}]}]}`, &ec)
	require.Equal(t, fiber.StatusCreated, status, resp.Message)
	require.NotZero(t, ec.ID)

	var tasks []TaskResponse
	status, resp = e.do("POST", "/api/v1/exec-contexts/"+itoa(ec.ID)+"/produce", "", &tasks)
	require.Equal(t, fiber.StatusOK, status, resp.Message)
	require.NotEmpty(t, tasks)
	assert.Equal(t, "load", tasks[0].ProcessCode)
	e.settle()

	var assigned AssignResponse
	status, resp = e.do("POST", "/api/v1/tasks/assign", workerBody, &assigned)
	require.Equal(t, fiber.StatusOK, status, resp.Message)
	require.Equal(t, tasks[0].ID, assigned.TaskID)
	assert.Contains(t, assigned.Params, "processCode: load")
	e.settle()

	var done TaskResponse
	status, resp = e.do("POST", "/api/v1/tasks/"+itoa(assigned.TaskID)+"/result",
		`{"coreId":1,"state":"ok","outputs":[{"name":"dataset","data":"cm93cw=="}]}`, &done)
	require.Equal(t, fiber.StatusOK, status, resp.Message)
	assert.Equal(t, "OK", done.State)
	assert.True(t, done.Completed)

	status, resp = e.do("POST", "/api/v1/tasks/"+itoa(assigned.TaskID)+"/result",
		`{"coreId":1,"state":"OK"}`, nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, CodeConflict, resp.Code)
}

func TestServer_AssignWithoutWork(t *testing.T) {
	e := newTestEnv(t)

	status, resp := e.do("POST", "/api/v1/tasks/assign", workerBody, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, CodeSuccess, resp.Code)

	var empty map[string]bool
	status, _ = e.do("GET", "/api/v1/queue/empty", "", &empty)
	assert.Equal(t, fiber.StatusOK, status)
	assert.True(t, empty["empty"])
}

func TestServer_Errors(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown task", "GET", "/api/v1/tasks/42", "", fiber.StatusNotFound},
		{"bad id", "GET", "/api/v1/tasks/abc", "", fiber.StatusBadRequest},
		{"missing core", "POST", "/api/v1/tasks/assign", `{}`, fiber.StatusBadRequest},
		{"bad state", "POST", "/api/v1/tasks/1/result", `{"coreId":1,"state":"DONE"}`, fiber.StatusBadRequest},
		{"unsupported state", "POST", "/api/v1/tasks/1/result", `{"coreId":1,"state":"SKIPPED"}`, fiber.StatusConflict},
		{"no processes", "POST", "/api/v1/exec-contexts", `{"processes":[]}`, fiber.StatusBadRequest},
		{"unknown exec context", "POST", "/api/v1/exec-contexts/9/produce", "", fiber.StatusNotFound},
		{"nothing to transfer", "GET", "/api/v1/exec-contexts/9/transfer", "", fiber.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := e.do(tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, status, resp.Message)
			assert.Equal(t, tt.status, resp.Code)
		})
	}
}

func TestServer_HeartbeatRegistersCore(t *testing.T) {
	e := newTestEnv(t)

	status, resp := e.do("POST", "/api/v1/workers/7/heartbeat", `{"os":"linux","liveTaskIds":[3,3]}`, nil)
	require.Equal(t, fiber.StatusOK, status, resp.Message)

	info, err := e.d.Registry().Get(e.ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.OSLinux, info.Capabilities.OS)
}

func TestServer_Metrics(t *testing.T) {
	e := newTestEnv(t)
	e.do("POST", "/api/v1/tasks/assign", workerBody, nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tasks_assigned_total")
}

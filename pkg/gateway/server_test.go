package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolhub/pkg/history"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

type testEnv struct {
	server   *Server
	executor *toolexecutor.ToolExecutor
	baseURL  string
}

func newTestEnv(t *testing.T, mutate func(*Config), opts ...toolexecutor.Option) *testEnv {
	t.Helper()

	te := toolexecutor.New(toolexecutor.DefaultConfig(), opts...)
	t.Cleanup(func() {
		_ = te.Shutdown(context.Background())
	})
	for _, def := range testTools() {
		require.NoError(t, te.RegisterTool(def, "test"))
	}

	cfg := Config{
		Host:         "127.0.0.1",
		Port:         0,
		Executor:     te,
		TickInterval: time.Hour,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	return &testEnv{server: s, executor: te, baseURL: "http://" + s.Addr()}
}

func testTools() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			ID:        "test.echo",
			Name:      "echo",
			Category:  "util",
			Cacheable: true,
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"value"},
				"properties": map[string]interface{}{
					"value": map[string]interface{}{"type": "string"},
				},
			},
			Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
				return params["value"], nil
			},
		},
		{
			ID:   "test.fail",
			Name: "fail",
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				return nil, errors.New("backend down")
			},
		},
		{
			ID:               "test.guarded",
			Name:             "guarded",
			RequiresApproval: true,
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				return "ran", nil
			},
		},
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, header http.Header) (int, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.baseURL+path, reader)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: 8080})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: -1, Executor: toolexecutor.New(toolexecutor.DefaultConfig())})
	assert.Error(t, err)
}

func TestServer_HealthAndTools(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["tools"])

	status, body = env.do(t, http.MethodGet, "/v1/tools", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["count"])

	status, body = env.do(t, http.MethodGet, "/v1/tools?category=util", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = env.do(t, http.MethodGet, "/v1/tools/test.echo", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "test.echo", body["id"])
	assert.Equal(t, toolexecutor.CircuitClosed, body["circuit"])

	status, _ = env.do(t, http.MethodGet, "/v1/tools/test.nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodGet, "/v1/domains", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []interface{}{"test"}, body["domains"])
}

func TestServer_ExecuteTool(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/v1/tools/test.echo/execute", map[string]interface{}{
		"params": map[string]interface{}{"value": "hello"},
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello", body["output"])
	assert.Equal(t, false, body["from_cache"])
	execID, _ := body["execution_id"].(string)
	require.NotEmpty(t, execID)

	status, body = env.do(t, http.MethodPost, "/v1/tools/test.echo/execute", map[string]interface{}{
		"params": map[string]interface{}{"value": "hello"},
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["from_cache"])

	status, body = env.do(t, http.MethodGet, "/v1/executions/"+execID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(toolexecutor.StatusCompleted), body["status"])

	status, body = env.do(t, http.MethodGet, "/v1/metrics", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total_executions"])
	assert.Equal(t, float64(1), body["cache_hits"])

	status, body = env.do(t, http.MethodGet, "/v1/metrics/tools/test.echo", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["successful_executions"])

	status, body = env.do(t, http.MethodDelete, "/v1/cache", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["cleared"])
}

func TestServer_ExecuteErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"invalid params", "/v1/tools/test.echo/execute", map[string]interface{}{"params": map[string]interface{}{"value": 5}}, http.StatusBadRequest},
		{"handler failure", "/v1/tools/test.fail/execute", map[string]interface{}{}, http.StatusBadGateway},
		{"unknown tool", "/v1/tools/test.nope/execute", map[string]interface{}{}, http.StatusNotFound},
		{"approval without handler", "/v1/tools/test.guarded/execute", map[string]interface{}{}, http.StatusForbidden},
		{"malformed body", "/v1/tools/test.echo/execute", "not an object", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("blacklisted tool", func(t *testing.T) {
		policy := env.executor.SafetyPolicy()
		policy.BlacklistedTools = []string{"test.echo"}
		require.NoError(t, env.executor.UpdateSafetyPolicy(policy))

		status, _ := env.do(t, http.MethodPost, "/v1/tools/test.echo/execute", map[string]interface{}{
			"params": map[string]interface{}{"value": "x"},
		}, nil)
		assert.Equal(t, http.StatusForbidden, status)
	})
}

func TestServer_ResetCircuit(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/v1/tools/test.fail/reset", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, toolexecutor.CircuitClosed, body["circuit"])

	status, _ = env.do(t, http.MethodPost, "/v1/tools/test.nope/reset", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_SharedSecret(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.SharedSecret = "s3cret"
	})

	status, _ := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodGet, "/v1/tools", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodGet, "/v1/tools", nil, http.Header{SecretHeader: {"s3cret"}})
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_TraceHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodGet, env.baseURL+"/v1/domains", nil)
	require.NoError(t, err)
	req.Header.Set(TraceHeader, "trace-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "trace-abc", resp.Header.Get(TraceHeader))
}

func TestServer_HTTPRPC(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/rpc", map[string]interface{}{
		"id":     "1",
		"method": "tools.execute",
		"params": map[string]interface{}{
			"tool_id": "test.echo",
			"params":  map[string]interface{}{"value": "rpc"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, status)
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "rpc", result["output"])

	status, body = env.do(t, http.MethodPost, "/rpc", map[string]interface{}{"method": "tools.list"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotNil(t, body["error"])
}

func TestServer_QueuedApprovals(t *testing.T) {
	queue := toolexecutor.NewQueuedApprovalHandler(nil, nil)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Approvals = queue
	}, toolexecutor.WithApprovalHandler(queue))
	queue.SetNotifier(env.server.ApprovalNotifier())

	type outcome struct {
		status int
		body   map[string]interface{}
	}
	done := make(chan outcome, 1)
	go func() {
		status, body := env.do(t, http.MethodPost, "/v1/tools/test.guarded/execute", map[string]interface{}{}, nil)
		done <- outcome{status, body}
	}()

	var approvalID string
	require.Eventually(t, func() bool {
		pending := queue.Pending()
		if len(pending) == 0 {
			return false
		}
		approvalID = pending[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	status, body := env.do(t, http.MethodGet, "/v1/approvals", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["approvals"], 1)

	status, _ = env.do(t, http.MethodPost, "/v1/approvals/"+approvalID, map[string]interface{}{"action": "sideways"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/v1/approvals/"+approvalID, map[string]interface{}{"action": "allow-once"}, nil)
	require.Equal(t, http.StatusOK, status)

	select {
	case out := <-done:
		assert.Equal(t, http.StatusOK, out.status)
		assert.Equal(t, "ran", out.body["output"])
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not finish after approval")
	}

	status, _ = env.do(t, http.MethodPost, "/v1/approvals/"+approvalID, map[string]interface{}{"action": "deny"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_History(t *testing.T) {
	store, err := history.NewStore(history.Config{
		Path:   filepath.Join(t.TempDir(), "history.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env := newTestEnv(t, func(cfg *Config) {
		cfg.History = store
	})
	detach := store.Attach(env.executor.Events())
	t.Cleanup(detach)

	status, body := env.do(t, http.MethodPost, "/v1/tools/test.fail/execute", map[string]interface{}{}, nil)
	require.Equal(t, http.StatusBadGateway, status, body)

	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/v1/history?tool=test.fail", nil, nil)
		return body["count"] == float64(1)
	}, 2*time.Second, 20*time.Millisecond)

	status, body = env.do(t, http.MethodGet, "/v1/history/stats/test.fail", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["failed"])

	status, _ = env.do(t, http.MethodGet, "/v1/history?since=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/v1/history/missing-execution", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_WebSocketHandshakeAndRPC(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.SharedSecret = "s3cret"
	})

	conn := dialWS(t, env)

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	assert.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(map[string]string{"id": "0", "method": "tools.list"}))
	var denied RPCResponse
	require.NoError(t, conn.ReadJSON(&denied))
	require.NotNil(t, denied.Error)
	assert.Equal(t, AuthenticationRequired, denied.Error.Code)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: computeHMAC(challenge.Challenge, "s3cret"),
	}))
	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	assert.True(t, result.Success)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "domains.list"}))
	resp := readResponse(t, conn, "1")
	assert.Nil(t, resp.Error)
	assert.Equal(t, []interface{}{"test"}, resp.Result)

	assert.Equal(t, 1, len(env.server.ConnectedClients()))
}

func TestServer_WebSocketRejectsAfterFailedAttempts(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.SharedSecret = "s3cret"
	})
	conn := dialWS(t, env)

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	for i := 0; i < maxAuthAttempts; i++ {
		require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
		var result AuthResult
		require.NoError(t, conn.ReadJSON(&result))
		assert.False(t, result.Success)
	}

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_WebSocketStreamsExecutorEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env)

	var hello AuthResult
	require.NoError(t, conn.ReadJSON(&hello))
	require.True(t, hello.Success)

	require.Eventually(t, func() bool {
		return len(env.server.ConnectedClients()) == 1
	}, time.Second, 10*time.Millisecond)

	status, _ := env.do(t, http.MethodPost, "/v1/tools/test.echo/execute", map[string]interface{}{
		"params": map[string]interface{}{"value": "streamed"},
	}, nil)
	require.Equal(t, http.StatusOK, status)

	phases := map[string]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for !phases["end"] && time.Now().Before(deadline) {
		msg := readEvent(t, conn)
		if msg.ToolID == "test.echo" {
			phases[msg.Phase] = true
		}
	}
	assert.True(t, phases["start"])
	assert.True(t, phases["end"])
}

func TestServer_StopClosesClients(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env)

	var hello AuthResult
	require.NoError(t, conn.ReadJSON(&hello))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))
	require.NoError(t, env.server.Stop(ctx))

	var shutdown EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&shutdown))
	assert.Equal(t, "server.shutdown", shutdown.Event)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+env.server.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

// readResponse skips broadcast events until the response with id arrives.
func readResponse(t *testing.T, conn *websocket.Conn, id string) RPCResponse {
	t.Helper()

	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &probe))
		if probe.Type == "event" {
			continue
		}

		var resp RPCResponse
		require.NoError(t, json.Unmarshal(raw, &resp))
		if resp.ID == id {
			return resp
		}
	}
}

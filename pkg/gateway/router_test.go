package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		err := router.RegisterMethod("test.method", func(context.Context, map[string]interface{}) (interface{}, error) {
			return "result", nil
		})
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should unregister method", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
	})

	t.Run("should list methods sorted", func(t *testing.T) {
		r := NewRPCRouter()
		noop := func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }
		require.NoError(t, r.RegisterMethod("b.method", noop))
		require.NoError(t, r.RegisterMethod("a.method", noop))

		assert.Equal(t, []string{"a.method", "b.method"}, r.Methods())
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	tests := []struct {
		name    string
		input   string
		code    int
		wantErr bool
	}{
		{name: "valid request", input: `{"id":"1","method":"tools.list"}`},
		{name: "malformed json", input: `{"id":`, code: ParseError, wantErr: true},
		{name: "missing id", input: `{"method":"tools.list"}`, code: InvalidRequest, wantErr: true},
		{name: "missing method", input: `{"id":"1"}`, code: InvalidRequest, wantErr: true},
		{name: "explicit version", input: `{"jsonrpc":"2.0","id":"1","method":"tools.list"}`},
		{name: "wrong version", input: `{"jsonrpc":"1.0","id":"1","method":"tools.list"}`, code: InvalidRequest, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := router.ParseRequest([]byte(tt.input))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "2.0", req.JSONRPC)
				return
			}
			var rpcErr *RPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("echo", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		return params["value"], nil
	}))
	require.NoError(t, router.RegisterMethod("missing", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("%w: nope", toolexecutor.ErrToolNotFound)
	}))
	require.NoError(t, router.RegisterMethod("client", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		return clientIDFromContext(ctx), nil
	}))

	t.Run("returns the handler result", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "echo", Params: map[string]interface{}{"value": "hi"}})
		assert.Nil(t, resp.Error)
		assert.Equal(t, "hi", resp.Result)
		assert.Equal(t, "1", resp.ID)
	})

	t.Run("reports unknown methods", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("maps executor errors to codes", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, NotFound, resp.Error.Code)
	})

	t.Run("passes the client id through the context", func(t *testing.T) {
		resp := router.RouteRequest(withClientID(context.Background(), "client-9"), &RPCRequest{ID: "4", Method: "client"})
		assert.Equal(t, "client-9", resp.Result)

		resp = router.RouteRequest(context.Background(), &RPCRequest{ID: "5", Method: "client"})
		assert.Equal(t, "unknown", resp.Result)
	})

	t.Run("rejects nil requests", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	var calls atomic.Int64
	require.NoError(t, router.RegisterMethod("count", func(context.Context, map[string]interface{}) (interface{}, error) {
		return calls.Add(1), nil
	}))

	first := router.RouteRequest(context.Background(), &RPCRequest{ID: "a", Method: "count", IdempotencyKey: "k1"})
	second := router.RouteRequest(context.Background(), &RPCRequest{ID: "b", Method: "count", IdempotencyKey: "k1"})
	third := router.RouteRequest(context.Background(), &RPCRequest{ID: "c", Method: "count", IdempotencyKey: "k2"})

	assert.Equal(t, int64(1), first.Result)
	assert.Equal(t, int64(1), second.Result)
	assert.Equal(t, "b", second.ID)
	assert.Equal(t, int64(2), third.Result)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRPCRouter_HandlerPanic(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("boom", func(context.Context, map[string]interface{}) (interface{}, error) {
		panic("kaboom")
	}))

	resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "boom"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InternalError, resp.Error.Code)
	assert.Equal(t, "internal error", resp.Error.Message)
}

func TestReplayCache(t *testing.T) {
	t.Run("expired entries are not replayed", func(t *testing.T) {
		c := newReplayCache(10*time.Millisecond, 8)
		c.put("k", RPCResponse{ID: "1", Result: "v"})

		got, ok := c.get("k")
		require.True(t, ok)
		assert.Equal(t, "v", got.Result)

		time.Sleep(20 * time.Millisecond)
		_, ok = c.get("k")
		assert.False(t, ok)
		assert.Equal(t, 0, c.len())
	})

	t.Run("bounded", func(t *testing.T) {
		c := newReplayCache(time.Minute, 2)
		c.put("a", RPCResponse{ID: "a"})
		time.Sleep(time.Millisecond)
		c.put("b", RPCResponse{ID: "b"})
		c.put("c", RPCResponse{ID: "c"})

		assert.Equal(t, 2, c.len())
		_, ok := c.get("a")
		assert.False(t, ok)
		_, ok = c.get("c")
		assert.True(t, ok)
	})

	t.Run("stored errors are copies", func(t *testing.T) {
		c := newReplayCache(time.Minute, 2)
		resp := RPCResponse{ID: "1", Error: &RPCError{Code: NotFound, Message: "gone"}}
		c.put("k", resp)
		resp.Error.Message = "mutated"

		got, ok := c.get("k")
		require.True(t, ok)
		assert.Equal(t, "gone", got.Error.Message)
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: x", toolexecutor.ErrToolNotFound), 404},
		{fmt.Errorf("%w: x", toolexecutor.ErrInvalidParameters), 400},
		{fmt.Errorf("%w: x", toolexecutor.ErrCapacityExceeded), 429},
		{fmt.Errorf("%w: x", toolexecutor.ErrSafetyBlacklisted), 403},
		{fmt.Errorf("%w: x", toolexecutor.ErrApprovalDenied), 403},
		{fmt.Errorf("%w: x", toolexecutor.ErrCircuitOpen), 503},
		{fmt.Errorf("%w: x", toolexecutor.ErrExecutionTimeout), 504},
		{&toolexecutor.ExecutionError{ToolID: "x", Err: errors.New("boom")}, 502},
		{errors.New("other"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/toolhub/internal/tracing"
)

const (
	tracerName = "github.com/harun/toolhub/pkg/gateway"

	defaultReplayTTL = 5 * time.Minute
	maxReplayEntries = 1024
	jsonRPCVersion   = "2.0"
)

// RPCRouter dispatches JSON-RPC requests to registered methods. A request
// carrying an idempotency key gets the stored response of the first call
// with the same method and key while that response is fresh.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replay  *replayCache
}

// NewRPCRouter creates a router with no methods.
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replay:  newReplayCache(defaultReplayTTL, maxReplayEntries),
	}
}

// RegisterMethod binds name to handler, replacing any previous binding.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

func (r *RPCRouter) lookup(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// Methods returns the registered method names, sorted.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ParseRequest decodes a JSON-RPC request. A missing jsonrpc member is
// taken as 2.0; any other version is rejected.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	case req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion:
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: unsupported jsonrpc version " + req.JSONRPC}
	}
	req.JSONRPC = jsonRPCVersion
	return &req, nil
}

// RouteRequest runs the method named by req inside its own span.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{
			JSONRPC: jsonRPCVersion,
			Error:   &RPCError{Code: InvalidRequest, Message: "invalid request"},
		}
	}

	var replayKey string
	if req.IdempotencyKey != "" {
		replayKey = req.Method + ":" + req.IdempotencyKey
		if stored, ok := r.replay.get(replayKey); ok {
			stored.ID = req.ID
			return &stored
		}
	}

	resp := &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion}

	handler, ok := r.lookup(req.Method)
	if !ok {
		resp.Error = &RPCError{Code: MethodNotFound, Message: "Method not found: " + req.Method}
		return resp
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "rpc "+req.Method,
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.id", req.ID),
	)
	defer span.End()

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := invoke(ctx, req.Method, handler, params)
	if err != nil {
		resp.Error = toRPCError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		resp.Result = result
	}

	if replayKey != "" {
		r.replay.put(replayKey, *resp)
	}
	return resp
}

// invoke converts a handler panic into an internal error.
func invoke(ctx context.Context, method string, handler RequestHandler, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("method", method).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("RPC handler panicked")
			err = &RPCError{Code: InternalError, Message: "internal error"}
		}
	}()
	return handler(ctx, params)
}

func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: rpcCodeFor(err), Message: err.Error()}
}

// replayCache holds responses for idempotent retries. It never grows past
// max entries; when full, the entry closest to expiry is evicted.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]replayEntry
}

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

func newReplayCache(ttl time.Duration, max int) *replayCache {
	return &replayCache{ttl: ttl, max: max, entries: make(map[string]replayEntry)}
}

func (c *replayCache) get(key string) (RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return e.resp.clone(), true
}

func (c *replayCache) put(key string, resp RPCResponse) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		var oldest string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldest == "" || e.expires.Before(oldestAt) {
				oldest, oldestAt = k, e.expires
			}
		}
		delete(c.entries, oldest)
	}
	c.entries[key] = replayEntry{resp: resp.clone(), expires: now.Add(c.ttl)}
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// clone copies the response and its error. Result is shared.
func (r RPCResponse) clone() RPCResponse {
	out := r
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

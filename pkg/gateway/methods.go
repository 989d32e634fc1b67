package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

// toolView is a tool definition with its live circuit state.
type toolView struct {
	toolexecutor.ToolDefinition
	Circuit string `json:"circuit"`
}

type executeRequest struct {
	Params      map[string]interface{}         `json:"params,omitempty"`
	Context     *toolexecutor.ExecutionContext `json:"context,omitempty"`
	TimeoutMS   int64                          `json:"timeout_ms,omitempty"`
	BypassCache bool                           `json:"bypass_cache,omitempty"`
}

func (r executeRequest) options() toolexecutor.ExecuteOptions {
	return toolexecutor.ExecuteOptions{
		Timeout:     time.Duration(r.TimeoutMS) * time.Millisecond,
		BypassCache: r.BypassCache,
	}
}

// registerBuiltinMethods registers the websocket and /rpc methods.
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("tools.list", s.rpcToolsList)
	_ = s.router.RegisterMethod("tools.get", s.rpcToolsGet)
	_ = s.router.RegisterMethod("tools.execute", s.rpcToolsExecute)
	_ = s.router.RegisterMethod("tools.reset", s.rpcToolsReset)
	_ = s.router.RegisterMethod("domains.list", s.rpcDomainsList)
	_ = s.router.RegisterMethod("metrics.get", s.rpcMetricsGet)
	_ = s.router.RegisterMethod("cache.clear", s.rpcCacheClear)
	_ = s.router.RegisterMethod("executions.get", s.rpcExecutionsGet)
	_ = s.router.RegisterMethod("clients.list", s.rpcClientsList)

	if s.approvals != nil {
		_ = s.router.RegisterMethod("approvals.list", s.rpcApprovalsList)
		_ = s.router.RegisterMethod("approvals.resolve", s.rpcApprovalsResolve)
	}
}

func (s *Server) listTools(filter toolexecutor.ToolFilter) []toolView {
	defs := s.executor.GetTools(filter)
	views := make([]toolView, 0, len(defs))
	for _, def := range defs {
		views = append(views, toolView{ToolDefinition: def, Circuit: s.executor.CircuitState(def.ID)})
	}
	return views
}

func (s *Server) getTool(id string) (toolView, error) {
	def := s.executor.GetTool(id)
	if def == nil {
		return toolView{}, fmt.Errorf("%w: %s", toolexecutor.ErrToolNotFound, id)
	}
	return toolView{ToolDefinition: *def, Circuit: s.executor.CircuitState(id)}, nil
}

func (s *Server) execute(ctx context.Context, id string, req executeRequest) (*toolexecutor.ExecutionResult, error) {
	execCtx := req.Context
	if execCtx == nil {
		execCtx = &toolexecutor.ExecutionContext{}
	}
	if execCtx.AgentID == "" {
		execCtx.AgentID = clientIDFromContext(ctx)
	}
	return s.executor.ExecuteTool(ctx, id, req.Params, execCtx, req.options())
}

func (s *Server) resetTool(id string) (map[string]string, error) {
	if err := s.executor.ResetCircuit(id); err != nil {
		return nil, err
	}
	return map[string]string{"tool_id": id, "circuit": s.executor.CircuitState(id)}, nil
}

func (s *Server) rpcToolsList(_ context.Context, params map[string]interface{}) (interface{}, error) {
	filter := toolexecutor.ToolFilter{
		Domain:   stringParam(params, "domain"),
		Category: stringParam(params, "category"),
		Query:    stringParam(params, "query"),
	}
	return s.listTools(filter), nil
}

func (s *Server) rpcToolsGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "tool_id")
	if err != nil {
		return nil, err
	}
	return s.getTool(id)
}

func (s *Server) rpcToolsExecute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "tool_id")
	if err != nil {
		return nil, err
	}
	var req executeRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.execute(ctx, id, req)
}

func (s *Server) rpcToolsReset(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "tool_id")
	if err != nil {
		return nil, err
	}
	return s.resetTool(id)
}

func (s *Server) rpcDomainsList(context.Context, map[string]interface{}) (interface{}, error) {
	return s.executor.GetDomains(), nil
}

func (s *Server) rpcMetricsGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if id := stringParam(params, "tool_id"); id != "" {
		return s.executor.GetToolMetrics(id)
	}
	if domain := stringParam(params, "domain"); domain != "" {
		return s.executor.GetDomainMetrics(domain)
	}
	return s.executor.GetMetrics(), nil
}

func (s *Server) rpcCacheClear(context.Context, map[string]interface{}) (interface{}, error) {
	return map[string]int{"cleared": s.executor.ClearCache()}, nil
}

func (s *Server) rpcExecutionsGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "execution_id")
	if err != nil {
		return nil, err
	}
	rec, ok := s.executor.GetExecution(id)
	if !ok {
		return nil, &RPCError{Code: NotFound, Message: fmt.Sprintf("execution %s not found", id)}
	}
	return rec, nil
}

func (s *Server) rpcClientsList(context.Context, map[string]interface{}) (interface{}, error) {
	return s.clients.Snapshot(), nil
}

func (s *Server) rpcApprovalsList(context.Context, map[string]interface{}) (interface{}, error) {
	return s.approvals.Pending(), nil
}

func (s *Server) rpcApprovalsResolve(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	err := s.resolveApproval(stringParam(params, "approval_id"), stringParam(params, "action"), clientIDFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func stringParam(params map[string]interface{}, key string) string {
	value, _ := params[key].(string)
	return value
}

func requiredString(params map[string]interface{}, key string) (string, error) {
	value := stringParam(params, key)
	if value == "" {
		return "", &RPCError{Code: InvalidParams, Message: key + " is required"}
	}
	return value, nil
}

// decodeParams converts loosely typed RPC params into a typed request.
func decodeParams(params map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return nil
}

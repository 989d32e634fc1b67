// Package toolexecutor registers tools from domain providers and executes them
// under admission control, result caching, safety guardrails and metrics.
//
// Invariants:
// - Tool IDs are unique across all domains.
// - Executions == Successes + Failures for every tool (cache hits excluded).
// - Active executions never exceed the configured ceiling; excess calls are rejected, not queued.
// - A success resets the tool's consecutive failure counter.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.DefaultConfig())
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		ID:   "echo",
//		Name: "Echo",
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	}, "system")
//	res, err := exec.ExecuteTool(ctx, "echo", map[string]interface{}{"text": "hi"}, nil, toolexecutor.ExecuteOptions{})
package toolexecutor

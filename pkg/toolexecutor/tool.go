package toolexecutor

import (
	"context"
	"time"
)

// ToolHandler is the function signature for tool execution. The handler's
// context is cancelled when the execution times out or is cancelled; the
// caller's ExecutionContext is available through ExecContextFromContext.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ValidateFunc checks a successful tool result before it is accepted.
type ValidateFunc func(result interface{}, params map[string]interface{}, execCtx *ExecutionContext) ValidationResult

// ValidationResult is the verdict of a ValidateFunc.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ToolDefinition describes a tool. Definitions are copied on registration and
// never mutated afterwards.
type ToolDefinition struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Domain      string                 `json:"domain"`
	Category    string                 `json:"category,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	// OutputSchema is checked against successful results when result validation is enabled.
	OutputSchema     map[string]interface{} `json:"output_schema,omitempty"`
	Handler          ToolHandler            `json:"-"`
	Validator        ValidateFunc           `json:"-"`
	Cacheable        bool                   `json:"cacheable,omitempty"`
	CacheTTL         time.Duration          `json:"cache_ttl,omitempty"`
	Timeout          time.Duration          `json:"timeout,omitempty"`
	RequiresApproval bool                   `json:"requires_approval,omitempty"`
	RiskLevel        int                    `json:"risk_level,omitempty"`
}

func (d ToolDefinition) clone() ToolDefinition {
	d.InputSchema = cloneSchema(d.InputSchema)
	d.OutputSchema = cloneSchema(d.OutputSchema)
	return d
}

// ExecutionContext provides caller information for a tool execution
type ExecutionContext struct {
	SessionKey string            `json:"session_key,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ExecuteOptions tunes a single ExecuteTool call.
type ExecuteOptions struct {
	// Timeout overrides the tool and global default timeouts when positive.
	Timeout time.Duration
	// BypassCache skips both cache lookup and cache population.
	BypassCache bool
}

// ExecutionResult is returned by a successful ExecuteTool call.
type ExecutionResult struct {
	ExecutionID string        `json:"execution_id,omitempty"`
	ToolID      string        `json:"tool_id"`
	Domain      string        `json:"domain"`
	Output      interface{}   `json:"output,omitempty"`
	FromCache   bool          `json:"from_cache"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// ToolFilter narrows GetTools results. Empty fields match everything.
type ToolFilter struct {
	Domain   string
	Category string
	// Query is matched case-insensitively against name, description and id.
	Query string
}

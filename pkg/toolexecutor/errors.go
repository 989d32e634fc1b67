package toolexecutor

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the executor. Match them with errors.Is.
var (
	ErrInvalidToolDefinition  = errors.New("invalid tool definition")
	ErrDuplicateTool          = errors.New("tool already registered")
	ErrToolNotFound           = errors.New("tool not found")
	ErrDomainNotFound         = errors.New("domain not found")
	ErrCapacityExceeded       = errors.New("execution capacity exceeded")
	ErrSafetyBlacklisted      = errors.New("tool blocked by safety policy")
	ErrCircuitOpen            = errors.New("circuit open")
	ErrExecutionTimeout       = errors.New("tool execution timed out")
	ErrValidationFailed       = errors.New("result validation failed")
	ErrExecutionFailed        = errors.New("tool execution failed")
	ErrProviderInitialization = errors.New("provider initialization failed")
	ErrInvalidParameters      = errors.New("invalid tool parameters")
	ErrApprovalDenied         = errors.New("tool approval denied")
	ErrApprovalTimeout        = errors.New("tool approval timed out")
	ErrExecutionCancelled     = errors.New("tool execution cancelled")
	ErrShutdown               = errors.New("tool executor is shut down")
	ErrAlreadyInitialized     = errors.New("tool executor already initialized")
	ErrDuplicateProvider      = errors.New("domain provider already registered")
)

// ExecutionError wraps an error returned (or a panic raised) by a tool handler.
type ExecutionError struct {
	ToolID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %v", e.ToolID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Is reports ErrExecutionFailed as a match so callers can test the category.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}

// ProviderError reports a fatal domain provider initialization failure.
type ProviderError struct {
	Domain string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s initialization failed: %v", e.Domain, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderInitialization
}

package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/toolhub/internal/tracing"
)

const tracerName = "github.com/harun/toolhub/pkg/toolexecutor"

type handlerOutcome struct {
	result interface{}
	err    error
}

// ExecuteTool runs a registered tool. The call is rejected immediately when
// the executor is at capacity or the tool is blacklisted. A live cache hit is
// returned without running the tool. Otherwise the circuit breaker, approval
// gate and input schema are checked before the execution record enters Running.
//
// The handler context is cancelled on timeout, on caller cancellation and on
// shutdown. A handler that ignores its context keeps running in the
// background; its late result is discarded.
func (te *ToolExecutor) ExecuteTool(ctx context.Context, toolID string, params map[string]interface{}, execCtx *ExecutionContext, opts ExecuteOptions) (*ExecutionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	if err := te.acquireSlot(); err != nil {
		log.Warn().Str("tool", toolID).Err(err).Msg("Tool call rejected")
		return nil, err
	}
	defer te.releaseSlot()

	entry, ok := te.registry.get(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}
	def := entry.def

	ctx, span := tracing.StartSpan(ctx, tracerName, "tool.execute",
		attribute.String("tool.id", def.ID),
		attribute.String("tool.domain", def.Domain),
	)
	defer span.End()
	ctx = tracing.EnsureTraceID(ctx)

	if err := te.policy.CheckBlacklist(def); err != nil {
		failSpan(span, err)
		log.Warn().Str("tool", def.ID).Err(err).Msg("Tool call blocked")
		return nil, err
	}

	cacheKey := te.cacheKeyFor(def, params, opts)
	if cacheKey != "" {
		if cached, hit := te.cache.Get(cacheKey); hit {
			te.metrics.recordCacheHit()
			span.SetAttributes(attribute.Bool("tool.cache_hit", true))
			log.Debug().Str("tool", def.ID).Msg("Tool result served from cache")
			cached.FromCache = true
			return &cached, nil
		}
	}

	done, err := te.checkSafety(ctx, entry, params, execCtx)
	if err != nil {
		failSpan(span, err)
		log.Warn().Str("tool", def.ID).Err(err).Msg("Tool call blocked")
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(te.baseCtx, cancel)
	defer stop()

	exec := newExecution(def, params, execCtx, tracing.TraceID(ctx))
	startedAt := time.Now()
	if err := te.beginExecution(exec, startedAt, cancel); err != nil {
		te.breakers.abandon(def.ID, done)
		failSpan(span, err)
		return nil, err
	}

	log.Debug().
		Str("tool", def.ID).
		Str("execution_id", exec.rec.ID).
		Msg("Executing tool")
	te.events.Publish(Event{
		Type:        EventExecutionStarted,
		ToolID:      def.ID,
		Domain:      def.Domain,
		ExecutionID: exec.rec.ID,
	})

	timeout := te.timeoutFor(def, opts)
	output, runErr := te.run(runCtx, def, exec.rec.ID, params, execCtx, timeout)

	if runErr == nil && te.cfg.ValidateResults {
		runErr = te.validateResult(entry, output, params, execCtx)
	}

	if runErr != nil && errors.Is(runErr, ErrExecutionCancelled) {
		te.cancelExecution(exec, te.sanitizeError(runErr))
		te.breakers.abandon(def.ID, done)
		failSpan(span, runErr)
		return nil, runErr
	}

	finishedAt := time.Now()
	latency := finishedAt.Sub(startedAt)

	if runErr != nil {
		msg := te.sanitizeError(runErr)
		if !exec.finish(StatusFailed, nil, msg, finishedAt) {
			te.breakers.abandon(def.ID, done)
			return nil, fmt.Errorf("%w: tool %s", ErrExecutionCancelled, def.ID)
		}
		te.metrics.recordExecution(def.ID, def.Domain, false, latency, finishedAt)
		done(runErr)
		failSpan(span, runErr)

		log.Error().
			Str("tool", def.ID).
			Str("execution_id", exec.rec.ID).
			Dur("duration", latency).
			Err(runErr).
			Msg("Tool execution failed")
		te.events.Publish(Event{
			Type:        EventExecutionFailed,
			ToolID:      def.ID,
			Domain:      def.Domain,
			ExecutionID: exec.rec.ID,
			Duration:    latency,
			Error:       msg,
		})
		return nil, runErr
	}

	if !exec.finish(StatusCompleted, output, "", finishedAt) {
		te.breakers.abandon(def.ID, done)
		return nil, fmt.Errorf("%w: tool %s", ErrExecutionCancelled, def.ID)
	}
	te.metrics.recordExecution(def.ID, def.Domain, true, latency, finishedAt)
	done(nil)

	result := ExecutionResult{
		ExecutionID: exec.rec.ID,
		ToolID:      def.ID,
		Domain:      def.Domain,
		Output:      output,
		Duration:    latency,
		CompletedAt: finishedAt,
	}
	if cacheKey != "" {
		te.cacheResult(entry, cacheKey, result)
	}

	log.Debug().
		Str("tool", def.ID).
		Str("execution_id", exec.rec.ID).
		Dur("duration", latency).
		Msg("Tool execution completed")
	te.events.Publish(Event{
		Type:        EventExecutionCompleted,
		ToolID:      def.ID,
		Domain:      def.Domain,
		ExecutionID: exec.rec.ID,
		Duration:    latency,
	})
	return &result, nil
}

// checkSafety applies the circuit, approval gate and input schema in that
// order. On success it returns the breaker completion func.
func (te *ToolExecutor) checkSafety(ctx context.Context, entry *registeredTool, params map[string]interface{}, execCtx *ExecutionContext) (func(error), error) {
	def := entry.def

	if te.breakers.isOpen(def.ID) {
		return nil, fmt.Errorf("%w: tool %s", ErrCircuitOpen, def.ID)
	}
	if err := te.awaitApproval(ctx, def, params, execCtx); err != nil {
		return nil, err
	}
	if err := validateAgainst(entry.inputSchema, params); err != nil {
		return nil, fmt.Errorf("%w: tool %s: %v", ErrInvalidParameters, def.ID, err)
	}
	return te.breakers.allow(def.ID)
}

// awaitApproval blocks on the approval handler when def needs approval.
func (te *ToolExecutor) awaitApproval(ctx context.Context, def ToolDefinition, params map[string]interface{}, execCtx *ExecutionContext) error {
	required, reason := te.policy.RequiresApproval(def)
	if !required {
		return nil
	}
	if te.approvals == nil {
		return fmt.Errorf("%w: tool %s: %s and no approval handler is configured", ErrApprovalDenied, def.ID, reason)
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(te.baseCtx, cancel)
	defer stop()

	req := ApprovalRequest{
		ToolID:    def.ID,
		ToolName:  def.Name,
		Domain:    def.Domain,
		Category:  def.Category,
		RiskLevel: def.RiskLevel,
		Reason:    reason,
		Params:    params,
		Timeout:   te.policy.Policy().ApprovalTimeout,
	}
	if execCtx != nil {
		req.AgentID = execCtx.AgentID
		req.SessionKey = execCtx.SessionKey
	}

	resp, err := te.approvals.RequestApproval(actx, req)
	switch {
	case err == nil && resp.Approved:
		return nil
	case err == nil:
		return fmt.Errorf("%w: tool %s: %s", ErrApprovalDenied, def.ID, resp.Reason)
	case errors.Is(err, ErrApprovalTimeout):
		return err
	case actx.Err() != nil:
		return fmt.Errorf("%w: tool %s while awaiting approval", ErrExecutionCancelled, def.ID)
	default:
		return fmt.Errorf("%w: tool %s: %v", ErrApprovalDenied, def.ID, err)
	}
}

// run races the handler against the timeout. Panics are converted into
// ExecutionErrors.
func (te *ToolExecutor) run(ctx context.Context, def ToolDefinition, executionID string, params map[string]interface{}, execCtx *ExecutionContext, timeout time.Duration) (interface{}, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handlerCtx := withHandlerScope(timeoutCtx, def.ID, executionID, execCtx)
	outcome := make(chan handlerOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("tool", def.ID).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Tool handler panicked")
				outcome <- handlerOutcome{err: &ExecutionError{ToolID: def.ID, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		result, err := def.Handler(handlerCtx, params)
		outcome <- handlerOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcome:
		if out.err == nil {
			return out.result, nil
		}
		// A cooperative handler may return ctx.Err() before the timer branch wins.
		if timeoutCtx.Err() != nil {
			return nil, te.interruption(ctx, def, timeout)
		}
		var execErr *ExecutionError
		if errors.As(out.err, &execErr) {
			return nil, execErr
		}
		return nil, &ExecutionError{ToolID: def.ID, Err: out.err}

	case <-timeoutCtx.Done():
		return nil, te.interruption(ctx, def, timeout)
	}
}

// interruption classifies a finished handler context: the parent being done
// means cancellation, otherwise the timeout fired.
func (te *ToolExecutor) interruption(parent context.Context, def ToolDefinition, timeout time.Duration) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: tool %s", ErrExecutionCancelled, def.ID)
	}
	return fmt.Errorf("%w: tool %s after %v", ErrExecutionTimeout, def.ID, timeout)
}

// validateResult checks a successful result against the output schema and
// the tool's validator.
func (te *ToolExecutor) validateResult(entry *registeredTool, output interface{}, params map[string]interface{}, execCtx *ExecutionContext) error {
	def := entry.def
	if entry.outputSchema != nil {
		if err := validateAgainst(entry.outputSchema, output); err != nil {
			return fmt.Errorf("%w: tool %s: %v", ErrValidationFailed, def.ID, err)
		}
	}
	if def.Validator == nil {
		return nil
	}
	verdict := def.Validator(output, params, execCtx)
	if !verdict.Valid {
		reason := verdict.Reason
		if reason == "" {
			reason = "validator rejected result"
		}
		return fmt.Errorf("%w: tool %s: %s", ErrValidationFailed, def.ID, reason)
	}
	return nil
}

// cacheKeyFor returns the cache key for the call, or "" when the result must
// not be cached.
func (te *ToolExecutor) cacheKeyFor(def ToolDefinition, params map[string]interface{}, opts ExecuteOptions) string {
	if !te.cfg.CacheResults || !def.Cacheable || opts.BypassCache {
		return ""
	}
	key, err := CacheKey(def.ID, params)
	if err != nil {
		log.Warn().Str("tool", def.ID).Err(err).Msg("Parameters not cacheable")
		return ""
	}
	return key
}

// cacheResult stores result unless entry was unregistered or replaced while
// the call ran.
func (te *ToolExecutor) cacheResult(entry *registeredTool, key string, result ExecutionResult) {
	def := entry.def
	current := te.registry.whileCurrent(entry, func() {
		if err := te.cache.Set(key, def.ID, result, te.cacheTTLFor(def)); err != nil {
			log.Warn().Str("tool", def.ID).Err(err).Msg("Result not cacheable")
		}
	})
	if !current {
		log.Debug().Str("tool", def.ID).Msg("Tool changed during execution, result not cached")
	}
}

func (te *ToolExecutor) timeoutFor(def ToolDefinition, opts ExecuteOptions) time.Duration {
	switch {
	case opts.Timeout > 0:
		return opts.Timeout
	case def.Timeout > 0:
		return def.Timeout
	default:
		return te.cfg.DefaultTimeout
	}
}

func (te *ToolExecutor) cacheTTLFor(def ToolDefinition) time.Duration {
	if def.CacheTTL > 0 {
		return def.CacheTTL
	}
	return te.cfg.DefaultCacheTTL
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

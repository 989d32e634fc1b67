package toolexecutor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds the executor settings.
type Config struct {
	CacheResults            bool          `json:"cache_results" mapstructure:"cache_results"`
	ValidateResults         bool          `json:"validate_results" mapstructure:"validate_results"`
	MaxConcurrentExecutions int           `json:"max_concurrent_executions" mapstructure:"max_concurrent_executions"`
	DefaultTimeout          time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
	DefaultCacheTTL         time.Duration `json:"default_cache_ttl" mapstructure:"default_cache_ttl"`
	ProviderShutdownTimeout time.Duration `json:"provider_shutdown_timeout" mapstructure:"provider_shutdown_timeout"`
	Safety                  SafetyPolicy  `json:"safety" mapstructure:"safety"`
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() Config {
	return Config{
		CacheResults:            true,
		ValidateResults:         true,
		MaxConcurrentExecutions: 10,
		DefaultTimeout:          30 * time.Second,
		DefaultCacheTTL:         DefaultCacheTTL,
		ProviderShutdownTimeout: 5 * time.Second,
		Safety:                  DefaultSafetyPolicy(),
	}
}

// Validate checks the configuration for values the executor cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("max concurrent executions must be positive, got %d", c.MaxConcurrentExecutions)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive, got %v", c.DefaultTimeout)
	}
	if c.DefaultCacheTTL < 0 || c.ProviderShutdownTimeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	return ValidatePolicy(c.Safety)
}

// Option configures a ToolExecutor.
type Option func(*ToolExecutor)

// WithProviders registers domain providers to initialize on Initialize.
func WithProviders(providers ...DomainProvider) Option {
	return func(te *ToolExecutor) {
		te.providers = append(te.providers, providers...)
	}
}

// WithApprovalHandler sets the handler consulted by the approval gate.
// Without one, calls that need approval are denied.
func WithApprovalHandler(handler ApprovalHandler) Option {
	return func(te *ToolExecutor) {
		if handler != nil {
			te.approvals = NewApprovalManager(handler)
		}
	}
}

// WithErrorSanitizer sets a function applied to error messages before they
// are stored on records or published in events.
func WithErrorSanitizer(fn func(string) string) Option {
	return func(te *ToolExecutor) {
		te.sanitize = fn
	}
}

type executorState int

const (
	stateCreated executorState = iota
	stateInitializing
	stateInitialized
	stateShutdown
)

// maxErrorMessageLen bounds error text stored on records and events.
const maxErrorMessageLen = 512

// ToolExecutor dispatches tool calls across registered domains under
// admission control, caching, safety checks and circuit breaking.
type ToolExecutor struct {
	cfg Config

	mu        sync.Mutex
	state     executorState
	active    int
	providers []DomainProvider
	ready     []DomainProvider

	registry  *ToolRegistry
	cache     *ResultCache
	metrics   *MetricsAggregator
	policy    *PolicyEngine
	breakers  *circuitBreakers
	approvals *ApprovalManager
	records   *recordStore
	events    *EventBus
	sanitize  func(string) string

	inflight   sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates a tool executor. Zero config values fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *ToolExecutor {
	defaults := DefaultConfig()
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = defaults.MaxConcurrentExecutions
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.DefaultCacheTTL <= 0 {
		cfg.DefaultCacheTTL = defaults.DefaultCacheTTL
	}
	if cfg.ProviderShutdownTimeout <= 0 {
		cfg.ProviderShutdownTimeout = defaults.ProviderShutdownTimeout
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	te := &ToolExecutor{
		cfg:        cfg,
		registry:   NewToolRegistry(),
		cache:      NewResultCache(),
		metrics:    NewMetricsAggregator(),
		policy:     NewPolicyEngine(cfg.Safety),
		records:    newRecordStore(),
		events:     NewEventBus(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	te.breakers = newCircuitBreakers(cfg.Safety.MaxConsecutiveFailures, cfg.Safety.Cooldown, te.publishCircuitChange)

	for _, opt := range opts {
		opt(te)
	}

	log.Info().
		Int("max_concurrent", cfg.MaxConcurrentExecutions).
		Dur("default_timeout", cfg.DefaultTimeout).
		Bool("cache_results", cfg.CacheResults).
		Msg("Tool executor created")

	return te
}

// RegisterProvider adds a domain provider before Initialize is called.
func (te *ToolExecutor) RegisterProvider(p DomainProvider) error {
	te.mu.Lock()
	defer te.mu.Unlock()

	if te.state != stateCreated {
		return ErrAlreadyInitialized
	}
	domain := strings.TrimSpace(p.Domain())
	if domain == "" {
		return fmt.Errorf("%w: provider domain cannot be empty", ErrInvalidToolDefinition)
	}
	for _, existing := range te.providers {
		if existing.Domain() == domain {
			return fmt.Errorf("%w: %s", ErrDuplicateProvider, domain)
		}
	}
	te.providers = append(te.providers, p)
	return nil
}

// Initialize initializes every provider concurrently and registers their
// tools. Any failure rolls back the whole startup and returns a ProviderError.
func (te *ToolExecutor) Initialize(ctx context.Context) error {
	te.mu.Lock()
	switch te.state {
	case stateShutdown:
		te.mu.Unlock()
		return ErrShutdown
	case stateInitializing, stateInitialized:
		te.mu.Unlock()
		return ErrAlreadyInitialized
	}
	te.state = stateInitializing
	providers := append([]DomainProvider(nil), te.providers...)
	te.mu.Unlock()

	if err := te.initializeProviders(ctx, providers); err != nil {
		te.mu.Lock()
		te.state = stateCreated
		te.mu.Unlock()
		return err
	}

	te.mu.Lock()
	te.ready = providers
	te.state = stateInitialized
	te.mu.Unlock()

	log.Info().
		Int("providers", len(providers)).
		Int("tools", te.registry.Count()).
		Msg("Tool executor initialized")

	return nil
}

func (te *ToolExecutor) initializeProviders(ctx context.Context, providers []DomainProvider) error {
	succeeded := make([]bool, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			if err := p.Initialize(gctx); err != nil {
				return &ProviderError{Domain: p.Domain(), Err: err}
			}
			succeeded[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Provider initialization failed, aborting startup")
		var ok []DomainProvider
		for i, p := range providers {
			if succeeded[i] {
				ok = append(ok, p)
			}
		}
		te.shutdownProviders(ok)
		return err
	}

	var registered []string
	for _, p := range providers {
		for _, def := range p.Tools() {
			if err := te.RegisterTool(def, p.Domain()); err != nil {
				for _, id := range registered {
					_ = te.UnregisterTool(id)
				}
				te.shutdownProviders(providers)
				return &ProviderError{Domain: p.Domain(), Err: err}
			}
			registered = append(registered, strings.TrimSpace(def.ID))
		}
	}
	return nil
}

// shutdownProviders calls Shutdown on providers that implement it. Errors and
// slow providers are logged and skipped.
func (te *ToolExecutor) shutdownProviders(providers []DomainProvider) {
	for _, p := range providers {
		s, ok := p.(ProviderShutdowner)
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), te.cfg.ProviderShutdownTimeout)
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Shutdown(ctx)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Warn().Err(err).Str("domain", p.Domain()).Msg("Provider shutdown failed")
			}
		case <-ctx.Done():
			log.Warn().Str("domain", p.Domain()).Msg("Provider shutdown timed out")
		}
		cancel()
	}
}

// RegisterTool validates and registers a tool under domain.
func (te *ToolExecutor) RegisterTool(def ToolDefinition, domain string) error {
	if te.isShutdown() {
		return ErrShutdown
	}

	stored, err := te.registry.Register(def, domain)
	if err != nil {
		return err
	}
	te.metrics.initTool(stored.ID, stored.Domain)

	log.Info().Str("tool", stored.ID).Str("domain", stored.Domain).Msg("Tool registered")
	te.events.Publish(Event{
		Type:   EventRegistered,
		ToolID: stored.ID,
		Domain: stored.Domain,
	})
	return nil
}

// UnregisterTool removes a tool together with its cached results and circuit.
// Its metrics are kept.
func (te *ToolExecutor) UnregisterTool(id string) error {
	def, err := te.registry.Unregister(id)
	if err != nil {
		return err
	}
	te.cache.InvalidateTool(def.ID)
	te.breakers.remove(def.ID)

	log.Info().Str("tool", def.ID).Msg("Tool unregistered")
	te.events.Publish(Event{
		Type:   EventUnregistered,
		ToolID: def.ID,
		Domain: def.Domain,
	})
	return nil
}

// GetTool returns a copy of the tool definition, or nil when absent.
func (te *ToolExecutor) GetTool(id string) *ToolDefinition {
	def, ok := te.registry.Get(id)
	if !ok {
		return nil
	}
	return &def
}

// GetTools lists tools matching filter, sorted by id.
func (te *ToolExecutor) GetTools(filter ToolFilter) []ToolDefinition {
	return te.registry.List(filter)
}

// GetDomains lists the domains that currently have tools.
func (te *ToolExecutor) GetDomains() []string {
	return te.registry.Domains()
}

// GetExecution returns the execution record for id.
func (te *ToolExecutor) GetExecution(id string) (ExecutionRecord, bool) {
	return te.records.get(id)
}

// PruneExecutions drops finished records older than olderThan.
func (te *ToolExecutor) PruneExecutions(olderThan time.Duration) int {
	n := te.records.prune(time.Now().Add(-olderThan))
	if n > 0 {
		log.Debug().Int("count", n).Msg("Pruned execution records")
	}
	return n
}

// GetMetrics returns the global metrics snapshot.
func (te *ToolExecutor) GetMetrics() GlobalMetrics {
	m := te.metrics.Global()
	m.ActiveExecutions = te.ActiveExecutions()
	m.RegisteredTools = te.registry.Count()
	return m
}

// GetToolMetrics returns the metrics of one tool.
func (te *ToolExecutor) GetToolMetrics(id string) (ToolMetrics, error) {
	m, ok := te.metrics.Tool(id)
	if !ok {
		return ToolMetrics{}, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	return m, nil
}

// GetDomainMetrics returns the aggregated metrics of one domain.
func (te *ToolExecutor) GetDomainMetrics(domain string) (DomainMetrics, error) {
	m, ok := te.metrics.Domain(domain)
	if !ok {
		return DomainMetrics{}, fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	return m, nil
}

// ClearCache purges all cached results and returns how many were removed.
func (te *ToolExecutor) ClearCache() int {
	n := te.cache.Clear()
	log.Info().Int("count", n).Msg("Result cache cleared")
	return n
}

// SweepCache eagerly removes expired cache entries.
func (te *ToolExecutor) SweepCache() int {
	return te.cache.Sweep()
}

// ResetCircuit closes the circuit of a tool and clears its failure streak.
func (te *ToolExecutor) ResetCircuit(id string) error {
	if _, ok := te.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	te.breakers.reset(id)
	te.metrics.resetConsecutive(id)
	log.Info().Str("tool", id).Msg("Circuit reset")
	return nil
}

// CircuitState reports closed, half-open or open for a tool.
func (te *ToolExecutor) CircuitState(id string) string {
	return te.breakers.state(id)
}

// UpdateSafetyPolicy swaps the active safety policy.
func (te *ToolExecutor) UpdateSafetyPolicy(policy SafetyPolicy) error {
	if err := ValidatePolicy(policy); err != nil {
		return err
	}
	te.policy.Update(policy)
	if te.breakers.configure(policy.MaxConsecutiveFailures, policy.Cooldown) {
		log.Info().
			Int("max_consecutive_failures", policy.MaxConsecutiveFailures).
			Dur("cooldown", policy.Cooldown).
			Msg("Circuit breaker thresholds changed, circuits reset")
	}
	log.Info().Msg("Safety policy updated")
	return nil
}

// SafetyPolicy returns the active safety policy.
func (te *ToolExecutor) SafetyPolicy() SafetyPolicy {
	return te.policy.Policy()
}

// Events returns the event bus.
func (te *ToolExecutor) Events() *EventBus {
	return te.events
}

// ActiveExecutions returns the number of admitted calls that have not returned.
func (te *ToolExecutor) ActiveExecutions() int {
	te.mu.Lock()
	defer te.mu.Unlock()

	return te.active
}

// Shutdown cancels running executions, shuts providers down and clears the
// registry, cache and execution records. Metrics are kept. Shutdown waits for
// in-flight calls to return until ctx is done.
func (te *ToolExecutor) Shutdown(ctx context.Context) error {
	te.mu.Lock()
	if te.state == stateShutdown {
		te.mu.Unlock()
		return nil
	}
	te.state = stateShutdown
	providers := te.ready
	te.ready = nil
	te.mu.Unlock()

	cancelled := 0
	for _, exec := range te.records.running() {
		if te.cancelExecution(exec, "executor shutdown") {
			cancelled++
		}
	}
	te.baseCancel()

	var waitErr error
	done := make(chan struct{})
	go func() {
		te.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for in-flight executions: %w", ctx.Err())
	}

	te.shutdownProviders(providers)

	tools := te.registry.Clear()
	entries := te.cache.Clear()
	te.records.clear()
	te.breakers.clear()
	te.events.Close()

	log.Info().
		Int("cancelled", cancelled).
		Int("tools", tools).
		Int("cache_entries", entries).
		Msg("Tool executor shut down")

	return waitErr
}

func (te *ToolExecutor) isShutdown() bool {
	te.mu.Lock()
	defer te.mu.Unlock()

	return te.state == stateShutdown
}

// acquireSlot admits one call or rejects it when the executor is full.
func (te *ToolExecutor) acquireSlot() error {
	te.mu.Lock()
	defer te.mu.Unlock()

	if te.state == stateShutdown {
		return ErrShutdown
	}
	if te.active >= te.cfg.MaxConcurrentExecutions {
		return fmt.Errorf("%w: %d of %d slots in use", ErrCapacityExceeded, te.active, te.cfg.MaxConcurrentExecutions)
	}
	te.active++
	te.inflight.Add(1)
	return nil
}

// beginExecution records exec as running. It fails once shutdown has begun so
// that no record outlives the shutdown sweep.
func (te *ToolExecutor) beginExecution(exec *execution, at time.Time, cancel context.CancelFunc) error {
	te.mu.Lock()
	defer te.mu.Unlock()

	if te.state == stateShutdown {
		return fmt.Errorf("%w: tool %s", ErrShutdown, exec.rec.ToolID)
	}
	te.records.add(exec)
	exec.start(at, cancel)
	return nil
}

func (te *ToolExecutor) releaseSlot() {
	te.mu.Lock()
	te.active--
	te.mu.Unlock()
	te.inflight.Done()
}

// cancelExecution moves a record to Cancelled. It returns false when the
// record had already finished.
func (te *ToolExecutor) cancelExecution(exec *execution, reason string) bool {
	now := time.Now()
	if !exec.finish(StatusCancelled, nil, reason, now) {
		return false
	}
	rec := exec.snapshot()
	exec.abort()
	te.metrics.recordCancelled()

	log.Warn().
		Str("tool", rec.ToolID).
		Str("execution_id", rec.ID).
		Str("reason", reason).
		Msg("Tool execution cancelled")
	te.events.Publish(Event{
		Type:        EventExecutionCancelled,
		ToolID:      rec.ToolID,
		Domain:      rec.Domain,
		ExecutionID: rec.ID,
		Duration:    now.Sub(rec.StartedAt),
		Error:       reason,
	})
	return true
}

func (te *ToolExecutor) publishCircuitChange(toolID, from, to string) {
	var domain string
	if def, ok := te.registry.Get(toolID); ok {
		domain = def.Domain
	}
	te.events.Publish(Event{
		Type:   EventCircuitStateChanged,
		ToolID: toolID,
		Domain: domain,
		Data:   map[string]string{"from": from, "to": to},
	})
}

// sanitizeError reduces an error to a single bounded line, passed through the
// configured sanitizer.
func (te *ToolExecutor) sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if te.sanitize != nil {
		msg = te.sanitize(msg)
	}
	if r := []rune(msg); len(r) > maxErrorMessageLen {
		msg = string(r[:maxErrorMessageLen]) + "..."
	}
	return msg
}

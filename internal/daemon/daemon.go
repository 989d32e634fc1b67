package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/toolhub/internal/audit"
	"github.com/harun/toolhub/internal/config"
	"github.com/harun/toolhub/internal/logger"
	"github.com/harun/toolhub/internal/metrics"
	"github.com/harun/toolhub/internal/tracing"
	"github.com/harun/toolhub/internal/version"
	"github.com/harun/toolhub/pkg/cron"
	"github.com/harun/toolhub/pkg/gateway"
	"github.com/harun/toolhub/pkg/history"
	"github.com/harun/toolhub/pkg/hooks"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

const (
	stopTimeout     = 30 * time.Second
	historyFileName = "history.db"
	auditFileName   = "audit.log"
)

// Daemon represents the toolhub service: the tool executor plus everything
// that observes or drives it.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	executor  *toolexecutor.ToolExecutor
	approvals *toolexecutor.QueuedApprovalHandler
	metrics   *metrics.Metrics
	history   *history.Store
	audit     *audit.Logger
	hooks     *hooks.Manager
	scheduler *cron.Scheduler
	gateway   *gateway.Server
	watcher   *config.Watcher
	lifecycle *LifecycleManager

	detach []func()

	startTime   time.Time
	running     bool
	mu          sync.RWMutex
	stopTracing tracing.ShutdownFunc
}

// Status describes a running daemon.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Addr      string        `json:"addr,omitempty"`
	Tools     int           `json:"tools"`
	Domains   []string      `json:"domains"`
	Jobs      []string      `json:"jobs,omitempty"`
}

type options struct {
	providers   []toolexecutor.DomainProvider
	loader      *config.Loader
	approvalIn  io.Reader
	approvalOut io.Writer
}

// Option customizes a Daemon.
type Option func(*options)

// WithProviders registers domain providers next to the built-in system domain.
func WithProviders(providers ...toolexecutor.DomainProvider) Option {
	return func(o *options) {
		o.providers = append(o.providers, providers...)
	}
}

// WithConfigLoader enables hot reload of the safety policy and log level
// from the loader's file.
func WithConfigLoader(loader *config.Loader) Option {
	return func(o *options) {
		o.loader = loader
	}
}

// WithApprovalIO sets the terminal used by the prompt approval mode.
func WithApprovalIO(in io.Reader, out io.Writer) Option {
	return func(o *options) {
		o.approvalIn = in
		o.approvalOut = out
	}
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	o := options{approvalIn: os.Stdin, approvalOut: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.With().Str("component", "daemon").Logger(),
	}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(context.Background(), cfg.Tracing, version.Version)
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.stopTracing = shutdown
			d.log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("Tracing initialized")
		}
	}

	if err := d.initialize(o); err != nil {
		d.release()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize(o options) error {
	cfg := d.config

	handler, err := d.approvalHandler(o)
	if err != nil {
		return fmt.Errorf("failed to set up approvals: %w", err)
	}

	if cfg.Audit.Enabled {
		path := cfg.Audit.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, auditFileName)
		}
		d.audit, err = audit.Open(path)
		if err != nil {
			return err
		}
		handler = d.audit.WrapApproval(handler)
	}

	providers, err := cfg.DomainProviders(version.Version, d.log)
	if err != nil {
		return err
	}
	providers = append(providers, o.providers...)
	d.executor = toolexecutor.New(cfg.ExecutorConfig(),
		toolexecutor.WithProviders(providers...),
		toolexecutor.WithApprovalHandler(handler),
		toolexecutor.WithErrorSanitizer(d.logger.Redactor().Redact),
	)
	bus := d.executor.Events()

	d.metrics = metrics.NewMetrics()
	d.metrics.RegisterStats(d.executor)
	d.detach = append(d.detach, d.metrics.Attach(bus))

	if d.audit != nil {
		d.detach = append(d.detach, d.audit.Attach(bus))
	}

	if cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, historyFileName)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
		d.history, err = history.NewStore(history.Config{
			Path:      path,
			Retention: cfg.History.Retention,
			Logger:    d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		d.detach = append(d.detach, d.history.Attach(bus))
	}

	if cfg.Hooks.Enabled {
		d.hooks, err = hooks.NewManager(hooks.Config{
			Enabled: true,
			Hooks:   convertHooks(cfg.Hooks.Hooks),
			Logger:  d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to load hooks: %w", err)
		}
		d.detach = append(d.detach, d.hooks.Attach(bus))
	}

	d.scheduler = cron.NewScheduler()
	maintenance := cron.MaintenanceConfig{
		Executor:             d.executor,
		CacheSweepSchedule:   cfg.Maintenance.CacheSweepSchedule,
		RecordPruneSchedule:  cfg.Maintenance.RecordPruneSchedule,
		RecordRetention:      cfg.Maintenance.RecordRetention,
		HistoryPruneSchedule: cfg.Maintenance.HistoryPruneSchedule,
	}
	if d.history != nil {
		maintenance.History = d.history
	}
	jobs, err := cron.RegisterMaintenance(d.scheduler, maintenance)
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	d.log.Debug().Strs("jobs", jobs).Msg("Maintenance jobs scheduled")

	d.gateway, err = gateway.NewServer(gateway.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		SharedSecret:    cfg.Server.SharedSecret,
		RateLimit:       cfg.Server.RateLimit,
		MaxConcurrent:   cfg.Orchestrator.MaxConcurrentExecutions,
		MaxClientsPerIP: cfg.Server.MaxClientsPerIP,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		Executor:        d.executor,
		Approvals:       d.approvals,
		History:         d.history,
		Metrics:         d.metrics.Handler(),
		Logger:          d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	if d.approvals != nil {
		d.approvals.SetNotifier(d.gateway.ApprovalNotifier())
	}

	if o.loader != nil {
		d.watcher, err = config.NewWatcher(config.WatcherConfig{
			Loader:   o.loader,
			OnReload: d.reload,
		})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
	}

	return nil
}

func (d *Daemon) approvalHandler(o options) (toolexecutor.ApprovalHandler, error) {
	switch d.config.Safety.ApprovalMode {
	case config.ApprovalModeAuto:
		return toolexecutor.AutoApproveHandler{}, nil
	case config.ApprovalModePrompt:
		return toolexecutor.NewCLIApprovalHandler(o.approvalIn, o.approvalOut), nil
	case config.ApprovalModeQueue:
		var allowlist *toolexecutor.ApprovalAllowlist
		if path := d.config.Safety.AllowlistPath; path != "" {
			var err error
			allowlist, err = toolexecutor.NewApprovalAllowlist(path)
			if err != nil {
				return nil, err
			}
		}
		d.approvals = toolexecutor.NewQueuedApprovalHandler(nil, allowlist)
		return d.approvals, nil
	default:
		return toolexecutor.DenyAllHandler{}, nil
	}
}

func convertHooks(in []config.HookConfig) []hooks.Hook {
	out := make([]hooks.Hook, 0, len(in))
	for _, h := range in {
		out = append(out, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Tools:   h.Tools,
			Timeout: h.Timeout,
			Enabled: h.Enabled,
		})
	}
	return out
}

// reload applies the parts of a changed config file that can change at
// runtime. Everything else needs a restart.
func (d *Daemon) reload(cfg *config.Config) error {
	if err := d.executor.UpdateSafetyPolicy(cfg.Safety.SafetyPolicy); err != nil {
		return err
	}

	if cfg.Logging.Level != "" && cfg.Logging.Level != d.config.Logging.Level {
		if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
			d.log.Warn().Err(err).Msg("Keeping previous log level")
		}
	}

	if cfg.Safety.ApprovalMode != d.config.Safety.ApprovalMode {
		d.log.Warn().
			Str("current", d.config.Safety.ApprovalMode).
			Str("configured", cfg.Safety.ApprovalMode).
			Msg("Approval mode change requires a restart")
	}

	d.mu.Lock()
	d.config.Safety.SafetyPolicy = cfg.Safety.SafetyPolicy
	d.config.Logging.Level = cfg.Logging.Level
	d.mu.Unlock()

	d.log.Info().Msg("Configuration reloaded")
	return nil
}

// Start starts the daemon service
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting toolhub daemon")

	if err := d.start(ctx, logger); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}

	logger.Info().
		Str("addr", d.gateway.Addr()).
		Int("tools", len(d.executor.GetTools(toolexecutor.ToolFilter{}))).
		Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) start(ctx context.Context, logger zerolog.Logger) error {
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.executor.Initialize(ctx); err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to initialize tool providers: %w", err)
	}

	d.scheduler.Start()
	logger.Info().Int("jobs", len(d.scheduler.Jobs())).Msg("Scheduler started")

	if err := d.gateway.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = d.scheduler.Stop(stopCtx)
		_ = d.executor.Shutdown(stopCtx)
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher, hot reload disabled")
			d.watcher = nil
		} else {
			logger.Info().Msg("Config watcher started")
		}
	}

	return nil
}

// Stop stops the daemon service gracefully. Every component is stopped even
// when an earlier one fails; the failures are joined.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping toolhub daemon")

	var errs []error
	record := func(what string, err error) {
		if err != nil {
			logger.Error().Err(err).Msg("Failed to stop " + what)
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	if d.watcher != nil {
		record("config watcher", d.watcher.Stop())
	}
	record("gateway server", d.gateway.Stop(ctx))
	record("scheduler", d.scheduler.Stop(ctx))
	record("tool executor", d.executor.Shutdown(ctx))
	record("lifecycle manager", d.lifecycle.Stop())
	errs = append(errs, d.release()...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// release closes the stores and tracing. It is also used to unwind a failed New.
func (d *Daemon) release() []error {
	var errs []error

	for _, detach := range d.detach {
		detach()
	}
	d.detach = nil

	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close history store")
			errs = append(errs, fmt.Errorf("history store: %w", err))
		}
	}

	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close audit log")
			errs = append(errs, fmt.Errorf("audit log: %w", err))
		}
	}

	if d.stopTracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.stopTracing(shutdownCtx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
		cancel()
		d.stopTracing = nil
	}

	return errs
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Domains: d.executor.GetDomains(),
		Tools:   len(d.executor.GetTools(toolexecutor.ToolFilter{})),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gateway.Addr()
		for _, job := range d.scheduler.Jobs() {
			status.Jobs = append(status.Jobs, job.Name)
		}
	}

	return status
}

// Wait blocks until ctx is done or SIGINT/SIGTERM arrives, then stops the
// daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
		d.log.Info().Msg("Context done")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	return d.Stop(stopCtx)
}

// Executor returns the tool executor, e.g. to register tools after start.
func (d *Daemon) Executor() *toolexecutor.ToolExecutor {
	return d.executor
}

// Gateway returns the admin server.
func (d *Daemon) Gateway() *gateway.Server {
	return d.gateway
}

// Approvals returns the approval queue, or nil unless approval_mode is queue.
func (d *Daemon) Approvals() *toolexecutor.QueuedApprovalHandler {
	return d.approvals
}

// History returns the history store, or nil when history is disabled.
func (d *Daemon) History() *history.Store {
	return d.history
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

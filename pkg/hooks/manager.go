package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

// AnyEvent subscribes a hook to every executor event.
const AnyEvent = "*"

const (
	defaultHookTimeout = 30 * time.Second
	maxLoggedOutput    = 4 << 10
)

var knownEvents = map[toolexecutor.EventType]struct{}{
	toolexecutor.EventRegistered:          {},
	toolexecutor.EventUnregistered:        {},
	toolexecutor.EventExecutionStarted:    {},
	toolexecutor.EventExecutionCompleted:  {},
	toolexecutor.EventExecutionFailed:     {},
	toolexecutor.EventExecutionCancelled:  {},
	toolexecutor.EventCircuitStateChanged: {},
}

// Hook runs a shell script when an executor event is published. Tools
// optionally narrows the hook to tool IDs matching one of the glob
// patterns (path.Match syntax, e.g. "fs.*").
type Hook struct {
	ID      string
	Event   string
	Script  string
	Tools   []string
	Timeout time.Duration
	Enabled bool
}

func (h Hook) name() string {
	if strings.TrimSpace(h.ID) != "" {
		return h.ID
	}
	return h.Event
}

// matches reports whether the hook applies to toolID. Events without a
// tool, such as circuit changes, only reach unfiltered hooks.
func (h Hook) matches(toolID string) bool {
	if len(h.Tools) == 0 {
		return true
	}
	for _, pattern := range h.Tools {
		if ok, _ := path.Match(pattern, toolID); ok {
			return true
		}
	}
	return false
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager executes configured hooks for executor events. The hook table is
// fixed at construction.
type Manager struct {
	enabled bool
	logger  zerolog.Logger
	table   map[string][]Hook
}

// NewManager validates cfg and builds the hook table. Disabled hooks are
// dropped without validation.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		table:   make(map[string][]Hook),
	}
	if !cfg.Enabled {
		return m, nil
	}

	var errs []error
	for i, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		if err := normalize(&hook); err != nil {
			errs = append(errs, fmt.Errorf("hook %d: %w", i, err))
			continue
		}
		m.table[hook.Event] = append(m.table[hook.Event], hook)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

func normalize(hook *Hook) error {
	hook.Event = strings.TrimSpace(hook.Event)
	switch {
	case hook.Event == "":
		return errors.New("event is required")
	case hook.Event != AnyEvent:
		if _, ok := knownEvents[toolexecutor.EventType(hook.Event)]; !ok {
			return fmt.Errorf("unknown event %q", hook.Event)
		}
	}
	if strings.TrimSpace(hook.Script) == "" {
		return fmt.Errorf("script is required for event %q", hook.Event)
	}
	for _, pattern := range hook.Tools {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid tool pattern %q: %w", pattern, err)
		}
	}
	if hook.Timeout <= 0 {
		hook.Timeout = defaultHookTimeout
	}
	return nil
}

// Count returns the number of active hooks.
func (m *Manager) Count() int {
	n := 0
	for _, hooks := range m.table {
		n += len(hooks)
	}
	return n
}

// Trigger runs the hooks registered for event, in configuration order, and
// joins their errors. data is exported to the script environment.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]string) error {
	return m.run(ctx, event, data, nil)
}

func (m *Manager) run(ctx context.Context, event string, data map[string]string, payload []byte) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event is required")
	}

	toolID := data["tool_id"]
	var errs []error
	for _, hook := range m.selectHooks(event) {
		if !hook.matches(toolID) {
			continue
		}
		if err := m.exec(ctx, event, hook, data, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) selectHooks(event string) []Hook {
	selected := make([]Hook, 0, len(m.table[event])+len(m.table[AnyEvent]))
	selected = append(selected, m.table[event]...)
	return append(selected, m.table[AnyEvent]...)
}

// HandleEvent triggers hooks for one executor event and logs failures. The
// event is also written to the script's stdin as JSON.
func (m *Manager) HandleEvent(event toolexecutor.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to encode hook payload")
	}
	if err := m.run(context.Background(), string(event.Type), eventData(event), payload); err != nil {
		m.logger.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("tool", event.ToolID).
			Msg("Hook failed")
	}
}

// Attach runs hooks for events published on bus. Hooks run sequentially on
// the subscription goroutine. The returned func detaches.
func (m *Manager) Attach(bus *toolexecutor.EventBus) func() {
	if m == nil || !m.enabled || m.Count() == 0 {
		return func() {}
	}

	var types []toolexecutor.EventType
	if _, all := m.table[AnyEvent]; !all {
		for event := range m.table {
			types = append(types, toolexecutor.EventType(event))
		}
	}
	return bus.SubscribeFunc(m.HandleEvent, types...)
}

func (m *Manager) exec(ctx context.Context, event string, hook Hook, data map[string]string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = hookEnv(event, data)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if payload != nil {
		cmd.Stdin = bytes.NewReader(payload)
	}

	started := time.Now()
	err := cmd.Run()
	text := strings.TrimSpace(out.String())
	if err != nil {
		if text == "" {
			return fmt.Errorf("hook %s failed: %w", hook.name(), err)
		}
		return fmt.Errorf("hook %s failed: %w: %s", hook.name(), err, truncate(text))
	}

	m.logger.Debug().
		Str("event", event).
		Str("hook_id", hook.name()).
		Dur("duration", time.Since(started)).
		Str("output", truncate(text)).
		Msg("Hook executed")
	return nil
}

func truncate(s string) string {
	if len(s) <= maxLoggedOutput {
		return s
	}
	return s[:maxLoggedOutput] + "...(truncated)"
}

func eventData(event toolexecutor.Event) map[string]string {
	data := map[string]string{
		"event_id":  event.ID,
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	set := func(k, v string) {
		if v != "" {
			data[k] = v
		}
	}
	set("tool_id", event.ToolID)
	set("domain", event.Domain)
	set("execution_id", event.ExecutionID)
	set("error", event.Error)
	if event.Duration > 0 {
		data["duration_ms"] = fmt.Sprint(event.Duration.Milliseconds())
	}
	for k, v := range event.Data {
		data[k] = v
	}
	return data
}

// hookEnv extends the daemon's environment with TOOLHUB_HOOK_EVENT and one
// TOOLHUB_HOOK_<KEY> variable per data entry, in key order.
func hookEnv(event string, data map[string]string) []string {
	env := append(os.Environ(), "TOOLHUB_HOOK_EVENT="+event)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "TOOLHUB_HOOK_"+envKey(k)+"="+data[k])
	}
	return env
}

func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		default:
			return '_'
		}
	}, key)
}

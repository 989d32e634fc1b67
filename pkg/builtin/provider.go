// Package builtin provides the "system" domain: a few self-contained tools
// that make a bare toolhub install usable and testable.
package builtin

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

// Domain is the domain name of the built-in tools.
const Domain = "system"

const maxSleep = 5 * time.Minute

// Provider implements toolexecutor.DomainProvider for the system domain.
type Provider struct {
	started time.Time
	now     func() time.Time
}

// NewProvider creates the system provider.
func NewProvider() *Provider {
	return &Provider{now: time.Now}
}

// Domain implements toolexecutor.DomainProvider.
func (p *Provider) Domain() string { return Domain }

// Initialize implements toolexecutor.DomainProvider.
func (p *Provider) Initialize(ctx context.Context) error {
	p.started = p.now()
	return nil
}

// Tools implements toolexecutor.DomainProvider.
func (p *Provider) Tools() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			ID:          "system.echo",
			Name:        "Echo",
			Description: "Returns its input message unchanged",
			Category:    "diagnostics",
			Cacheable:   true,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"message": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"message"},
			},
			OutputSchema: map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"message"},
			},
			Handler: p.echo,
		},
		{
			ID:          "system.sleep",
			Name:        "Sleep",
			Description: "Waits for the given number of milliseconds, honoring cancellation",
			Category:    "diagnostics",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"ms": map[string]interface{}{"type": "integer", "minimum": 0},
				},
				"required": []interface{}{"ms"},
			},
			Handler: p.sleep,
		},
		{
			ID:          "system.time",
			Name:        "Time",
			Description: "Reports the current time and process information",
			Category:    "diagnostics",
			Cacheable:   true,
			CacheTTL:    time.Second,
			Handler:     p.clock,
		},
	}
}

func (p *Provider) echo(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"message": params["message"]}, nil
}

func (p *Provider) sleep(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	ms, err := intParam(params, "ms")
	if err != nil {
		return nil, err
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxSleep {
		return nil, fmt.Errorf("sleep of %v exceeds maximum %v", d, maxSleep)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]interface{}{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) clock(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	now := p.now()
	host, _ := os.Hostname()

	result := map[string]interface{}{
		"time":       now.UTC().Format(time.RFC3339Nano),
		"unix_ms":    now.UnixMilli(),
		"hostname":   host,
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	}
	if !p.started.IsZero() {
		result["uptime"] = now.Sub(p.started).Round(time.Millisecond).String()
	}
	if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil && execCtx.AgentID != "" {
		result["agent_id"] = execCtx.AgentID
	}
	return result, nil
}

// intParam reads an integer parameter that may have been decoded from JSON
// as a float64.
func intParam(params map[string]interface{}, key string) (int64, error) {
	switch v := params[key].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("parameter %s must be an integer", key)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("parameter %s must be an integer", key)
	}
}

var _ toolexecutor.DomainProvider = (*Provider)(nil)

package plugin

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

// Provider exposes a plugin process as a toolexecutor domain. The process
// is started by Initialize and killed by Shutdown.
type Provider struct {
	manifest Manifest
	dir      string
	config   map[string]any
	logger   zerolog.Logger

	mu     sync.Mutex
	client *goplugin.Client
	server ToolServer
	tools  []ToolSpec
}

// NewProvider creates a provider for the plugin in dir. overrides are
// merged over the manifest's config.
func NewProvider(manifest Manifest, dir string, overrides map[string]any, logger zerolog.Logger) *Provider {
	config := make(map[string]any, len(manifest.Config)+len(overrides))
	for k, v := range manifest.Config {
		config[k] = v
	}
	for k, v := range overrides {
		config[k] = v
	}
	return &Provider{
		manifest: manifest,
		dir:      dir,
		config:   config,
		logger:   logger.With().Str("component", "plugin").Str("plugin", manifest.ID).Logger(),
	}
}

// Manifest returns the plugin's manifest.
func (p *Provider) Manifest() Manifest { return p.manifest }

// Domain implements toolexecutor.DomainProvider.
func (p *Provider) Domain() string { return p.manifest.DomainName() }

func (p *Provider) executable() string {
	if filepath.IsAbs(p.manifest.Main) {
		return p.manifest.Main
	}
	return filepath.Join(p.dir, p.manifest.Main)
}

// Initialize starts the plugin process, configures it and fetches its
// tool list.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return fmt.Errorf("plugin %s already started", p.manifest.ID)
	}

	cmd := exec.Command(p.executable(), p.manifest.Args...)
	cmd.Dir = p.dir
	keys := make([]string, 0, len(p.manifest.Env))
	for k := range p.manifest.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+p.manifest.Env[k])
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          pluginMap,
		Cmd:              cmd,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin." + p.manifest.ID,
			Output: p.logger,
			Level:  hclog.Warn,
		}),
	})

	server, err := dispense(client)
	if err != nil {
		client.Kill()
		return err
	}

	if err := server.Configure(p.config); err != nil {
		client.Kill()
		return fmt.Errorf("failed to configure plugin %s: %w", p.manifest.ID, err)
	}
	tools, err := server.Tools()
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to list tools of plugin %s: %w", p.manifest.ID, err)
	}
	if ctx.Err() != nil {
		client.Kill()
		return ctx.Err()
	}

	p.client, p.server, p.tools = client, server, tools

	p.logger.Info().
		Str("version", p.manifest.Version).
		Str("domain", p.Domain()).
		Int("tools", len(tools)).
		Msg("Plugin started")
	return nil
}

func dispense(client *goplugin.Client) (ToolServer, error) {
	rpcClient, err := client.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}
	raw, err := rpcClient.Dispense(dispenseName)
	if err != nil {
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}
	server, ok := raw.(ToolServer)
	if !ok {
		return nil, fmt.Errorf("unexpected plugin type %T", raw)
	}
	return server, nil
}

// Tools implements toolexecutor.DomainProvider. Tool IDs are the plugin's
// domain joined to each tool's local name.
func (p *Provider) Tools() []toolexecutor.ToolDefinition {
	p.mu.Lock()
	specs := append([]ToolSpec(nil), p.tools...)
	p.mu.Unlock()

	domain := p.Domain()
	defs := make([]toolexecutor.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		name := strings.TrimPrefix(spec.Name, domain+".")
		id := domain + "." + name
		defs = append(defs, toolexecutor.ToolDefinition{
			ID:               id,
			Name:             name,
			Description:      spec.Description,
			Category:         spec.Category,
			InputSchema:      spec.InputSchema,
			OutputSchema:     spec.OutputSchema,
			Cacheable:        spec.Cacheable,
			CacheTTL:         spec.CacheTTL,
			Timeout:          spec.Timeout,
			RequiresApproval: spec.RequiresApproval,
			RiskLevel:        spec.RiskLevel,
			Handler:          p.handler(name),
		})
	}
	return defs
}

func (p *Provider) handler(tool string) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		p.mu.Lock()
		server := p.server
		p.mu.Unlock()
		if server == nil {
			return nil, fmt.Errorf("plugin %s is not running", p.manifest.ID)
		}
		result, err := server.Execute(ctx, tool, params)
		if err != nil {
			logger := toolexecutor.HandlerLogger(ctx)
			logger.Debug().Str("plugin", p.manifest.ID).Err(err).Msg("Plugin call failed")
		}
		return result, err
	}
}

// Shutdown implements toolexecutor.ProviderShutdowner.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	p.client, p.server = nil, nil
	p.mu.Unlock()

	if client == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		client.Kill()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Msg("Plugin stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("plugin %s did not stop: %w", p.manifest.ID, ctx.Err())
	}
}

var (
	_ toolexecutor.DomainProvider     = (*Provider)(nil)
	_ toolexecutor.ProviderShutdowner = (*Provider)(nil)
)

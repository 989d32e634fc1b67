package toolexecutor

import "context"

// DomainProvider supplies the tools of one domain. Initialize is called once
// at executor startup; any error aborts the whole startup.
type DomainProvider interface {
	Domain() string
	Initialize(ctx context.Context) error
	Tools() []ToolDefinition
}

// ProviderShutdowner is implemented by providers that release resources on
// executor shutdown. Errors are logged and otherwise ignored.
type ProviderShutdowner interface {
	Shutdown(ctx context.Context) error
}

// StaticProvider is a DomainProvider over a fixed tool list.
type StaticProvider struct {
	Name      string
	ToolList  []ToolDefinition
	InitFunc  func(ctx context.Context) error
	CloseFunc func(ctx context.Context) error
}

// Domain implements DomainProvider.
func (p *StaticProvider) Domain() string { return p.Name }

// Initialize implements DomainProvider.
func (p *StaticProvider) Initialize(ctx context.Context) error {
	if p.InitFunc == nil {
		return nil
	}
	return p.InitFunc(ctx)
}

// Tools implements DomainProvider.
func (p *StaticProvider) Tools() []ToolDefinition {
	return append([]ToolDefinition(nil), p.ToolList...)
}

// Shutdown implements ProviderShutdowner.
func (p *StaticProvider) Shutdown(ctx context.Context) error {
	if p.CloseFunc == nil {
		return nil
	}
	return p.CloseFunc(ctx)
}

var (
	_ DomainProvider     = (*StaticProvider)(nil)
	_ ProviderShutdowner = (*StaticProvider)(nil)
)

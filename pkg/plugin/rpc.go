package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is shared by toolhub and its plugins. Changing the protocol
// version makes old plugins refuse to start.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "TOOLHUB_PLUGIN",
	MagicCookieValue: "toolhub-tool-plugin-v1",
}

const dispenseName = "tools"

// pluginMap is the set of plugins a plugin process may serve.
var pluginMap = map[string]goplugin.Plugin{
	dispenseName: &ToolPlugin{},
}

// ToolSpec describes one tool served by a plugin. Name is local to the
// plugin's domain.
type ToolSpec struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Category         string         `json:"category,omitempty"`
	InputSchema      map[string]any `json:"input_schema,omitempty"`
	OutputSchema     map[string]any `json:"output_schema,omitempty"`
	Cacheable        bool           `json:"cacheable,omitempty"`
	CacheTTL         time.Duration  `json:"cache_ttl,omitempty"`
	Timeout          time.Duration  `json:"timeout,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	RiskLevel        int            `json:"risk_level,omitempty"`
}

// ToolServer is implemented by plugin processes.
type ToolServer interface {
	// Configure receives the manifest config merged with host overrides.
	Configure(config map[string]any) error
	Tools() ([]ToolSpec, error)
	Execute(ctx context.Context, tool string, params map[string]any) (any, error)
}

// Serve runs impl as a plugin process. It is called from a plugin's main
// and does not return.
func Serve(impl ToolServer) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			dispenseName: &ToolPlugin{Impl: impl},
		},
	})
}

// ToolPlugin is the goplugin.Plugin for ToolServer over net/rpc.
type ToolPlugin struct {
	Impl ToolServer
}

func (p *ToolPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *ToolPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

// Params and results cross the process boundary as JSON so arbitrary
// decoded values survive gob.

type ConfigureArgs struct {
	Config []byte
}

type ExecuteArgs struct {
	Tool   string
	Params []byte
}

type ExecuteResp struct {
	Result []byte
	Error  string
}

type ToolsResp struct {
	Tools []byte
	Error string
}

type rpcServer struct {
	impl ToolServer
}

func (s *rpcServer) Configure(args *ConfigureArgs, resp *string) error {
	var cfg map[string]any
	if len(args.Config) > 0 {
		if err := json.Unmarshal(args.Config, &cfg); err != nil {
			*resp = err.Error()
			return nil
		}
	}
	if err := s.impl.Configure(cfg); err != nil {
		*resp = err.Error()
	}
	return nil
}

func (s *rpcServer) Tools(_ int, resp *ToolsResp) error {
	tools, err := s.impl.Tools()
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Tools, err = json.Marshal(tools)
	if err != nil {
		resp.Error = err.Error()
	}
	return nil
}

func (s *rpcServer) Execute(args *ExecuteArgs, resp *ExecuteResp) error {
	var params map[string]any
	if len(args.Params) > 0 {
		if err := json.Unmarshal(args.Params, &params); err != nil {
			resp.Error = fmt.Sprintf("decode params: %v", err)
			return nil
		}
	}

	result, err := s.impl.Execute(context.Background(), args.Tool, params)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Result, err = json.Marshal(result)
	if err != nil {
		resp.Error = fmt.Sprintf("encode result: %v", err)
	}
	return nil
}

// rpcClient is the host side of ToolServer.
type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Configure(config map[string]any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	var resp string
	if err := c.client.Call("Plugin.Configure", &ConfigureArgs{Config: raw}, &resp); err != nil {
		return err
	}
	if resp != "" {
		return errors.New(resp)
	}
	return nil
}

func (c *rpcClient) Tools() ([]ToolSpec, error) {
	var resp ToolsResp
	if err := c.client.Call("Plugin.Tools", 0, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	var tools []ToolSpec
	if err := json.Unmarshal(resp.Tools, &tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return tools, nil
}

// Execute returns when the call completes or ctx is done. net/rpc has no
// cancellation, so an abandoned call keeps running inside the plugin.
func (c *rpcClient) Execute(ctx context.Context, tool string, params map[string]any) (any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	var resp ExecuteResp
	call := c.client.Go("Plugin.Execute", &ExecuteArgs{Tool: tool, Params: raw}, &resp, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if call.Error != nil {
		return nil, call.Error
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}

	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return result, nil
}

package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

// Domain is the domain name of the shell tools.
const Domain = "shell"

// Provider implements toolexecutor.DomainProvider for the shell domain.
type Provider struct {
	cfg    Config
	runner Runner
}

// NewProvider creates the shell provider. The configuration is validated
// here; runtime availability is checked by Initialize.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Runtime == "" {
		cfg.Runtime = RuntimeHost
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shell config: %w", err)
	}
	runner, err := NewRunner(cfg)
	if err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, runner: runner}, nil
}

// Domain implements toolexecutor.DomainProvider.
func (p *Provider) Domain() string { return Domain }

// Initialize implements toolexecutor.DomainProvider.
func (p *Provider) Initialize(ctx context.Context) error {
	if d, ok := p.runner.(*dockerRunner); ok {
		if err := d.ping(ctx); err != nil {
			return err
		}
	}
	log.Info().
		Str("runtime", string(p.cfg.Runtime)).
		Int("allowed_commands", len(p.cfg.AllowedCommands)).
		Msg("Shell provider ready")
	return nil
}

// Tools implements toolexecutor.DomainProvider.
func (p *Provider) Tools() []toolexecutor.ToolDefinition {
	tools := []toolexecutor.ToolDefinition{
		{
			ID:               "shell.exec",
			Name:             "Execute command",
			Description:      "Runs a command without a shell and returns its exit code and output",
			Category:         "execution",
			RequiresApproval: true,
			RiskLevel:        p.cfg.RiskLevel,
			Timeout:          p.cfg.Timeout,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command":     map[string]interface{}{"type": "string", "minLength": 1},
					"args":        map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"working_dir": map[string]interface{}{"type": "string"},
					"stdin":       map[string]interface{}{"type": "string"},
					"env": map[string]interface{}{
						"type":                 "object",
						"additionalProperties": map[string]interface{}{"type": "string"},
					},
				},
				"required":             []interface{}{"command"},
				"additionalProperties": false,
			},
			OutputSchema: map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"stdout", "stderr", "exit_code"},
			},
			Handler: p.exec,
		},
	}

	if p.cfg.Runtime == RuntimeHost {
		tools = append(tools, toolexecutor.ToolDefinition{
			ID:          "shell.which",
			Name:        "Locate command",
			Description: "Resolves a command name to its path on the host",
			Category:    "diagnostics",
			RiskLevel:   1,
			Cacheable:   true,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{"type": "string", "minLength": 1},
				},
				"required": []interface{}{"command"},
			},
			Handler: p.which,
		})
	}
	return tools
}

func (p *Provider) exec(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req, err := p.request(ctx, params)
	if err != nil {
		return nil, err
	}

	result, err := p.runner.Run(ctx, req)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			log.Debug().Str("command", req.Command).Int("exit_code", exitErr.Result.ExitCode).Msg("Shell command failed")
		}
		return nil, err
	}
	return result, nil
}

func (p *Provider) request(ctx context.Context, params map[string]interface{}) (Request, error) {
	req := Request{}
	req.Command, _ = params["command"].(string)
	if err := p.cfg.checkCommand(req.Command); err != nil {
		return Request{}, err
	}

	if raw, ok := params["args"].([]interface{}); ok {
		for i, a := range raw {
			s, ok := a.(string)
			if !ok {
				return Request{}, fmt.Errorf("args[%d] must be a string", i)
			}
			req.Args = append(req.Args, s)
		}
	}

	req.WorkingDir, _ = params["working_dir"].(string)
	if req.WorkingDir == "" {
		if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
			req.WorkingDir = execCtx.WorkingDir
		}
	}
	if err := p.cfg.checkPath(req.WorkingDir); err != nil {
		return Request{}, err
	}

	if stdin, ok := params["stdin"].(string); ok {
		req.Stdin = []byte(stdin)
	}
	if raw, ok := params["env"].(map[string]interface{}); ok {
		req.Env = make(map[string]string, len(raw))
		for k, v := range raw {
			s, ok := v.(string)
			if !ok {
				return Request{}, fmt.Errorf("env %s must be a string", k)
			}
			req.Env[k] = s
		}
	}
	return req, nil
}

func (p *Provider) which(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	command, _ := params["command"].(string)
	if err := p.cfg.checkCommand(command); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", command, err)
	}
	return map[string]interface{}{"command": command, "path": path}, nil
}

var _ toolexecutor.DomainProvider = (*Provider)(nil)

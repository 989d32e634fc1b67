// Package plugin loads tool domains that run as separate processes. Each
// plugin lives in a directory with a plugin.json (or plugin.yaml) manifest
// and an executable
// speaking the hashicorp/go-plugin net/rpc protocol.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the manifest looked up in every plugin directory.
const ManifestFileName = "plugin.json"

var (
	// pluginIDRegex validates plugin IDs (lowercase alphanumeric with hyphens)
	pluginIDRegex = regexp.MustCompile(`^[a-z0-9-]+$`)
	domainRegex   = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// Manifest is the plugin.json file structure.
type Manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`

	// Domain the plugin's tools are registered under. Defaults to ID.
	Domain string `json:"domain,omitempty"`
	// Main is the executable, relative to the plugin directory or absolute.
	Main string            `json:"main"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`

	// Toolhub is a semver constraint on the host version, such as ">= 0.1".
	Toolhub      string         `json:"toolhub,omitempty"`
	Dependencies []Dependency   `json:"dependencies,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// Dependency is a requirement on another plugin.
type Dependency struct {
	PluginID string `json:"pluginId"`
	Version  string `json:"version,omitempty"` // semver constraint
}

// DomainName returns the tool domain of the plugin.
func (m *Manifest) DomainName() string {
	if m.Domain != "" {
		return m.Domain
	}
	return m.ID
}

// ManifestLoader loads and validates plugin manifests.
type ManifestLoader struct {
	logger zerolog.Logger
	schema *gojsonschema.Schema
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
	if err != nil {
		panic(fmt.Sprintf("plugin: invalid manifest schema: %v", err))
	}
	return &ManifestLoader{
		logger: logger.With().Str("component", "manifest-loader").Logger(),
		schema: schema,
	}
}

// LoadManifest reads and validates the manifest at path. Files ending in
// .yaml or .yml are converted to JSON before validation.
func (m *ManifestLoader) LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
		}
	}

	manifest, err := m.ParseManifest(data)
	if err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Loaded manifest")

	return manifest, nil
}

// ParseManifest validates raw manifest JSON against the schema and the
// semantic rules the schema cannot express.
func (m *ManifestLoader) ParseManifest(data []byte) (*Manifest, error) {
	result, err := m.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("manifest schema validation failed: %s", strings.Join(msgs, "; "))
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	return &manifest, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("empty document")
	}
	return json.Marshal(doc)
}

func validateManifest(manifest *Manifest) error {
	if !pluginIDRegex.MatchString(manifest.ID) {
		return fmt.Errorf("invalid plugin ID format: %s (must be lowercase alphanumeric with hyphens)", manifest.ID)
	}
	if _, err := semver.StrictNewVersion(manifest.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", manifest.Version, err)
	}
	if !domainRegex.MatchString(manifest.DomainName()) {
		return fmt.Errorf("invalid domain %q", manifest.DomainName())
	}
	if manifest.Toolhub != "" {
		if _, err := semver.NewConstraint(manifest.Toolhub); err != nil {
			return fmt.Errorf("invalid toolhub constraint %q: %w", manifest.Toolhub, err)
		}
	}
	for i, dep := range manifest.Dependencies {
		if dep.PluginID == manifest.ID {
			return fmt.Errorf("dependency %d: plugin cannot depend on itself", i)
		}
		if dep.Version != "" {
			if _, err := semver.NewConstraint(dep.Version); err != nil {
				return fmt.Errorf("dependency %d: invalid version constraint %q: %w", i, dep.Version, err)
			}
		}
	}
	return nil
}

// CheckHostVersion reports whether the host version satisfies the
// manifest's toolhub constraint. An empty constraint accepts any host.
func (m *Manifest) CheckHostVersion(hostVersion string) error {
	if m.Toolhub == "" {
		return nil
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return fmt.Errorf("invalid host version %q: %w", hostVersion, err)
	}
	c, err := semver.NewConstraint(m.Toolhub)
	if err != nil {
		return fmt.Errorf("invalid toolhub constraint %q: %w", m.Toolhub, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("plugin %s requires toolhub %s, running %s", m.ID, m.Toolhub, hostVersion)
	}
	return nil
}

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "main"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9-]+$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "author": {"type": "string"},
    "domain": {"type": "string"},
    "main": {"type": "string", "minLength": 1},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "toolhub": {"type": "string"},
    "dependencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["pluginId"],
        "properties": {
          "pluginId": {"type": "string", "minLength": 1},
          "version": {"type": "string"}
        }
      }
    },
    "config": {"type": "object"}
  }
}`

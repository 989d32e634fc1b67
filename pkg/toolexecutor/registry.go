package toolexecutor

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// registeredTool is a registry entry: the frozen definition plus compiled schemas.
type registeredTool struct {
	def          ToolDefinition
	inputSchema  *gojsonschema.Schema
	outputSchema *gojsonschema.Schema
}

// ToolRegistry stores tool definitions keyed by ID
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]*registeredTool
	byDomain map[string]map[string]struct{}
}

// NewToolRegistry creates a new tool registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]*registeredTool),
		byDomain: make(map[string]map[string]struct{}),
	}
}

// Register validates def, compiles its schemas and stores it under domain.
func (tr *ToolRegistry) Register(def ToolDefinition, domain string) (ToolDefinition, error) {
	def.ID = strings.TrimSpace(def.ID)
	def.Category = strings.TrimSpace(def.Category)
	if domain = strings.TrimSpace(domain); domain != "" {
		def.Domain = domain
	}

	if err := validateToolDefinition(def); err != nil {
		return ToolDefinition{}, err
	}
	def = def.clone()

	inputSchema, err := compileSchema(def.InputSchema)
	if err != nil {
		return ToolDefinition{}, fmt.Errorf("%w: tool %s input schema: %v", ErrInvalidToolDefinition, def.ID, err)
	}
	outputSchema, err := compileSchema(def.OutputSchema)
	if err != nil {
		return ToolDefinition{}, fmt.Errorf("%w: tool %s output schema: %v", ErrInvalidToolDefinition, def.ID, err)
	}

	entry := &registeredTool{
		def:          def,
		inputSchema:  inputSchema,
		outputSchema: outputSchema,
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, exists := tr.tools[def.ID]; exists {
		return ToolDefinition{}, fmt.Errorf("%w: %s", ErrDuplicateTool, def.ID)
	}

	tr.tools[def.ID] = entry
	if tr.byDomain[def.Domain] == nil {
		tr.byDomain[def.Domain] = make(map[string]struct{})
	}
	tr.byDomain[def.Domain][def.ID] = struct{}{}

	return def.clone(), nil
}

// Unregister removes a tool and returns its definition.
func (tr *ToolRegistry) Unregister(id string) (ToolDefinition, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	entry, ok := tr.tools[id]
	if !ok {
		return ToolDefinition{}, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}

	delete(tr.tools, id)
	if ids := tr.byDomain[entry.def.Domain]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(tr.byDomain, entry.def.Domain)
		}
	}

	return entry.def, nil
}

func (tr *ToolRegistry) get(id string) (*registeredTool, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	entry, ok := tr.tools[id]
	return entry, ok
}

// whileCurrent runs fn under the read lock if entry is still the registered
// tool for its ID and reports whether it ran.
func (tr *ToolRegistry) whileCurrent(entry *registeredTool, fn func()) bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if tr.tools[entry.def.ID] != entry {
		return false
	}
	fn()
	return true
}

// Get returns a copy of the tool definition with the given ID.
func (tr *ToolRegistry) Get(id string) (ToolDefinition, bool) {
	entry, ok := tr.get(id)
	if !ok {
		return ToolDefinition{}, false
	}
	return entry.def.clone(), true
}

// List returns the definitions matching filter, sorted by ID.
func (tr *ToolRegistry) List(filter ToolFilter) []ToolDefinition {
	query := strings.ToLower(strings.TrimSpace(filter.Query))

	tr.mu.RLock()
	defer tr.mu.RUnlock()

	tools := make([]ToolDefinition, 0, len(tr.tools))
	for _, entry := range tr.tools {
		def := entry.def
		if filter.Domain != "" && def.Domain != filter.Domain {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(def.Category, filter.Category) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(def.Name), query) &&
			!strings.Contains(strings.ToLower(def.Description), query) &&
			!strings.Contains(strings.ToLower(def.ID), query) {
			continue
		}
		tools = append(tools, def.clone())
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return tools
}

// Domains returns the sorted set of domains with at least one tool.
func (tr *ToolRegistry) Domains() []string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	domains := make([]string, 0, len(tr.byDomain))
	for domain := range tr.byDomain {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Count returns the number of registered tools
func (tr *ToolRegistry) Count() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	return len(tr.tools)
}

// Clear removes every tool and returns how many were removed.
func (tr *ToolRegistry) Clear() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	n := len(tr.tools)
	tr.tools = make(map[string]*registeredTool)
	tr.byDomain = make(map[string]map[string]struct{})
	return n
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: tool id cannot be empty", ErrInvalidToolDefinition)
	}
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("%w: tool %s name cannot be empty", ErrInvalidToolDefinition, def.ID)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: tool %s handler cannot be nil", ErrInvalidToolDefinition, def.ID)
	}
	if def.Domain == "" {
		return fmt.Errorf("%w: tool %s domain cannot be empty", ErrInvalidToolDefinition, def.ID)
	}
	if def.CacheTTL < 0 || def.Timeout < 0 {
		return fmt.Errorf("%w: tool %s durations cannot be negative", ErrInvalidToolDefinition, def.ID)
	}
	if def.RiskLevel < 0 {
		return fmt.Errorf("%w: tool %s risk level cannot be negative", ErrInvalidToolDefinition, def.ID)
	}
	return nil
}

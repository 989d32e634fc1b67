package toolexecutor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AllowlistEntry pre-approves tools whose id matches Pattern.
type AllowlistEntry struct {
	// Pattern is a tool id or a glob such as "finance.*".
	Pattern string    `json:"pattern"`
	Reason  string    `json:"reason,omitempty"`
	AddedBy string    `json:"added_by,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// ApprovalAllowlist is the persisted set of tools approved with allow-always.
// An empty file path keeps the list in memory only.
type ApprovalAllowlist struct {
	filePath string
	entries  []AllowlistEntry
	mu       sync.RWMutex
}

// NewApprovalAllowlist loads the allowlist stored at filePath, if any.
func NewApprovalAllowlist(filePath string) (*ApprovalAllowlist, error) {
	al := &ApprovalAllowlist{filePath: filePath}
	if filePath == "" {
		return al, nil
	}

	if err := al.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load allowlist: %w", err)
		}
		log.Info().Str("path", filePath).Msg("Allowlist file does not exist, will create on first save")
	}
	return al, nil
}

// Load replaces the in-memory entries with the file contents.
func (al *ApprovalAllowlist) Load() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	data, err := os.ReadFile(al.filePath)
	if err != nil {
		return err
	}

	var entries []AllowlistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse allowlist: %w", err)
	}
	al.entries = entries

	log.Info().
		Str("path", al.filePath).
		Int("count", len(entries)).
		Msg("Allowlist loaded")
	return nil
}

// Save writes the entries to the allowlist file.
func (al *ApprovalAllowlist) Save() error {
	if al.filePath == "" {
		return nil
	}

	al.mu.RLock()
	defer al.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(al.filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(al.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal allowlist: %w", err)
	}
	if err := os.WriteFile(al.filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write allowlist: %w", err)
	}
	return nil
}

// Add appends entry unless its pattern is already present.
func (al *ApprovalAllowlist) Add(entry AllowlistEntry) error {
	entry.Pattern = strings.TrimSpace(entry.Pattern)
	if entry.Pattern == "" {
		return fmt.Errorf("allowlist pattern cannot be empty")
	}
	if _, err := filepath.Match(entry.Pattern, ""); err != nil {
		return fmt.Errorf("invalid allowlist pattern %q: %w", entry.Pattern, err)
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	for _, existing := range al.entries {
		if existing.Pattern == entry.Pattern {
			return nil
		}
	}
	al.entries = append(al.entries, entry)

	log.Info().Str("pattern", entry.Pattern).Msg("Added to approval allowlist")
	return nil
}

// Remove deletes the entry with the given pattern.
func (al *ApprovalAllowlist) Remove(pattern string) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	for i, entry := range al.entries {
		if entry.Pattern == pattern {
			al.entries = append(al.entries[:i], al.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("pattern %q not found in allowlist", pattern)
}

// IsAllowed reports whether toolID matches any entry.
func (al *ApprovalAllowlist) IsAllowed(toolID string) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()

	for _, entry := range al.entries {
		if entry.Pattern == toolID || entry.Pattern == "*" {
			return true
		}
		if ok, _ := filepath.Match(entry.Pattern, toolID); ok {
			return true
		}
	}
	return false
}

// List returns a copy of the entries.
func (al *ApprovalAllowlist) List() []AllowlistEntry {
	al.mu.RLock()
	defer al.mu.RUnlock()

	return append([]AllowlistEntry(nil), al.entries...)
}

// Count returns the number of entries in the allowlist
func (al *ApprovalAllowlist) Count() int {
	al.mu.RLock()
	defer al.mu.RUnlock()

	return len(al.entries)
}

package toolexecutor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SafetyPolicy configures the guardrails applied before a tool runs.
type SafetyPolicy struct {
	BlacklistedTools      []string `json:"blacklisted_tools" mapstructure:"blacklisted_tools"`
	BlacklistedCategories []string `json:"blacklisted_categories" mapstructure:"blacklisted_categories"`
	ApprovalCategories    []string `json:"approval_categories" mapstructure:"approval_categories"`
	// HighRiskThreshold is the risk level at or above which approval is required.
	HighRiskThreshold int `json:"high_risk_threshold" mapstructure:"high_risk_threshold"`
	// MaxRiskLevel blocks tools whose risk level exceeds it. Zero disables the check.
	MaxRiskLevel           int           `json:"max_risk_level" mapstructure:"max_risk_level"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
	Cooldown               time.Duration `json:"cooldown" mapstructure:"cooldown"`
	ApprovalTimeout        time.Duration `json:"approval_timeout" mapstructure:"approval_timeout"`
}

// DefaultSafetyPolicy returns the policy used when none is configured
func DefaultSafetyPolicy() SafetyPolicy {
	return SafetyPolicy{
		HighRiskThreshold:      8,
		MaxConsecutiveFailures: 5,
		Cooldown:               60 * time.Second,
		ApprovalTimeout:        60 * time.Second,
	}
}

// PolicyEngine evaluates blacklist and approval rules against tool definitions.
type PolicyEngine struct {
	mu                 sync.RWMutex
	policy             SafetyPolicy
	blacklistedTools   map[string]struct{}
	blacklistedCats    map[string]struct{}
	approvalCategories map[string]struct{}
}

// NewPolicyEngine creates a new policy engine
func NewPolicyEngine(policy SafetyPolicy) *PolicyEngine {
	pe := &PolicyEngine{}
	pe.Update(policy)
	return pe
}

// Update replaces the active policy.
func (pe *PolicyEngine) Update(policy SafetyPolicy) {
	tools := toSet(policy.BlacklistedTools, false)
	cats := toSet(policy.BlacklistedCategories, true)
	approval := toSet(policy.ApprovalCategories, true)

	pe.mu.Lock()
	defer pe.mu.Unlock()

	pe.policy = policy
	pe.blacklistedTools = tools
	pe.blacklistedCats = cats
	pe.approvalCategories = approval
}

// Policy returns the active policy.
func (pe *PolicyEngine) Policy() SafetyPolicy {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	return pe.policy
}

// CheckBlacklist rejects blacklisted tools, categories and excessive risk levels.
func (pe *PolicyEngine) CheckBlacklist(def ToolDefinition) error {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	if _, denied := pe.blacklistedTools[def.ID]; denied {
		return fmt.Errorf("%w: tool %s is blacklisted", ErrSafetyBlacklisted, def.ID)
	}
	if def.Category != "" {
		if _, denied := pe.blacklistedCats[strings.ToLower(def.Category)]; denied {
			return fmt.Errorf("%w: category %s is blacklisted", ErrSafetyBlacklisted, def.Category)
		}
	}
	if pe.policy.MaxRiskLevel > 0 && def.RiskLevel > pe.policy.MaxRiskLevel {
		return fmt.Errorf("%w: tool %s risk level %d exceeds %d",
			ErrSafetyBlacklisted, def.ID, def.RiskLevel, pe.policy.MaxRiskLevel)
	}
	return nil
}

// RequiresApproval reports whether def must pass the approval gate and why.
func (pe *PolicyEngine) RequiresApproval(def ToolDefinition) (bool, string) {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	if def.RequiresApproval {
		return true, "tool requires approval"
	}
	if def.Category != "" {
		if _, ok := pe.approvalCategories[strings.ToLower(def.Category)]; ok {
			return true, fmt.Sprintf("category %s requires approval", def.Category)
		}
	}
	if pe.policy.HighRiskThreshold > 0 && def.RiskLevel >= pe.policy.HighRiskThreshold {
		return true, fmt.Sprintf("risk level %d reaches high risk threshold %d", def.RiskLevel, pe.policy.HighRiskThreshold)
	}
	return false, ""
}

// ValidatePolicy validates a safety policy configuration
func ValidatePolicy(policy SafetyPolicy) error {
	if policy.HighRiskThreshold < 0 || policy.MaxRiskLevel < 0 {
		return fmt.Errorf("risk thresholds cannot be negative")
	}
	if policy.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max consecutive failures cannot be negative")
	}
	if policy.Cooldown < 0 || policy.ApprovalTimeout < 0 {
		return fmt.Errorf("safety durations cannot be negative")
	}
	if policy.MaxRiskLevel > 0 && policy.HighRiskThreshold > policy.MaxRiskLevel {
		log.Warn().
			Int("high_risk_threshold", policy.HighRiskThreshold).
			Int("max_risk_level", policy.MaxRiskLevel).
			Msg("High risk threshold above max risk level - approval gate will never trigger on risk")
	}
	return nil
}

func toSet(values []string, fold bool) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if fold {
			v = strings.ToLower(v)
		}
		set[v] = struct{}{}
	}
	return set
}

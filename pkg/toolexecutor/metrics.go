package toolexecutor

import (
	"sort"
	"sync"
	"time"
)

// ToolMetrics are per-tool execution counters. Cache hits are not counted.
type ToolMetrics struct {
	ToolID               string        `json:"tool_id"`
	Domain               string        `json:"domain"`
	Executions           int64         `json:"executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	ConsecutiveFailures  int64         `json:"consecutive_failures"`
	SuccessRate          float64       `json:"success_rate"`
	AverageLatency       time.Duration `json:"average_latency"`
	LastExecuted         time.Time     `json:"last_executed,omitempty"`
	LastFailure          time.Time     `json:"last_failure,omitempty"`
}

// DomainMetrics aggregate the tools of one domain.
type DomainMetrics struct {
	Domain               string        `json:"domain"`
	Executions           int64         `json:"executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	ConsecutiveFailures  int64         `json:"consecutive_failures"`
	SuccessRate          float64       `json:"success_rate"`
	AverageLatency       time.Duration `json:"average_latency"`
	LastExecuted         time.Time     `json:"last_executed,omitempty"`
}

// GlobalMetrics is the executor-wide snapshot returned by GetMetrics.
type GlobalMetrics struct {
	TotalExecutions      int64                    `json:"total_executions"`
	SuccessfulExecutions int64                    `json:"successful_executions"`
	FailedExecutions     int64                    `json:"failed_executions"`
	CancelledExecutions  int64                    `json:"cancelled_executions"`
	CacheHits            int64                    `json:"cache_hits"`
	ActiveExecutions     int                      `json:"active_executions"`
	RegisteredTools      int                      `json:"registered_tools"`
	SuccessRate          float64                  `json:"success_rate"`
	AverageLatency       time.Duration            `json:"average_latency"`
	LastExecuted         time.Time                `json:"last_executed,omitempty"`
	Domains              map[string]DomainMetrics `json:"domains"`
}

// counters is the shared shape behind the tool, domain and global records.
type counters struct {
	executions   int64
	successes    int64
	failures     int64
	consecutive  int64
	avgLatency   time.Duration
	lastExecuted time.Time
	lastFailure  time.Time
}

func (c *counters) record(success bool, latency time.Duration, at time.Time) {
	oldCount := c.executions
	c.executions++
	// Running average; no latency history is kept.
	c.avgLatency = time.Duration((int64(c.avgLatency)*oldCount + int64(latency)) / c.executions)
	c.lastExecuted = at

	if success {
		c.successes++
		c.consecutive = 0
		return
	}
	c.failures++
	c.consecutive++
	c.lastFailure = at
}

func (c *counters) successRate() float64 {
	if c.executions == 0 {
		return 0
	}
	return float64(c.successes) / float64(c.executions)
}

type toolCounters struct {
	domain string
	counters
}

// MetricsAggregator keeps global, per-domain and per-tool counters. Only the
// executor mutates it; readers get snapshots.
type MetricsAggregator struct {
	mu        sync.RWMutex
	global    counters
	cancelled int64
	cacheHits int64
	domains   map[string]*counters
	tools     map[string]*toolCounters
}

// NewMetricsAggregator creates an empty aggregator
func NewMetricsAggregator() *MetricsAggregator {
	return &MetricsAggregator{
		domains: make(map[string]*counters),
		tools:   make(map[string]*toolCounters),
	}
}

// initTool creates a zeroed record for a newly registered tool. An existing
// record (from a previous registration of the same ID) is kept.
func (m *MetricsAggregator) initTool(toolID, domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tools[toolID]; !ok {
		m.tools[toolID] = &toolCounters{domain: domain}
	}
	if _, ok := m.domains[domain]; !ok {
		m.domains[domain] = &counters{}
	}
}

// recordExecution applies one finished execution to all three levels atomically.
func (m *MetricsAggregator) recordExecution(toolID, domain string, success bool, latency time.Duration, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tc, ok := m.tools[toolID]
	if !ok {
		tc = &toolCounters{domain: domain}
		m.tools[toolID] = tc
	}
	dc, ok := m.domains[domain]
	if !ok {
		dc = &counters{}
		m.domains[domain] = dc
	}

	tc.record(success, latency, at)
	dc.record(success, latency, at)
	m.global.record(success, latency, at)
}

func (m *MetricsAggregator) recordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

func (m *MetricsAggregator) recordCancelled() {
	m.mu.Lock()
	m.cancelled++
	m.mu.Unlock()
}

// resetConsecutive clears a tool's consecutive failure count (manual circuit reset).
func (m *MetricsAggregator) resetConsecutive(toolID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tc, ok := m.tools[toolID]; ok {
		tc.consecutive = 0
	}
}

// Tool returns a snapshot of a tool's metrics.
func (m *MetricsAggregator) Tool(toolID string) (ToolMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tc, ok := m.tools[toolID]
	if !ok {
		return ToolMetrics{}, false
	}
	return ToolMetrics{
		ToolID:               toolID,
		Domain:               tc.domain,
		Executions:           tc.executions,
		SuccessfulExecutions: tc.successes,
		FailedExecutions:     tc.failures,
		ConsecutiveFailures:  tc.consecutive,
		SuccessRate:          tc.successRate(),
		AverageLatency:       tc.avgLatency,
		LastExecuted:         tc.lastExecuted,
		LastFailure:          tc.lastFailure,
	}, true
}

// Domain returns a snapshot of a domain's metrics.
func (m *MetricsAggregator) Domain(domain string) (DomainMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dc, ok := m.domains[domain]
	if !ok {
		return DomainMetrics{}, false
	}
	return m.domainSnapshot(domain, dc), true
}

func (m *MetricsAggregator) domainSnapshot(domain string, dc *counters) DomainMetrics {
	var consecutive int64
	for _, tc := range m.tools {
		if tc.domain == domain {
			consecutive += tc.consecutive
		}
	}
	return DomainMetrics{
		Domain:               domain,
		Executions:           dc.executions,
		SuccessfulExecutions: dc.successes,
		FailedExecutions:     dc.failures,
		ConsecutiveFailures:  consecutive,
		SuccessRate:          dc.successRate(),
		AverageLatency:       dc.avgLatency,
		LastExecuted:         dc.lastExecuted,
	}
}

// Global returns the executor-wide snapshot. Active and registered counts are
// filled in by the executor.
func (m *MetricsAggregator) Global() GlobalMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	domains := make(map[string]DomainMetrics, len(m.domains))
	for name, dc := range m.domains {
		domains[name] = m.domainSnapshot(name, dc)
	}

	return GlobalMetrics{
		TotalExecutions:      m.global.executions,
		SuccessfulExecutions: m.global.successes,
		FailedExecutions:     m.global.failures,
		CancelledExecutions:  m.cancelled,
		CacheHits:            m.cacheHits,
		SuccessRate:          m.global.successRate(),
		AverageLatency:       m.global.avgLatency,
		LastExecuted:         m.global.lastExecuted,
		Domains:              domains,
	}
}

// ToolIDs returns the IDs with recorded metrics, sorted.
func (m *MetricsAggregator) ToolIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.tools))
	for id := range m.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package toolexecutor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecutionRecord is the bookkeeping for one tool invocation.
type ExecutionRecord struct {
	ID        string                 `json:"id"`
	ToolID    string                 `json:"tool_id"`
	Domain    string                 `json:"domain"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Context   *ExecutionContext      `json:"context,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Status    ExecutionStatus        `json:"status"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// execution is the mutable holder behind a record. The status moves from
// pending to running and then exactly once to a terminal state.
type execution struct {
	mu     sync.Mutex
	rec    ExecutionRecord
	cancel context.CancelFunc
}

func newExecution(def ToolDefinition, params map[string]interface{}, execCtx *ExecutionContext, traceID string) *execution {
	return &execution{
		rec: ExecutionRecord{
			ID:      uuid.New().String(),
			ToolID:  def.ID,
			Domain:  def.Domain,
			Params:  params,
			Context: execCtx,
			TraceID: traceID,
			Status:  StatusPending,
		},
	}
}

func (e *execution) start(at time.Time, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rec.Status = StatusRunning
	e.rec.StartedAt = at
	e.cancel = cancel
}

// finish moves the record to a terminal status. It returns false when the
// record already reached one, leaving it untouched.
func (e *execution) finish(status ExecutionStatus, output interface{}, errMsg string, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status.Terminal() {
		return false
	}
	e.rec.Status = status
	e.rec.Output = output
	e.rec.Error = errMsg
	e.rec.EndedAt = at
	return true
}

// abort cancels the handler context, if the execution has started.
func (e *execution) abort() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *execution) snapshot() ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rec
}

// recordStore is the execution lookup table.
type recordStore struct {
	mu      sync.RWMutex
	records map[string]*execution
}

func newRecordStore() *recordStore {
	return &recordStore{records: make(map[string]*execution)}
}

func (s *recordStore) add(e *execution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[e.rec.ID] = e
}

func (s *recordStore) get(id string) (ExecutionRecord, bool) {
	s.mu.RLock()
	e, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return ExecutionRecord{}, false
	}
	return e.snapshot(), true
}

func (s *recordStore) running() []*execution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*execution
	for _, e := range s.records {
		e.mu.Lock()
		if e.rec.Status == StatusRunning {
			out = append(out, e)
		}
		e.mu.Unlock()
	}
	return out
}

// prune drops terminal records that ended before cutoff.
func (s *recordStore) prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.records {
		e.mu.Lock()
		drop := e.rec.Status.Terminal() && e.rec.EndedAt.Before(cutoff)
		e.mu.Unlock()
		if drop {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

func (s *recordStore) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.records)
	s.records = make(map[string]*execution)
	return n
}

func (s *recordStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

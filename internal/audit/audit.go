package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/kubex-lifecycle/internal/admission"
	"github.com/migalsp/kubex-lifecycle/internal/metrics"
	"github.com/migalsp/kubex-lifecycle/internal/reason"
	"github.com/migalsp/kubex-lifecycle/internal/scaling"
)

// Record is one append-only entry covering the admission decision and, when
// admitted, the scaling result of a single request.
type Record struct {
	ID          string              `json:"id"`
	Namespace   string              `json:"namespace"`
	CostCenter  string              `json:"costCenter"`
	Cluster     string              `json:"cluster"`
	RequestedBy string              `json:"requestedBy"`
	Operation   admission.Operation `json:"operation"`
	StartedAt   time.Time           `json:"startedAt"`
	FinishedAt  time.Time           `json:"finishedAt"`
	Success     bool                `json:"success"`
	ReasonCode  reason.Code         `json:"reasonCode,omitempty"`
	Message     string              `json:"message"`
	Decision    admission.Decision  `json:"decision"`
	Result      *scaling.Result     `json:"result,omitempty"`
}

// NewRecord assembles a record; err is the terminal error of the request, if any.
func NewRecord(started time.Time, d admission.Decision, result *scaling.Result, err error) Record {
	r := Record{
		ID:          ksuid.New().String(),
		Namespace:   d.Request.Namespace,
		CostCenter:  d.Request.CostCenter,
		Cluster:     d.Request.Cluster,
		RequestedBy: d.Request.RequestedBy,
		Operation:   d.Request.Operation,
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Success:     err == nil,
		Message:     d.Message,
		Decision:    d,
		Result:      result,
	}
	if result != nil {
		r.FinishedAt = result.FinishedAt
	}
	if err != nil {
		r.ReasonCode = reason.CodeOf(err)
		r.Message = err.Error()
	}
	return r
}

// Filter narrows a query. Empty fields match everything.
type Filter struct {
	Namespace   string
	CostCenter  string
	Cluster     string
	RequestedBy string
	Limit       int
}

const DefaultQueryLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultQueryLimit
	}
	return f.Limit
}

func (f Filter) Matches(r Record) bool {
	return (f.Namespace == "" || f.Namespace == r.Namespace) &&
		(f.CostCenter == "" || f.CostCenter == r.CostCenter) &&
		(f.Cluster == "" || f.Cluster == r.Cluster) &&
		(f.RequestedBy == "" || f.RequestedBy == r.RequestedBy)
}

type Recorder interface {
	Record(ctx context.Context, r Record) error
}

type Querier interface {
	Query(ctx context.Context, f Filter) ([]Record, error)
}

// DefaultWriteTimeout bounds a single audit write.
const DefaultWriteTimeout = 10 * time.Second

// Sink is what the lifecycle service writes to. A failed write is logged and
// counted and never changes the outcome of the request it describes.
type Sink struct {
	Recorder Recorder
	Timeout  time.Duration
}

// Write persists r even when ctx is already cancelled, so requests abandoned
// by their caller after scaling or rollback still leave a record.
func (s *Sink) Write(ctx context.Context, r Record) {
	l := log.FromContext(ctx).WithValues("auditId", r.ID, "namespace", r.Namespace, "operation", r.Operation)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := s.Recorder.Record(wctx, r); err != nil {
		metrics.AuditWriteFailures.Inc()
		l.Error(err, "Failed to write audit record", "success", r.Success, "reasonCode", r.ReasonCode)
		return
	}
	l.V(1).Info("Audit record written")
}

// MemoryRecorder keeps the most recent records in process. It is used when
// no database is configured.
type MemoryRecorder struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
}

func NewMemoryRecorder(capacity int) *MemoryRecorder {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryRecorder{capacity: capacity}
}

func (m *MemoryRecorder) Record(ctx context.Context, r Record) error {
	if r.ID == "" {
		return fmt.Errorf("audit record for namespace %q has no id", r.Namespace)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	if len(m.records) > m.capacity {
		m.records = m.records[len(m.records)-m.capacity:]
	}
	log.FromContext(ctx).Info("Audit", "id", r.ID, "namespace", r.Namespace, "costCenter", r.CostCenter,
		"operation", r.Operation, "requestedBy", r.RequestedBy, "success", r.Success, "reasonCode", r.ReasonCode)
	return nil
}

// Query returns matching records, newest first.
func (m *MemoryRecorder) Query(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Record{}
	for _, r := range m.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

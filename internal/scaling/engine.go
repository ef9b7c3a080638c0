package scaling

import (
	"context"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/kubex-lifecycle/internal/inspector"
	"github.com/migalsp/kubex-lifecycle/internal/reason"
)

// DefaultMutationTimeout bounds a single scale call.
const DefaultMutationTimeout = 30 * time.Second

type TargetMode string

const (
	TargetZero            TargetMode = "Zero"
	TargetRestoreOriginal TargetMode = "RestoreOriginal"
	TargetExplicit        TargetMode = "Explicit"
)

type Target struct {
	Mode     TargetMode `json:"mode"`
	Replicas int32      `json:"replicas,omitempty"`
}

func Zero() Target            { return Target{Mode: TargetZero} }
func RestoreOriginal() Target { return Target{Mode: TargetRestoreOriginal} }
func Explicit(n int32) Target { return Target{Mode: TargetExplicit, Replicas: n} }

func (t Target) String() string {
	if t.Mode == TargetExplicit {
		return fmt.Sprintf("Explicit(%d)", t.Replicas)
	}
	return string(t.Mode)
}

type Status string

const (
	StatusSuccess                  Status = "Success"
	StatusFailed                   Status = "Failed"
	StatusFailedRolledBack         Status = "FailedRolledBack"
	StatusFailedRollbackIncomplete Status = "FailedRollbackIncomplete"
)

// ResourceRef is one workload touched by an operation.
type ResourceRef struct {
	Kind             inspector.Kind `json:"kind"`
	Name             string         `json:"name"`
	OriginalReplicas int32          `json:"originalReplicas"`
	TargetReplicas   int32          `json:"targetReplicas"`
}

func (r ResourceRef) Key() string { return string(r.Kind) + "/" + r.Name }

type Failure struct {
	Ref   ResourceRef `json:"ref"`
	Error string      `json:"error"`
}

type RollbackOutcome struct {
	Ref      ResourceRef `json:"ref"`
	Restored bool        `json:"restored"`
	Error    string      `json:"error,omitempty"`
}

// Result is the complete record of one Scale call. It is never modified
// after Scale returns.
type Result struct {
	Namespace         string            `json:"namespace"`
	RequestedTarget   string            `json:"requestedTarget"`
	Scaled            []ResourceRef     `json:"scaled"`
	Unchanged         []ResourceRef     `json:"unchanged,omitempty"`
	Failed            []Failure         `json:"failed"`
	RollbackPerformed bool              `json:"rollbackPerformed"`
	RollbackResults   []RollbackOutcome `json:"rollbackResults,omitempty"`
	OverallStatus     Status            `json:"overallStatus"`
	Canceled          bool              `json:"canceled,omitempty"`
	Error             string            `json:"error,omitempty"`
	StartedAt         time.Time         `json:"startedAt"`
	FinishedAt        time.Time         `json:"finishedAt"`
}

// Err maps a non-successful result onto the reason taxonomy.
func (r *Result) Err() error {
	switch r.OverallStatus {
	case StatusSuccess:
		return nil
	case StatusFailedRollbackIncomplete:
		failing := []string{}
		for _, o := range r.RollbackResults {
			if !o.Restored {
				failing = append(failing, o.Ref.Key())
			}
		}
		e := reason.New(reason.CodeRollbackIncomplete, "scaling in namespace %q failed and rollback left %d workload(s) modified", r.Namespace, len(failing))
		e.Details = map[string]interface{}{"failed_rollbacks": failing}
		return e
	default:
		msg := r.Error
		if msg == "" && len(r.Failed) > 0 {
			msg = fmt.Sprintf("%s: %s", r.Failed[0].Ref.Key(), r.Failed[0].Error)
		}
		return reason.New(reason.CodeScaling, "scaling namespace %q to %s failed: %s", r.Namespace, r.RequestedTarget, msg)
	}
}

// ResourceLister enumerates the scalable workloads of a namespace.
type ResourceLister interface {
	ListScalableResources(ctx context.Context, ns string) ([]inspector.Resource, error)
}

// Mutator issues a single replica change.
type Mutator interface {
	Scale(ctx context.Context, req inspector.ScaleRequest) error
}

// Engine scales every workload of a namespace and compensates partial
// progress on failure. It never retries.
type Engine struct {
	Lister          ResourceLister
	Mutator         Mutator
	MutationTimeout time.Duration
	Now             func() time.Time
}

func NewEngine(lister ResourceLister, mutator Mutator, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultMutationTimeout
	}
	return &Engine{Lister: lister, Mutator: mutator, MutationTimeout: timeout, Now: time.Now}
}

type phase int

const (
	phaseScaling phase = iota
	phaseRollingBack
	phaseDone
)

// step is the plan for one workload, kept so rollback can restore both
// replicas and the original-replicas annotation.
type step struct {
	ref           ResourceRef
	priorOriginal *int32
	forward       inspector.ScaleRequest
}

type operation struct {
	e              *Engine
	ctx            context.Context
	ns             string
	enableRollback bool
	steps          []step
	done           []step
	phase          phase
	result         Result
}

// Scale drives one operation through Scaling, RollingBack and Done.
func (e *Engine) Scale(ctx context.Context, ns string, target Target, enableRollback bool) Result {
	l := log.FromContext(ctx).WithValues("namespace", ns, "target", target.String())
	ctx = log.IntoContext(ctx, l)

	op := &operation{
		e:              e,
		ctx:            ctx,
		ns:             ns,
		enableRollback: enableRollback,
		result: Result{
			Namespace:       ns,
			RequestedTarget: target.String(),
			Scaled:          []ResourceRef{},
			Failed:          []Failure{},
			StartedAt:       e.now(),
		},
	}

	resources, err := e.Lister.ListScalableResources(ctx, ns)
	if err != nil {
		l.Error(err, "Failed to list scalable resources")
		op.result.Error = err.Error()
		op.phase = phaseDone
	} else {
		inspector.SortResources(resources)
		op.steps = plan(ns, resources, target)
		op.phase = phaseScaling
	}

	for op.phase != phaseDone {
		switch op.phase {
		case phaseScaling:
			op.phase = op.scale()
		case phaseRollingBack:
			op.phase = op.rollback()
		}
	}

	op.result.OverallStatus = op.status()
	op.result.FinishedAt = e.now()
	l.Info("Scaling finished", "status", op.result.OverallStatus, "scaled", len(op.result.Scaled),
		"failed", len(op.result.Failed), "rollbackPerformed", op.result.RollbackPerformed)
	return op.result
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) timeout() time.Duration {
	if e.MutationTimeout <= 0 {
		return DefaultMutationTimeout
	}
	return e.MutationTimeout
}

// plan computes the per-workload target replicas and annotation changes.
func plan(ns string, resources []inspector.Resource, target Target) []step {
	steps := make([]step, 0, len(resources))
	for _, r := range resources {
		s := step{
			ref:           ResourceRef{Kind: r.Kind, Name: r.Name, OriginalReplicas: r.Replicas},
			priorOriginal: r.OriginalReplicas,
			forward:       inspector.ScaleRequest{Namespace: ns, Kind: r.Kind, Name: r.Name},
		}

		switch target.Mode {
		case TargetZero:
			s.ref.TargetReplicas = 0
		case TargetRestoreOriginal:
			switch {
			case r.OriginalReplicas != nil:
				s.ref.TargetReplicas = *r.OriginalReplicas
			case r.Replicas > 0:
				s.ref.TargetReplicas = r.Replicas
			default:
				s.ref.TargetReplicas = 1
			}
			s.forward.ClearOriginal = r.OriginalReplicas != nil
		case TargetExplicit:
			s.ref.TargetReplicas = target.Replicas
		}

		if s.ref.TargetReplicas == 0 && r.Replicas > 0 {
			current := r.Replicas
			s.forward.RecordOriginal = &current
		}
		s.forward.Replicas = s.ref.TargetReplicas
		steps = append(steps, s)
	}
	return steps
}

func (s step) noop() bool {
	return s.ref.OriginalReplicas == s.ref.TargetReplicas && s.forward.RecordOriginal == nil && !s.forward.ClearOriginal
}

func (op *operation) scale() phase {
	l := log.FromContext(op.ctx)

	for _, s := range op.steps {
		if err := op.ctx.Err(); err != nil {
			op.result.Canceled = true
			op.result.Failed = append(op.result.Failed, Failure{Ref: s.ref, Error: fmt.Sprintf("not attempted: %v", err)})
			l.Info("Operation canceled, no further workloads will be scaled", "resource", s.ref.Key())
			break
		}

		if s.noop() {
			op.result.Unchanged = append(op.result.Unchanged, s.ref)
			continue
		}

		l.Info("Setting replicas", "resource", s.ref.Key(), "from", s.ref.OriginalReplicas, "to", s.ref.TargetReplicas)
		if err := op.mutate(op.ctx, s.forward); err != nil {
			l.Error(err, "Failed to update replicas", "resource", s.ref.Key(), "target", s.ref.TargetReplicas)
			op.result.Failed = append(op.result.Failed, Failure{Ref: s.ref, Error: err.Error()})
			break
		}
		op.result.Scaled = append(op.result.Scaled, s.ref)
		op.done = append(op.done, s)
	}

	if len(op.result.Failed) > 0 && op.enableRollback && len(op.done) > 0 {
		return phaseRollingBack
	}
	return phaseDone
}

// rollback reverts every applied step, newest first, and continues past
// individual failures.
func (op *operation) rollback() phase {
	l := log.FromContext(op.ctx)
	op.result.RollbackPerformed = true

	// Compensation runs even when the caller has gone away.
	ctx := context.WithoutCancel(op.ctx)

	for i := len(op.done) - 1; i >= 0; i-- {
		s := op.done[i]
		req := inspector.ScaleRequest{
			Namespace: op.ns,
			Kind:      s.ref.Kind,
			Name:      s.ref.Name,
			Replicas:  s.ref.OriginalReplicas,
		}
		switch {
		case s.priorOriginal != nil && (s.forward.ClearOriginal || s.forward.RecordOriginal != nil):
			req.RecordOriginal = s.priorOriginal
		case s.priorOriginal == nil && s.forward.RecordOriginal != nil:
			req.ClearOriginal = true
		}

		l.Info("Rolling back replicas", "resource", s.ref.Key(), "from", s.ref.TargetReplicas, "to", s.ref.OriginalReplicas)
		outcome := RollbackOutcome{Ref: s.ref, Restored: true}
		if err := op.mutate(ctx, req); err != nil {
			l.Error(err, "Rollback failed, workload left modified", "resource", s.ref.Key())
			outcome.Restored = false
			outcome.Error = err.Error()
		}
		op.result.RollbackResults = append(op.result.RollbackResults, outcome)
	}
	return phaseDone
}

func (op *operation) mutate(ctx context.Context, req inspector.ScaleRequest) (err error) {
	ctx, cancel := context.WithTimeout(ctx, op.e.timeout())
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scale %s/%s panicked: %v", req.Kind, req.Name, r)
		}
	}()
	return op.e.Mutator.Scale(ctx, req)
}

func (op *operation) status() Status {
	if op.result.Error == "" && len(op.result.Failed) == 0 {
		return StatusSuccess
	}
	if !op.result.RollbackPerformed {
		return StatusFailed
	}
	for _, o := range op.result.RollbackResults {
		if !o.Restored {
			return StatusFailedRollbackIncomplete
		}
	}
	return StatusFailedRolledBack
}

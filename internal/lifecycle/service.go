package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/kubex-lifecycle/internal/admission"
	"github.com/migalsp/kubex-lifecycle/internal/audit"
	"github.com/migalsp/kubex-lifecycle/internal/metrics"
	"github.com/migalsp/kubex-lifecycle/internal/reason"
	"github.com/migalsp/kubex-lifecycle/internal/scaling"
)

// RollbackInfo summarizes compensation for a failed operation.
type RollbackInfo struct {
	Performed bool                      `json:"performed"`
	Status    scaling.Status            `json:"status"`
	Results   []scaling.RollbackOutcome `json:"results,omitempty"`
}

// Response is returned by every entry point. A failed Response always
// carries a ReasonCode.
type Response struct {
	Success         bool                   `json:"success"`
	Message         string                 `json:"message"`
	ReasonCode      reason.Code            `json:"reasonCode,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	ScaledResources []scaling.ResourceRef  `json:"scaledResources,omitempty"`
	RollbackInfo    *RollbackInfo          `json:"rollbackInfo,omitempty"`
	Decision        admission.Decision     `json:"decision"`
	Result          *scaling.Result        `json:"result,omitempty"`

	err error
}

// Err returns the terminal error as a *reason.Error, or nil on success.
func (r Response) Err() error {
	return r.err
}

// Service runs admission, scaling and audit for each request.
type Service struct {
	Admission *admission.Controller
	Engine    *scaling.Engine
	Audit     *audit.Sink
	// Locker, when set, serializes activations per cost center across
	// admission and scaling.
	Locker      admission.Locker
	LockTimeout time.Duration
	Cluster     string
}

// DefaultLockTimeout bounds the wait for a busy cost center.
const DefaultLockTimeout = 30 * time.Second

// Activate restores the namespace's workloads to their original replicas.
func (s *Service) Activate(ctx context.Context, namespace, costCenter, requestedBy string) Response {
	return s.run(ctx, s.request(namespace, costCenter, requestedBy, admission.OperationActivate), scaling.RestoreOriginal())
}

// Deactivate scales every workload of the namespace to zero.
func (s *Service) Deactivate(ctx context.Context, namespace, costCenter, requestedBy string) Response {
	return s.run(ctx, s.request(namespace, costCenter, requestedBy, admission.OperationDeactivate), scaling.Zero())
}

// RunCommand sets every workload of the namespace to an explicit replica count.
func (s *Service) RunCommand(ctx context.Context, namespace, costCenter, requestedBy string, replicas int32) Response {
	req := s.request(namespace, costCenter, requestedBy, admission.OperationRunCommand)
	if replicas < 0 {
		d := admission.Decision{Request: req, ReasonCode: reason.CodeValidation, Message: "replicas must not be negative", DecidedAt: time.Now()}
		return s.finish(ctx, time.Now(), d, nil, d.Err())
	}
	return s.run(ctx, req, scaling.Explicit(replicas))
}

func (s *Service) request(namespace, costCenter, requestedBy string, op admission.Operation) admission.Request {
	return admission.Request{
		Namespace:   namespace,
		CostCenter:  costCenter,
		Operation:   op,
		RequestedBy: requestedBy,
		Cluster:     s.Cluster,
	}
}

func (s *Service) run(ctx context.Context, req admission.Request, target scaling.Target) Response {
	started := time.Now()
	l := log.FromContext(ctx).WithValues("namespace", req.Namespace, "costCenter", req.CostCenter, "operation", req.Operation)
	ctx = log.IntoContext(ctx, l)

	if s.Locker != nil && req.Operation == admission.OperationActivate && req.CostCenter != "" {
		timeout := s.LockTimeout
		if timeout <= 0 {
			timeout = DefaultLockTimeout
		}
		lockCtx, cancel := context.WithTimeout(ctx, timeout)
		unlock, err := s.Locker.Lock(lockCtx, req.CostCenter)
		cancel()
		if err != nil {
			d := admission.Decision{Request: req, ReasonCode: reason.CodeOf(err), Message: err.Error(), DecidedAt: time.Now()}
			return s.finish(ctx, started, d, nil, err)
		}
		defer unlock()
	}

	d := s.Admission.Admit(ctx, req)
	if !d.Allowed {
		return s.finish(ctx, started, d, nil, d.Err())
	}

	result := s.Engine.Scale(ctx, req.Namespace, target, true)

	op := string(req.Operation)
	metrics.ScalingOperations.WithLabelValues(op, string(result.OverallStatus)).Inc()
	metrics.ScalingDuration.WithLabelValues(op).Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	if result.OverallStatus == scaling.StatusFailedRollbackIncomplete {
		metrics.RollbackIncomplete.WithLabelValues(req.Namespace).Inc()
		l.Error(errors.New(string(reason.CodeRollbackIncomplete)), "Rollback incomplete, operator follow-up required",
			"rollbackResults", result.RollbackResults)
	}

	return s.finish(ctx, started, d, &result, result.Err())
}

func (s *Service) finish(ctx context.Context, started time.Time, d admission.Decision, result *scaling.Result, err error) Response {
	if s.Audit != nil {
		s.Audit.Write(ctx, audit.NewRecord(started, d, result, err))
	}

	resp := Response{
		Success:  err == nil,
		Message:  d.Message,
		Details:  d.Details,
		Decision: d,
		Result:   result,
		err:      err,
	}
	if result != nil {
		resp.ScaledResources = result.Scaled
		if result.OverallStatus != scaling.StatusSuccess {
			resp.RollbackInfo = &RollbackInfo{
				Performed: result.RollbackPerformed,
				Status:    result.OverallStatus,
				Results:   result.RollbackResults,
			}
		}
	}
	if err != nil {
		resp.ReasonCode = reason.CodeOf(err)
		resp.Message = err.Error()
		var rerr *reason.Error
		if errors.As(err, &rerr) && rerr.Details != nil {
			resp.Details = rerr.Details
		}
		if rerr != nil {
			resp.Message = rerr.Message
		}
	} else if result != nil {
		resp.Message = fmt.Sprintf("%s; scaled %d workload(s) to %s", d.Message, len(result.Scaled), result.RequestedTarget)
	}
	return resp
}

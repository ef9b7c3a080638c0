package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/kubex-lifecycle/internal/businesshours"
	"github.com/migalsp/kubex-lifecycle/internal/costcenter"
	"github.com/migalsp/kubex-lifecycle/internal/metrics"
	"github.com/migalsp/kubex-lifecycle/internal/reason"
)

// DefaultCeiling is the non-business-hours limit on active namespaces.
const DefaultCeiling = 5

type Operation string

const (
	OperationActivate   Operation = "Activate"
	OperationDeactivate Operation = "Deactivate"
	OperationRunCommand Operation = "RunCommand"
)

// Request is one caller's ask. It is not modified after creation.
type Request struct {
	Namespace   string    `json:"namespace" validate:"required,max=63"`
	CostCenter  string    `json:"costCenter" validate:"required,max=128"`
	Operation   Operation `json:"operation" validate:"required,oneof=Activate Deactivate RunCommand"`
	RequestedBy string    `json:"requestedBy"`
	Cluster     string    `json:"cluster"`
}

// Decision is the admission verdict for one Request.
type Decision struct {
	Request            Request                       `json:"request"`
	Allowed            bool                          `json:"allowed"`
	ReasonCode         reason.Code                   `json:"reasonCode,omitempty"`
	Message            string                        `json:"message"`
	CurrentActiveCount *int                          `json:"currentActiveCount,omitempty"`
	Limit              *int                          `json:"limit,omitempty"`
	Details            map[string]interface{}        `json:"details,omitempty"`
	Classification     *businesshours.Classification `json:"classification,omitempty"`
	DecidedAt          time.Time                     `json:"decidedAt"`
}

func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &reason.Error{Code: d.ReasonCode, Message: d.Message, Details: d.Details}
}

// Scope selects which namespaces count toward the active-namespace limits.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeCostCenter Scope = "cost_center"
)

// Inspector is the subset of the namespace inspector admission needs.
type Inspector interface {
	NamespaceExists(ctx context.Context, ns string) (bool, error)
	CountActive(ctx context.Context, include func(ns *corev1.Namespace) bool) (int, error)
}

type Controller struct {
	Authority       *costcenter.Authority
	Calculator      *businesshours.Calculator
	Inspector       Inspector
	Protected       ProtectedSet
	Ceiling         int
	Scope           Scope
	CostCenterLabel string
	Now             func() time.Time

	validate *validator.Validate
}

func NewController(authority *costcenter.Authority, calc *businesshours.Calculator, insp Inspector, protected ProtectedSet) *Controller {
	return &Controller{
		Authority:       authority,
		Calculator:      calc,
		Inspector:       insp,
		Protected:       protected,
		Ceiling:         DefaultCeiling,
		Scope:           ScopeGlobal,
		CostCenterLabel: "kubex.io/cost-center",
		Now:             time.Now,
		validate:        validator.New(),
	}
}

// Admit decides whether req may proceed. The active-namespace count is read
// at most once per call and only for activations.
func (c *Controller) Admit(ctx context.Context, req Request) Decision {
	now := c.now()
	l := log.FromContext(ctx).WithValues("namespace", req.Namespace, "costCenter", req.CostCenter,
		"operation", req.Operation, "requestedBy", req.RequestedBy)

	d := c.admit(ctx, req, now)
	d.Request = req
	d.DecidedAt = now

	label := "allowed"
	if !d.Allowed {
		label = string(d.ReasonCode)
	}
	metrics.AdmissionDecisions.WithLabelValues(string(req.Operation), label).Inc()

	if d.Allowed {
		l.Info("Admission granted", "message", d.Message)
	} else {
		l.Info("Admission denied", "reasonCode", d.ReasonCode, "message", d.Message)
	}
	return d
}

func (c *Controller) admit(ctx context.Context, req Request, now time.Time) Decision {
	if c.validate == nil {
		c.validate = validator.New()
	}
	if err := c.validate.Struct(req); err != nil {
		return denied(reason.CodeValidation, fmt.Sprintf("invalid request: %v", err), nil)
	}

	if c.Protected.Contains(req.Namespace) {
		return denied(reason.CodeProtectedNamespace,
			fmt.Sprintf("namespace %q is protected and cannot be activated or deactivated", req.Namespace), nil)
	}

	exists, err := c.Inspector.NamespaceExists(ctx, req.Namespace)
	if err != nil {
		log.FromContext(ctx).Error(err, "Namespace lookup failed", "namespace", req.Namespace)
		return denied(reason.CodeCount, fmt.Sprintf("could not verify namespace %q", req.Namespace), nil)
	}
	if !exists {
		return denied(reason.CodeNamespaceNotFound, fmt.Sprintf("namespace %q not found", req.Namespace), nil)
	}

	if req.Operation != OperationActivate {
		res := c.Authority.Validate(ctx, req.CostCenter, req.Namespace, now)
		return fromAuthority(res)
	}

	counter := c.memoCounter(req)
	res := c.Authority.Validate(ctx, req.CostCenter, req.Namespace, now, costcenter.WithActiveCounter(counter))
	d := fromAuthority(res)
	if !d.Allowed {
		return d
	}

	class := c.Calculator.Classify(now)
	d.Classification = &class
	if !class.NonBusiness {
		return d
	}

	count, err := counter(ctx)
	if err != nil {
		out := denied(reason.CodeCount, "could not count active namespaces", nil)
		out.Classification = &class
		return out
	}
	if count >= c.Ceiling {
		ceiling := c.Ceiling
		out := denied(reason.CodeLimitExceeded,
			fmt.Sprintf("%d namespaces are already active outside business hours (limit %d)", count, ceiling),
			map[string]interface{}{"current_active_count": count, "max_allowed": ceiling, "non_business_reasons": class.Reasons})
		out.CurrentActiveCount = &count
		out.Limit = &ceiling
		out.Classification = &class
		return out
	}
	d.Message = fmt.Sprintf("%s; %d of %d non-business slots in use", d.Message, count, c.Ceiling)
	return d
}

// memoCounter counts active namespaces once, excluding protected namespaces
// and the target itself. Errors are not memoized.
func (c *Controller) memoCounter(req Request) costcenter.ActiveCounter {
	var (
		mu    sync.Mutex
		done  bool
		count int
	)
	include := func(ns *corev1.Namespace) bool {
		if ns.Name == req.Namespace || c.Protected.Contains(ns.Name) {
			return false
		}
		if c.Scope == ScopeCostCenter {
			return ns.Labels[c.CostCenterLabel] == req.CostCenter
		}
		return true
	}
	return func(ctx context.Context) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return count, nil
		}
		n, err := c.Inspector.CountActive(ctx, include)
		if err != nil {
			return 0, err
		}
		count, done = n, true
		return count, nil
	}
}

func (c *Controller) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func denied(code reason.Code, msg string, details map[string]interface{}) Decision {
	return Decision{Allowed: false, ReasonCode: code, Message: msg, Details: details}
}

func fromAuthority(res costcenter.Result) Decision {
	d := Decision{Allowed: res.Allowed, ReasonCode: res.Code, Message: res.Message, Details: res.Details}
	if v, ok := res.Details["current_active_count"].(int); ok {
		d.CurrentActiveCount = &v
	}
	if v, ok := res.Details["max_allowed"].(int); ok && res.Code == reason.CodeLimitExceeded {
		d.Limit = &v
	}
	return d
}

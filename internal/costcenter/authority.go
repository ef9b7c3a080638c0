package costcenter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/kubex-lifecycle/internal/reason"
)

// Result is the outcome of a cost center validation.
type Result struct {
	Allowed    bool                   `json:"allowed"`
	Code       reason.Code            `json:"reasonCode,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Permission *Permission            `json:"-"`
}

// Err converts a denied result into a *reason.Error.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &reason.Error{Code: r.Code, Message: r.Message, Details: r.Details}
}

// ActiveCounter returns the number of currently active namespaces that count
// against a cost center quota.
type ActiveCounter func(ctx context.Context) (int, error)

type validateOptions struct {
	counter ActiveCounter
}

type ValidateOption func(*validateOptions)

// WithActiveCounter enables the concurrent-namespace quota check. It is used
// for activation requests only.
func WithActiveCounter(fn ActiveCounter) ValidateOption {
	return func(o *validateOptions) { o.counter = fn }
}

// Authority decides whether a cost center may operate on a namespace.
type Authority struct {
	Cache *Cache
}

func NewAuthority(cache *Cache) *Authority {
	return &Authority{Cache: cache}
}

func (a *Authority) Validate(ctx context.Context, costCenter, namespace string, now time.Time, opts ...ValidateOption) Result {
	l := log.FromContext(ctx).WithValues("costCenter", costCenter, "namespace", namespace)

	var o validateOptions
	for _, opt := range opts {
		opt(&o)
	}

	costCenter = strings.TrimSpace(costCenter)
	namespace = strings.TrimSpace(namespace)
	if costCenter == "" {
		return deny(reason.CodeValidation, "cost center is required", nil)
	}
	if namespace == "" {
		return deny(reason.CodeValidation, "namespace is required", nil)
	}

	perm, found, err := a.Cache.Get(ctx, costCenter, now)
	if err != nil {
		l.Error(err, "Permission lookup failed")
		return deny(reason.CodePermissionCheck, fmt.Sprintf("could not verify permissions for cost center %q", costCenter), nil)
	}
	if !found {
		return deny(reason.CodeAuthorization, fmt.Sprintf("cost center %q has no permission record", costCenter), nil)
	}
	if !perm.IsAuthorized {
		return deny(reason.CodeAuthorization, fmt.Sprintf("cost center %q is not authorized", costCenter), nil)
	}

	if len(perm.AuthorizedNamespacePatterns) > 0 && !MatchesAny(namespace, perm.AuthorizedNamespacePatterns) {
		return deny(reason.CodeAuthorization, fmt.Sprintf("namespace %q does not match any pattern authorized for cost center %q", namespace, costCenter),
			map[string]interface{}{"authorized_namespace_patterns": perm.AuthorizedNamespacePatterns})
	}

	details := map[string]interface{}{"max_allowed": perm.MaxConcurrentNamespaces}
	if o.counter != nil {
		count, err := o.counter(ctx)
		if err != nil {
			l.Error(err, "Counting active namespaces failed")
			return deny(reason.CodeCount, "could not count active namespaces", nil)
		}
		details["current_active_count"] = count
		if count >= perm.MaxConcurrentNamespaces {
			res := deny(reason.CodeLimitExceeded,
				fmt.Sprintf("cost center %q already has %d active namespaces (max %d)", costCenter, count, perm.MaxConcurrentNamespaces), details)
			res.Permission = &perm
			return res
		}
	}

	return Result{
		Allowed:    true,
		Message:    fmt.Sprintf("cost center %q is authorized for namespace %q", costCenter, namespace),
		Details:    details,
		Permission: &perm,
	}
}

func deny(code reason.Code, msg string, details map[string]interface{}) Result {
	return Result{Allowed: false, Code: code, Message: msg, Details: details}
}

// MatchesAny reports whether name fully matches at least one pattern.
func MatchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if Match(strings.TrimSpace(p), name) {
			return true
		}
	}
	return false
}

// Match reports whether name fully matches pattern, where '*' matches any
// (possibly empty) substring and every other byte matches itself.
func Match(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}

	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	rest := name[len(parts[0]):]

	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, mid)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(mid):]
	}
	return strings.HasSuffix(rest, last)
}

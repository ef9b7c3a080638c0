package controller

import (
	"context"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/migalsp/kubex-lifecycle/internal/admission"
	"github.com/migalsp/kubex-lifecycle/internal/inspector"
	"github.com/migalsp/kubex-lifecycle/internal/metrics"
)

// NamespaceActivityReconciler watches namespaces and their workloads and keeps
// the kubex_lifecycle_namespace_active gauge in line with the inspector.
type NamespaceActivityReconciler struct {
	client.Client
	Inspector       *inspector.Inspector
	Protected       admission.ProtectedSet
	CostCenterLabel string

	mu   sync.Mutex
	seen map[string]observation
}

type observation struct {
	costCenter string
	active     bool
}

// +kubebuilder:rbac:groups="",resources=namespaces,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
// +kubebuilder:rbac:groups=apps,resources=deployments;statefulsets,verbs=get;list;watch;patch

func (r *NamespaceActivityReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := log.FromContext(ctx)

	var ns corev1.Namespace
	if err := r.Get(ctx, req.NamespacedName, &ns); err != nil {
		if apierrors.IsNotFound(err) {
			r.forget(req.Name)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if ns.DeletionTimestamp != nil || r.Protected.Contains(ns.Name) {
		r.forget(ns.Name)
		return ctrl.Result{}, nil
	}

	active, err := r.Inspector.IsActive(ctx, ns.Name)
	if err != nil {
		return ctrl.Result{}, err
	}

	costCenter := ns.Labels[r.CostCenterLabel]
	if prev, changed := r.observe(ns.Name, observation{costCenter: costCenter, active: active}); changed {
		l.Info("Namespace activity changed", "name", ns.Name, "costCenter", costCenter, "active", active, "wasActive", prev.active)
	}

	return ctrl.Result{}, nil
}

// observe records o and reports the previous observation and whether the
// active flag changed. A first observation counts as a change.
func (r *NamespaceActivityReconciler) observe(ns string, o observation) (observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]observation)
	}

	prev, ok := r.seen[ns]
	if ok && prev.costCenter != o.costCenter {
		metrics.NamespaceActive.DeleteLabelValues(ns, prev.costCenter)
	}
	r.seen[ns] = o

	v := 0.0
	if o.active {
		v = 1
	}
	metrics.NamespaceActive.WithLabelValues(ns, o.costCenter).Set(v)

	return prev, !ok || prev.active != o.active
}

func (r *NamespaceActivityReconciler) forget(ns string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.seen[ns]; ok {
		metrics.NamespaceActive.DeleteLabelValues(ns, prev.costCenter)
		delete(r.seen, ns)
	}
}

func (r *NamespaceActivityReconciler) SetupWithManager(mgr ctrl.Manager) error {
	toNamespace := handler.EnqueueRequestsFromMapFunc(func(ctx context.Context, obj client.Object) []reconcile.Request {
		return []reconcile.Request{
			{NamespacedName: types.NamespacedName{Name: obj.GetNamespace()}},
		}
	})

	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Namespace{}).
		Watches(&corev1.Pod{}, toNamespace).
		Watches(&appsv1.Deployment{}, toNamespace).
		Watches(&appsv1.StatefulSet{}, toNamespace).
		Named("namespaceactivity").
		Complete(r)
}

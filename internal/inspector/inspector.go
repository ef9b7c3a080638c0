package inspector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ErrQueryFailed marks a failed cluster read. Callers must never read it as
// "the namespace is empty".
var ErrQueryFailed = errors.New("cluster query failed")

type Kind string

const (
	KindDeployment  Kind = "Deployment"
	KindStatefulSet Kind = "StatefulSet"
)

// OriginalReplicasAnnotation stores the replica count a workload had before
// it was scaled to zero.
const OriginalReplicasAnnotation = "lifecycle.kubex.io/original-replicas"

// Resource is a scalable workload as observed in the cluster.
type Resource struct {
	Kind             Kind   `json:"kind"`
	Name             string `json:"name"`
	Replicas         int32  `json:"replicas"`
	OriginalReplicas *int32 `json:"originalReplicas,omitempty"`
}

func (r Resource) Key() string {
	return string(r.Kind) + "/" + r.Name
}

// Inspector answers read-only questions about namespaces.
type Inspector struct {
	Reader client.Reader
	Probes []ActivityProbe
}

func New(reader client.Reader) *Inspector {
	return &Inspector{Reader: reader, Probes: DefaultProbes()}
}

func queryErr(what, ns string, err error) error {
	return fmt.Errorf("%w: %s in namespace %q: %w", ErrQueryFailed, what, ns, err)
}

// IsActive reports whether any probe sees live workload in the namespace.
func (i *Inspector) IsActive(ctx context.Context, ns string) (bool, error) {
	for _, p := range i.Probes {
		active, err := p.Active(ctx, i.Reader, ns)
		if err != nil {
			return false, err
		}
		if active {
			return true, nil
		}
	}
	return false, nil
}

// Activity evaluates every probe and reports each result by probe name.
func (i *Inspector) Activity(ctx context.Context, ns string) (map[string]bool, error) {
	out := make(map[string]bool, len(i.Probes))
	for _, p := range i.Probes {
		active, err := p.Active(ctx, i.Reader, ns)
		if err != nil {
			return nil, err
		}
		out[p.Name()] = active
	}
	return out, nil
}

// NamespaceExists reports whether the namespace exists.
func (i *Inspector) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	var obj corev1.Namespace
	if err := i.Reader.Get(ctx, client.ObjectKey{Name: ns}, &obj); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, queryErr("get namespace", ns, err)
	}
	return true, nil
}

// CountActive counts active namespaces accepted by include.
func (i *Inspector) CountActive(ctx context.Context, include func(ns *corev1.Namespace) bool) (int, error) {
	var list corev1.NamespaceList
	if err := i.Reader.List(ctx, &list); err != nil {
		return 0, fmt.Errorf("%w: list namespaces: %w", ErrQueryFailed, err)
	}

	count := 0
	for idx := range list.Items {
		ns := &list.Items[idx]
		if ns.Status.Phase == corev1.NamespaceTerminating {
			continue
		}
		if include != nil && !include(ns) {
			continue
		}
		active, err := i.IsActive(ctx, ns.Name)
		if err != nil {
			return 0, err
		}
		if active {
			count++
		}
	}
	return count, nil
}

// ListScalableResources returns the Deployments and StatefulSets of the
// namespace ordered by kind, then name.
func (i *Inspector) ListScalableResources(ctx context.Context, ns string) ([]Resource, error) {
	deployments := &appsv1.DeploymentList{}
	if err := i.Reader.List(ctx, deployments, client.InNamespace(ns)); err != nil {
		return nil, queryErr("list deployments", ns, err)
	}

	statefulSets := &appsv1.StatefulSetList{}
	if err := i.Reader.List(ctx, statefulSets, client.InNamespace(ns)); err != nil {
		return nil, queryErr("list statefulsets", ns, err)
	}

	out := make([]Resource, 0, len(deployments.Items)+len(statefulSets.Items))
	for idx := range deployments.Items {
		d := &deployments.Items[idx]
		out = append(out, Resource{
			Kind:             KindDeployment,
			Name:             d.Name,
			Replicas:         specReplicas(d.Spec.Replicas),
			OriginalReplicas: parseOriginal(d.Annotations),
		})
	}
	for idx := range statefulSets.Items {
		s := &statefulSets.Items[idx]
		out = append(out, Resource{
			Kind:             KindStatefulSet,
			Name:             s.Name,
			Replicas:         specReplicas(s.Spec.Replicas),
			OriginalReplicas: parseOriginal(s.Annotations),
		})
	}

	SortResources(out)
	return out, nil
}

// SortResources orders resources by kind, then name.
func SortResources(rs []Resource) {
	sort.SliceStable(rs, func(a, b int) bool {
		if rs[a].Kind != rs[b].Kind {
			return rs[a].Kind < rs[b].Kind
		}
		return rs[a].Name < rs[b].Name
	})
}

// specReplicas applies the API server default of 1 for an unset field.
func specReplicas(r *int32) int32 {
	if r == nil {
		return 1
	}
	return *r
}

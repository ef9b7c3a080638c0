package inspector

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ActivityProbe is one independent criterion for "this namespace has live workload".
type ActivityProbe interface {
	Name() string
	Active(ctx context.Context, r client.Reader, ns string) (bool, error)
}

func DefaultProbes() []ActivityProbe {
	return []ActivityProbe{PodProbe{}, DeploymentProbe{}, StatefulSetProbe{}}
}

// PodProbe is active when at least one pod is Running.
type PodProbe struct{}

func (PodProbe) Name() string { return "pods" }

func (PodProbe) Active(ctx context.Context, r client.Reader, ns string) (bool, error) {
	var pods corev1.PodList
	if err := r.List(ctx, &pods, client.InNamespace(ns)); err != nil {
		return false, queryErr("list pods", ns, err)
	}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning {
			return true, nil
		}
	}
	return false, nil
}

// DeploymentProbe is active when any Deployment asks for replicas.
type DeploymentProbe struct{}

func (DeploymentProbe) Name() string { return "deployments" }

func (DeploymentProbe) Active(ctx context.Context, r client.Reader, ns string) (bool, error) {
	var list appsv1.DeploymentList
	if err := r.List(ctx, &list, client.InNamespace(ns)); err != nil {
		return false, queryErr("list deployments", ns, err)
	}
	for _, d := range list.Items {
		if specReplicas(d.Spec.Replicas) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// StatefulSetProbe is active when any StatefulSet asks for replicas.
type StatefulSetProbe struct{}

func (StatefulSetProbe) Name() string { return "statefulsets" }

func (StatefulSetProbe) Active(ctx context.Context, r client.Reader, ns string) (bool, error) {
	var list appsv1.StatefulSetList
	if err := r.List(ctx, &list, client.InNamespace(ns)); err != nil {
		return false, queryErr("list statefulsets", ns, err)
	}
	for _, s := range list.Items {
		if specReplicas(s.Spec.Replicas) > 0 {
			return true, nil
		}
	}
	return false, nil
}

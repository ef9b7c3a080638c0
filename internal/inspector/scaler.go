package inspector

import (
	"context"
	"fmt"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ScaleRequest describes one replica change. RecordOriginal, when set, is
// written to OriginalReplicasAnnotation in the same patch; ClearOriginal
// removes it.
type ScaleRequest struct {
	Namespace      string
	Kind           Kind
	Name           string
	Replicas       int32
	RecordOriginal *int32
	ClearOriginal  bool
}

// Scaler applies replica changes with a merge patch, so concurrent edits of
// unrelated fields are preserved. Reader, when set, is used for the read
// that the patch is computed from; it should bypass any informer cache.
type Scaler struct {
	Client client.Client
	Reader client.Reader
}

func NewScaler(c client.Client) *Scaler {
	return &Scaler{Client: c}
}

func (s *Scaler) reader() client.Reader {
	if s.Reader != nil {
		return s.Reader
	}
	return s.Client
}

func (s *Scaler) Scale(ctx context.Context, req ScaleRequest) error {
	logger := log.FromContext(ctx).WithValues("namespace", req.Namespace, "kind", req.Kind, "name", req.Name)

	obj, err := newWorkload(req.Kind)
	if err != nil {
		return err
	}
	if err := s.reader().Get(ctx, client.ObjectKey{Namespace: req.Namespace, Name: req.Name}, obj); err != nil {
		return fmt.Errorf("get %s %s/%s: %w", req.Kind, req.Namespace, req.Name, err)
	}

	patch := client.MergeFrom(obj.DeepCopyObject().(client.Object))
	setWorkloadReplicas(obj, req.Replicas)

	annotations := obj.GetAnnotations()
	switch {
	case req.RecordOriginal != nil:
		if annotations == nil {
			annotations = map[string]string{}
		}
		annotations[OriginalReplicasAnnotation] = strconv.FormatInt(int64(*req.RecordOriginal), 10)
		obj.SetAnnotations(annotations)
	case req.ClearOriginal && annotations != nil:
		delete(annotations, OriginalReplicasAnnotation)
		obj.SetAnnotations(annotations)
	}

	if err := s.Client.Patch(ctx, obj, patch); err != nil {
		return fmt.Errorf("patch %s %s/%s to %d replicas: %w", req.Kind, req.Namespace, req.Name, req.Replicas, err)
	}
	if got := workloadReplicas(obj); got == nil || *got != req.Replicas {
		return fmt.Errorf("patch %s %s/%s: response reports unexpected replicas", req.Kind, req.Namespace, req.Name)
	}

	logger.Info("Scaled workload", "replicas", req.Replicas)
	return nil
}

func newWorkload(kind Kind) (client.Object, error) {
	switch kind {
	case KindDeployment:
		return &appsv1.Deployment{}, nil
	case KindStatefulSet:
		return &appsv1.StatefulSet{}, nil
	default:
		return nil, fmt.Errorf("unsupported workload kind %q", kind)
	}
}

func setWorkloadReplicas(obj client.Object, n int32) {
	switch o := obj.(type) {
	case *appsv1.Deployment:
		o.Spec.Replicas = &n
	case *appsv1.StatefulSet:
		o.Spec.Replicas = &n
	}
}

func workloadReplicas(obj client.Object) *int32 {
	switch o := obj.(type) {
	case *appsv1.Deployment:
		return o.Spec.Replicas
	case *appsv1.StatefulSet:
		return o.Spec.Replicas
	}
	return nil
}

// parseOriginal reads OriginalReplicasAnnotation. Unparseable or negative
// values are treated as absent.
func parseOriginal(annotations map[string]string) *int32 {
	v, ok := annotations[OriginalReplicasAnnotation]
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return nil
	}
	r := int32(n)
	return &r
}

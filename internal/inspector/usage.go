package inspector

import (
	"context"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Usage is the live resource consumption of a namespace as reported by metrics-server.
type Usage struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
	Pods   int    `json:"pods"`
}

// NamespaceUsage sums pod metrics for the namespace. A nil client yields
// (nil, nil) so callers can omit the field when metrics-server is absent.
func NamespaceUsage(ctx context.Context, mc metricsv.Interface, ns string) (*Usage, error) {
	if mc == nil {
		return nil, nil
	}
	pmList, err := mc.MetricsV1beta1().PodMetricses(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	var cpu, mem resource.Quantity
	for _, pm := range pmList.Items {
		for _, c := range pm.Containers {
			cpu.Add(*c.Usage.Cpu())
			mem.Add(*c.Usage.Memory())
		}
	}
	return &Usage{CPU: cpu.String(), Memory: mem.String(), Pods: len(pmList.Items)}, nil
}

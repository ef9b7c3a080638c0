package scaling

import "github.com/migalsp/kubex-lifecycle/internal/inspector"

type Phase string

const (
	PhaseEmpty        Phase = "Empty"
	PhaseScaledUp     Phase = "ScaledUp"
	PhaseScaledDown   Phase = "ScaledDown"
	PhasePartlyScaled Phase = "PartlyScaled"
)

// ComputePhase summarizes the replica state of a namespace's workloads.
func ComputePhase(resources []inspector.Resource) Phase {
	if len(resources) == 0 {
		return PhaseEmpty
	}

	zero := 0
	for _, r := range resources {
		if r.Replicas == 0 {
			zero++
		}
	}

	switch zero {
	case len(resources):
		return PhaseScaledDown
	case 0:
		return PhaseScaledUp
	default:
		return PhasePartlyScaled
	}
}

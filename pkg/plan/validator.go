package plan

import (
	"context"
	"fmt"
	"math"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// sizeTarget fixes the HPA target utilization and the CPU limit of a
// dynamic candidate from the slope analysis, restricted to the windows
// whose usage is at or above the candidate's CPU request baseline. A
// nil plan and a reason are returned when the candidate cannot scale
// within the responsiveness budget.
func sizeTarget(ctx context.Context, cfg config.Config, p workload.Plan, t *trace.Trace) (*workload.Plan, string) {
	logger := log.FromContext(ctx)

	var (
		slopes      []float64
		horizonCPUs []float64
	)
	for i := 0; i < t.Len(); i++ {
		if t.AvgCPUUsage[i] >= p.CPURequest {
			slopes = append(slopes, t.MaxUsageSlopeUp[i])
			horizonCPUs = append(horizonCPUs, t.MaxCPUInHorizon[i])
		}
	}
	if len(slopes) == 0 {
		reason := fmt.Sprintf(
			"Skip HPA Plan %s. No usage above CPU baseline requests:%.2f.",
			p.Method, p.CPURequest)
		logger.V(1).Info(reason)
		return nil, reason
	}

	maxSlope := trace.RoundTo(trace.Max(slopes), 2)
	if maxSlope > cfg.HPAScaleLimit {
		reason := fmt.Sprintf(
			"Skip HPA Plan %s. Slope ratio %v exceeds HPA scale limit %v.",
			p.Method, maxSlope, cfg.HPAScaleLimit)
		logger.V(1).Info(reason)
		return nil, reason
	}
	p.MaxUsageSlopeUpRatio = maxSlope

	minHeadroom := math.Inf(1)
	for _, s := range slopes {
		if h := (1 - cfg.HPATargetBuffer) / s; h < minHeadroom {
			minHeadroom = h
		}
	}
	p.HPATargetCPU = trace.RoundTo(minHeadroom, 2)
	if p.HPATargetCPU < cfg.MinHPATargetCPU || p.HPATargetCPU > cfg.MaxHPATargetCPU {
		reason := fmt.Sprintf(
			"Skip HPA Plan %s. Recommended Target CPU %v not between %v and %v.",
			p.Method, p.HPATargetCPU, cfg.MinHPATargetCPU, cfg.MaxHPATargetCPU)
		logger.V(1).Info(reason)
		return nil, reason
	}

	p.CPULimitOrUnbounded = math.Ceil(
		p.CPURequest + trace.Max(horizonCPUs)/float64(p.MaxReplicas))
	return &p, ""
}

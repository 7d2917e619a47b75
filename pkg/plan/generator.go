package plan

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Reasons maps a plan method (or the General key) to the reason it was
// skipped or could not be produced.
type Reasons map[string]string

// General keys trace-level conditions that preclude any plan.
const General = "general"

// minReplicasFloor returns the minimum replica count any dynamic plan
// may propose. Node autoscaling can briefly evict replicas below the
// desired count, so the floor is taken at the 10th percentile of the
// windows that observed at least one replica.
func minReplicasFloor(cfg config.Config, t *trace.Trace) int {
	positive := t.PositiveReplicas()
	if len(positive) == 0 {
		return cfg.MinRecReplicas
	}
	atP10 := int(math.Ceil(trace.Quantile(positive, 0.1)))
	if atP10 < cfg.MinRecReplicas {
		return cfg.MinRecReplicas
	}
	return atP10
}

// proposedMemoryMi sizes the per-replica memory request for a plan with
// the given replica count, bounded by the mean per-container usage and
// padded with the configured headroom.
func proposedMemoryMi(cfg config.Config, t *trace.Trace, replicas int) float64 {
	if replicas < cfg.MinRecReplicas {
		replicas = cfg.MinRecReplicas
	}
	perReplica := trace.Max(t.SumMemUsageMi) / float64(replicas)
	m := math.Min(perReplica, trace.Mean(t.AvgMemUsageMi))
	return math.Ceil(m * math.Max(cfg.ExtraHPABufferForMemoryRecommendation, 1))
}

// isWorkloadBalanced reports whether CPU usage spread across containers
// is narrow relative to the average. Diagnostic only; no generation
// decision depends on it.
func isWorkloadBalanced(t *trace.Trace) bool {
	avg := trace.Mean(t.AvgCPUUsage)
	if avg == 0 {
		return false
	}
	return (2*trace.Mean(t.StddevCPUUsage))/avg < 0.25
}

// dynamicCPURequest emits the DCR family: one candidate per integer
// percentile of per-container CPU usage, sharing a common minimum
// replica floor and memory sizing.
func dynamicCPURequest(ctx context.Context, cfg config.Config, maxCapacity float64, t *trace.Trace) []workload.Plan {
	logger := log.FromContext(ctx)

	minReplicas := minReplicasFloor(cfg, t)
	memRequestMi := proposedMemoryMi(cfg, t, minReplicas)

	type combo struct {
		cpu      float64
		min, max int
	}
	seen := map[combo]struct{}{}
	var plans []workload.Plan

	for p := cfg.MinDCRPercentileValue; p <= cfg.MaxDCRPercentileValue; p++ {
		cpu := math.Max(
			trace.RoundTo(trace.Percentile(t.AvgCPUUsage, float64(p)), cfg.MCPURounding),
			cfg.MinCPUCoreProposedValue,
		)
		maxReplicas := int(math.Ceil(maxCapacity / cpu))
		key := combo{cpu, minReplicas, maxReplicas}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		plans = append(plans, workload.Plan{
			Method:                fmt.Sprintf("DCR-%d", p),
			CPURequest:            cpu,
			MemRequestAndLimitsMi: memRequestMi,
			MinReplicas:           minReplicas,
			MaxReplicas:           maxReplicas,
		})
	}
	logger.V(1).Info("Generated Dynamic CPU Request (DCR) options", "count", len(plans))
	return plans
}

// dynamicMinReplicas emits the DMR family: the CPU request is pinned
// near mean usage and the minimum replica count sweeps upward until the
// floor alone covers peak usage.
func dynamicMinReplicas(ctx context.Context, cfg config.Config, maxCapacity float64, t *trace.Trace) []workload.Plan {
	logger := log.FromContext(ctx)

	scalingMethod := "mean"
	logger.V(1).Info("Workload balance diagnostic", "balanced", isWorkloadBalanced(t))

	baseline := trace.RoundTo(trace.Mean(t.AvgCPUUsage), cfg.MCPURounding)
	if baseline == 0 {
		logger.V(1).Info("Proposed CPU request is 0. No replicas can be recommended.")
		return nil
	}

	peakSumUsage := trace.Max(t.SumCPUUsage)

	type combo struct {
		cpu      float64
		min, max int
	}
	seen := map[combo]struct{}{}
	var plans []workload.Plan

	minReplicas := cfg.MinRecReplicas
	maxReplicas := int(math.Ceil(maxCapacity / baseline))

	for minReplicas < maxReplicas {
		cpu := math.Max(trace.RoundTo(baseline, 3), cfg.MinCPUCoreProposedValue)
		if float64(minReplicas)*cpu > peakSumUsage {
			break
		}
		maxReplicas = int(math.Ceil(maxCapacity / cpu))
		memRequestMi := proposedMemoryMi(cfg, t, maxReplicas)

		key := combo{cpu, minReplicas, maxReplicas}
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			plans = append(plans, workload.Plan{
				Method:                fmt.Sprintf("DMR_%s-loop_%d", scalingMethod, minReplicas),
				CPURequest:            cpu,
				MemRequestAndLimitsMi: math.Ceil(memRequestMi),
				MinReplicas:           minReplicas,
				MaxReplicas:           maxReplicas,
			})
		}
		minReplicas++
	}
	logger.V(1).Info("Generated Dynamic Minimum Replicas (DMR) options",
		"count", len(plans), "scalingMethod", scalingMethod)
	return plans
}

// vpaPlan is the static fallback: replicas held at the observed floor,
// request and limit sized from quantiles of aggregate usage.
func vpaPlan(cfg config.Config, t *trace.Trace) workload.Plan {
	replicas := minObservedReplicas(t)
	if replicas < cfg.MinRecReplicas {
		replicas = cfg.MinRecReplicas
	}
	r := float64(replicas)
	return workload.Plan{
		Method: "VPA",
		CPURequest: trace.RoundTo(
			(trace.Quantile(t.SumCPUUsage, 0.98)/r)*cfg.ExtraHPABufferForCPUUsageCapacity, 3),
		CPULimitOrUnbounded: math.Ceil(
			(trace.Max(t.SumCPUUsage) / r) * cfg.ExtraHPABufferForCPUUsageCapacity),
		MemRequestAndLimitsMi: math.Ceil(
			(trace.Max(t.SumMemUsageMi) / r) * cfg.ExtraVPABufferForMemoryRecommendation),
		MinReplicas:        replicas,
		MaxReplicas:        replicas,
		HPATargetCPU:       1.0,
		StartupLatencyRows: 1,
	}
}

func minObservedReplicas(t *trace.Trace) int {
	min := t.Replicas[0]
	for _, r := range t.Replicas[1:] {
		if r < min {
			min = r
		}
	}
	return min
}

// uniqueSorted dedupes candidates on the full configuration tuple and
// orders them for deterministic downstream processing.
func uniqueSorted(plans []workload.Plan) []workload.Plan {
	type key struct {
		cpu, mem float64
		min, max int
	}
	seen := map[key]struct{}{}
	unique := plans[:0:0]
	for _, p := range plans {
		k := key{p.CPURequest, p.MemRequestAndLimitsMi, p.MinReplicas, p.MaxReplicas}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, p)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		a, b := unique[i], unique[j]
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		if a.CPURequest != b.CPURequest {
			return a.CPURequest < b.CPURequest
		}
		if a.MemRequestAndLimitsMi != b.MemRequestAndLimitsMi {
			return a.MemRequestAndLimitsMi < b.MemRequestAndLimitsMi
		}
		return a.MaxReplicas < b.MaxReplicas
	})
	return unique
}

// Build enumerates every candidate plan for the trace: the DCR and DMR
// families validated and sized against the slope analysis, plus the VPA
// fallback. The returned reasons map records why individual candidates
// were skipped, or carries a General entry when no plan can be built at
// all.
func Build(ctx context.Context, cfg config.Config, t *trace.Trace, latencyRows int) ([]workload.Plan, Reasons, error) {
	logger := log.FromContext(ctx)
	reasons := Reasons{}

	if t == nil || t.Len() == 0 {
		reasons[General] = "Workload dataframe is empty."
		return nil, reasons, nil
	}

	capacity := maxCPUCapacity(ctx, cfg, t)
	if capacity == 0 {
		logger.V(1).Info("CPU Max Capacity is 0, exiting simulation plan")
		reasons[General] = "CPU Max Capacity is 0."
		return nil, reasons, nil
	}

	candidates := append(
		dynamicCPURequest(ctx, cfg, capacity, t),
		dynamicMinReplicas(ctx, cfg, capacity, t)...,
	)
	candidates = uniqueSorted(candidates)
	if len(candidates) == 0 {
		reasons[General] = "No valid recommendations generated."
		return nil, reasons, nil
	}

	if err := t.ComputeSlopeUp(latencyRows); err != nil {
		return nil, reasons, err
	}

	var plans []workload.Plan
	for _, candidate := range candidates {
		candidate.StartupLatencyRows = latencyRows
		sized, reason := sizeTarget(ctx, cfg, candidate, t)
		if sized == nil {
			reasons[candidate.Method] = reason
			continue
		}
		plans = append(plans, *sized)
	}
	plans = append(plans, vpaPlan(cfg, t))

	logger.V(1).Info("HPA simulation plan completed", "plans", len(plans))
	return plans, reasons, nil
}

package sim

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
)

// Analysis is the per-window forecast series produced by replaying the
// trace under one plan's scaling policy, in the trace's temporal order.
type Analysis struct {
	Method      string
	WindowBegin []time.Time

	// Observed columns, shared with the trace.
	Replicas        []int
	SumCPURequest   []float64
	SumCPUUsage     []float64
	SumMemRequestMi []float64
	SumMemUsageMi   []float64

	ForecastReplicas []int
	ForecastSumCPU   []float64
	ForecastSumMemMi []float64
	MetricValue      []float64
	DesiredReplicas  []int

	// Savings columns, filled by computeSavings.
	ForecastCPUSaving     []float64
	ForecastMemSavingMi   []float64
	AvgSavingInCPUs       []float64
	AvgSavingInCPUs1DMean []float64
	ForecastClash         []bool
}

func newAnalysis(method string, t *trace.Trace) *Analysis {
	n := t.Len()
	return &Analysis{
		Method:           method,
		WindowBegin:      t.WindowBegin,
		Replicas:         t.Replicas,
		SumCPURequest:    t.SumCPURequest,
		SumCPUUsage:      t.SumCPUUsage,
		SumMemRequestMi:  t.SumMemRequestMi,
		SumMemUsageMi:    t.SumMemUsageMi,
		ForecastReplicas: make([]int, n),
		ForecastSumCPU:   make([]float64, n),
		ForecastSumMemMi: make([]float64, n),
		MetricValue:      make([]float64, n),
		DesiredReplicas:  make([]int, n),
	}
}

// preValidate applies the structural plan gates that need no replay.
func preValidate(cfg config.Config, p workload.Plan) (bool, string) {
	if p.MaxUsageSlopeUpRatio > cfg.HPAScaleLimit {
		return false, fmt.Sprintf("max_usage_slope_up_ratio: %v exceeds HPA_SCALE_LIMIT %v",
			p.MaxUsageSlopeUpRatio, cfg.HPAScaleLimit)
	}
	if p.MinReplicas > p.MaxReplicas {
		return false, fmt.Sprintf("min replicas %d greater than max replicas %d",
			p.MinReplicas, p.MaxReplicas)
	}
	if p.HPATargetCPU < cfg.MinHPATargetCPU {
		return false, fmt.Sprintf("recommended_hpa_target_cpu %v is less than MIN_HPA_TARGET_CPU %v",
			p.HPATargetCPU, cfg.MinHPATargetCPU)
	}
	return true, ""
}

// startingReplicas sizes the fleet present before the first scaling
// reaction: peak aggregate usage over the first latency+1 windows
// divided by the per-replica request, clipped to the plan bounds.
func startingReplicas(t *trace.Trace, p workload.Plan) int {
	end := p.StartupLatencyRows + 1
	if end > t.Len() {
		end = t.Len()
	}
	maxCPU := trace.Max(t.SumCPUUsage[:end])
	return clip(int(math.Ceil(maxCPU/p.CPURequest)), p.MinReplicas, p.MaxReplicas)
}

func clip(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// replay runs the plan's scaling policy over the trace. Scale-ups act
// with a delay of the startup latency; scale-downs hold the maximum
// desired count over the stabilization window. It reports false with a
// message as soon as forecast capacity falls below observed usage
// beyond what the clash threshold tolerates.
func replay(ctx context.Context, cfg config.Config, p workload.Plan, t *trace.Trace, r0 int) (*Analysis, bool, string, error) {
	a := newAnalysis(p.Method, t)
	n := t.Len()

	if p.Method == "VPA" {
		for i := 0; i < n; i++ {
			a.ForecastReplicas[i] = p.MaxReplicas
			a.ForecastSumCPU[i] = float64(p.MaxReplicas) * p.CPURequest
			a.ForecastSumMemMi[i] = float64(p.MaxReplicas) * p.MemRequestAndLimitsMi
			a.DesiredReplicas[i] = p.MaxReplicas
		}
		return a, true, "", nil
	}

	latency := p.StartupLatencyRows
	steps := cfg.HPAScaleDownBehaviourSteps
	cpuClashes := 0

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, false, "", err
		}

		if i < latency {
			a.ForecastReplicas[i] = r0
		} else {
			j := i - latency
			scaleUp := a.DesiredReplicas[j]

			lookbackStart := j - steps
			if lookbackStart < 0 {
				lookbackStart = 0
			}
			scaleDown := p.MinReplicas
			if lookbackStart > 0 {
				lookbackEnd := lookbackStart + steps
				for _, d := range a.DesiredReplicas[lookbackStart:lookbackEnd] {
					if d > scaleDown {
						scaleDown = d
					}
				}
			}
			next := scaleUp
			if scaleDown > next {
				next = scaleDown
			}
			a.ForecastReplicas[i] = clip(next, p.MinReplicas, p.MaxReplicas)
		}

		a.ForecastSumCPU[i] = float64(a.ForecastReplicas[i]) * p.CPURequest
		a.ForecastSumMemMi[i] = float64(a.ForecastReplicas[i]) * p.MemRequestAndLimitsMi

		if a.ForecastSumCPU[i] < a.SumCPUUsage[i] {
			cpuClashes++
			if cpuClashes > cfg.CPUClashCountThreshold {
				msg := fmt.Sprintf(
					"Index: %d Clash exists recommendations forecast sum cpu: %.3f is < sum cpu usage: %.3f "+
						"This exceeds the CPU_CLASH_COUNT_THRESHOLD: %d",
					i, a.ForecastSumCPU[i], a.SumCPUUsage[i], cfg.CPUClashCountThreshold)
				return nil, false, msg, nil
			}
		}
		if a.ForecastSumMemMi[i] < a.SumMemUsageMi[i] {
			// The label says mem while the interpolated value is the CPU
			// forecast; kept for parity with the existing reporting.
			msg := fmt.Sprintf(
				"Index: %d Clash exists recommendations forecast sum mem: %.3f is < sum mem usage: %.3f",
				i, a.ForecastSumCPU[i], a.SumMemUsageMi[i])
			return nil, false, msg, nil
		}

		metric := 0.0
		if p.CPURequest > 0 {
			metric = trace.RoundTo(a.SumCPUUsage[i]/a.ForecastSumCPU[i], 2)
		}
		a.MetricValue[i] = metric

		if i < latency {
			a.DesiredReplicas[i] = r0
		} else {
			desired := int(math.Ceil(float64(a.ForecastReplicas[i]) * metric / p.HPATargetCPU))
			a.DesiredReplicas[i] = clip(desired, p.MinReplicas, p.MaxReplicas)
		}
	}
	return a, true, "", nil
}

package sim

import (
	"math"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
)

// computeSavings fills the savings columns of the analysis: the raw CPU
// and memory deltas against the currently requested capacity, their
// CPU-equivalent blend, the clash flags, and a 1-day rolling mean of
// the blended saving for display.
func computeSavings(cfg config.Config, a *Analysis) {
	n := len(a.WindowBegin)
	a.ForecastCPUSaving = make([]float64, n)
	a.ForecastMemSavingMi = make([]float64, n)
	a.AvgSavingInCPUs = make([]float64, n)
	a.ForecastClash = make([]bool, n)

	for i := 0; i < n; i++ {
		a.ForecastCPUSaving[i] = trace.RoundTo(a.SumCPURequest[i]-a.ForecastSumCPU[i], 3)
		a.ForecastMemSavingMi[i] = math.Ceil(a.SumMemRequestMi[i] - a.ForecastSumMemMi[i])
		a.AvgSavingInCPUs[i] = trace.RoundTo(
			a.ForecastCPUSaving[i]+(a.ForecastMemSavingMi[i]/1024)/cfg.CostOfGBInCPUs, 2)
		a.ForecastClash[i] = a.SumCPUUsage[i] > a.ForecastSumCPU[i] ||
			a.SumMemUsageMi[i] > a.ForecastSumMemMi[i]
	}

	a.AvgSavingInCPUs1DMean = rollingMeanByTime(a.WindowBegin, a.AvgSavingInCPUs, 24*time.Hour)
}

// rollingMeanByTime averages, for each point, every value whose
// timestamp lies in (t-window, t]. Timestamps must be ascending.
func rollingMeanByTime(times []time.Time, values []float64, window time.Duration) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	start := 0
	for i := range values {
		sum += values[i]
		cutoff := times[i].Add(-window)
		for !times[start].After(cutoff) {
			sum -= values[start]
			start++
		}
		out[i] = trace.RoundTo(sum/float64(i-start+1), 2)
	}
	return out
}

// Score is the plan's forecast saving: the mean CPU-equivalent saving
// across all analyzed windows.
func (a *Analysis) Score() float64 {
	return trace.Mean(a.AvgSavingInCPUs)
}

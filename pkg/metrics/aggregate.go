package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
)

const bytesPerMi = 1024 * 1024

// aggregateRows groups the per-pod samples by window and reduces them
// into one trace row per window: CPU mean/stddev plus the pod count as
// the replica count, memory max and mean, and the latest request values
// on every row. Memory values convert from bytes to MiB. Windows
// missing either metric are dropped.
func aggregateRows(cpuPoints, memPoints []point, cpuRequestCores, memRequestBytes float64) []trace.Row {
	cpuByWindow := map[time.Time][]float64{}
	for _, p := range cpuPoints {
		cpuByWindow[p.WindowBegin] = append(cpuByWindow[p.WindowBegin], p.Value)
	}
	memByWindow := map[time.Time][]float64{}
	for _, p := range memPoints {
		memByWindow[p.WindowBegin] = append(memByWindow[p.WindowBegin], p.Value)
	}

	rows := make([]trace.Row, 0, len(cpuByWindow))
	for window, cpu := range cpuByWindow {
		mem, ok := memByWindow[window]
		if !ok {
			continue
		}
		rows = append(rows, trace.Row{
			WindowBegin:     window,
			Replicas:        len(cpu),
			AvgCPUUsage:     trace.Mean(cpu),
			StddevCPUUsage:  sampleStddev(cpu),
			AvgCPURequest:   cpuRequestCores,
			AvgMemUsageMi:   trace.Mean(mem) / bytesPerMi,
			MaxMemUsageMi:   trace.Max(mem) / bytesPerMi,
			AvgMemRequestMi: memRequestBytes / bytesPerMi,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].WindowBegin.Before(rows[j].WindowBegin)
	})
	return rows
}

// sampleStddev is the n-1 standard deviation; 0 for a single sample.
func sampleStddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := trace.Mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

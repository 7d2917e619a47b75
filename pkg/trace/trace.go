package trace

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Row is one uniform usage window of a workload, as produced by the
// telemetry fetcher. Memory values are MiB, CPU values cores.
type Row struct {
	WindowBegin       time.Time
	Replicas          int
	AvgCPUUsage       float64
	StddevCPUUsage    float64
	AvgCPURequest     float64
	AvgMemUsageMi     float64
	MaxMemUsageMi     float64
	AvgMemRequestMi   float64
}

// Trace is the canonical column-oriented usage history of a workload,
// ordered ascending by window begin. The Sum* columns are derived from
// the per-container averages and the replica count. The horizon and
// slope columns are populated by ComputeSlopeUp and are zero-length
// until then. Once simulation starts, a Trace is shared read-only
// across workers.
type Trace struct {
	WindowBegin     []time.Time
	Replicas        []int
	AvgCPUUsage     []float64
	StddevCPUUsage  []float64
	AvgCPURequest   []float64
	AvgMemUsageMi   []float64
	MaxMemUsageMi   []float64
	AvgMemRequestMi []float64

	SumCPURequest   []float64
	SumCPUUsage     []float64
	SumMemRequestMi []float64
	SumMemUsageMi   []float64

	MaxCPUInHorizon   []float64
	MaxMemMiInHorizon []float64
	MaxUsageSlopeUp   []float64
}

// ErrEmptyTrace is returned when a trace has no rows to analyze.
var ErrEmptyTrace = errors.New("Workload dataframe is empty")

// Normalize converts raw rows into a Trace: rows are sorted ascending
// by window begin, non-finite standard deviations become 0, missing
// request values default to 0, and the aggregate sum columns are
// derived. Required usage columns must be finite.
func Normalize(rows []Row) (*Trace, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyTrace
	}

	ordered := make([]Row, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].WindowBegin.Before(ordered[j].WindowBegin)
	})

	t := &Trace{
		WindowBegin:     make([]time.Time, len(ordered)),
		Replicas:        make([]int, len(ordered)),
		AvgCPUUsage:     make([]float64, len(ordered)),
		StddevCPUUsage:  make([]float64, len(ordered)),
		AvgCPURequest:   make([]float64, len(ordered)),
		AvgMemUsageMi:   make([]float64, len(ordered)),
		MaxMemUsageMi:   make([]float64, len(ordered)),
		AvgMemRequestMi: make([]float64, len(ordered)),
		SumCPURequest:   make([]float64, len(ordered)),
		SumCPUUsage:     make([]float64, len(ordered)),
		SumMemRequestMi: make([]float64, len(ordered)),
		SumMemUsageMi:   make([]float64, len(ordered)),
	}

	for i, r := range ordered {
		if !isFinite(r.AvgCPUUsage) || !isFinite(r.AvgMemUsageMi) || !isFinite(r.MaxMemUsageMi) {
			return nil, fmt.Errorf("row %d (%s): required usage column is missing or non-finite",
				i, r.WindowBegin.Format(time.RFC3339))
		}
		if r.Replicas < 0 {
			return nil, fmt.Errorf("row %d (%s): negative replica count %d",
				i, r.WindowBegin.Format(time.RFC3339), r.Replicas)
		}
		if !isFinite(r.StddevCPUUsage) {
			r.StddevCPUUsage = 0
		}
		if !isFinite(r.AvgCPURequest) {
			r.AvgCPURequest = 0
		}
		if !isFinite(r.AvgMemRequestMi) {
			r.AvgMemRequestMi = 0
		}

		replicas := float64(r.Replicas)
		t.WindowBegin[i] = r.WindowBegin
		t.Replicas[i] = r.Replicas
		t.AvgCPUUsage[i] = r.AvgCPUUsage
		t.StddevCPUUsage[i] = r.StddevCPUUsage
		t.AvgCPURequest[i] = r.AvgCPURequest
		t.AvgMemUsageMi[i] = r.AvgMemUsageMi
		t.MaxMemUsageMi[i] = r.MaxMemUsageMi
		t.AvgMemRequestMi[i] = r.AvgMemRequestMi
		t.SumCPURequest[i] = r.AvgCPURequest * replicas
		t.SumCPUUsage[i] = r.AvgCPUUsage * replicas
		t.SumMemRequestMi[i] = r.AvgMemRequestMi * replicas
		t.SumMemUsageMi[i] = r.MaxMemUsageMi * replicas
	}
	return t, nil
}

// Rows converts the trace back to raw rows. Normalize(t.Rows()) yields
// a trace equal to t.
func (t *Trace) Rows() []Row {
	rows := make([]Row, t.Len())
	for i := range rows {
		rows[i] = Row{
			WindowBegin:     t.WindowBegin[i],
			Replicas:        t.Replicas[i],
			AvgCPUUsage:     t.AvgCPUUsage[i],
			StddevCPUUsage:  t.StddevCPUUsage[i],
			AvgCPURequest:   t.AvgCPURequest[i],
			AvgMemUsageMi:   t.AvgMemUsageMi[i],
			MaxMemUsageMi:   t.MaxMemUsageMi[i],
			AvgMemRequestMi: t.AvgMemRequestMi[i],
		}
	}
	return rows
}

// Len is the number of windows.
func (t *Trace) Len() int {
	return len(t.WindowBegin)
}

// PositiveReplicas returns the replica counts of windows that observed
// at least one replica.
func (t *Trace) PositiveReplicas() []float64 {
	out := make([]float64, 0, len(t.Replicas))
	for _, r := range t.Replicas {
		if r > 0 {
			out = append(out, float64(r))
		}
	}
	return out
}

// ComputeSlopeUp fills the forward-horizon maxima and the slope-up
// ratio for every window. The horizon of window i is [i, i+latencyRows),
// truncated at the end of the trace. A zero denominator yields a zero
// ratio.
func (t *Trace) ComputeSlopeUp(latencyRows int) error {
	if latencyRows <= 0 {
		return fmt.Errorf("workload e2e startup latency rows must be greater than 0, got %d", latencyRows)
	}
	n := t.Len()
	t.MaxCPUInHorizon = forwardRollingMax(t.AvgCPUUsage, latencyRows)
	t.MaxMemMiInHorizon = forwardRollingMax(t.MaxMemUsageMi, latencyRows)
	t.MaxUsageSlopeUp = make([]float64, n)
	for i := 0; i < n; i++ {
		cpuRatio := safeRatio(t.MaxCPUInHorizon[i], t.AvgCPUUsage[i])
		memRatio := safeRatio(t.MaxMemMiInHorizon[i], t.MaxMemUsageMi[i])
		t.MaxUsageSlopeUp[i] = math.Max(cpuRatio, memRatio)
	}
	return nil
}

func forwardRollingMax(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		end := i + window
		if end > len(values) {
			end = len(values)
		}
		out[i] = Max(values[i:end])
	}
	return out
}

func safeRatio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

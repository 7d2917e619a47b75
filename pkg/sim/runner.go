package sim

import (
	"context"
	"math"
	"runtime"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/plan"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Result pairs a plan's recommendation with its analysis series. The
// analysis is nil when the plan was rejected.
type Result struct {
	Recommendation workload.Recommendation
	Analysis       *Analysis
}

// processPlan validates one plan, replays the trace under it and
// attaches the savings aggregates. Plans are independent; the trace is
// shared read-only.
func processPlan(ctx context.Context, cfg config.Config, p workload.Plan,
	id workload.Identity, budget workload.StartupBudget, t *trace.Trace) (Result, error) {

	logger := log.FromContext(ctx)
	logger.V(1).Info("Processing plan", "method", p.Method, "workload", id.String())

	rec := workload.Recommendation{
		Identity:      id,
		StartupBudget: budget,
		Plan:          p,
	}

	valid, msg := preValidate(cfg, p)
	rec.Valid, rec.ValidationMsg = valid, msg
	if !valid {
		logger.V(1).Info("Invalid plan", "method", p.Method, "reason", msg)
		return Result{Recommendation: rec}, nil
	}

	r0 := startingReplicas(t, p)
	rec.AddLog("Starting replicas: %d", r0)

	a, ok, msg, err := replay(ctx, cfg, p, t, r0)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		rec.Valid, rec.ValidationMsg = false, msg
		logger.V(1).Info("Invalid plan", "method", p.Method, "reason", msg)
		return Result{Recommendation: rec}, nil
	}

	computeSavings(cfg, a)
	rec.ForecastCPUSaving = trace.RoundTo(trace.Mean(a.ForecastCPUSaving), 3)
	rec.ForecastMemSavingMi = math.Ceil(trace.Mean(a.ForecastMemSavingMi))
	rec.ScaleUpBehaviourToXTimes = trace.Max(a.MetricValue)
	rec.AnalysisPeriodStart = a.WindowBegin[0]
	rec.AnalysisPeriodEnd = a.WindowBegin[len(a.WindowBegin)-1]
	rec.ObservedMinReplicas = minInt(a.Replicas)
	rec.ObservedMaxReplicas = maxInt(a.Replicas)

	return Result{Recommendation: rec, Analysis: a}, nil
}

// Run simulates every plan concurrently and selects the valid one with
// the highest mean CPU-equivalent saving. Selection is deterministic:
// plans are scanned in their given (sorted) order and only a strictly
// higher score displaces the incumbent. Rejected plans are recorded in
// the reasons map keyed by method. Cancellation aborts the fan-out and
// discards partial results.
func Run(ctx context.Context, cfg config.Config, plans []workload.Plan,
	id workload.Identity, budget workload.StartupBudget, t *trace.Trace,
) (*Analysis, *workload.Recommendation, plan.Reasons, []*Analysis, error) {

	logger := log.FromContext(ctx)
	reasons := plan.Reasons{}

	results := make([]Result, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range plans {
		i := i
		g.Go(func() error {
			r, err := processPlan(gctx, cfg, plans[i], id, budget, t)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, nil, err
	}

	var (
		best      *Analysis
		bestRec   *workload.Recommendation
		bestScore = math.Inf(-1)
		all       []*Analysis
	)
	for i := range results {
		r := &results[i]
		if r.Analysis == nil {
			reasons[r.Recommendation.Plan.Method] = r.Recommendation.ValidationMsg
			continue
		}
		all = append(all, r.Analysis)
		if score := r.Analysis.Score(); score > bestScore {
			bestScore = score
			best = r.Analysis
			bestRec = &r.Recommendation
		}
	}

	if bestRec == nil {
		logger.V(1).Info("No valid analysis data found", "workload", id.String())
		return nil, nil, reasons, all, nil
	}
	logger.V(1).Info("Best plan selected",
		"method", bestRec.Plan.Method, "avgSaving", bestScore, "workload", id.String())
	return best, bestRec, reasons, all, nil
}

func minInt(xs []int) int {
	min := xs[0]
	for _, x := range xs[1:] {
		if x < min {
			min = x
		}
	}
	return min
}

func maxInt(xs []int) int {
	max := xs[0]
	for _, x := range xs[1:] {
		if x > max {
			max = x
		}
	}
	return max
}

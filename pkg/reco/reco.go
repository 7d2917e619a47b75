package reco

import (
	"context"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/plan"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/sim"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	p8smetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	getRecoGenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "get_reco_generation_latency_seconds",
			Help:    "Time to generate recommendation in seconds",
			Buckets: append(prometheus.DefBuckets, 15, 20, 50, 100),
		}, []string{"namespace", "workload", "container"},
	)

	simulationPlansGenerated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "simulation_plans_generated",
			Help: "Number of candidate plans generated for a workload"},
		[]string{"namespace", "workload"},
	)

	simulationPlansRejected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "simulation_plans_rejected",
			Help: "Number of candidate plans rejected during validation or simulation"},
		[]string{"namespace", "workload"},
	)
)

func init() {
	p8smetrics.Registry.MustRegister(
		getRecoGenerationLatency, simulationPlansGenerated, simulationPlansRejected)
}

// Recommender produces an autoscaling recommendation for a workload
// from its usage trace.
type Recommender interface {
	Recommend(ctx context.Context, id workload.Identity, t *trace.Trace,
		budget workload.StartupBudget) (*workload.Recommendation, []*sim.Analysis, plan.Reasons, error)
}

// TraceBasedRecommender drives the full pipeline: plan generation,
// target sizing, concurrent simulation and savings-based selection.
type TraceBasedRecommender struct {
	cfg    config.Config
	logger logr.Logger
}

// NewTraceBasedRecommender builds a recommender bound to one immutable
// configuration.
func NewTraceBasedRecommender(cfg config.Config, logger logr.Logger) *TraceBasedRecommender {
	return &TraceBasedRecommender{cfg: cfg, logger: logger}
}

// BuildPlans enumerates the candidate plans for the trace (spec API 2).
func (r *TraceBasedRecommender) BuildPlans(ctx context.Context, id workload.Identity,
	t *trace.Trace, budget workload.StartupBudget) ([]workload.Plan, plan.Reasons, error) {

	latencyRows, err := budget.LatencyRows(r.cfg.DistanceBetweenPointsSeconds)
	if err != nil {
		return nil, nil, err
	}
	r.logger.V(1).Info("Starting HPA simulation plan",
		"workload", id.String(), "latencyRows", latencyRows)
	plans, reasons, err := plan.Build(ctx, r.cfg, t, latencyRows)
	if err != nil {
		return nil, nil, err
	}
	simulationPlansGenerated.WithLabelValues(id.Namespace, id.ControllerName).Set(float64(len(plans)))
	return plans, reasons, nil
}

// RunSimulations replays the trace under every plan and selects the
// best one by forecast savings (spec API 3).
func (r *TraceBasedRecommender) RunSimulations(ctx context.Context, plans []workload.Plan,
	id workload.Identity, t *trace.Trace, budget workload.StartupBudget,
) (*sim.Analysis, *workload.Recommendation, plan.Reasons, []*sim.Analysis, error) {

	best, bestRec, reasons, all, err := sim.Run(ctx, r.cfg, plans, id, budget, t)
	if err != nil {
		if ctx.Err() != nil {
			// A timeout or cancellation surfaces as a single reason.
			return nil, nil, plan.Reasons{plan.General: ctx.Err().Error()}, nil, err
		}
		return nil, nil, nil, nil, err
	}
	simulationPlansRejected.WithLabelValues(id.Namespace, id.ControllerName).Set(float64(len(reasons)))
	return best, bestRec, reasons, all, nil
}

// Recommend runs the whole pipeline end to end (spec API 1).
func (r *TraceBasedRecommender) Recommend(ctx context.Context, id workload.Identity,
	t *trace.Trace, budget workload.StartupBudget,
) (*workload.Recommendation, []*sim.Analysis, plan.Reasons, error) {

	start := time.Now()
	defer func() {
		getRecoGenerationLatency.
			WithLabelValues(id.Namespace, id.ControllerName, id.ContainerName).
			Observe(time.Since(start).Seconds())
	}()

	plans, reasons, err := r.BuildPlans(ctx, id, t, budget)
	if err != nil {
		r.logger.Error(err, "Error while building simulation plans", "workload", id.String())
		return nil, nil, nil, err
	}
	if len(plans) == 0 {
		r.logger.V(1).Info("No plans exist for workload", "workload", id.String())
		return nil, nil, reasons, nil
	}

	_, bestRec, simReasons, all, err := r.RunSimulations(ctx, plans, id, t, budget)
	if err != nil {
		r.logger.Error(err, "Error while running simulations", "workload", id.String())
		return nil, nil, simReasons, err
	}
	for method, reason := range simReasons {
		reasons[method] = reason
	}
	return bestRec, all, reasons, nil
}

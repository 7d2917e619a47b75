package reco

import (
	"context"
	"errors"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/plan"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/sim"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// RecommendationWorkflow runs a recommender for a workload and returns
// the selected recommendation, the per-plan analyses and the rejection
// reasons.
type RecommendationWorkflow interface {
	Execute(ctx context.Context, id workload.Identity, t *trace.Trace,
		budget workload.StartupBudget) (*workload.Recommendation, []*sim.Analysis, plan.Reasons, error)
}

type RecommendationWorkflowImpl struct {
	recommender Recommender
	logger      logr.Logger
}

type RecoWorkflowBuilder RecommendationWorkflowImpl

func (b *RecoWorkflowBuilder) WithRecommender(r Recommender) *RecoWorkflowBuilder {
	if b.recommender == nil {
		b.recommender = r
	}
	return b
}

func (b *RecoWorkflowBuilder) WithLogger(logger logr.Logger) *RecoWorkflowBuilder {
	var zeroValLogger logr.Logger
	if b.logger == zeroValLogger {
		b.logger = logger
	}
	return b
}

func (b *RecoWorkflowBuilder) Build() (RecommendationWorkflow, error) {
	var zeroValLogger logr.Logger
	if b.logger == zeroValLogger {
		b.logger = zap.New()
	}
	if b.recommender == nil {
		return nil, errors.New("No recommenders configured in the workflow.")
	}
	return &RecommendationWorkflowImpl{
		recommender: b.recommender,
		logger:      b.logger,
	}, nil
}

func NewRecommendationWorkflowBuilder() *RecoWorkflowBuilder {
	return &RecoWorkflowBuilder{}
}

func (rw *RecommendationWorkflowImpl) Execute(ctx context.Context, id workload.Identity,
	t *trace.Trace, budget workload.StartupBudget,
) (*workload.Recommendation, []*sim.Analysis, plan.Reasons, error) {

	ctx = log.IntoContext(ctx, rw.logger)
	rw.logger.V(0).Info("Executing recommendation workflow", "workload", id.String())

	rec, analyses, reasons, err := rw.recommender.Recommend(ctx, id, t, budget)
	if err != nil {
		rw.logger.Error(err, "Error while generating recommendation", "workload", id.String())
		return nil, nil, reasons, err
	}
	if rec == nil {
		rw.logger.V(0).Info("No valid recommendation for workload",
			"workload", id.String(), "reasons", reasons)
	}
	return rec, analyses, reasons, nil
}

// MockRecommender returns a fixed recommendation; test scaffolding for
// workflow consumers.
type MockRecommender struct {
	Recommendation *workload.Recommendation
}

func (m *MockRecommender) Recommend(ctx context.Context, id workload.Identity, t *trace.Trace,
	budget workload.StartupBudget) (*workload.Recommendation, []*sim.Analysis, plan.Reasons, error) {
	return m.Recommendation, nil, plan.Reasons{}, nil
}

package reco

import (
	"context"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/plan"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var base = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

var testIdentity = workload.NewIdentity(
	"my-project", "us-central1", "prod-cluster", "shop", "checkout", "app")

var testBudget = workload.StartupBudget{
	ScheduledToReadySeconds:         60,
	HPAProcessingSeconds:            45,
	ClusterAutoscalerStartupSeconds: 75,
}

func steadyTrace() *trace.Trace {
	rows := make([]trace.Row, 6)
	for i := range rows {
		rows[i] = trace.Row{
			WindowBegin:     base.Add(time.Duration(i) * time.Minute),
			Replicas:        10,
			AvgCPUUsage:     0.1,
			AvgCPURequest:   0.2,
			AvgMemUsageMi:   100,
			MaxMemUsageMi:   100,
			AvgMemRequestMi: 256,
		}
	}
	t, err := trace.Normalize(rows)
	Expect(err).NotTo(HaveOccurred())
	return t
}

var _ = Describe("TraceBasedRecommender", func() {
	cfg := config.Default()
	ctx := context.Background()
	logger := zap.New()

	It("recommends the best valid plan end to end", func() {
		r := NewTraceBasedRecommender(cfg, logger)
		rec, analyses, reasons, err := r.Recommend(ctx, testIdentity, steadyTrace(), testBudget)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec).NotTo(BeNil())
		Expect(rec.Valid).To(BeTrue())
		Expect(rec.Plan.Method).To(Equal("DCR-10"))
		Expect(rec.Plan.CPURequest).To(BeNumerically("~", 0.1, 1e-9))
		Expect(rec.Plan.MemRequestAndLimitsMi).To(Equal(105.0))
		Expect(rec.Plan.MinReplicas).To(Equal(10))
		Expect(rec.Plan.MaxReplicas).To(Equal(20))
		Expect(rec.Plan.HPATargetCPU).To(BeNumerically("~", 0.9, 1e-9))
		Expect(rec.ForecastCPUSaving).To(BeNumerically("~", 1.0, 1e-9))
		Expect(rec.ForecastMemSavingMi).To(Equal(1510.0))
		Expect(analyses).To(HaveLen(2))
		Expect(reasons).NotTo(BeEmpty())
	})

	It("produces byte-identical output on re-run", func() {
		r := NewTraceBasedRecommender(cfg, logger)
		first, _, _, err := r.Recommend(ctx, testIdentity, steadyTrace(), testBudget)
		Expect(err).NotTo(HaveOccurred())
		second, _, _, err := r.Recommend(ctx, testIdentity, steadyTrace(), testBudget)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.ToJSON()).To(Equal(first.ToJSON()))
	})

	It("returns the general reason for an empty trace", func() {
		r := NewTraceBasedRecommender(cfg, logger)
		rec, _, reasons, err := r.Recommend(ctx, testIdentity, &trace.Trace{}, testBudget)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec).To(BeNil())
		Expect(reasons).To(HaveKeyWithValue(plan.General, "Workload dataframe is empty."))
	})

	It("rejects an invalid window width at construction", func() {
		_, err := config.WithOverrides(map[string]interface{}{
			"DISTANCE_BETWEEN_POINTS_SECONDS": 0,
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a zero startup budget", func() {
		// A zero budget collapses the latency horizon to zero rows.
		r := NewTraceBasedRecommender(cfg, logger)
		_, _, _, err := r.Recommend(ctx, testIdentity, steadyTrace(), workload.StartupBudget{})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RecommendationWorkflow", func() {
	logger := zap.New()

	It("requires a recommender", func() {
		_, err := NewRecommendationWorkflowBuilder().WithLogger(logger).Build()
		Expect(err).To(HaveOccurred())
	})

	It("delegates to the configured recommender", func() {
		want := &workload.Recommendation{Valid: true}
		wf, err := NewRecommendationWorkflowBuilder().
			WithRecommender(&MockRecommender{Recommendation: want}).
			WithLogger(logger).
			Build()
		Expect(err).NotTo(HaveOccurred())
		got, _, _, err := wf.Execute(context.Background(), testIdentity, steadyTrace(), testBudget)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(want))
	})
})

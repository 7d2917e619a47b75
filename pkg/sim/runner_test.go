package sim

import (
	"context"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/plan"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var base = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

var testIdentity = workload.NewIdentity(
	"my-project", "us-central1", "prod-cluster", "shop", "checkout", "app")

var testBudget = workload.StartupBudget{
	ScheduledToReadySeconds:         60,
	HPAProcessingSeconds:            45,
	ClusterAutoscalerStartupSeconds: 75,
}

// steadyTrace matches the plan generator fixture: ten replicas at a
// flat 0.1 cores and 100 MiB, requesting 0.2 cores and 256 MiB.
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

func steadyPlans(cfg config.Config, t *trace.Trace) []workload.Plan {
	plans, _, err := plan.Build(context.Background(), cfg, t, 3)
	Expect(err).NotTo(HaveOccurred())
	return plans
}

var _ = Describe("Run", func() {
	cfg := config.Default()
	ctx := context.Background()

	It("selects the plan with the highest mean CPU-equivalent saving", func() {
		t := steadyTrace()
		plans := steadyPlans(cfg, t)

		best, bestRec, reasons, all, err := Run(ctx, cfg, plans, testIdentity, testBudget, t)
		Expect(err).NotTo(HaveOccurred())
		Expect(bestRec).NotTo(BeNil())
		Expect(bestRec.Plan.Method).To(Equal("DCR-10"))
		Expect(bestRec.Valid).To(BeTrue())
		Expect(best.Score()).To(BeNumerically("~", 1.2, 1e-9))

		// DCR-10 and VPA survive; the DMR sweep under-provisions memory.
		Expect(all).To(HaveLen(2))
		Expect(reasons).To(HaveLen(len(plans) - 2))
		for method, reason := range reasons {
			Expect(method).To(HavePrefix("DMR_mean-loop_"))
			Expect(reason).To(ContainSubstring("forecast sum mem"))
		}
	})

	It("attaches the savings aggregates and the analysis window to the recommendation", func() {
		t := steadyTrace()
		plans := steadyPlans(cfg, t)

		_, bestRec, _, _, err := Run(ctx, cfg, plans, testIdentity, testBudget, t)
		Expect(err).NotTo(HaveOccurred())
		Expect(bestRec.ForecastCPUSaving).To(BeNumerically("~", 1.0, 1e-9))
		Expect(bestRec.ForecastMemSavingMi).To(Equal(1510.0))
		Expect(bestRec.ScaleUpBehaviourToXTimes).To(BeNumerically("~", 1.0, 1e-9))
		Expect(bestRec.AnalysisPeriodStart).To(Equal(base))
		Expect(bestRec.AnalysisPeriodEnd).To(Equal(base.Add(5 * time.Minute)))
		Expect(bestRec.ObservedMinReplicas).To(Equal(10))
		Expect(bestRec.ObservedMaxReplicas).To(Equal(10))
	})

	It("is deterministic across runs", func() {
		t := steadyTrace()
		plans := steadyPlans(cfg, t)

		_, first, _, _, err := Run(ctx, cfg, plans, testIdentity, testBudget, t)
		Expect(err).NotTo(HaveOccurred())
		_, second, _, _, err := Run(ctx, cfg, plans, testIdentity, testBudget, t)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.ToJSON()).To(Equal(first.ToJSON()))
	})

	It("keeps the first of equally scoring plans in sorted order", func() {
		t := steadyTrace()
		Expect(t.ComputeSlopeUp(3)).To(Succeed())
		twin := func(method string) workload.Plan {
			return workload.Plan{
				Method: method, CPURequest: 0.1, MemRequestAndLimitsMi: 106,
				MinReplicas: 10, MaxReplicas: 20, HPATargetCPU: 0.9,
				MaxUsageSlopeUpRatio: 1.0, StartupLatencyRows: 3,
			}
		}
		_, bestRec, _, _, err := Run(ctx, cfg,
			[]workload.Plan{twin("DCR-10"), twin("DCR-11")},
			testIdentity, testBudget, t)
		Expect(err).NotTo(HaveOccurred())
		Expect(bestRec.Plan.Method).To(Equal("DCR-10"))
	})

	It("aborts the fan-out on cancellation", func() {
		t := steadyTrace()
		plans := steadyPlans(cfg, t)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, _, _, _, err := Run(cancelled, cfg, plans, testIdentity, testBudget, t)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("replay", func() {
	cfg := config.Default()
	ctx := context.Background()

	It("holds the VPA forecast constant at max replicas", func() {
		t := steadyTrace()
		vpa := workload.Plan{
			Method: "VPA", CPURequest: 0.105, MemRequestAndLimitsMi: 106,
			MinReplicas: 10, MaxReplicas: 10, HPATargetCPU: 1.0, StartupLatencyRows: 1,
		}
		a, ok, msg, err := replay(ctx, cfg, vpa, t, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue(), msg)
		for i := 0; i < t.Len(); i++ {
			Expect(a.ForecastReplicas[i]).To(Equal(10))
			Expect(a.ForecastSumCPU[i]).To(BeNumerically("~", 1.05, 1e-9))
			Expect(a.ForecastSumMemMi[i]).To(BeNumerically("~", 1060, 1e-9))
			Expect(a.DesiredReplicas[i]).To(Equal(10))
		}
	})

	It("rejects a plan on the first memory breach", func() {
		t := steadyTrace()
		p := workload.Plan{
			Method: "DMR_mean-loop_3", CPURequest: 0.1, MemRequestAndLimitsMi: 53,
			MinReplicas: 3, MaxReplicas: 20, HPATargetCPU: 0.9, StartupLatencyRows: 3,
		}
		_, ok, msg, err := replay(ctx, cfg, p, t, startingReplicas(t, p))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
		Expect(msg).To(ContainSubstring("forecast sum mem"))
		Expect(msg).To(ContainSubstring("Index: 0"))
	})

	It("counts CPU clashes against the configured threshold", func() {
		t := steadyTrace()
		p := workload.Plan{
			Method: "DCR-1", CPURequest: 0.05, MemRequestAndLimitsMi: 200,
			MinReplicas: 3, MaxReplicas: 10, HPATargetCPU: 0.9, StartupLatencyRows: 1,
		}
		// 10 replicas at 0.05 cores forecast 0.5 against 1.0 used.
		_, ok, msg, err := replay(ctx, cfg, p, t, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
		Expect(msg).To(ContainSubstring("CPU_CLASH_COUNT_THRESHOLD"))

		tolerant, err2 := config.WithOverrides(map[string]interface{}{
			"CPU_CLASH_COUNT_THRESHOLD": 100,
		})
		Expect(err2).NotTo(HaveOccurred())
		_, ok, _, err = replay(ctx, tolerant, p, t, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("never leaves a valid forecast below observed usage at the default threshold", func() {
		t := steadyTrace()
		plans := steadyPlans(config.Default(), t)
		for _, p := range plans {
			a, ok, _, err := replay(ctx, cfg, p, t, startingReplicas(t, p))
			Expect(err).NotTo(HaveOccurred())
			if !ok {
				continue
			}
			for i := 0; i < t.Len(); i++ {
				Expect(a.ForecastSumCPU[i]).To(BeNumerically(">=", t.SumCPUUsage[i]), p.Method)
				Expect(a.ForecastSumMemMi[i]).To(BeNumerically(">=", t.SumMemUsageMi[i]), p.Method)
			}
		}
	})
})

var _ = Describe("startingReplicas", func() {
	It("sizes the initial fleet from peak usage over the startup horizon", func() {
		t := steadyTrace()
		p := workload.Plan{CPURequest: 0.1, MinReplicas: 3, MaxReplicas: 20, StartupLatencyRows: 3}
		Expect(startingReplicas(t, p)).To(Equal(10))
	})

	It("clips to the plan bounds", func() {
		t := steadyTrace()
		p := workload.Plan{CPURequest: 0.01, MinReplicas: 3, MaxReplicas: 20, StartupLatencyRows: 3}
		Expect(startingReplicas(t, p)).To(Equal(20))
		p = workload.Plan{CPURequest: 10, MinReplicas: 3, MaxReplicas: 20, StartupLatencyRows: 3}
		Expect(startingReplicas(t, p)).To(Equal(3))
	})
})

var _ = Describe("savings", func() {
	cfg := config.Default()

	It("lowering the CPU request never lowers the savings score", func() {
		t := steadyTrace()
		ctx := context.Background()
		mk := func(cpu float64) workload.Plan {
			return workload.Plan{
				Method: "DCR-10", CPURequest: cpu, MemRequestAndLimitsMi: 106,
				MinReplicas: 10, MaxReplicas: 20, HPATargetCPU: 0.9,
				StartupLatencyRows: 3,
			}
		}
		higher, ok, _, err := replay(ctx, cfg, mk(0.15), t, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		computeSavings(cfg, higher)

		lower, ok, _, err := replay(ctx, cfg, mk(0.1), t, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		computeSavings(cfg, lower)

		Expect(lower.Score()).To(BeNumerically(">=", higher.Score()))
	})

	It("rolls the blended saving over a one-day window", func() {
		times := []time.Time{base, base.Add(12 * time.Hour), base.Add(24 * time.Hour)}
		values := []float64{1, 2, 3}
		Expect(rollingMeanByTime(times, values, 24*time.Hour)).To(Equal([]float64{1, 1.5, 2.5}))
	})

	It("flags clash windows", func() {
		t := steadyTrace()
		a := newAnalysis("DCR-10", t)
		for i := range a.ForecastSumCPU {
			a.ForecastSumCPU[i] = 0.5 // below the 1.0 used
			a.ForecastSumMemMi[i] = 2000
		}
		computeSavings(cfg, a)
		for i := range a.ForecastClash {
			Expect(a.ForecastClash[i]).To(BeTrue())
		}
	})
})

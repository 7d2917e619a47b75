package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var base = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// steadyTrace is six windows of a ten-replica workload at a flat 0.1
// cores and 100 MiB per container, requesting 0.2 cores and 256 MiB.
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

func rampTrace(avgCPU []float64, cpuRequest float64) *trace.Trace {
	rows := make([]trace.Row, len(avgCPU))
	for i := range rows {
		rows[i] = trace.Row{
			WindowBegin:     base.Add(time.Duration(i) * time.Minute),
			Replicas:        5,
			AvgCPUUsage:     avgCPU[i],
			AvgCPURequest:   cpuRequest,
			AvgMemUsageMi:   50,
			MaxMemUsageMi:   50,
			AvgMemRequestMi: 64,
		}
	}
	t, err := trace.Normalize(rows)
	Expect(err).NotTo(HaveOccurred())
	return t
}

var _ = Describe("capacity estimation", func() {
	cfg := config.Default()

	It("flags under-provisioning only when the request sits below the usage percentile", func() {
		ramp := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}
		// q90 of the ramp interpolates to 0.91.
		Expect(isCPUUnderProvisioned(cfg, rampTrace(ramp, 0.9))).To(BeTrue())
		Expect(isCPUUnderProvisioned(cfg, rampTrace(ramp, 0.92))).To(BeFalse())
	})

	It("sizes capacity from the peak aggregate request when provisioned", func() {
		got := maxCPUCapacity(context.Background(), cfg, steadyTrace())
		Expect(got).To(BeNumerically("~", 2.0, 1e-9))
	})

	It("sizes capacity from buffered peak usage when under-provisioned", func() {
		t := rampTrace([]float64{0.5, 1.0}, 0.2)
		// Peak aggregate usage is 5.0; buffered by 1.05.
		got := maxCPUCapacity(context.Background(), cfg, t)
		Expect(got).To(BeNumerically("~", 5.25, 1e-9))
	})
})

var _ = Describe("replica floor and memory sizing", func() {
	cfg := config.Default()

	It("takes the 10th percentile of positive replica windows", func() {
		Expect(minReplicasFloor(cfg, steadyTrace())).To(Equal(10))
	})

	It("falls back to MIN_REC_REPLICAS when no window observed replicas", func() {
		rows := []trace.Row{{
			WindowBegin: base, Replicas: 0,
			AvgCPUUsage: 0.1, AvgMemUsageMi: 10, MaxMemUsageMi: 10,
		}}
		t, err := trace.Normalize(rows)
		Expect(err).NotTo(HaveOccurred())
		Expect(minReplicasFloor(cfg, t)).To(Equal(cfg.MinRecReplicas))
	})

	It("never proposes memory below the buffered per-replica need", func() {
		// min(1000/10, 100) = 100, buffered by 1.05 and ceiled.
		Expect(proposedMemoryMi(cfg, steadyTrace(), 10)).To(Equal(105.0))
		// A large fleet divides the peak across more replicas.
		Expect(proposedMemoryMi(cfg, steadyTrace(), 20)).To(Equal(53.0))
	})
})

var _ = Describe("Build", func() {
	cfg := config.Default()
	ctx := context.Background()

	It("reports an empty trace", func() {
		plans, reasons, err := Build(ctx, cfg, &trace.Trace{}, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(plans).To(BeEmpty())
		Expect(reasons).To(HaveKeyWithValue(General, "Workload dataframe is empty."))
	})

	It("reports zero capacity", func() {
		rows := []trace.Row{{
			WindowBegin: base, Replicas: 3,
			AvgCPUUsage: 0, AvgMemUsageMi: 10, MaxMemUsageMi: 10,
		}}
		t, err := trace.Normalize(rows)
		Expect(err).NotTo(HaveOccurred())
		plans, reasons, err := Build(ctx, cfg, t, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(plans).To(BeEmpty())
		Expect(reasons).To(HaveKeyWithValue(General, "CPU Max Capacity is 0."))
	})

	It("propagates an invalid startup latency", func() {
		_, _, err := Build(ctx, cfg, steadyTrace(), 0)
		Expect(err).To(HaveOccurred())
	})

	Context("on the steady trace", func() {
		var plans []workload.Plan
		var reasons Reasons

		BeforeEach(func() {
			var err error
			plans, reasons, err = Build(ctx, cfg, steadyTrace(), 3)
			Expect(err).NotTo(HaveOccurred())
		})

		It("emits one deduped DCR plan, the DMR sweep and the VPA fallback", func() {
			methods := make([]string, len(plans))
			for i, p := range plans {
				methods[i] = p.Method
			}
			Expect(methods).To(ContainElement("DCR-10"))
			for minR := 3; minR <= 10; minR++ {
				Expect(methods).To(ContainElement(fmt.Sprintf("DMR_mean-loop_%d", minR)))
			}
			Expect(methods).NotTo(ContainElement("DMR_mean-loop_11"))
			Expect(methods[len(methods)-1]).To(Equal("VPA"))
			Expect(plans).To(HaveLen(10))
		})

		It("sizes the DCR plan from the usage percentile", func() {
			var dcr workload.Plan
			for _, p := range plans {
				if p.Method == "DCR-10" {
					dcr = p
				}
			}
			Expect(dcr.CPURequest).To(BeNumerically("~", 0.1, 1e-9))
			Expect(dcr.MemRequestAndLimitsMi).To(Equal(105.0))
			Expect(dcr.MinReplicas).To(Equal(10))
			Expect(dcr.MaxReplicas).To(Equal(20))
			Expect(dcr.HPATargetCPU).To(BeNumerically("~", 0.9, 1e-9))
			Expect(dcr.MaxUsageSlopeUpRatio).To(BeNumerically("~", 1.0, 1e-9))
			Expect(dcr.CPULimitOrUnbounded).To(Equal(1.0))
			Expect(dcr.StartupLatencyRows).To(Equal(3))
		})

		It("sizes the VPA fallback from aggregate quantiles", func() {
			vpa := plans[len(plans)-1]
			Expect(vpa.CPURequest).To(BeNumerically("~", 0.105, 1e-9))
			Expect(vpa.CPULimitOrUnbounded).To(Equal(1.0))
			Expect(vpa.MemRequestAndLimitsMi).To(Equal(105.0))
			Expect(vpa.MinReplicas).To(Equal(10))
			Expect(vpa.MaxReplicas).To(Equal(10))
			Expect(vpa.HPATargetCPU).To(Equal(1.0))
			Expect(vpa.StartupLatencyRows).To(Equal(1))
		})

		It("honours the structural plan invariants", func() {
			seen := map[string]struct{}{}
			for _, p := range plans {
				Expect(p.MinReplicas).To(BeNumerically("<=", p.MaxReplicas), p.Method)
				Expect(p.CPURequest).To(BeNumerically(">=", cfg.MinCPUCoreProposedValue), p.Method)
				if p.Method != "VPA" {
					Expect(p.HPATargetCPU).To(And(
						BeNumerically(">=", cfg.MinHPATargetCPU),
						BeNumerically("<=", cfg.MaxHPATargetCPU)), p.Method)
				}
				key := fmt.Sprintf("%v/%v/%d/%d",
					p.CPURequest, p.MemRequestAndLimitsMi, p.MinReplicas, p.MaxReplicas)
				Expect(seen).NotTo(HaveKey(key), p.Method)
				seen[key] = struct{}{}
			}
		})

		It("records no rejections for the steady trace", func() {
			Expect(reasons).To(BeEmpty())
		})
	})

	It("rejects plans whose slope exceeds the scale limit", func() {
		// Usage quadruples within the latency horizon of the baseline rows.
		t := rampTrace([]float64{0.1, 0.4}, 0.5)
		Expect(t.ComputeSlopeUp(2)).To(Succeed())
		p := workload.Plan{Method: "DCR-10", CPURequest: 0.05, MaxReplicas: 10}
		sized, reason := sizeTarget(ctx, cfg, p, t)
		Expect(sized).To(BeNil())
		Expect(reason).To(ContainSubstring("exceeds HPA scale limit"))
	})

	It("rejects plans whose target falls out of range", func() {
		// A 2.29x slope passes the scale limit but pushes the target
		// utilization to 0.39, below the floor.
		t := rampTrace([]float64{0.1, 0.229}, 0.5)
		Expect(t.ComputeSlopeUp(2)).To(Succeed())
		p := workload.Plan{Method: "DCR-10", CPURequest: 0.05, MaxReplicas: 10}
		sized, reason := sizeTarget(ctx, cfg, p, t)
		Expect(sized).To(BeNil())
		Expect(reason).To(ContainSubstring("not between"))
	})

	It("records per-method rejections while other plans continue", func() {
		// The low-baseline rows see a 4x rise; high-percentile plans
		// whose baseline excludes them survive.
		t := rampTrace([]float64{0.1, 0.1, 0.1, 0.1, 0.4, 0.4}, 0.5)
		plans, reasons, err := Build(ctx, cfg, t, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(reasons).NotTo(BeEmpty())
		rejected := false
		for _, reason := range reasons {
			if reason != "" {
				rejected = true
			}
		}
		Expect(rejected).To(BeTrue())
		// The VPA fallback is always present.
		Expect(plans[len(plans)-1].Method).To(Equal("VPA"))
	})

	It("skips plans with no usage above their baseline", func() {
		// DCR-100 style candidates always have usage at their baseline,
		// so force the condition directly through sizeTarget.
		t := steadyTrace()
		Expect(t.ComputeSlopeUp(3)).To(Succeed())
		p := workload.Plan{Method: "DCR-99", CPURequest: 5.0, MaxReplicas: 10}
		sized, reason := sizeTarget(ctx, cfg, p, t)
		Expect(sized).To(BeNil())
		Expect(reason).To(ContainSubstring("No usage above CPU baseline"))
	})
})

var _ = Describe("workload balance diagnostic", func() {
	It("is balanced when the stddev is narrow relative to the mean", func() {
		t := steadyTrace()
		Expect(isWorkloadBalanced(t)).To(BeTrue())
	})

	It("is not balanced for zero average usage", func() {
		rows := []trace.Row{{
			WindowBegin: base, Replicas: 3,
			AvgCPUUsage: 0, AvgMemUsageMi: 10, MaxMemUsageMi: 10,
		}}
		t, err := trace.Normalize(rows)
		Expect(err).NotTo(HaveOccurred())
		Expect(isWorkloadBalanced(t)).To(BeFalse())
	})
})

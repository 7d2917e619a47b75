package plan

import (
	"context"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// isCPUUnderProvisioned compares the latest observed CPU request with a
// high percentile of per-container usage. A request below that
// percentile means the workload routinely runs above what it asked for.
func isCPUUnderProvisioned(cfg config.Config, t *trace.Trace) bool {
	maxCPURequest := trace.Max(t.AvgCPURequest)
	usagePercentile := trace.Quantile(t.AvgCPUUsage, cfg.UnderprovisionedCPUUsageThreshold)
	return maxCPURequest < usagePercentile
}

// maxCPUCapacity is the total CPU the workload must be able to serve at
// peak. Under-provisioned workloads are sized from observed usage with
// headroom; otherwise from the peak aggregate request.
func maxCPUCapacity(ctx context.Context, cfg config.Config, t *trace.Trace) float64 {
	logger := log.FromContext(ctx)

	var base float64
	if isCPUUnderProvisioned(cfg, t) {
		base = trace.Max(t.SumCPUUsage) * cfg.ExtraHPABufferForCPUUsageCapacity
		logger.V(1).Info("The CPU is under-provisioned")
	} else {
		base = trace.Max(t.SumCPURequest)
		logger.V(1).Info("The CPU is not under-provisioned")
	}
	capacity := base * cfg.ExtraHPABufferForMaxReplicas
	logger.V(1).Info("Max CPU capacity computed", "capacity", capacity)
	return capacity
}

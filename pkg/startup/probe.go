package startup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// PodDetails captures the lifecycle timing of one pod.
type PodDetails struct {
	Name                  string
	Namespace             string
	HasReadinessProbe     bool
	PodScheduledTime      time.Time
	ReadyTime             time.Time
	TimeDifferenceSeconds float64
}

// Probe measures how long a workload's pods take from scheduling to
// readiness, from the live pod conditions.
type Probe struct {
	client kubernetes.Interface
	cfg    config.Config
	logger logr.Logger
}

// NewProbe builds a startup probe over the given clientset.
func NewProbe(client kubernetes.Interface, cfg config.Config, logger logr.Logger) *Probe {
	return &Probe{client: client, cfg: cfg, logger: logger}
}

// DefaultBudget is the startup budget used when no pod timings are
// available.
func DefaultBudget(cfg config.Config) workload.StartupBudget {
	return workload.StartupBudget{
		ScheduledToReadySeconds:         cfg.DefaultPodStartupTime,
		HPAProcessingSeconds:            cfg.DefaultHPAProcessingTime,
		ClusterAutoscalerStartupSeconds: cfg.DefaultClusterAutoscalerStartupTime,
	}
}

// GetStartupBudget measures the workload's scheduled-to-ready time from
// its pods, discards Tukey-fence outliers and takes the maximum of the
// remainder. The HPA processing and cluster-autoscaler components
// always come from the configuration.
func (p *Probe) GetStartupBudget(ctx context.Context, id workload.Identity) (workload.StartupBudget, error) {
	budget := DefaultBudget(p.cfg)

	p.logger.V(1).Info("Calculating total startup time for workload", "workload", id.String())

	pods, err := p.fetchWorkloadPodDetails(ctx, id)
	if err != nil {
		return budget, err
	}
	if len(pods) == 0 {
		p.logger.Info("No pod details available, setting startup time to config default",
			"workload", id.String())
		return budget, nil
	}

	maxStartup := MaxStartupWithoutOutliers(pods)
	budget.ScheduledToReadySeconds = maxStartup

	p.logger.V(1).Info("Updated workload startup budget",
		"scheduledToReadySeconds", budget.ScheduledToReadySeconds,
		"totalStartupSeconds", budget.TotalSeconds())
	return budget, nil
}

// fetchWorkloadPodDetails lists the controller's pods and extracts
// their PodScheduled and Ready transition times.
func (p *Probe) fetchWorkloadPodDetails(ctx context.Context, id workload.Identity) ([]PodDetails, error) {
	podList, err := p.client.CoreV1().Pods(id.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods for %s: %w", id.String(), err)
	}

	var details []PodDetails
	for _, pod := range podList.Items {
		if !strings.HasPrefix(pod.Name, id.ControllerName) {
			continue
		}
		scheduled, ready := extractPodTimes(pod.Status.Conditions)
		if scheduled.IsZero() || ready.IsZero() {
			continue
		}
		hasReadinessProbe := false
		for _, c := range pod.Spec.Containers {
			if c.ReadinessProbe != nil {
				hasReadinessProbe = true
				break
			}
		}
		details = append(details, PodDetails{
			Name:                  pod.Name,
			Namespace:             pod.Namespace,
			HasReadinessProbe:     hasReadinessProbe,
			PodScheduledTime:      scheduled,
			ReadyTime:             ready,
			TimeDifferenceSeconds: ready.Sub(scheduled).Seconds(),
		})
	}
	return details, nil
}

func extractPodTimes(conditions []corev1.PodCondition) (scheduled, ready time.Time) {
	for _, cond := range conditions {
		switch cond.Type {
		case corev1.PodScheduled:
			scheduled = cond.LastTransitionTime.Time
		case corev1.PodReady:
			ready = cond.LastTransitionTime.Time
		}
	}
	return scheduled, ready
}

// MaxStartupWithoutOutliers drops startup timings outside the Tukey
// fences [Q1 - 1.5*IQR, Q3 + 1.5*IQR] and returns the maximum of the
// remainder.
func MaxStartupWithoutOutliers(pods []PodDetails) float64 {
	durations := make([]float64, len(pods))
	for i, p := range pods {
		durations[i] = p.TimeDifferenceSeconds
	}
	q1 := trace.Quantile(durations, 0.25)
	q3 := trace.Quantile(durations, 0.75)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	max := 0.0
	for _, d := range durations {
		if d >= lo && d <= hi && d > max {
			max = d
		}
	}
	return max
}

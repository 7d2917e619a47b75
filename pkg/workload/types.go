package workload

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Identity names the container whose usage history is analyzed. It is
// immutable after creation.
type Identity struct {
	ProjectID      string `json:"project_id"`
	Location       string `json:"location"`
	ClusterName    string `json:"cluster_name"`
	Namespace      string `json:"namespace"`
	ControllerName string `json:"controller_name"`
	ControllerType string `json:"controller_type"`
	ContainerName  string `json:"container_name"`
}

// NewIdentity builds an Identity for a Deployment-backed workload.
func NewIdentity(projectID, location, clusterName, namespace, controllerName, containerName string) Identity {
	return Identity{
		ProjectID:      projectID,
		Location:       location,
		ClusterName:    clusterName,
		Namespace:      namespace,
		ControllerName: controllerName,
		ControllerType: "Deployment",
		ContainerName:  containerName,
	}
}

// Validate reports the first missing required field.
func (id Identity) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"project_id", id.ProjectID},
		{"location", id.Location},
		{"cluster_name", id.ClusterName},
		{"namespace", id.Namespace},
		{"controller_name", id.ControllerName},
	} {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("missing workload detail: %s", f.name)
		}
	}
	return nil
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s/%s",
		id.ProjectID, id.Location, id.ClusterName, id.Namespace,
		id.ControllerType, id.ControllerName, id.ContainerName)
}

// StartupBudget is the additive reaction-time budget of the scaling
// stack, in seconds.
type StartupBudget struct {
	ScheduledToReadySeconds         float64 `json:"scheduled_to_ready_seconds"`
	HPAProcessingSeconds            float64 `json:"hpa_processing_time_seconds"`
	ClusterAutoscalerStartupSeconds float64 `json:"cluster_autoscaler_startup_time_seconds"`
}

// TotalSeconds is the end-to-end startup time.
func (b StartupBudget) TotalSeconds() float64 {
	return b.ScheduledToReadySeconds + b.HPAProcessingSeconds + b.ClusterAutoscalerStartupSeconds
}

// LatencyRows converts the budget into whole trace windows, rounding up.
func (b StartupBudget) LatencyRows(windowSeconds int) (int, error) {
	if windowSeconds <= 0 {
		return 0, fmt.Errorf("window seconds must be greater than 0, got %d", windowSeconds)
	}
	return int(math.Ceil(b.TotalSeconds() / float64(windowSeconds))), nil
}

// Plan is one candidate autoscaling configuration. The CPU request and
// replica bounds are fixed at generation; the target, limit and slope
// are attached by validation; the simulator only reads it.
type Plan struct {
	Method                string  `json:"method"`
	CPURequest            float64 `json:"recommended_cpu_request"`
	CPULimitOrUnbounded   float64 `json:"recommended_cpu_limit_or_unbounded"`
	MemRequestAndLimitsMi float64 `json:"recommended_mem_request_and_limits_mi"`
	MinReplicas           int     `json:"recommended_min_replicas"`
	MaxReplicas           int     `json:"recommended_max_replicas"`
	HPATargetCPU          float64 `json:"recommended_hpa_target_cpu"`
	MaxUsageSlopeUpRatio  float64 `json:"max_usage_slope_up_ratio"`
	StartupLatencyRows    int     `json:"workload_e2e_startup_latency_rows"`
}

// ToJSON renders the plan as indented JSON.
func (p Plan) ToJSON() string {
	out, _ := json.MarshalIndent(p, "", "  ")
	return string(out)
}

// Recommendation is a plan bound to a workload plus the outcome of its
// simulation.
type Recommendation struct {
	Identity            Identity      `json:"workload_details"`
	StartupBudget       StartupBudget `json:"startup_budget"`
	Plan                Plan          `json:"plan"`
	AnalysisPeriodStart time.Time     `json:"analysis_period_start"`
	AnalysisPeriodEnd   time.Time     `json:"analysis_period_end"`
	// Observed replica bounds over the analysis window.
	ObservedMinReplicas int `json:"observed_min_replicas"`
	ObservedMaxReplicas int `json:"observed_max_replicas"`

	ScaleUpBehaviourToXTimes float64 `json:"scale_up_behaviour_to_x_times"`
	Valid                    bool    `json:"valid"`
	ValidationMsg            string  `json:"validation_msg"`
	ForecastMemSavingMi      float64 `json:"forecast_mem_saving_mi"`
	ForecastCPUSaving        float64 `json:"forecast_cpu_saving"`

	logs []string
}

// AddLog appends a formatted note to the recommendation's log buffer.
func (r *Recommendation) AddLog(format string, args ...interface{}) {
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

// Logs returns the accumulated notes.
func (r *Recommendation) Logs() string {
	if len(r.logs) == 0 {
		return "No logs available."
	}
	return strings.Join(r.logs, "\n")
}

// ToJSON renders the full document when the recommendation is valid,
// and only the plan plus the rejection reason when it is not.
func (r *Recommendation) ToJSON() string {
	if r.Valid {
		out, _ := json.MarshalIndent(r, "", "  ")
		return string(out)
	}
	out, _ := json.MarshalIndent(map[string]interface{}{
		"Plan":   r.Plan,
		"Valid":  r.Valid,
		"Reason": r.ValidationMsg,
	}, "", "  ")
	return string(out)
}

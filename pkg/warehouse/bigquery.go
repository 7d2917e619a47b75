package warehouse

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/sim"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	"github.com/go-logr/logr"
)

// AnalysisRow is one analyzed window of the selected recommendation,
// in the reporting schema.
type AnalysisRow struct {
	WindowBegin                  time.Time `bigquery:"window_begin"`
	NumReplicasAtUsageWindow     int       `bigquery:"num_replicas_at_usage_window"`
	SumContainersCPURequest      float64   `bigquery:"sum_containers_cpu_request"`
	SumContainersCPUUsage        float64   `bigquery:"sum_containers_cpu_usage"`
	ForecastSumCPUUpAndRunning   float64   `bigquery:"forecast_sum_cpu_up_and_running"`
	SumContainersMemRequestMi    float64   `bigquery:"sum_containers_mem_request_mi"`
	SumContainersMemUsageMi      float64   `bigquery:"sum_containers_mem_usage_mi"`
	ForecastSumMemUpAndRunning   float64   `bigquery:"forecast_sum_mem_up_and_running"`
	ForecastReplicasUpAndRunning int       `bigquery:"forecast_replicas_up_and_running"`

	ProjectID      string `bigquery:"project_id"`
	ClusterName    string `bigquery:"cluster_name"`
	Location       string `bigquery:"location"`
	Namespace      string `bigquery:"namespace"`
	ControllerName string `bigquery:"controller_name"`
	ContainerName  string `bigquery:"container_name"`

	AnalysisPeriodStart time.Time `bigquery:"analysis_period_start"`
	AnalysisPeriodEnd   time.Time `bigquery:"analysis_period_end"`

	RecommendedCPURequest             float64 `bigquery:"recommended_cpu_request"`
	RecommendedMemRequestAndLimitsMi  float64 `bigquery:"recommended_mem_request_and_limits_mi"`
	RecommendedCPULimitOrUnbounded    float64 `bigquery:"recommended_cpu_limit_or_unbounded"`
	RecommendedMinReplicas            int     `bigquery:"recommended_min_replicas"`
	RecommendedMaxReplicas            int     `bigquery:"recommended_max_replicas"`
	RecommendedHPATargetCPU           float64 `bigquery:"recommended_hpa_target_cpu"`
	MaxUsageSlopeUpRatio              float64 `bigquery:"max_usage_slope_up_ratio"`
	WorkloadE2EStartupLatencyRows     int     `bigquery:"workload_e2e_startup_latency_rows"`
	ForecastMemSavingMi               float64 `bigquery:"forecast_mem_saving_mi"`
	ForecastCPUSaving                 float64 `bigquery:"forecast_cpu_saving"`
	Method                            string  `bigquery:"method"`
}

// BuildRows flattens an analysis series and its recommendation into
// warehouse rows, one per window.
func BuildRows(a *sim.Analysis, rec *workload.Recommendation) []AnalysisRow {
	rows := make([]AnalysisRow, len(a.WindowBegin))
	for i := range a.WindowBegin {
		rows[i] = AnalysisRow{
			WindowBegin:                  a.WindowBegin[i],
			NumReplicasAtUsageWindow:     a.Replicas[i],
			SumContainersCPURequest:      a.SumCPURequest[i],
			SumContainersCPUUsage:        a.SumCPUUsage[i],
			ForecastSumCPUUpAndRunning:   a.ForecastSumCPU[i],
			SumContainersMemRequestMi:    a.SumMemRequestMi[i],
			SumContainersMemUsageMi:      a.SumMemUsageMi[i],
			ForecastSumMemUpAndRunning:   a.ForecastSumMemMi[i],
			ForecastReplicasUpAndRunning: a.ForecastReplicas[i],

			ProjectID:      rec.Identity.ProjectID,
			ClusterName:    rec.Identity.ClusterName,
			Location:       rec.Identity.Location,
			Namespace:      rec.Identity.Namespace,
			ControllerName: rec.Identity.ControllerName,
			ContainerName:  rec.Identity.ContainerName,

			AnalysisPeriodStart: rec.AnalysisPeriodStart,
			AnalysisPeriodEnd:   rec.AnalysisPeriodEnd,

			RecommendedCPURequest:            rec.Plan.CPURequest,
			RecommendedMemRequestAndLimitsMi: rec.Plan.MemRequestAndLimitsMi,
			RecommendedCPULimitOrUnbounded:   rec.Plan.CPULimitOrUnbounded,
			RecommendedMinReplicas:           rec.Plan.MinReplicas,
			RecommendedMaxReplicas:           rec.Plan.MaxReplicas,
			RecommendedHPATargetCPU:          rec.Plan.HPATargetCPU,
			MaxUsageSlopeUpRatio:             rec.Plan.MaxUsageSlopeUpRatio,
			WorkloadE2EStartupLatencyRows:    rec.Plan.StartupLatencyRows,
			ForecastMemSavingMi:              rec.ForecastMemSavingMi,
			ForecastCPUSaving:                rec.ForecastCPUSaving,
			Method:                           rec.Plan.Method,
		}
	}
	return rows
}

// Writer appends analysis rows to a BigQuery table.
type Writer struct {
	client  *bigquery.Client
	dataset string
	table   string
	logger  logr.Logger
}

// NewWriter opens a BigQuery client for the reporting project.
func NewWriter(ctx context.Context, projectID, dataset, table string, logger logr.Logger) (*Writer, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	return &Writer{client: client, dataset: dataset, table: table, logger: logger}, nil
}

// Append writes one row per analyzed window of the selected
// recommendation.
func (w *Writer) Append(ctx context.Context, a *sim.Analysis, rec *workload.Recommendation) error {
	if a == nil || len(a.WindowBegin) == 0 {
		w.logger.Info("No data to write to BigQuery")
		return nil
	}
	rows := BuildRows(a, rec)
	inserter := w.client.Dataset(w.dataset).Table(w.table).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("writing %d rows to %s.%s: %w", len(rows), w.dataset, w.table, err)
	}
	w.logger.Info("Wrote analysis rows to BigQuery",
		"rows", len(rows), "dataset", w.dataset, "table", w.table)
	return nil
}

// Close releases the underlying client.
func (w *Writer) Close() error {
	return w.client.Close()
}

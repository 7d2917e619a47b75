package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const monitoringScope = "https://www.googleapis.com/auth/monitoring.read"

// CloudMonitoringScraper reads per-container usage series from the
// Cloud Monitoring time-series API and aggregates them into trace rows.
type CloudMonitoringScraper struct {
	cfg         config.Config
	client      *retryablehttp.Client
	tokenSource oauth2.TokenSource
	baseURL     string
	logger      logr.Logger
}

// NewCloudMonitoringScraper builds a scraper authenticated with the
// application-default credentials.
func NewCloudMonitoringScraper(ctx context.Context, cfg config.Config, logger logr.Logger) (*CloudMonitoringScraper, error) {
	ts, err := google.DefaultTokenSource(ctx, monitoringScope)
	if err != nil {
		return nil, fmt.Errorf("obtaining default credentials: %w", err)
	}
	return newScraper(cfg, ts, "https://monitoring.googleapis.com", logger), nil
}

func newScraper(cfg config.Config, ts oauth2.TokenSource, baseURL string, logger logr.Logger) *CloudMonitoringScraper {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil
	return &CloudMonitoringScraper{
		cfg:         cfg,
		client:      client,
		tokenSource: ts,
		baseURL:     baseURL,
		logger:      logger,
	}
}

// buildWorkloadFilterQuery assembles the monitoring filter string for
// one metric of one workload, honoring the excluded namespaces.
func buildWorkloadFilterQuery(cfg config.Config, param MetricRequestParameter, id workload.Identity) string {
	conditions := []string{
		fmt.Sprintf(`metric.type = "%s"`, param.Metric),
		`resource.type = "k8s_container"`,
	}
	if strings.Contains(strings.ToLower(param.Metric), "memory/used_bytes") {
		conditions = append(conditions, `metric.label.memory_type = "non-evictable"`)
	}

	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			conditions = append(conditions, fmt.Sprintf(`%s = "%s"`, label, value))
		}
	}
	add("resource.labels.project_id", id.ProjectID)
	add("resource.labels.location", id.Location)
	add("resource.labels.cluster_name", id.ClusterName)
	add("resource.labels.namespace_name", id.Namespace)
	add("metadata.system_labels.top_level_controller_name", id.ControllerName)
	add("metadata.system_labels.top_level_controller_type", id.ControllerType)
	add("resource.labels.container_name", id.ContainerName)

	if len(cfg.ExcludedNamespaces) > 0 {
		excluded := make([]string, 0, len(cfg.ExcludedNamespaces))
		for _, ns := range cfg.ExcludedNamespaces {
			excluded = append(excluded, fmt.Sprintf(`NOT resource.labels.namespace_name = "%s"`, ns))
		}
		conditions = append(conditions, strings.Join(excluded, " AND "))
	}
	return strings.Join(conditions, " AND ")
}

// point is one aligned sample of one pod's series.
type point struct {
	WindowBegin time.Time
	Pod         string
	Value       float64
}

type timeSeriesResponse struct {
	TimeSeries []struct {
		Resource struct {
			Labels map[string]string `json:"labels"`
		} `json:"resource"`
		Points []struct {
			Interval struct {
				StartTime time.Time `json:"startTime"`
			} `json:"interval"`
			Value struct {
				DoubleValue *float64 `json:"doubleValue"`
				Int64Value  *string  `json:"int64Value"`
			} `json:"value"`
		} `json:"points"`
	} `json:"timeSeries"`
	NextPageToken string `json:"nextPageToken"`
}

// fetchTimeseries pages through the time-series endpoint until the
// cursor is exhausted. Points keep the API's newest-first order within
// each series.
func (s *CloudMonitoringScraper) fetchTimeseries(ctx context.Context, param MetricRequestParameter,
	id workload.Identity, start, end time.Time) ([]point, error) {

	s.logger.V(1).Info("Fetching time-series metric", "metric", param.Metric, "workload", id.String())

	token, err := s.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("fetching access token: %w", err)
	}

	params := url.Values{}
	params.Set("aggregation.alignmentPeriod", fmt.Sprintf("%ds", s.cfg.DistanceBetweenPointsSeconds))
	params.Set("aggregation.crossSeriesReducer", param.CrossSeriesReducer)
	params.Set("aggregation.perSeriesAligner", param.PerSeriesAligner)
	params.Add("aggregation.groupByFields", "resource.labels.container_name")
	params.Add("aggregation.groupByFields", "resource.labels.pod_name")
	params.Set("filter", buildWorkloadFilterQuery(s.cfg, param, id))
	params.Set("interval.startTime", start.UTC().Truncate(time.Minute).Format(time.RFC3339))
	params.Set("interval.endTime", end.UTC().Truncate(time.Minute).Format(time.RFC3339))
	params.Set("view", "FULL")

	endpoint := fmt.Sprintf("%s/v3/projects/%s/timeSeries", s.baseURL, id.ProjectID)

	var points []point
	for {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
			endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
		req.Header.Set("User-Agent", config.UserAgent)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", param.Metric, err)
		}
		var page timeSeriesResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API call failed with status %d for %s", resp.StatusCode, param.Metric)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("decoding %s response: %w", param.Metric, decodeErr)
		}

		for _, series := range page.TimeSeries {
			pod := series.Resource.Labels["pod_name"]
			for _, p := range series.Points {
				v, ok := pointValue(p.Value.DoubleValue, p.Value.Int64Value)
				if !ok {
					continue
				}
				points = append(points, point{
					WindowBegin: p.Interval.StartTime,
					Pod:         pod,
					Value:       v,
				})
			}
		}
		if page.NextPageToken == "" {
			return points, nil
		}
		params.Set("pageToken", page.NextPageToken)
	}
}

func pointValue(d *float64, i *string) (float64, bool) {
	if d != nil {
		return *d, true
	}
	if i != nil {
		v, err := strconv.ParseInt(*i, 10, 64)
		if err != nil {
			return 0, false
		}
		return float64(v), true
	}
	return 0, false
}

// latestRequestValue picks the newest sample of an optional request
// metric, defaulting to 0 when the workload has no requests set.
func (s *CloudMonitoringScraper) latestRequestValue(points []point, resourceType string) float64 {
	if len(points) == 0 {
		s.logger.V(1).Info("No request data found; setting latest request to 0.0",
			"resource", resourceType)
		return 0
	}
	return points[0].Value
}

// GetWorkloadAggTimeseries fetches the required usage metrics and the
// optional request metrics, and aggregates them into per-window trace
// rows. Missing required metrics yield no rows; missing request metrics
// degrade to 0.
func (s *CloudMonitoringScraper) GetWorkloadAggTimeseries(ctx context.Context,
	id workload.Identity, start, end time.Time) ([]trace.Row, error) {

	if err := id.Validate(); err != nil {
		return nil, err
	}

	memUsage, err := s.fetchTimeseries(ctx, MetricRequestParameter{
		Metric:             "kubernetes.io/container/memory/used_bytes",
		PerSeriesAligner:   "ALIGN_MAX",
		CrossSeriesReducer: "REDUCE_MAX",
	}, id, start, end)
	if err != nil {
		return nil, err
	}
	cpuUsage, err := s.fetchTimeseries(ctx, MetricRequestParameter{
		Metric:             "kubernetes.io/container/cpu/core_usage_time",
		PerSeriesAligner:   "ALIGN_RATE",
		CrossSeriesReducer: "REDUCE_MEAN",
	}, id, start, end)
	if err != nil {
		return nil, err
	}
	if len(memUsage) == 0 || len(cpuUsage) == 0 {
		s.logger.Info("Required metrics missing for workload; it likely does not exist or is not reporting data",
			"workload", id.String())
		return nil, nil
	}

	cpuRequest, err := s.fetchTimeseries(ctx, MetricRequestParameter{
		Metric:             "kubernetes.io/container/cpu/request_cores",
		PerSeriesAligner:   "ALIGN_MEAN",
		CrossSeriesReducer: "REDUCE_MEAN",
		LatestValue:        true,
	}, id, start, end)
	if err != nil {
		return nil, err
	}
	memRequest, err := s.fetchTimeseries(ctx, MetricRequestParameter{
		Metric:             "kubernetes.io/container/memory/request_bytes",
		PerSeriesAligner:   "ALIGN_MEAN",
		CrossSeriesReducer: "REDUCE_MEAN",
		LatestValue:        true,
	}, id, start, end)
	if err != nil {
		return nil, err
	}

	latestCPURequest := s.latestRequestValue(cpuRequest, "CPU")
	latestMemRequest := s.latestRequestValue(memRequest, "Memory")
	s.logger.V(1).Info("Latest request values",
		"cpuRequestCores", latestCPURequest, "memRequestBytes", latestMemRequest)

	return aggregateRows(cpuUsage, memUsage, latestCPURequest, latestMemRequest), nil
}

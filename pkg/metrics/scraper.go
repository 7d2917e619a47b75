package metrics

import (
	"context"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
)

// Scraper fetches the aggregated usage history of a workload. An empty
// row slice with a nil error means the workload reported no data.
type Scraper interface {
	GetWorkloadAggTimeseries(ctx context.Context, id workload.Identity,
		start, end time.Time) ([]trace.Row, error)
}

// MetricRequestParameter describes one monitoring query.
type MetricRequestParameter struct {
	Metric             string
	PerSeriesAligner   string
	CrossSeriesReducer string
	LatestValue        bool
}

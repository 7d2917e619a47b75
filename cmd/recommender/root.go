package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloud-solutions/hpa-config-recommender/pkg/config"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/metrics"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/reco"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/startup"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/trace"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/warehouse"
	"github.com/cloud-solutions/hpa-config-recommender/pkg/workload"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// maxLookback bounds how far back the analysis window may start.
const maxLookback = 42 * 24 * time.Hour

type options struct {
	projectID      string
	location       string
	clusterName    string
	namespace      string
	controllerName string
	containerName  string

	start string
	end   string

	overrides          []string
	excludedNamespaces string

	kubeconfig string
	probePods  bool

	bqDataset string
	bqTable   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "recommender",
		Short:        "Generate HPA configuration recommendations from workload usage history",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.projectID, "project", "", "project id")
	flags.StringVar(&opts.location, "location", "", "cluster location")
	flags.StringVar(&opts.clusterName, "cluster", "", "cluster name")
	flags.StringVar(&opts.namespace, "namespace", "", "workload namespace")
	flags.StringVar(&opts.controllerName, "controller", "", "controller name")
	flags.StringVar(&opts.containerName, "container", "", "container name")
	flags.StringVar(&opts.start, "start", "", "analysis window start (ISO 8601)")
	flags.StringVar(&opts.end, "end", "", "analysis window end (ISO 8601)")
	flags.StringArrayVar(&opts.overrides, "set", nil,
		"config override NAME=VALUE, repeatable (e.g. --set HPA_TARGET_BUFFER=0.2)")
	flags.StringVar(&opts.excludedNamespaces, "extra-excluded-namespaces", "",
		"comma-separated namespaces to exclude in addition to the defaults")
	flags.StringVar(&opts.kubeconfig, "kubeconfig", "", "kubeconfig path for the startup probe")
	flags.BoolVar(&opts.probePods, "probe-pods", false,
		"measure pod startup time from live pod conditions instead of defaults")
	flags.StringVar(&opts.bqDataset, "bq-dataset", "", "BigQuery dataset for the analysis rows")
	flags.StringVar(&opts.bqTable, "bq-table", "", "BigQuery table for the analysis rows")
	return cmd
}

// failWithReasons prints a machine-readable reason map and returns a
// non-zero exit through cobra.
func failWithReasons(cmd *cobra.Command, reasons map[string]string) error {
	out, _ := json.Marshal(reasons)
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return fmt.Errorf("no recommendation produced")
}

// parseWindow validates the analysis window: both endpoints parse,
// start is strictly before end, and start is within the lookback bound.
func parseWindow(startStr, endStr string, now time.Time) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start datetime %q: %w", startStr, err)
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end datetime %q: %w", endStr, err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s must be strictly before end %s", startStr, endStr)
	}
	if start.Before(now.Add(-maxLookback)) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s is older than the %d-day lookback limit",
			startStr, int(maxLookback.Hours()/24))
	}
	return start, end, nil
}

// parseOverrides converts NAME=VALUE pairs into typed config overrides.
func parseOverrides(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	overrides := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid override %q, expected NAME=VALUE", pair)
		}
		overrides[name] = parseOverrideValue(value)
	}
	return overrides, nil
}

func parseOverrideValue(value string) interface{} {
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if strings.Contains(value, ",") {
		return strings.Split(value, ",")
	}
	return value
}

func run(cmd *cobra.Command, opts *options) error {
	ctx := cmd.Context()
	logger := zap.New()

	overrides, err := parseOverrides(opts.overrides)
	if err != nil {
		return failWithReasons(cmd, map[string]string{"input": err.Error()})
	}
	cfg, err := config.WithOverrides(overrides)
	if err != nil {
		return failWithReasons(cmd, map[string]string{"input": err.Error()})
	}
	if opts.excludedNamespaces != "" {
		cfg = cfg.WithExtraExcludedNamespaces(opts.excludedNamespaces)
	}
	logger.V(1).Info(cfg.String())

	id := workload.NewIdentity(opts.projectID, opts.location, opts.clusterName,
		opts.namespace, opts.controllerName, opts.containerName)
	if err := id.Validate(); err != nil {
		return failWithReasons(cmd, map[string]string{"input": err.Error()})
	}

	start, end, err := parseWindow(opts.start, opts.end, time.Now())
	if err != nil {
		return failWithReasons(cmd, map[string]string{"input": err.Error()})
	}

	scraper, err := metrics.NewCloudMonitoringScraper(ctx, cfg, logger)
	if err != nil {
		return failWithReasons(cmd, map[string]string{"external": err.Error()})
	}
	rows, err := scraper.GetWorkloadAggTimeseries(ctx, id, start, end)
	if err != nil {
		return failWithReasons(cmd, map[string]string{"external": err.Error()})
	}

	budget := startup.DefaultBudget(cfg)
	if opts.probePods {
		restConfig, err := clientcmd.BuildConfigFromFlags("", opts.kubeconfig)
		if err != nil {
			return failWithReasons(cmd, map[string]string{"external": err.Error()})
		}
		clientset, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return failWithReasons(cmd, map[string]string{"external": err.Error()})
		}
		budget, err = startup.NewProbe(clientset, cfg, logger).GetStartupBudget(ctx, id)
		if err != nil {
			return failWithReasons(cmd, map[string]string{"external": err.Error()})
		}
	}

	t, err := trace.Normalize(rows)
	if err != nil {
		if err == trace.ErrEmptyTrace {
			return failWithReasons(cmd, map[string]string{"general": "Workload dataframe is empty."})
		}
		return failWithReasons(cmd, map[string]string{"input": err.Error()})
	}

	workflow, err := reco.NewRecommendationWorkflowBuilder().
		WithRecommender(reco.NewTraceBasedRecommender(cfg, logger)).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}
	rec, analyses, reasons, err := workflow.Execute(ctx, id, t, budget)
	if err != nil {
		return failWithReasons(cmd, map[string]string{"general": err.Error()})
	}
	if rec == nil {
		return failWithReasons(cmd, reasons)
	}

	fmt.Fprintln(cmd.OutOrStdout(), rec.ToJSON())

	if opts.bqDataset != "" && opts.bqTable != "" {
		writer, err := warehouse.NewWriter(ctx, id.ProjectID, opts.bqDataset, opts.bqTable, logger)
		if err != nil {
			return failWithReasons(cmd, map[string]string{"external": err.Error()})
		}
		defer writer.Close()
		for _, a := range analyses {
			if a.Method == rec.Plan.Method {
				if err := writer.Append(ctx, a, rec); err != nil {
					return failWithReasons(cmd, map[string]string{"external": err.Error()})
				}
				break
			}
		}
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

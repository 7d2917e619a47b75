package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Config carries every tunable of the recommender. Values are fixed at
// construction time; callers needing different settings construct a new
// value through Default or WithOverrides.
type Config struct {
	// Time and processing settings.
	DistanceBetweenPointsSeconds        int     `mapstructure:"DISTANCE_BETWEEN_POINTS_SECONDS"`
	DefaultPodStartupTime               float64 `mapstructure:"DEFAULT_POD_STARTUPTIME"`
	DefaultHPAProcessingTime            float64 `mapstructure:"DEFAULT_HPA_PROCESSING_TIME"`
	DefaultClusterAutoscalerStartupTime float64 `mapstructure:"DEFAULT_CLUSTER_AUTOSCALER_STARTUP_TIME"`

	// HPA simulation and scaling.
	HPAScaleLimit                         float64 `mapstructure:"HPA_SCALE_LIMIT"`
	HPATargetBuffer                       float64 `mapstructure:"HPA_TARGET_BUFFER"`
	HPAScaleDownBehaviourSteps            int     `mapstructure:"HPA_SCALE_DOWN_DEFAULT_BEHAVIOUR_STEPS"`
	ExtraHPABufferForMaxReplicas          float64 `mapstructure:"EXTRA_HPA_BUFFER_FOR_MAX_REPLICAS"`
	ExtraHPABufferForMemoryRecommendation float64 `mapstructure:"EXTRA_HPA_BUFFER_FOR_MEMORY_RECOMMENDATION"`
	ExtraHPABufferForCPUUsageCapacity     float64 `mapstructure:"EXTRA_HPA_BUFFER_FOR_CPU_USAGE_CAPACITY"`

	// VPA scaling.
	ExtraVPABufferForMemoryRecommendation float64 `mapstructure:"EXTRA_VPA_BUFFER_FOR_MEMORY_RECOMMENDATION"`
	ExtraVPABufferForCPUUsageCapacity     float64 `mapstructure:"EXTRA_VPA_BUFFER_FOR_CPU_USAGE_CAPACITY"`

	// CPU and resource limits.
	MinCPUCoreProposedValue           float64 `mapstructure:"MIN_CPU_CORE_PROPOSED_VALUE"`
	CostOfGBInCPUs                    float64 `mapstructure:"COST_OF_GB_IN_CPUS"`
	MCPURounding                      int     `mapstructure:"MCPU_ROUNDING"`
	MinHPATargetCPU                   float64 `mapstructure:"MIN_HPA_TARGET_CPU"`
	MaxHPATargetCPU                   float64 `mapstructure:"MAX_HPA_TARGET_CPU"`
	UnderprovisionedCPUUsageThreshold float64 `mapstructure:"UNDERPROVISIONED_CPU_USAGE_THRESHOLD"`

	// Replica and scaling thresholds.
	CPUClashCountThreshold int `mapstructure:"CPU_CLASH_COUNT_THRESHOLD"`
	MinRecReplicas         int `mapstructure:"MIN_REC_REPLICAS"`

	// DCR percentile sweep bounds, inclusive.
	MinDCRPercentileValue int `mapstructure:"MIN_DCR_PERCENTILE_VALUE"`
	MaxDCRPercentileValue int `mapstructure:"MAX_DCR_PERCENTILE_VALUE"`

	ExcludedNamespaces []string `mapstructure:"EXCLUDED_NAMESPACES"`
}

// UserAgent identifies this tool on outbound API calls.
const UserAgent = "cloud-solutions/gke-wa-hpa-recommender-v1"

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"DISTANCE_BETWEEN_POINTS_SECONDS":            60,
		"DEFAULT_POD_STARTUPTIME":                    60.0,
		"DEFAULT_HPA_PROCESSING_TIME":                45.0,
		"DEFAULT_CLUSTER_AUTOSCALER_STARTUP_TIME":    75.0,
		"HPA_SCALE_LIMIT":                            2.3,
		"HPA_TARGET_BUFFER":                          0.10,
		"HPA_SCALE_DOWN_DEFAULT_BEHAVIOUR_STEPS":     10,
		"EXTRA_HPA_BUFFER_FOR_MAX_REPLICAS":          1.00,
		"EXTRA_HPA_BUFFER_FOR_MEMORY_RECOMMENDATION": 1.05,
		"EXTRA_HPA_BUFFER_FOR_CPU_USAGE_CAPACITY":    1.05,
		"EXTRA_VPA_BUFFER_FOR_MEMORY_RECOMMENDATION": 1.05,
		"EXTRA_VPA_BUFFER_FOR_CPU_USAGE_CAPACITY":    1.001,
		"MIN_CPU_CORE_PROPOSED_VALUE":                0.010,
		"COST_OF_GB_IN_CPUS":                         7.5,
		"MCPU_ROUNDING":                              3,
		"MIN_HPA_TARGET_CPU":                         0.40,
		"MAX_HPA_TARGET_CPU":                         1.00,
		"UNDERPROVISIONED_CPU_USAGE_THRESHOLD":       0.9,
		"CPU_CLASH_COUNT_THRESHOLD":                  0,
		"MIN_REC_REPLICAS":                           3,
		"MIN_DCR_PERCENTILE_VALUE":                   10,
		"MAX_DCR_PERCENTILE_VALUE":                   100,
		"EXCLUDED_NAMESPACES": []string{
			"kube-system",
			"istio-system",
			"gatekeeper-system",
			"gke-system",
			"gmp-system",
			"gke-gmp-system",
			"gke-managed-filestorecsi",
			"gke-mcs",
		},
	}
}

// Default returns the stock configuration.
func Default() Config {
	c, err := WithOverrides(nil)
	if err != nil {
		// Defaults are statically valid; an error here is a programming bug.
		panic(err)
	}
	return c
}

// WithOverrides builds a Config from the defaults plus the given
// overrides, keyed by the canonical option names
// (e.g. "HPA_TARGET_BUFFER"). Unknown option names are rejected.
func WithOverrides(overrides map[string]interface{}) (Config, error) {
	v := viper.New()
	known := defaults()
	for name, value := range known {
		v.SetDefault(name, value)
	}
	for name, value := range overrides {
		if _, ok := known[name]; !ok {
			return Config{}, fmt.Errorf("%s is not a valid configuration option", name)
		}
		v.Set(name, value)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.DistanceBetweenPointsSeconds <= 0 {
		return fmt.Errorf("DISTANCE_BETWEEN_POINTS_SECONDS must be greater than 0, got %d",
			c.DistanceBetweenPointsSeconds)
	}
	if c.MinDCRPercentileValue > c.MaxDCRPercentileValue {
		return fmt.Errorf("MIN_DCR_PERCENTILE_VALUE %d exceeds MAX_DCR_PERCENTILE_VALUE %d",
			c.MinDCRPercentileValue, c.MaxDCRPercentileValue)
	}
	return nil
}

// WithExtraExcludedNamespaces returns a copy of c with the namespaces
// from the comma-separated list merged into ExcludedNamespaces,
// skipping blanks and entries already present.
func (c Config) WithExtraExcludedNamespaces(namespaces string) Config {
	existing := make(map[string]struct{}, len(c.ExcludedNamespaces))
	merged := make([]string, len(c.ExcludedNamespaces))
	copy(merged, c.ExcludedNamespaces)
	for _, ns := range c.ExcludedNamespaces {
		existing[ns] = struct{}{}
	}
	for _, ns := range strings.Split(namespaces, ",") {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			continue
		}
		if _, ok := existing[ns]; ok {
			continue
		}
		existing[ns] = struct{}{}
		merged = append(merged, ns)
	}
	out := c
	out.ExcludedNamespaces = merged
	return out
}

// String renders every setting, one per line, for startup logging.
func (c Config) String() string {
	lines := []string{
		fmt.Sprintf("DISTANCE_BETWEEN_POINTS_SECONDS: %d", c.DistanceBetweenPointsSeconds),
		fmt.Sprintf("DEFAULT_POD_STARTUPTIME: %g", c.DefaultPodStartupTime),
		fmt.Sprintf("DEFAULT_HPA_PROCESSING_TIME: %g", c.DefaultHPAProcessingTime),
		fmt.Sprintf("DEFAULT_CLUSTER_AUTOSCALER_STARTUP_TIME: %g", c.DefaultClusterAutoscalerStartupTime),
		fmt.Sprintf("HPA_SCALE_LIMIT: %g", c.HPAScaleLimit),
		fmt.Sprintf("HPA_TARGET_BUFFER: %g", c.HPATargetBuffer),
		fmt.Sprintf("HPA_SCALE_DOWN_DEFAULT_BEHAVIOUR_STEPS: %d", c.HPAScaleDownBehaviourSteps),
		fmt.Sprintf("EXTRA_HPA_BUFFER_FOR_MAX_REPLICAS: %g", c.ExtraHPABufferForMaxReplicas),
		fmt.Sprintf("EXTRA_HPA_BUFFER_FOR_MEMORY_RECOMMENDATION: %g", c.ExtraHPABufferForMemoryRecommendation),
		fmt.Sprintf("EXTRA_HPA_BUFFER_FOR_CPU_USAGE_CAPACITY: %g", c.ExtraHPABufferForCPUUsageCapacity),
		fmt.Sprintf("EXTRA_VPA_BUFFER_FOR_MEMORY_RECOMMENDATION: %g", c.ExtraVPABufferForMemoryRecommendation),
		fmt.Sprintf("EXTRA_VPA_BUFFER_FOR_CPU_USAGE_CAPACITY: %g", c.ExtraVPABufferForCPUUsageCapacity),
		fmt.Sprintf("MIN_CPU_CORE_PROPOSED_VALUE: %g", c.MinCPUCoreProposedValue),
		fmt.Sprintf("COST_OF_GB_IN_CPUS: %g", c.CostOfGBInCPUs),
		fmt.Sprintf("MCPU_ROUNDING: %d", c.MCPURounding),
		fmt.Sprintf("MIN_HPA_TARGET_CPU: %g", c.MinHPATargetCPU),
		fmt.Sprintf("MAX_HPA_TARGET_CPU: %g", c.MaxHPATargetCPU),
		fmt.Sprintf("UNDERPROVISIONED_CPU_USAGE_THRESHOLD: %g", c.UnderprovisionedCPUUsageThreshold),
		fmt.Sprintf("CPU_CLASH_COUNT_THRESHOLD: %d", c.CPUClashCountThreshold),
		fmt.Sprintf("MIN_REC_REPLICAS: %d", c.MinRecReplicas),
		fmt.Sprintf("MIN_DCR_PERCENTILE_VALUE: %d", c.MinDCRPercentileValue),
		fmt.Sprintf("MAX_DCR_PERCENTILE_VALUE: %d", c.MaxDCRPercentileValue),
		fmt.Sprintf("EXCLUDED_NAMESPACES: %s", strings.Join(c.ExcludedNamespaces, ",")),
	}
	sort.Strings(lines)
	return "===== Configs =====\n" + strings.Join(lines, "\n")
}

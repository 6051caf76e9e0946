package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/twitter/gpusched/joblog"
	"github.com/twitter/gpusched/scheduler/domain"
	"github.com/twitter/gpusched/scheduler/prober"
	"github.com/twitter/gpusched/scheduler/server"
)

// Environment variables overriding config keys are named EnvPrefix_<SECTION>_<KEY>,
// e.g. GPUSCHED_HEALTH_INTERVAL=10s.
const EnvPrefix = "GPUSCHED"

// Config is the file form of the scheduler configuration. Durations are
// strings parsed with time.ParseDuration, "" leaves the scheduler's default.
type Config struct {
	DebugMode     bool
	JobTimeout    string
	DispatchRate  float64
	DispatchBurst int
	MaxJobHistory int

	Nodes       []NodeConfig
	Types       map[string]TypeConfig
	RateLimits  RateLimitConfig
	Resources   ResourceConfig
	Health      HealthConfig
	CPUFallback CPUFallbackConfig

	Prober ProberConfig
	JobLog JobLogConfig
	Admin  AdminConfig
}

type NodeConfig struct {
	ID             string
	Kind           string
	Types          []string
	VRAMCapacityMB int
	MaxConcurrent  map[string]int
}

type TypeConfig struct {
	MaxConcurrent    int
	MaxQueueSize     int
	MaxRetries       int
	Backoff          string
	BaseDelay        string
	MaxDelay         string
	Jitter           float64
	ExecutionTimeout string
}

type RateRuleConfig struct {
	Limit  int
	Window string
}

type TierConfig struct {
	PerType  map[string]RateRuleConfig
	AllTypes RateRuleConfig
}

type RateLimitConfig struct {
	Tiers              map[string]TierConfig
	MaxConcurrentUsers int
	MaxQueueSize       int
	MaxBuckets         int
}

type ResourceConfig struct {
	VRAMLimit            float64
	ThrottleTemperature  float64
	VRAMAlertThreshold   float64
	BatteryMaxConcurrent int
	IdleTimeout          string
}

type HealthConfig struct {
	Interval         string
	Timeout          string
	RecoveryCoolDown string
}

type CPUFallbackConfig struct {
	Enabled       bool
	Types         []string
	MaxConcurrent int
}

// ProberConfig Type is "sim" or "http". NodeURIs maps node id to its agent's root uri.
type ProberConfig struct {
	Type       string
	NodeURIs   map[string]string
	HealthPath string
}

// JobLogConfig Type is "none", "memory" or "file", which writes under Directory.
type JobLogConfig struct {
	Type      string
	Directory string
}

type AdminConfig struct {
	Addr string
}

// ConfigNames returns the selectors of the named configurations in sorted order.
func ConfigNames() []string {
	keys := make([]string, 0, len(ConfigsMap))
	for k := range ConfigsMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetConfigText returns the json text of a named configuration.
func GetConfigText(configSelector string) ([]byte, error) {
	config, ok := ConfigsMap[configSelector]
	if !ok {
		return nil, fmt.Errorf("invalid scheduler configuration %s, supported values are %v", configSelector, ConfigNames())
	}

	configBytes, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("couldn't marshal the %s config: %v", configSelector, err)
	}
	return configBytes, nil
}

// LoadConfig builds a Config from the named configuration, overlaid by the
// json/yaml/toml file at configFile when not empty, then by GPUSCHED_*
// environment variables. The result is validated.
func LoadConfig(configSelector string, configFile string) (*Config, error) {
	text, err := GetConfigText(configSelector)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(text)); err != nil {
		return nil, errors.Wrapf(err, "reading %s config", configSelector)
	}
	if configFile != "" {
		// read separately so the file's extension picks its format
		fv := viper.New()
		fv.SetConfigFile(configFile)
		if err := fv.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", configFile)
		}
		if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
			return nil, errors.Wrapf(err, "merging config file %s", configFile)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}
	err = v.Unmarshal(config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	config.applySectionDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	log.WithFields(
		log.Fields{
			"selector": configSelector,
			"file":     configFile,
			"nodes":    len(config.Nodes),
			"prober":   config.Prober.Type,
			"joblog":   config.JobLog.Type,
		}).Info("Loaded scheduler config")
	return config, nil
}

// applySectionDefaults fills typed sections left empty from the default configuration.
func (c *Config) applySectionDefaults() {
	if c.Prober.Type == "" {
		c.Prober = defaultConfig.Prober
	}
	if c.JobLog.Type == "" {
		c.JobLog = defaultConfig.JobLog
	}
	if c.Admin.Addr == "" {
		c.Admin = defaultConfig.Admin
	}
}

// parseDuration parses an optional duration, collecting the error under name.
func parseDuration(merr *multierror.Error, name, s string) (time.Duration, *multierror.Error) {
	if s == "" {
		return 0, merr
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, multierror.Append(merr, errors.Wrapf(err, "%s", name))
	}
	if d < 0 {
		return 0, multierror.Append(merr, fmt.Errorf("%s must not be negative, got %s", name, s))
	}
	return d, merr
}

// Validate reports every problem with the config at once.
func (c *Config) Validate() error {
	_, err := c.build()
	return err
}

// CreateSchedulerConfig translates the config into the scheduler's configuration.
func (c *Config) CreateSchedulerConfig() (server.SchedulerConfiguration, error) {
	return c.build()
}

func (c *Config) build() (server.SchedulerConfiguration, error) {
	var merr *multierror.Error
	sc := server.SchedulerConfiguration{
		DebugMode:     c.DebugMode,
		DispatchRate:  c.DispatchRate,
		DispatchBurst: c.DispatchBurst,
		MaxJobHistory: c.MaxJobHistory,
		Types:         map[domain.JobType]server.TypeConfig{},
	}
	sc.JobTimeout, merr = parseDuration(merr, "JobTimeout", c.JobTimeout)
	if c.DispatchRate < 0 || c.DispatchBurst < 0 || c.MaxJobHistory < 0 {
		merr = multierror.Append(merr, errors.New("DispatchRate, DispatchBurst and MaxJobHistory must not be negative"))
	}

	if len(c.Nodes) == 0 {
		merr = multierror.Append(merr, errors.New("at least one node is required"))
	}
	seen := map[string]bool{}
	for i, n := range c.Nodes {
		name := fmt.Sprintf("Nodes[%d]", i)
		if n.ID == "" {
			merr = multierror.Append(merr, fmt.Errorf("%s: missing ID", name))
		} else if seen[n.ID] {
			merr = multierror.Append(merr, fmt.Errorf("%s: duplicate node %s", name, n.ID))
		}
		seen[n.ID] = true

		kind := domain.NodeKind(n.Kind)
		if kind != domain.GPU && kind != domain.CPU {
			merr = multierror.Append(merr, fmt.Errorf("%s: unknown kind %q", name, n.Kind))
		}
		if n.VRAMCapacityMB < 0 {
			merr = multierror.Append(merr, fmt.Errorf("%s: negative VRAMCapacityMB", name))
		}
		nc := server.NodeConfig{ID: n.ID, Kind: kind, VRAMCapacityMB: n.VRAMCapacityMB}
		for _, s := range n.Types {
			t, err := domain.ParseJobType(s)
			if err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "%s", name))
				continue
			}
			nc.Types = append(nc.Types, t)
		}
		for s, max := range n.MaxConcurrent {
			t, err := domain.ParseJobType(s)
			if err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "%s.MaxConcurrent", name))
				continue
			}
			if max < 1 {
				merr = multierror.Append(merr, fmt.Errorf("%s.MaxConcurrent[%s] must be at least 1", name, s))
			}
			if nc.MaxConcurrent == nil {
				nc.MaxConcurrent = map[domain.JobType]int{}
			}
			nc.MaxConcurrent[t] = max
		}
		sc.Nodes = append(sc.Nodes, nc)
	}

	for s, tc := range c.Types {
		name := fmt.Sprintf("Types[%s]", s)
		t, err := domain.ParseJobType(s)
		if err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "Types"))
			continue
		}
		if tc.MaxConcurrent < 0 || tc.MaxQueueSize < 0 || tc.MaxRetries < 0 {
			merr = multierror.Append(merr, fmt.Errorf("%s: counts must not be negative", name))
		}
		if tc.Jitter < 0 || tc.Jitter >= 1 {
			merr = multierror.Append(merr, fmt.Errorf("%s: Jitter must be in [0,1), got %g", name, tc.Jitter))
		}
		backoff := domain.BackoffKind(tc.Backoff)
		switch backoff {
		case "", domain.FixedBackoff, domain.LinearBackoff, domain.ExponentialBackoff:
		default:
			merr = multierror.Append(merr, fmt.Errorf("%s: unknown backoff %q", name, tc.Backoff))
		}
		stc := server.TypeConfig{
			MaxConcurrent: tc.MaxConcurrent,
			MaxQueueSize:  tc.MaxQueueSize,
			Retry: domain.RetryPolicy{
				MaxRetries: tc.MaxRetries,
				Backoff:    backoff,
				Jitter:     tc.Jitter,
			},
		}
		stc.Retry.BaseDelay, merr = parseDuration(merr, name+".BaseDelay", tc.BaseDelay)
		stc.Retry.MaxDelay, merr = parseDuration(merr, name+".MaxDelay", tc.MaxDelay)
		stc.ExecutionTimeout, merr = parseDuration(merr, name+".ExecutionTimeout", tc.ExecutionTimeout)
		sc.Types[t] = stc
	}

	sc.RateLimits = server.RateLimitConfig{
		Tiers:              map[domain.Tier]server.TierLimits{},
		MaxConcurrentUsers: c.RateLimits.MaxConcurrentUsers,
		MaxQueueSize:       c.RateLimits.MaxQueueSize,
		MaxBuckets:         c.RateLimits.MaxBuckets,
	}
	for s, tier := range c.RateLimits.Tiers {
		name := fmt.Sprintf("RateLimits.Tiers[%s]", s)
		if domain.Tier(s) != domain.Free && domain.Tier(s) != domain.Paid {
			merr = multierror.Append(merr, fmt.Errorf("%s: unknown tier", name))
			continue
		}
		limits := server.TierLimits{PerType: map[domain.JobType]server.RateRule{}}
		for ts, rule := range tier.PerType {
			t, err := domain.ParseJobType(ts)
			if err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "%s", name))
				continue
			}
			var rr server.RateRule
			rr, merr = rateRule(merr, fmt.Sprintf("%s.PerType[%s]", name, ts), rule)
			limits.PerType[t] = rr
		}
		limits.AllTypes, merr = rateRule(merr, name+".AllTypes", tier.AllTypes)
		sc.RateLimits.Tiers[domain.Tier(s)] = limits
	}

	r := c.Resources
	if r.VRAMLimit < 0 || r.VRAMLimit > 1 {
		merr = multierror.Append(merr, fmt.Errorf("Resources.VRAMLimit must be in (0,1], got %g", r.VRAMLimit))
	}
	if r.VRAMAlertThreshold < 0 || r.VRAMAlertThreshold > 1 {
		merr = multierror.Append(merr, fmt.Errorf("Resources.VRAMAlertThreshold must be in (0,1], got %g", r.VRAMAlertThreshold))
	}
	if r.ThrottleTemperature < 0 || r.BatteryMaxConcurrent < 0 {
		merr = multierror.Append(merr, errors.New("Resources.ThrottleTemperature and BatteryMaxConcurrent must not be negative"))
	}
	sc.Resources = server.ResourceLimits{
		VRAMLimit:            r.VRAMLimit,
		ThrottleTemperature:  r.ThrottleTemperature,
		VRAMAlertThreshold:   r.VRAMAlertThreshold,
		BatteryMaxConcurrent: r.BatteryMaxConcurrent,
	}
	sc.Resources.IdleTimeout, merr = parseDuration(merr, "Resources.IdleTimeout", r.IdleTimeout)

	sc.Health.Interval, merr = parseDuration(merr, "Health.Interval", c.Health.Interval)
	sc.Health.Timeout, merr = parseDuration(merr, "Health.Timeout", c.Health.Timeout)
	sc.Health.RecoveryCoolDown, merr = parseDuration(merr, "Health.RecoveryCoolDown", c.Health.RecoveryCoolDown)

	sc.CPUFallback = server.CPUFallbackConfig{Enabled: c.CPUFallback.Enabled, MaxConcurrent: c.CPUFallback.MaxConcurrent}
	for _, s := range c.CPUFallback.Types {
		t, err := domain.ParseJobType(s)
		if err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "CPUFallback.Types"))
			continue
		}
		sc.CPUFallback.Types = append(sc.CPUFallback.Types, t)
	}
	if c.CPUFallback.Enabled {
		hasCPU := false
		for _, n := range c.Nodes {
			hasCPU = hasCPU || domain.NodeKind(n.Kind) == domain.CPU
		}
		if !hasCPU {
			merr = multierror.Append(merr, errors.New("CPUFallback is enabled but no cpu node is configured"))
		}
	}

	switch c.Prober.Type {
	case "", "sim":
	case "http":
		for _, n := range c.Nodes {
			if _, ok := c.Prober.NodeURIs[n.ID]; !ok {
				merr = multierror.Append(merr, fmt.Errorf("Prober.NodeURIs: no uri for node %s", n.ID))
			}
		}
	default:
		merr = multierror.Append(merr, fmt.Errorf("Prober: unknown type %q", c.Prober.Type))
	}
	switch c.JobLog.Type {
	case "", "none", "memory":
	case "file":
		if c.JobLog.Directory == "" {
			merr = multierror.Append(merr, errors.New("JobLog: file job log needs a Directory"))
		}
	default:
		merr = multierror.Append(merr, fmt.Errorf("JobLog: unknown type %q", c.JobLog.Type))
	}

	return sc, merr.ErrorOrNil()
}

func rateRule(merr *multierror.Error, name string, rule RateRuleConfig) (server.RateRule, *multierror.Error) {
	rr := server.RateRule{Limit: rule.Limit}
	rr.Window, merr = parseDuration(merr, name+".Window", rule.Window)
	if rule.Limit > 0 && rr.Window == 0 {
		merr = multierror.Append(merr, fmt.Errorf("%s: a limit needs a Window", name))
	}
	return rr, merr
}

// CreateProber returns the configured prober. A sim prober is returned as
// *prober.SimProber so callers can drive it.
func (c *Config) CreateProber() (domain.Prober, error) {
	switch c.Prober.Type {
	case "", "sim":
		return prober.NewSimProber(), nil
	case "http":
		path := c.Prober.HealthPath
		if path == "" {
			path = prober.DefaultHealthPath
		}
		return prober.MakeCustomHTTPProber(c.Prober.NodeURIs, path, prober.MakePesterClient()), nil
	}
	return nil, fmt.Errorf("unknown prober type %q", c.Prober.Type)
}

// CreateJobLog returns the configured job log, nil for "none".
func (c *Config) CreateJobLog() (joblog.JobLog, error) {
	switch c.JobLog.Type {
	case "none":
		return nil, nil
	case "", "memory":
		return joblog.MakeInMemoryJobLog(), nil
	case "file":
		return joblog.MakeFileJobLog(c.JobLog.Directory)
	}
	return nil, fmt.Errorf("unknown job log type %q", c.JobLog.Type)
}

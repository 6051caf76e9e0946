package config

// ConfigsMap holds the named configurations, selected by name on the command line.
// Sections with an empty Type are taken from the default configuration.
var ConfigsMap = map[string]Config{
	"default":      defaultConfig,
	"server.gpu":   serverGPU,
	"laptop.8gb":   laptop8GB,
	"local.memory": localMemory,
}

var allTypes = []string{"llm", "image", "tts", "render"}

var defaultTypes = map[string]TypeConfig{
	"llm":    {MaxConcurrent: 2, MaxQueueSize: 100, MaxRetries: 2, Backoff: "exponential", BaseDelay: "1s", ExecutionTimeout: "60s"},
	"image":  {MaxConcurrent: 1, MaxQueueSize: 100, MaxRetries: 1, Backoff: "fixed", BaseDelay: "5s", ExecutionTimeout: "120s"},
	"tts":    {MaxConcurrent: 3, MaxQueueSize: 100, MaxRetries: 3, Backoff: "linear", BaseDelay: "1s", ExecutionTimeout: "30s"},
	"render": {MaxConcurrent: 2, MaxQueueSize: 100, MaxRetries: 1, Backoff: "fixed", BaseDelay: "10s", ExecutionTimeout: "300s"},
}

var defaultRateLimits = RateLimitConfig{
	Tiers: map[string]TierConfig{
		"free": {PerType: map[string]RateRuleConfig{
			"llm":    {Limit: 10, Window: "1h"},
			"image":  {Limit: 5, Window: "1h"},
			"render": {Limit: 3, Window: "1h"},
		}},
		"paid": {PerType: map[string]RateRuleConfig{
			"llm":    {Limit: 100, Window: "1h"},
			"image":  {Limit: 50, Window: "1h"},
			"render": {Limit: 20, Window: "1h"},
		}},
	},
	MaxConcurrentUsers: 50,
	MaxQueueSize:       100,
}

var defaultConfig = Config{
	JobTimeout: "600s",
	Nodes: []NodeConfig{
		{ID: "gpu-0", Kind: "gpu", Types: allTypes, VRAMCapacityMB: 24000},
	},
	Types:      defaultTypes,
	RateLimits: defaultRateLimits,
	Resources: ResourceConfig{
		VRAMLimit:            0.8,
		ThrottleTemperature:  80,
		VRAMAlertThreshold:   0.85,
		BatteryMaxConcurrent: 1,
		IdleTimeout:          "300s",
	},
	Health: HealthConfig{
		Interval:         "30s",
		Timeout:          "10s",
		RecoveryCoolDown: "30s",
	},
	Prober: ProberConfig{Type: "sim"},
	JobLog: JobLogConfig{Type: "memory"},
	Admin:  AdminConfig{Addr: "localhost:9091"},
}

// serverGPU is a two gpu server with a cpu node taking llm jobs while both gpus are down.
// Nodes run an agent serving their health on port 9100.
var serverGPU = Config{
	JobTimeout:   "600s",
	DispatchRate: 20,
	Nodes: []NodeConfig{
		{ID: "gpu-0", Kind: "gpu", Types: allTypes, VRAMCapacityMB: 24000},
		{ID: "gpu-1", Kind: "gpu", Types: allTypes, VRAMCapacityMB: 24000},
		{ID: "cpu-0", Kind: "cpu"},
	},
	Types:       defaultTypes,
	RateLimits:  defaultRateLimits,
	Resources:   defaultConfig.Resources,
	Health:      defaultConfig.Health,
	CPUFallback: CPUFallbackConfig{Enabled: true, Types: []string{"llm"}, MaxConcurrent: 1},
	Prober: ProberConfig{
		Type: "http",
		NodeURIs: map[string]string{
			"gpu-0": "http://gpu-0:9100",
			"gpu-1": "http://gpu-1:9100",
			"cpu-0": "http://cpu-0:9100",
		},
		HealthPath: "health",
	},
	JobLog: JobLogConfig{Type: "file", Directory: "/var/log/gpusched/jobs"},
	Admin:  AdminConfig{Addr: "0.0.0.0:9091"},
}

// laptop8GB is a single 8GB laptop gpu that may run on battery, with hourly
// and daily caps for free users.
var laptop8GB = Config{
	JobTimeout: "600s",
	Nodes: []NodeConfig{
		{ID: "laptop-gpu", Kind: "gpu", Types: allTypes, VRAMCapacityMB: 8000,
			MaxConcurrent: map[string]int{"llm": 1, "tts": 2, "render": 1}},
		{ID: "laptop-cpu", Kind: "cpu"},
	},
	Types: defaultTypes,
	RateLimits: RateLimitConfig{
		Tiers: map[string]TierConfig{
			"free": {
				PerType: map[string]RateRuleConfig{
					"llm":    {Limit: 10, Window: "1h"},
					"image":  {Limit: 5, Window: "1h"},
					"render": {Limit: 3, Window: "1h"},
				},
				AllTypes: RateRuleConfig{Limit: 50, Window: "24h"},
			},
			"paid": {
				PerType: map[string]RateRuleConfig{
					"llm":   {Limit: 60, Window: "1h"},
					"image": {Limit: 20, Window: "1h"},
				},
				AllTypes: RateRuleConfig{Limit: 500, Window: "24h"},
			},
		},
		MaxConcurrentUsers: 5,
		MaxQueueSize:       20,
	},
	Resources: ResourceConfig{
		VRAMLimit:            0.8,
		ThrottleTemperature:  85,
		VRAMAlertThreshold:   0.85,
		BatteryMaxConcurrent: 1,
		IdleTimeout:          "300s",
	},
	Health: HealthConfig{
		Interval:         "10s",
		Timeout:          "5s",
		RecoveryCoolDown: "30s",
	},
	CPUFallback: CPUFallbackConfig{Enabled: true, Types: []string{"llm"}, MaxConcurrent: 1},
}

// localMemory is for demos and tests: fast health checks and short windows.
var localMemory = Config{
	JobTimeout: "30s",
	Nodes: []NodeConfig{
		{ID: "gpu-0", Kind: "gpu", Types: allTypes, VRAMCapacityMB: 24000},
		{ID: "gpu-1", Kind: "gpu", Types: []string{"llm", "tts"}, VRAMCapacityMB: 12000},
		{ID: "cpu-0", Kind: "cpu"},
	},
	Types: map[string]TypeConfig{
		"llm":    {MaxConcurrent: 2, MaxRetries: 2, Backoff: "exponential", BaseDelay: "100ms", MaxDelay: "1s", ExecutionTimeout: "5s"},
		"image":  {MaxConcurrent: 1, MaxRetries: 1, Backoff: "fixed", BaseDelay: "200ms", ExecutionTimeout: "5s"},
		"tts":    {MaxConcurrent: 3, MaxRetries: 3, Backoff: "linear", BaseDelay: "100ms", ExecutionTimeout: "5s"},
		"render": {MaxConcurrent: 2, MaxRetries: 1, Backoff: "fixed", BaseDelay: "300ms", ExecutionTimeout: "10s"},
	},
	RateLimits: RateLimitConfig{
		Tiers: map[string]TierConfig{
			"free": {PerType: map[string]RateRuleConfig{"llm": {Limit: 10, Window: "1m"}}},
		},
	},
	Health: HealthConfig{
		Interval:         "1s",
		Timeout:          "500ms",
		RecoveryCoolDown: "2s",
	},
	CPUFallback: CPUFallbackConfig{Enabled: true, Types: []string{"llm"}},
	Admin:       AdminConfig{Addr: "localhost:0"},
}

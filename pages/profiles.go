package pages

import "time"

// Profile names a concurrency/politeness preset.
type Profile string

const (
	ProfileStealth    Profile = "stealth"
	ProfileBalanced   Profile = "balanced"
	ProfileAggressive Profile = "aggressive"
	ProfileSingle     Profile = "single"
)

// ProfileConfig enumerates the tunables a profile sets.
type ProfileConfig struct {
	MaxConcurrentPages       int           `yaml:"max_concurrent_pages" json:"maxConcurrentPages"`
	MaxConcurrentNavigations int           `yaml:"max_concurrent_navigations" json:"maxConcurrentNavigations"`
	MinNavDelay              time.Duration `yaml:"min_nav_delay" json:"minNavDelay"`
	DomainRateLimitDelay     time.Duration `yaml:"domain_rate_limit_delay" json:"domainRateLimitDelay"`
	ResourceMonitoring       bool          `yaml:"resource_monitoring" json:"resourceMonitoring"`
	MaxMemoryMB              float64       `yaml:"max_memory_mb" json:"maxMemoryMB"`
	MaxCPUPercent            float64       `yaml:"max_cpu_percent" json:"maxCPUPercent"`
	NavigationTimeout        time.Duration `yaml:"navigation_timeout" json:"navigationTimeout"`
}

// Profiles is the closed set of presets.
var Profiles = map[Profile]ProfileConfig{
	ProfileStealth: {
		MaxConcurrentPages:       2,
		MaxConcurrentNavigations: 1,
		MinNavDelay:              3000 * time.Millisecond,
		DomainRateLimitDelay:     5000 * time.Millisecond,
		ResourceMonitoring:       true,
		MaxMemoryMB:              1024,
		MaxCPUPercent:            50,
		NavigationTimeout:        60 * time.Second,
	},
	ProfileBalanced: {
		MaxConcurrentPages:       5,
		MaxConcurrentNavigations: 3,
		MinNavDelay:              500 * time.Millisecond,
		DomainRateLimitDelay:     1000 * time.Millisecond,
		ResourceMonitoring:       true,
		MaxMemoryMB:              2048,
		MaxCPUPercent:            70,
		NavigationTimeout:        45 * time.Second,
	},
	ProfileAggressive: {
		MaxConcurrentPages:       10,
		MaxConcurrentNavigations: 5,
		MinNavDelay:              0,
		DomainRateLimitDelay:     200 * time.Millisecond,
		ResourceMonitoring:       true,
		MaxMemoryMB:              4096,
		MaxCPUPercent:            90,
		NavigationTimeout:        30 * time.Second,
	},
	ProfileSingle: {
		MaxConcurrentPages:       1,
		MaxConcurrentNavigations: 1,
		MinNavDelay:              0,
		DomainRateLimitDelay:     0,
		ResourceMonitoring:       false,
		MaxMemoryMB:              1024,
		MaxCPUPercent:            80,
		NavigationTimeout:        60 * time.Second,
	},
}

// ProfileFor returns the preset for a profile name, defaulting to balanced.
func ProfileFor(name Profile) ProfileConfig {
	if cfg, ok := Profiles[name]; ok {
		return cfg
	}
	return Profiles[ProfileBalanced]
}

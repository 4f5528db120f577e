// Package config loads the fabric's startup options from file, environment,
// and flags using spf13/viper, binding the same option names spec.md names
// as indicative defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConflictStrategy names one of the executor's dispatch-pump strategies.
type ConflictStrategy string

const (
	StrategyCausal          ConflictStrategy = "CAUSAL"
	StrategyPriority        ConflictStrategy = "PRIORITY"
	StrategyEmergencyFirst  ConflictStrategy = "EMERGENCY_FIRST"
	StrategyResourceOptimal ConflictStrategy = "RESOURCE_OPTIMAL"
	StrategyFCFS            ConflictStrategy = "FCFS"
)

// PriorityWeights is the configurable scoring table behind §4.3.4's
// priority-score structure: emergency multiplier x user priority + kind
// bonus + deadline urgency term.
type PriorityWeights struct {
	EmergencyMultiplier map[string]float64 `mapstructure:"emergency_multiplier"`
	KindBonus           map[string]float64 `mapstructure:"kind_bonus"`
	DeadlineWeight      float64            `mapstructure:"deadline_weight"`
	WeightFactor        float64            `mapstructure:"weight_factor"`
}

// DefaultPriorityWeights returns a reasonable priority-scoring structure
// with concrete, documented-as-tunable defaults.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{
		EmergencyMultiplier: map[string]float64{
			"LOW": 2, "MEDIUM": 3, "HIGH": 5, "CRITICAL": 10,
		},
		KindBonus: map[string]float64{
			"critical": 30,
			"medical":  20,
			"fire":     10,
		},
		DeadlineWeight: 10,
		WeightFactor:   1,
	}
}

// Config holds every tunable named in spec.md §6.
type Config struct {
	SyncPeriod                time.Duration     `mapstructure:"-"`
	DiscoveryPeriod           time.Duration     `mapstructure:"-"`
	HeartbeatPeriod           time.Duration     `mapstructure:"-"`
	HeartbeatFailureMultiplier int              `mapstructure:"heartbeat_failure_multiplier"`
	MaxConcurrentJobs         int               `mapstructure:"max_concurrent_jobs"`
	QueueCapacity             int               `mapstructure:"queue_capacity"`
	ConflictStrategy          ConflictStrategy  `mapstructure:"-"`
	PriorityWeights           PriorityWeights   `mapstructure:"priority_weights"`
	EmergencyKeywords         map[string]string `mapstructure:"emergency_keywords"`

	SyncPeriodSeconds      int `mapstructure:"sync_period_seconds"`
	DiscoveryPeriodSeconds int `mapstructure:"discovery_period_seconds"`
	HeartbeatPeriodSeconds int `mapstructure:"heartbeat_period_seconds"`

	// DataDir, when non-empty, turns on BoltDB-backed persistence for
	// whichever process (broker or executor) loads this config.
	DataDir string `mapstructure:"data_dir"`
}

// DefaultEmergencyKeywords is the keyword -> kind classifier table used by
// the broker's job intake (§4.3.1).
func DefaultEmergencyKeywords() map[string]string {
	return map[string]string{
		"fire":      "fire",
		"medical":   "medical",
		"critical":  "critical",
		"urgent":    "urgent",
		"emergency": "emergency",
	}
}

// Default returns the documented out-of-the-box defaults.
func Default() *Config {
	return &Config{
		SyncPeriod:                 60 * time.Second,
		DiscoveryPeriod:            30 * time.Second,
		HeartbeatPeriod:            5 * time.Second,
		HeartbeatFailureMultiplier: 5,
		MaxConcurrentJobs:          4,
		QueueCapacity:              10000,
		ConflictStrategy:           StrategyCausal,
		PriorityWeights:            DefaultPriorityWeights(),
		EmergencyKeywords:          DefaultEmergencyKeywords(),
		SyncPeriodSeconds:          60,
		DiscoveryPeriodSeconds:     30,
		HeartbeatPeriodSeconds:     5,
	}
}

// BindFlags registers the flags cmd/dispatchd exposes on top of the
// defaults on the given subcommand flag set and binds each into viper, the
// same way for both the broker and executor commands.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Int("sync-period-seconds", 60, "broker metadata sync period in seconds")
	flags.Int("discovery-period-seconds", 30, "peer discovery period in seconds")
	flags.Int("heartbeat-period-seconds", 5, "executor heartbeat period in seconds")
	flags.Int("heartbeat-failure-multiplier", 5, "heartbeat gaps before an executor is declared failed")
	flags.Int("max-concurrent-jobs", 4, "executor dispatch-pump capacity")
	flags.Int("queue-capacity", 10000, "broker job queue bound")
	flags.String("conflict-strategy", string(StrategyCausal), "CAUSAL|PRIORITY|EMERGENCY_FIRST|RESOURCE_OPTIMAL|FCFS")
	flags.String("data-dir", "", "enable BoltDB persistence rooted at this directory (empty disables it)")

	_ = v.BindPFlags(flags)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load reads config from v (file/env/flags already merged by viper) layered
// on top of the documented defaults.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()

	if v.IsSet("sync-period-seconds") {
		cfg.SyncPeriod = time.Duration(v.GetInt("sync-period-seconds")) * time.Second
	}
	if v.IsSet("discovery-period-seconds") {
		cfg.DiscoveryPeriod = time.Duration(v.GetInt("discovery-period-seconds")) * time.Second
	}
	if v.IsSet("heartbeat-period-seconds") {
		cfg.HeartbeatPeriod = time.Duration(v.GetInt("heartbeat-period-seconds")) * time.Second
	}
	if v.IsSet("heartbeat-failure-multiplier") {
		cfg.HeartbeatFailureMultiplier = v.GetInt("heartbeat-failure-multiplier")
	}
	if v.IsSet("max-concurrent-jobs") {
		cfg.MaxConcurrentJobs = v.GetInt("max-concurrent-jobs")
	}
	if v.IsSet("queue-capacity") {
		cfg.QueueCapacity = v.GetInt("queue-capacity")
	}
	if v.IsSet("conflict-strategy") {
		strat := ConflictStrategy(v.GetString("conflict-strategy"))
		switch strat {
		case StrategyCausal, StrategyPriority, StrategyEmergencyFirst, StrategyResourceOptimal, StrategyFCFS:
			cfg.ConflictStrategy = strat
		default:
			return nil, fmt.Errorf("config: unknown conflict strategy %q", strat)
		}
	}

	if v.IsSet("priority_weights") {
		var weights PriorityWeights
		if err := v.UnmarshalKey("priority_weights", &weights); err != nil {
			return nil, fmt.Errorf("config: priority_weights: %w", err)
		}
		cfg.PriorityWeights = weights
	}
	if v.IsSet("data-dir") {
		cfg.DataDir = v.GetString("data-dir")
	}
	if v.IsSet("emergency_keywords") {
		var kw map[string]string
		if err := v.UnmarshalKey("emergency_keywords", &kw); err != nil {
			return nil, fmt.Errorf("config: emergency_keywords: %w", err)
		}
		cfg.EmergencyKeywords = kw
	}

	return cfg, nil
}

// Package config loads runtime configuration from a YAML file and
// CONDUCTOR_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
	Delegation DelegationConfig `mapstructure:"delegation" yaml:"delegation"`
	Confirm    ConfirmConfig    `mapstructure:"confirm" yaml:"confirm"`
	Breaker    BreakerConfig    `mapstructure:"breaker" yaml:"breaker"`
	Agents     AgentsConfig     `mapstructure:"agents" yaml:"agents"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

type SchedulerConfig struct {
	CycleSchedule string        `mapstructure:"cycle_schedule" yaml:"cycle_schedule"`
	StuckCeiling  time.Duration `mapstructure:"stuck_ceiling" yaml:"stuck_ceiling"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchPause    time.Duration `mapstructure:"batch_pause" yaml:"batch_pause"`
	HardTimeout   time.Duration `mapstructure:"hard_timeout" yaml:"hard_timeout"`
	RetryCeiling  int           `mapstructure:"retry_ceiling" yaml:"retry_ceiling"`
}

type DelegationConfig struct {
	BaseTimeout            time.Duration `mapstructure:"base_timeout" yaml:"base_timeout"`
	ScheduledBaseTimeout   time.Duration `mapstructure:"scheduled_base_timeout" yaml:"scheduled_base_timeout"`
	PollInterval           time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ExtensionIncrement     time.Duration `mapstructure:"extension_increment" yaml:"extension_increment"`
	MaxExtension           time.Duration `mapstructure:"max_extension" yaml:"max_extension"`
	MinSignificantProgress int           `mapstructure:"min_significant_progress" yaml:"min_significant_progress"`
	StallThreshold         time.Duration `mapstructure:"stall_threshold" yaml:"stall_threshold"`
}

type ConfirmConfig struct {
	TTL            time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SensitiveTools []string      `mapstructure:"sensitive_tools" yaml:"sensitive_tools,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

type AgentsConfig struct {
	Aliases      map[string]string `mapstructure:"aliases" yaml:"aliases,omitempty"`
	DisplayNames map[string]string `mapstructure:"display_names" yaml:"display_names,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "conductor.db")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "notify")
	v.SetDefault("scheduler.cycle_schedule", "0 * * * * *")
	v.SetDefault("scheduler.stuck_ceiling", "10m")
	v.SetDefault("scheduler.batch_size", 3)
	v.SetDefault("scheduler.batch_pause", "500ms")
	v.SetDefault("scheduler.hard_timeout", "15m")
	v.SetDefault("scheduler.retry_ceiling", 3)
	v.SetDefault("delegation.base_timeout", "3m")
	v.SetDefault("delegation.scheduled_base_timeout", "10m")
	v.SetDefault("delegation.poll_interval", "2s")
	v.SetDefault("delegation.extension_increment", "30s")
	v.SetDefault("delegation.max_extension", "5m")
	v.SetDefault("delegation.min_significant_progress", 10)
	v.SetDefault("delegation.stall_threshold", "45s")
	v.SetDefault("confirm.ttl", "5m")
	v.SetDefault("confirm.sweep_interval", "1m")
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.success_threshold", 1)
	v.SetDefault("breaker.cooldown", "2m")
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply. Environment variables use the CONDUCTOR_
// prefix with underscores, e.g. CONDUCTOR_SERVER_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

const starterConfig = `server:
  addr: ":8080"

log:
  level: info

database:
  path: conductor.db

nats:
  enabled: false
  url: nats://127.0.0.1:4222
  subject_prefix: notify

scheduler:
  cycle_schedule: "0 * * * * *"
  stuck_ceiling: 10m
  batch_size: 3
  batch_pause: 500ms
  hard_timeout: 15m
  retry_ceiling: 3

delegation:
  base_timeout: 3m
  scheduled_base_timeout: 10m
  poll_interval: 2s
  extension_increment: 30s
  max_extension: 5m
  min_significant_progress: 10
  stall_threshold: 45s

confirm:
  ttl: 5m
  sweep_interval: 1m

breaker:
  failure_threshold: 3
  success_threshold: 1
  cooldown: 2m

agents:
  aliases:
    toby: toby-technical
  display_names:
    toby-technical: Toby (Technical)
`

// WriteStarter writes a starter configuration file. It refuses to overwrite
// an existing file.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	var check map[string]any
	if err := yaml.Unmarshal([]byte(starterConfig), &check); err != nil {
		return fmt.Errorf("starter config template is invalid: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("write starter config: %w", err)
	}
	return nil
}

// Package config loads the sectioned configuration shared by the
// cmd/supervisor and cmd/worker binaries, using spf13/viper for
// environment, YAML file, and default-value binding.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section of the script execution core.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Events     EventsConfig     `mapstructure:"events"`
	SES        SESConfig        `mapstructure:"ses"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SupervisorConfig governs the process manager's worker-process lifecycle.
type SupervisorConfig struct {
	// RetentionHistory is H, the number of terminated procedures kept
	// in memory after completion (default 10).
	RetentionHistory int `mapstructure:"retentionHistory"`
	// StartupTimeoutSeconds bounds how long a spawned worker has to
	// signal IDLE before create() fails with StartupTimeout.
	StartupTimeoutSeconds int `mapstructure:"startupTimeoutSeconds"`
	// TerminateMaxRetries is N, the number of SIGTERM deliveries Stop
	// tries before marking the Procedure UNKNOWN; no SIGKILL is sent
	// (default 3). cmd/supervisor also uses it as the escalation count
	// of its own signal handling.
	TerminateMaxRetries int `mapstructure:"terminateMaxRetries"`
	// TerminateJoinTimeoutMillis is the short join wait after each
	// SIGTERM delivery.
	TerminateJoinTimeoutMillis int `mapstructure:"terminateJoinTimeoutMillis"`
	// WorkerBinaryPath is the path to the cmd/worker executable spawned
	// for each procedure.
	WorkerBinaryPath string `mapstructure:"workerBinaryPath"`
	// MetricsEnabled toggles the HTTP /metrics endpoint that serves the
	// process manager's Prometheus counters; the counters are registered
	// either way.
	MetricsEnabled bool `mapstructure:"metricsEnabled"`
}

// StartupTimeout returns the configured startup bound as a Duration.
func (s *SupervisorConfig) StartupTimeout() time.Duration {
	return time.Duration(s.StartupTimeoutSeconds) * time.Second
}

// TerminateJoinTimeout returns the configured join wait as a Duration.
func (s *SupervisorConfig) TerminateJoinTimeout() time.Duration {
	return time.Duration(s.TerminateJoinTimeoutMillis) * time.Millisecond
}

// WorkerConfig governs the script host running inside cmd/worker.
type WorkerConfig struct {
	// InboxPollTimeoutMillis is the short timeout the worker's main
	// loop blocks on its inbox for, so it can notice the shutdown flag.
	InboxPollTimeoutMillis int `mapstructure:"inboxPollTimeoutMillis"`
	// OutboxCapacity is loaded but not applied: a Worker's outbox queue
	// is always unbounded.
	OutboxCapacity int `mapstructure:"outboxCapacity"`
}

func (w *WorkerConfig) InboxPollTimeout() time.Duration {
	return time.Duration(w.InboxPollTimeoutMillis) * time.Millisecond
}

// QueueConfig governs the bounded/unbounded FIFO queue primitives.
type QueueConfig struct {
	// WorkItemCapacity is the bounded capacity of a worker's inbox.
	WorkItemCapacity int `mapstructure:"workItemCapacity"`
}

// EventsConfig governs the pub/sub event bus backing.
type EventsConfig struct {
	// NATSURL selects a NATS-backed bus when non-empty; empty selects
	// the in-process memory bus.
	NATSURL string `mapstructure:"natsUrl"`
	// Source is this process's identifier, used as the NATS client ID
	// when a NATS-backed bus is selected.
	Source string `mapstructure:"source"`
}

// SESConfig governs the Script Execution Service.
type SESConfig struct {
	// CorrelatorTimeoutSeconds is the default call_and_respond timeout.
	CorrelatorTimeoutSeconds float64 `mapstructure:"correlatorTimeoutSeconds"`
	// AbortScripts maps a sub-array identifier prefix to the script
	// reference used for stop(run_abort=true).
	AbortScripts map[string]string `mapstructure:"abortScripts"`
}

// CorrelatorTimeout returns the configured timeout as a Duration.
func (s *SESConfig) CorrelatorTimeout() time.Duration {
	return time.Duration(s.CorrelatorTimeoutSeconds * float64(time.Second))
}

// LoggingConfig governs structured logging output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// setDefaults matches spec.md's documented defaults: H=10, N=3,
// 3s startup timeout, 10s correlator timeout, 0.02s inbox poll.
func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.retentionHistory", 10)
	v.SetDefault("supervisor.startupTimeoutSeconds", 3)
	v.SetDefault("supervisor.terminateMaxRetries", 3)
	v.SetDefault("supervisor.terminateJoinTimeoutMillis", 500)
	v.SetDefault("supervisor.workerBinaryPath", "./worker")
	v.SetDefault("supervisor.metricsEnabled", true)

	v.SetDefault("worker.inboxPollTimeoutMillis", 20)
	v.SetDefault("worker.outboxCapacity", 0)

	v.SetDefault("queue.workItemCapacity", 64)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.source", "supervisor")

	v.SetDefault("ses.correlatorTimeoutSeconds", 10.0)
	v.SetDefault("ses.abortScripts", map[string]string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, an optional
// config.yaml, and the defaults above.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration with an additional search path for
// config.yaml, ahead of "." and "/etc/sec/".
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sec/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Supervisor.RetentionHistory <= 0 {
		errs = append(errs, "supervisor.retentionHistory must be positive")
	}
	if cfg.Supervisor.TerminateMaxRetries <= 0 {
		errs = append(errs, "supervisor.terminateMaxRetries must be positive")
	}
	if cfg.Supervisor.StartupTimeoutSeconds <= 0 {
		errs = append(errs, "supervisor.startupTimeoutSeconds must be positive")
	}

	if cfg.SES.CorrelatorTimeoutSeconds <= 0 {
		errs = append(errs, "ses.correlatorTimeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

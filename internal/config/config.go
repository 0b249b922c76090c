// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Backoff describes the fixed or exponential retry delay applied between
// a failed processing attempt and the next one, in the absence of a
// per-job backoff override.
type Backoff struct {
	Type string        `mapstructure:"type"` // "fixed" | "exponential"
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Limiter configures the queue-wide or group-keyed token bucket consulted
// by moveToActive before a job is reserved: up to Max reservations at
// once, refilled at Max per Duration.
type Limiter struct {
	Max      int64         `mapstructure:"max"`
	Duration time.Duration `mapstructure:"duration"`
	GroupKey string        `mapstructure:"group_key"`
}

// Worker holds the runloop's tuning knobs, mirroring BullMQ's WorkerOptions.
type Worker struct {
	Concurrency      int           `mapstructure:"concurrency"`
	LockDuration     time.Duration `mapstructure:"lock_duration"`
	StalledInterval  time.Duration `mapstructure:"stalled_interval"`
	MaxStalledCount  int           `mapstructure:"max_stalled_count"`
	DrainDelay       time.Duration `mapstructure:"drain_delay"`
	RunRetryDelay    time.Duration `mapstructure:"run_retry_delay"`
	Autorun          bool          `mapstructure:"autorun"`
	Backoff          Backoff       `mapstructure:"backoff"`
	Limiter          *Limiter      `mapstructure:"limiter"`
	StackTraceLimit  int           `mapstructure:"stack_trace_limit"`
}

// Queue holds producer-side defaults, mirroring BullMQ's QueueOptions.
type Queue struct {
	Prefix            string            `mapstructure:"prefix"`
	Name              string            `mapstructure:"name"`
	DefaultJobOptions DefaultJobOptions `mapstructure:"default_job_options"`
}

// DefaultJobOptions is merged under caller-supplied per-add options; the
// caller's options always win field-by-field.
type DefaultJobOptions struct {
	Attempts         int     `mapstructure:"attempts"`
	Backoff          Backoff `mapstructure:"backoff"`
	RemoveOnComplete bool    `mapstructure:"remove_on_complete"`
	RemoveOnFail     bool    `mapstructure:"remove_on_fail"`
	StackTraceLimit  int     `mapstructure:"stack_trace_limit"`
}

// Producer configures the synthetic load-generation producer in
// cmd/job-queue-system, used to exercise a queue end-to-end without a
// caller-supplied enqueue path (role=producer|all).
type Producer struct {
	Enabled          bool    `mapstructure:"enabled"`
	JobName          string  `mapstructure:"job_name"`
	PayloadSizeBytes int     `mapstructure:"payload_size_bytes"`
	RatePerSecond    int     `mapstructure:"rate_per_second"`
	Priorities       []int   `mapstructure:"priorities"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// TracingConfig controls the optional OpenTelemetry exporter; tracing
// stays off unless both Enabled and Endpoint are set, matching
// MaybeInitTracing's guard.
type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"` // always | never | probabilistic
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
	Tracing             TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Redis          Redis               `mapstructure:"redis"`
	Queue          Queue               `mapstructure:"queue"`
	Worker         Worker              `mapstructure:"worker"`
	Producer       Producer            `mapstructure:"producer"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			Prefix: "flowqueue",
			Name:   "default",
			DefaultJobOptions: DefaultJobOptions{
				Attempts:        1,
				Backoff:         Backoff{Type: "fixed", Base: time.Second, Max: 30 * time.Second},
				StackTraceLimit: 10,
			},
		},
		Worker: Worker{
			Concurrency:     16,
			LockDuration:    30 * time.Second,
			StalledInterval: 30 * time.Second,
			MaxStalledCount: 1,
			DrainDelay:      5 * time.Second,
			RunRetryDelay:   5 * time.Second,
			Autorun:         true,
			Backoff:         Backoff{Type: "fixed", Base: time.Second, Max: 30 * time.Second},
			StackTraceLimit: 10,
		},
		Producer: Producer{
			Enabled:          false,
			JobName:          "demo",
			PayloadSizeBytes: 64,
			RatePerSecond:    50,
			Priorities:       []int{0},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: ObservabilityConfig{
			MetricsPort:         9090,
			LogLevel:            "info",
			QueueSampleInterval: 2 * time.Second,
			Tracing: TracingConfig{
				SamplingStrategy: "probabilistic",
				SamplingRate:     0.1,
			},
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.prefix", def.Queue.Prefix)
	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.default_job_options.attempts", def.Queue.DefaultJobOptions.Attempts)
	v.SetDefault("queue.default_job_options.backoff.type", def.Queue.DefaultJobOptions.Backoff.Type)
	v.SetDefault("queue.default_job_options.backoff.base", def.Queue.DefaultJobOptions.Backoff.Base)
	v.SetDefault("queue.default_job_options.backoff.max", def.Queue.DefaultJobOptions.Backoff.Max)
	v.SetDefault("queue.default_job_options.stack_trace_limit", def.Queue.DefaultJobOptions.StackTraceLimit)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.lock_duration", def.Worker.LockDuration)
	v.SetDefault("worker.stalled_interval", def.Worker.StalledInterval)
	v.SetDefault("worker.max_stalled_count", def.Worker.MaxStalledCount)
	v.SetDefault("worker.drain_delay", def.Worker.DrainDelay)
	v.SetDefault("worker.run_retry_delay", def.Worker.RunRetryDelay)
	v.SetDefault("worker.autorun", def.Worker.Autorun)
	v.SetDefault("worker.backoff.type", def.Worker.Backoff.Type)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.stack_trace_limit", def.Worker.StackTraceLimit)

	v.SetDefault("producer.enabled", def.Producer.Enabled)
	v.SetDefault("producer.job_name", def.Producer.JobName)
	v.SetDefault("producer.payload_size_bytes", def.Producer.PayloadSizeBytes)
	v.SetDefault("producer.rate_per_second", def.Producer.RatePerSecond)
	v.SetDefault("producer.priorities", def.Producer.Priorities)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if cfg.Worker.LockDuration < time.Second {
		return fmt.Errorf("worker.lock_duration must be >= 1s")
	}
	if cfg.Worker.StalledInterval < time.Second {
		return fmt.Errorf("worker.stalled_interval must be >= 1s")
	}
	if cfg.Worker.MaxStalledCount < 1 {
		return fmt.Errorf("worker.max_stalled_count must be >= 1")
	}
	if cfg.Queue.Prefix == "" {
		return fmt.Errorf("queue.prefix must not be empty")
	}
	if cfg.Queue.Name == "" {
		return fmt.Errorf("queue.name must not be empty")
	}
	if cfg.Worker.Limiter != nil {
		if cfg.Worker.Limiter.Max <= 0 || cfg.Worker.Limiter.Duration <= 0 {
			return fmt.Errorf("worker.limiter.max and worker.limiter.duration must be > 0 when limiter is set")
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Producer.Enabled {
		if cfg.Producer.RatePerSecond < 1 {
			return fmt.Errorf("producer.rate_per_second must be >= 1 when producer is enabled")
		}
		if len(cfg.Producer.Priorities) == 0 {
			return fmt.Errorf("producer.priorities must not be empty when producer is enabled")
		}
	}
	return nil
}

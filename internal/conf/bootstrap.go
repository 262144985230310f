package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with ATELIER_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - COMFYUI_BASE_URL or ATELIER_WORKER_BASE_URL: remote worker base URL
//
// Optional environment variables:
//   - REDIS_ADDR, REDIS_PASSWORD: job-state store connection
//   - MYSQL_DSN: job-history archive database (archival disabled when empty)
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with ATELIER_ prefix
	v.SetEnvPrefix("ATELIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without ATELIER_ prefix) for compatibility
	_ = v.BindEnv("worker.base_url", "COMFYUI_BASE_URL", "ATELIER_WORKER_BASE_URL")
	_ = v.BindEnv("worker.proxy_url", "COMFYUI_PROXY_URL", "ATELIER_WORKER_PROXY_URL")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "ATELIER_DATA_REDIS_ADDR")
	_ = v.BindEnv("data.redis.password", "REDIS_PASSWORD", "ATELIER_DATA_REDIS_PASSWORD")
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "ATELIER_DATA_DATABASE_SOURCE")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			Http: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				DB:           v.GetInt("data.redis.db"),
				EnableTLS:    v.GetBool("data.redis.enable_tls"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Worker: &Worker{
			BaseURL:      v.GetString("worker.base_url"),
			ProxyURL:     v.GetString("worker.proxy_url"),
			Timeout:      durationpb.New(v.GetDuration("worker.timeout")),
			PollInterval: durationpb.New(v.GetDuration("worker.poll_interval")),
		},
		Jobs: &Jobs{
			KeyPrefix:       v.GetString("jobs.key_prefix"),
			TTL:             durationpb.New(v.GetDuration("jobs.ttl")),
			MaxRecoveryAge:  durationpb.New(v.GetDuration("jobs.max_recovery_age")),
			CleanupInterval: durationpb.New(v.GetDuration("jobs.cleanup_interval")),
		},
		Supervisor: &Supervisor{
			MaxRetries:        v.GetInt32("supervisor.max_retries"),
			InitialRetryDelay: durationpb.New(v.GetDuration("supervisor.initial_retry_delay")),
			MaxRetryDelay:     durationpb.New(v.GetDuration("supervisor.max_retry_delay")),
			BackoffMultiplier: v.GetFloat64("supervisor.backoff_multiplier"),
			Timeout:           durationpb.New(v.GetDuration("supervisor.timeout")),
			UseCircuitBreaker: v.GetBool("supervisor.use_circuit_breaker"),
		},
		Breaker: &Breaker{
			FailureThreshold: v.GetInt32("breaker.failure_threshold"),
			ResetTimeout:     durationpb.New(v.GetDuration("breaker.reset_timeout")),
			SuccessThreshold: v.GetInt32("breaker.success_threshold"),
			FailureWindow:    durationpb.New(v.GetDuration("breaker.failure_window")),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 10*time.Minute)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is optional; empty disables archival

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.db", 0)
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Worker defaults
	// Note: worker.base_url (COMFYUI_BASE_URL) is required from environment
	v.SetDefault("worker.timeout", 15*time.Second)
	v.SetDefault("worker.poll_interval", 2*time.Second)

	// Job persistence defaults
	v.SetDefault("jobs.key_prefix", "comfyui:job:")
	v.SetDefault("jobs.ttl", 7200*time.Second)
	v.SetDefault("jobs.max_recovery_age", 600*time.Second)
	v.SetDefault("jobs.cleanup_interval", time.Minute)

	// Supervisor defaults
	v.SetDefault("supervisor.max_retries", 3)
	v.SetDefault("supervisor.initial_retry_delay", time.Second)
	v.SetDefault("supervisor.max_retry_delay", 30*time.Second)
	v.SetDefault("supervisor.backoff_multiplier", 2.0)
	v.SetDefault("supervisor.timeout", 2*time.Minute)
	v.SetDefault("supervisor.use_circuit_breaker", true)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.failure_window", 60*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	if bc.Worker == nil || bc.Worker.BaseURL == "" {
		missingFields = append(missingFields, "worker.base_url (COMFYUI_BASE_URL)")
	}

	if bc.Data == nil || bc.Data.Redis == nil || bc.Data.Redis.Addr == "" {
		missingFields = append(missingFields, "data.redis.addr (REDIS_ADDR)")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	if bc.Breaker != nil {
		if bc.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", bc.Breaker.FailureThreshold)
		}
		if bc.Breaker.SuccessThreshold < 1 {
			return fmt.Errorf("breaker.success_threshold must be >= 1, got %d", bc.Breaker.SuccessThreshold)
		}
	}

	if bc.Supervisor != nil && bc.Supervisor.BackoffMultiplier < 1 {
		return fmt.Errorf("supervisor.backoff_multiplier must be >= 1, got %f", bc.Supervisor.BackoffMultiplier)
	}

	return nil
}

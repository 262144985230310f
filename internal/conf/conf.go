// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import "google.golang.org/protobuf/types/known/durationpb"

// Bootstrap is the root configuration for the Atelier service.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Worker     *Worker
	Jobs       *Jobs
	Supervisor *Supervisor
	Breaker    *Breaker
	Log        *Log
}

// Server holds transport configuration.
type Server struct {
	Http *ServerHTTP
}

// ServerHTTP holds HTTP server configuration.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds persistence configuration.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database holds the optional job-history archive database configuration.
// An empty Source disables archival.
type Database struct {
	Driver string
	Source string
}

// Redis holds the durable job-state store connection configuration.
type Redis struct {
	Network      string
	Addr         string
	Password     string
	DB           int
	EnableTLS    bool
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Worker holds the remote GPU worker configuration.
type Worker struct {
	BaseURL      string
	ProxyURL     string
	Timeout      *durationpb.Duration
	PollInterval *durationpb.Duration
}

// Jobs holds job-state persistence tuning.
type Jobs struct {
	KeyPrefix       string
	TTL             *durationpb.Duration
	MaxRecoveryAge  *durationpb.Duration
	CleanupInterval *durationpb.Duration
}

// Supervisor holds retry/timeout defaults for supervised job execution.
type Supervisor struct {
	MaxRetries        int32
	InitialRetryDelay *durationpb.Duration
	MaxRetryDelay     *durationpb.Duration
	BackoffMultiplier float64
	Timeout           *durationpb.Duration
	UseCircuitBreaker bool
}

// Breaker holds circuit breaker thresholds.
type Breaker struct {
	FailureThreshold int32
	ResetTimeout     *durationpb.Duration
	SuccessThreshold int32
	FailureWindow    *durationpb.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

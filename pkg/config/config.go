// Package config loads control-plane configuration from environment
// variables and optional config files via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the control plane
type Config struct {
	API          APIConfig          `mapstructure:"api"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	RateLimitRPS  float64       `mapstructure:"rate_limit_rps"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// DatabaseConfig holds persistence store settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DSN builds the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// RedisConfig holds coordination store settings
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port for the redis client
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OrchestratorConfig holds session orchestration limits. Timeout and
// interval values arrive as bare seconds in the deployment contract.
type OrchestratorConfig struct {
	MaxConcurrentSessions     int           `mapstructure:"max_concurrent_sessions"`
	SessionTimeoutSeconds     int           `mapstructure:"session_timeout_seconds"`
	CheckpointIntervalSeconds int           `mapstructure:"checkpoint_interval_seconds"`
	MaxRetryAttempts          int           `mapstructure:"max_retry_attempts"`
	LockTTL                   time.Duration `mapstructure:"lock_ttl"`
	LockAcquireTimeout        time.Duration `mapstructure:"lock_acquire_timeout"`
}

// SessionTimeout returns the session timeout as a duration
func (c OrchestratorConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// CheckpointInterval returns the checkpoint interval as a duration
func (c OrchestratorConfig) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalSeconds) * time.Second
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the environment (and an optional config
// file path) applying defaults. Environment variables use the flat names
// the deployment contract defines: DB_HOST, REDIS_PORT, JWT_SECRET_KEY...
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.rate_limit_rps", 100.0)
	v.SetDefault("api.rate_burst", 200)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "sessionmesh")
	v.SetDefault("database.user", "sessionmesh")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("orchestrator.max_concurrent_sessions", 100)
	v.SetDefault("orchestrator.session_timeout_seconds", 3600)
	v.SetDefault("orchestrator.checkpoint_interval_seconds", 60)
	v.SetDefault("orchestrator.max_retry_attempts", 3)
	v.SetDefault("orchestrator.lock_ttl", 30*time.Second)
	v.SetDefault("orchestrator.lock_acquire_timeout", 10*time.Second)
	v.SetDefault("logging.level", "INFO")

	// Flat env names from the deployment contract
	bindings := map[string]string{
		"database.host":                            "DB_HOST",
		"database.port":                            "DB_PORT",
		"database.name":                            "DB_NAME",
		"database.user":                            "DB_USER",
		"database.password":                        "DB_PASSWORD",
		"redis.host":                               "REDIS_HOST",
		"redis.port":                               "REDIS_PORT",
		"orchestrator.max_concurrent_sessions":     "MAX_CONCURRENT_SESSIONS",
		"orchestrator.session_timeout_seconds":     "SESSION_TIMEOUT_SECONDS",
		"orchestrator.checkpoint_interval_seconds": "CHECKPOINT_INTERVAL_SECONDS",
		"orchestrator.max_retry_attempts":          "MAX_RETRY_ATTEMPTS",
		"api.jwt_secret":                           "JWT_SECRET_KEY",
		"api.listen_address":                       "LISTEN_ADDRESS",
		"logging.level":                            "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

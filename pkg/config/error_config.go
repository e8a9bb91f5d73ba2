package config

import (
	"time"
)

// RetryConfig bounds the automatic re-drive of commands that failed with a
// version conflict or a transient event store error.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" env:"RETRY_MAX_ATTEMPTS" default:"3"`
	Delay       time.Duration `json:"delay" env:"RETRY_DELAY" default:"100ms"`
}

// LoadRetryConfig loads retry settings from environment
func LoadRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: getIntEnv("RETRY_MAX_ATTEMPTS", 3),
		Delay:       getDurationEnv("RETRY_DELAY", 100*time.Millisecond),
	}
}

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"incident-escalation-service/pkg/constants"
)

type Config struct {
	RedisURL              string
	Port                  string
	LogLevel              string
	PodID                 string
	PolicyFile            string
	ConflictRetryAttempts int
	RetryBackoffMS        int64
	SweepEnabled          bool
	SweepIntervalSeconds  int
	LeaderElectionTTL     int
	NotifyConsumerEnabled bool
	ConsumerGroupName     string
}

func Load() *Config {
	config := &Config{
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		Port:                  getEnv("PORT", "8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		PodID:                 getEnv("POD_ID", generatePodID()),
		PolicyFile:            getEnv("POLICY_FILE", ""),
		ConflictRetryAttempts: getEnvInt("CONFLICT_RETRY_ATTEMPTS", constants.DefaultConflictRetryAttempts),
		RetryBackoffMS:        getEnvInt64("RETRY_BACKOFF_MS", constants.DefaultRetryBackoffMS),
		SweepEnabled:          getEnvBool("SWEEP_ENABLED", true),
		SweepIntervalSeconds:  getEnvInt("SWEEP_INTERVAL_SECONDS", constants.DefaultSweepIntervalSeconds),
		LeaderElectionTTL:     getEnvInt("LEADER_ELECTION_TTL", constants.DefaultLeaderElectionTTLSeconds),
		NotifyConsumerEnabled: getEnvBool("NOTIFY_CONSUMER_ENABLED", false),
		ConsumerGroupName:     getEnv("CONSUMER_GROUP_NAME", "escalation-notifiers"),
	}

	return config
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return constants.SecondsToDuration(c.SweepIntervalSeconds)
}

func (c *Config) LeaderElectionTTLDuration() time.Duration {
	return constants.SecondsToDuration(c.LeaderElectionTTL)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}

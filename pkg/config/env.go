package config

import (
	"os"
	"strconv"
	"time"
)

// GetEnv returns the value of an environment variable or a default value if not set
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetBoolEnv returns the boolean value of an environment variable or a default value if not set
func GetBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetIntEnv returns the integer value of an environment variable or a default value if not set
func GetIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// MustGetEnv returns the value of an environment variable or panics if not set
func MustGetEnv(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	panic("Required environment variable " + key + " is not set")
}

// Scheduler configuration knobs. Values are read once at engine construction.

// GetSchedulerWorkers returns the worker pool size for the execution runtime
func GetSchedulerWorkers() int {
	return GetIntEnv("SCHEDULER_WORKERS", 10)
}

// GetSchedulerQueueSize returns the dispatch queue capacity
func GetSchedulerQueueSize() int {
	return GetIntEnv("SCHEDULER_QUEUE_SIZE", 1000)
}

// GetSweepInterval returns how often the recovery sweeper scans for orphaned executions
func GetSweepInterval() time.Duration {
	return time.Duration(GetIntEnv("SCHEDULER_SWEEP_INTERVAL_SECONDS", 60)) * time.Second
}

// GetDefaultCommandTimeout returns the default timeout applied to script executions
func GetDefaultCommandTimeout() time.Duration {
	return time.Duration(GetIntEnv("SCHEDULER_DEFAULT_COMMAND_TIMEOUT_SECONDS", 3600)) * time.Second
}

// GetMaxResultChars returns the serialized size bound for persisted execution results
func GetMaxResultChars() int {
	return GetIntEnv("SCHEDULER_MAX_RESULT_CHARS", 60000)
}

// GetExecutionRetention returns how long finished execution records are kept
func GetExecutionRetention() time.Duration {
	days := GetIntEnv("SCHEDULER_EXECUTION_RETENTION_DAYS", 30)
	return time.Duration(days) * 24 * time.Hour
}

// GetSchedulerLocation returns the fixed timezone for cron evaluation.
// Falls back to the process-local zone when unset or unparsable.
func GetSchedulerLocation() *time.Location {
	name := GetEnv("SCHEDULER_TIMEZONE", "")
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

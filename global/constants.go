/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

import (
	"fmt"
	"time"
)

//goland:noinspection GoCommentStart,GoUnusedConst,GoUnusedConst,GoUnusedConst
const (
	// Configuration constants
	ConfigEnvVar    = "CONDUIT_CONFIG"
	EnvPrefix       = "CONDUIT"
	DefaultListen   = ":8002"
	DefaultEndpoint = "/mcp"
	HealthPath      = "/health"

	// Legacy environment variables honoured for compatibility
	LegacyPortEnvVar      = "MCP_SERVER_PORT"
	LegacyLogLevelEnvVar  = "LOG_LEVEL"
	LegacyTimeoutEnvVar   = "TOOL_TIMEOUT"
	LegacyRateLimitEnvVar = "RATE_LIMIT_REQUESTS"

	// HTTP headers
	HeaderRequestID     = "X-Request-Id"
	HeaderCorrelationID = "X-Correlation-Id"

	// JSON-RPC notifications
	NotificationPrefix    = "notifications/"
	NotificationProgress  = "notifications/progress"
	NotificationCancelled = "notifications/cancelled"

	// Built-in tool names
	ToolEcho         = "echo"
	ToolSystemInfo   = "get_system_info"
	ToolServerHealth = "server_health"
	ToolRunCommand   = "run_command"

	// Static resources and prompts
	ResourceToolCatalog  = "conduit://catalog/tools"
	ResourceServerConfig = "conduit://server/config"
	PromptPRReview       = "pr_review"

	// Session defaults
	DefaultMaxConcurrent = 10
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 60 * time.Second
	DefaultHistoryLimit  = 100

	// Rate limiting defaults
	DefaultRateLimitRequests = 100
	DefaultRateLimitPeriod   = 60 * time.Second

	// Execution defaults
	DefaultTimeout         = 300 * time.Second
	MaxTimeout             = time.Hour
	DefaultMaxOutputBytes  = 10 * 1024 * 1024
	DefaultGracePeriod     = 5 * time.Second
	DefaultResultTTL       = 10 * time.Minute
	DefaultResultCacheSize = 1000

	// Streaming defaults
	DefaultKeepAlive   = 30 * time.Second
	MaxRequestBodySize = 4 * 1024 * 1024

	// Log Levels
	LogLevelDebug = "DEBUG"
	LogLevelInfo  = "INFO"
	LogLevelWarn  = "WARN"
	LogLevelError = "ERROR"
	LogLevelFatal = "FATAL"
)

// ValidateTimeout validates and normalizes a tool timeout.
// Returns the validated timeout or an error if out of bounds.
// If timeout is 0, returns fallback.
func ValidateTimeout(timeout, fallback time.Duration) (time.Duration, error) {
	if timeout == 0 {
		return fallback, nil
	}
	if timeout < 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	if timeout > MaxTimeout {
		return 0, fmt.Errorf("timeout must be at most %s", MaxTimeout)
	}
	return timeout, nil
}

// ValidLogLevel reports whether level is one of the known log levels.
func ValidLogLevel(level string) bool {
	switch level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	}
	return false
}

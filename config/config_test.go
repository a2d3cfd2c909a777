/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PivotLLM/Conduit/global"
)

// clearEnv unsets every variable that could leak into a test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		global.ConfigEnvVar,
		global.LegacyPortEnvVar,
		global.LegacyLogLevelEnvVar,
		global.LegacyTimeoutEnvVar,
		global.LegacyRateLimitEnvVar,
		"CONDUIT_SERVER_LISTEN",
		"CONDUIT_LOGGING_LEVEL",
		"CONDUIT_EXECUTION_TIMEOUT",
		"CONDUIT_RATE_LIMIT_MAX_REQUESTS",
	} {
		if old, ok := os.LookupEnv(name); ok {
			require.NoError(t, os.Unsetenv(name))
			t.Cleanup(func() { _ = os.Setenv(name, old) })
		}
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	c := New()
	require.NoError(t, c.Load())

	assert.Equal(t, "", c.ConfigPath())
	assert.Equal(t, global.DefaultListen, c.Server().Listen)
	assert.Equal(t, global.DefaultEndpoint, c.Server().Endpoint)
	assert.False(t, c.Server().Production)
	assert.Equal(t, global.DefaultMaxConcurrent, c.Sessions().MaxConcurrent)
	assert.Equal(t, global.DefaultIdleTimeout, c.Sessions().IdleTimeout)
	assert.Equal(t, global.DefaultHistoryLimit, c.Sessions().HistoryLimit)
	assert.Equal(t, global.DefaultRateLimitRequests, c.RateLimit().MaxRequests)
	assert.Equal(t, global.DefaultTimeout, c.Execution().Timeout)
	assert.Equal(t, int64(global.DefaultMaxOutputBytes), c.Execution().MaxOutputBytes)
	assert.Equal(t, global.DefaultGracePeriod, c.Execution().GracePeriod)
	assert.Equal(t, global.DefaultKeepAlive, c.Streaming().KeepAlive)
	assert.True(t, c.Streaming().CancelOnDisconnect)
	assert.Equal(t, global.LogLevelInfo, c.LogLevel())
	assert.Equal(t, "", c.ToolManifest())
	assert.NotEmpty(t, c.Settings())
}

func TestLoadFileFormats(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"yaml", "conduit.yaml", `
server:
  listen: ":9000"
sessions:
  max_concurrent: 4
  idle_timeout: 5m
execution:
  timeout: 90s
streaming:
  cancel_on_disconnect: false
logging:
  level: debug
`},
		{"json", "conduit.json", `{
  "server": {"listen": ":9000"},
  "sessions": {"max_concurrent": 4, "idle_timeout": "5m"},
  "execution": {"timeout": "90s"},
  "streaming": {"cancel_on_disconnect": false},
  "logging": {"level": "debug"}
}`},
		{"jsonc", "conduit.jsonc", `{
  // local overrides
  "server": {"listen": ":9000",},
  "sessions": {"max_concurrent": 4, "idle_timeout": "5m"},
  "execution": {"timeout": "90s"},
  "streaming": {"cancel_on_disconnect": false},
  "logging": {"level": "debug"},
}`},
		{"toml", "conduit.toml", `
[server]
listen = ":9000"

[sessions]
max_concurrent = 4
idle_timeout = "5m"

[execution]
timeout = "90s"

[streaming]
cancel_on_disconnect = false

[logging]
level = "debug"
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := writeConfig(t, tt.file, tt.body)
			c := New(WithConfigPath(path))
			require.NoError(t, c.Load())

			assert.Equal(t, path, c.ConfigPath())
			assert.Equal(t, ":9000", c.Server().Listen)
			assert.Equal(t, 4, c.Sessions().MaxConcurrent)
			assert.Equal(t, 5*time.Minute, c.Sessions().IdleTimeout)
			assert.Equal(t, 90*time.Second, c.Execution().Timeout)
			assert.False(t, c.Streaming().CancelOnDisconnect)
			assert.Equal(t, global.LogLevelDebug, c.LogLevel())
			// untouched keys keep defaults
			assert.Equal(t, global.DefaultEndpoint, c.Server().Endpoint)
		})
	}
}

func TestConfigEnvVar(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "c.yaml", "server:\n  listen: \":7000\"\n")
	t.Setenv(global.ConfigEnvVar, path)

	c := New()
	require.NoError(t, c.Load())
	assert.Equal(t, ":7000", c.Server().Listen)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "c.yaml", "server:\n  listen: \":7000\"\nexecution:\n  timeout: 30s\n")
	t.Setenv("CONDUIT_SERVER_LISTEN", ":7100")
	t.Setenv("CONDUIT_EXECUTION_TIMEOUT", "45s")

	c := New(WithConfigPath(path))
	require.NoError(t, c.Load())
	assert.Equal(t, ":7100", c.Server().Listen)
	assert.Equal(t, 45*time.Second, c.Execution().Timeout)
}

func TestLegacyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(global.LegacyPortEnvVar, "8123")
	t.Setenv(global.LegacyLogLevelEnvVar, "warn")
	t.Setenv(global.LegacyTimeoutEnvVar, "120")
	t.Setenv(global.LegacyRateLimitEnvVar, "5")

	c := New()
	require.NoError(t, c.Load())
	assert.Equal(t, ":8123", c.Server().Listen)
	assert.Equal(t, global.LogLevelWarn, c.LogLevel())
	assert.Equal(t, 2*time.Minute, c.Execution().Timeout)
	assert.Equal(t, 5, c.RateLimit().MaxRequests)
}

func TestPrefixedEnvBeatsLegacy(t *testing.T) {
	clearEnv(t)
	t.Setenv(global.LegacyPortEnvVar, "8123")
	t.Setenv("CONDUIT_SERVER_LISTEN", ":9999")

	c := New()
	require.NoError(t, c.Load())
	assert.Equal(t, ":9999", c.Server().Listen)
}

func TestLegacyEnvInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv(global.LegacyPortEnvVar, "eighty")
	assert.Error(t, New().Load())
}

func TestFlagsOverrideEverything(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "c.yaml", "server:\n  listen: \":7000\"\n")
	t.Setenv("CONDUIT_LOGGING_LEVEL", "ERROR")
	t.Setenv(global.LegacyPortEnvVar, "8123")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--listen", ":6000", "--log-level", "debug", "--production"}))

	c := New(WithFlags(fs))
	require.NoError(t, c.Load())
	assert.Equal(t, path, c.ConfigPath())
	assert.Equal(t, ":6000", c.Server().Listen)
	assert.Equal(t, global.LogLevelDebug, c.LogLevel())
	assert.True(t, c.Server().Production)
}

func TestUnchangedFlagsKeepFileValues(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "c.yaml", "server:\n  listen: \":7000\"\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	c := New(WithConfigPath(path), WithFlags(fs))
	require.NoError(t, c.Load())
	assert.Equal(t, ":7000", c.Server().Listen)
}

func TestValidation(t *testing.T) {
	manifest := writeConfig(t, "tools.yaml", "tools: []\n")

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid manifest", "tools:\n  manifest: " + manifest + "\n", false},
		{"missing manifest", "tools:\n  manifest: /nonexistent/tools.yaml\n", true},
		{"endpoint without slash", "server:\n  endpoint: mcp\n", true},
		{"endpoint on health path", "server:\n  endpoint: /health\n", true},
		{"zero concurrency", "sessions:\n  max_concurrent: 0\n", true},
		{"negative history", "sessions:\n  history_limit: -1\n", true},
		{"timeout too long", "execution:\n  timeout: 2h\n", true},
		{"negative timeout", "execution:\n  timeout: -1s\n", true},
		{"zero output limit", "execution:\n  max_output_bytes: 0\n", true},
		{"missing working dir", "execution:\n  working_dir: /nonexistent/dir\n", true},
		{"bad log level", "logging:\n  level: chatty\n", true},
		{"rate limit without period", "rate_limit:\n  max_requests: 5\n  period: 0s\n", true},
		{"rate limit disabled", "rate_limit:\n  max_requests: 0\n  period: 0s\n", false},
		{"zero keep alive", "streaming:\n  keep_alive: 0s\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			c := New(WithConfigPath(writeConfig(t, "c.yaml", tt.body)))
			err := c.Load()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	assert.Error(t, New(WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))).Load())
	assert.Error(t, New(WithConfigPath(writeConfig(t, "c.ini", "x=1"))).Load())
	assert.Error(t, New(WithConfigPath(writeConfig(t, "c.yaml", "server: [broken"))).Load())
}

/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/runner"
)

// EchoArgs are the arguments of the echo tool
type EchoArgs struct {
	Text string `json:"text" jsonschema:"text to echo back"`
}

// SystemInfoArgs are the arguments of the get_system_info tool
type SystemInfoArgs struct {
	IncludeRuntime bool `json:"include_runtime,omitempty" jsonschema:"include goroutine and memory statistics"`
}

// ServerHealthArgs are the (empty) arguments of the server_health tool
type ServerHealthArgs struct{}

// RunCommandArgs are the arguments of the run_command tool
type RunCommandArgs struct {
	Command    string `json:"command" jsonschema:"shell command line to run"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"directory to run the command in"`
}

// BuiltinOptions configures the built-in tools
type BuiltinOptions struct {
	// AllowShell registers run_command
	AllowShell bool
	// WorkingDir is the default directory for run_command
	WorkingDir string
	// Health reports server statistics for server_health
	Health func() any
	// Started is the server start time reported as uptime
	Started time.Time
}

// RegisterBuiltins adds the built-in tools to c
func RegisterBuiltins(c *Catalog, opts BuiltinOptions) error {
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}

	echoSchema, err := schemaFor[EchoArgs]()
	if err != nil {
		return err
	}
	infoSchema, err := schemaFor[SystemInfoArgs]()
	if err != nil {
		return err
	}
	healthSchema, err := schemaFor[ServerHealthArgs]()
	if err != nil {
		return err
	}

	builtins := []*Tool{
		{
			Name:        global.ToolEcho,
			Description: "Echo back the provided text with a timestamp",
			Kind:        KindFunc,
			InputSchema: echoSchema,
			ReadOnly:    true,
			Handler:     handleEcho,
		},
		{
			Name:        global.ToolSystemInfo,
			Description: "Get information about the host running the server",
			Kind:        KindFunc,
			InputSchema: infoSchema,
			ReadOnly:    true,
			Handler:     systemInfoHandler(opts.Started),
		},
		{
			Name:        global.ToolServerHealth,
			Description: "Report session and execution statistics for this server",
			Kind:        KindFunc,
			InputSchema: healthSchema,
			ReadOnly:    true,
			Handler:     serverHealthHandler(opts.Health),
		},
	}

	if opts.AllowShell {
		cmdSchema, err := schemaFor[RunCommandArgs]()
		if err != nil {
			return err
		}
		builtins = append(builtins, &Tool{
			Name:        global.ToolRunCommand,
			Description: "Run a shell command, streaming its output",
			Kind:        KindCommand,
			InputSchema: cmdSchema,
			Destructive: true,
			Command:     runCommandBuilder(opts.WorkingDir),
		})
	}

	for _, t := range builtins {
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// schemaFor derives a tool input schema from an argument struct
func schemaFor[T any]() (json.RawMessage, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to derive schema: %w", err)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// bind decodes validated arguments into an argument struct
func bind[T any](args map[string]any) (T, error) {
	var out T
	if len(args) == 0 {
		return out, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("failed to encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return out, nil
}

func handleEcho(_ context.Context, args map[string]any, _ func(string)) (any, error) {
	a, err := bind[EchoArgs](args)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"echo":      a.Text,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"length":    len(a.Text),
	}, nil
}

func systemInfoHandler(started time.Time) Handler {
	return func(_ context.Context, args map[string]any, _ func(string)) (any, error) {
		a, err := bind[SystemInfoArgs](args)
		if err != nil {
			return nil, err
		}

		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}

		info := map[string]any{
			"server":     global.ProgramName,
			"version":    global.Version,
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       runtime.NumCPU(),
			"go_version": runtime.Version(),
			"hostname":   hostname,
			"pid":        os.Getpid(),
			"uptime":     time.Since(started).Round(time.Second).String(),
		}

		if a.IncludeRuntime {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			info["runtime"] = map[string]any{
				"goroutines":  runtime.NumGoroutine(),
				"heap_alloc":  mem.HeapAlloc,
				"heap_sys":    mem.HeapSys,
				"total_alloc": mem.TotalAlloc,
				"num_gc":      mem.NumGC,
			}
		}
		return info, nil
	}
}

func serverHealthHandler(health func() any) Handler {
	return func(context.Context, map[string]any, func(string)) (any, error) {
		if health == nil {
			return map[string]any{"status": "ok"}, nil
		}
		return health(), nil
	}
}

func runCommandBuilder(defaultDir string) CommandBuilder {
	return func(args map[string]any) (runner.Spec, error) {
		a, err := bind[RunCommandArgs](args)
		if err != nil {
			return runner.Spec{}, err
		}
		if strings.TrimSpace(a.Command) == "" {
			return runner.Spec{}, fmt.Errorf("command must not be empty")
		}

		dir := defaultDir
		if a.WorkingDir != "" {
			dir = global.ExpandHomePath(a.WorkingDir)
			// relative directories resolve under the configured working directory
			if defaultDir != "" && !filepath.IsAbs(dir) {
				if dir, err = global.ValidatePathWithinDir(defaultDir, dir); err != nil {
					return runner.Spec{}, fmt.Errorf("invalid working_dir: %w", err)
				}
			}
		}
		return runner.Spec{Program: a.Command, Shell: true, Dir: dir}, nil
	}
}

/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/PivotLLM/Conduit/config"
	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/logging"
	"github.com/PivotLLM/Conduit/server"
)

func main() {
	// Top-level panic recovery
	defer func() {
		if rec := recover(); rec != nil {
			_, _ = fmt.Fprintf(os.Stderr, "FATAL PANIC: %v\n", rec)
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   global.ProgramName,
		Short: "MCP tool server with session correlation and streaming execution",
		Long: global.ProgramName + ` serves MCP tools over streamable HTTP. Each client session
is tracked, every tool call is correlated to its session, and command tools
run as subprocesses whose output is streamed back over SSE.

Configuration is read from --config (or $` + global.ConfigEnvVar + `), then
` + global.EnvPrefix + `_* environment variables, then flags.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	config.RegisterFlags(rootCmd.PersistentFlags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server (default)",
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd, newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", global.ProgramName, global.Version)
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.New(config.WithFlags(cmd.Flags()))

	// Load and validate configuration
	if err := cfg.Load(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Initialize logger
	logger, err := logging.New(cfg.LogFile())
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func(logger *logging.Logger) {
		// Ensure logs are flushed before exit
		_ = logger.Sync()
		_ = logger.Close()
	}(logger)

	logger.SetLevel(cfg.LogLevel())

	// Announce startup
	logger.Infof("%s v%s starting", global.ProgramName, global.Version)
	if path := cfg.ConfigPath(); path != "" {
		logger.Infof("Configuration loaded from %s", path)
	}
	if cfg.Execution().AllowShell {
		logger.Warnf("%s is enabled: clients can run arbitrary shell commands", global.ToolRunCommand)
	}

	// Create and start server
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Errorf("Failed to create server: %v", err)
		return err
	}

	// Run the server
	if err := srv.Run(); err != nil {
		logger.Errorf("Server error: %v", err)
		return err
	}
	return nil
}

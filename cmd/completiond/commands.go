// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/AleutianComplete/pkg/logging"
	"github.com/AleutianAI/AleutianComplete/services/completion"
	"github.com/AleutianAI/AleutianComplete/services/orchestrator"
	"github.com/spf13/cobra"
)

// =============================================================================
// serve
// =============================================================================

type serveFlags struct {
	configPath string
	port       int
	logLevel   string
	logFormat  string
	logDir     string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the completion HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "HTTP port (overrides config and COMPLETION_PORT)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", string(logging.FormatAuto), "stderr log format: auto, text, json")
	cmd.Flags().StringVar(&flags.logDir, "log-dir", "", "also write JSON logs to this directory")
	return cmd
}

func runServe(parent context.Context, flags serveFlags) error {
	level, err := logging.ParseLevel(flags.logLevel)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  flags.logDir,
		Service: "completiond",
		Format:  logging.Format(flags.logFormat),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg, err := orchestrator.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}
	if flags.port != 0 {
		cfg.Port = flags.port
	}

	slog.Info("Starting completion service",
		"version", orchestrator.Version,
		"port", cfg.Port,
		"llm_backend", cfg.LLM.Backend,
		"retrieval", cfg.Retrieval.URL != "",
		"profiles", cfg.Profiles.Path,
	)

	svc, err := orchestrator.NewWithComponents(cfg, nil, orchestrator.Components{Logger: logger.Slog()})
	if err != nil {
		return fmt.Errorf("failed to create completion service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Error("Shutdown cleanup failed", "error", err)
		}
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("completion service error: %w", err)
	}
	slog.Info("Completion service stopped")
	return nil
}

// =============================================================================
// detect
// =============================================================================

func newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect [file or code]",
		Short: "Print the detected language of a file or snippet",
		Long: `Classifies its argument. An existing file is classified by extension,
falling back to its content; anything else is scored as source text.
Prints "unknown" when nothing matches.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lang := completion.Detect(strings.Join(args, " "))
			_, err := fmt.Fprintln(cmd.OutOrStdout(), lang)
			return err
		},
	}
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "completiond", orchestrator.Version)
			return err
		},
	}
}

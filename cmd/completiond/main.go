// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command completiond runs the inline code completion service.
//
// # Usage
//
//	# Serve with defaults (Ollama on localhost, port 12210)
//	completiond serve
//
//	# Serve from a config file, JSON logs
//	completiond serve --config /etc/completiond.yaml --log-format json
//
//	# Classify a file or a snippet
//	completiond detect main.go
//	completiond detect 'fn main() { let x = 1; }'
//
// Environment overrides are documented on orchestrator.LoadConfig.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "completiond",
		Short: "Inline code completion service",
		Long: `completiond serves ranked, filtered and personalised code
completions from an Ollama or OpenAI compatible backend.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newDetectCmd(), newVersionCmd())
	return root
}

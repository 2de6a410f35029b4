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
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
)

// Config holds the CLI's connection settings.
type Config struct {
	ServerURL string `yaml:"server_url"`
	APIToken  string `yaml:"api_token"`
}

var config Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// Logs go to stderr so command output on stdout stays pipeable.
		slog.SetDefault(logging.New(logging.Config{
			Service: "relay-cli",
			LogDir:  os.Getenv("RELAY_LOG_DIR"),
		}).Slog())

		// config.yaml is optional; env vars and defaults cover the rest.
		if yamlFile, err := os.ReadFile("config.yaml"); err == nil {
			if err := yaml.Unmarshal(yamlFile, &config); err != nil {
				log.Fatalf("Error parsing config.yaml: %v", err)
			}
		}
		if v := os.Getenv("RELAY_SERVER_URL"); v != "" {
			config.ServerURL = v
		}
		if v := os.Getenv("RELAY_API_TOKEN"); v != "" {
			config.APIToken = v
		}
		if config.ServerURL == "" {
			config.ServerURL = "http://localhost:12230"
		}
		config.ServerURL = strings.TrimSuffix(config.ServerURL, "/")
	}
}

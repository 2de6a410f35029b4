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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	selectedIds []string
	watchFrom   bool

	rootCmd = &cobra.Command{
		Use:   "relay",
		Short: "A cli to drive human-gated retrieval runs on the Aleutian relay",
		Long: `Relay talks to the run server: open a run, fire queries,
		        approve or reject retrieved sources, and watch the
		        state stream as it changes.`,
	}

	// --- Runs ---
	openCmd = &cobra.Command{
		Use:   "open",
		Short: "Create a new run and print its id",
		Run:   runOpen, // Defined in cmd_runs.go
	}
	stateCmd = &cobra.Command{
		Use:   "state [run_id]",
		Short: "Print the current state of a run",
		Args:  cobra.ExactArgs(1),
		Run:   runState, // Defined in cmd_runs.go
	}
	queryCmd = &cobra.Command{
		Use:   "query [run_id] [question]",
		Short: "Start a retrieval step for the question",
		Args:  cobra.ExactArgs(2),
		Run:   runQuery, // Defined in cmd_runs.go
	}
	watchCmd = &cobra.Command{
		Use:   "watch [run_id]",
		Short: "Tail the run's event stream (snapshot first, then deltas)",
		Args:  cobra.ExactArgs(1),
		Run:   runWatch, // Defined in cmd_watch.go
	}
	resetCmd = &cobra.Command{
		Use:   "reset [run_id]",
		Short: "Reset a run back to its initial state",
		Args:  cobra.ExactArgs(1),
		Run:   runReset, // Defined in cmd_runs.go
	}

	// --- Approvals ---
	approveCmd = &cobra.Command{
		Use:   "approve [run_id] [checkpoint_id]",
		Short: "Approve the pending sources, optionally only --ids",
		Args:  cobra.ExactArgs(2),
		Run:   runApprove, // Defined in cmd_runs.go
	}
	rejectCmd = &cobra.Command{
		Use:   "reject [run_id] [checkpoint_id]",
		Short: "Reject the pending sources",
		Args:  cobra.ExactArgs(2),
		Run:   runReject, // Defined in cmd_runs.go
	}

	// --- Config ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Adjust a run's search configuration",
	}
	configSetCmd = &cobra.Command{
		Use:   "set [run_id] [field=value]...",
		Short: "Set search config fields, e.g. max_results=5 search_type=hybrid",
		Args:  cobra.MinimumNArgs(2),
		Run:   runConfigSet, // Defined in cmd_runs.go
	}
)

func init() {
	approveCmd.Flags().StringSliceVar(&selectedIds, "ids", nil,
		"chunk ids to approve; all pending chunks when omitted")
	watchCmd.Flags().BoolVar(&watchFrom, "snapshot-only", false,
		"print the first snapshot and exit")

	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(openCmd, stateCmd, queryCmd, watchCmd, resetCmd,
		approveCmd, rejectCmd, configCmd)
}

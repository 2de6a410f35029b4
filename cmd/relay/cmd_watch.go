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
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

// runWatch tails the run's SSE event stream and prints each event as it
// arrives. The server always sends a full snapshot first.
func runWatch(cmd *cobra.Command, args []string) {
	runID := args[0]
	req, err := http.NewRequest(http.MethodGet, config.ServerURL+"/v1/runs/"+runID+"/events", nil)
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	if config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+config.APIToken)
	}

	// No client timeout; the stream stays open until interrupted.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		log.Fatalf("Failed to reach the relay server at %s: %v", config.ServerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Server returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event datatypes.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			log.Printf("Skipping unparseable event: %v", err)
			continue
		}
		printEvent(event)

		if watchFrom && event.Kind == datatypes.EventKindSnapshot {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Stream ended with error: %v", err)
	}
	fmt.Println("stream closed by server")
}

func printEvent(event datatypes.StreamEvent) {
	switch event.Kind {
	case datatypes.EventKindSnapshot:
		var st datatypes.RunState
		if err := json.Unmarshal(event.Payload, &st); err != nil {
			log.Printf("Skipping unparseable snapshot: %v", err)
			return
		}
		fmt.Printf("#%d snapshot v%d: chunks=%d awaiting=%v searching=%v synthesizing=%v\n",
			event.Sequence, event.Version, len(st.RetrievedChunks),
			st.AwaitingApproval, st.IsSearching, st.IsSynthesizing)
	case datatypes.EventKindDelta:
		fmt.Printf("#%d delta v%d: %s\n", event.Sequence, event.Version, string(event.Payload))
	default:
		fmt.Printf("#%d %s v%d\n", event.Sequence, event.Kind, event.Version)
	}
}

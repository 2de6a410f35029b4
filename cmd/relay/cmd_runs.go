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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

type stateResponse struct {
	RunId   string             `json:"run_id"`
	Version uint64             `json:"version"`
	State   datatypes.RunState `json:"state"`
}

func apiRequest(method, path string, body any) ([]byte, int) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, config.ServerURL+path, reader)
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+config.APIToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Fatalf("Failed to reach the relay server at %s: %v", config.ServerURL, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read the server response: %v", err)
	}
	return respBody, resp.StatusCode
}

func mustState(body []byte, status int) stateResponse {
	if status < 200 || status >= 300 {
		log.Fatalf("Server returned %d: %s", status, string(body))
	}
	var sr stateResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		log.Fatalf("Failed to parse the server response: %v", err)
	}
	return sr
}

func printState(sr stateResponse) {
	fmt.Printf("run:     %s\nversion: %d\n", sr.RunId, sr.Version)
	st := sr.State
	if st.CurrentQuery != nil {
		fmt.Printf("query:   %s\n", st.CurrentQuery.Query)
	}
	fmt.Printf("config:  threshold=%.2f max_results=%d type=%s\n",
		st.SearchConfig.SimilarityThreshold, st.SearchConfig.MaxResults, st.SearchConfig.SearchType)
	if st.AwaitingApproval {
		fmt.Printf("status:  awaiting approval of %d chunks\n", len(st.RetrievedChunks))
		for _, chunk := range st.RetrievedChunks {
			fmt.Printf("  [%s] %.2f  %s (chunk %d)\n",
				chunk.ChunkId, chunk.Similarity, chunk.DocumentTitle, chunk.ChunkIndex)
		}
	}
	if st.IsSearching {
		fmt.Println("status:  searching")
	}
	if st.IsSynthesizing {
		fmt.Println("status:  synthesizing")
	}
	if st.ErrorMessage != nil {
		fmt.Printf("error:   %s\n", *st.ErrorMessage)
	}
	if st.LastAnswer != "" {
		fmt.Printf("answer:\n%s\n", st.LastAnswer)
	}
}

func runOpen(cmd *cobra.Command, args []string) {
	body, status := apiRequest(http.MethodPost, "/v1/runs", nil)
	sr := mustState(body, status)
	fmt.Println(sr.RunId)
}

func runState(cmd *cobra.Command, args []string) {
	body, status := apiRequest(http.MethodGet, "/v1/runs/"+args[0]+"/state", nil)
	printState(mustState(body, status))
}

func runQuery(cmd *cobra.Command, args []string) {
	body, status := apiRequest(http.MethodPost, "/v1/runs/"+args[0]+"/query",
		map[string]string{"query": args[1]})
	sr := mustState(body, status)
	fmt.Printf("query accepted at version %d; `relay watch %s` to follow\n", sr.Version, sr.RunId)
}

func runReset(cmd *cobra.Command, args []string) {
	body, status := apiRequest(http.MethodPost, "/v1/runs/"+args[0]+"/reset", nil)
	sr := mustState(body, status)
	fmt.Printf("run %s reset to version %d\n", sr.RunId, sr.Version)
}

func postApproval(runID, checkpointID, decision string, ids []string) {
	write := map[string]any{
		"kind":          "approval_response",
		"checkpoint_id": checkpointID,
		"decision":      decision,
	}
	if decision == "approved" {
		if len(ids) == 0 {
			// Approve everything currently pending.
			body, status := apiRequest(http.MethodGet, "/v1/runs/"+runID+"/state", nil)
			sr := mustState(body, status)
			for _, chunk := range sr.State.RetrievedChunks {
				ids = append(ids, chunk.ChunkId)
			}
		}
		write["response_payload"] = map[string]any{"selected_ids": ids}
	}

	body, status := apiRequest(http.MethodPost, "/v1/runs/"+runID+"/writes", write)
	if status < 200 || status >= 300 {
		log.Fatalf("Server returned %d: %s", status, string(body))
	}
	fmt.Printf("checkpoint %s %s\n", checkpointID, decision)
}

func runApprove(cmd *cobra.Command, args []string) {
	postApproval(args[0], args[1], "approved", selectedIds)
}

func runReject(cmd *cobra.Command, args []string) {
	postApproval(args[0], args[1], "rejected", nil)
}

func runConfigSet(cmd *cobra.Command, args []string) {
	fields := map[string]any{}
	for _, pair := range args[1:] {
		name, value, found := strings.Cut(pair, "=")
		if !found {
			log.Fatalf("Expected field=value, got %q", pair)
		}
		// Numbers must go over the wire as numbers, not strings.
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			fields[name] = n
		} else {
			fields[name] = value
		}
	}

	write := map[string]any{"kind": "config", "fields": fields}
	body, status := apiRequest(http.MethodPost, "/v1/runs/"+args[0]+"/writes", write)
	if status < 200 || status >= 300 {
		log.Fatalf("Server returned %d: %s", status, string(body))
	}
	fmt.Println("config applied")
}

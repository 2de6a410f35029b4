// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "encoding/json"

// Event kinds carried on a run's outbound stream.
const (
	// EventKindSnapshot carries the complete RunState at a version.
	EventKindSnapshot = "snapshot"
	// EventKindDelta carries a patch from the immediately preceding version.
	EventKindDelta = "delta"
)

// StreamEvent is one outbound unit on a run's event stream.
//
// # Description
//
// Sequence numbers are assigned exclusively by the run's event stream:
// strictly increasing, gapless, starting at 1, for the lifetime of the
// stream. Version is the state version the payload describes. A snapshot
// payload is the full RunState; a delta payload applies to the immediately
// preceding version, so a client that missed a version must discard deltas
// and wait for the next snapshot.
//
// # Thread Safety
//
// Events are immutable after construction and safe to hand between
// goroutines.
type StreamEvent struct {
	RunId    string          `json:"run_id"`
	Sequence uint64          `json:"sequence"`
	Kind     string          `json:"kind"`
	Version  uint64          `json:"version"`
	Payload  json.RawMessage `json:"payload"`
}

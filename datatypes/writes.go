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

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

// Client write kinds.
const (
	// WriteKindConfig carries a partial SearchConfig patch.
	WriteKindConfig = "config"
	// WriteKindApprovalResponse resolves a pending checkpoint.
	WriteKindApprovalResponse = "approval_response"
)

// Client decisions on a pending checkpoint. Timed-out and cancelled are
// server-side outcomes and are never accepted from a client.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// writeValidate is the validator instance for client write datatypes.
var writeValidate *validator.Validate

func init() {
	writeValidate = validator.New()
}

// =============================================================================
// Client Write Types
// =============================================================================

// ApprovalResponsePayload is the client-supplied payload accompanying an
// approval decision. SelectedIds names the chunk ids the client wants used
// for synthesis; ids that do not match a retrieved chunk are ignored.
type ApprovalResponsePayload struct {
	SelectedIds []string `json:"selected_ids"`
}

// ClientWrite is the single inbound write envelope for a run.
//
// # Description
//
// A "config" write carries Fields, a partial SearchConfig patch keyed by
// wire field name. An "approval_response" write carries the checkpoint id it
// resolves, a decision, and an optional response payload. Exactly one shape
// is valid per kind; Validate enforces the cross-field rules that tags alone
// cannot express.
//
// # Validation
//
//   - Kind: required, one of config|approval_response
//   - Decision: one of approved|rejected when present
//   - config writes must carry at least one field
//   - approval_response writes must carry CheckpointId and Decision
type ClientWrite struct {
	RunId           string                   `json:"run_id"`
	Kind            string                   `json:"kind" validate:"required,oneof=config approval_response"`
	Fields          map[string]any           `json:"fields,omitempty"`
	CheckpointId    string                   `json:"checkpoint_id,omitempty"`
	Decision        string                   `json:"decision,omitempty" validate:"omitempty,oneof=approved rejected"`
	ResponsePayload *ApprovalResponsePayload `json:"response_payload,omitempty"`
}

// Validate checks tag rules plus the per-kind shape rules.
func (w *ClientWrite) Validate() error {
	if err := writeValidate.Struct(w); err != nil {
		return err
	}
	switch w.Kind {
	case WriteKindConfig:
		if len(w.Fields) == 0 {
			return fmt.Errorf("config write must include at least one field")
		}
	case WriteKindApprovalResponse:
		if w.CheckpointId == "" {
			return fmt.Errorf("approval_response write must include checkpoint_id")
		}
		if w.Decision == "" {
			return fmt.Errorf("approval_response write must include a decision")
		}
	}
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

// =============================================================================
// Validation Errors
// =============================================================================

// ValidationError reports a client config write that violates the schema.
// The state is unchanged when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("state: invalid config field %q: %s", e.Field, e.Reason)
}

// =============================================================================
// Field Schema
// =============================================================================

// fieldKind is the declared wire type of a client-writable field.
type fieldKind int

const (
	kindFloat fieldKind = iota
	kindInt
	kindEnum
)

// fieldSpec declares type and bounds metadata for one client-writable field.
// The merge consults this table instead of trusting the raw JSON shape, so
// the external contract stays typed even though writes arrive as a map.
type fieldSpec struct {
	kind    fieldKind
	min     float64
	max     float64
	allowed []string
	assign  func(cfg *datatypes.SearchConfig, v any)
}

// configSchema lists every field a client may write. Anything not in this
// table is rejected outright rather than dropped, so client/server schema
// drift surfaces immediately.
var configSchema = map[string]fieldSpec{
	"similarity_threshold": {
		kind: kindFloat, min: 0, max: 1,
		assign: func(cfg *datatypes.SearchConfig, v any) { cfg.SimilarityThreshold = v.(float64) },
	},
	"max_results": {
		kind: kindInt, min: 1, max: 50,
		assign: func(cfg *datatypes.SearchConfig, v any) { cfg.MaxResults = v.(int) },
	},
	"search_type": {
		kind:    kindEnum,
		allowed: []string{datatypes.SearchTypeSemantic, datatypes.SearchTypeHybrid},
		assign:  func(cfg *datatypes.SearchConfig, v any) { cfg.SearchType = v.(string) },
	},
}

// =============================================================================
// Merger
// =============================================================================

// mergeValidate double-checks the merged SearchConfig against its struct
// tags after the schema table has validated each incoming field.
var mergeValidate = validator.New()

// Merger reconciles client-writable configuration fields into a Store.
//
// # Description
//
// Apply validates every field of a partial config patch against the declared
// schema, then commits a single store patch that touches only the supplied
// fields. Last-writer-wins per field falls out of the store serializing all
// patches; applying the same patch twice leaves the state identical.
//
// # Thread Safety
//
// Safe for concurrent use; all mutation is delegated to the store.
type Merger struct {
	store *Store
}

// NewMerger creates a Merger bound to one run's store.
func NewMerger(store *Store) *Merger {
	return &Merger{store: store}
}

// Apply validates and commits a partial config patch. On any validation
// failure the state is left untouched and a *ValidationError is returned.
func (m *Merger) Apply(fields map[string]any) (datatypes.RunState, uint64, error) {
	assigns := make([]func(cfg *datatypes.SearchConfig), 0, len(fields))
	for name, raw := range fields {
		spec, ok := configSchema[name]
		if !ok {
			return datatypes.RunState{}, 0, &ValidationError{Field: name, Reason: "unknown field"}
		}
		val, err := coerce(name, spec, raw)
		if err != nil {
			return datatypes.RunState{}, 0, err
		}
		assigns = append(assigns, func(cfg *datatypes.SearchConfig) { spec.assign(cfg, val) })
	}

	// Dry-run the merge against the current config so struct-tag bounds are
	// enforced before anything is committed.
	current, _ := m.store.Read()
	candidate := current.SearchConfig
	for _, assign := range assigns {
		assign(&candidate)
	}
	if err := mergeValidate.Struct(candidate); err != nil {
		return datatypes.RunState{}, 0, &ValidationError{Field: "search_config", Reason: err.Error()}
	}

	st, v := m.store.Patch(func(s *datatypes.RunState) {
		for _, assign := range assigns {
			assign(&s.SearchConfig)
		}
	})
	return st, v, nil
}

// coerce converts a raw JSON value to the field's declared type and checks
// its bounds.
func coerce(name string, spec fieldSpec, raw any) (any, error) {
	switch spec.kind {
	case kindFloat:
		f, ok := asFloat(raw)
		if !ok {
			return nil, &ValidationError{Field: name, Reason: "must be a number"}
		}
		if f < spec.min || f > spec.max {
			return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("must be in [%g, %g]", spec.min, spec.max)}
		}
		return f, nil
	case kindInt:
		f, ok := asFloat(raw)
		if !ok || f != math.Trunc(f) {
			return nil, &ValidationError{Field: name, Reason: "must be an integer"}
		}
		if f < spec.min || f > spec.max {
			return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("must be in [%d, %d]", int(spec.min), int(spec.max))}
		}
		return int(f), nil
	case kindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, &ValidationError{Field: name, Reason: "must be a string"}
		}
		for _, a := range spec.allowed {
			if s == a {
				return s, nil
			}
		}
		return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("must be one of %v", spec.allowed)}
	default:
		return nil, &ValidationError{Field: name, Reason: "unsupported field kind"}
	}
}

// asFloat accepts the numeric types encoding/json may produce.
func asFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

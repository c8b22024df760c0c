package timing

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// LoopKind classifies a timing loop by where it sits on the circuit.
type LoopKind string

const (
	LoopStartFinish    LoopKind = "start-finish"
	LoopPitIn          LoopKind = "pit-in"
	LoopPitOut         LoopKind = "pit-out"
	LoopPitStationary  LoopKind = "pit-stationary"
	LoopPitStartFinish LoopKind = "pit-start-finish"
	LoopOther          LoopKind = "other"
)

// X2Passing is one loop crossing reported by the transponder decoder.
type X2Passing struct {
	TransponderID uint64   `json:"transponderId"`
	LoopName      string   `json:"loopName,omitempty"`
	LoopKind      LoopKind `json:"loopKind"`
	TimestampMS   int64    `json:"timestampMs"`
}

// SectionCrossing is one sector completion from the multiloop feed.
type SectionCrossing struct {
	CarNumber     string `json:"carNumber"`
	Section       string `json:"section"`
	SectionTimeMS int    `json:"sectionTimeMs,omitempty"`
	TimestampMS   int64  `json:"timestampMs,omitempty"`
}

const x2PassingSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["transponderId", "loopKind", "timestampMs"],
  "properties": {
    "transponderId": {"type": "integer", "minimum": 1},
    "loopName": {"type": "string"},
    "loopKind": {"type": "string", "enum": ["start-finish", "pit-in", "pit-out", "pit-stationary", "pit-start-finish", "other"]},
    "timestampMs": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

const sectionCrossingsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["carNumber", "section"],
    "properties": {
      "carNumber": {"type": "string", "minLength": 1},
      "section": {"type": "string", "minLength": 1},
      "sectionTimeMs": {"type": "integer", "minimum": 0},
      "timestampMs": {"type": "integer", "minimum": 0}
    },
    "additionalProperties": false
  }
}`

var (
	x2PassingSchema        = jsonschema.MustCompileString("timing/x2-passing.schema.json", x2PassingSchemaJSON)
	sectionCrossingsSchema = jsonschema.MustCompileString("timing/section-crossings.schema.json", sectionCrossingsSchemaJSON)
)

// DecodeX2PassingPayload validates and decodes one loop crossing.
func DecodeX2PassingPayload(data []byte) (X2Passing, error) {
	if err := validateAgainst(x2PassingSchema, data); err != nil {
		return X2Passing{}, err
	}
	var out X2Passing
	if err := json.Unmarshal(data, &out); err != nil {
		return X2Passing{}, fmt.Errorf("decoding x2 passing payload: %w", err)
	}
	return out, nil
}

// DecodeSectionCrossingsPayload validates and decodes a multiloop batch.
func DecodeSectionCrossingsPayload(data []byte) ([]SectionCrossing, error) {
	if err := validateAgainst(sectionCrossingsSchema, data); err != nil {
		return nil, err
	}
	var out []SectionCrossing
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding section crossings payload: %w", err)
	}
	return out, nil
}

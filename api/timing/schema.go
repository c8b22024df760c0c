package timing

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSON ingress payloads are schema-checked before decoding so a malformed
// producer cannot half-populate state.

const flagsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["flag", "startTimeMs"],
    "properties": {
      "flag": {"type": "string", "enum": ["unknown", "green", "yellow", "red", "white", "checkered", "purple"]},
      "startTimeMs": {"type": "integer", "minimum": 0},
      "endTimeMs": {"type": "integer", "minimum": 0}
    },
    "additionalProperties": false
  }
}`

const driverSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["carNumber"],
  "properties": {
    "carNumber": {"type": "string", "minLength": 1},
    "transponderId": {"type": "integer", "minimum": 0},
    "driverId": {"type": "string"},
    "driverName": {"type": "string"},
    "fullRefresh": {"type": "boolean"}
  },
  "additionalProperties": false
}`

const lapCompletedSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["carNumber", "lapNumber"],
  "properties": {
    "carNumber": {"type": "string", "minLength": 1},
    "class": {"type": "string"},
    "lapNumber": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var (
	flagsSchema        = jsonschema.MustCompileString("timing/flags.schema.json", flagsSchemaJSON)
	driverSchema       = jsonschema.MustCompileString("timing/driver.schema.json", driverSchemaJSON)
	lapCompletedSchema = jsonschema.MustCompileString("timing/lap-completed.schema.json", lapCompletedSchemaJSON)
)

func validateAgainst(schema *jsonschema.Schema, data []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload rejected by schema: %w", err)
	}
	return nil
}

// DecodeFlagsPayload validates and decodes a flags ingress payload.
func DecodeFlagsPayload(data []byte) ([]FlagDuration, error) {
	if err := validateAgainst(flagsSchema, data); err != nil {
		return nil, err
	}
	var out []FlagDuration
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding flags payload: %w", err)
	}
	return out, nil
}

// DecodeDriverPayload validates and decodes a driver ingress payload.
func DecodeDriverPayload(data []byte) (DriverInfo, error) {
	if err := validateAgainst(driverSchema, data); err != nil {
		return DriverInfo{}, err
	}
	var out DriverInfo
	if err := json.Unmarshal(data, &out); err != nil {
		return DriverInfo{}, fmt.Errorf("decoding driver payload: %w", err)
	}
	return out, nil
}

// DecodeLapCompletedPayload validates and decodes a lap-completed payload.
func DecodeLapCompletedPayload(data []byte) (LapCompleted, error) {
	if err := validateAgainst(lapCompletedSchema, data); err != nil {
		return LapCompleted{}, err
	}
	var out LapCompleted
	if err := json.Unmarshal(data, &out); err != nil {
		return LapCompleted{}, fmt.Errorf("decoding lap-completed payload: %w", err)
	}
	return out, nil
}

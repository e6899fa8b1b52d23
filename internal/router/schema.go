package router

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lockerlink/livelink/internal/connection"
)

// updateSchema constrains the live fields of device_update and
// user_update payloads. Unknown fields are allowed.
const updateSchema = `{
	"type": ["object", "null"],
	"properties": {
		"device_id":      {"type": "string"},
		"battery_level":  {"type": ["integer", "null"], "minimum": 0, "maximum": 100},
		"lock_status":    {"type": ["string", "null"]},
		"is_online":      {"type": ["boolean", "null"]},
		"last_heartbeat": {"type": ["string", "null"]}
	}
}`

// payloadValidator checks update payloads before they are decoded.
type payloadValidator struct {
	schema *jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	var doc any
	if err := json.Unmarshal([]byte(updateSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal update schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("device_update.json", doc); err != nil {
		return nil, fmt.Errorf("add update schema: %w", err)
	}
	compiled, err := c.Compile("device_update.json")
	if err != nil {
		return nil, fmt.Errorf("compile update schema: %w", err)
	}
	return &payloadValidator{schema: compiled}, nil
}

// mustPayloadValidator panics if the built-in schema does not compile.
func mustPayloadValidator() *payloadValidator {
	v, err := newPayloadValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate reports why data does not match the update schema.
func (v *payloadValidator) Validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", connection.ErrMessageParse, err)
	}
	return v.schema.Validate(inst)
}

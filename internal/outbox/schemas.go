package outbox

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"example.com/healthsync/internal/events"
)

const metricsIngestedSchema = `{
  "type": "object",
  "title": "MetricsIngested",
  "properties": {
    "batch_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string", "minLength": 1},
    "provider": {"type": "string"},
    "data_type": {"type": "string", "enum": ["body", "daily", "activity", "sleep"]},
    "rows": {"type": "integer", "minimum": 0},
    "metrics": {"type": ["array", "null"], "items": {"type": "string"}},
    "first_day": {"type": "string"},
    "last_day": {"type": "string"},
    "occurred_at": {"type": "string"}
  },
  "required": ["batch_id", "user_id", "provider", "data_type", "rows", "occurred_at"],
  "additionalProperties": false
}`

const alertCreatedSchema = `{
  "type": "object",
  "title": "AlertCreated",
  "properties": {
    "alert": {
      "type": "object",
      "required": ["id", "recipientId", "kind", "type", "title", "message"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "recipientId": {"type": "string", "minLength": 1},
        "kind": {"enum": ["alert", "feed"]}
      }
    },
    "occurred_at": {"type": "string"}
  },
  "required": ["alert", "occurred_at"],
  "additionalProperties": false
}`

var schemaCatalog = map[string]string{
	events.TypeMetricsIngested: metricsIngestedSchema,
	events.TypeAlertCreated:    alertCreatedSchema,
}

// PayloadValidator checks outbox payloads against the JSON schema of their event type.
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewPayloadValidator compiles every known event schema.
func NewPayloadValidator() (*PayloadValidator, error) {
	c := jsonschema.NewCompiler()
	for eventType, raw := range schemaCatalog {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", eventType, err)
		}
		if err := c.AddResource(eventType+".json", doc); err != nil {
			return nil, err
		}
	}
	v := &PayloadValidator{schemas: make(map[string]*jsonschema.Schema, len(schemaCatalog))}
	for eventType := range schemaCatalog {
		sch, err := c.Compile(eventType + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", eventType, err)
		}
		v.schemas[eventType] = sch
	}
	return v, nil
}

// Validate returns an error when the event type is unknown or the payload does not conform.
func (v *PayloadValidator) Validate(eventType string, payload []byte) error {
	sch, ok := v.schemas[eventType]
	if !ok {
		return fmt.Errorf("no schema for event_type=%s", eventType)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	return nil
}

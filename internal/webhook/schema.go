package webhook

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchema = `{
  "type": "object",
  "title": "TerraWebhookEnvelope",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "status": {"type": "string"},
    "reference_id": {"type": ["string", "null"]},
    "user": {
      "type": "object",
      "properties": {
        "user_id": {"type": "string"},
        "provider": {"type": "string"},
        "reference_id": {"type": ["string", "null"]}
      }
    },
    "data": {"type": ["array", "null"]}
  },
  "if": {
    "properties": {"type": {"enum": ["auth", "deauth", "access_revoked", "body", "daily", "activity", "sleep"]}}
  },
  "then": {
    "required": ["user"],
    "properties": {
      "user": {"required": ["user_id", "provider"], "properties": {"user_id": {"minLength": 1}, "provider": {"minLength": 1}}}
    }
  }
}`

func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("decode envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("terra-envelope.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("terra-envelope.json")
}

func validateEnvelope(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

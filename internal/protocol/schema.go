package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the structural contract every inbound frame must meet
// before the payload is decoded. Payload shapes are enforced by the typed
// structs; the schema guards the envelope itself.
const envelopeSchema = `{
  "type": "object",
  "required": ["type", "message_id", "timestamp"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "message_id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "session_id": {"type": "string"},
    "correlation_id": {"type": "string"},
    "target_id": {"type": "string"},
    "payload": {}
  }
}`

var (
	envelopeSchemaOnce sync.Once
	compiledEnvelope   *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			envelopeSchemaErr = fmt.Errorf("unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			envelopeSchemaErr = fmt.Errorf("add envelope schema resource: %w", err)
			return
		}
		compiledEnvelope, envelopeSchemaErr = c.Compile("envelope.json")
	})
	return compiledEnvelope, envelopeSchemaErr
}

// ParseEnvelope validates a raw inbound frame against the envelope schema
// and the closed type catalog, then unmarshals it. Failures are
// ValidationErrors; they never panic the read loop.
func ParseEnvelope(raw json.RawMessage) (Envelope, error) {
	schema, err := compiledSchema()
	if err != nil {
		return Envelope{}, err
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return Envelope{}, &ValidationError{Message: "frame is not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		return Envelope{}, &ValidationError{Message: "frame failed envelope schema: " + err.Error()}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &ValidationError{Message: "frame failed envelope decode: " + err.Error()}
	}
	if !KnownType(env.Type) {
		return Envelope{}, &ValidationError{
			Message: "unknown message type",
			Fields:  map[string]string{"type": string(env.Type)},
		}
	}
	return env, nil
}

package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const envelopeSchemaURL = "https://plotrelay.dev/schemas/envelope.schema.json"

//go:embed schemas/envelope.schema.json
var envelopeSchemaJSON []byte

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

// EnvelopeSchema returns the compiled envelope schema.
func EnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(envelopeSchemaURL, bytes.NewReader(envelopeSchemaJSON)); err != nil {
			envelopeSchemaErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = c.Compile(envelopeSchemaURL)
	})
	return envelopeSchema, envelopeSchemaErr
}

// ValidateEnvelope checks a raw JSON envelope against the envelope schema.
// It says nothing about whether the envelope decodes into a domain entity.
func ValidateEnvelope(raw []byte) error {
	s, err := EnvelopeSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("envelope json: %w", err)
	}
	return s.Validate(v)
}

package ingest

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nenpyo-org/nenpyo/internal/model"
)

//go:embed event_input.schema.json
var eventSchemaJSON string

const eventSchemaURL = "event_input.schema.json"

// Decoder parses newline-delimited JSON event batches. Every line is checked
// against the embedded JSON Schema and the typed validator; a batch with any
// bad line is rejected whole so runners never end up with partial appends.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the embedded event schema.
func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(eventSchemaURL, strings.NewReader(eventSchemaJSON)); err != nil {
		return nil, fmt.Errorf("ingest: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("ingest: compile schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// DecodeBatch reads one event per line from r. Blank lines are skipped.
// On failure the returned error names the offending line and no inputs are
// returned.
func (d *Decoder) DecodeBatch(r io.Reader) ([]model.EventInput, error) {
	var inputs []model.EventInput

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		input, err := d.decodeLine(raw)
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		inputs = append(inputs, input)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ingest: read input: %w", err)
	}
	return inputs, nil
}

func (d *Decoder) decodeLine(raw []byte) (model.EventInput, error) {
	// Schema first: it produces pointered error messages for malformed
	// shapes. The typed validator then enforces the closed kind set.
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.EventInput{}, err
	}
	if err := d.schema.Validate(payload); err != nil {
		return model.EventInput{}, err
	}

	var input model.EventInput
	if err := strictUnmarshal(raw, &input); err != nil {
		return model.EventInput{}, err
	}
	if err := input.Validate(); err != nil {
		return model.EventInput{}, err
	}
	return input, nil
}

func strictUnmarshal(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	if err := dec.Decode(new(any)); err != io.EOF {
		return fmt.Errorf("unexpected trailing JSON payload")
	}
	return nil
}

package conductor

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema declares the structured output an agent expects from the model.
// ID travels in decode errors and cache fingerprints; Definition is a JSON
// Schema document. An empty Definition skips validation and decodes by
// shape only.
type Schema struct {
	ID         string
	Definition string
}

// Diagnostics is the self-assessment block every structured response carries.
type Diagnostics struct {
	Thoughts   []string `json:"thoughts"`
	Confidence float64  `json:"confidence"`
}

// StructuredResponse is a decoded model response. Response and Diagnostics
// are always present; ToolCalls drives the tool-call loop when non-empty.
// Top-level fields beyond the standard three are retained in Fields so
// agent-declared keys (follow-up queries, task lists, assignments) survive
// decoding.
type StructuredResponse struct {
	Response    string                     `json:"response"`
	Diagnostics Diagnostics                `json:"diagnostics"`
	ToolCalls   []ToolCall                 `json:"tool_calls,omitempty"`
	Fields      map[string]json.RawMessage `json:"-"`

	raw string
}

// Raw returns the raw model text the response was decoded from.
func (r StructuredResponse) Raw() string { return r.raw }

// StringList decodes a retained field as a list of strings. A bare string
// value decodes as a single-element list. Missing or malformed fields
// return nil.
func (r StructuredResponse) StringList(field string) []string {
	data, ok := r.Fields[field]
	if !ok {
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

// Decode unmarshals a field retained during decoding into v.
func (r StructuredResponse) Decode(field string, v any) error {
	data, ok := r.Fields[field]
	if !ok {
		return fmt.Errorf("field %q not present in response", field)
	}
	return json.Unmarshal(data, v)
}

// DecodeStructured decodes raw model text against schema. Markdown fences
// are stripped, malformed JSON is repaired before giving up, and the result
// is validated against schema.Definition when one is declared.
func DecodeStructured(raw string, schema Schema) (StructuredResponse, error) {
	text := stripFences(raw)

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(text)
		if repErr != nil {
			return StructuredResponse{raw: raw}, fmt.Errorf("decode response: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
			return StructuredResponse{raw: raw}, fmt.Errorf("decode repaired response: %w", err)
		}
		text = repaired
	}

	if schema.Definition != "" {
		compiled, err := compileSchema(schema)
		if err != nil {
			return StructuredResponse{raw: raw}, fmt.Errorf("compile schema %q: %w", schema.ID, err)
		}
		var decoded any
		if err := json.Unmarshal([]byte(text), &decoded); err != nil {
			return StructuredResponse{raw: raw}, fmt.Errorf("decode response: %w", err)
		}
		if err := compiled.Validate(decoded); err != nil {
			return StructuredResponse{raw: raw}, fmt.Errorf("schema validation: %w", err)
		}
	}

	resp := StructuredResponse{raw: raw, Fields: map[string]json.RawMessage{}}
	for key, val := range fields {
		switch key {
		case "response":
			if err := json.Unmarshal(val, &resp.Response); err != nil {
				return StructuredResponse{raw: raw}, fmt.Errorf("decode response field: %w", err)
			}
		case "diagnostics":
			if err := json.Unmarshal(val, &resp.Diagnostics); err != nil {
				return StructuredResponse{raw: raw}, fmt.Errorf("decode diagnostics field: %w", err)
			}
		case "tool_calls":
			if err := json.Unmarshal(val, &resp.ToolCalls); err != nil {
				return StructuredResponse{raw: raw}, fmt.Errorf("decode tool_calls field: %w", err)
			}
		default:
			resp.Fields[key] = val
		}
	}
	if _, ok := fields["response"]; !ok {
		return StructuredResponse{raw: raw}, fmt.Errorf("response field missing")
	}
	return resp, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, and trims whitespace. Text without fences passes through.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	i := strings.Index(trimmed, "```")
	if i < 0 {
		return trimmed
	}
	rest := trimmed[i+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || isLangTag(tag) {
			rest = rest[nl+1:]
		}
	}
	if j := strings.LastIndex(rest, "```"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

func isLangTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return len(s) <= 16
}

var schemaCache sync.Map

// compileSchema compiles and caches schema definitions; responses decode on
// every loop iteration, so compilation must not repeat.
func compileSchema(schema Schema) (*jsonschema.Schema, error) {
	key := schema.Definition
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	name := schema.ID
	if name == "" {
		name = "response"
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// RenderSchemaInstruction renders the output-format instruction injected
// into the {output_format} prompt slot.
func RenderSchemaInstruction(schema Schema) string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON object")
	if schema.ID != "" {
		fmt.Fprintf(&b, " conforming to the %q schema", schema.ID)
	}
	b.WriteString(". It must contain a \"response\" string and a \"diagnostics\" object with \"thoughts\" (list of strings) and \"confidence\" (number between 0 and 1).")
	if schema.Definition != "" {
		b.WriteString("\nJSON Schema:\n")
		b.WriteString(schema.Definition)
	}
	return b.String()
}

package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Format selects the wire encoding of a document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts "json", "yaml" or "yml". Empty means JSON.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown snapshot format %q", raw)
	}
}

// Marshal encodes doc. YAML output is produced from the JSON form so both
// encodings carry the same field names and value types.
func Marshal(doc Document, f Format) ([]byte, error) {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("snapshot marshal: %w", err)
	}
	if f != FormatYAML {
		return b, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("snapshot json->yaml: %w", err)
	}
	return yaml.Marshal(v)
}

// Unmarshal decodes data. Unknown fields are rejected.
func Unmarshal(data []byte, f Format) (Document, error) {
	if f == FormatYAML {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return Document{}, fmt.Errorf("snapshot yaml unmarshal: %w", err)
		}
		j, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return Document{}, fmt.Errorf("snapshot yaml->json: %w", err)
		}
		data = j
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("snapshot decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Document{}, fmt.Errorf("snapshot decode: trailing data")
		}
		return Document{}, err
	}
	return doc, nil
}

func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

package fs

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/tilth/pkg/adapters/codec"
)

// Serializer defines how records are written to and read from files.
type Serializer interface {
	// Marshal converts a record to file contents.
	Marshal(rec codec.Record) ([]byte, error)
	// Unmarshal parses file contents back into a record.
	Unmarshal(data []byte) (codec.Record, error)
}

// DefaultSerializers returns the serializers keyed by file extension.
func DefaultSerializers(strict bool) map[string]Serializer {
	return map[string]Serializer{
		".json": NewJSONSerializer(strict),
		".yaml": NewYAMLSerializer(strict),
		".yml":  NewYAMLSerializer(strict),
	}
}

// JSONSerializer handles JSON files.
type JSONSerializer struct {
	// Strict decodes numbers as json.Number to avoid precision loss.
	Strict bool
}

// NewJSONSerializer creates a JSON serializer.
func NewJSONSerializer(strict bool) *JSONSerializer {
	return &JSONSerializer{Strict: strict}
}

func (s *JSONSerializer) Marshal(rec codec.Record) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (s *JSONSerializer) Unmarshal(data []byte) (codec.Record, error) {
	var rec codec.Record
	decoder := json.NewDecoder(bytes.NewReader(data))
	if s.Strict {
		decoder.UseNumber()
	}
	if err := decoder.Decode(&rec); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return rec, nil
}

// YAMLSerializer handles YAML files.
type YAMLSerializer struct {
	// Strict normalizes numbers to json.Number, matching JSON strict mode.
	Strict bool
}

// NewYAMLSerializer creates a YAML serializer.
func NewYAMLSerializer(strict bool) *YAMLSerializer {
	return &YAMLSerializer{Strict: strict}
}

func (s *YAMLSerializer) Marshal(rec codec.Record) ([]byte, error) {
	return yaml.Marshal(rec)
}

func (s *YAMLSerializer) Unmarshal(data []byte) (codec.Record, error) {
	var rec codec.Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if rec == nil {
		rec = codec.Record{}
	}
	if s.Strict {
		rec = normalizeNumbers(rec).(codec.Record)
	}
	return rec, nil
}

// normalizeNumbers converts numeric values to json.Number, recursively.
func normalizeNumbers(val any) any {
	switch v := val.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[k] = normalizeNumbers(val)
		}
		return m
	case []any:
		l := make([]any, len(v))
		for i, val := range v {
			l[i] = normalizeNumbers(val)
		}
		return l
	case int:
		return json.Number(fmt.Sprintf("%d", v))
	case int64:
		return json.Number(fmt.Sprintf("%d", v))
	case uint64:
		return json.Number(fmt.Sprintf("%d", v))
	case float64:
		return json.Number(fmt.Sprintf("%v", v))
	default:
		return v
	}
}

package channel

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Serializer Interface
// =============================================================================

// Serializer turns structured values into bytes for binary channels.
type Serializer interface {
	// Serialize converts a Go value to bytes
	Serialize(v any) ([]byte, error)

	// Name returns the serializer name (for debugging/logging)
	Name() string
}

// =============================================================================
// JSONSerializer Implementation
// =============================================================================

// JSONSerializer uses JSON encoding. It is the default.
type JSONSerializer struct{}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

func (s *JSONSerializer) Serialize(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}

	return data, nil
}

func (s *JSONSerializer) Name() string {
	return "json"
}

// =============================================================================
// YAMLSerializer Implementation
// =============================================================================

// YAMLSerializer uses YAML documents.
type YAMLSerializer struct{}

// NewYAMLSerializer creates a new YAML serializer
func NewYAMLSerializer() *YAMLSerializer {
	return &YAMLSerializer{}
}

func (s *YAMLSerializer) Serialize(v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml marshal failed: %w", err)
	}
	return data, nil
}

func (s *YAMLSerializer) Name() string {
	return "yaml"
}

// pkg/registry/registry.go
package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

//go:embed registry.json
var defaultRegistry []byte

// Default returns the registry compiled into the binary.
func Default() (*Registry, error) {
	return parse(defaultRegistry)
}

// LoadRegistry reads a registry document from disk.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (*Registry, error) {
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return &reg, nil
}

// EventSchemas returns each event payload schema serialized, keyed by event type.
func (r *Registry) EventSchemas() (map[string]string, error) {
	out := make(map[string]string, len(r.Events))
	for _, e := range r.Events {
		b, err := json.Marshal(e.PayloadSchema)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", e.Type, err)
		}
		out[e.Type] = string(b)
	}
	return out, nil
}

// InputSchemas returns each activity input schema serialized, keyed by task type.
func (r *Registry) InputSchemas() (map[string]string, error) {
	out := make(map[string]string, len(r.Activities))
	for _, a := range r.Activities {
		b, err := json.Marshal(a.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("activity %s: %w", a.TaskType, err)
		}
		out[a.TaskType] = string(b)
	}
	return out, nil
}

func (r *Registry) Activity(taskType string) (Activity, bool) {
	for _, a := range r.Activities {
		if a.TaskType == taskType {
			return a, true
		}
	}
	return Activity{}, false
}

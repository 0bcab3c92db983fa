// Package schema defines the persisted shape of an experiment and applies
// documents to a running engine and hardware manager. File I/O stays with the
// caller; this package deals in bytes and structs.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/openbench/labflow/pkg/hal"
)

//go:embed schema.json
var schemaJSON string

// Experiment is a complete persisted experiment: hardware declarations, the
// node graph and its connections.
type Experiment struct {
	Name        string       `json:"name"                  validate:"required"`
	Description string       `json:"description,omitempty"`
	Hardware    Hardware     `json:"hardware"`
	Nodes       []Node       `json:"nodes"                 validate:"dive"`
	Connections []Connection `json:"connections"           validate:"dive"`
}

// Hardware declares the boards and devices an experiment needs.
type Hardware struct {
	Boards  []Board  `json:"boards,omitempty"  validate:"dive"`
	Devices []Device `json:"devices,omitempty" validate:"dive"`
}

// Board declares one board by driver type.
type Board struct {
	ID     string         `json:"id"               validate:"required"`
	Type   string         `json:"type"             validate:"required"`
	Params map[string]any `json:"params,omitempty"`
}

// Device declares one device bound to a board.
type Device struct {
	ID      string           `json:"id"             validate:"required"`
	Kind    string           `json:"kind"           validate:"required"`
	Name    string           `json:"name,omitempty"`
	BoardID string           `json:"board_id"       validate:"required"`
	Config  hal.DeviceConfig `json:"config"`
}

// Position is where an editor draws the node. The engine ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node declares one graph node. DeviceID is a shorthand for the device_id
// property hardware nodes take. Enabled and Visible override the runtime
// defaults (enabled, visible only for interface nodes) when present; State
// restores the node's serializable state.
type Node struct {
	ID         string         `json:"id"                   validate:"required"`
	Type       string         `json:"type"                 validate:"required"`
	Position   Position       `json:"position"`
	Properties map[string]any `json:"properties,omitempty"`
	DeviceID   string         `json:"device_id,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
	Visible    *bool          `json:"visible,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

// Connection declares one edge.
type Connection struct {
	ID       string `json:"id,omitempty"`
	FromNode string `json:"from_node" validate:"required"`
	FromPort string `json:"from_port" validate:"required"`
	ToNode   string `json:"to_node"   validate:"required"`
	ToPort   string `json:"to_port"   validate:"required"`
	Kind     string `json:"kind"      validate:"required,oneof=data exec"`
}

// Parse validates raw JSON against the document schema, decodes it and runs
// struct-level validation.
func Parse(data []byte) (*Experiment, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("validate experiment document: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}

		return nil, fmt.Errorf("invalid experiment document: %s", strings.Join(msgs, "; "))
	}

	var exp Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("decode experiment: %w", err)
	}

	if err := validator.New().Struct(&exp); err != nil {
		return nil, fmt.Errorf("invalid experiment: %w", err)
	}

	return &exp, nil
}

// Encode renders an experiment as indented JSON.
func Encode(exp *Experiment) ([]byte, error) {
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode experiment: %w", err)
	}

	return append(data, '\n'), nil
}

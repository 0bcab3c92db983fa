// Package eventbus publishes engine and hardware notifications over a
// watermill pub/sub so user interfaces can follow a running experiment
// without polling.
package eventbus

import "time"

// EventType identifies the payload shape of an event.
type EventType string

// Topic is the single stream all experiment events travel on.
const Topic = "labflow.events"

const (
	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"
)

const (
	FlowStateChangedEvent  EventType = "flow.state.changed"
	NodeOutputChangedEvent EventType = "node.output.changed"
	NodeExecutedEvent      EventType = "node.executed"
	NodeFailedEvent        EventType = "node.failed"
	BoardStateChangedEvent EventType = "board.state.changed"
	PinChangedEvent        EventType = "pin.changed"
)

// Event is implemented by every published payload.
type Event interface {
	GetType() EventType
}

// BaseEvent carries the fields common to all events.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// FlowStateChanged reports the engine starting or stopping.
type FlowStateChanged struct {
	BaseEvent

	Running bool `json:"running"`
}

func (FlowStateChanged) GetType() EventType { return FlowStateChangedEvent }

// NodeOutputChanged reports a new value on a node's data output.
type NodeOutputChanged struct {
	BaseEvent

	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Port     string `json:"port"`
	Value    any    `json:"value"`
}

func (NodeOutputChanged) GetType() EventType { return NodeOutputChangedEvent }

// NodeExecuted reports an exec input having been processed.
type NodeExecuted struct {
	BaseEvent

	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Port     string `json:"port"`
	Error    string `json:"error,omitempty"`
}

func (NodeExecuted) GetType() EventType { return NodeExecutedEvent }

// NodeFailed reports a node run that ended in an error. The graph keeps
// running; the failure stays recorded on the node.
type NodeFailed struct {
	BaseEvent

	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Error    string `json:"error"`
}

func (NodeFailed) GetType() EventType { return NodeFailedEvent }

// BoardStateChanged reports a board connection state transition.
type BoardStateChanged struct {
	BaseEvent

	BoardID string `json:"board_id"`
	State   string `json:"state"`
}

func (BoardStateChanged) GetType() EventType { return BoardStateChangedEvent }

// PinChanged reports a hardware input edge or sample.
type PinChanged struct {
	BaseEvent

	BoardID string `json:"board_id"`
	Pin     int    `json:"pin"`
	Value   int    `json:"value"`
}

func (PinChanged) GetType() EventType { return PinChangedEvent }

package comfy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType is the "type" tag of a stream message.
type EventType string

const (
	EventStatus               EventType = "status"
	EventExecutionStart       EventType = "execution_start"
	EventExecutionCached      EventType = "execution_cached"
	EventExecuting            EventType = "executing"
	EventProgress             EventType = "progress"
	EventExecuted             EventType = "executed"
	EventExecutionSuccess     EventType = "execution_success"
	EventExecutionError       EventType = "execution_error"
	EventExecutionInterrupted EventType = "execution_interrupted"
)

// Event is one decoded stream message. The concrete type is one of the
// *Event structs in this file; UnknownEvent covers everything else.
type Event interface {
	Kind() EventType
	event()
}

// ExecutingEvent reports which node is running. A nil Node means nothing is
// left to execute for PromptID.
type ExecutingEvent struct {
	PromptID PromptID
	Node     *string
}

// Done reports whether this is the completion marker.
func (e ExecutingEvent) Done() bool { return e.Node == nil }

type StatusEvent struct {
	SID            string
	QueueRemaining int
}

type ExecutionStartEvent struct {
	PromptID PromptID
}

type ExecutionCachedEvent struct {
	PromptID PromptID
	Nodes    []string
}

type ProgressEvent struct {
	PromptID PromptID
	Node     string
	Value    int
	Max      int
}

type ExecutedEvent struct {
	PromptID PromptID
	Node     string
	Output   NodeOutput
}

type ExecutionSuccessEvent struct {
	PromptID PromptID
}

type ExecutionErrorEvent struct {
	PromptID         PromptID
	NodeID           string
	NodeType         string
	ExceptionType    string
	ExceptionMessage string
}

type ExecutionInterruptedEvent struct {
	PromptID PromptID
	NodeID   string
}

// UnknownEvent carries any message type this client does not model.
type UnknownEvent struct {
	Type EventType
	Data json.RawMessage
}

func (ExecutingEvent) Kind() EventType            { return EventExecuting }
func (StatusEvent) Kind() EventType               { return EventStatus }
func (ExecutionStartEvent) Kind() EventType       { return EventExecutionStart }
func (ExecutionCachedEvent) Kind() EventType      { return EventExecutionCached }
func (ProgressEvent) Kind() EventType             { return EventProgress }
func (ExecutedEvent) Kind() EventType             { return EventExecuted }
func (ExecutionSuccessEvent) Kind() EventType     { return EventExecutionSuccess }
func (ExecutionErrorEvent) Kind() EventType       { return EventExecutionError }
func (ExecutionInterruptedEvent) Kind() EventType { return EventExecutionInterrupted }
func (e UnknownEvent) Kind() EventType            { return e.Type }

func (ExecutingEvent) event()            {}
func (StatusEvent) event()               {}
func (ExecutionStartEvent) event()       {}
func (ExecutionCachedEvent) event()      {}
func (ProgressEvent) event()             {}
func (ExecutedEvent) event()             {}
func (ExecutionSuccessEvent) event()     {}
func (ExecutionErrorEvent) event()       {}
func (ExecutionInterruptedEvent) event() {}
func (UnknownEvent) event()              {}

// DecodeEvent parses one text frame. The envelope and executing payloads are
// checked strictly and fail with ErrMalformedEvent. Any other kind whose data
// does not fit its typed shape decodes to UnknownEvent, so it cannot end a
// read loop.
func DecodeEvent(frame []byte) (Event, error) {
	var env struct {
		Type *string        `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	kind := EventType(*env.Type)
	if kind == EventExecuting {
		if !isObject(env.Data) {
			return nil, fmt.Errorf("%w: %s: data must be an object", ErrMalformedEvent, kind)
		}
		return decodeExecuting(env.Data)
	}

	unknown := UnknownEvent{Type: kind, Data: env.Data}
	if !isObject(env.Data) {
		return unknown, nil
	}
	ev, err := decodeTyped(kind, env.Data)
	if err != nil {
		return unknown, nil
	}
	return ev, nil
}

// decodeTyped decodes the payload of every modelled kind except executing.
// Unmodelled kinds come back as UnknownEvent.
func decodeTyped(kind EventType, data json.RawMessage) (Event, error) {
	switch kind {
	case EventStatus:
		var w struct {
			SID    string `json:"sid"`
			Status struct {
				ExecInfo struct {
					QueueRemaining int `json:"queue_remaining"`
				} `json:"exec_info"`
			} `json:"status"`
		}
		if err := unmarshalData(kind, data, &w); err != nil {
			return nil, err
		}
		return StatusEvent{SID: w.SID, QueueRemaining: w.Status.ExecInfo.QueueRemaining}, nil
	case EventExecutionStart, EventExecutionSuccess:
		var w struct {
			PromptID string `json:"prompt_id"`
		}
		if err := unmarshalData(kind, data, &w); err != nil {
			return nil, err
		}
		if kind == EventExecutionStart {
			return ExecutionStartEvent{PromptID: PromptID(w.PromptID)}, nil
		}
		return ExecutionSuccessEvent{PromptID: PromptID(w.PromptID)}, nil
	case EventExecutionCached:
		var w struct {
			PromptID string   `json:"prompt_id"`
			Nodes    []string `json:"nodes"`
		}
		if err := unmarshalData(kind, data, &w); err != nil {
			return nil, err
		}
		return ExecutionCachedEvent{PromptID: PromptID(w.PromptID), Nodes: w.Nodes}, nil
	case EventProgress:
		var w struct {
			PromptID string `json:"prompt_id"`
			Node     string `json:"node"`
			Value    int    `json:"value"`
			Max      int    `json:"max"`
		}
		if err := unmarshalData(kind, data, &w); err != nil {
			return nil, err
		}
		return ProgressEvent{PromptID: PromptID(w.PromptID), Node: w.Node, Value: w.Value, Max: w.Max}, nil
	case EventExecuted:
		var w struct {
			PromptID string     `json:"prompt_id"`
			Node     string     `json:"node"`
			Output   NodeOutput `json:"output"`
		}
		if err := unmarshalData(kind, data, &w); err != nil {
			return nil, err
		}
		return ExecutedEvent{PromptID: PromptID(w.PromptID), Node: w.Node, Output: w.Output}, nil
	case EventExecutionError:
		var w struct {
			PromptID         string `json:"prompt_id"`
			NodeID           string `json:"node_id"`
			NodeType         string `json:"node_type"`
			ExceptionType    string `json:"exception_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := unmarshalData(kind, data, &w); err != nil {
			return nil, err
		}
		return ExecutionErrorEvent{
			PromptID:         PromptID(w.PromptID),
			NodeID:           w.NodeID,
			NodeType:         w.NodeType,
			ExceptionType:    w.ExceptionType,
			ExceptionMessage: w.ExceptionMessage,
		}, nil
	case EventExecutionInterrupted:
		var w struct {
			PromptID string `json:"prompt_id"`
			NodeID   string `json:"node_id"`
		}
		if err := unmarshalData(kind, data, &w); err != nil {
			return nil, err
		}
		return ExecutionInterruptedEvent{PromptID: PromptID(w.PromptID), NodeID: w.NodeID}, nil
	default:
		return UnknownEvent{Type: kind, Data: data}, nil
	}
}

func decodeExecuting(data json.RawMessage) (Event, error) {
	var w struct {
		Node     json.RawMessage `json:"node"`
		PromptID *string         `json:"prompt_id"`
	}
	if err := unmarshalData(EventExecuting, data, &w); err != nil {
		return nil, err
	}
	if w.PromptID == nil {
		return nil, fmt.Errorf("%w: executing: missing prompt_id", ErrMalformedEvent)
	}
	// A missing node key and an explicit null are different things here:
	// only null is the completion marker.
	if w.Node == nil {
		return nil, fmt.Errorf("%w: executing: missing node", ErrMalformedEvent)
	}

	ev := ExecutingEvent{PromptID: PromptID(*w.PromptID)}
	if bytes.Equal(w.Node, []byte("null")) {
		return ev, nil
	}
	var node string
	if err := json.Unmarshal(w.Node, &node); err != nil {
		return nil, fmt.Errorf("%w: executing: node must be a string or null", ErrMalformedEvent)
	}
	ev.Node = &node
	return ev, nil
}

func unmarshalData(kind EventType, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

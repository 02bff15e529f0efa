package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Channel event names. Client to server.
const (
	EventJoinBoard      = "joinBoard"
	EventCreateTask     = "createTask"
	EventUpdateTask     = "updateTask"
	EventDeleteTask     = "deleteTask"
	EventToggleComplete = "toggleComplete"
	EventReorderTasks   = "reorderTasks"
)

// Server to client. All are room broadcasts except Tasks on join and Error,
// which go to a single session.
const (
	EventTasks       = "tasks"
	EventTaskCreated = "taskCreated"
	EventTaskUpdated = "taskUpdated"
	EventTaskDeleted = "taskDeleted"
	EventError       = "error"
)

// Envelope is the wire frame for every channel message.
type Envelope struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for the given event.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := sonic.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Encode serializes the envelope for transmission.
func (e Envelope) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event name")
	}
	return env, nil
}

// ToggleCompleteData flips one checklist item.
type ToggleCompleteData struct {
	TaskID    string `json:"taskId"`
	ItemIndex int    `json:"itemIndex"`
}

// ErrorData is the session-scoped failure report.
type ErrorData struct {
	Message string `json:"message"`
}

// DeleteTarget identifies the task a deleteTask event refers to. The wire
// accepts either a bare string id or an {id, boardId} object; both shapes
// are produced by existing clients.
type DeleteTarget struct {
	ID      string `json:"id"`
	BoardID string `json:"boardId,omitempty"`
}

func (d *DeleteTarget) UnmarshalJSON(data []byte) error {
	var id string
	if err := sonic.Unmarshal(data, &id); err == nil {
		*d = DeleteTarget{ID: id}
		return nil
	}
	var obj struct {
		ID      string `json:"id"`
		BoardID string `json:"boardId"`
	}
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("delete target must be an id or an {id, boardId} object: %w", err)
	}
	*d = DeleteTarget{ID: obj.ID, BoardID: obj.BoardID}
	return nil
}

package converge

import (
	"encoding/json"
	"fmt"
)

// PushType is the `type` field of an inbound push payload.
type PushType string

const (
	PushChatMessage           PushType = "chat_message"
	PushConnectionEstablished PushType = "connection_established"
	PushMessageDeleted        PushType = "message_deleted"
	PushThreadMessage         PushType = "thread_message"
)

// PushEvent is a decoded inbound push payload.
type PushEvent struct {
	Type PushType
	// Message is set for chat_message and thread_message.
	Message Message
	// DeletedID is set for message_deleted.
	DeletedID MessageID
	// Info carries the text of connection_established.
	Info string
}

// DecodePush parses one inbound frame for scope. Unknown types decode
// without error so callers can ignore them.
func DecodePush(scope Scope, data []byte) (*PushEvent, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode push: %w", err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("decode push: missing type")
	}

	ev := &PushEvent{Type: PushType(w.Type)}
	switch ev.Type {
	case PushChatMessage, PushThreadMessage:
		if w.ID == "" {
			return nil, fmt.Errorf("decode push: %s without id", w.Type)
		}
		ev.Message = w.toMessage(scope)
	case PushMessageDeleted:
		ev.DeletedID = w.MessageID
		if ev.DeletedID == "" {
			ev.DeletedID = w.ID
		}
		if ev.DeletedID == "" {
			return nil, fmt.Errorf("decode push: message_deleted without id")
		}
	case PushConnectionEstablished:
		ev.Info = w.Message
	}
	return ev, nil
}

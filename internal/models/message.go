package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one entry of a conversation. Only IsPending and DeepDive change
// after the message has been appended.
type Message struct {
	ID        int64              `json:"id"`
	Role      Role               `json:"role"`
	Text      string             `json:"text,omitempty"`
	Payload   *CorrectionPayload `json:"payload,omitempty"`
	DeepDive  string             `json:"deep_dive,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	IsError   bool               `json:"is_error,omitempty"`
	IsPending bool               `json:"is_pending,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Payload != nil {
		p := m.Payload.Clone()
		m.Payload = &p
	}
	return m
}

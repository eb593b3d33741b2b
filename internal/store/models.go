package store

import (
	"bytes"
	"fmt"
	"time"

	"gwi.com/chat-shell/internal/utils"
)

// Roles the chat UI renders. Role is free-form; these are the common values.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message statuses. Like Role, other values pass through untouched.
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// Timestamp is a point in time that accepts the loose date strings browsers send
// and always serializes as RFC 3339.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns a pointer suitable for the nullable created_at fields.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + utils.FormatTimestamp(t.Time) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp must be a string, got %s", data)
	}
	parsed, err := utils.ParseTimestamp(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func cloneTimestamp(t *Timestamp) *Timestamp {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

type Message struct {
	MessageID        string     `json:"message_id"`
	SessionID        string     `json:"session_id,omitempty"`
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	Status           string     `json:"status,omitempty"`
	CreatedAt        *Timestamp `json:"created_at,omitempty"`
	NegativeFeedback bool       `json:"negative_feedback"`
}

// Clone returns a copy that shares no memory with m.
func (m Message) Clone() Message {
	m.CreatedAt = cloneTimestamp(m.CreatedAt)
	return m
}

// MessagePatch is a partial Message. Nil fields are left alone by Apply.
// The identity field is not patchable.
type MessagePatch struct {
	SessionID        *string    `json:"session_id,omitempty"`
	Role             *string    `json:"role,omitempty"`
	Content          *string    `json:"content,omitempty"`
	Status           *string    `json:"status,omitempty"`
	CreatedAt        *Timestamp `json:"created_at,omitempty"`
	NegativeFeedback *bool      `json:"negative_feedback,omitempty"`
}

// Apply shallow-merges p into m and returns the result.
func (p MessagePatch) Apply(m Message) Message {
	if p.SessionID != nil {
		m.SessionID = *p.SessionID
	}
	if p.Role != nil {
		m.Role = *p.Role
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.CreatedAt != nil {
		m.CreatedAt = cloneTimestamp(p.CreatedAt)
	}
	if p.NegativeFeedback != nil {
		m.NegativeFeedback = *p.NegativeFeedback
	}
	return m
}

func (p MessagePatch) IsEmpty() bool {
	return p == MessagePatch{}
}

type Session struct {
	SessionID string     `json:"session_id"`
	Title     string     `json:"title"`
	CreatedAt *Timestamp `json:"created_at"` // Nullable
}

func (s Session) Clone() Session {
	s.CreatedAt = cloneTimestamp(s.CreatedAt)
	return s
}

// SessionPatch is a partial Session. Nil fields are left alone by Apply.
type SessionPatch struct {
	Title     *string    `json:"title,omitempty"`
	CreatedAt *Timestamp `json:"created_at,omitempty"`
}

func (p SessionPatch) Apply(s Session) Session {
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.CreatedAt != nil {
		s.CreatedAt = cloneTimestamp(p.CreatedAt)
	}
	return s
}

func (p SessionPatch) IsEmpty() bool {
	return p == SessionPatch{}
}

package core

import "gwi.com/chat-shell/internal/store"

// State is the whole persisted aggregate. Field names match the persisted JSON
// written by earlier clients of the same slot.
type State struct {
	CurrentSession *string         `json:"current_session"`
	Sessions       []store.Session `json:"sessions"`
	Messages       []store.Message `json:"messages"`
	Title          string          `json:"title"`
	IsLoading      bool            `json:"isLoading"`
	IsStreaming    bool            `json:"isStreaming"`
	Sending        bool            `json:"sending"`
	ShouldStream   bool            `json:"shouldStream"`
}

// DefaultState is the state of a store with nothing persisted.
func DefaultState() State {
	return State{
		Sessions: []store.Session{},
		Messages: []store.Message{},
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	if s.CurrentSession != nil {
		id := *s.CurrentSession
		c.CurrentSession = &id
	}
	c.Sessions = cloneSessions(s.Sessions)
	c.Messages = cloneMessages(s.Messages)
	return c
}

// CurrentSessionID returns the selected session id, if any.
func (s State) CurrentSessionID() (string, bool) {
	if s.CurrentSession == nil {
		return "", false
	}
	return *s.CurrentSession, true
}

// Snapshot is an immutable view of the store after a committed mutation.
// Version increases by one with every commit.
type Snapshot struct {
	Version uint64 `json:"version"`
	State
}

func cloneSessions(in []store.Session) []store.Session {
	out := make([]store.Session, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

func cloneMessages(in []store.Message) []store.Message {
	out := make([]store.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

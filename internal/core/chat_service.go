package core

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gwi.com/chat-shell/internal/logging"
	"gwi.com/chat-shell/internal/store"
)

// ChatService is the caller side of the SessionStore: it validates ids before
// handing requests to the store, which itself accepts anything.
type ChatService struct {
	sessions *SessionStore
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string
}

func NewChatService(sessions *SessionStore, logger *logging.Logger) *ChatService {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ChatService{
		sessions: sessions,
		logger:   logger.Named("chat_service"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (s *ChatService) Store() *SessionStore {
	return s.sessions
}

// StartSession creates a session, selects it, empties the conversation and
// sets the title. Subscribers see it as a single change.
func (s *ChatService) StartSession(title string) store.Session {
	sess := store.Session{
		Title:     title,
		CreatedAt: store.NewTimestamp(s.now().UTC()),
	}
	for {
		sess.SessionID = s.newID()
		if s.sessions.StartSession(sess, title) {
			break
		}
		s.logger.Warn("Generated session id already taken", zap.String("session_id", sess.SessionID))
	}

	s.logger.Info("Started session", zap.String("session_id", sess.SessionID))
	return sess
}

// SelectSession makes an existing session current. An empty id clears the selection.
func (s *ChatService) SelectSession(sessionID string) error {
	if sessionID == "" {
		s.sessions.SetCurrentSessionID(nil)
		return nil
	}
	if !s.hasSession(sessionID) {
		return fmt.Errorf("select %s: %w", sessionID, ErrSessionNotFound)
	}
	s.sessions.SetCurrentSessionID(&sessionID)
	return nil
}

// AddSession fills in a missing id and created_at, then prepends the session.
// The id check and the insert are one store commit.
func (s *ChatService) AddSession(sess store.Session) (store.Session, error) {
	if sess.SessionID == "" {
		sess.SessionID = s.newID()
	}
	if sess.CreatedAt == nil {
		sess.CreatedAt = store.NewTimestamp(s.now().UTC())
	}
	if !s.sessions.AddSessionIfAbsent(sess) {
		return store.Session{}, fmt.Errorf("add %s: %w", sess.SessionID, ErrDuplicateSession)
	}
	return sess, nil
}

// SetSessions replaces the session list. Every session needs a unique id.
func (s *ChatService) SetSessions(sessions []store.Session) error {
	seen := make(map[string]struct{}, len(sessions))
	for _, sess := range sessions {
		if sess.SessionID == "" {
			return fmt.Errorf("session without session_id: %w", ErrInvalidInput)
		}
		if _, dup := seen[sess.SessionID]; dup {
			return fmt.Errorf("set %s: %w", sess.SessionID, ErrDuplicateSession)
		}
		seen[sess.SessionID] = struct{}{}
	}
	s.sessions.SetSessions(sessions)
	return nil
}

func (s *ChatService) UpdateSession(sessionID string, patch store.SessionPatch) error {
	if patch.IsEmpty() {
		return fmt.Errorf("empty session patch: %w", ErrInvalidInput)
	}
	if !s.hasSession(sessionID) {
		return fmt.Errorf("update %s: %w", sessionID, ErrSessionNotFound)
	}
	s.sessions.UpdateSession(sessionID, patch)
	return nil
}

// RemoveSession deletes a session. When it was the current one the selection
// is left for the caller to change.
func (s *ChatService) RemoveSession(sessionID string) error {
	if !s.hasSession(sessionID) {
		return fmt.Errorf("remove %s: %w", sessionID, ErrSessionNotFound)
	}
	s.sessions.RemoveSession(sessionID)
	if current, ok := s.sessions.CurrentSessionID(); ok && current == sessionID {
		s.logger.Info("Removed the current session; selection still points at it",
			zap.String("session_id", sessionID))
	}
	return nil
}

// AddMessage fills in a missing id and created_at, then appends the message.
// The id check and the insert are one store commit.
func (s *ChatService) AddMessage(msg store.Message) (store.Message, error) {
	if msg.Role == "" {
		return store.Message{}, fmt.Errorf("message without role: %w", ErrInvalidInput)
	}
	if msg.MessageID == "" {
		msg.MessageID = s.newID()
	}
	if msg.SessionID == "" {
		if current, ok := s.sessions.CurrentSessionID(); ok {
			msg.SessionID = current
		}
	}
	if msg.CreatedAt == nil {
		msg.CreatedAt = store.NewTimestamp(s.now().UTC())
	}
	if !s.sessions.AddMessageIfAbsent(msg) {
		return store.Message{}, fmt.Errorf("add %s: %w", msg.MessageID, ErrDuplicateMessage)
	}
	return msg, nil
}

// SetMessages replaces the conversation. Every message needs a unique id.
func (s *ChatService) SetMessages(messages []store.Message) error {
	seen := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		if m.MessageID == "" {
			return fmt.Errorf("message without message_id: %w", ErrInvalidInput)
		}
		if _, dup := seen[m.MessageID]; dup {
			return fmt.Errorf("set %s: %w", m.MessageID, ErrDuplicateMessage)
		}
		seen[m.MessageID] = struct{}{}
	}
	s.sessions.SetMessages(messages)
	return nil
}

func (s *ChatService) UpdateMessage(messageID string, patch store.MessagePatch) error {
	if patch.IsEmpty() {
		return fmt.Errorf("empty message patch: %w", ErrInvalidInput)
	}
	if !s.hasMessage(messageID) {
		return fmt.Errorf("update %s: %w", messageID, ErrMessageNotFound)
	}
	s.sessions.UpdateMessage(messageID, patch)
	return nil
}

// SetMessageFeedback flags or unflags a message as a bad answer.
func (s *ChatService) SetMessageFeedback(messageID string, negative bool) error {
	return s.UpdateMessage(messageID, store.MessagePatch{NegativeFeedback: &negative})
}

func (s *ChatService) hasSession(id string) bool {
	return slices.ContainsFunc(s.sessions.GetSessions(), func(x store.Session) bool { return x.SessionID == id })
}

func (s *ChatService) hasMessage(id string) bool {
	return slices.ContainsFunc(s.sessions.Messages(), func(m store.Message) bool { return m.MessageID == id })
}

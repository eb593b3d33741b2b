package core

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gwi.com/chat-shell/internal/logging"
	"gwi.com/chat-shell/internal/metrics"
	"gwi.com/chat-shell/internal/store"
)

// DefaultPersistKey is the slot the session state lives under.
const DefaultPersistKey = "session-persist"

// Listener receives the snapshot produced by a committed mutation.
// Listeners run on the mutating goroutine and must not block.
type Listener func(Snapshot)

// SessionStoreOptions configures a SessionStore. Zero values pick defaults.
type SessionStoreOptions struct {
	Persist PersisterConfig
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// SessionStore holds the sessions, the loaded conversation, the working title
// and the UI status flags. Every mutation is atomic, produces a new snapshot
// for subscribers and schedules a full-state write to the persistence slot.
// Store operations never fail; persistence problems are only logged.
type SessionStore struct {
	mu      sync.RWMutex
	state   State
	version uint64

	subMu     sync.RWMutex
	listeners map[uint64]Listener
	nextSubID uint64

	hydrated  atomic.Bool
	kv        store.KV
	key       string
	persister *Persister
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewSessionStore builds a store over kv and rehydrates it from the slot.
func NewSessionStore(ctx context.Context, kv store.KV, opts SessionStoreOptions) *SessionStore {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Persist.Key == "" {
		opts.Persist.Key = DefaultPersistKey
	}

	s := &SessionStore{
		state:     DefaultState(),
		listeners: make(map[uint64]Listener),
		kv:        kv,
		key:       opts.Persist.Key,
		persister: NewPersister(kv, opts.Persist, logger, opts.Metrics),
		logger:    logger.Named("session_store"),
		metrics:   opts.Metrics,
	}
	s.Rehydrate(ctx)
	return s
}

// Rehydrate replaces the in-memory state with the persisted one. Missing or
// unreadable data yields the default state. The write lock is held across the
// read, so mutations issued meanwhile apply on top of the loaded state.
// Subscribers are notified.
func (s *SessionStore) Rehydrate(ctx context.Context) {
	s.mu.Lock()
	st := s.load(ctx)
	s.state = st
	s.version++
	snap := Snapshot{Version: s.version, State: s.state.Clone()}
	s.mu.Unlock()

	s.hydrated.Store(true)
	s.logger.Info("Session state rehydrated",
		zap.Int("sessions", len(st.Sessions)),
		zap.Int("messages", len(st.Messages)),
	)
	s.metrics.RecordMutation("rehydrate", len(snap.Sessions), len(snap.Messages))
	s.notify(snap)
}

// slotClock is implemented by backends that track when a slot was written.
type slotClock interface {
	UpdatedAt(ctx context.Context, key string) (time.Time, bool, error)
}

func (s *SessionStore) load(ctx context.Context) State {
	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("Failed to read persisted state, using defaults", zap.Error(err))
		return DefaultState()
	}
	if !ok {
		return DefaultState()
	}
	if clock, isClock := s.kv.(slotClock); isClock {
		if at, found, err := clock.UpdatedAt(ctx, s.key); err != nil {
			s.logger.Debug("Could not read slot timestamp", zap.Error(err))
		} else if found {
			s.logger.Info("Loading persisted state", zap.Time("saved_at", at))
		}
	}
	st, err := DecodeState(data)
	if err != nil {
		s.logger.Warn("Discarding malformed persisted state", zap.Error(err))
		return DefaultState()
	}
	return st
}

// HasHydrated reports whether the initial load from the slot has finished.
func (s *SessionStore) HasHydrated() bool {
	return s.hydrated.Load()
}

// Flush waits for every write scheduled so far to be attempted.
func (s *SessionStore) Flush(ctx context.Context) error {
	return s.persister.Flush(ctx)
}

// Close flushes pending state and stops the background writer. The KV is not closed.
func (s *SessionStore) Close(ctx context.Context) error {
	return s.persister.Close(ctx)
}

// Subscribe registers fn for every committed mutation. The returned func removes it.
func (s *SessionStore) Subscribe(fn Listener) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.listeners[id] = fn
	n := len(s.listeners)
	s.subMu.Unlock()
	s.metrics.SetSubscribers(n)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.listeners, id)
			n := len(s.listeners)
			s.subMu.Unlock()
			s.metrics.SetSubscribers(n)
		})
	}
}

func (s *SessionStore) notify(snap Snapshot) {
	s.subMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.subMu.RUnlock()

	for _, l := range listeners {
		// Each listener gets its own copy.
		l(Snapshot{Version: snap.Version, State: snap.State.Clone()})
	}
}

// commit applies fn under the write lock, then persists and notifies.
func (s *SessionStore) commit(op string, fn func(st *State)) {
	s.tryCommit(op, func(st *State) bool {
		fn(st)
		return true
	})
}

// tryCommit is commit for conditional mutations. fn must leave st untouched
// when it returns false; nothing is then versioned, written or notified.
func (s *SessionStore) tryCommit(op string, fn func(st *State) bool) bool {
	s.mu.Lock()
	if !fn(&s.state) {
		s.mu.Unlock()
		return false
	}
	s.version++
	snap := Snapshot{Version: s.version, State: s.state.Clone()}
	// Scheduled under the lock so the persister receives states in commit order.
	s.persister.Schedule(snap.State)
	s.mu.Unlock()

	s.logger.Debug("Committed mutation", zap.String("operation", op), zap.Uint64("version", snap.Version))
	s.metrics.RecordMutation(op, len(snap.Sessions), len(snap.Messages))
	s.notify(snap)
	return true
}

// Snapshot returns a deep copy of the current state.
func (s *SessionStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Version: s.version, State: s.state.Clone()}
}

// GetSessions returns a copy of the session list.
func (s *SessionStore) GetSessions() []store.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSessions(s.state.Sessions)
}

// Messages returns a copy of the loaded conversation.
func (s *SessionStore) Messages() []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.state.Messages)
}

func (s *SessionStore) CurrentSessionID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.CurrentSessionID()
}

// SetCurrentSessionID selects a session. A nil id clears the selection.
// The id is not checked against the session list.
func (s *SessionStore) SetCurrentSessionID(id *string) {
	var c *string
	if id != nil {
		v := *id
		c = &v
	}
	s.commit("setCurrentSessionId", func(st *State) {
		st.CurrentSession = c
	})
}

func (s *SessionStore) SetMessages(messages []store.Message) {
	c := cloneMessages(messages)
	s.commit("setMessages", func(st *State) {
		st.Messages = c
	})
}

// AddMessage appends m to the end of the conversation.
func (s *SessionStore) AddMessage(m store.Message) {
	m = m.Clone()
	s.commit("addMessage", func(st *State) {
		st.Messages = append(st.Messages, m)
	})
}

// AddMessageIfAbsent appends m unless a message with the same id is already
// loaded. It reports whether m was added.
func (s *SessionStore) AddMessageIfAbsent(m store.Message) bool {
	m = m.Clone()
	return s.tryCommit("addMessage", func(st *State) bool {
		if slices.ContainsFunc(st.Messages, func(x store.Message) bool { return x.MessageID == m.MessageID }) {
			return false
		}
		st.Messages = append(st.Messages, m)
		return true
	})
}

// UpdateMessage merges patch into the message with the given id.
// Nothing changes when no message has that id.
func (s *SessionStore) UpdateMessage(messageID string, patch store.MessagePatch) {
	s.commit("updateMessage", func(st *State) {
		i := slices.IndexFunc(st.Messages, func(m store.Message) bool { return m.MessageID == messageID })
		if i < 0 {
			return
		}
		next := slices.Clone(st.Messages)
		next[i] = patch.Apply(next[i])
		st.Messages = next
	})
}

func (s *SessionStore) SetTitle(title string) {
	s.commit("setTitle", func(st *State) {
		st.Title = title
	})
}

func (s *SessionStore) SetSending(v bool) {
	s.commit("setSending", func(st *State) {
		st.Sending = v
	})
}

func (s *SessionStore) SetLoading(v bool) {
	s.commit("setLoading", func(st *State) {
		st.IsLoading = v
	})
}

func (s *SessionStore) SetStreaming(v bool) {
	s.commit("setStreaming", func(st *State) {
		st.IsStreaming = v
	})
}

func (s *SessionStore) SetShouldStream(v bool) {
	s.commit("setShouldStream", func(st *State) {
		st.ShouldStream = v
	})
}

// Flags is a partial update of the status flags. Nil fields are left alone.
type Flags struct {
	Sending      *bool `json:"sending"`
	IsLoading    *bool `json:"isLoading"`
	IsStreaming  *bool `json:"isStreaming"`
	ShouldStream *bool `json:"shouldStream"`
}

func (f Flags) IsEmpty() bool {
	return f == Flags{}
}

// SetFlags sets every non-nil flag in one commit.
func (s *SessionStore) SetFlags(f Flags) {
	s.commit("setFlags", func(st *State) {
		if f.Sending != nil {
			st.Sending = *f.Sending
		}
		if f.IsLoading != nil {
			st.IsLoading = *f.IsLoading
		}
		if f.IsStreaming != nil {
			st.IsStreaming = *f.IsStreaming
		}
		if f.ShouldStream != nil {
			st.ShouldStream = *f.ShouldStream
		}
	})
}

// SetSessions replaces the session list, sorted newest first by created_at.
// The sort is stable, and sessions without created_at compare equal to everything.
func (s *SessionStore) SetSessions(sessions []store.Session) {
	c := cloneSessions(sessions)
	slices.SortStableFunc(c, compareCreatedDesc)
	s.commit("setSessions", func(st *State) {
		st.Sessions = c
	})
}

func compareCreatedDesc(a, b store.Session) int {
	if a.CreatedAt == nil || b.CreatedAt == nil {
		return 0
	}
	return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
}

// AddSession puts sess at the front of the list without re-sorting.
func (s *SessionStore) AddSession(sess store.Session) {
	sess = sess.Clone()
	s.commit("addSession", func(st *State) {
		st.Sessions = prependSession(st.Sessions, sess)
	})
}

// AddSessionIfAbsent prepends sess unless a session with the same id exists.
// It reports whether sess was added.
func (s *SessionStore) AddSessionIfAbsent(sess store.Session) bool {
	sess = sess.Clone()
	return s.tryCommit("addSession", func(st *State) bool {
		if slices.ContainsFunc(st.Sessions, func(x store.Session) bool { return x.SessionID == sess.SessionID }) {
			return false
		}
		st.Sessions = prependSession(st.Sessions, sess)
		return true
	})
}

// StartSession prepends sess, selects it, empties the conversation and sets
// the working title, all in one commit. It reports false, changing nothing,
// when the session id is taken.
func (s *SessionStore) StartSession(sess store.Session, title string) bool {
	sess = sess.Clone()
	id := sess.SessionID
	return s.tryCommit("startSession", func(st *State) bool {
		if slices.ContainsFunc(st.Sessions, func(x store.Session) bool { return x.SessionID == id }) {
			return false
		}
		st.Sessions = prependSession(st.Sessions, sess)
		st.CurrentSession = &id
		st.Messages = []store.Message{}
		st.Title = title
		return true
	})
}

func prependSession(sessions []store.Session, sess store.Session) []store.Session {
	next := make([]store.Session, 0, len(sessions)+1)
	next = append(next, sess)
	return append(next, sessions...)
}

// UpdateSession merges patch into the session with the given id without re-sorting.
// Nothing changes when no session has that id.
func (s *SessionStore) UpdateSession(sessionID string, patch store.SessionPatch) {
	s.commit("updateSession", func(st *State) {
		i := slices.IndexFunc(st.Sessions, func(x store.Session) bool { return x.SessionID == sessionID })
		if i < 0 {
			return
		}
		next := slices.Clone(st.Sessions)
		next[i] = patch.Apply(next[i])
		st.Sessions = next
	})
}

// RemoveSession drops the session with the given id. The current session
// selection is left as is, even when it names the removed session.
func (s *SessionStore) RemoveSession(sessionID string) {
	s.commit("removeSession", func(st *State) {
		st.Sessions = slices.DeleteFunc(slices.Clone(st.Sessions), func(x store.Session) bool {
			return x.SessionID == sessionID
		})
	})
}

// Clear empties the loaded conversation. Sessions and selection are kept.
func (s *SessionStore) Clear() {
	s.commit("clear", func(st *State) {
		st.Messages = []store.Message{}
	})
}

// ClearAllSessions empties messages and sessions and clears the selection.
// Title and status flags are kept.
func (s *SessionStore) ClearAllSessions() {
	s.commit("clearAllSessions", func(st *State) {
		st.Messages = []store.Message{}
		st.Sessions = []store.Session{}
		st.CurrentSession = nil
	})
}

package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gwi.com/chat-shell/internal/logging"
	"gwi.com/chat-shell/internal/store"
)

// recordingKV wraps a MemoryStore, counts writes and can be told to fail.
type recordingKV struct {
	*store.MemoryStore

	mu     sync.Mutex
	sets   int
	setErr error
	getErr error
}

func newRecordingKV() *recordingKV {
	return &recordingKV{MemoryStore: store.NewMemoryStore()}
}

func (k *recordingKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	k.mu.Lock()
	err := k.getErr
	k.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return k.MemoryStore.Get(ctx, key)
}

func (k *recordingKV) Set(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	k.sets++
	err := k.setErr
	k.mu.Unlock()
	if err != nil {
		return err
	}
	return k.MemoryStore.Set(ctx, key, value)
}

func (k *recordingKV) Sets() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sets
}

// blockingGetKV stalls Get while block is set, signalling entered first.
type blockingGetKV struct {
	*store.MemoryStore
	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newBlockingGetKV() *blockingGetKV {
	return &blockingGetKV{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (k *blockingGetKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if k.block.Load() {
		k.entered <- struct{}{}
		<-k.release
	}
	return k.MemoryStore.Get(ctx, key)
}

func readSlot(t *testing.T, kv store.KV) State {
	t.Helper()
	data, ok, err := kv.Get(context.Background(), DefaultPersistKey)
	require.NoError(t, err)
	require.True(t, ok, "slot was never written")
	st, err := DecodeState(data)
	require.NoError(t, err)
	return st
}

var errDiskFull = errors.New("disk full")

func testLogger(t *testing.T) *logging.Logger {
	return &logging.Logger{Logger: zaptest.NewLogger(t)}
}

func newTestStore(t *testing.T, kv store.KV) *SessionStore {
	t.Helper()
	s := NewSessionStore(context.Background(), kv, SessionStoreOptions{Logger: testLogger(t)})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

func flush(t *testing.T, s *SessionStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
}

func day(s string) *store.Timestamp {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return store.NewTimestamp(t)
}

func ptr[T any](v T) *T {
	return &v
}

func sessionIDs(sessions []store.Session) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.SessionID
	}
	return ids
}

func messageIDs(messages []store.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.MessageID
	}
	return ids
}

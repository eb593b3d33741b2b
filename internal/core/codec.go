package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"gwi.com/chat-shell/internal/store"
)

// persistVersion is written alongside the state. Slots holding any other
// version are treated as foreign and ignored.
const persistVersion = 0

type persistEnvelope struct {
	State   State `json:"state"`
	Version int   `json:"version"`
}

type rawEnvelope struct {
	State   json.RawMessage `json:"state"`
	Version int             `json:"version"`
}

// EncodeState serializes s in the slot format {"state": ..., "version": 0}.
func EncodeState(s State) ([]byte, error) {
	data, err := sonic.Marshal(persistEnvelope{State: s, Version: persistVersion})
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// DecodeState parses a slot value. Fields absent from the stored state keep
// their defaults; null collections decode as empty.
func DecodeState(data []byte) (State, error) {
	var env rawEnvelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return DefaultState(), fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Version != persistVersion {
		return DefaultState(), fmt.Errorf("unsupported state version %d", env.Version)
	}
	raw := bytes.TrimSpace(env.State)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return DefaultState(), errors.New("state missing from envelope")
	}

	st := DefaultState()
	if err := sonic.Unmarshal(raw, &st); err != nil {
		return DefaultState(), fmt.Errorf("failed to decode state: %w", err)
	}
	if st.Sessions == nil {
		st.Sessions = []store.Session{}
	}
	if st.Messages == nil {
		st.Messages = []store.Message{}
	}
	return st, nil
}

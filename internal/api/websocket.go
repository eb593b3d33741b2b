package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"gwi.com/chat-shell/internal/core"
)

const snapshotWriteTimeout = 10 * time.Second

// StateStreamHandler upgrades to a websocket and pushes the current snapshot,
// then one snapshot per committed mutation. Slow readers only see the newest.
func (h *APIHandler) StateStreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.allowedOrigins,
	})
	if err != nil {
		h.logger.Warn("Failed to accept websocket", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", zap.Error(closeErr))
		}
	}()

	// Clients only listen; CloseRead cancels ctx once they go away.
	ctx := conn.CloseRead(r.Context())

	updates := make(chan core.Snapshot, 1)
	unsubscribe := h.sessions.Subscribe(func(snap core.Snapshot) {
		offerLatest(updates, snap)
	})
	defer unsubscribe()

	var lastVersion uint64
	send := func(snap core.Snapshot) error {
		if snap.Version <= lastVersion {
			return nil
		}
		lastVersion = snap.Version
		wctx, cancel := context.WithTimeout(ctx, snapshotWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, snap)
	}

	if err := send(h.sessions.Snapshot()); err != nil {
		h.logger.Debug("Failed to send initial snapshot", zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			if err := send(snap); err != nil {
				if ctx.Err() == nil {
					h.logger.Warn("Failed to send snapshot", zap.Error(err))
				}
				return
			}
		}
	}
}

// offerLatest puts snap in the single-slot channel, keeping whichever of the
// queued and offered snapshots is newer.
func offerLatest(ch chan core.Snapshot, snap core.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case old := <-ch:
			if old.Version > snap.Version {
				snap = old
			}
		default:
		}
	}
}

package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/quantd/internal/tasks"
)

// handleBacktestStream pushes task state over a WebSocket: one frame
// per transition or progress change, closing once the task is terminal
func (s *Server) handleBacktestStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	updates, cancel, ok := s.cfg.Tasks.Subscribe(id)
	if !ok {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	defer cancel()

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("backtest stream accept failed")
		return
	}
	defer sock.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, open := <-updates:
			if !open {
				return
			}
			if err := s.writeTaskFrame(ctx, sock, snap); err != nil {
				return
			}
			if snap.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) writeTaskFrame(ctx context.Context, sock *websocket.Conn, snap tasks.Snapshot) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, sock, taskResponse(snap))
}

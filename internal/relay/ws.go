package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mehedi37/tasksync/internal/tasks"
)

type wsFrame struct {
	Type  string            `json:"type"`
	Task  *tasks.TaskState  `json:"task,omitempty"`
	Tasks []tasks.TaskState `json:"tasks,omitempty"`
}

// handleEventsWS streams every task state change to the consumer. The first
// frame is a full snapshot so late joiners do not miss tracked tasks.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	changes, stop := s.manager.Watch()
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(wsFrame{Type: "snapshot", Tasks: s.manager.SnapshotAll()}); err != nil {
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case state, ok := <-changes:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(wsFrame{Type: "task_update", Task: &state}); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

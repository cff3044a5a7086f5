// Package ws streams a run's progress log over a WebSocket.
//
// On connect the client receives every existing entry, then each new entry as
// it is appended. The stream ends with a "complete" message once the run
// writes its final line, or with an "error" message when the run fails.
package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/metrics"
	"github.com/kubilitics/kubilitics-investigator/internal/progress"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

// WebSocket message types
const (
	MessageTypeProgress  = "progress"
	MessageTypeError     = "error"
	MessageTypeComplete  = "complete"
	MessageTypeHeartbeat = "heartbeat"
)

// Message is one frame sent to the client.
type Message struct {
	Type      string          `json:"type"`
	Entry     *progress.Entry `json:"entry,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// defaultOrigins are accepted when no allow list is configured.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// Handler serves GET /ws/runs/{id}/progress.
type Handler struct {
	root     string
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// poll rereads the file in case the filesystem drops change events.
	poll      time.Duration
	heartbeat time.Duration
}

// NewHandler returns a progress tail handler over the workspace root.
func NewHandler(root string, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		root:      root,
		upgrader:  newUpgrader(allowedOrigins),
		logger:    logger,
		poll:      2 * time.Second,
		heartbeat: 30 * time.Second,
	}
}

func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := workspace.New(h.root, mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	if !ws.Exists() {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends anything meaningful; reading detects close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log := h.logger.With(zap.String("run_id", ws.RunID))
	log.Debug("progress tail connected")
	if err := h.tail(ctx, conn, ws); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("progress tail ended", zap.Error(err))
	}
	log.Debug("progress tail closed")
}

func (h *Handler) tail(ctx context.Context, conn *websocket.Conn, ws *workspace.Workspace) error {
	t := &tailer{path: ws.ProgressPath()}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// The progress file may not exist yet; watching its directory also
	// catches creation. Without a watch the poll ticker still drives the tail.
	if err := watcher.Add(ws.AnalysisDir()); err != nil {
		h.logger.Debug("watch analysis dir", zap.Error(err))
	}

	poll := time.NewTicker(h.poll)
	defer poll.Stop()
	beat := time.NewTicker(h.heartbeat)
	defer beat.Stop()

	flush := func() (bool, error) {
		entries, err := t.next()
		if err != nil {
			return false, err
		}
		for i := range entries {
			e := entries[i]
			if err := send(conn, &Message{Type: MessageTypeProgress, Entry: &e, Timestamp: time.Now()}); err != nil {
				return false, err
			}
			switch {
			case e.IsComplete():
				_ = send(conn, &Message{Type: MessageTypeComplete, Timestamp: time.Now()})
				closeNormal(conn, "run complete")
				return true, nil
			case e.IsError() && i == len(entries)-1:
				// A resumed run appends after its ERROR line, so only a
				// trailing one ends the stream.
				_ = send(conn, &Message{Type: MessageTypeError, Error: e.Message, Timestamp: time.Now()})
				closeNormal(conn, "run failed")
				return true, nil
			}
		}
		return false, nil
	}

	for {
		done, err := flush()
		if err != nil {
			_ = send(conn, &Message{Type: MessageTypeError, Error: "failed to read progress", Timestamp: time.Now()})
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != t.path {
				continue
			}
		case err, ok := <-watcher.Errors:
			if ok {
				h.logger.Debug("watcher error", zap.Error(err))
			}
		case <-poll.C:
		case <-beat.C:
			if err := send(conn, &Message{Type: MessageTypeHeartbeat, Timestamp: time.Now()}); err != nil {
				return err
			}
		}
	}
}

func send(conn *websocket.Conn, msg *Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func closeNormal(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
}

// tailer reads complete lines appended to a file since the last call.
type tailer struct {
	path    string
	offset  int64
	partial string
}

func (t *tailer) next() ([]progress.Entry, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < t.offset {
		t.offset, t.partial = 0, ""
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	t.offset += int64(len(data))

	lines := strings.Split(t.partial+string(data), "\n")
	t.partial = lines[len(lines)-1]

	var entries []progress.Entry
	for _, line := range lines[:len(lines)-1] {
		if e, ok := progress.ParseLine(line); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

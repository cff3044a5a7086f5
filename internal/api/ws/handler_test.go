package ws

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/progress"
)

func makeRequest(origin string) *http.Request {
	r, _ := http.NewRequest("GET", "/ws/runs/run-1/progress", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginChecking(t *testing.T) {
	tests := []struct {
		name      string
		origins   []string
		reqOrigin string
		want      bool
	}{
		{"allow localhost:3000", nil, "http://localhost:3000", true},
		{"allow localhost:5173", nil, "http://localhost:5173", true},
		{"block localhost:8080 by default", nil, "http://localhost:8080", false},
		{"block external by default", nil, "https://evil.example.com", false},
		{"wildcard allows anything", []string{"*"}, "https://example.com", true},
		{"explicit allow match", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"explicit allow mismatch", []string{"https://app.example.com"}, "https://evil.com", false},
		{"case-insensitive origin", []string{"https://App.Example.Com"}, "https://app.example.com", true},
		{"no origin header allowed", nil, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			up := newUpgrader(tc.origins)
			assert.Equal(t, tc.want, up.CheckOrigin(makeRequest(tc.reqOrigin)))
		})
	}
}

// startServer serves the tail handler for workspaces below root.
func startServer(t *testing.T, root string) string {
	t.Helper()
	h := NewHandler(root, nil, nil)
	h.poll = 20 * time.Millisecond

	r := mux.NewRouter()
	r.Handle("/ws/runs/{id}/progress", h)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestTailFollowsRun(t *testing.T) {
	root := t.TempDir()
	analysis := filepath.Join(root, "run-1", "analysis")
	require.NoError(t, os.MkdirAll(analysis, 0o755))
	log := progress.New(filepath.Join(analysis, "progress.txt"), nil)
	require.NoError(t, log.Started())

	conn, _, err := websocket.DefaultDialer.Dial(startServer(t, root)+"/ws/runs/run-1/progress", nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeProgress, msg.Type)
	require.NotNil(t, msg.Entry)
	assert.Equal(t, "Investigation started", msg.Entry.Message)

	require.NoError(t, log.Investigating("iOS release broke login"))
	msg = readMessage(t, conn)
	require.NotNil(t, msg.Entry)
	assert.Equal(t, "Investigating: iOS release broke login", msg.Entry.Message)

	require.NoError(t, log.Completed("iOS release broke login", hypothesis.StatusConfirmed))
	require.NoError(t, log.Complete(1))
	msg = readMessage(t, conn)
	require.NotNil(t, msg.Entry)
	assert.Equal(t, "Completed: iOS release broke login -> CONFIRMED", msg.Entry.Message)
	msg = readMessage(t, conn)
	require.NotNil(t, msg.Entry)
	assert.True(t, msg.Entry.IsComplete())
	assert.Equal(t, MessageTypeComplete, readMessage(t, conn).Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestTailEndsOnRunFailure(t *testing.T) {
	root := t.TempDir()
	analysis := filepath.Join(root, "run-1", "analysis")
	require.NoError(t, os.MkdirAll(analysis, 0o755))
	log := progress.New(filepath.Join(analysis, "progress.txt"), nil)
	require.NoError(t, log.Started())

	conn, _, err := websocket.DefaultDialer.Dial(startServer(t, root)+"/ws/runs/run-1/progress", nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)

	require.NoError(t, log.Error("session H1: disk full"))
	msg := readMessage(t, conn)
	require.NotNil(t, msg.Entry)
	assert.True(t, msg.Entry.IsError())

	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "ERROR: session H1: disk full", msg.Error)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestTailContinuesPastResumedFailure(t *testing.T) {
	root := t.TempDir()
	analysis := filepath.Join(root, "run-1", "analysis")
	require.NoError(t, os.MkdirAll(analysis, 0o755))
	log := progress.New(filepath.Join(analysis, "progress.txt"), nil)
	require.NoError(t, log.Started())
	require.NoError(t, log.Error("run cancelled"))
	require.NoError(t, log.Investigating("Campaign ended"))

	conn, _, err := websocket.DefaultDialer.Dial(startServer(t, root)+"/ws/runs/run-1/progress", nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []string
	for i := 0; i < 3; i++ {
		msg := readMessage(t, conn)
		require.Equal(t, MessageTypeProgress, msg.Type)
		got = append(got, msg.Entry.Message)
	}
	assert.Equal(t, []string{"Investigation started", "ERROR: run cancelled", "Investigating: Campaign ended"}, got)

	require.NoError(t, log.Complete(0))
	msg := readMessage(t, conn)
	require.NotNil(t, msg.Entry)
	assert.True(t, msg.Entry.IsComplete())
	assert.Equal(t, MessageTypeComplete, readMessage(t, conn).Type)
}

func TestTailWaitsForProgressFile(t *testing.T) {
	root := t.TempDir()
	analysis := filepath.Join(root, "run-1", "analysis")
	require.NoError(t, os.MkdirAll(analysis, 0o755))

	conn, _, err := websocket.DefaultDialer.Dial(startServer(t, root)+"/ws/runs/run-1/progress", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, progress.New(filepath.Join(analysis, "progress.txt"), nil).Started())
	msg := readMessage(t, conn)
	require.NotNil(t, msg.Entry)
	assert.Equal(t, "Investigation started", msg.Entry.Message)
}

func TestTailUnknownRun(t *testing.T) {
	_, resp, err := websocket.DefaultDialer.Dial(startServer(t, t.TempDir())+"/ws/runs/missing/progress", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTailerKeepsPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.txt")
	tl := &tailer{path: path}

	entries, err := tl.next()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, os.WriteFile(path, []byte("[2024-03-01 09:00:00] Investigation started\n[2024-03-01 09:00:01] Investig"), 0o644))
	entries, err = tl.next()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ating: H1\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err = tl.next()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Investigating: H1", entries[0].Message)
}

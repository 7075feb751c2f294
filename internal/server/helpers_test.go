package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/credential"
	"github.com/Tyrowin/roomchat/internal/room"
)

// testIterations keeps key derivation fast in tests.
const testIterations = 1_000

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *room.Registry) {
	t.Helper()
	return newTestServerWithConfig(t, *NewConfig(), opts...)
}

func newTestServerWithConfig(t *testing.T, cfg Config, opts ...Option) (*Server, *room.Registry) {
	t.Helper()
	log := discardLogger()
	rooms := room.NewRegistry(
		room.WithHasher(credential.NewHasher(testIterations)),
		room.WithLogger(log),
	)
	srv, err := New(cfg, rooms, log, opts...)
	require.NoError(t, err)
	return srv, rooms
}

// wireMessage mirrors the JSON the relay writes to clients.
type wireMessage struct {
	Type     string   `json:"type"`
	Username string   `json:"username"`
	Message  string   `json:"message"`
	Users    []string `json:"users"`
	IsTyping bool     `json:"is_typing"`
}

func dialRoom(t *testing.T, ts *httptest.Server, roomID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + roomID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wireMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	return closeErr.Code
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

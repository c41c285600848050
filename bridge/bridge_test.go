package bridge

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, opts Options) *websocket.Conn {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX commands")
	}
	srv := httptest.NewServer(Handler(opts))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func read(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	var m Message
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestBridgeEchoesInput(t *testing.T) {
	ws := dial(t, Options{Command: []string{"cat"}})

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`hello "quoted"`)))
	assert.Equal(t, Message{Type: "stdout", Data: `hello "quoted"`}, read(t, ws))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("second")))
	assert.Equal(t, Message{Type: "stdout", Data: "second"}, read(t, ws))
}

func TestBridgeReportsStreamsAndExit(t *testing.T) {
	ws := dial(t, Options{Command: []string{"sh", "-c", "echo out; echo err 1>&2; exit 3"}})

	got := map[string]string{}
	for len(got) < 3 {
		m := read(t, ws)
		got[m.Type] = m.Data
		if m.Type == "exit" {
			break
		}
	}
	assert.Equal(t, map[string]string{"stdout": "out", "stderr": "err", "exit": "3"}, got)
}

func TestBridgeStartFailure(t *testing.T) {
	ws := dial(t, Options{Command: []string{"/definitely/not/a/binary"}})
	m := read(t, ws)
	assert.Equal(t, "stderr", m.Type)
	assert.NotEmpty(t, m.Data)
}

func TestBridgeWithoutCommand(t *testing.T) {
	srv := httptest.NewServer(Handler(Options{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

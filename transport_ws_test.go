package mqttv3

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsEchoServer upgrades one connection and echoes binary messages. Text
// messages are answered with a text frame.
func wsEchoServer(t *testing.T) (string, <-chan string) {
	t.Helper()

	protocols := make(chan string, 1)
	upgrader := websocket.Upgrader{
		Subprotocols: []string{WebSocketSubprotocol31},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		protocols <- conn.Subprotocol()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http"), protocols
}

func TestWSConnReadWrite(t *testing.T) {
	wsURL, protocols := wsEchoServer(t)

	conn, err := NewWSDialer().Dial(context.Background(), wsURL)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, WebSocketSubprotocol31, <-protocols)
	assert.NotNil(t, conn.LocalAddr())
	assert.NotNil(t, conn.RemoteAddr())

	frame := []byte{0x30, 0x05, 0x00, 0x01, 'a', 'h', 'i'}
	n, err := conn.Write(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	// Reads smaller than the message consume it in pieces.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	head := make([]byte, 2)
	n, err = conn.Read(head)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, frame[:2], head)

	rest := make([]byte, 16)
	n, err = conn.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, frame[2:], rest[:n])
}

func TestWSConnRejectsTextFrames(t *testing.T) {
	wsURL, _ := wsEchoServer(t)

	conn, err := NewWSDialer().Dial(context.Background(), wsURL)
	require.NoError(t, err)
	defer conn.Close()

	ws := conn.(*WSConn)
	require.NoError(t, ws.conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	_, err = conn.Read(make([]byte, 16))
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestWSDialerSetProxy(t *testing.T) {
	d := NewWSDialer()
	require.NoError(t, d.SetProxy(""))
	assert.NotNil(t, d.Dialer.Proxy)

	require.NoError(t, d.SetProxy("http://proxy:8080"))
	req, err := http.NewRequest(http.MethodGet, "http://broker/mqtt", nil)
	require.NoError(t, err)
	u, err := d.Dialer.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "proxy:8080", u.Host)

	assert.Error(t, d.SetProxy("://bad"))
}

func TestWSDialerFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewWSDialer().Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	assert.Error(t, err)
}

package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/deviceio/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialObserver(t *testing.T, ts *httptest.Server, proxy string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if proxy != "" {
		url += "?proxy=" + proxy
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_StreamsAcceptedEnvelopes(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	s.Registry().Provision("proxy-1", "T1")

	conn := dialObserver(t, ts, "proxy-1")
	require.Eventually(t, func() bool { return s.Broker().Count() == 1 }, time.Second, 5*time.Millisecond)

	env := proto.Envelope{ProxyID: "proxy-1", Seq: 10042, Alerts: []proto.Alert{{DeviceID: "panel", AlertType: "trip"}}}
	_, status := postEnvelope(t, ts.URL, env, "T1")
	require.Equal(t, proto.StatusAck, status.Status)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "proxy-1", ev.ProxyID)
	assert.Equal(t, 10042, ev.Envelope.Seq)
	assert.Equal(t, "trip", ev.Envelope.Alerts[0].AlertType)
}

func TestWebSocket_UnsubscribesOnClose(t *testing.T) {
	s, ts := newTestServer(t, Options{})

	conn := dialObserver(t, ts, "")
	require.Eventually(t, func() bool { return s.Broker().Count() == 1 }, time.Second, 5*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	require.Eventually(t, func() bool { return s.Broker().Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocket_MaxObservers(t *testing.T) {
	s, ts := newTestServer(t, Options{MaxObservers: 1})
	dialObserver(t, ts, "")
	require.Eventually(t, func() bool { return s.Broker().Count() == 1 }, time.Second, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

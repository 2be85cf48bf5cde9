package push

import (
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescendo-labs/podium/pkg/stream"
)

func dialWatch(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWatchHandlerEndToEnd(t *testing.T) {
	st := stream.New(slog.Default())
	defer st.Close()
	svc := New(st)
	svc.Start()
	defer svc.Stop()

	srv := httptest.NewServer(Handler(svc, slog.Default()))
	defer srv.Close()

	conn := dialWatch(t, srv, "")

	ack := readMessage(t, conn)
	require.Equal(t, MessageConnected, ack.Type)
	require.NotEmpty(t, ack.ClientID)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:      ClientSubscribe,
		PolicyIDs: []string{"export-controls"},
	}))
	require.Eventually(t, func() bool {
		c, err := findClient(svc, ack.ClientID)
		return err == nil && len(c.Subscriptions) == 1
	}, 2*time.Second, 10*time.Millisecond, "subscription never landed")

	st.Publish(stream.NewEvent(stream.TypeUpdated, "export-controls"))

	update := readMessage(t, conn)
	assert.Equal(t, MessagePolicyUpdate, update.Type)
	assert.Equal(t, "export-controls", update.PolicyID)
	assert.Equal(t, "kernel.policy.updated", update.Event)
}

func TestWatchHandlerQuerySubscriptions(t *testing.T) {
	st := stream.New(slog.Default())
	defer st.Close()
	svc := New(st)
	svc.Start()
	defer svc.Stop()

	srv := httptest.NewServer(Handler(svc, slog.Default()))
	defer srv.Close()

	conn := dialWatch(t, srv, "?policy=*")
	ack := readMessage(t, conn)
	require.Equal(t, MessageConnected, ack.Type)

	require.Eventually(t, func() bool {
		c, err := findClient(svc, ack.ClientID)
		return err == nil && len(c.Subscriptions) == 1
	}, 2*time.Second, 10*time.Millisecond, "query subscription never landed")

	st.Publish(stream.NewEvent(stream.TypeCreated, "fresh-policy"))
	update := readMessage(t, conn)
	assert.Equal(t, MessagePolicyUpdate, update.Type)
	assert.Equal(t, "fresh-policy", update.PolicyID)
}

func TestWatchHandlerHeartbeatMessage(t *testing.T) {
	st := stream.New(slog.Default())
	defer st.Close()
	svc := New(st)
	svc.Start()
	defer svc.Stop()

	srv := httptest.NewServer(Handler(svc, slog.Default()))
	defer srv.Close()

	conn := dialWatch(t, srv, "")
	ack := readMessage(t, conn)

	before, err := findClient(svc, ack.ClientID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientHeartbeat}))

	require.Eventually(t, func() bool {
		c, err := findClient(svc, ack.ClientID)
		return err == nil && c.LastHeartbeat.After(before.LastHeartbeat)
	}, 2*time.Second, 10*time.Millisecond, "heartbeat never landed")
}

func TestWatchHandlerClientDisconnect(t *testing.T) {
	st := stream.New(slog.Default())
	defer st.Close()
	svc := New(st)
	svc.Start()
	defer svc.Stop()

	srv := httptest.NewServer(Handler(svc, slog.Default()))
	defer srv.Close()

	conn := dialWatch(t, srv, "")
	readMessage(t, conn)
	require.Equal(t, 1, svc.Count())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return svc.Count() == 0
	}, 2*time.Second, 10*time.Millisecond, "server never noticed the close")
}

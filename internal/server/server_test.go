package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zot/p2p-share/internal/config"
	"github.com/zot/p2p-share/internal/event"
	"github.com/zot/p2p-share/internal/identity"
	"github.com/zot/p2p-share/internal/metrics"
	"github.com/zot/p2p-share/internal/protocol"
	"github.com/zot/p2p-share/internal/registry"
)

// fakeNode answers only the commands these tests send.
type fakeNode struct {
	protocol.Node
	id peer.ID
}

func (f fakeNode) PeerID() peer.ID { return f.id }

func startServer(t *testing.T) (*Server, *event.Bus, fakeNode) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	node := fakeNode{id: id.ID()}
	bus := event.NewBus()

	srv := New(context.Background(), node, Options{
		Config:  config.DefaultConfig(),
		Bus:     bus,
		Metrics: metrics.New(),
		Log:     zaptest.NewLogger(t).Sugar(),
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Serve(l))
	t.Cleanup(func() { srv.Stop() })
	return srv, bus, node
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:"+strconv.Itoa(srv.Port())+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestCommandRoundTrip(t *testing.T) {
	srv, _, node := startServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(protocol.Message{RequestID: 1, Method: "get_local_peer_id"}))
	resp := readMessage(t, conn)
	assert.True(t, resp.IsResponse)
	assert.Equal(t, 1, resp.RequestID)
	var value protocol.StringResponse
	require.NoError(t, json.Unmarshal(resp.Result, &value))
	assert.Equal(t, node.id.String(), value.Value)

	require.NoError(t, conn.WriteJSON(protocol.Message{RequestID: 2, Method: "bogus"}))
	resp = readMessage(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, 400, resp.Error.Code)
}

func TestEventsReachClients(t *testing.T) {
	srv, bus, node := startServer(t)
	conn := dial(t, srv)

	// A round trip guarantees the connection is registered
	require.NoError(t, conn.WriteJSON(protocol.Message{RequestID: 1, Method: "get_local_peer_id"}))
	readMessage(t, conn)

	bus.Publish(event.Message{GroupID: "g", Message: registry.GroupMessage{Sender: node.id, GroupID: "g", Payload: "hi", Sequence: 1}})
	msg := readMessage(t, conn)
	assert.False(t, msg.IsResponse)
	assert.Equal(t, "message", msg.Method)
	var params protocol.MessageEvent
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, "hi", params.Message.Payload)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := startServer(t)

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(srv.Port()) + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStopClosesConnections(t *testing.T) {
	srv, _, _ := startServer(t)
	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(protocol.Message{RequestID: 1, Method: "get_local_peer_id"}))
	readMessage(t, conn)

	require.NoError(t, srv.Stop())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	select {
	case <-srv.Done():
	default:
		t.Error("Done not closed after Stop")
	}
}

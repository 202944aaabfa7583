// CRC: crc-WebSocketHandler.md
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zot/p2p-share/internal/protocol"
)

const sendBuffer = 100

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for localhost development
	},
}

// WSConnection represents a WebSocket connection
// CRC: crc-WebSocketHandler.md
type WSConnection struct {
	conn    *websocket.Conn
	handler *protocol.Handler
	log     *zap.SugaredLogger
	ctx     context.Context
	cancel  context.CancelFunc
	sendCh  chan *protocol.Message
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// NewWSConnection creates a new WebSocket connection handler. Commands run
// under a context that ends when the connection closes.
func NewWSConnection(ctx context.Context, conn *websocket.Conn, handler *protocol.Handler, log *zap.SugaredLogger) *WSConnection {
	ctx, cancel := context.WithCancel(ctx)
	return &WSConnection{
		conn:    conn,
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		sendCh:  make(chan *protocol.Message, sendBuffer),
		closeCh: make(chan struct{}),
	}
}

// Start begins processing the WebSocket connection
func (ws *WSConnection) Start() {
	go ws.readPump()
	go ws.writePump()
}

// SendMessage queues a message to be sent to the client
func (ws *WSConnection) SendMessage(msg *protocol.Message) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return fmt.Errorf("connection closed")
	}

	select {
	case ws.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close closes the WebSocket connection and cancels its running commands
func (ws *WSConnection) Close() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.closed = true
	ws.mu.Unlock()

	ws.cancel()
	close(ws.closeCh)
	ws.conn.Close()
}

// Done is closed when the connection closes
func (ws *WSConnection) Done() <-chan struct{} {
	return ws.closeCh
}

// readPump reads messages from the WebSocket. Each command runs on its own
// goroutine so a slow fetch does not hold up the others; responses carry the
// request id and may arrive out of order.
func (ws *WSConnection) readPump() {
	defer ws.Close()

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.log.Infow("WebSocket read error", "error", err)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.log.Warnw("failed to unmarshal message", "error", err)
			continue
		}
		ws.log.Debugw("WS received", "method", msg.Method, "req", msg.RequestID)

		go ws.handle(&msg)
	}
}

func (ws *WSConnection) handle(msg *protocol.Message) {
	response, err := ws.handler.HandleClientMessage(ws.ctx, msg)
	if err != nil {
		ws.log.Warnw("failed to handle message", "method", msg.Method, "error", err)
		return
	}
	if err := ws.SendMessage(response); err != nil {
		ws.log.Infow("failed to send response", "method", msg.Method, "error", err)
	}
}

// writePump writes messages to the WebSocket
func (ws *WSConnection) writePump() {
	defer ws.Close()

	for {
		select {
		case msg := <-ws.sendCh:
			data, err := json.Marshal(msg)
			if err != nil {
				ws.log.Warnw("failed to marshal message", "error", err)
				continue
			}
			if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.Infow("failed to write message", "error", err)
				return
			}

			methodOrResponse := "response"
			if msg.Method != "" {
				methodOrResponse = msg.Method
			}
			ws.log.Debugw("WS sent", "method", methodOrResponse, "req", msg.RequestID)

		case <-ws.closeCh:
			return
		}
	}
}

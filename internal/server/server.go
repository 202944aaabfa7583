// CRC: crc-Server.md
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zot/p2p-share/internal/config"
	"github.com/zot/p2p-share/internal/event"
	"github.com/zot/p2p-share/internal/logging"
	"github.com/zot/p2p-share/internal/metrics"
	"github.com/zot/p2p-share/internal/pidfile"
	"github.com/zot/p2p-share/internal/protocol"
)

const shutdownTimeout = 5 * time.Second

// Server carries commands and events between websocket clients and the node
// CRC: crc-Server.md
type Server struct {
	ctx         context.Context
	cancel      context.CancelFunc
	httpServer  *http.Server
	handler     *protocol.Handler
	bus         *event.Bus
	metrics     *metrics.Metrics
	tracker     *pidfile.Tracker
	config      *config.Config
	log         *zap.SugaredLogger
	port        int
	connections map[*WSConnection]bool
	mu          sync.RWMutex
	done        chan struct{}
}

// Options configure a Server. A nil Tracker skips process registration.
type Options struct {
	Config  *config.Config
	Bus     *event.Bus
	Metrics *metrics.Metrics
	Tracker *pidfile.Tracker
	Log     *zap.SugaredLogger
}

// New creates a server dispatching commands to node
func New(ctx context.Context, node protocol.Node, opts Options) *Server {
	ctx, cancel := context.WithCancel(ctx)
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Server{
		ctx:         ctx,
		cancel:      cancel,
		handler:     protocol.NewHandler(node),
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		tracker:     opts.Tracker,
		config:      cfg,
		log:         logging.OrNop(opts.Log).Named("server"),
		port:        cfg.Server.Port,
		connections: make(map[*WSConnection]bool),
		done:        make(chan struct{}),
	}
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.config.Server.Metrics && s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start binds the first free port in the configured range and serves
// CRC: crc-Server.md
func (s *Server) Start() error {
	startPort := s.config.Server.Port
	if startPort == 0 {
		startPort = 10000
	}
	maxAttempts := max(s.config.Server.PortRange, 1)

	var listener net.Listener
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port := startPort + attempt
		listener, err = net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			s.port = port
			break
		}
	}
	if listener == nil {
		return fmt.Errorf("failed to find available port starting from %d: %w", startPort, err)
	}
	return s.Serve(listener)
}

// Serve serves on an already bound listener
func (s *Server) Serve(listener net.Listener) error {
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.Server.Timeouts.Read.Duration,
		WriteTimeout:      s.config.Server.Timeouts.Write.Duration,
		IdleTimeout:       s.config.Server.Timeouts.Idle.Duration,
		ReadHeaderTimeout: s.config.Server.Timeouts.ReadHeader.Duration,
		MaxHeaderBytes:    s.config.Server.MaxHeaderBytes,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("HTTP server error", "error", err)
			s.cancel()
		}
	}()
	var events <-chan event.Event
	unsubscribe := func() {}
	if s.bus != nil {
		events, unsubscribe = s.bus.Subscribe(max(s.config.P2P.EventBuffer, 1))
	}
	go s.forwardEvents(events, unsubscribe)

	if s.tracker != nil {
		if err := s.tracker.Register(); err != nil {
			s.log.Warnw("failed to register process", "error", err)
		}
	}
	s.log.Infow("server started", "url", fmt.Sprintf("ws://localhost:%d/ws", s.port))
	return nil
}

// forwardEvents broadcasts node events to every connected client
func (s *Server) forwardEvents(events <-chan event.Event, unsubscribe func()) {
	defer close(s.done)
	defer unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if msg := s.handler.CreateEventMessage(e); msg != nil {
				s.broadcastMessage(msg)
			}
		}
	}
}

// Stop closes every connection and shuts the HTTP server down
// CRC: crc-Server.md
func (s *Server) Stop() error {
	s.cancel()

	// Copy connections and release the lock before closing them
	s.mu.Lock()
	connsToClose := make([]*WSConnection, 0, len(s.connections))
	for conn := range s.connections {
		connsToClose = append(connsToClose, conn)
	}
	s.connections = make(map[*WSConnection]bool)
	s.mu.Unlock()

	for _, conn := range connsToClose {
		conn.Close()
	}

	var shutdownErr error
	if s.httpServer != nil {
		// Fresh context, s.ctx is already cancelled
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr = s.httpServer.Shutdown(ctx)
		<-s.done
	}

	// Unregister last so ps keeps showing the process until it is gone
	if s.tracker != nil {
		if err := s.tracker.Unregister(); err != nil {
			s.log.Warnw("failed to unregister process", "error", err)
		}
	}
	return shutdownErr
}

// Port returns the port the server is listening on
func (s *Server) Port() int {
	return s.port
}

// Done returns a channel that is closed when the server context is cancelled
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Infow("failed to upgrade connection", "error", err)
		return
	}

	wsConn := NewWSConnection(s.ctx, conn, s.handler, s.log)
	s.mu.Lock()
	s.connections[wsConn] = true
	s.mu.Unlock()

	wsConn.Start()

	go func() {
		<-wsConn.Done()
		s.mu.Lock()
		delete(s.connections, wsConn)
		s.mu.Unlock()
		s.log.Debugw("WebSocket connection closed")
	}()
	s.log.Debugw("new WebSocket connection established", "remote", r.RemoteAddr)
}

func (s *Server) broadcastMessage(msg *protocol.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for conn := range s.connections {
		if err := conn.SendMessage(msg); err != nil {
			s.log.Infow("failed to send message to client", "method", msg.Method, "error", err)
		}
	}
}

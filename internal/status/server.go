package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/connectivity"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/engine"
)

// MessageType defines the type of status message.
type MessageType string

const (
	// MessageTypeSnapshot carries a full status snapshot. Sent on connect
	// and whenever any component of the snapshot changes.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeConnection indicates the connection state changed.
	MessageTypeConnection MessageType = "connection"

	// MessageTypeSync indicates the sync state changed.
	MessageTypeSync MessageType = "sync"
)

// Message represents a status broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server pushes status snapshots to WebSocket clients so a UI can render
// the offline banner and sync indicator without polling.
type Server struct {
	projector *Projector
	monitor   *connectivity.Monitor
	engine    *engine.Engine

	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. 0 picks a random available port.
	Port int

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   7317,
		Logger: log.New(os.Stderr, "[status] ", log.LstdFlags),
	}
}

// NewServer creates a status WebSocket server.
func NewServer(projector *Projector, monitor *connectivity.Monitor, eng *engine.Engine, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		projector: projector,
		monitor:   monitor,
		engine:    eng,
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins listening and watching for state changes.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go s.watchLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Status server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// watchLoop subscribes to the monitor and engine and pushes a fresh
// snapshot on every change from either.
func (s *Server) watchLoop() {
	defer s.wg.Done()

	connCh := s.monitor.Subscribe()
	defer s.monitor.Unsubscribe(connCh)
	syncCh := s.engine.Subscribe()
	defer s.engine.Unsubscribe(syncCh)

	for {
		select {
		case <-s.ctx.Done():
			return

		case st, ok := <-connCh:
			if !ok {
				return
			}
			s.pushSnapshot(MessageTypeConnection, st.String())

		case st, ok := <-syncCh:
			if !ok {
				return
			}
			s.pushSnapshot(MessageTypeSync, st.String())
		}
	}
}

// pushSnapshot broadcasts the current snapshot with the given cause.
func (s *Server) pushSnapshot(cause MessageType, detail string) {
	snap, err := s.projector.Snapshot(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Printf("Cannot build snapshot after %s change (%s): %v", cause, detail, err)
		}
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Printf("Failed to marshal snapshot: %v", err)
		return
	}

	msg := Message{Type: cause, Timestamp: time.Now(), Data: data}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop fans messages out to all connected clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a stuck client cannot stall
			// later broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades the connection and sends the current snapshot
// as a welcome so clients render correct state before the first change.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	if snap, err := s.projector.Snapshot(r.Context()); err == nil {
		data, _ := json.Marshal(snap)
		welcome, _ := json.Marshal(Message{Type: MessageTypeSnapshot, Timestamp: time.Now(), Data: data})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, welcome)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices client disconnects.
// Client messages are ignored; the stream is one-way.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth reports liveness and the connected client count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleStatus returns the current snapshot as JSON for one-shot
// consumers that do not want a WebSocket.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.projector.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

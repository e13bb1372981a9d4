// Package dashboard exposes live activity over WebSocket.
//
// The server subscribes to the in-process event bus and pushes balance
// changes, level ups, sync outcomes, and connectivity transitions to
// connected clients as JSON messages.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/blackreaper/blackreaper/internal/bus"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeBalance carries a new RC balance
	MessageTypeBalance MessageType = "balance_updated"

	// MessageTypeLevelUp carries a level increase
	MessageTypeLevelUp MessageType = "level_up"

	// MessageTypeSyncComplete summarizes a finished replay pass
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeConnectivity carries backend reachability transitions
	MessageTypeConnectivity MessageType = "connectivity"

	// MessageTypeSession carries a completed pomodoro session
	MessageTypeSession MessageType = "session_complete"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BalanceData contains the new balance after a ledger commit
type BalanceData struct {
	UserID  string `json:"user_id"`
	Balance int    `json:"balance"`
	Level   int    `json:"level"`
}

// LevelUpData contains a level increase
type LevelUpData struct {
	UserID string `json:"user_id"`
	Level  int    `json:"level"`
}

// SyncCompleteData summarizes one replay pass
type SyncCompleteData struct {
	Synced       int `json:"synced"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// ConnectivityData carries a reachability transition
type ConnectivityData struct {
	Online bool `json:"online"`
}

// SessionData contains a completed session
type SessionData struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Work      bool   `json:"work"`
	RCAwarded int    `json:"rc_awarded"`
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	events   *bus.Bus
	unsubBus bus.UnsubscribeFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8090)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8090,
		Logger: log.Default(),
	}
}

// NewServer creates a dashboard server fed by the given event bus.
func NewServer(events *bus.Bus, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		events:    events,
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and attaches the bus subscription
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if s.events != nil {
		s.unsubBus = s.events.Subscribe(s.handleEvent)
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	if s.unsubBus != nil {
		s.unsubBus()
		s.unsubBus = nil
	}

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

	s.logger.Println("Dashboard server stopped")
	return nil
}

// handleEvent translates bus events into broadcast messages.
func (s *Server) handleEvent(e bus.Event) {
	switch ev := e.(type) {
	case bus.BalanceUpdated:
		s.publish(MessageTypeBalance, BalanceData{
			UserID:  ev.UserID,
			Balance: ev.Balance,
			Level:   ev.Level,
		})
	case bus.LevelUp:
		s.publish(MessageTypeLevelUp, LevelUpData{
			UserID: ev.UserID,
			Level:  ev.Level,
		})
	case bus.SyncCompleted:
		s.publish(MessageTypeSyncComplete, SyncCompleteData{
			Synced:       ev.Synced,
			Failed:       ev.Failed,
			DeadLettered: ev.DeadLettered,
		})
	case bus.ConnectivityChanged:
		s.publish(MessageTypeConnectivity, ConnectivityData{Online: ev.Online})
	case bus.SessionCompleted:
		s.publish(MessageTypeSession, SessionData{
			UserID:    ev.UserID,
			SessionID: ev.SessionID,
			Work:      ev.Work,
			RCAwarded: ev.RCAwarded,
		})
	}
}

// publish marshals a payload and queues it for broadcast.
func (s *Server) publish(msgType MessageType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s payload: %v", msgType, err)
		return
	}
	s.Broadcast(Message{Type: msgType, Timestamp: time.Now(), Data: payload})
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

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

			// Send to clients (outside read lock to avoid blocking broadcasts)
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // Allow all origins for development
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

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// We don't process client messages, just keep connection alive
	}
}

// removeClient safely removes a client connection
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

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>BlackReaper Dashboard</title>
</head>
<body>
    <h1>BlackReaper Dashboard Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive live balance and sync updates.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

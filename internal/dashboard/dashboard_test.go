package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/blackreaper/blackreaper/internal/bus"
)

func newTestServer(t *testing.T, events *bus.Bus) *Server {
	t.Helper()

	config := &Config{
		Port:   0, // Use random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	}
	server := NewServer(events, config)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// The handler registers the client after the handshake completes.
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func TestServerStartStop(t *testing.T) {
	config := &Config{
		Port:   0,
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	}

	server := NewServer(bus.New(), config)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestBusEventReachesClient(t *testing.T) {
	events := bus.New()
	server := newTestServer(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	events.Publish(bus.BalanceUpdated{UserID: "u1", Balance: 1050, Level: 2})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeBalance {
		t.Fatalf("Expected %s, got %s", MessageTypeBalance, msg.Type)
	}

	var payload BalanceData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}
	if payload.UserID != "u1" || payload.Balance != 1050 || payload.Level != 2 {
		t.Errorf("Unexpected payload: %+v", payload)
	}
}

func TestConnectivityAndSyncEvents(t *testing.T) {
	events := bus.New()
	server := newTestServer(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)

	events.Publish(bus.ConnectivityChanged{Online: false})
	events.Publish(bus.SyncCompleted{Synced: 4, Failed: 1, DeadLettered: 0})

	types := make([]MessageType, 0, 2)
	for i := 0; i < 2; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Failed to read message %d: %v", i, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		types = append(types, msg.Type)
	}

	if types[0] != MessageTypeConnectivity || types[1] != MessageTypeSyncComplete {
		t.Errorf("Unexpected message order: %v", types)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, bus.New())

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestClientDisconnectTracked(t *testing.T) {
	server := newTestServer(t, bus.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	if count := server.ClientCount(); count != 1 {
		t.Fatalf("Expected 1 client, got %d", count)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")

	// The read loop notices the close shortly after.
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Client was not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

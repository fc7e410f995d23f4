package apihttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startTestHub creates a hub and runs it in a background goroutine.
// For unit tests with fake (nil-conn) clients, we do NOT auto-close since
// hub.Close() tries to write a close frame to each client's conn. Instead,
// each test that registers fake clients must unregister them before the hub
// is stopped, or simply let the goroutine leak (short-lived test process).
func startTestHub(t *testing.T) *wsHub {
	t.Helper()
	hub := newWSHub(testLogger)
	go hub.run()
	return hub
}

func unregisterAll(hub *wsHub, clients ...*wsClient) {
	for _, c := range clients {
		hub.unregister <- c
	}
	time.Sleep(20 * time.Millisecond)
}

// dialWS upgrades an httptest.Server to a WebSocket connection.
func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	resp.Body.Close()
	return conn
}

// readWSMessage reads and decodes a single wsMessage from the connection
// with a timeout.
func readWSMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal ws message: %v (raw: %s)", err, data)
	}
	return msg
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := startTestHub(t)

	client := &wsClient{hub: hub, send: make(chan []byte, 256)}
	hub.register <- client
	time.Sleep(20 * time.Millisecond)
	if hub.clientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.clientCount())
	}

	hub.unregister <- client
	time.Sleep(20 * time.Millisecond)
	if hub.clientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.clientCount())
	}
}

func TestWSHubUnregisterUnknownClient(t *testing.T) {
	hub := startTestHub(t)

	unknown := &wsClient{hub: hub, send: make(chan []byte, 256)}
	hub.unregister <- unknown
	time.Sleep(20 * time.Millisecond)

	if hub.clientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.clientCount())
	}
}

func TestWSHubBroadcastToClients(t *testing.T) {
	hub := startTestHub(t)

	c1 := &wsClient{hub: hub, send: make(chan []byte, 256)}
	c2 := &wsClient{hub: hub, send: make(chan []byte, 256)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(20 * time.Millisecond)

	hub.Broadcast("gap-skip", map[string]float64{"from": 0, "to": 2})
	time.Sleep(20 * time.Millisecond)

	for i, c := range []*wsClient{c1, c2} {
		select {
		case got := <-c.send:
			var m wsMessage
			if err := json.Unmarshal(got, &m); err != nil {
				t.Fatalf("client %d: unmarshal: %v", i, err)
			}
			if m.Type != "gap-skip" {
				t.Fatalf("client %d: type = %q, want gap-skip", i, m.Type)
			}
		default:
			t.Fatalf("client %d: no message received", i)
		}
	}
	unregisterAll(hub, c1, c2)
}

func TestWSHubBroadcastDropsSlowClient(t *testing.T) {
	hub := startTestHub(t)

	slow := &wsClient{hub: hub, send: make(chan []byte, 1)}
	hub.register <- slow
	time.Sleep(20 * time.Millisecond)

	slow.send <- []byte("fill")

	hub.Broadcast("sessions", nil)
	time.Sleep(20 * time.Millisecond)

	if hub.clientCount() != 0 {
		t.Fatalf("expected slow client to be dropped, got %d clients", hub.clientCount())
	}
}

func TestWSHubBroadcastMarshalFailure(t *testing.T) {
	hub := startTestHub(t)

	client := &wsClient{hub: hub, send: make(chan []byte, 256)}
	hub.register <- client
	time.Sleep(20 * time.Millisecond)

	// channels cannot be marshaled to JSON
	hub.Broadcast("bad", make(chan int))
	time.Sleep(20 * time.Millisecond)

	select {
	case <-client.send:
		t.Fatal("should not receive message when marshal fails")
	default:
	}
	unregisterAll(hub, client)
}

func TestWSUpgradeSucceeds(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	srv := httptest.NewServer(server)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWSNonUpgradeRequest(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	server.ServeHTTP(rec, req)

	// Gorilla websocket returns 400 for non-upgrade requests.
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWSSegmentAppendedEvent(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	srv := httptest.NewServer(server)
	defer srv.Close()

	state := createSession(t, server, `"avc1.4d400d"`)

	conn := dialWS(t, srv)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	pushSegment(t, server, state.ID, []byte("vvvv"))

	msg := readWSMessage(t, conn, 2*time.Second)
	if msg.Type != "segment-appended" {
		t.Fatalf("type = %q, want segment-appended", msg.Type)
	}
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data is not a map: %T", msg.Data)
	}
	if data["sessionId"] != state.ID {
		t.Fatalf("sessionId = %v, want %s", data["sessionId"], state.ID)
	}
}

func TestWSSeekCommandReachesClients(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	srv := httptest.NewServer(server)
	defer srv.Close()

	state := createSession(t, server, `"avc1.4d400d"`)

	conn := dialWS(t, srv)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	session, ok := server.Registry().Get(state.ID)
	if !ok {
		t.Fatal("session missing")
	}
	session.Seek(12)

	msg := readWSMessage(t, conn, 2*time.Second)
	if msg.Type != "seek" {
		t.Fatalf("type = %q, want seek", msg.Type)
	}
}

func TestWSStateSnapshots(t *testing.T) {
	cfg := SessionConfig{
		SegmentDuration: 4,
	}
	server := NewServer(cfg,
		WithLogger(testLogger),
		WithStateBroadcastInterval(50*time.Millisecond),
	)
	defer server.Close()
	srv := httptest.NewServer(server)
	defer srv.Close()

	createSession(t, server, `"avc1.4d400d"`)

	conn := dialWS(t, srv)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no sessions snapshot received")
		}
		msg := readWSMessage(t, conn, 2*time.Second)
		if msg.Type != "sessions" {
			continue
		}
		arr, ok := msg.Data.([]interface{})
		if !ok {
			t.Fatalf("data is not an array: %T", msg.Data)
		}
		if len(arr) != 1 {
			t.Fatalf("snapshot len = %d, want 1", len(arr))
		}
		return
	}
}

func TestWSCloseDisconnectsClients(t *testing.T) {
	server := newTestServer()
	srv := httptest.NewServer(server)
	defer srv.Close()

	c1 := dialWS(t, srv)
	c2 := dialWS(t, srv)
	time.Sleep(50 * time.Millisecond)

	server.Close()
	time.Sleep(100 * time.Millisecond)

	_ = c1.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := c1.ReadMessage(); err == nil {
		t.Fatal("c1: expected error after hub close")
	}
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := c2.ReadMessage(); err == nil {
		t.Fatal("c2: expected error after hub close")
	}
	c1.Close()
	c2.Close()
}

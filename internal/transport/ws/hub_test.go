package ws

import (
	"encoding/json"
	"log"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"clawquest.ai/internal/protocol"
)

func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(log.New(os.Stderr, "[ws-test] ", 0))
	defer h.Close()

	conn := dialTestHub(t, h)
	waitForClients(t, h, 1)

	h.Publish(protocol.EventCellClaimed, map[string]any{"cellId": "c1", "q": 2, "r": -1})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev protocol.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != protocol.EventCellClaimed {
		t.Fatalf("event = %+v", ev)
	}
	payload, ok := ev.Payload.(map[string]any)
	if !ok || payload["cellId"] != "c1" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
}

func TestHubDisconnectCleanup(t *testing.T) {
	h := NewHub(log.New(os.Stderr, "[ws-test] ", 0))
	defer h.Close()

	conn := dialTestHub(t, h)
	waitForClients(t, h, 1)

	_ = conn.Close()
	waitForClients(t, h, 0)

	// Publishing to an empty hub is a no-op, not a panic.
	h.Publish(protocol.EventCellStolen, map[string]any{"cellId": "c1"})
}

package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestHub(t *testing.T, h *Hub, deviceID string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, deviceID)
	}))
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// The connection registers just after the handshake completes.
	deadline := time.Now().Add(time.Second)
	for !h.HasConnection(deviceID) {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestNotifyTargetsSingleDevice(t *testing.T) {
	h := NewHub()
	conn := dialTestHub(t, h, "abc123")

	if delivered := h.Notify("abc123", "display_paired", map[string]string{"controller_id": "ctrl-1"}); !delivered {
		t.Fatal("expected delivery to the connected display")
	}
	if delivered := h.Notify("other-device", "display_paired", nil); delivered {
		t.Fatal("unconnected device must report no delivery")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "display_paired" || ev.DeviceID != "abc123" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.At.IsZero() {
		t.Fatal("event must carry a timestamp")
	}
}

func TestDisconnectClearsConnection(t *testing.T) {
	h := NewHub()
	conn := dialTestHub(t, h, "abc123")

	conn.Close()
	deadline := time.Now().Add(time.Second)
	for h.HasConnection("abc123") {
		if time.Now().After(deadline) {
			t.Fatal("connection never deregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.Notify("abc123", "display_paired", nil) {
		t.Fatal("closed connection must not accept events")
	}
}

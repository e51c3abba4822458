package api

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/mqtt"
)

type mockEvents struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
}

func (m *mockEvents) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string]mqtt.MessageHandler)
	}
	m.handlers[topic] = handler
	return nil
}

func (m *mockEvents) deliver(t *testing.T, filter, topic, payload string) {
	t.Helper()
	m.mu.Lock()
	h := m.handlers[filter]
	m.mu.Unlock()
	if h == nil {
		t.Fatalf("no subscription for %s", filter)
	}
	if err := h(topic, []byte(payload)); err != nil {
		t.Fatalf("handler(%s) error: %v", topic, err)
	}
}

// dialStream starts the router on a test server and connects a client
// subscribed to channels.
func dialStream(t *testing.T, srv *Server, channels ...string) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != WSTypeResponse || msg.ID != "sub-1" {
		t.Fatalf("subscribe reply = %+v", msg)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestStream_RelaysState(t *testing.T) {
	srv, _, _ := testServer(t)
	events := &mockEvents{}
	srv.events = events
	if err := srv.subscribeStateUpdates(); err != nil {
		t.Fatalf("subscribeStateUpdates: %v", err)
	}

	conn := dialStream(t, srv, ChannelDeviceState)
	topics := mqtt.Topics{}
	events.deliver(t, topics.AllDeviceStates(), topics.DeviceCapability("h1", "measure_humidity"), "48")

	msg := readMessage(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelDeviceState {
		t.Fatalf("message = %+v, want state event", msg)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T", msg.Payload)
	}
	if payload["device_id"] != "h1" || payload["capability"] != "measure_humidity" || payload["value"] != float64(48) {
		t.Errorf("payload = %v", payload)
	}
}

func TestStream_FiltersByChannel(t *testing.T) {
	srv, _, _ := testServer(t)
	events := &mockEvents{}
	srv.events = events
	if err := srv.subscribeStateUpdates(); err != nil {
		t.Fatalf("subscribeStateUpdates: %v", err)
	}

	conn := dialStream(t, srv, ChannelDeviceAvailability)
	topics := mqtt.Topics{}

	// Not subscribed, must not arrive.
	events.deliver(t, topics.AllDeviceStates(), topics.DeviceCapability("h1", "onoff"), "true")
	events.deliver(t, topics.AllDeviceAvailability(), topics.DeviceAvailability("h1"),
		`{"available":false,"reason":"device unreachable, please try again"}`)

	msg := readMessage(t, conn)
	if msg.EventType != ChannelDeviceAvailability {
		t.Fatalf("event = %q, want %q", msg.EventType, ChannelDeviceAvailability)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T", msg.Payload)
	}
	if payload["device_id"] != "h1" || payload["available"] != false {
		t.Errorf("payload = %v", payload)
	}
}

func TestStream_Ping(t *testing.T) {
	srv, _, _ := testServer(t)
	conn := dialStream(t, srv)

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("reply = %+v, want pong", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: "bogus", ID: "b1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeError {
		t.Errorf("reply = %+v, want error", msg)
	}
}

func TestRelayState_IgnoresMalformed(t *testing.T) {
	srv, _, _ := testServer(t)

	tests := []struct {
		topic   string
		payload string
	}{
		{"miio/state/h1", "true"},
		{"other/state/h1/onoff", "true"},
		{"miio/state/h1/onoff", "{"},
	}
	for _, tt := range tests {
		if err := srv.relayState(tt.topic, []byte(tt.payload)); err != nil {
			t.Errorf("relayState(%q) error = %v", tt.topic, err)
		}
	}
}

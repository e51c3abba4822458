package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ApplY3D/com.xiaomi-miio/internal/actions"
	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/clock"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/config"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/mqtt"
	"github.com/ApplY3D/com.xiaomi-miio/internal/platform"
	"github.com/ApplY3D/com.xiaomi-miio/internal/supervisor"
)

const (
	testToken    = "00112233445566778899aabbccddeeff"
	otherToken   = "ffeeddccbbaa99887766554433221100"
	testGateways = `[{"address":"10.0.0.2","token":"ABCDEF0123456789"}]`
)

type mockMQTT struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]mqtt.MessageHandler
	connected bool
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{
		published: make(map[string][][]byte),
		handlers:  make(map[string]mqtt.MessageHandler),
		connected: true,
	}
}

func (m *mockMQTT) Publish(topic string, payload []byte, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic] = append(m.published[topic], payload)
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// deliver calls the handler subscribed to pattern as if topic arrived.
func (m *mockMQTT) deliver(t *testing.T, pattern, topic string, payload string) error {
	t.Helper()
	m.mu.Lock()
	h, ok := m.handlers[pattern]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", pattern)
	}
	return h(topic, []byte(payload))
}

func (m *mockMQTT) messages(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[topic]...)
}

type write struct {
	sid  string
	data map[string]string
}

type mockHub struct {
	mu         sync.Mutex
	updates    [][]hub.GatewayIdentity
	handlers   map[string]hub.Handler
	hints      map[string]string
	writes     []write
	status     []hub.GatewayStatus
	updateErr  error
	unregister []string
}

func newMockHub() *mockHub {
	return &mockHub{handlers: make(map[string]hub.Handler), hints: make(map[string]string)}
}

func (m *mockHub) UpdateGateways(_ context.Context, ids []hub.GatewayIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, ids)
	return m.updateErr
}

func (m *mockHub) Register(sid, gateway string, handler hub.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[sid] = handler
	m.hints[sid] = gateway
}

func (m *mockHub) Unregister(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, sid)
	m.unregister = append(m.unregister, sid)
}

func (m *mockHub) SendWrite(_ context.Context, sid string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, write{sid, data})
	return nil
}

func (m *mockHub) Gateways() []hub.GatewayStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hub.GatewayStatus(nil), m.status...)
}

func (m *mockHub) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

// fakeSession is a humidifier that always answers.
type fakeSession struct {
	mu        sync.Mutex
	power     bool
	setPowers []bool
	calls     []string
	destroyed bool
}

func (f *fakeSession) Power(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.power, nil
}

func (f *fakeSession) Temperature(context.Context) (float64, error) { return 22.5, nil }
func (f *fakeSession) RelativeHumidity(context.Context) (float64, error) { return 45, nil }
func (f *fakeSession) Mode(context.Context) (string, error) { return "auto", nil }

func (f *fakeSession) SetPower(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setPowers = append(f.setPowers, on)
	f.power = on
	return nil
}

func (f *fakeSession) Call(_ context.Context, method string, _ any, _ int) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	return json.RawMessage(`["ok"]`), nil
}

func (f *fakeSession) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

type dialer struct {
	mu       sync.Mutex
	dialed   []supervisor.Identity
	sessions []*fakeSession
}

func (d *dialer) factory(model string) (supervisor.ConnectFunc, error) {
	if model != "zhimi.humidifier.ca1" {
		return nil, errors.New("unsupported model")
	}
	return func(_ context.Context, id supervisor.Identity) (supervisor.Session, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		s := &fakeSession{}
		d.dialed = append(d.dialed, id)
		d.sessions = append(d.sessions, s)
		return s, nil
	}, nil
}

func (d *dialer) last() (*fakeSession, supervisor.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil, supervisor.Identity{}
	}
	return d.sessions[len(d.sessions)-1], d.dialed[len(d.dialed)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		Devices: []config.DeviceConfig{
			{ID: "h1", Name: "Bedroom", Model: "zhimi.humidifier.ca1", Address: "10.0.0.5", Token: testToken, Polling: 30},
		},
		SubDevices: []config.SubDeviceConfig{
			{ID: "c1", Name: "Curtain", Type: "curtain", SID: "158d0001", Gateway: "10.0.0.2"},
			{ID: "s1", Name: "Switch", Type: "double_switch", SID: "158d0002"},
		},
		Gateways: []config.GatewayEntry{{Address: "10.0.0.2", Token: "ABCDEF0123456789"}},
	}
}

type fixture struct {
	bridge *Bridge
	mqtt   *mockMQTT
	hub    *mockHub
	dialer *dialer
	clock  *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mqtt:   newMockMQTT(),
		hub:    newMockHub(),
		dialer: &dialer{},
		clock:  clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	b, err := New(Options{
		Config:     testConfig(),
		MQTTClient: f.mqtt,
		Hub:        f.hub,
		Sessions:   f.dialer.factory,
		Clock:      f.clock,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.bridge = b
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return f
}

// connect fires the supervisors' first connect.
func (f *fixture) connect() { f.clock.Advance(0) }

func waitForAck(t *testing.T, m *mockMQTT, deviceID string, n int) []AckMessage {
	t.Helper()
	topic := mqtt.Topics{}.DeviceAck(deviceID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := m.messages(topic)
		if len(msgs) >= n {
			acks := make([]AckMessage, 0, len(msgs))
			for _, raw := range msgs {
				var ack AckMessage
				if err := json.Unmarshal(raw, &ack); err != nil {
					t.Fatalf("unmarshal ack: %v", err)
				}
				acks = append(acks, ack)
			}
			return acks
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d acks on %s, want %d", len(msgs), topic, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no config", Options{MQTTClient: newMockMQTT(), Hub: newMockHub()}},
		{"no mqtt", Options{Config: testConfig(), Hub: newMockHub()}},
		{"no hub", Options{Config: testConfig(), MQTTClient: newMockMQTT()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestStart_UnsupportedModel(t *testing.T) {
	cfg := testConfig()
	cfg.Devices[0].Model = "zhimi.fan.v2"
	d := &dialer{}
	b, _ := New(Options{Config: cfg, MQTTClient: newMockMQTT(), Hub: newMockHub(), Sessions: d.factory})
	defer b.Stop()
	if err := b.Start(context.Background()); err == nil {
		t.Error("Start() should fail for an unsupported model")
	}
}

func TestStart_WiresDevicesAndGateways(t *testing.T) {
	f := newFixture(t)

	if f.hub.updateCount() != 1 {
		t.Fatalf("UpdateGateways calls = %d, want 1", f.hub.updateCount())
	}
	ids := f.hub.updates[0]
	if len(ids) != 1 || ids[0].Address != "10.0.0.2" || ids[0].Token != "ABCDEF0123456789" {
		t.Errorf("gateways = %+v", ids)
	}
	if f.hub.hints["158d0001"] != "10.0.0.2" {
		t.Errorf("curtain hint = %q", f.hub.hints["158d0001"])
	}
	if _, ok := f.hub.handlers["158d0002"]; !ok {
		t.Error("double switch not registered")
	}
	for _, topic := range []string{"miio/command/+", "miio/settings/gatewaysList"} {
		if _, ok := f.mqtt.handlers[topic]; !ok {
			t.Errorf("not subscribed to %s", topic)
		}
	}

	f.connect()
	sess, id := f.dialer.last()
	if sess == nil {
		t.Fatal("supervisor did not connect")
	}
	if id.Address != "10.0.0.5" || id.Token != testToken {
		t.Errorf("identity = %+v", id)
	}

	st, err := f.bridge.Device("h1")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if st.Kind != KindMiio || st.State != "connected" || !st.Available {
		t.Errorf("status = kind %s state %s available %v", st.Kind, st.State, st.Available)
	}
	if st.PollInterval != "30s" {
		t.Errorf("PollInterval = %s, want 30s", st.PollInterval)
	}
	if tok := st.Settings[SettingToken]; tok != "0011****" {
		t.Errorf("token setting = %v, want redacted", tok)
	}

	f.clock.Advance(30 * time.Second)
	st, _ = f.bridge.Device("h1")
	if st.Capabilities[capability.MeasureHumidity] != 45.0 {
		t.Errorf("humidity after poll = %v", st.Capabilities[capability.MeasureHumidity])
	}
}

func TestCommand_Capability(t *testing.T) {
	f := newFixture(t)
	f.connect()

	if err := f.mqtt.deliver(t, "miio/command/+", "miio/command/h1", `{"capability":"onoff","value":true}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	acks := waitForAck(t, f.mqtt, "h1", 1)
	if acks[0].Status != AckAccepted {
		t.Fatalf("ack = %+v", acks[0])
	}
	if _, err := uuid.Parse(acks[0].RequestID); err != nil {
		t.Errorf("generated request id %q is not a UUID", acks[0].RequestID)
	}

	sess, _ := f.dialer.last()
	sess.mu.Lock()
	powers := append([]bool(nil), sess.setPowers...)
	sess.mu.Unlock()
	if len(powers) != 1 || !powers[0] {
		t.Errorf("SetPower calls = %v, want [true]", powers)
	}
	if msgs := f.mqtt.messages("miio/state/h1/onoff"); len(msgs) == 0 || string(msgs[len(msgs)-1]) != "true" {
		t.Errorf("onoff state not published")
	}
}

func TestCommand_Failures(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		device  string
		payload string
		errPart string
	}{
		{"bad json", "h1", `{`, "invalid command"},
		{"unknown device", "nope", `{"request_id":"r1","capability":"onoff","value":true}`, "device not found"},
		{"no capability or action", "h1", `{"request_id":"r2"}`, "capability or action is required"},
		{"unreachable", "h1", `{"request_id":"r3","capability":"onoff","value":true}`, "unreachable"},
		{"unknown action", "h1", `{"request_id":"r4","action":"fly"}`, "unknown action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.mqtt.messages(mqtt.Topics{}.DeviceAck(tt.device)))
			if err := f.mqtt.deliver(t, "miio/command/+", "miio/command/"+tt.device, tt.payload); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			acks := waitForAck(t, f.mqtt, tt.device, before+1)
			ack := acks[len(acks)-1]
			if ack.Status != AckFailed || !strings.Contains(ack.Error, tt.errPart) {
				t.Errorf("ack = %+v, want failure containing %q", ack, tt.errPart)
			}
		})
	}
}

func TestCommand_SubDeviceAction(t *testing.T) {
	f := newFixture(t)

	payload := `{"request_id":"r9","action":"right_switch_toggle"}`
	if err := f.mqtt.deliver(t, "miio/command/+", "miio/command/s1", payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	acks := waitForAck(t, f.mqtt, "s1", 1)
	if acks[0].Status != AckAccepted || acks[0].RequestID != "r9" {
		t.Fatalf("ack = %+v", acks[0])
	}

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if len(f.hub.writes) != 1 {
		t.Fatalf("writes = %+v", f.hub.writes)
	}
	w := f.hub.writes[0]
	if w.sid != "158d0002" || w.data["channel_1"] != "toggle" {
		t.Errorf("write = %+v", w)
	}
}

func TestSubDeviceEvent(t *testing.T) {
	f := newFixture(t)

	f.hub.mu.Lock()
	h := f.hub.handlers["158d0001"]
	f.hub.mu.Unlock()
	h.OnEvent(context.Background(), hub.Event{SID: "158d0001", Cmd: "report", Data: map[string]string{"curtain_level": "55"}})

	st, _ := f.bridge.Device("c1")
	if !st.Available || st.Capabilities[capability.Dim] != 0.55 {
		t.Errorf("curtain = available %v dim %v", st.Available, st.Capabilities[capability.Dim])
	}
}

func TestSetGatewaysList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.bridge.SetGatewaysList(ctx, `{"address":"x"}`); !errors.Is(err, ErrInvalidGatewaysList) {
		t.Errorf("SetGatewaysList() object error = %v", err)
	}
	if err := f.bridge.SetGatewaysList(ctx, testGateways); err != nil {
		t.Fatalf("SetGatewaysList() same error = %v", err)
	}
	if f.hub.updateCount() != 1 {
		t.Errorf("unchanged list triggered an update (%d)", f.hub.updateCount())
	}

	next := `[{"address":"10.0.0.3","token":"K2"}]`
	if err := f.mqtt.deliver(t, "miio/settings/gatewaysList", "miio/settings/gatewaysList", next); err != nil {
		t.Fatalf("settings handler error = %v", err)
	}
	if f.hub.updateCount() != 2 {
		t.Fatalf("UpdateGateways calls = %d, want 2", f.hub.updateCount())
	}
	got, err := f.bridge.GatewaysList(ctx)
	if err != nil || len(got) != 1 || got[0].Address != "10.0.0.3" {
		t.Errorf("GatewaysList() = %+v, %v", got, err)
	}

	f.hub.updateErr = hub.ErrDial
	if err := f.bridge.SetGatewaysList(ctx, "[]"); err != nil {
		t.Errorf("SetGatewaysList() with dial failure error = %v, want nil", err)
	}
}

func TestUpdateDeviceSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect()
	first, _ := f.dialer.last()

	if _, err := f.bridge.UpdateDeviceSettings(ctx, "h1", map[string]any{SettingToken: "short"}); !errors.Is(err, ErrInvalidSetting) {
		t.Errorf("invalid token error = %v", err)
	}
	if _, err := f.bridge.UpdateDeviceSettings(ctx, "h1", map[string]any{SettingPolling: -5}); !errors.Is(err, ErrInvalidSetting) {
		t.Errorf("invalid polling error = %v", err)
	}
	if _, err := f.bridge.UpdateDeviceSettings(ctx, "missing", nil); !errors.Is(err, platform.ErrDeviceNotFound) {
		t.Errorf("unknown device error = %v", err)
	}

	changed, err := f.bridge.UpdateDeviceSettings(ctx, "h1", map[string]any{SettingAddress: "10.0.0.5"})
	if err != nil || len(changed) != 0 {
		t.Fatalf("unchanged settings = %v, %v", changed, err)
	}

	changed, err = f.bridge.UpdateDeviceSettings(ctx, "h1", map[string]any{SettingAddress: "10.0.0.6", SettingToken: otherToken})
	if err != nil {
		t.Fatalf("UpdateDeviceSettings() error = %v", err)
	}
	if len(changed) != 2 {
		t.Errorf("changed = %v", changed)
	}
	first.mu.Lock()
	destroyed := first.destroyed
	first.mu.Unlock()
	if !destroyed {
		t.Error("old session not destroyed before the new supervisor started")
	}

	f.clock.Advance(0)
	_, id := f.dialer.last()
	if id.Address != "10.0.0.6" || id.Token != otherToken {
		t.Errorf("new identity = %+v", id)
	}
	if st, _ := f.bridge.Device("h1"); st.State != "connected" {
		t.Errorf("state after recreate = %s", st.State)
	}
}

func TestDevices(t *testing.T) {
	f := newFixture(t)

	devices := f.bridge.Devices()
	if len(devices) != 3 {
		t.Fatalf("Devices() = %d, want 3", len(devices))
	}
	want := []struct{ id, kind string }{{"c1", KindSubDevice}, {"h1", KindMiio}, {"s1", KindSubDevice}}
	for i, w := range want {
		if devices[i].ID != w.id || devices[i].Kind != w.kind {
			t.Errorf("Devices()[%d] = %s/%s, want %s/%s", i, devices[i].ID, devices[i].Kind, w.id, w.kind)
		}
	}
	if devices[0].SID != "158d0001" {
		t.Errorf("curtain sid = %q", devices[0].SID)
	}

	if len(devices[0].Actions) != 0 {
		t.Errorf("curtain actions = %v, want none", devices[0].Actions)
	}
	if want := []string{actions.SetLEDAction, actions.SetModeAction}; !slices.Equal(devices[1].Actions, want) {
		t.Errorf("humidifier actions = %v, want %v", devices[1].Actions, want)
	}
	if !slices.Contains(devices[2].Actions, actions.RightSwitchToggle) {
		t.Errorf("switch actions = %v", devices[2].Actions)
	}
}

func TestRunAction_FollowsDeviceKind(t *testing.T) {
	f := newFixture(t)
	f.connect()
	ctx := context.Background()

	err := f.bridge.RunAction(ctx, "h1", actions.CleanRoomsAction, actions.Params{"rooms": "16"})
	if !errors.Is(err, actions.ErrUnsupported) {
		t.Fatalf("RunAction(clean_rooms) on humidifier error = %v, want ErrUnsupported", err)
	}

	if err := f.bridge.RunAction(ctx, "h1", actions.SetModeAction, actions.Params{"mode": "high"}); err != nil {
		t.Fatalf("RunAction(set_mode) error = %v", err)
	}
	sess, _ := f.dialer.last()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !slices.Equal(sess.calls, []string{"set_mode"}) {
		t.Errorf("session calls = %v, want [set_mode]", sess.calls)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	h := f.bridge.Health()
	if h.Status != HealthDegraded || h.DevicesManaged != 3 || h.DevicesReachable != 0 {
		t.Errorf("health before connect = %+v", h)
	}

	f.connect()
	for _, sid := range []string{"158d0001", "158d0002"} {
		f.hub.handlers[sid].OnEvent(context.Background(), hub.Event{SID: sid, Cmd: "heartbeat", Data: map[string]string{}})
	}
	f.hub.status = []hub.GatewayStatus{{Address: "10.0.0.2", Connected: true}}

	h = f.bridge.Health()
	if h.Status != HealthHealthy || h.DevicesReachable != 3 || h.GatewaysConnected != 1 || h.GatewaysConfigured != 1 {
		t.Errorf("health after connect = %+v", h)
	}

	f.mqtt.mu.Lock()
	f.mqtt.connected = false
	f.mqtt.mu.Unlock()
	if h := f.bridge.Health(); h.Status != HealthDegraded || h.Reason != "MQTT disconnected" {
		t.Errorf("health without MQTT = %+v", h)
	}
	if len(f.mqtt.messages("miio/health")) == 0 {
		t.Error("no health published on start")
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	f.connect()
	sess, _ := f.dialer.last()

	f.bridge.Stop()
	f.bridge.Stop()

	sess.mu.Lock()
	destroyed := sess.destroyed
	sess.mu.Unlock()
	if !destroyed {
		t.Error("session not destroyed on Stop")
	}
	if len(f.hub.unregister) != 2 {
		t.Errorf("unregistered = %v, want both sub-devices", f.hub.unregister)
	}

	if err := f.mqtt.deliver(t, "miio/command/+", "miio/command/h1", `{"capability":"onoff","value":false}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	acks := waitForAck(t, f.mqtt, "h1", 1)
	if acks[0].Status != AckFailed {
		t.Errorf("ack after stop = %+v", acks[0])
	}

	msgs := f.mqtt.messages("miio/health")
	var last HealthMessage
	_ = json.Unmarshal(msgs[len(msgs)-1], &last)
	if last.Status != HealthStopping {
		t.Errorf("last health = %s, want stopping", last.Status)
	}
}

func TestParseGatewaysList(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"null", 0, false},
		{"[]", 0, false},
		{testGateways, 1, false},
		{`[{"address":"a","token":"t"},{"address":"b","token":"u"}]`, 2, false},
		{`[{"token":"t"}]`, 0, true},
		{`not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseGatewaysList(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidGatewaysList) {
					t.Errorf("error = %v, want ErrInvalidGatewaysList", err)
				}
				return
			}
			if err != nil || len(got) != tt.want {
				t.Errorf("ParseGatewaysList(%q) = %v, %v", tt.input, got, err)
			}
		})
	}
}

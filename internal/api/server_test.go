package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ApplY3D/com.xiaomi-miio/internal/actions"
	"github.com/ApplY3D/com.xiaomi-miio/internal/bridge"
	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/config"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/logging"
	"github.com/ApplY3D/com.xiaomi-miio/internal/miio"
	"github.com/ApplY3D/com.xiaomi-miio/internal/pairing"
	"github.com/ApplY3D/com.xiaomi-miio/internal/platform"
	"github.com/ApplY3D/com.xiaomi-miio/internal/supervisor"
)

const testToken = "0123456789abcdef0123456789abcdef"

type capabilityCall struct {
	deviceID string
	name     string
	value    any
}

type actionCall struct {
	deviceID string
	action   string
	params   actions.Params
}

// mockBridge records calls and returns canned results.
type mockBridge struct {
	mu          sync.Mutex
	devices     []bridge.DeviceStatus
	gateways    []hub.GatewayStatus
	list        []hub.GatewayIdentity
	capErr      error
	actionErr   error
	settingsErr error
	listErr     error
	changed     []string

	capCalls    []capabilityCall
	actionCalls []actionCall
	settings    map[string]any
	rawList     string
}

func (m *mockBridge) Devices() []bridge.DeviceStatus {
	return m.devices
}

func (m *mockBridge) Device(id string) (bridge.DeviceStatus, error) {
	for _, d := range m.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return bridge.DeviceStatus{}, fmt.Errorf("%w: %s", platform.ErrDeviceNotFound, id)
}

func (m *mockBridge) SetCapability(_ context.Context, deviceID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capCalls = append(m.capCalls, capabilityCall{deviceID, name, value})
	return m.capErr
}

func (m *mockBridge) RunAction(_ context.Context, deviceID, action string, params actions.Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionCalls = append(m.actionCalls, actionCall{deviceID, action, params})
	return m.actionErr
}

func (m *mockBridge) UpdateDeviceSettings(_ context.Context, _ string, values map[string]any) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = values
	return m.changed, m.settingsErr
}

func (m *mockBridge) Gateways() []hub.GatewayStatus {
	return m.gateways
}

func (m *mockBridge) GatewaysList(_ context.Context) ([]hub.GatewayIdentity, error) {
	return m.list, nil
}

func (m *mockBridge) SetGatewaysList(_ context.Context, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawList = raw
	return m.listErr
}

func (m *mockBridge) Health() bridge.HealthMessage {
	return bridge.HealthMessage{Status: bridge.HealthHealthy, Version: "test", DevicesManaged: len(m.devices)}
}

type mockPairing struct {
	bind    pairing.BindResult
	test    pairing.TestResult
	err     error
	address string
	token   string
}

func (m *mockPairing) BindDeveloperKey(_ context.Context, address, token string) (pairing.BindResult, error) {
	m.address, m.token = address, token
	return m.bind, m.err
}

func (m *mockPairing) TestConnection(_ context.Context, address, token string) (pairing.TestResult, error) {
	m.address, m.token = address, token
	return m.test, m.err
}

func testDevices() []bridge.DeviceStatus {
	return []bridge.DeviceStatus{
		{
			View: platform.View{
				ID:           "h1",
				Name:         "Bedroom humidifier",
				Type:         "zhimi.humidifier.ca1",
				Available:    true,
				Capabilities: map[string]any{capability.OnOff: true},
			},
			Kind:  bridge.KindMiio,
			State: supervisor.Connected.String(),
		},
		{
			View: platform.View{
				ID:        "c1",
				Name:      "Curtain",
				Type:      "curtain",
				Available: false,
				Reason:    "waiting for gateway",
			},
			Kind: bridge.KindSubDevice,
			SID:  "158d0001",
		},
	}
}

// testServer creates a Server around a mock bridge and pairing helper.
func testServer(t *testing.T) (*Server, *mockBridge, *mockPairing) {
	t.Helper()

	b := &mockBridge{devices: testDevices()}
	p := &mockPairing{}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		Logger:  logging.Discard(),
		Bridge:  b,
		Pairing: p,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, b, p
}

func serve(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{Bridge: &mockBridge{}}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without bridge should fail")
	}

	srv, err := New(Deps{Logger: logging.Discard(), Bridge: &mockBridge{}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if srv.pairing == nil {
		t.Error("pairing helper should default when not given")
	}
}

// ─── Health and Status ─────────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)

	w := serve(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
	if resp["devices_managed"] != float64(2) {
		t.Errorf("devices_managed = %v, want 2", resp["devices_managed"])
	}
}

func TestStatus(t *testing.T) {
	srv, _, _ := testServer(t)

	w := serve(t, srv, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp StatusResponse
	decode(t, w, &resp)
	if resp.Version != "test" {
		t.Errorf("version = %q, want test", resp.Version)
	}
	if resp.Devices.Total != 2 || resp.Devices.Available != 1 {
		t.Errorf("devices = %+v, want total 2 available 1", resp.Devices)
	}
	if resp.Devices.ByKind[bridge.KindMiio] != 1 || resp.Devices.ByKind[bridge.KindSubDevice] != 1 {
		t.Errorf("by_kind = %v", resp.Devices.ByKind)
	}
	if resp.Devices.ByState["connected"] != 1 {
		t.Errorf("by_state = %v", resp.Devices.ByState)
	}
	if resp.MQTT.Enabled || resp.InfluxDB.Enabled {
		t.Error("connections without checkers should report disabled")
	}
	if resp.Runtime.Goroutines == 0 {
		t.Error("goroutines should be reported")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	serve(t, srv, http.MethodGet, "/api/v1/health", "")
	w := serve(t, srv, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `route="/api/v1/health"`) {
		t.Error("metrics should count requests by route pattern")
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	srv, _, _ := testServer(t)

	w := serve(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"http://panel.local"}

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://panel.local", true},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.buildRouter().ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
			}
			got := w.Header().Get("Access-Control-Allow-Origin")
			if tt.allowed && got != tt.origin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.origin)
			}
			if !tt.allowed && got != "" {
				t.Errorf("Allow-Origin = %q, want empty", got)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t)

	w := serve(t, srv, http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Devices ───────────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	srv, _, _ := testServer(t)

	w := serve(t, srv, http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Devices []bridge.DeviceStatus `json:"devices"`
		Count   int                   `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 2 || len(resp.Devices) != 2 {
		t.Fatalf("count = %d, devices = %d, want 2", resp.Count, len(resp.Devices))
	}
	if resp.Devices[1].SID != "158d0001" {
		t.Errorf("sid = %q, want 158d0001", resp.Devices[1].SID)
	}
}

func TestGetDevice(t *testing.T) {
	srv, _, _ := testServer(t)

	w := serve(t, srv, http.MethodGet, "/api/v1/devices/h1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var dev bridge.DeviceStatus
	decode(t, w, &dev)
	if dev.ID != "h1" || dev.Kind != bridge.KindMiio {
		t.Errorf("device = %+v", dev)
	}

	w = serve(t, srv, http.MethodGet, "/api/v1/devices/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSetCapability(t *testing.T) {
	srv, b, _ := testServer(t)

	w := serve(t, srv, http.MethodPost, "/api/v1/devices/h1/capabilities/onoff", `{"value": false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(b.capCalls) != 1 {
		t.Fatalf("SetCapability calls = %d, want 1", len(b.capCalls))
	}
	got := b.capCalls[0]
	if got.deviceID != "h1" || got.name != "onoff" || got.value != false {
		t.Errorf("call = %+v", got)
	}
}

func TestSetCapability_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"missing value", `{}`, nil, http.StatusBadRequest},
		{"invalid value", `{"value": "x"}`, fmt.Errorf("coercing: %w", capability.ErrInvalidValue), http.StatusBadRequest},
		{"no listener", `{"value": 1}`, platform.ErrNoListener, http.StatusNotFound},
		{"unreachable", `{"value": true}`, supervisor.ErrUnreachable, http.StatusServiceUnavailable},
		{"call failed", `{"value": true}`, fmt.Errorf("%w: %w", supervisor.ErrCall, &miio.RPCError{Code: -1, Message: "busy"}), http.StatusBadGateway},
		{"gateway write", `{"value": 0.5}`, hub.ErrWriteFailed, http.StatusBadGateway},
		{"unexpected", `{"value": true}`, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, b, _ := testServer(t)
			b.capErr = tt.err

			w := serve(t, srv, http.MethodPost, "/api/v1/devices/h1/capabilities/onoff", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			var resp Error
			decode(t, w, &resp)
			if resp.Status != tt.wantCode {
				t.Errorf("error status = %d, want %d", resp.Status, tt.wantCode)
			}
		})
	}
}

func TestRunAction(t *testing.T) {
	srv, b, _ := testServer(t)

	w := serve(t, srv, http.MethodPost, "/api/v1/devices/h1/actions/set_mode", `{"params": {"mode": "auto"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(b.actionCalls) != 1 {
		t.Fatalf("RunAction calls = %d, want 1", len(b.actionCalls))
	}
	got := b.actionCalls[0]
	if got.action != actions.SetModeAction || got.params["mode"] != "auto" {
		t.Errorf("call = %+v", got)
	}
}

func TestRunAction_EmptyBody(t *testing.T) {
	srv, b, _ := testServer(t)

	w := serve(t, srv, http.MethodPost, "/api/v1/devices/s1/actions/right_switch_toggle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(b.actionCalls) != 1 || b.actionCalls[0].deviceID != "s1" {
		t.Errorf("calls = %+v", b.actionCalls)
	}
}

func TestRunAction_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"unknown action", actions.ErrUnknownAction, http.StatusNotFound},
		{"invalid zones", actions.ErrInvalidZones, http.StatusBadRequest},
		{"unsupported", actions.ErrUnsupported, http.StatusBadRequest},
		{"deleted", supervisor.ErrDeleted, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, b, _ := testServer(t)
			b.actionErr = tt.err

			w := serve(t, srv, http.MethodPost, "/api/v1/devices/h1/actions/clean_zones", `{"params": {"zones": "[1,2,3,4,1]"}}`)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestUpdateDeviceSettings(t *testing.T) {
	srv, b, _ := testServer(t)
	b.changed = []string{"polling"}

	w := serve(t, srv, http.MethodPatch, "/api/v1/devices/h1/settings", `{"polling": 60}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp struct {
		Changed []string `json:"changed"`
	}
	decode(t, w, &resp)
	if len(resp.Changed) != 1 || resp.Changed[0] != "polling" {
		t.Errorf("changed = %v, want [polling]", resp.Changed)
	}
	if b.settings["polling"] != float64(60) {
		t.Errorf("settings = %v", b.settings)
	}

	if w := serve(t, srv, http.MethodPatch, "/api/v1/devices/h1/settings", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty settings status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	b.settingsErr = bridge.ErrInvalidSetting
	if w := serve(t, srv, http.MethodPatch, "/api/v1/devices/h1/settings", `{"token": "short"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid setting status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestUpdateDeviceSettings_NothingChanged(t *testing.T) {
	srv, _, _ := testServer(t)

	w := serve(t, srv, http.MethodPatch, "/api/v1/devices/h1/settings", `{"polling": 30}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"changed":[]`) {
		t.Errorf("body = %s, want empty changed list", w.Body.String())
	}
}

// ─── Gateways ──────────────────────────────────────────────────────

func TestListGateways(t *testing.T) {
	srv, b, _ := testServer(t)
	b.gateways = []hub.GatewayStatus{{Address: "10.0.0.2", Connected: true, SIDs: []string{"158d0001"}}}

	w := serve(t, srv, http.MethodGet, "/api/v1/gateways", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Gateways []hub.GatewayStatus `json:"gateways"`
		Count    int                 `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 1 || resp.Gateways[0].Address != "10.0.0.2" {
		t.Errorf("gateways = %+v", resp)
	}
}

func TestGetGatewaysList_RedactsTokens(t *testing.T) {
	srv, b, _ := testServer(t)
	b.list = []hub.GatewayIdentity{{Address: "10.0.0.2", Token: "ABCDEFGHIJKLMNOP"}}

	w := serve(t, srv, http.MethodGet, "/api/v1/settings/gatewaysList", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "ABCDEFGHIJKLMNOP") {
		t.Error("developer key should be redacted")
	}
	var resp []map[string]string
	decode(t, w, &resp)
	if len(resp) != 1 || resp[0]["token"] != "ABCD****" {
		t.Errorf("list = %v", resp)
	}
}

func TestSetGatewaysList(t *testing.T) {
	srv, b, _ := testServer(t)
	raw := `[{"address":"10.0.0.2","token":"ABCDEFGHIJKLMNOP"}]`

	w := serve(t, srv, http.MethodPut, "/api/v1/settings/gatewaysList", raw)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if b.rawList != raw {
		t.Errorf("raw list = %q, want %q", b.rawList, raw)
	}

	b.listErr = bridge.ErrInvalidGatewaysList
	if w := serve(t, srv, http.MethodPut, "/api/v1/settings/gatewaysList", `{"nope":1}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid list status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ─── Pairing ───────────────────────────────────────────────────────

func TestGenerateKey(t *testing.T) {
	srv, _, _ := testServer(t)

	w := serve(t, srv, http.MethodPost, "/api/v1/pairing/key", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if len(resp["key"]) != pairing.KeyLength {
		t.Errorf("key = %q, want %d characters", resp["key"], pairing.KeyLength)
	}
}

func TestBindKey(t *testing.T) {
	srv, _, p := testServer(t)
	p.bind = pairing.BindResult{Status: pairing.StatusOK, Mac: "286c07aabbcc", Password: "ABCDEFGHIJKLMNOP"}

	body := fmt.Sprintf(`{"address": " 10.0.0.2 ", "token": %q}`, testToken)
	w := serve(t, srv, http.MethodPost, "/api/v1/pairing/bind", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if p.address != "10.0.0.2" || p.token != testToken {
		t.Errorf("bind called with %q %q", p.address, p.token)
	}
	var res pairing.BindResult
	decode(t, w, &res)
	if res != p.bind {
		t.Errorf("result = %+v, want %+v", res, p.bind)
	}
}

func TestPairing_Validation(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"bind invalid json", "/api/v1/pairing/bind", `{`},
		{"bind missing address", "/api/v1/pairing/bind", fmt.Sprintf(`{"token": %q}`, testToken)},
		{"bind short token", "/api/v1/pairing/bind", `{"address": "10.0.0.2", "token": "abc"}`},
		{"test non-hex token", "/api/v1/pairing/test", `{"address": "10.0.0.2", "token": "zz23456789abcdef0123456789abcdef"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, p := testServer(t)
			w := serve(t, srv, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if p.address != "" {
				t.Error("pairing helper should not be called")
			}
		})
	}
}

func TestTestConnection(t *testing.T) {
	srv, _, p := testServer(t)
	p.test = pairing.TestResult{Status: pairing.StatusOK, Info: miio.Info{Model: "lumi.gateway.v3"}}

	body := fmt.Sprintf(`{"address": "10.0.0.2", "token": %q}`, testToken)
	w := serve(t, srv, http.MethodPost, "/api/v1/pairing/test", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var res pairing.TestResult
	decode(t, w, &res)
	if res.Info.Model != "lumi.gateway.v3" {
		t.Errorf("model = %q", res.Info.Model)
	}

	p.err = fmt.Errorf("dialing: %w", miio.ErrHandshake)
	w = serve(t, srv, http.MethodPost, "/api/v1/pairing/test", body)
	if w.Code != http.StatusBadGateway {
		t.Errorf("handshake failure status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

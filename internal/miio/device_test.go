package miio

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeDevice answers the miio protocol on a loopback UDP socket.
type fakeDevice struct {
	t     *testing.T
	conn  *net.UDPConn
	codec *codec

	mu       sync.Mutex
	methods  []string
	handlers map[string]func(params json.RawMessage) (any, *RPCError)
	silent   int // number of requests to ignore before answering
	hellos   int
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	f := &fakeDevice{
		t:        t,
		conn:     conn,
		codec:    testCodec(t),
		handlers: map[string]func(json.RawMessage) (any, *RPCError){},
	}
	go f.serve()
	t.Cleanup(func() { conn.Close() })
	return f
}

func (f *fakeDevice) addr() string {
	return f.conn.LocalAddr().String()
}

func (f *fakeDevice) handle(method string, h func(json.RawMessage) (any, *RPCError)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeDevice) serve() {
	buf := make([]byte, 4096)
	for {
		n, from, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		raw := append([]byte(nil), buf[:n]...)

		if n == headerSize {
			f.mu.Lock()
			f.hellos++
			f.mu.Unlock()
			reply := make([]byte, headerSize)
			binary.BigEndian.PutUint16(reply[0:], magic)
			binary.BigEndian.PutUint16(reply[2:], headerSize)
			binary.BigEndian.PutUint32(reply[8:], 0xCAFE)
			binary.BigEndian.PutUint32(reply[12:], 5000)
			f.conn.WriteToUDP(reply, from) //nolint:errcheck // test server
			continue
		}

		h, body, err := f.codec.decode(raw)
		if err != nil {
			f.t.Errorf("fake device could not decode request: %v", err)
			continue
		}
		if h.DeviceID != 0xCAFE {
			f.t.Errorf("request device id = %x, want cafe", h.DeviceID)
		}
		var req struct {
			ID     int             `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			f.t.Errorf("bad request JSON: %v", err)
			continue
		}

		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		skip := f.silent > 0
		if skip {
			f.silent--
		}
		handler := f.handlers[req.Method]
		f.mu.Unlock()
		if skip {
			continue
		}

		resp := map[string]any{"id": req.ID}
		if handler == nil {
			resp["error"] = RPCError{Code: -32601, Message: "Method not found"}
		} else if result, rpcErr := handler(req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		payload, _ := json.Marshal(resp)
		f.conn.WriteToUDP(f.codec.encode(0xCAFE, 5001, payload), from) //nolint:errcheck // test server
	}
}

func dialFake(t *testing.T, f *fakeDevice) *Device {
	t.Helper()
	d, err := Dial(context.Background(), f.addr(), testToken, WithCallTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDial_Handshake(t *testing.T) {
	f := newFakeDevice(t)
	d := dialFake(t, f)

	if d.DeviceID() != 0xCAFE {
		t.Errorf("DeviceID() = %x, want cafe", d.DeviceID())
	}
}

func TestDial_InvalidToken(t *testing.T) {
	if _, err := Dial(context.Background(), "127.0.0.1", "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Dial() error = %v, want ErrInvalidToken", err)
	}
}

func TestDial_NoAnswer(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, err = Dial(context.Background(), conn.LocalAddr().String(), testToken, WithHandshakeTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrHandshake) {
		t.Errorf("Dial() error = %v, want ErrHandshake", err)
	}
}

func TestDevice_Call(t *testing.T) {
	f := newFakeDevice(t)
	f.handle("get_prop", func(params json.RawMessage) (any, *RPCError) {
		var names []string
		json.Unmarshal(params, &names) //nolint:errcheck // test
		if len(names) == 1 && names[0] == "power" {
			return []any{"on"}, nil
		}
		return nil, &RPCError{Code: -1, Message: "unknown prop"}
	})
	d := dialFake(t, f)

	raw, err := d.Call(context.Background(), "get_prop", []string{"power"}, 0)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(raw) != `["on"]` {
		t.Errorf("Call() = %s, want [\"on\"]", raw)
	}
}

func TestDevice_CallDeviceError(t *testing.T) {
	f := newFakeDevice(t)
	d := dialFake(t, f)

	_, err := d.Call(context.Background(), "no_such_method", nil, 2)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("Call() error = %v, want RPCError -32601", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.methods) != 1 {
		t.Errorf("device errors must not be retried, got %d requests", len(f.methods))
	}
}

func TestDevice_CallRetriesTimeout(t *testing.T) {
	f := newFakeDevice(t)
	f.handle("set_led", func(json.RawMessage) (any, *RPCError) { return []string{"ok"}, nil })
	f.mu.Lock()
	f.silent = 1
	f.mu.Unlock()
	d := dialFake(t, f)

	raw, err := d.Call(context.Background(), "set_led", []string{"on"}, 1)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if err := ExpectOK(raw); err != nil {
		t.Errorf("ExpectOK() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hellos != 2 {
		t.Errorf("hellos = %d, want 2 (retry re-handshakes)", f.hellos)
	}
}

func TestDevice_CallTimeoutWithoutRetries(t *testing.T) {
	f := newFakeDevice(t)
	f.mu.Lock()
	f.silent = 10
	f.mu.Unlock()
	d := dialFake(t, f)

	if _, err := d.Call(context.Background(), "get_prop", []string{"power"}, 0); !errors.Is(err, ErrTimeout) {
		t.Errorf("Call() error = %v, want ErrTimeout", err)
	}
}

func TestDevice_Info(t *testing.T) {
	f := newFakeDevice(t)
	f.handle("miIO.info", func(json.RawMessage) (any, *RPCError) {
		return map[string]any{"model": "lumi.gateway.v3", "mac": "34:CE:00:AA:BB:CC", "fw_ver": "1.4.1_164"}, nil
	})
	d := dialFake(t, f)

	info, err := d.Info(context.Background())
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Model != "lumi.gateway.v3" || info.Mac != "34:CE:00:AA:BB:CC" {
		t.Errorf("Info() = %+v", info)
	}
}

func TestDevice_ClosedCall(t *testing.T) {
	f := newFakeDevice(t)
	d := dialFake(t, f)

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := d.Call(context.Background(), "miIO.info", nil, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after Close error = %v, want ErrClosed", err)
	}
}

func TestExpectOK(t *testing.T) {
	if err := ExpectOK(json.RawMessage(`["ok"]`)); err != nil {
		t.Errorf("ExpectOK([ok]) = %v", err)
	}
	if err := ExpectOK(json.RawMessage(`"ok"`)); err != nil {
		t.Errorf("ExpectOK(ok) = %v", err)
	}
	if err := ExpectOK(json.RawMessage(`["error"]`)); !errors.Is(err, ErrUnexpectedResult) {
		t.Errorf("ExpectOK([error]) = %v", err)
	}
}

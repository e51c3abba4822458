package aqara

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
)

const (
	testPassword = "0987654321qwerty"
	testToken    = "1234567890abcdef"
)

// fakeGateway answers get_id_list, read and write on loopback.
type fakeGateway struct {
	t    *testing.T
	conn *net.UDPConn

	mu          sync.Mutex
	writes      []map[string]string
	rejectWrite string
	silent      bool
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	f := &fakeGateway{t: t, conn: conn}
	go f.serve()
	t.Cleanup(func() { conn.Close() })
	return f
}

func (f *fakeGateway) addr() string { return f.conn.LocalAddr().String() }

func (f *fakeGateway) reply(to *net.UDPAddr, m message) {
	raw, _ := json.Marshal(m)
	f.conn.WriteToUDP(raw, to) //nolint:errcheck // test server
}

func (f *fakeGateway) serve() {
	buf := make([]byte, 2048)
	for {
		n, from, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		m, err := parseMessage(buf[:n])
		if err != nil {
			continue
		}
		switch m.Cmd {
		case cmdGetIDList:
			f.reply(from, message{Cmd: cmdGetIDListAck, SID: "gw01", Token: testToken, Data: `["s1","s2"]`})
		case cmdRead:
			if m.SID == "s1" {
				f.reply(from, message{Cmd: cmdReadAck, SID: "s1", Model: "curtain", Data: `{"curtain_level":"40"}`})
			}
		case cmdWrite:
			var data map[string]string
			json.Unmarshal([]byte(m.Data), &data) //nolint:errcheck // test server
			want, _ := WriteKey(testPassword, testToken)

			f.mu.Lock()
			f.writes = append(f.writes, data)
			reject := f.rejectWrite
			silent := f.silent
			f.mu.Unlock()

			if silent {
				continue
			}
			switch {
			case data["key"] != want:
				f.reply(from, message{Cmd: cmdWriteAck, SID: m.SID, Data: `{"error":"Invalid key"}`})
			case reject != "":
				f.reply(from, message{Cmd: cmdWriteAck, SID: m.SID, Data: `{"error":"` + reject + `"}`})
			default:
				f.reply(from, message{Cmd: cmdWriteAck, SID: m.SID, Data: `{"curtain_status":"open"}`})
			}
		}
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []hub.Event
	ch     chan struct{}
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan struct{}, 16)}
}

func (s *eventSink) onEvent(ev hub.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.ch <- struct{}{}
}

func (s *eventSink) wait(t *testing.T) hub.Event {
	t.Helper()
	select {
	case <-s.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialTest(t *testing.T, f *fakeGateway, sink *eventSink) *Gateway {
	t.Helper()
	g, err := Dial(context.Background(), f.addr(), testPassword, sink.onEvent, WithWriteTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { g.Close() })
	waitFor(t, func() bool { return len(g.SIDs()) == 2 })
	return g
}

func TestDial_InvalidPassword(t *testing.T) {
	if _, err := Dial(context.Background(), "127.0.0.1", "short", nil); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("Dial() error = %v, want ErrInvalidPassword", err)
	}
}

func TestGateway_ListsAndReadsSubDevices(t *testing.T) {
	f := newFakeGateway(t)
	sink := newEventSink()
	g := dialTest(t, f, sink)

	if g.SID() != "gw01" {
		t.Errorf("SID() = %q, want gw01", g.SID())
	}
	ev := sink.wait(t)
	if ev.SID != "s1" || ev.Cmd != cmdReadAck || ev.Data["curtain_level"] != "40" {
		t.Errorf("event = %+v", ev)
	}
}

func TestGateway_Write(t *testing.T) {
	f := newFakeGateway(t)
	g := dialTest(t, f, newEventSink())

	if err := g.Write(context.Background(), "s1", map[string]string{"curtain_status": "open"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) != 1 || f.writes[0]["curtain_status"] != "open" {
		t.Errorf("gateway received %v", f.writes)
	}
}

func TestGateway_WriteRejected(t *testing.T) {
	f := newFakeGateway(t)
	g := dialTest(t, f, newEventSink())
	f.mu.Lock()
	f.rejectWrite = "No device"
	f.mu.Unlock()

	err := g.Write(context.Background(), "s9", map[string]string{"channel_1": "on"})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Write() error = %v, want ErrRejected", err)
	}
}

func TestGateway_WriteTimeout(t *testing.T) {
	f := newFakeGateway(t)
	g := dialTest(t, f, newEventSink())
	f.mu.Lock()
	f.silent = true
	f.mu.Unlock()

	if err := g.Write(context.Background(), "s1", map[string]string{"curtain_level": "10"}); !errors.Is(err, ErrTimeout) {
		t.Errorf("Write() error = %v, want ErrTimeout", err)
	}
}

func TestGateway_WriteWithoutToken(t *testing.T) {
	// Nobody answers, so no token is ever learned.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	g, err := Dial(context.Background(), conn.LocalAddr().String(), testPassword, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer g.Close()

	if err := g.Write(context.Background(), "s1", map[string]string{"channel_0": "on"}); !errors.Is(err, ErrNoToken) {
		t.Errorf("Write() error = %v, want ErrNoToken", err)
	}
}

func TestGateway_Close(t *testing.T) {
	f := newFakeGateway(t)
	g := dialTest(t, f, newEventSink())

	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := g.Write(context.Background(), "s1", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close = %v, want ErrClosed", err)
	}
}

func TestListener_Dispatch(t *testing.T) {
	f := newFakeGateway(t)
	l := &Listener{gateways: make(map[string]*Gateway)}
	sink := newEventSink()

	g, err := l.Dial(context.Background(), f.addr(), testPassword, sink.onEvent, WithWriteTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	waitFor(t, func() bool { return len(g.SIDs()) == 2 })
	sink.wait(t) // read_ack for s1

	hb, _ := json.Marshal(message{Cmd: cmdHeartbeat, Model: modelGateway, SID: "gw01", Token: "fedcba0987654321"})
	l.dispatch("127.0.0.1", hb)
	g.mu.Lock()
	token := g.token
	g.mu.Unlock()
	if token != "fedcba0987654321" {
		t.Errorf("token = %q, want heartbeat token", token)
	}

	report, _ := json.Marshal(message{Cmd: cmdReport, Model: "sensor_ht", SID: "s2", Data: `{"temperature":"2150"}`})
	l.dispatch("127.0.0.1", report)
	if ev := sink.wait(t); ev.SID != "s2" || ev.Data["temperature"] != "2150" {
		t.Errorf("event = %+v", ev)
	}

	l.dispatch("10.9.9.9", report)
	select {
	case <-sink.ch:
		t.Error("datagram from unknown gateway was dispatched")
	case <-time.After(20 * time.Millisecond):
	}

	g.Close()
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.gateways) != 0 {
		t.Error("closed gateway still registered")
	}
}

func TestNewDialer(t *testing.T) {
	f := newFakeGateway(t)
	dial := NewDialer(nil, WithWriteTimeout(200*time.Millisecond))

	gw, err := dial(context.Background(), hub.GatewayIdentity{Address: f.addr(), Token: testPassword}, func(hub.Event) {})
	if err != nil {
		t.Fatalf("dial() error = %v", err)
	}
	defer gw.Close()
	waitFor(t, func() bool { return len(gw.SIDs()) == 2 })
}

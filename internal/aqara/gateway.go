package aqara

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
)

const (
	defaultWriteTimeout = 5 * time.Second
	readBufferSize      = 2048
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithWriteTimeout sets how long Write waits for write_ack.
func WithWriteTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway is a connection to one Aqara gateway.
//
// Thread Safety: All methods are safe for concurrent use. Writes are
// serialized so each write_ack can be matched to its write.
type Gateway struct {
	address      string
	ip           string
	password     string
	conn         *net.UDPConn
	writeTimeout time.Duration
	onEvent      func(hub.Event)
	logger       Logger

	mu    sync.Mutex
	sid   string
	token string
	sids  []string

	writeMu sync.Mutex
	acks    chan message

	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	onClose func()
}

var _ hub.Gateway = (*Gateway)(nil)

// Dial opens a unicast socket to the gateway at address (host or
// host:port) and asks it for its sub-device list. It does not wait for the
// answer: gateways that are briefly offline still get a connection and
// fill in their token from the next heartbeat.
func Dial(ctx context.Context, address, password string, onEvent func(hub.Event), opts ...Option) (*Gateway, error) {
	if len(password) != 16 {
		return nil, ErrInvalidPassword
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(Port))
	}

	var dialer net.Dialer
	c, err := dialer.DialContext(ctx, "udp4", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	conn := c.(*net.UDPConn)

	g := &Gateway{
		address:      address,
		ip:           conn.RemoteAddr().(*net.UDPAddr).IP.String(),
		password:     password,
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		onEvent:      onEvent,
		acks:         make(chan message, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.wg.Add(1)
	go g.readLoop()

	if err := g.send(message{Cmd: cmdGetIDList}); err != nil {
		g.logWarn("get_id_list failed", "error", err)
	}
	return g, nil
}

// Address returns the gateway's host:port.
func (g *Gateway) Address() string { return g.address }

// SID returns the gateway's own sid once known.
func (g *Gateway) SID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sid
}

// SIDs returns the sub-device sids from the last get_id_list_ack.
func (g *Gateway) SIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sids...)
}

// Write sends data to sid and waits for the write_ack.
func (g *Gateway) Write(ctx context.Context, sid string, data map[string]string) error {
	if g.closed.Load() {
		return ErrClosed
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.mu.Lock()
	token := g.token
	g.mu.Unlock()
	if token == "" {
		return ErrNoToken
	}

	key, err := WriteKey(g.password, token)
	if err != nil {
		return err
	}
	payload, err := encodeWrite(sid, data, key)
	if err != nil {
		return fmt.Errorf("encoding write: %w", err)
	}

	// Drop an ack left over from a write that timed out.
	select {
	case <-g.acks:
	default:
	}

	if _, err := g.conn.Write(payload); err != nil {
		return fmt.Errorf("sending write: %w", err)
	}

	timer := time.NewTimer(g.writeTimeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-g.acks:
			if ack.SID != "" && ack.SID != sid {
				continue
			}
			fields, err := decodeData(ack.Data)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrRejected, err)
			}
			if reason, ok := fields["error"]; ok {
				return fmt.Errorf("%w: %s", ErrRejected, reason)
			}
			return nil
		case <-timer.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-g.done:
			return ErrClosed
		}
	}
}

// Read asks the gateway for the current state of sid. The answer arrives
// as an event.
func (g *Gateway) Read(sid string) error {
	return g.send(message{Cmd: cmdRead, SID: sid})
}

// Close stops the read loop and closes the socket.
func (g *Gateway) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	close(g.done)
	err := g.conn.Close()
	g.wg.Wait()
	if g.onClose != nil {
		g.onClose()
	}
	return err
}

func (g *Gateway) send(m message) error {
	if g.closed.Load() {
		return ErrClosed
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = g.conn.Write(raw)
	return err
}

func (g *Gateway) readLoop() {
	defer g.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := g.conn.Read(buf)
		if err != nil {
			if g.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable surfaces here while the gateway is down.
			g.logDebug("gateway read error", "error", err)
			select {
			case <-g.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		g.handle(append([]byte(nil), buf[:n]...))
	}
}

// handle processes one datagram from the unicast socket or the listener.
func (g *Gateway) handle(raw []byte) {
	m, err := parseMessage(raw)
	if err != nil {
		g.logDebug("ignoring datagram", "address", g.address, "error", err)
		return
	}

	switch m.Cmd {
	case cmdGetIDListAck:
		sids, err := decodeSIDs(m.Data)
		if err != nil {
			g.logWarn("bad sid list", "address", g.address, "error", err)
			return
		}
		g.mu.Lock()
		g.sid = m.SID
		if m.Token != "" {
			g.token = m.Token
		}
		g.sids = sids
		g.mu.Unlock()
		g.logInfo("gateway sub-devices listed", "address", g.address, "sid", m.SID, "count", len(sids))
		for _, sid := range sids {
			if err := g.Read(sid); err != nil {
				g.logDebug("read request failed", "sid", sid, "error", err)
			}
		}

	case cmdWriteAck:
		select {
		case g.acks <- m:
		default:
		}

	case cmdHeartbeat:
		if g.isGateway(m) {
			g.mu.Lock()
			if m.Token != "" {
				g.token = m.Token
			}
			if g.sid == "" {
				g.sid = m.SID
			}
			g.mu.Unlock()
			return
		}
		g.emit(m)

	case cmdReport, cmdReadAck:
		g.emit(m)
	}
}

func (g *Gateway) isGateway(m message) bool {
	if m.Model == modelGateway {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sid != "" && m.SID == g.sid
}

func (g *Gateway) emit(m message) {
	if g.onEvent == nil || m.SID == "" {
		return
	}
	data, err := decodeData(m.Data)
	if err != nil {
		g.logDebug("ignoring event", "sid", m.SID, "error", err)
		return
	}
	g.onEvent(hub.Event{SID: m.SID, Model: m.Model, Cmd: m.Cmd, Data: data})
}

func (g *Gateway) logDebug(msg string, kv ...any) {
	if g.logger != nil {
		g.logger.Debug(msg, kv...)
	}
}

func (g *Gateway) logInfo(msg string, kv ...any) {
	if g.logger != nil {
		g.logger.Info(msg, kv...)
	}
}

func (g *Gateway) logWarn(msg string, kv ...any) {
	if g.logger != nil {
		g.logger.Warn(msg, kv...)
	}
}

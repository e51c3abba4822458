package miio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultCallTimeout      = 3 * time.Second
	readBufferSize          = 4096
)

// Option configures a Device.
type Option func(*Device)

// WithCallTimeout sets the per-attempt response timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.callTimeout = d }
}

// WithHandshakeTimeout sets how long Dial waits for the hello reply.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.handshakeTimeout = d }
}

// Device is an open miio session.
//
// Thread Safety:
//   - Calls are serialized; concurrent callers wait their turn.
type Device struct {
	address string
	conn    *net.UDPConn
	codec   *codec

	handshakeTimeout time.Duration
	callTimeout      time.Duration

	mu       sync.Mutex
	deviceID uint32
	stamp    uint32
	stampAt  time.Time
	nextID   int

	closed atomic.Bool
}

type request struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Info is the subset of miIO.info the bridge uses.
type Info struct {
	Model    string `json:"model"`
	Mac      string `json:"mac"`
	Firmware string `json:"fw_ver"`
	Hardware string `json:"hw_ver"`
	Life     int    `json:"life"`
}

// Dial opens a session with the device at address (host or host:port) and
// performs the hello handshake.
func Dial(ctx context.Context, address, token string, opts ...Option) (*Device, error) {
	tok, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	c, err := newCodec(tok)
	if err != nil {
		return nil, err
	}

	if _, _, splitErr := net.SplitHostPort(address); splitErr != nil {
		address = net.JoinHostPort(address, strconv.Itoa(Port))
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrHandshake, address, err)
	}

	d := &Device{
		address:          address,
		conn:             conn.(*net.UDPConn),
		codec:            c,
		handshakeTimeout: defaultHandshakeTimeout,
		callTimeout:      defaultCallTimeout,
		nextID:           1,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.mu.Lock()
	err = d.handshakeLocked(ctx)
	d.mu.Unlock()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Address returns the device's host:port.
func (d *Device) Address() string {
	return d.address
}

// DeviceID returns the id learned during the handshake.
func (d *Device) DeviceID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceID
}

func (d *Device) handshakeLocked(ctx context.Context) error {
	if _, err := d.conn.Write(helloPacket()); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := d.read(ctx, buf, d.handshakeTimeout)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		h, err := parseHeader(buf[:n])
		if err != nil || n != headerSize {
			continue
		}
		d.deviceID = h.DeviceID
		d.stamp = h.Stamp
		d.stampAt = time.Now()
		return nil
	}
}

// read waits for one datagram, bounded by timeout and ctx.
func (d *Device) read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := d.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := d.conn.Read(buf)
	if err != nil {
		if d.closed.Load() {
			return 0, ErrClosed
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, ErrTimeout
		}
		return 0, err
	}
	return n, nil
}

// Call invokes method with params and returns the raw result. Timeouts are
// retried up to retries more times, re-running the handshake first; device
// errors are not retried.
func (d *Device) Call(ctx context.Context, method string, params any, retries int) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return nil, ErrClosed
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := d.handshakeLocked(ctx); err != nil {
				lastErr = err
				continue
			}
		}
		result, err := d.callOnceLocked(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTimeout) || ctx.Err() != nil || d.closed.Load() {
			break
		}
	}
	return nil, fmt.Errorf("%s: %w", method, lastErr)
}

func (d *Device) callOnceLocked(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := d.nextID
	d.nextID++
	if d.nextID > 9999 {
		d.nextID = 1
	}

	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	elapsed := uint32(time.Since(d.stampAt) / time.Second) //nolint:gosec // session lifetime is hours
	if _, err := d.conn.Write(d.codec.encode(d.deviceID, d.stamp+elapsed, payload)); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	buf := make([]byte, readBufferSize)
	deadline := time.Now().Add(d.callTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		n, err := d.read(ctx, buf, remaining)
		if err != nil {
			return nil, err
		}
		_, body, err := d.codec.decode(buf[:n])
		if err != nil || len(body) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(body, &resp); err != nil {
			continue
		}
		if resp.ID != id {
			// A late answer to an earlier, timed-out request.
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Info calls miIO.info.
func (d *Device) Info(ctx context.Context) (Info, error) {
	raw, err := d.Call(ctx, "miIO.info", nil, 1)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("%w: miIO.info: %w", ErrUnexpectedResult, err)
	}
	return info, nil
}

// Close ends the session, unblocking any call in flight. Safe to call
// more than once.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.conn.Close()
}

// ExpectOK checks a result is the conventional ["ok"], or [0] as
// vacuums answer.
func ExpectOK(raw json.RawMessage) error {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) == 1 && list[0] == "ok" {
		return nil
	}
	var codes []int
	if err := json.Unmarshal(raw, &codes); err == nil && len(codes) == 1 && codes[0] == 0 {
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte(`"ok"`)) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedResult, raw)
}

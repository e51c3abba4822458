package aqara

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
)

// Listener receives the multicast heartbeats and reports of every gateway
// and dispatches them by source address.
type Listener struct {
	conn   *net.UDPConn
	logger Logger

	mu       sync.RWMutex
	gateways map[string]*Gateway

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen joins group (MulticastAddress when empty) on the named interface
// (the system default when empty).
func Listen(group, iface string, logger Logger) (*Listener, error) {
	if group == "" {
		group = MulticastAddress
	}
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", group, err)
	}

	var ifi *net.Interface
	if iface != "" {
		if ifi, err = net.InterfaceByName(iface); err != nil {
			return nil, fmt.Errorf("interface %s: %w", iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, addr)
	if err != nil {
		return nil, fmt.Errorf("joining %s: %w", group, err)
	}
	return newListener(conn, logger), nil
}

func newListener(conn *net.UDPConn, logger Logger) *Listener {
	l := &Listener{
		conn:     conn,
		logger:   logger,
		gateways: make(map[string]*Gateway),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

// Dial connects to a gateway and registers it for multicast dispatch.
func (l *Listener) Dial(ctx context.Context, address, password string, onEvent func(hub.Event), opts ...Option) (*Gateway, error) {
	g, err := Dial(ctx, address, password, onEvent, opts...)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.gateways[g.ip] = g
	l.mu.Unlock()
	g.onClose = func() {
		l.mu.Lock()
		if l.gateways[g.ip] == g {
			delete(l.gateways, g.ip)
		}
		l.mu.Unlock()
	}
	return g, nil
}

// Close leaves the group. Registered gateways stay open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
		l.wg.Wait()
	})
	return err
}

func (l *Listener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if l.logger != nil {
				l.logger.Warn("multicast read failed", "error", err)
			}
			return
		}
		l.dispatch(from.IP.String(), append([]byte(nil), buf[:n]...))
	}
}

// dispatch hands raw to the gateway at ip. Datagrams from unknown
// gateways are ignored.
func (l *Listener) dispatch(ip string, raw []byte) {
	l.mu.RLock()
	g := l.gateways[ip]
	l.mu.RUnlock()
	if g == nil {
		return
	}
	g.handle(raw)
}

// NewDialer returns a hub.Dialer backed by l. A nil l dials gateways
// without multicast, so only unicast replies are received.
func NewDialer(l *Listener, opts ...Option) hub.Dialer {
	return func(ctx context.Context, id hub.GatewayIdentity, onEvent func(hub.Event)) (hub.Gateway, error) {
		if l == nil {
			return Dial(ctx, id.Address, id.Token, onEvent, opts...)
		}
		return l.Dial(ctx, id.Address, id.Token, onEvent, opts...)
	}
}

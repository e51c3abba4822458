package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/ApplY3D/com.xiaomi-miio/internal/metrics"
)

// Event outcomes, used as metric labels.
const (
	outcomeRouted  = "routed"
	outcomeDropped = "dropped"
	outcomeStale   = "stale"
	outcomePanic   = "panic"
)

// GatewayIdentity is one entry of the gatewaysList setting. Token is the
// developer key configured on the gateway.
type GatewayIdentity struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

// Event is a state change pushed by a gateway for one sub-device.
type Event struct {
	// Gateway is the address of the gateway that sent the event.
	Gateway string
	SID     string
	Model   string
	// Cmd is the gateway message type (report, heartbeat, read_ack).
	Cmd  string
	Data map[string]string
}

// Handler consumes events for one sub-device.
type Handler interface {
	OnEvent(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

// OnEvent calls f.
func (f HandlerFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Gateway is one live gateway connection.
type Gateway interface {
	// Write sends data to sid and waits for the gateway's answer.
	Write(ctx context.Context, sid string, data map[string]string) error
	// SIDs lists the sub-devices the gateway reported.
	SIDs() []string
	Close() error
}

// Dialer connects to a gateway. onEvent receives every event the
// connection produces until it is closed.
type Dialer func(ctx context.Context, id GatewayIdentity, onEvent func(Event)) (Gateway, error)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Hub.
type Options struct {
	// Dialer opens gateway connections. Required.
	Dialer Dialer

	// Logger is optional.
	Logger Logger
}

// GatewayStatus describes one registry entry.
type GatewayStatus struct {
	Address   string   `json:"address"`
	Connected bool     `json:"connected"`
	SIDs      []string `json:"sids"`
}

type entry struct {
	id GatewayIdentity
	gw Gateway
}

type registration struct {
	gateway string
	handler Handler
}

// Hub owns the gateway registry and the sid routing table.
//
// Thread Safety: All methods are safe for concurrent use. UpdateGateways
// calls are serialized.
type Hub struct {
	dial   Dialer
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc

	updateMu sync.Mutex

	mu       sync.RWMutex
	gateways map[string]*entry
	handlers map[string]registration
	// owners maps a sid to the gateway address that last reported it.
	owners map[string]string
	closed bool
}

// New creates an empty hub.
func New(opts Options) (*Hub, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		dial:     opts.Dialer,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		gateways: make(map[string]*entry),
		handlers: make(map[string]registration),
		owners:   make(map[string]string),
	}, nil
}

// UpdateGateways makes the registry match ids. Gateways whose address and
// token are unchanged keep their connection; a changed token replaces it.
// Entries that fail to dial are left out and reported in the returned
// error; the rest of the set is still applied.
func (h *Hub) UpdateGateways(ctx context.Context, ids []GatewayIdentity) error {
	h.updateMu.Lock()
	defer h.updateMu.Unlock()

	var errs []error
	desired := make(map[string]GatewayIdentity, len(ids))
	for _, id := range ids {
		id.Address = strings.TrimSpace(id.Address)
		id.Token = strings.TrimSpace(id.Token)
		if id.Address == "" {
			errs = append(errs, fmt.Errorf("%w: empty address", ErrInvalidGateway))
			continue
		}
		desired[id.Address] = id
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	var (
		removed []*entry
		added   []GatewayIdentity
	)
	for addr, e := range h.gateways {
		if want, ok := desired[addr]; !ok || want.Token != e.id.Token {
			delete(h.gateways, addr)
			removed = append(removed, e)
			for sid, owner := range h.owners {
				if owner == addr {
					delete(h.owners, sid)
				}
			}
		}
	}
	for addr, id := range desired {
		if _, ok := h.gateways[addr]; !ok {
			added = append(added, id)
		}
	}
	h.mu.Unlock()

	for _, e := range removed {
		h.closeEntry(e)
		h.logInfo("gateway removed", "address", e.id.Address)
	}

	sort.Slice(added, func(i, j int) bool { return added[i].Address < added[j].Address })
	for _, id := range added {
		if err := h.connect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	metrics.GatewaysConnected.Set(float64(h.connectedCount()))
	return errors.Join(errs...)
}

func (h *Hub) connect(ctx context.Context, id GatewayIdentity) error {
	e := &entry{id: id}

	// The entry is visible before the dial returns so events sent in
	// reply to the initial handshake are not lost.
	h.mu.Lock()
	h.gateways[id.Address] = e
	h.mu.Unlock()

	gw, err := h.dial(ctx, id, h.router(e))
	if err != nil {
		h.mu.Lock()
		if h.gateways[id.Address] == e {
			delete(h.gateways, id.Address)
		}
		h.mu.Unlock()
		h.logWarn("gateway connection failed", "address", id.Address, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrDial, id.Address, err)
	}

	h.mu.Lock()
	e.gw = gw
	h.mu.Unlock()
	h.logInfo("gateway connected", "address", id.Address)
	return nil
}

func (h *Hub) closeEntry(e *entry) {
	h.mu.RLock()
	gw := e.gw
	h.mu.RUnlock()
	if gw == nil {
		return
	}
	if err := gw.Close(); err != nil {
		h.logDebug("closing gateway", "address", e.id.Address, "error", err)
	}
}

// router returns the event callback handed to the dialer for e.
func (h *Hub) router(e *entry) func(Event) {
	return func(ev Event) {
		ev.Gateway = e.id.Address

		h.mu.Lock()
		if h.closed || h.gateways[e.id.Address] != e {
			h.mu.Unlock()
			metrics.HubEvents.WithLabelValues(outcomeStale).Inc()
			return
		}
		if ev.SID != "" {
			h.owners[ev.SID] = e.id.Address
		}
		reg, ok := h.handlers[ev.SID]
		h.mu.Unlock()

		if !ok {
			metrics.HubEvents.WithLabelValues(outcomeDropped).Inc()
			h.logDebug("event for unregistered sid dropped", "sid", ev.SID, "cmd", ev.Cmd)
			return
		}
		h.deliver(reg.handler, ev)
	}
}

func (h *Hub) deliver(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HubEvents.WithLabelValues(outcomePanic).Inc()
			h.logError("sub-device handler panicked", "sid", ev.SID, "panic", fmt.Sprint(r))
		}
	}()
	handler.OnEvent(h.ctx, ev)
	metrics.HubEvents.WithLabelValues(outcomeRouted).Inc()
}

// Register routes events for sid to handler. gateway is an optional
// address hint used by SendWrite until the owning gateway reports the sid.
func (h *Hub) Register(sid, gateway string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[sid] = registration{gateway: strings.TrimSpace(gateway), handler: handler}
}

// Unregister removes the handler for sid.
func (h *Hub) Unregister(sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, sid)
}

// SendWrite forwards data to the gateway owning sid. It does not retry.
func (h *Hub) SendWrite(ctx context.Context, sid string, data map[string]string) error {
	gw, addr := h.ownerOf(sid)
	if gw == nil {
		metrics.HubWrites.WithLabelValues(metrics.ResultFailure).Inc()
		return fmt.Errorf("%w: sid %s", ErrGatewayNotFound, sid)
	}

	if err := gw.Write(ctx, sid, data); err != nil {
		metrics.HubWrites.WithLabelValues(metrics.ResultFailure).Inc()
		h.logWarn("sub-device write failed", "sid", sid, "gateway", addr, "error", err)
		return fmt.Errorf("%w: sid %s via %s: %w", ErrWriteFailed, sid, addr, err)
	}
	metrics.HubWrites.WithLabelValues(metrics.ResultSuccess).Inc()
	return nil
}

// ownerOf resolves the gateway for sid: the gateway that last reported it,
// then the registration hint, then any gateway listing it.
func (h *Hub) ownerOf(sid string) (Gateway, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if addr, ok := h.owners[sid]; ok {
		if e := h.gateways[addr]; e != nil && e.gw != nil {
			return e.gw, addr
		}
	}
	if reg, ok := h.handlers[sid]; ok && reg.gateway != "" {
		if e := h.gateways[reg.gateway]; e != nil && e.gw != nil {
			return e.gw, reg.gateway
		}
	}
	addrs := make([]string, 0, len(h.gateways))
	for addr := range h.gateways {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		e := h.gateways[addr]
		if e.gw != nil && slices.Contains(e.gw.SIDs(), sid) {
			return e.gw, addr
		}
	}
	return nil, ""
}

// Gateways lists the registry sorted by address.
func (h *Hub) Gateways() []GatewayStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]GatewayStatus, 0, len(h.gateways))
	for addr, e := range h.gateways {
		st := GatewayStatus{Address: addr, Connected: e.gw != nil, SIDs: []string{}}
		if e.gw != nil {
			st.SIDs = append(st.SIDs, e.gw.SIDs()...)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (h *Hub) connectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, e := range h.gateways {
		if e.gw != nil {
			n++
		}
	}
	return n
}

// Close closes every gateway. Events arriving afterwards are dropped.
func (h *Hub) Close() error {
	h.updateMu.Lock()
	defer h.updateMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	entries := make([]*entry, 0, len(h.gateways))
	for _, e := range h.gateways {
		entries = append(entries, e)
	}
	h.gateways = make(map[string]*entry)
	h.mu.Unlock()

	h.cancel()
	var errs []error
	for _, e := range entries {
		if e.gw == nil {
			continue
		}
		if err := e.gw.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.GatewaysConnected.Set(0)
	return errors.Join(errs...)
}

func (h *Hub) logDebug(msg string, kv ...any) {
	if h.logger != nil {
		h.logger.Debug(msg, kv...)
	}
}

func (h *Hub) logInfo(msg string, kv ...any) {
	if h.logger != nil {
		h.logger.Info(msg, kv...)
	}
}

func (h *Hub) logWarn(msg string, kv ...any) {
	if h.logger != nil {
		h.logger.Warn(msg, kv...)
	}
}

func (h *Hub) logError(msg string, kv ...any) {
	if h.logger != nil {
		h.logger.Error(msg, kv...)
	}
}

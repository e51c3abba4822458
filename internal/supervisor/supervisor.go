package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/clock"
	"github.com/ApplY3D/com.xiaomi-miio/internal/metrics"
)

// Timing constants.
const (
	// DefaultPollInterval is used when Options.PollInterval is zero.
	DefaultPollInterval = 60 * time.Second

	// ConnectRetryDelay is the fixed backoff after a failed connect.
	ConnectRetryDelay = 10 * time.Second

	// RefreshInterval is the maximum age of a session.
	RefreshInterval = time.Hour

	// RefreshGrace is the delay between dropping a session on refresh and
	// opening the next one.
	RefreshGrace = 2 * time.Second

	// UnreachableReason is passed to SetUnavailable.
	UnreachableReason = "Device unreachable"
)

// Reconnect reasons, used as metric labels.
const (
	reasonConnectFailed = "connect_failed"
	reasonPollFailed    = "poll_failed"
	reasonRefresh       = "refresh"
	reasonCommand       = "unreachable_command"
	reasonStart         = "start"
)

// State is the connection state of a supervisor.
type State int

// Supervisor states.
const (
	Disconnected State = iota
	Connecting
	Connected
	// Degraded means the session is live but the last command on it failed.
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Identity is where a device lives and the token that unlocks it.
type Identity struct {
	Address string
	Token   string
}

// Session is a live connection to one device. Polling needs it to also
// be a HumidifierSession or a StatusSession.
type Session interface {
	SetPower(ctx context.Context, on bool) error
	Call(ctx context.Context, method string, params any, retries int) (json.RawMessage, error)
	Destroy() error
}

// HumidifierSession is polled with four sequential reads.
// *miio.Humidifier implements it.
type HumidifierSession interface {
	Session
	Power(ctx context.Context) (bool, error)
	Temperature(ctx context.Context) (float64, error)
	RelativeHumidity(ctx context.Context) (float64, error)
	Mode(ctx context.Context) (string, error)
}

// StatusSession is polled with a single status read that yields every
// value at once.
type StatusSession interface {
	Session
	ReadStatus(ctx context.Context) ([]capability.Change, error)
}

// ConnectFunc opens a session.
type ConnectFunc func(ctx context.Context, id Identity) (Session, error)

// Device is the platform side of a supervised device.
type Device interface {
	capability.Target
	Available() bool
	SetAvailable(ctx context.Context) error
	SetUnavailable(ctx context.Context, reason string) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Supervisor.
type Options struct {
	// ID names the device in logs and metrics.
	ID string

	// Identity is the device address and token. Fixed for the
	// supervisor's lifetime; recreate the supervisor to change it.
	Identity Identity

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Connect opens sessions.
	Connect ConnectFunc

	// Device receives capability writes and availability changes.
	Device Device

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger is optional.
	Logger Logger

	// OnStateChange is optional and called without locks held.
	OnStateChange func(State)
}

// slot holds the single pending timer of one role. seq changes whenever
// the slot is re-armed or stopped so that callbacks already in flight can
// tell they are stale.
type slot struct {
	timer clock.Timer
	seq   uint64
}

// Supervisor runs the connect/poll/recover cycle of one device.
//
// Thread Safety: All methods are safe for concurrent use. Timer callbacks
// are serialized with each other.
type Supervisor struct {
	id       string
	identity Identity
	interval time.Duration
	connect  ConnectFunc
	device   Device
	clock    clock.Clock
	logger   Logger
	onState  func(State)

	ctx    context.Context
	cancel context.CancelFunc

	// taskMu serializes connect, poll and refresh runs.
	taskMu sync.Mutex

	// writeMu is held for reading while a task writes to the device and
	// for writing by Delete, so nothing lands once Delete has returned.
	writeMu sync.RWMutex

	mu      sync.Mutex
	state   State
	session Session
	// epoch increments whenever session is replaced.
	epoch     uint64
	last      *capability.Snapshot
	started   bool
	deleted   bool
	// markOnConnect asks the next connect run to mark the device
	// unavailable before dialing.
	markOnConnect bool
	poll      slot
	reconnect slot
	refresh   slot
}

// New creates a supervisor in the Disconnected state. Call Start to begin.
func New(opts Options) (*Supervisor, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if opts.Connect == nil {
		return nil, fmt.Errorf("connect func is required")
	}
	if opts.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		id:       opts.ID,
		identity: opts.Identity,
		interval: interval,
		connect:  opts.Connect,
		device:   opts.Device,
		clock:    clk,
		logger:   opts.Logger,
		onState:  opts.OnStateChange,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// ID returns the device id.
func (s *Supervisor) ID() string { return s.id }

// Identity returns the address and token the supervisor was built with.
func (s *Supervisor) Identity() Identity { return s.identity }

// PollInterval returns the effective poll interval.
func (s *Supervisor) PollInterval() time.Duration { return s.interval }

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSnapshot returns the last fully successful poll of a humidifier.
func (s *Supervisor) LastSnapshot() (capability.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return capability.Snapshot{}, false
	}
	return *s.last, true
}

// Start schedules the first connect, which marks the device unavailable
// before dialing. Calling it again has no effect.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.deleted {
		return
	}
	s.started = true
	s.markOnConnect = true
	s.scheduleReconnectLocked(0, reasonStart)
}

// Delete stops every timer and destroys the session. It is idempotent and
// safe on a supervisor that never connected. Calls in flight may still
// complete; their results are discarded.
func (s *Supervisor) Delete() {
	s.writeMu.Lock()
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return
	}
	s.deleted = true
	s.stopLocked(&s.poll)
	s.stopLocked(&s.reconnect)
	s.stopLocked(&s.refresh)
	sess := s.session
	s.session = nil
	s.epoch++
	changed := s.setStateLocked(Disconnected)
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.cancel()
	s.destroy(sess)
	s.notify(changed, Disconnected)
	s.logInfo("supervisor deleted")
}

// SetPower switches the device on or off. Without a session it fails with
// ErrUnreachable and schedules an immediate connect attempt.
func (s *Supervisor) SetPower(ctx context.Context, on bool) error {
	sess, err := s.sessionForCommand(true)
	if err != nil {
		return err
	}
	if err := sess.SetPower(ctx, on); err != nil {
		s.mu.Lock()
		changed := false
		if s.session == sess && s.state == Connected {
			changed = s.setStateLocked(Degraded)
		}
		s.mu.Unlock()
		s.notify(changed, Degraded)
		return fmt.Errorf("%w: set power: %w", ErrCall, err)
	}
	return nil
}

// Call issues a raw command on the session. Failures are returned to the
// caller and do not change reachability.
func (s *Supervisor) Call(ctx context.Context, method string, params any, retries int) (json.RawMessage, error) {
	sess, err := s.sessionForCommand(false)
	if err != nil {
		return nil, err
	}
	result, err := sess.Call(ctx, method, params, retries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCall, err)
	}
	return result, nil
}

func (s *Supervisor) sessionForCommand(reconnect bool) (Session, error) {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return nil, ErrDeleted
	}
	if s.session != nil {
		sess := s.session
		s.mu.Unlock()
		return sess, nil
	}
	if reconnect && s.state != Connecting {
		s.markOnConnect = true
		s.scheduleReconnectLocked(0, reasonCommand)
	}
	s.mu.Unlock()
	return nil, ErrUnreachable
}

// runConnect opens a new session, replacing any existing one.
func (s *Supervisor) runConnect(seq uint64) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	s.mu.Lock()
	if s.deleted || s.reconnect.seq != seq {
		s.mu.Unlock()
		return
	}
	s.reconnect.timer = nil
	old := s.session
	s.session = nil
	s.epoch++
	s.stopLocked(&s.poll)
	changed := s.setStateLocked(Connecting)
	markFirst := s.markOnConnect
	s.markOnConnect = false
	epoch := s.epoch
	ctx := s.ctx
	s.mu.Unlock()

	s.notify(changed, Connecting)
	s.destroy(old)
	if markFirst {
		s.whileCurrent(epoch, s.markUnavailable)
	}

	sess, err := s.connect(ctx, s.identity)

	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		if err == nil {
			s.destroy(sess)
		}
		return
	}
	if err != nil {
		changed = s.setStateLocked(Disconnected)
		s.scheduleReconnectLocked(ConnectRetryDelay, reasonConnectFailed)
		epoch = s.epoch
		s.mu.Unlock()

		metrics.ConnectAttempts.WithLabelValues(s.id, metrics.ResultFailure).Inc()
		s.notify(changed, Disconnected)
		s.logWarn("connect failed", "error", fmt.Errorf("%w: %w", ErrConnect, err), "retry_in", ConnectRetryDelay)
		s.whileCurrent(epoch, s.markUnavailable)
		return
	}

	s.session = sess
	s.epoch++
	epoch = s.epoch
	changed = s.setStateLocked(Connected)
	s.armLocked(&s.poll, s.interval, s.runPoll)
	if s.refresh.timer == nil {
		s.armLocked(&s.refresh, RefreshInterval, s.runRefresh)
	}
	s.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues(s.id, metrics.ResultSuccess).Inc()
	s.notify(changed, Connected)
	s.logInfo("connected", "poll_interval", s.interval)
	s.whileCurrent(epoch, s.markAvailable)
}

// runPoll reads the device and reconciles the result against its current
// capability values. Any failed read abandons the tick without writing
// anything.
func (s *Supervisor) runPoll(seq uint64) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	s.mu.Lock()
	if s.deleted || s.poll.seq != seq || s.session == nil {
		s.mu.Unlock()
		return
	}
	s.armLocked(&s.poll, s.interval, s.runPoll)
	sess := s.session
	epoch := s.epoch
	ctx := s.ctx
	s.mu.Unlock()

	changes, snap, err := readChanges(ctx, sess)

	s.mu.Lock()
	if s.deleted || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.stopLocked(&s.poll)
		s.session = nil
		s.epoch++
		changed := s.setStateLocked(Disconnected)
		s.scheduleReconnectLocked(s.interval, reasonPollFailed)
		epoch = s.epoch
		s.mu.Unlock()

		metrics.Polls.WithLabelValues(s.id, metrics.ResultFailure).Inc()
		s.destroy(sess)
		s.notify(changed, Disconnected)
		s.logWarn("poll failed", "error", fmt.Errorf("%w: %w", ErrSession, err), "retry_in", s.interval)
		s.whileCurrent(epoch, s.markUnavailable)
		return
	}

	if snap != nil {
		s.last = snap
	}
	changed := false
	if s.state == Degraded {
		changed = s.setStateLocked(Connected)
	}
	s.mu.Unlock()

	metrics.Polls.WithLabelValues(s.id, metrics.ResultSuccess).Inc()
	s.notify(changed, Connected)

	target := liveTarget{s: s, epoch: epoch}
	written, err := capability.Apply(ctx, target, changes)
	if errors.Is(err, errStale) {
		s.logDebug("discarding poll result of a replaced session")
		return
	}
	if err != nil {
		s.logError("applying poll result", "error", err)
	}
	if written > 0 {
		s.logDebug("poll reconciled", "written", written)
	}
	s.whileCurrent(epoch, s.markAvailable)
}

// whileCurrent runs fn only if the supervisor is alive and epoch is still
// the current session's. Delete waits for fn to return.
func (s *Supervisor) whileCurrent(epoch uint64, fn func()) bool {
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	s.mu.Lock()
	live := !s.deleted && s.epoch == epoch
	s.mu.Unlock()
	if !live {
		return false
	}
	fn()
	return true
}

// liveTarget forwards writes to the device while its epoch is current and
// fails them with errStale afterwards.
type liveTarget struct {
	s     *Supervisor
	epoch uint64
}

func (t liveTarget) GetCapabilityValue(name string) (any, bool) {
	return t.s.device.GetCapabilityValue(name)
}

func (t liveTarget) GetStoreValue(key string) (any, bool) {
	return t.s.device.GetStoreValue(key)
}

func (t liveTarget) SetCapabilityValue(ctx context.Context, name string, value any) error {
	var err error
	if !t.s.whileCurrent(t.epoch, func() { err = t.s.device.SetCapabilityValue(ctx, name, value) }) {
		return errStale
	}
	return err
}

func (t liveTarget) SetStoreValue(ctx context.Context, key string, value any) error {
	var err error
	if !t.s.whileCurrent(t.epoch, func() { err = t.s.device.SetStoreValue(ctx, key, value) }) {
		return errStale
	}
	return err
}

// runRefresh drops the session and reconnects shortly after, whatever the
// device's health. Availability is left alone.
func (s *Supervisor) runRefresh(seq uint64) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	s.mu.Lock()
	if s.deleted || s.refresh.seq != seq {
		s.mu.Unlock()
		return
	}
	s.armLocked(&s.refresh, RefreshInterval, s.runRefresh)
	sess := s.session
	s.session = nil
	s.epoch++
	s.stopLocked(&s.poll)
	changed := s.setStateLocked(Disconnected)
	s.scheduleReconnectLocked(RefreshGrace, reasonRefresh)
	s.mu.Unlock()

	s.destroy(sess)
	s.notify(changed, Disconnected)
	s.logInfo("refreshing session")
}

// readChanges polls sess. Only humidifier sessions yield a snapshot.
func readChanges(ctx context.Context, sess Session) ([]capability.Change, *capability.Snapshot, error) {
	switch sess := sess.(type) {
	case HumidifierSession:
		snap, err := readSnapshot(ctx, sess)
		if err != nil {
			return nil, nil, err
		}
		return snap.Changes(), &snap, nil
	case StatusSession:
		changes, err := sess.ReadStatus(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("status: %w", err)
		}
		return changes, nil, nil
	default:
		return nil, nil, fmt.Errorf("session %T cannot be polled", sess)
	}
}

func readSnapshot(ctx context.Context, sess HumidifierSession) (capability.Snapshot, error) {
	var (
		snap capability.Snapshot
		err  error
	)
	if snap.Power, err = sess.Power(ctx); err != nil {
		return capability.Snapshot{}, fmt.Errorf("power: %w", err)
	}
	if snap.Temperature, err = sess.Temperature(ctx); err != nil {
		return capability.Snapshot{}, fmt.Errorf("temperature: %w", err)
	}
	if snap.Humidity, err = sess.RelativeHumidity(ctx); err != nil {
		return capability.Snapshot{}, fmt.Errorf("relative humidity: %w", err)
	}
	if snap.Mode, err = sess.Mode(ctx); err != nil {
		return capability.Snapshot{}, fmt.Errorf("mode: %w", err)
	}
	return snap, nil
}

// scheduleReconnectLocked replaces any pending reconnect.
func (s *Supervisor) scheduleReconnectLocked(d time.Duration, reason string) {
	s.armLocked(&s.reconnect, d, s.runConnect)
	metrics.ReconnectsScheduled.WithLabelValues(s.id, reason).Inc()
}

func (s *Supervisor) armLocked(sl *slot, d time.Duration, run func(seq uint64)) {
	s.stopLocked(sl)
	seq := sl.seq
	sl.timer = s.clock.AfterFunc(d, func() { run(seq) })
}

func (s *Supervisor) stopLocked(sl *slot) {
	if sl.timer != nil {
		sl.timer.Stop()
		sl.timer = nil
	}
	sl.seq++
}

func (s *Supervisor) setStateLocked(st State) bool {
	if s.state == st {
		return false
	}
	s.state = st
	return true
}

func (s *Supervisor) notify(changed bool, st State) {
	if changed && s.onState != nil {
		s.onState(st)
	}
}

func (s *Supervisor) destroy(sess Session) {
	if sess == nil {
		return
	}
	if err := sess.Destroy(); err != nil {
		s.logDebug("destroying session", "error", err)
	}
}

func (s *Supervisor) markAvailable() {
	if s.device.Available() {
		return
	}
	if err := s.device.SetAvailable(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logError("marking available", "error", err)
	}
}

func (s *Supervisor) markUnavailable() {
	if err := s.device.SetUnavailable(s.ctx, UnreachableReason); err != nil && !errors.Is(err, context.Canceled) {
		s.logError("marking unavailable", "error", err)
	}
}

func (s *Supervisor) logDebug(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, append([]any{"device_id", s.id}, kv...)...)
	}
}

func (s *Supervisor) logInfo(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Info(msg, append([]any{"device_id", s.id}, kv...)...)
	}
}

func (s *Supervisor) logWarn(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, append([]any{"device_id", s.id}, kv...)...)
	}
}

func (s *Supervisor) logError(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Error(msg, append([]any{"device_id", s.id}, kv...)...)
	}
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/actions"
	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/clock"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/config"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/logging"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/mqtt"
	"github.com/ApplY3D/com.xiaomi-miio/internal/miio"
	"github.com/ApplY3D/com.xiaomi-miio/internal/platform"
	"github.com/ApplY3D/com.xiaomi-miio/internal/subdevice"
	"github.com/ApplY3D/com.xiaomi-miio/internal/supervisor"
)

// Per-device setting keys of supervised devices.
const (
	SettingAddress = "address"
	SettingToken   = "token"
	SettingPolling = "polling"
)

// Device kinds reported by Devices.
const (
	KindMiio      = "miio"
	KindSubDevice = "subdevice"
)

const (
	// commandTimeout bounds one MQTT command.
	commandTimeout = 10 * time.Second

	// gatewayUpdateTimeout bounds applying a gatewaysList change.
	gatewayUpdateTimeout = 30 * time.Second
)

// identitySettings are the settings whose change recreates a supervisor.
var identitySettings = []string{SettingAddress, SettingToken, SettingPolling}

// MQTTClient is the part of the MQTT client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// GatewayHub routes sub-device traffic. *hub.Hub implements it.
type GatewayHub interface {
	UpdateGateways(ctx context.Context, ids []hub.GatewayIdentity) error
	Register(sid, gateway string, handler hub.Handler)
	Unregister(sid string)
	SendWrite(ctx context.Context, sid string, data map[string]string) error
	Gateways() []hub.GatewayStatus
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds the bridge's collaborators.
type Options struct {
	// Config is the loaded configuration.
	Config *config.Config

	// MQTTClient carries commands in and state out.
	MQTTClient MQTTClient

	// Hub routes gateway sub-devices.
	Hub GatewayHub

	// Repository persists device values and app settings. Optional.
	Repository platform.Repository

	// Telemetry records measurements. Optional.
	Telemetry platform.Telemetry

	// Sessions defaults to MiioSessions(0).
	Sessions SessionFactory

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger is optional.
	Logger Logger

	// Version is reported in health messages.
	Version string

	// HealthInterval defaults to DefaultHealthInterval.
	HealthInterval time.Duration
}

type miioDevice struct {
	dev     *platform.Device
	kind    miio.Kind
	connect supervisor.ConnectFunc
	sup     *supervisor.Supervisor
}

type subDevice struct {
	dev     *platform.Device
	sid     string
	handler subdevice.Handler
}

// DeviceStatus is one device as reported by Devices.
type DeviceStatus struct {
	platform.View
	Kind         string `json:"kind"`
	State        string `json:"state,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	SID          string `json:"sid,omitempty"`

	// Actions lists the actions RunAction accepts for the device.
	Actions []string `json:"actions,omitempty"`

	// Settings has the token redacted.
	Settings map[string]any `json:"settings"`
}

// Bridge connects the configured devices to MQTT.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg      *config.Config
	mqtt     MQTTClient
	hub      GatewayHub
	repo     platform.Repository
	tel      platform.Telemetry
	sessions SessionFactory
	clock    clock.Clock
	logger   Logger

	registry *platform.Registry
	settings *platform.AppSettings
	health   *HealthReporter

	mu       sync.RWMutex
	miio     map[string]*miioDevice
	subs     map[string]*subDevice
	gateways int
	// recreateMu serializes supervisor replacement.
	recreateMu sync.Mutex

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New creates a bridge. Call Start to build the devices and begin.
func New(opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = MiioSessions(0)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       opts.Config,
		mqtt:      opts.MQTTClient,
		hub:       opts.Hub,
		repo:      opts.Repository,
		tel:       opts.Telemetry,
		sessions:  sessions,
		clock:     clk,
		logger:    opts.Logger,
		registry:  platform.NewRegistry(opts.Repository),
		settings:  platform.NewAppSettings(opts.Repository),
		miio:      make(map[string]*miioDevice),
		subs:      make(map[string]*subDevice),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Counts:    b.healthCounts,
		Logger:    opts.Logger,
	})
	return b, nil
}

// Start builds every configured device, applies the gatewaysList setting,
// subscribes to commands and settings, and starts the supervisors.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	seed, err := b.cfg.GatewaysJSON()
	if err != nil {
		return fmt.Errorf("encoding configured gateways: %w", err)
	}
	if err := b.settings.Seed(ctx, platform.SettingGatewaysList, seed); err != nil {
		return fmt.Errorf("seeding gatewaysList: %w", err)
	}
	b.settings.OnChange(b.onSettingChanged)

	for _, dc := range b.cfg.Devices {
		if err := b.addMiioDevice(ctx, dc); err != nil {
			return fmt.Errorf("device %s: %w", dc.ID, err)
		}
	}
	for _, sc := range b.cfg.SubDevices {
		if err := b.addSubDevice(ctx, sc); err != nil {
			return fmt.Errorf("sub-device %s: %w", sc.ID, err)
		}
	}

	current, err := b.settings.Get(ctx, platform.SettingGatewaysList)
	if err != nil {
		return fmt.Errorf("reading gatewaysList: %w", err)
	}
	b.applyGateways(ctx, current)

	topics := mqtt.Topics{}
	if err := b.mqtt.Subscribe(topics.AllDeviceCommands(), 1, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	if err := b.mqtt.Subscribe(topics.Setting(platform.SettingGatewaysList), 1, b.handleSetting); err != nil {
		return fmt.Errorf("subscribe to settings: %w", err)
	}

	b.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(b.miio))
	for _, md := range b.miio {
		sups = append(sups, md.sup)
	}
	devices, subs := len(b.miio), len(b.subs)
	b.mu.RUnlock()
	for _, sup := range sups {
		sup.Start()
	}

	b.health.Start(b.ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}

	b.logInfo("bridge started", "devices", devices, "subdevices", subs)
	return nil
}

// Stop deletes every supervisor, stops the sub-device timers and ends
// health reporting. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		b.mu.Lock()
		miioDevices := b.miio
		subs := b.subs
		b.miio = make(map[string]*miioDevice)
		b.subs = make(map[string]*subDevice)
		b.mu.Unlock()

		for _, md := range miioDevices {
			md.sup.Delete()
		}
		for _, sd := range subs {
			b.hub.Unregister(sd.sid)
			sd.handler.Close()
		}

		b.wg.Wait()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

func (b *Bridge) stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bridge) newPlatformDevice(ctx context.Context, id, name, kind string, settings map[string]any) (*platform.Device, error) {
	return platform.NewDevice(ctx, platform.DeviceOptions{
		ID:         id,
		Name:       name,
		Type:       kind,
		Settings:   settings,
		Repository: b.repo,
		Publisher:  b.mqtt,
		Telemetry:  b.tel,
		Logger:     b.logger,
	})
}

func (b *Bridge) addMiioDevice(ctx context.Context, dc config.DeviceConfig) error {
	connect, err := b.sessions(dc.Model)
	if err != nil {
		return err
	}
	dev, err := b.newPlatformDevice(ctx, dc.ID, dc.Name, dc.Model, map[string]any{
		SettingAddress: dc.Address,
		SettingToken:   dc.Token,
		SettingPolling: dc.PollInterval().Seconds(),
	})
	if err != nil {
		return err
	}

	// Models served by a custom SessionFactory may have no known kind;
	// such devices run no miio actions.
	kind, _ := miio.KindOf(dc.Model)
	md := &miioDevice{dev: dev, kind: kind, connect: connect}
	md.sup, err = b.newSupervisor(md)
	if err != nil {
		return err
	}
	if err := b.registry.Add(dev); err != nil {
		return err
	}

	id := dc.ID
	dev.RegisterCapabilityListener(capability.OnOff, func(ctx context.Context, value any) error {
		on, err := capability.Bool(value)
		if err != nil {
			return err
		}
		sup, err := b.supervisorFor(id)
		if err != nil {
			return err
		}
		return sup.SetPower(ctx, on)
	})

	b.mu.Lock()
	b.miio[id] = md
	b.mu.Unlock()
	return nil
}

func (b *Bridge) newSupervisor(md *miioDevice) (*supervisor.Supervisor, error) {
	id := md.dev.ID()
	identity, interval := identityFromSettings(md.dev)
	return supervisor.New(supervisor.Options{
		ID:           id,
		Identity:     identity,
		PollInterval: interval,
		Connect:      md.connect,
		Device:       md.dev,
		Clock:        b.clock,
		Logger:       b.logger,
		OnStateChange: func(st supervisor.State) {
			b.logDebug("supervisor state changed", "device_id", id, "state", st.String())
		},
	})
}

func identityFromSettings(dev *platform.Device) (supervisor.Identity, time.Duration) {
	var identity supervisor.Identity
	if v, ok := dev.GetSetting(SettingAddress); ok {
		identity.Address, _ = capability.String(v)
	}
	if v, ok := dev.GetSetting(SettingToken); ok {
		identity.Token, _ = capability.String(v)
	}
	var interval time.Duration
	if v, ok := dev.GetSetting(SettingPolling); ok {
		if secs, err := capability.Float(v); err == nil && secs > 0 {
			interval = time.Duration(secs * float64(time.Second))
		}
	}
	return identity, interval
}

func (b *Bridge) addSubDevice(ctx context.Context, sc config.SubDeviceConfig) error {
	dev, err := b.newPlatformDevice(ctx, sc.ID, sc.Name, sc.Type, map[string]any{
		subdevice.SettingReverted: sc.Reverted,
	})
	if err != nil {
		return err
	}
	handler, err := subdevice.New(sc.Type, subdevice.Options{
		SID:    sc.SID,
		Device: dev,
		Writer: b.hub,
		Clock:  b.clock,
		Logger: b.logger,
	})
	if err != nil {
		return err
	}
	if err := b.registry.Add(dev); err != nil {
		handler.Close()
		return err
	}

	b.mu.Lock()
	b.subs[sc.ID] = &subDevice{dev: dev, sid: sc.SID, handler: handler}
	b.mu.Unlock()

	b.hub.Register(sc.SID, sc.Gateway, handler)
	return nil
}

func (b *Bridge) supervisorFor(id string) (*supervisor.Supervisor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	md, ok := b.miio[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", platform.ErrDeviceNotFound, id)
	}
	return md.sup, nil
}

// SetCapability runs the capability listener of a device and commits the
// value when it succeeds.
func (b *Bridge) SetCapability(ctx context.Context, deviceID, name string, value any) error {
	if b.stopped() {
		return ErrStopped
	}
	dev, err := b.registry.Get(deviceID)
	if err != nil {
		return err
	}
	return dev.Trigger(ctx, name, value)
}

// RunAction runs a named action against a device.
func (b *Bridge) RunAction(ctx context.Context, deviceID, action string, params actions.Params) error {
	if b.stopped() {
		return ErrStopped
	}
	target, err := b.actionTarget(deviceID)
	if err != nil {
		return err
	}
	return actions.Run(ctx, target, action, params)
}

func (b *Bridge) actionTarget(id string) (actions.Target, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.actionTargetLocked(id)
}

func (b *Bridge) actionTargetLocked(id string) (actions.Target, error) {
	if md, ok := b.miio[id]; ok {
		return actions.Target{Caller: md.sup, Kind: md.kind, Store: md.dev}, nil
	}
	if sd, ok := b.subs[id]; ok {
		t := actions.Target{Store: sd.dev}
		if sw, ok := sd.handler.(actions.RightSwitch); ok {
			t.Switch = sw
		}
		return t, nil
	}
	return actions.Target{}, fmt.Errorf("%w: %s", platform.ErrDeviceNotFound, id)
}

// UpdateDeviceSettings merges new per-device settings and returns the keys
// that changed. A changed address, token or polling interval replaces the
// device's supervisor: the old one is deleted before the new one starts.
func (b *Bridge) UpdateDeviceSettings(ctx context.Context, deviceID string, values map[string]any) ([]string, error) {
	if b.stopped() {
		return nil, ErrStopped
	}
	dev, err := b.registry.Get(deviceID)
	if err != nil {
		return nil, err
	}
	if err := validateSettings(values); err != nil {
		return nil, err
	}

	b.recreateMu.Lock()
	defer b.recreateMu.Unlock()

	changed := dev.UpdateSettings(values)
	if !slices.ContainsFunc(changed, func(k string) bool { return slices.Contains(identitySettings, k) }) {
		return changed, nil
	}

	b.mu.RLock()
	md, ok := b.miio[deviceID]
	b.mu.RUnlock()
	if !ok {
		return changed, nil
	}

	next, err := b.newSupervisor(md)
	if err != nil {
		return changed, err
	}
	b.mu.Lock()
	old := md.sup
	md.sup = next
	b.mu.Unlock()

	old.Delete()
	next.Start()
	b.logInfo("supervisor recreated", "device_id", deviceID, "changed", strings.Join(changed, ","))
	return changed, nil
}

func validateSettings(values map[string]any) error {
	if v, ok := values[SettingToken]; ok {
		s, err := capability.String(v)
		if err != nil {
			return fmt.Errorf("%w: token: %w", ErrInvalidSetting, err)
		}
		if _, err := miio.ParseToken(s); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSetting, err)
		}
	}
	if v, ok := values[SettingAddress]; ok {
		s, err := capability.String(v)
		if err != nil || strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: address must be a non-empty string", ErrInvalidSetting)
		}
	}
	if v, ok := values[SettingPolling]; ok {
		secs, err := capability.Float(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("%w: polling must be a positive number of seconds", ErrInvalidSetting)
		}
	}
	if v, ok := values[subdevice.SettingReverted]; ok {
		if _, err := capability.Bool(v); err != nil {
			return fmt.Errorf("%w: reverted: %w", ErrInvalidSetting, err)
		}
	}
	return nil
}

// Devices returns every device, sorted by id.
func (b *Bridge) Devices() []DeviceStatus {
	devices := b.registry.List()

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(devices))
	for _, dev := range devices {
		st := DeviceStatus{View: dev.View()}
		if md, ok := b.miio[dev.ID()]; ok {
			st.Kind = KindMiio
			st.State = md.sup.State().String()
			st.PollInterval = md.sup.PollInterval().String()
		} else if sd, ok := b.subs[dev.ID()]; ok {
			st.Kind = KindSubDevice
			st.SID = sd.sid
		}
		if t, err := b.actionTargetLocked(dev.ID()); err == nil {
			st.Actions = actions.Supported(t)
		}
		st.Settings = dev.Settings()
		if tok, ok := st.Settings[SettingToken].(string); ok {
			st.Settings[SettingToken] = logging.Redact(tok)
		}
		out = append(out, st)
	}
	return out
}

// Device returns one device.
func (b *Bridge) Device(id string) (DeviceStatus, error) {
	for _, st := range b.Devices() {
		if st.ID == id {
			return st, nil
		}
	}
	return DeviceStatus{}, fmt.Errorf("%w: %s", platform.ErrDeviceNotFound, id)
}

// Gateways returns the hub's gateway status.
func (b *Bridge) Gateways() []hub.GatewayStatus {
	return b.hub.Gateways()
}

// GatewaysList returns the current gatewaysList setting.
func (b *Bridge) GatewaysList(ctx context.Context) ([]hub.GatewayIdentity, error) {
	raw, err := b.settings.Get(ctx, platform.SettingGatewaysList)
	if errors.Is(err, platform.ErrSettingNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseGatewaysList(raw)
}

// SetGatewaysList validates and stores a new gatewaysList. The hub is
// updated when the value changes.
func (b *Bridge) SetGatewaysList(ctx context.Context, raw string) error {
	if b.stopped() {
		return ErrStopped
	}
	if _, err := ParseGatewaysList(raw); err != nil {
		return err
	}
	return b.settings.Set(ctx, platform.SettingGatewaysList, strings.TrimSpace(raw))
}

func (b *Bridge) onSettingChanged(ctx context.Context, key, value string) {
	switch key {
	case platform.SettingGatewaysList:
		b.applyGateways(ctx, value)
	default:
	}
}

func (b *Bridge) applyGateways(ctx context.Context, raw string) {
	ids, err := ParseGatewaysList(raw)
	if err != nil {
		b.logError("ignoring gatewaysList", err)
		return
	}

	b.mu.Lock()
	b.gateways = len(ids)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, gatewayUpdateTimeout)
	defer cancel()
	if err := b.hub.UpdateGateways(ctx, ids); err != nil {
		b.logWarn("some gateways could not be connected", "error", err)
	}
	b.logInfo("gateways updated", "configured", len(ids))
}

// Republish publishes every device's state again. Wire it to the MQTT
// client's reconnect callback.
func (b *Bridge) Republish() {
	for _, dev := range b.registry.List() {
		dev.Republish()
	}
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
}

// Health returns the current health message.
func (b *Bridge) Health() HealthMessage {
	return b.health.Current()
}

func (b *Bridge) healthCounts() HealthCounts {
	devices := b.registry.List()
	c := HealthCounts{DevicesManaged: len(devices)}
	for _, dev := range devices {
		if dev.Available() {
			c.DevicesReachable++
		}
	}
	for _, gw := range b.hub.Gateways() {
		if gw.Connected {
			c.GatewaysConnected++
		}
	}
	b.mu.RLock()
	c.GatewaysConfigured = b.gateways
	b.mu.RUnlock()
	return c
}

func (b *Bridge) logDebug(msg string, kv ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, kv...)
	}
}

func (b *Bridge) logInfo(msg string, kv ...any) {
	if b.logger != nil {
		b.logger.Info(msg, kv...)
	}
}

func (b *Bridge) logWarn(msg string, kv ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, kv...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if b.logger != nil {
		b.logger.Error(msg, "error", err)
	}
}

package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/mqtt"
)

// Publisher sends retained state to the controller. *mqtt.Client
// implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Telemetry records measurements. *influxdb.Client implements it.
type Telemetry interface {
	WriteDeviceMetric(deviceID, capability string, value float64)
	WriteAvailability(deviceID string, available bool, reason string)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DeviceOptions configures a Device.
type DeviceOptions struct {
	ID   string
	Name string
	// Type is the configured model or sub-device type.
	Type     string
	Settings map[string]any

	// Repository, Publisher, Telemetry and Logger are optional.
	Repository Repository
	Publisher  Publisher
	Telemetry  Telemetry
	Logger     Logger
}

// AvailabilityMessage is published to miio/availability/{device}.
type AvailabilityMessage struct {
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// View is a point-in-time copy of a device for the API.
type View struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Available    bool           `json:"available"`
	Reason       string         `json:"reason,omitempty"`
	Capabilities map[string]any `json:"capabilities"`
	Store        map[string]any `json:"store"`
	Listeners    []string       `json:"listeners"`
}

// Device holds one device's platform-side state.
//
// Thread Safety: All methods are safe for concurrent use. Listeners run
// without the device lock held.
type Device struct {
	id   string
	name string
	kind string

	repo   Repository
	pub    Publisher
	tel    Telemetry
	logger Logger

	mu        sync.RWMutex
	caps      map[string]any
	store     map[string]any
	settings  map[string]any
	listeners map[string]capability.Listener
	available bool
	reason    string
}

// NewDevice creates a device, restoring persisted values when a
// repository is configured. A device starts unavailable.
func NewDevice(ctx context.Context, opts DeviceOptions) (*Device, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	d := &Device{
		id:        opts.ID,
		name:      opts.Name,
		kind:      opts.Type,
		repo:      opts.Repository,
		pub:       opts.Publisher,
		tel:       opts.Telemetry,
		logger:    opts.Logger,
		caps:      make(map[string]any),
		store:     make(map[string]any),
		settings:  make(map[string]any),
		listeners: make(map[string]capability.Listener),
	}
	maps.Copy(d.settings, opts.Settings)

	if d.repo != nil {
		caps, store, err := d.repo.LoadDevice(ctx, d.id)
		if err != nil {
			return nil, fmt.Errorf("restoring device %s: %w", d.id, err)
		}
		d.caps = caps
		d.store = store
	}
	return d, nil
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// Name returns the display name.
func (d *Device) Name() string { return d.name }

// Type returns the configured type.
func (d *Device) Type() string { return d.kind }

// GetCapabilityValue returns the current value of a capability.
func (d *Device) GetCapabilityValue(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.caps[name]
	return v, ok
}

// SetCapabilityValue stores, persists and publishes a capability value.
// The in-memory value is updated even if persistence fails.
func (d *Device) SetCapabilityValue(ctx context.Context, name string, value any) error {
	d.mu.Lock()
	d.caps[name] = value
	d.mu.Unlock()

	var errs []error
	if d.repo != nil {
		if err := d.repo.SaveCapability(ctx, d.id, name, value); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.publish(mqtt.Topics{}.DeviceCapability(d.id, name), value); err != nil {
		errs = append(errs, err)
	}
	if d.tel != nil && strings.HasPrefix(name, "measure_") {
		if f, err := capability.Float(value); err == nil {
			d.tel.WriteDeviceMetric(d.id, name, f)
		}
	}
	return errors.Join(errs...)
}

// GetStoreValue returns a private store value.
func (d *Device) GetStoreValue(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.store[key]
	return v, ok
}

// SetStoreValue stores and persists a private value. Store values are not
// published.
func (d *Device) SetStoreValue(ctx context.Context, key string, value any) error {
	d.mu.Lock()
	d.store[key] = value
	d.mu.Unlock()

	if d.repo != nil {
		return d.repo.SaveStoreValue(ctx, d.id, key, value)
	}
	return nil
}

// GetSetting returns a per-device setting.
func (d *Device) GetSetting(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.settings[key]
	return v, ok
}

// Settings returns a copy of every setting.
func (d *Device) Settings() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.settings)
}

// UpdateSettings merges values into the settings and returns the keys
// whose value changed, sorted.
func (d *Device) UpdateSettings(values map[string]any) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changed []string
	for k, v := range values {
		if old, ok := d.settings[k]; ok && capability.Equal(old, v) {
			continue
		}
		d.settings[k] = v
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed
}

// RegisterCapabilityListener sets the handler for controller requests on
// name, replacing any previous one.
func (d *Device) RegisterCapabilityListener(name string, fn capability.Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[name] = fn
}

// Trigger runs the listener for name and commits value if it succeeds.
func (d *Device) Trigger(ctx context.Context, name string, value any) error {
	d.mu.RLock()
	fn, ok := d.listeners[name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoListener, name)
	}
	if err := fn(ctx, value); err != nil {
		return err
	}
	if err := d.SetCapabilityValue(ctx, name, value); err != nil {
		d.logWarn("committing capability value", "capability", name, "error", err)
	}
	return nil
}

// Available reports whether the device is reachable.
func (d *Device) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.available
}

// SetAvailable marks the device reachable.
func (d *Device) SetAvailable(_ context.Context) error {
	return d.setAvailability(true, "")
}

// SetUnavailable marks the device unreachable with a reason.
func (d *Device) SetUnavailable(_ context.Context, reason string) error {
	return d.setAvailability(false, reason)
}

func (d *Device) setAvailability(available bool, reason string) error {
	d.mu.Lock()
	changed := d.available != available || d.reason != reason
	d.available = available
	d.reason = reason
	d.mu.Unlock()

	if !changed {
		return nil
	}
	if d.tel != nil {
		d.tel.WriteAvailability(d.id, available, reason)
	}
	d.logInfo("availability changed", "available", available, "reason", reason)
	return d.publish(mqtt.Topics{}.DeviceAvailability(d.id), AvailabilityMessage{
		Available: available,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// View returns a copy of the device state.
func (d *Device) View() View {
	d.mu.RLock()
	defer d.mu.RUnlock()

	listeners := make([]string, 0, len(d.listeners))
	for name := range d.listeners {
		listeners = append(listeners, name)
	}
	sort.Strings(listeners)

	return View{
		ID:           d.id,
		Name:         d.name,
		Type:         d.kind,
		Available:    d.available,
		Reason:       d.reason,
		Capabilities: maps.Clone(d.caps),
		Store:        maps.Clone(d.store),
		Listeners:    listeners,
	}
}

// Republish publishes every capability and the availability again, e.g.
// after the broker connection comes back.
func (d *Device) Republish() {
	view := d.View()
	for name, value := range view.Capabilities {
		if err := d.publish(mqtt.Topics{}.DeviceCapability(d.id, name), value); err != nil {
			d.logWarn("republishing capability", "capability", name, "error", err)
			return
		}
	}
	if err := d.publish(mqtt.Topics{}.DeviceAvailability(d.id), AvailabilityMessage{
		Available: view.Available,
		Reason:    view.Reason,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		d.logWarn("republishing availability", "error", err)
	}
}

func (d *Device) publish(topic string, v any) error {
	if d.pub == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", topic, err)
	}
	return d.pub.Publish(topic, payload, 1, true)
}

func (d *Device) logInfo(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Info(msg, append([]any{"device_id", d.id}, kv...)...)
	}
}

func (d *Device) logWarn(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, append([]any{"device_id", d.id}, kv...)...)
	}
}

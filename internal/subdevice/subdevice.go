package subdevice

import (
	"context"
	"fmt"

	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/clock"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
)

// Sub-device types as named in configuration.
const (
	TypeCurtain      = "curtain"
	TypeDoubleSwitch = "double_switch"
	TypeSensorHT     = "sensor_ht"
)

// Device is the platform side of a sub-device.
type Device interface {
	capability.Target
	Available() bool
	SetAvailable(ctx context.Context) error
	RegisterCapabilityListener(name string, fn capability.Listener)
	GetSetting(key string) (any, bool)
}

// Writer forwards writes to the owning gateway. *hub.Hub implements it.
type Writer interface {
	SendWrite(ctx context.Context, sid string, data map[string]string) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Handler is a sub-device registered with the hub.
type Handler interface {
	hub.Handler
	SID() string
	// Close stops any pending timers.
	Close()
}

// Options configures a handler.
type Options struct {
	SID    string
	Device Device
	Writer Writer
	// Clock defaults to the wall clock.
	Clock  clock.Clock
	Logger Logger
}

// New builds the handler for a configured sub-device type and registers
// its capability listeners on the device.
func New(kind string, opts Options) (Handler, error) {
	if opts.SID == "" {
		return nil, fmt.Errorf("sid is required")
	}
	if opts.Device == nil || opts.Writer == nil {
		return nil, fmt.Errorf("device and writer are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	switch kind {
	case TypeCurtain:
		return NewCurtain(opts), nil
	case TypeDoubleSwitch:
		return NewDoubleSwitch(opts), nil
	case TypeSensorHT:
		return NewSensorHT(opts), nil
	default:
		return nil, fmt.Errorf("unknown sub-device type %q", kind)
	}
}

// base holds what every handler shares.
type base struct {
	sid    string
	dev    Device
	writer Writer
	logger Logger
}

func newBase(opts Options) base {
	return base{sid: opts.SID, dev: opts.Device, writer: opts.Writer, logger: opts.Logger}
}

// SID returns the sub-device id.
func (b *base) SID() string { return b.sid }

func (b *base) markAvailable(ctx context.Context) {
	if b.dev.Available() {
		return
	}
	if err := b.dev.SetAvailable(ctx); err != nil {
		b.logError("marking available", err)
	}
}

func (b *base) apply(ctx context.Context, changes ...capability.Change) {
	if _, err := capability.Apply(ctx, b.dev, changes); err != nil {
		b.logError("applying event", err)
	}
}

func (b *base) write(ctx context.Context, data map[string]string) error {
	return b.writer.SendWrite(ctx, b.sid, data)
}

func (b *base) logError(msg string, err error) {
	if b.logger != nil {
		b.logger.Error(msg, "sid", b.sid, "error", err)
	}
}

func (b *base) logDebug(msg string, kv ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, append([]any{"sid", b.sid}, kv...)...)
	}
}

func set(name string, value any) capability.Change {
	return capability.Change{Kind: capability.KindCapability, Name: name, Value: value}
}

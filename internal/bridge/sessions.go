package bridge

import (
	"context"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/miio"
	"github.com/ApplY3D/com.xiaomi-miio/internal/supervisor"
)

// Store keys written by status polls.
const (
	StoreVacuumState = "vacuum_state"
	StoreRadioVolume = "radio_volume"
)

// SessionFactory returns the connect function for a device model. It
// fails for models the bridge cannot drive.
type SessionFactory func(model string) (supervisor.ConnectFunc, error)

// MiioSessions connects to real devices over the miio protocol.
func MiioSessions(callTimeout time.Duration) SessionFactory {
	return func(model string) (supervisor.ConnectFunc, error) {
		kind, err := miio.KindOf(model)
		if err != nil {
			return nil, err
		}
		var wrap func(*miio.Device) supervisor.Session
		switch kind {
		case miio.KindVacuum:
			wrap = func(dev *miio.Device) supervisor.Session { return vacuumSession{miio.NewVacuum(dev)} }
		case miio.KindGateway:
			wrap = func(dev *miio.Device) supervisor.Session { return gatewaySession{miio.NewGateway(dev)} }
		default:
			profile, err := miio.ProfileFor(model)
			if err != nil {
				return nil, err
			}
			wrap = func(dev *miio.Device) supervisor.Session { return miio.NewHumidifier(dev, profile) }
		}

		return func(ctx context.Context, id supervisor.Identity) (supervisor.Session, error) {
			var opts []miio.Option
			if callTimeout > 0 {
				opts = append(opts, miio.WithCallTimeout(callTimeout))
			}
			dev, err := miio.Dial(ctx, id.Address, id.Token, opts...)
			if err != nil {
				return nil, err
			}
			return wrap(dev), nil
		}, nil
	}
}

// vacuumSession maps get_status onto onoff and battery.
type vacuumSession struct {
	*miio.Vacuum
}

func (v vacuumSession) ReadStatus(ctx context.Context) ([]capability.Change, error) {
	st, err := v.Status(ctx)
	if err != nil {
		return nil, err
	}
	return vacuumChanges(st), nil
}

func vacuumChanges(st miio.VacuumStatus) []capability.Change {
	return []capability.Change{
		{Kind: capability.KindCapability, Name: capability.OnOff, Value: st.Cleaning()},
		{Kind: capability.KindCapability, Name: capability.MeasureBattery, Value: float64(st.Battery)},
		{Kind: capability.KindStore, Name: StoreVacuumState, Value: float64(st.State)},
	}
}

// gatewaySession maps the radio state onto onoff.
type gatewaySession struct {
	*miio.Gateway
}

func (g gatewaySession) ReadStatus(ctx context.Context) ([]capability.Change, error) {
	st, err := g.Radio(ctx)
	if err != nil {
		return nil, err
	}
	return radioChanges(st), nil
}

func radioChanges(st miio.RadioStatus) []capability.Change {
	return []capability.Change{
		{Kind: capability.KindCapability, Name: capability.OnOff, Value: st.Playing()},
		{Kind: capability.KindStore, Name: StoreRadioVolume, Value: float64(st.Volume)},
	}
}

var (
	_ supervisor.StatusSession     = vacuumSession{}
	_ supervisor.StatusSession     = gatewaySession{}
	_ supervisor.HumidifierSession = (*miio.Humidifier)(nil)
)

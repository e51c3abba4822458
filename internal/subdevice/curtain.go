package subdevice

import (
	"context"

	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
)

// Gateway attributes of the curtain motor.
const (
	attrCurtainLevel  = "curtain_level"
	attrCurtainStatus = "curtain_status"

	// SettingReverted inverts the up/down mapping.
	SettingReverted = "reverted"
)

// Curtain handles an Aqara curtain motor.
type Curtain struct {
	base
	idle *capability.Debouncer
}

// NewCurtain builds a curtain handler and registers its listeners.
func NewCurtain(opts Options) *Curtain {
	c := &Curtain{
		base: newBase(opts),
		idle: capability.NewDebouncer(opts.Clock, capability.IdleDelay),
	}
	c.dev.RegisterCapabilityListener(capability.OnOff, c.onOnOff)
	c.dev.RegisterCapabilityListener(capability.Dim, c.onDim)
	c.dev.RegisterCapabilityListener(capability.WindowCoveringsState, c.onDirection)
	return c
}

// OnEvent applies a gateway report. Every report restarts the idle
// timer, whether or not it carries a level.
func (c *Curtain) OnEvent(ctx context.Context, ev hub.Event) {
	c.markAvailable(ctx)
	c.idle.Trigger(func() {
		c.apply(ctx, set(capability.WindowCoveringsState, capability.CoveringIdle))
	})

	raw, ok := ev.Data[attrCurtainLevel]
	if !ok {
		return
	}
	st, err := capability.CurtainFromLevel(raw)
	if err != nil {
		c.logError("bad curtain level", err)
		return
	}
	c.apply(ctx, set(capability.OnOff, st.On), set(capability.Dim, st.Dim))
}

// Close stops the idle timer.
func (c *Curtain) Close() {
	c.idle.Stop()
}

func (c *Curtain) onOnOff(ctx context.Context, value any) error {
	on, err := capability.Bool(value)
	if err != nil {
		return err
	}
	return c.write(ctx, map[string]string{attrCurtainStatus: capability.CurtainStatusForOnOff(on)})
}

func (c *Curtain) onDim(ctx context.Context, value any) error {
	dim, err := capability.Float(value)
	if err != nil {
		return err
	}
	level, err := capability.LevelFromDim(dim)
	if err != nil {
		return err
	}
	return c.write(ctx, map[string]string{attrCurtainLevel: level})
}

func (c *Curtain) onDirection(ctx context.Context, value any) error {
	state, err := capability.String(value)
	if err != nil {
		return err
	}
	status, err := capability.CurtainStatusForDirection(state, c.reverted())
	if err != nil {
		return err
	}
	return c.write(ctx, map[string]string{attrCurtainStatus: status})
}

func (c *Curtain) reverted() bool {
	v, ok := c.dev.GetSetting(SettingReverted)
	if !ok {
		return false
	}
	b, err := capability.Bool(v)
	return err == nil && b
}

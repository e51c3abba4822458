package subdevice

import (
	"context"
	"fmt"

	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
)

// Channels of a two-gang wall switch.
const (
	attrLeftChannel  = "channel_0"
	attrRightChannel = "channel_1"
)

// Right-switch actions.
const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionToggle = "toggle"
)

// DoubleSwitch handles a two-gang wall switch (ctrl_ln2). The left
// channel is onoff, the right one onoff.1.
type DoubleSwitch struct {
	base
}

// NewDoubleSwitch builds a switch handler and registers its listeners.
func NewDoubleSwitch(opts Options) *DoubleSwitch {
	s := &DoubleSwitch{base: newBase(opts)}
	s.dev.RegisterCapabilityListener(capability.OnOff, s.channelListener(attrLeftChannel))
	s.dev.RegisterCapabilityListener(capability.OnOffRight, s.channelListener(attrRightChannel))
	return s
}

// OnEvent applies channel reports.
func (s *DoubleSwitch) OnEvent(ctx context.Context, ev hub.Event) {
	s.markAvailable(ctx)

	var changes []capability.Change
	if v, ok := ev.Data[attrLeftChannel]; ok {
		changes = append(changes, set(capability.OnOff, v == "on"))
	}
	if v, ok := ev.Data[attrRightChannel]; ok {
		changes = append(changes, set(capability.OnOffRight, v == "on"))
	}
	if len(changes) > 0 {
		s.apply(ctx, changes...)
	}
}

// SetRight switches the right channel on, off or toggles it.
func (s *DoubleSwitch) SetRight(ctx context.Context, action string) error {
	switch action {
	case ActionOn, ActionOff, ActionToggle:
	default:
		return fmt.Errorf("%w: switch action %q", capability.ErrInvalidValue, action)
	}
	return s.write(ctx, map[string]string{attrRightChannel: action})
}

// Close is a no-op; the switch has no timers.
func (s *DoubleSwitch) Close() {}

func (s *DoubleSwitch) channelListener(channel string) capability.Listener {
	return func(ctx context.Context, value any) error {
		on, err := capability.Bool(value)
		if err != nil {
			return err
		}
		state := ActionOff
		if on {
			state = ActionOn
		}
		return s.write(ctx, map[string]string{channel: state})
	}
}

// Package actions implements the device actions the controller can run
// besides capability writes: mode and LED changes, vacuum zone and room
// cleaning, gateway sounds and the right channel of double switches.
//
// Action failures are returned with a readable message. They never change
// a device's reachability.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/miio"
)

var (
	// ErrInvalidZones is returned for a malformed zone list.
	ErrInvalidZones = errors.New("actions: invalid zones")

	// ErrInvalidRooms is returned for a malformed room list.
	ErrInvalidRooms = errors.New("actions: invalid rooms")

	// ErrInvalidArgument is returned for any other bad parameter.
	ErrInvalidArgument = errors.New("actions: invalid argument")

	// ErrUnknownAction is returned by Run for an unregistered name.
	ErrUnknownAction = errors.New("actions: unknown action")

	// ErrUnsupported is returned when the target cannot run the action.
	ErrUnsupported = errors.New("actions: not supported by device")
)

// Action names accepted by Run.
const (
	SetModeAction       = "set_mode"
	SetLEDAction        = "set_led"
	CleanZonesAction    = "clean_zones"
	CleanRoomsAction    = "clean_rooms"
	GatewayVolumeAction = "gateway_volume"
	PlayEffectAction    = "play_effect"
	RightSwitchOn       = "right_switch_on"
	RightSwitchOff      = "right_switch_off"
	RightSwitchToggle   = "right_switch_toggle"
)

// actionRetries is the retry count used for every action call.
const actionRetries = 1

// MaxZoneRepeats is the highest repeat count a vacuum accepts per zone.
const MaxZoneRepeats = 3

// Caller sends a raw miio call. *supervisor.Supervisor implements it.
type Caller interface {
	Call(ctx context.Context, method string, params any, retries int) (json.RawMessage, error)
}

// Store keeps per-device values. *platform.Device implements it.
type Store interface {
	SetStoreValue(ctx context.Context, key string, value any) error
}

// RightSwitch controls the second channel of a double switch.
// *subdevice.DoubleSwitch implements it.
type RightSwitch interface {
	SetRight(ctx context.Context, action string) error
}

// Target is what an action runs against. Unset fields mean the device
// does not support the actions that need them.
type Target struct {
	Caller Caller
	// Kind is the kind of the device behind Caller.
	Kind   miio.Kind
	Store  Store
	Switch RightSwitch
}

// callerKinds names the device kinds each miio action is valid for.
var callerKinds = map[string][]miio.Kind{
	SetModeAction:       {miio.KindHumidifier},
	SetLEDAction:        {miio.KindHumidifier},
	CleanZonesAction:    {miio.KindVacuum},
	CleanRoomsAction:    {miio.KindVacuum},
	GatewayVolumeAction: {miio.KindGateway},
	PlayEffectAction:    {miio.KindGateway},
}

func supports(t Target, name string) bool {
	if kinds, ok := callerKinds[name]; ok {
		return t.Caller != nil && slices.Contains(kinds, t.Kind)
	}
	return t.Switch != nil
}

// Params are the string arguments of an action.
type Params map[string]string

type runner func(ctx context.Context, t Target, p Params) error

var registry = map[string]runner{
	SetModeAction: func(ctx context.Context, t Target, p Params) error {
		return SetMode(ctx, t.Caller, t.Store, p["mode"])
	},
	SetLEDAction: func(ctx context.Context, t Target, p Params) error {
		return SetLED(ctx, t.Caller, p["brightness"])
	},
	CleanZonesAction: func(ctx context.Context, t Target, p Params) error {
		return CleanZones(ctx, t.Caller, p["zones"])
	},
	CleanRoomsAction: func(ctx context.Context, t Target, p Params) error {
		return CleanRooms(ctx, t.Caller, p["rooms"])
	},
	GatewayVolumeAction: func(ctx context.Context, t Target, p Params) error {
		volume, err := strconv.ParseFloat(p["volume"], 64)
		if err != nil {
			return fmt.Errorf("%w: volume %q", ErrInvalidArgument, p["volume"])
		}
		return SetGatewayVolume(ctx, t.Caller, p["target"], volume)
	},
	PlayEffectAction: func(ctx context.Context, t Target, p Params) error {
		tone, err := strconv.Atoi(strings.TrimSpace(p["tone"]))
		if err != nil {
			return fmt.Errorf("%w: tone %q", ErrInvalidArgument, p["tone"])
		}
		return PlayEffect(ctx, t.Caller, tone)
	},
	RightSwitchOn:     rightSwitch("on"),
	RightSwitchOff:    rightSwitch("off"),
	RightSwitchToggle: rightSwitch("toggle"),
}

func rightSwitch(action string) runner {
	return func(ctx context.Context, t Target, _ Params) error {
		return t.Switch.SetRight(ctx, action)
	}
}

// Names returns every action name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supported returns the actions t can run, sorted.
func Supported(t Target) []string {
	var names []string
	for name := range registry {
		if supports(t, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Run executes the named action against t.
func Run(ctx context.Context, t Target, name string, p Params) error {
	fn, ok := registry[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	if !supports(t, name) {
		return fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
	return fn(ctx, t, p)
}

// SetMode changes the operating mode and remembers it in the store.
func SetMode(ctx context.Context, c Caller, store Store, mode string) error {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		return fmt.Errorf("%w: mode is required", ErrInvalidArgument)
	}
	if _, err := c.Call(ctx, "set_mode", []string{mode}, actionRetries); err != nil {
		return fmt.Errorf("setting mode %s: %w", mode, err)
	}
	if store != nil {
		return store.SetStoreValue(ctx, capability.StoreMode, mode)
	}
	return nil
}

// SetLED sets the LED brightness: "0" bright, "1" dim, "2" off.
func SetLED(ctx context.Context, c Caller, brightness string) error {
	brightness = strings.TrimSpace(brightness)
	level, err := strconv.Atoi(brightness)
	if err != nil || level < 0 {
		return fmt.Errorf("%w: brightness %q", ErrInvalidArgument, brightness)
	}
	_, err = c.Call(ctx, "set_led_b", []int{level}, actionRetries)
	return wrapCall("set_led_b", err)
}

// CleanZones starts a zoned clean. zones is a comma separated list of
// [x1,y1,x2,y2,repeats] groups.
func CleanZones(ctx context.Context, c Caller, zones string) error {
	parsed, err := ParseZones(zones)
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, "app_zoned_clean", parsed, actionRetries)
	return wrapCall("app_zoned_clean", err)
}

// CleanRooms starts a segment clean of the listed room ids.
func CleanRooms(ctx context.Context, c Caller, rooms string) error {
	parsed, err := ParseRooms(rooms)
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, "app_segment_clean", parsed, actionRetries)
	return wrapCall("app_segment_clean", err)
}

// Gateway volume targets.
const (
	VolumeAlarm    = "alarm"
	VolumeDoorbell = "doorbell"
	VolumePrompt   = "prompt"
	VolumeRadio    = "radio"
)

// SetGatewayVolume sets one of the gateway's volumes. volume is 0..1.
func SetGatewayVolume(ctx context.Context, c Caller, target string, volume float64) error {
	if volume < 0 || volume > 1 || math.IsNaN(volume) {
		return fmt.Errorf("%w: volume %v out of range 0..1", ErrInvalidArgument, volume)
	}
	level := int(volume * 100)

	var method string
	var params any = []int{level}
	switch target {
	case VolumeAlarm:
		method = "set_alarming_volume"
	case VolumeDoorbell:
		method = "set_doorbell_volume"
	case VolumePrompt:
		method = "set_gateway_volume"
	case VolumeRadio:
		method = "volume_ctrl_fm"
		params = []string{strconv.Itoa(level)}
	default:
		return fmt.Errorf("%w: volume target %q", ErrInvalidArgument, target)
	}
	_, err := c.Call(ctx, method, params, actionRetries)
	return wrapCall(method, err)
}

// PlayEffect plays a built-in gateway tone.
func PlayEffect(ctx context.Context, c Caller, tone int) error {
	_, err := c.Call(ctx, "welcome", []int{tone}, actionRetries)
	return wrapCall("welcome", err)
}

func wrapCall(method string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

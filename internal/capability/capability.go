package capability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Capability and store names understood by the controller.
const (
	OnOff                = "onoff"
	OnOffRight           = "onoff.1"
	Dim                  = "dim"
	MeasureTemperature   = "measure_temperature"
	MeasureHumidity      = "measure_humidity"
	MeasureBattery       = "measure_battery"
	WindowCoveringsState = "windowcoverings_state"

	StoreMode = "mode"
)

// Kind says where a Change is written.
type Kind int

const (
	// KindCapability targets the controller-visible capability map.
	KindCapability Kind = iota
	// KindStore targets the device's private store.
	KindStore
)

func (k Kind) String() string {
	if k == KindStore {
		return "store"
	}
	return "capability"
}

// Change is one value to write.
type Change struct {
	Kind  Kind
	Name  string
	Value any
}

// Target is where changes land. The platform adapter implements it.
type Target interface {
	GetCapabilityValue(name string) (any, bool)
	SetCapabilityValue(ctx context.Context, name string, value any) error
	GetStoreValue(key string) (any, bool)
	SetStoreValue(ctx context.Context, key string, value any) error
}

// Snapshot is one fully successful poll of a humidifier.
type Snapshot struct {
	Power       bool    `json:"power"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Mode        string  `json:"mode"`
}

// Changes returns every field of s as a change. Apply drops the ones the
// target already holds.
func (s Snapshot) Changes() []Change {
	return Reconcile(nil, s)
}

// Reconcile returns the changes needed to move from prev to next. A nil
// prev yields every field.
func Reconcile(prev *Snapshot, next Snapshot) []Change {
	var changes []Change
	if prev == nil || prev.Power != next.Power {
		changes = append(changes, Change{Kind: KindCapability, Name: OnOff, Value: next.Power})
	}
	if prev == nil || prev.Temperature != next.Temperature {
		changes = append(changes, Change{Kind: KindCapability, Name: MeasureTemperature, Value: next.Temperature})
	}
	if prev == nil || prev.Humidity != next.Humidity {
		changes = append(changes, Change{Kind: KindCapability, Name: MeasureHumidity, Value: next.Humidity})
	}
	if prev == nil || prev.Mode != next.Mode {
		changes = append(changes, Change{Kind: KindStore, Name: StoreMode, Value: next.Mode})
	}
	return changes
}

// Apply writes changes to t, skipping any whose value t already holds.
// Every change is attempted; failures are joined. It returns the number of
// values actually written.
func Apply(ctx context.Context, t Target, changes []Change) (int, error) {
	var (
		written int
		errs    []error
	)
	for _, c := range changes {
		var (
			current any
			ok      bool
		)
		if c.Kind == KindStore {
			current, ok = t.GetStoreValue(c.Name)
		} else {
			current, ok = t.GetCapabilityValue(c.Name)
		}
		if ok && Equal(current, c.Value) {
			continue
		}

		var err error
		if c.Kind == KindStore {
			err = t.SetStoreValue(ctx, c.Name, c.Value)
		} else {
			err = t.SetCapabilityValue(ctx, c.Name, c.Value)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("setting %s %s: %w", c.Kind, c.Name, err))
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

// Equal compares capability values, treating every numeric type as float64
// so a value restored from JSON matches one produced by a poll.
func Equal(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	default:
		return 0, false
	}
}

// Listener handles a capability change requested by the controller.
type Listener func(ctx context.Context, value any) error

// ErrInvalidValue is returned when a requested value has the wrong type.
var ErrInvalidValue = errors.New("capability: invalid value")

// Bool coerces a requested value to a bool.
func Bool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch b {
		case "true", "on", "1":
			return true, nil
		case "false", "off", "0":
			return false, nil
		}
	}
	if f, ok := toFloat(v); ok {
		return f != 0, nil
	}
	return false, fmt.Errorf("%w: want bool, got %v", ErrInvalidValue, v)
}

// Float coerces a requested value to a float64.
func Float(v any) (float64, error) {
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: want number, got %v", ErrInvalidValue, v)
}

// String coerces a requested value to a string.
func String(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: want string, got %v", ErrInvalidValue, v)
}

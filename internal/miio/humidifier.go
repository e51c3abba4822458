package miio

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Caller is the RPC surface a Humidifier needs. *Device implements it.
type Caller interface {
	Call(ctx context.Context, method string, params any, retries int) (json.RawMessage, error)
	Close() error
}

var _ Caller = (*Device)(nil)

// Profile maps one humidifier model's properties onto the generic reads.
type Profile struct {
	Model string
	Kind  Kind

	PowerProp       string
	TemperatureProp string
	HumidityProp    string
	ModeProp        string

	// TemperatureDivisor divides the raw temperature (10 for temp_dec).
	// Zero means 1.
	TemperatureDivisor float64

	SetPowerMethod string
	// PowerArg builds the single argument of SetPowerMethod.
	PowerArg func(on bool) any
}

func onOffArg(on bool) any {
	if on {
		return "on"
	}
	return "off"
}

func numericArg(on bool) any {
	if on {
		return 1
	}
	return 0
}

var profiles = map[string]Profile{
	"zhimi.humidifier.v1": {
		PowerProp: "power", TemperatureProp: "temp_dec", HumidityProp: "humidity", ModeProp: "mode",
		TemperatureDivisor: 10, SetPowerMethod: "set_power", PowerArg: onOffArg,
	},
	"zhimi.humidifier.ca1": {
		PowerProp: "power", TemperatureProp: "temp_dec", HumidityProp: "humidity", ModeProp: "mode",
		TemperatureDivisor: 10, SetPowerMethod: "set_power", PowerArg: onOffArg,
	},
	"zhimi.humidifier.cb1": {
		PowerProp: "power", TemperatureProp: "temperature", HumidityProp: "humidity", ModeProp: "mode",
		TemperatureDivisor: 1, SetPowerMethod: "set_power", PowerArg: onOffArg,
	},
	"deerma.humidifier.mjjsq": {
		PowerProp: "OnOff_State", TemperatureProp: "TemperatureValue", HumidityProp: "Humidity_Value", ModeProp: "Humidifier_Gear",
		TemperatureDivisor: 1, SetPowerMethod: "Set_OnOff", PowerArg: numericArg,
	},
}

// ProfileFor returns the profile registered for a humidifier model.
func ProfileFor(model string) (Profile, error) {
	p, ok := profiles[model]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
	}
	p.Model = model
	p.Kind = KindHumidifier
	return p, nil
}


// Humidifier reads and controls a humidifier through its Profile.
type Humidifier struct {
	dev     Caller
	profile Profile
}

// NewHumidifier wraps an open session.
func NewHumidifier(dev Caller, p Profile) *Humidifier {
	return &Humidifier{dev: dev, profile: p}
}

// Profile returns the model profile in use.
func (h *Humidifier) Profile() Profile {
	return h.profile
}

// getProp reads one property with get_prop.
func (h *Humidifier) getProp(ctx context.Context, name string) (any, error) {
	raw, err := h.dev.Call(ctx, "get_prop", []string{name}, 0)
	if err != nil {
		return nil, err
	}
	var values []any
	if err := json.Unmarshal(raw, &values); err != nil || len(values) != 1 {
		return nil, fmt.Errorf("%w: get_prop %s returned %s", ErrUnexpectedResult, name, raw)
	}
	return values[0], nil
}

// Power reports whether the humidifier is on.
func (h *Humidifier) Power(ctx context.Context) (bool, error) {
	v, err := h.getProp(ctx, h.profile.PowerProp)
	if err != nil {
		return false, err
	}
	return parseBool(v)
}

// Temperature returns the ambient temperature in °C.
func (h *Humidifier) Temperature(ctx context.Context) (float64, error) {
	v, err := h.getProp(ctx, h.profile.TemperatureProp)
	if err != nil {
		return 0, err
	}
	f, err := parseFloat(v)
	if err != nil {
		return 0, err
	}
	if d := h.profile.TemperatureDivisor; d != 0 && d != 1 {
		return f / d, nil
	}
	return f, nil
}

// RelativeHumidity returns the relative humidity in percent.
func (h *Humidifier) RelativeHumidity(ctx context.Context) (float64, error) {
	v, err := h.getProp(ctx, h.profile.HumidityProp)
	if err != nil {
		return 0, err
	}
	return parseFloat(v)
}

// Mode returns the operating mode as reported by the device.
func (h *Humidifier) Mode(ctx context.Context) (string, error) {
	v, err := h.getProp(ctx, h.profile.ModeProp)
	if err != nil {
		return "", err
	}
	switch m := v.(type) {
	case string:
		return m, nil
	case float64:
		return strconv.FormatFloat(m, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: mode %v", ErrUnexpectedResult, v)
	}
}

// SetPower switches the humidifier on or off.
func (h *Humidifier) SetPower(ctx context.Context, on bool) error {
	raw, err := h.dev.Call(ctx, h.profile.SetPowerMethod, []any{h.profile.PowerArg(on)}, 0)
	if err != nil {
		return err
	}
	return ExpectOK(raw)
}

// Call forwards a raw RPC.
func (h *Humidifier) Call(ctx context.Context, method string, params any, retries int) (json.RawMessage, error) {
	return h.dev.Call(ctx, method, params, retries)
}

// Destroy closes the session.
func (h *Humidifier) Destroy() error {
	return h.dev.Close()
}

func parseBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	case string:
		switch strings.ToLower(b) {
		case "on", "1", "true":
			return true, nil
		case "off", "0", "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: power %v", ErrUnexpectedResult, v)
}

func parseFloat(v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case string:
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnexpectedResult, f)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnexpectedResult, v)
	}
}

package miio

import (
	"context"
	"encoding/json"
	"fmt"
)

// RadioStatus is the gateway's get_prop_fm answer.
type RadioStatus struct {
	Program int    `json:"current_program"`
	Volume  int    `json:"current_volume"`
	Status  string `json:"current_status"`
}

// Playing reports whether the radio is on.
func (s RadioStatus) Playing() bool {
	return s.Status == "run"
}

// Gateway controls the miio side of a Xiaomi gateway: its radio, volumes
// and tones. Sub-devices are reached through package aqara instead.
type Gateway struct {
	dev Caller
}

// NewGateway wraps an open session.
func NewGateway(dev Caller) *Gateway {
	return &Gateway{dev: dev}
}

// Radio reads get_prop_fm.
func (g *Gateway) Radio(ctx context.Context) (RadioStatus, error) {
	raw, err := g.dev.Call(ctx, "get_prop_fm", []any{}, 0)
	if err != nil {
		return RadioStatus{}, err
	}
	var st RadioStatus
	if err := json.Unmarshal(raw, &st); err == nil && st.Status != "" {
		return st, nil
	}
	var list []RadioStatus
	if err := json.Unmarshal(raw, &list); err == nil && len(list) == 1 && list[0].Status != "" {
		return list[0], nil
	}
	return RadioStatus{}, fmt.Errorf("%w: get_prop_fm returned %s", ErrUnexpectedResult, raw)
}

// SetPower switches the radio on or off.
func (g *Gateway) SetPower(ctx context.Context, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	raw, err := g.dev.Call(ctx, "play_fm", []string{state}, 0)
	if err != nil {
		return err
	}
	return ExpectOK(raw)
}

// Call forwards a raw RPC.
func (g *Gateway) Call(ctx context.Context, method string, params any, retries int) (json.RawMessage, error) {
	return g.dev.Call(ctx, method, params, retries)
}

// Destroy closes the session.
func (g *Gateway) Destroy() error {
	return g.dev.Close()
}

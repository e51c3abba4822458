package miio

import (
	"context"
	"encoding/json"
	"fmt"
)

// VacuumStatus is the part of get_status the bridge uses.
type VacuumStatus struct {
	State      int `json:"state"`
	Battery    int `json:"battery"`
	FanPower   int `json:"fan_power"`
	InCleaning int `json:"in_cleaning"`
}

// Cleaning reports whether the vacuum is running a clean of any kind.
func (s VacuumStatus) Cleaning() bool {
	switch s.State {
	case 5, 11, 17, 18: // cleaning, spot, zoned, segment
		return true
	}
	return false
}

// Vacuum controls a Roborock vacuum.
type Vacuum struct {
	dev Caller
}

// NewVacuum wraps an open session.
func NewVacuum(dev Caller) *Vacuum {
	return &Vacuum{dev: dev}
}

// Status reads get_status.
func (v *Vacuum) Status(ctx context.Context) (VacuumStatus, error) {
	raw, err := v.dev.Call(ctx, "get_status", []any{}, 0)
	if err != nil {
		return VacuumStatus{}, err
	}
	var list []VacuumStatus
	if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
		return VacuumStatus{}, fmt.Errorf("%w: get_status returned %s", ErrUnexpectedResult, raw)
	}
	return list[0], nil
}

// SetPower starts a full clean, or sends the vacuum back to its dock.
func (v *Vacuum) SetPower(ctx context.Context, on bool) error {
	method := "app_charge"
	if on {
		method = "app_start"
	}
	raw, err := v.dev.Call(ctx, method, []any{}, 0)
	if err != nil {
		return err
	}
	return ExpectOK(raw)
}

// Call forwards a raw RPC.
func (v *Vacuum) Call(ctx context.Context, method string, params any, retries int) (json.RawMessage, error) {
	return v.dev.Call(ctx, method, params, retries)
}

// Destroy closes the session.
func (v *Vacuum) Destroy() error {
	return v.dev.Close()
}

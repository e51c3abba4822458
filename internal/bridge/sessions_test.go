package bridge

import (
	"errors"
	"testing"

	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/miio"
)

func TestMiioSessions_Models(t *testing.T) {
	factory := MiioSessions(0)
	for _, model := range []string{"zhimi.humidifier.ca1", "roborock.vacuum.s5", "lumi.gateway.v3"} {
		if connect, err := factory(model); err != nil || connect == nil {
			t.Errorf("factory(%q) = %v", model, err)
		}
	}
	if _, err := factory("zhimi.fan.v2"); !errors.Is(err, miio.ErrUnsupportedModel) {
		t.Errorf("factory(unknown) error = %v, want ErrUnsupportedModel", err)
	}
}

func changeMap(changes []capability.Change) map[string]any {
	out := make(map[string]any, len(changes))
	for _, c := range changes {
		name := c.Name
		if c.Kind == capability.KindStore {
			name = "store:" + name
		}
		out[name] = c.Value
	}
	return out
}

func TestVacuumChanges(t *testing.T) {
	got := changeMap(vacuumChanges(miio.VacuumStatus{State: 18, Battery: 67}))
	want := map[string]any{
		capability.OnOff:            true,
		capability.MeasureBattery:   67.0,
		"store:" + StoreVacuumState: 18.0,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}

	if docked := changeMap(vacuumChanges(miio.VacuumStatus{State: 8})); docked[capability.OnOff] != false {
		t.Errorf("charging vacuum onoff = %v, want false", docked[capability.OnOff])
	}
}

func TestRadioChanges(t *testing.T) {
	got := changeMap(radioChanges(miio.RadioStatus{Status: "pause", Volume: 25}))
	if got[capability.OnOff] != false || got["store:"+StoreRadioVolume] != 25.0 {
		t.Errorf("changes = %v", got)
	}
}

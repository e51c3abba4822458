package capability

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/clock"
)

// IdleDelay is how long after the last position report the curtain's
// direction returns to idle.
const IdleDelay = 3 * time.Second

// Window covering directions.
const (
	CoveringUp   = "up"
	CoveringIdle = "idle"
	CoveringDown = "down"
)

// Gateway curtain_status commands.
const (
	CurtainOpen  = "open"
	CurtainClose = "close"
	CurtainStop  = "stop"
)

// ErrInvalidLevel is returned for curtain levels outside 0-100.
var ErrInvalidLevel = errors.New("capability: invalid curtain level")

// ErrInvalidDirection is returned for unknown window covering states.
var ErrInvalidDirection = errors.New("capability: invalid window covering state")

// CurtainState is the capability view of a reported curtain level.
type CurtainState struct {
	On  bool
	Dim float64
}

// CurtainFromLevel converts a gateway curtain_level ("0".."100") into
// onoff and dim.
func CurtainFromLevel(raw string) (CurtainState, error) {
	level, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || level < 0 || level > 100 || math.IsNaN(level) {
		return CurtainState{}, fmt.Errorf("%w: %q", ErrInvalidLevel, raw)
	}
	return CurtainState{On: level > 0, Dim: level / 100}, nil
}

// LevelFromDim converts a dim fraction into the gateway's curtain_level.
func LevelFromDim(dim float64) (string, error) {
	if dim < 0 || dim > 1 || math.IsNaN(dim) {
		return "", fmt.Errorf("%w: dim %v", ErrInvalidLevel, dim)
	}
	return strconv.Itoa(int(math.Round(dim * 100))), nil
}

// CurtainStatusForOnOff maps onoff to an open/close command.
func CurtainStatusForOnOff(on bool) string {
	if on {
		return CurtainOpen
	}
	return CurtainClose
}

// CurtainStatusForDirection maps a window covering state to a gateway
// command. reverted swaps up and down for motors mounted the other way.
func CurtainStatusForDirection(state string, reverted bool) (string, error) {
	switch state {
	case CoveringIdle:
		return CurtainStop, nil
	case CoveringUp:
		if reverted {
			return CurtainClose, nil
		}
		return CurtainOpen, nil
	case CoveringDown:
		if reverted {
			return CurtainOpen, nil
		}
		return CurtainClose, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, state)
	}
}

// Debouncer runs a callback once its delay has passed without another
// Trigger. Each Trigger restarts the window.
type Debouncer struct {
	clock clock.Clock
	delay time.Duration

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
}

// NewDebouncer creates a Debouncer on c.
func NewDebouncer(c clock.Clock, delay time.Duration) *Debouncer {
	return &Debouncer{clock: c, delay: delay}
}

// Trigger (re)starts the window; f runs when it closes.
func (d *Debouncer) Trigger(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		f()
	})
}

// Stop cancels a pending callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

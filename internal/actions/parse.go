package actions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Zone is one cleaning rectangle: x1, y1, x2, y2 and the repeat count.
type Zone [5]int

// ParseZones parses "[x1,y1,x2,y2,r],[...]". Every group must hold five
// integers and r must be 1..MaxZoneRepeats.
func ParseZones(s string) ([]Zone, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: no zones given", ErrInvalidZones)
	}

	var groups [][]json.Number
	dec := json.NewDecoder(strings.NewReader("[" + s + "]"))
	dec.UseNumber()
	if err := dec.Decode(&groups); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidZones, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidZones)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: no zones given", ErrInvalidZones)
	}

	zones := make([]Zone, 0, len(groups))
	for i, g := range groups {
		if len(g) != len(Zone{}) {
			return nil, fmt.Errorf("%w: zone %d has %d values, want 5", ErrInvalidZones, i+1, len(g))
		}
		var z Zone
		for j, n := range g {
			v, err := strconv.Atoi(n.String())
			if err != nil {
				return nil, fmt.Errorf("%w: zone %d value %s is not an integer", ErrInvalidZones, i+1, n)
			}
			z[j] = v
		}
		if r := z[4]; r < 1 || r > MaxZoneRepeats {
			return nil, fmt.Errorf("%w: zone %d repeats %d not in 1..%d", ErrInvalidZones, i+1, r, MaxZoneRepeats)
		}
		zones = append(zones, z)
	}
	return zones, nil
}

// ParseRooms parses a comma separated list of positive room ids.
func ParseRooms(s string) ([]int, error) {
	var rooms []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: %q is not a positive room id", ErrInvalidRooms, part)
		}
		rooms = append(rooms, id)
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("%w: no rooms given", ErrInvalidRooms)
	}
	return rooms, nil
}

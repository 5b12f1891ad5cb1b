// Package pump defines the fixed set of dosing channels wired to the controller.
package pump

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPump is returned when a name does not match any configured pump.
var ErrUnknownPump = errors.New("unknown pump")

// ID identifies one physical pump channel.
type ID int

const (
	Pump1 ID = iota + 1
	Pump2
	Pump3
	Pump4
)

// Count is the number of physical channels.
const Count = 4

// All returns every pump ID in channel order.
func All() []ID {
	return []ID{Pump1, Pump2, Pump3, Pump4}
}

// String returns the wire name used in topics and persisted file names, e.g. "pump1".
func (id ID) String() string {
	if id < Pump1 || id > Pump4 {
		return fmt.Sprintf("pump?%d", int(id))
	}
	return fmt.Sprintf("pump%d", int(id))
}

// Valid reports whether id is one of the configured pumps.
func (id ID) Valid() bool {
	return id >= Pump1 && id <= Pump4
}

// ParseID converts a wire name such as "pump3" to an ID.
func ParseID(name string) (ID, error) {
	for _, id := range All() {
		if id.String() == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPump, name)
}

// DoseKind tags a run in telemetry. Both kinds drive the motor identically.
type DoseKind string

const (
	Standard DoseKind = "standard"
	Prime    DoseKind = "prime"
)

// Definition holds the static wiring for one pump.
type Definition struct {
	ID             ID
	Channel        int    // GPIO number driving the motor
	DosingAddress  string // topic suffix for metered doses
	PrimingAddress string // topic suffix for priming runs
}

var definitions = [Count]Definition{
	{ID: Pump1, Channel: 14, DosingAddress: "pump1/volume_mls", PrimingAddress: "pump1/prime"},
	{ID: Pump2, Channel: 4, DosingAddress: "pump2/volume_mls", PrimingAddress: "pump2/prime"},
	{ID: Pump3, Channel: 12, DosingAddress: "pump3/volume_mls", PrimingAddress: "pump3/prime"},
	{ID: Pump4, Channel: 13, DosingAddress: "pump4/volume_mls", PrimingAddress: "pump4/prime"},
}

// Definitions returns a copy of the compiled-in pump table.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions[:])
	return out
}

// Lookup returns the definition for id.
func Lookup(id ID) (Definition, error) {
	if !id.Valid() {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownPump, id)
	}
	return definitions[id-1], nil
}

// Validate checks a pump table for completeness: every ID present exactly once,
// a channel assigned to each and no shared channels or addresses.
func Validate(defs []Definition) error {
	seen := make(map[ID]bool, Count)
	channels := make(map[int]ID, Count)
	addresses := make(map[string]ID, Count*2)

	for _, d := range defs {
		if !d.ID.Valid() {
			return fmt.Errorf("%w: %d", ErrUnknownPump, int(d.ID))
		}
		if seen[d.ID] {
			return fmt.Errorf("%s defined twice", d.ID)
		}
		seen[d.ID] = true

		if d.Channel < 0 {
			return fmt.Errorf("%s has no actuator channel", d.ID)
		}
		if other, ok := channels[d.Channel]; ok {
			return fmt.Errorf("%s and %s share channel %d", other, d.ID, d.Channel)
		}
		channels[d.Channel] = d.ID

		for _, addr := range []string{d.DosingAddress, d.PrimingAddress} {
			if strings.TrimSpace(addr) == "" {
				return fmt.Errorf("%s is missing a command address", d.ID)
			}
			if other, ok := addresses[addr]; ok {
				return fmt.Errorf("%s and %s share address %q", other, d.ID, addr)
			}
			addresses[addr] = d.ID
		}
	}

	for _, id := range All() {
		if !seen[id] {
			return fmt.Errorf("%s has no definition", id)
		}
	}
	return nil
}

// MatchDosing returns every definition whose dosing address terminates topic.
func MatchDosing(defs []Definition, topic string) []Definition {
	var out []Definition
	for _, d := range defs {
		if strings.HasSuffix(topic, d.DosingAddress) {
			out = append(out, d)
		}
	}
	return out
}

// MatchPriming returns every definition whose priming address terminates topic.
func MatchPriming(defs []Definition, topic string) []Definition {
	var out []Definition
	for _, d := range defs {
		if strings.HasSuffix(topic, d.PrimingAddress) {
			out = append(out, d)
		}
	}
	return out
}

// Package rhythm holds the pure beat/accent arithmetic shared by both
// scheduling paths: accent derivation from meters and groupings, the
// subset-sum table backing partition pickers, and mask helpers.
package rhythm

import (
	"github.com/gonzalogmercado-lang/NotMetronome/internal/logging"
)

// AccentLevel classifies a click's emphasis.
type AccentLevel int

const (
	BarStrong AccentLevel = iota
	GroupMedium
	SubdivWeak
)

func (l AccentLevel) String() string {
	switch l {
	case BarStrong:
		return "bar"
	case GroupMedium:
		return "group"
	default:
		return "subdiv"
	}
}

// DefaultGain returns the stock peak scalar for the level.
func (l AccentLevel) DefaultGain() float64 {
	switch l {
	case BarStrong:
		return 1.0
	case GroupMedium:
		return 0.7
	default:
		return 0.4
	}
}

// DefaultFrequency returns the stock click tone in Hz for the level.
func (l AccentLevel) DefaultFrequency() float64 {
	switch l {
	case BarStrong:
		return 1200
	case GroupMedium:
		return 900
	default:
		return 700
	}
}

// Meter is a time signature: Beats per bar over a Unit note value.
type Meter struct {
	Beats int
	Unit  int
}

// SecondsPerBeat returns the length of one beat at the given tempo.
// The unit scales relative to a quarter note: (60/bpm) * (4/unit).
func (m Meter) SecondsPerBeat(bpm float64) float64 {
	if bpm <= 0 || m.Unit <= 0 {
		return 0
	}
	return (60.0 / bpm) * (4.0 / float64(m.Unit))
}

const (
	// MinGroupSize and MaxGroupSize bound a single accent group.
	MinGroupSize = 2
	MaxGroupSize = 8
)

// ValidGroups reports whether groups form a legal partition of ticks:
// every size within [2,8] and the sizes summing exactly to ticks.
func ValidGroups(groups []int, ticks int) bool {
	if len(groups) == 0 {
		return false
	}
	sum := 0
	for _, g := range groups {
		if g < MinGroupSize || g > MaxGroupSize {
			return false
		}
		sum += g
	}
	return sum == ticks
}

// DeriveAccents returns one accent per tick of a bar. ticksPerBar <= 0
// means one tick per beat. Tick 0 is always BarStrong. A valid group
// partition marks each later group start GroupMedium; an invalid one is
// ignored (logged, never fatal). With no groups, compound meters over an
// eighth-note unit (6/8, 9/8, 12/8) accent every third tick.
func DeriveAccents(meter Meter, groups []int, ticksPerBar int) []AccentLevel {
	if ticksPerBar <= 0 {
		ticksPerBar = meter.Beats
	}
	if ticksPerBar <= 0 {
		return nil
	}
	accents := make([]AccentLevel, ticksPerBar)
	for i := range accents {
		accents[i] = SubdivWeak
	}
	accents[0] = BarStrong

	if len(groups) > 0 {
		if ValidGroups(groups, ticksPerBar) {
			pos := 0
			for _, g := range groups[:len(groups)-1] {
				pos += g
				if pos < ticksPerBar {
					accents[pos] = GroupMedium
				}
			}
			return accents
		}
		logging.ForComponent("rhythm").Warnf(
			"ignoring invalid accent groups %v for %d ticks", groups, ticksPerBar)
	}

	if meter.Unit == 8 && (meter.Beats == 6 || meter.Beats == 9 || meter.Beats == 12) && ticksPerBar == meter.Beats {
		for i := 3; i < ticksPerBar; i += 3 {
			accents[i] = GroupMedium
		}
	}
	return accents
}

// CanFill returns a reachability table: CanFill(total, allowed)[t] is true
// when t can be written as a sum of values from allowed. Index 0 is true.
// Used to grey out impossible partition choices.
func CanFill(total int, allowed []int) []bool {
	if total < 0 {
		total = 0
	}
	table := make([]bool, total+1)
	table[0] = true
	for t := 1; t <= total; t++ {
		for _, size := range allowed {
			if size > 0 && size <= t && table[t-size] {
				table[t] = true
				break
			}
		}
	}
	return table
}

// MaskWithBeatGuide returns a copy of mask with slot 0 forced audible when
// the guide is enabled. The input is never mutated.
func MaskWithBeatGuide(mask []bool, enabled bool) []bool {
	out := make([]bool, len(mask))
	copy(out, mask)
	if enabled && len(out) > 0 {
		out[0] = true
	}
	return out
}

// PoolTicks returns the number of sub-ticks accent groups may partition:
// the flattened subdivision count for quarter-note meters, otherwise the
// plain beat count.
func PoolTicks(meter Meter, subdiv []int) int {
	if meter.Unit != 4 {
		return meter.Beats
	}
	sum := 0
	for _, s := range subdiv {
		sum += s
	}
	if sum == 0 {
		return meter.Beats
	}
	return sum
}

// Package config defines the engine configuration and its normalizer.
// Normalize is the single entry point through which caller input becomes
// a canonical, fully-clamped Config; Fingerprint makes logically equal
// configs comparable so duplicate updates can be skipped.
package config

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/gonzalogmercado-lang/NotMetronome/internal/logging"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/rhythm"
)

// ApplyAt selects the boundary at which a published update takes effect.
type ApplyAt int

const (
	// ApplyNextBar commits at the next downbeat.
	ApplyNextBar ApplyAt = iota
	// ApplyNow commits at the next beat scheduling decision.
	ApplyNow
)

func (a ApplyAt) String() string {
	if a == ApplyNow {
		return "now"
	}
	return "next-bar"
}

const (
	MinBPM = 30
	MaxBPM = 300

	DefaultBPM = 120

	MinBeats = 1
	MaxBeats = 64

	// MaxSubdiv is the engine cap on per-beat subdivision slots.
	MaxSubdiv = 16
)

// Bar is one measure of the timeline: a meter, an optional accent
// grouping, and (for quarter-note meters) per-beat subdivisions with
// per-slot audibility masks.
type Bar struct {
	Meter  rhythm.Meter
	Groups []int
	Subdiv []int
	Masks  [][]bool
}

// Config is the complete engine configuration.
type Config struct {
	BPM       int
	Bars      []Bar
	StartBar  int
	Loop      bool
	BeatGuide bool
	ApplyAt   ApplyAt
}

// AccentParams carries the click tone and peak scalar for one accent level.
type AccentParams struct {
	Gain      float64
	Frequency float64
}

// AccentTable maps each AccentLevel to its parameters; it lives outside
// the snapshot and may be swapped at any time.
type AccentTable [3]AccentParams

// DefaultAccentTable returns the stock accent gains and frequencies.
func DefaultAccentTable() AccentTable {
	var t AccentTable
	for _, l := range []rhythm.AccentLevel{rhythm.BarStrong, rhythm.GroupMedium, rhythm.SubdivWeak} {
		t[l] = AccentParams{Gain: l.DefaultGain(), Frequency: l.DefaultFrequency()}
	}
	return t
}

// Params returns the entry for a level, falling back to defaults for
// zeroed slots so a partially filled table stays usable.
func (t AccentTable) Params(l rhythm.AccentLevel) AccentParams {
	p := t[l]
	if p.Gain <= 0 && p.Frequency <= 0 {
		return AccentParams{Gain: l.DefaultGain(), Frequency: l.DefaultFrequency()}
	}
	return p
}

var log = logging.ForComponent("config")

// DefaultBar returns a plain 4/4 bar with single-slot audible beats.
func DefaultBar() Bar {
	return Bar{Meter: rhythm.Meter{Beats: 4, Unit: 4}}
}

// Normalize clamps and completes a caller-supplied Config into canonical
// form. It never fails: out-of-range scalars are clamped, subdivision
// data on non-quarter meters is cleared, missing masks default to all
// audible, and groups that fit neither the beat sum nor the pool sum are
// dropped. Normalize is idempotent and returns a deep copy.
func Normalize(c Config) Config {
	out := Config{
		Loop:      c.Loop,
		BeatGuide: c.BeatGuide,
		ApplyAt:   c.ApplyAt,
	}
	out.BPM = c.BPM
	if out.BPM == 0 {
		out.BPM = DefaultBPM
	}
	out.BPM = clampInt(out.BPM, MinBPM, MaxBPM)

	if len(c.Bars) == 0 {
		out.Bars = []Bar{DefaultBar()}
	} else {
		out.Bars = make([]Bar, len(c.Bars))
		for i, b := range c.Bars {
			out.Bars[i] = normalizeBar(b)
		}
	}
	out.StartBar = clampInt(c.StartBar, 0, len(out.Bars)-1)
	return out
}

func normalizeBar(b Bar) Bar {
	out := Bar{}
	out.Meter.Beats = clampInt(b.Meter.Beats, MinBeats, MaxBeats)
	out.Meter.Unit = normalizeUnit(b.Meter.Unit)

	// Per-beat subdivision data only applies to quarter-note meters.
	if out.Meter.Unit == 4 && len(b.Subdiv) > 0 {
		out.Subdiv = make([]int, out.Meter.Beats)
		for i := range out.Subdiv {
			if i < len(b.Subdiv) {
				out.Subdiv[i] = clampInt(b.Subdiv[i], 1, MaxSubdiv)
			} else {
				out.Subdiv[i] = 1
			}
		}
		out.Masks = make([][]bool, out.Meter.Beats)
		for i := range out.Masks {
			slots := out.Subdiv[i]
			mask := make([]bool, slots)
			if i < len(b.Masks) && b.Masks[i] != nil {
				for k := 0; k < slots; k++ {
					if k < len(b.Masks[i]) {
						mask[k] = b.Masks[i][k]
					} else {
						mask[k] = true
					}
				}
			} else {
				for k := range mask {
					mask[k] = true
				}
			}
			out.Masks[i] = mask
		}
	} else if len(b.Subdiv) > 0 || len(b.Masks) > 0 {
		log.Debugf("clearing subdivision data for %d/%d bar", out.Meter.Beats, out.Meter.Unit)
	}

	if len(b.Groups) > 0 {
		beats := out.Meter.Beats
		pool := rhythm.PoolTicks(out.Meter, out.Subdiv)
		if rhythm.ValidGroups(b.Groups, beats) || (out.Meter.Unit == 4 && rhythm.ValidGroups(b.Groups, pool)) {
			out.Groups = append([]int(nil), b.Groups...)
		} else {
			log.Warnf("dropping groups %v: sum fits neither %d beats nor pool %d", b.Groups, beats, pool)
		}
	}
	return out
}

// normalizeUnit snaps a denominator to the nearest power of two in [1,64].
func normalizeUnit(unit int) int {
	if unit <= 1 {
		return 1
	}
	if unit > 64 {
		return 64
	}
	below := 1
	for below*2 <= unit {
		below *= 2
	}
	above := below * 2
	if above > 64 || unit-below <= above-unit {
		return below
	}
	return above
}

// Clone returns a deep copy; the result shares no slices with the input.
func Clone(c Config) Config {
	out := c
	out.Bars = make([]Bar, len(c.Bars))
	for i, b := range c.Bars {
		nb := Bar{Meter: b.Meter}
		if b.Groups != nil {
			nb.Groups = append([]int(nil), b.Groups...)
		}
		if b.Subdiv != nil {
			nb.Subdiv = append([]int(nil), b.Subdiv...)
		}
		if b.Masks != nil {
			nb.Masks = make([][]bool, len(b.Masks))
			for k, m := range b.Masks {
				nb.Masks[k] = append([]bool(nil), m...)
			}
		}
		out.Bars[i] = nb
	}
	return out
}

// Fingerprint hashes the materially observable parts of a config: tempo,
// per-bar meter, groups, subdivisions, masks, beat-guide and loop. The
// start bar and apply boundary are transport hints and excluded.
func Fingerprint(c Config) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
		h.Write(buf[:])
	}
	writeBool := func(v bool) {
		if v {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	writeInt(c.BPM)
	writeBool(c.BeatGuide)
	writeBool(c.Loop)
	writeInt(len(c.Bars))
	for _, b := range c.Bars {
		writeInt(b.Meter.Beats)
		writeInt(b.Meter.Unit)
		writeInt(len(b.Groups))
		for _, g := range b.Groups {
			writeInt(g)
		}
		writeInt(len(b.Subdiv))
		for _, s := range b.Subdiv {
			writeInt(s)
		}
		writeInt(len(b.Masks))
		for _, m := range b.Masks {
			writeInt(len(m))
			for _, slot := range m {
				writeBool(slot)
			}
		}
	}
	return h.Sum64()
}

// StructureFingerprint is Fingerprint with the tempo masked out, so a
// BPM-only edit can be told apart from a timeline change.
func StructureFingerprint(c Config) uint64 {
	masked := c
	masked.BPM = DefaultBPM
	return Fingerprint(masked)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Package timeline turns a normalized configuration into the precomputed
// form both schedulers consume, and tracks the active bar/beat position.
// A Snapshot is immutable once compiled; live updates swap whole
// snapshots at beat or bar boundaries.
package timeline

import (
	"github.com/gonzalogmercado-lang/NotMetronome/internal/config"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/rhythm"
)

// TickEvent describes one scheduled sub-tick. Index is monotonic from
// Start; AtMs is measured on the audio timeline, never the wall clock.
type TickEvent struct {
	Index     uint64
	Bar       int
	Beat      int
	Slot      int
	SlotCount int
	Downbeat  bool
	Audible   bool
	Accent    rhythm.AccentLevel
	Gain      float64
	AtMs      float64
}

// BarPlan is one bar with everything the hot path needs precomputed:
// effective masks (beat-guide applied), slot counts, and the accent
// vector in whichever mode the bar's groups selected.
type BarPlan struct {
	Meter      rhythm.Meter
	SlotCounts []int
	Masks      [][]bool

	// Beat-indexed accents, used when PoolMode is false.
	Accents []rhythm.AccentLevel

	// PoolMode routes accents through a flattened sub-tick vector,
	// selected once at compile time when groups sum to the pool.
	PoolMode    bool
	PoolAccents []rhythm.AccentLevel
	PoolOffsets []int
}

// SecondsPerBeat returns the beat length of this bar at the given tempo.
func (p *BarPlan) SecondsPerBeat(bpm int) float64 {
	return p.Meter.SecondsPerBeat(float64(bpm))
}

// SlotAccent resolves the accent for a slot. In beat mode slot 0 carries
// the bar-position accent and later slots are weak; in pool mode the
// flattened vector is indexed by cumulative sub-tick.
func (p *BarPlan) SlotAccent(beat, slot int) rhythm.AccentLevel {
	if p.PoolMode {
		idx := p.PoolOffsets[beat] + slot
		if idx < len(p.PoolAccents) {
			return p.PoolAccents[idx]
		}
		return rhythm.SubdivWeak
	}
	if slot == 0 {
		return p.Accents[beat]
	}
	return rhythm.SubdivWeak
}

// Audible reports the effective mask value for a slot.
func (p *BarPlan) Audible(beat, slot int) bool {
	m := p.Masks[beat]
	if slot < 0 || slot >= len(m) {
		return false
	}
	return m[slot]
}

// Snapshot is a compiled configuration. The running scheduler owns its
// active snapshot exclusively; callers hand over fresh ones and never
// touch them again.
type Snapshot struct {
	Config      config.Config
	Bars        []BarPlan
	Fingerprint uint64
}

// Compile normalizes nothing: cfg must already be canonical. It
// precomputes per-bar accent vectors, slot counts and effective masks.
func Compile(cfg config.Config) *Snapshot {
	snap := &Snapshot{
		Config:      cfg,
		Bars:        make([]BarPlan, len(cfg.Bars)),
		Fingerprint: config.Fingerprint(cfg),
	}
	for i, bar := range cfg.Bars {
		snap.Bars[i] = compileBar(bar, cfg.BeatGuide)
	}
	return snap
}

func compileBar(bar config.Bar, beatGuide bool) BarPlan {
	beats := bar.Meter.Beats
	plan := BarPlan{
		Meter:      bar.Meter,
		SlotCounts: make([]int, beats),
		Masks:      make([][]bool, beats),
	}
	for i := 0; i < beats; i++ {
		slots := 1
		if i < len(bar.Subdiv) && bar.Subdiv[i] > 0 {
			slots = bar.Subdiv[i]
		}
		plan.SlotCounts[i] = slots
		var mask []bool
		if i < len(bar.Masks) && bar.Masks[i] != nil {
			mask = bar.Masks[i]
		} else {
			mask = make([]bool, slots)
			for k := range mask {
				mask[k] = true
			}
		}
		plan.Masks[i] = rhythm.MaskWithBeatGuide(mask, beatGuide)
	}

	pool := rhythm.PoolTicks(bar.Meter, bar.Subdiv)
	if len(bar.Groups) > 0 && bar.Meter.Unit == 4 && pool != beats && rhythm.ValidGroups(bar.Groups, pool) {
		plan.PoolMode = true
		plan.PoolAccents = rhythm.DeriveAccents(bar.Meter, bar.Groups, pool)
		plan.PoolOffsets = make([]int, beats)
		off := 0
		for i := 0; i < beats; i++ {
			plan.PoolOffsets[i] = off
			off += plan.SlotCounts[i]
		}
		return plan
	}
	plan.Accents = rhythm.DeriveAccents(bar.Meter, bar.Groups, beats)
	return plan
}

// Cursor walks a snapshot's bars beat by beat and hands out monotonic
// tick indices. It is owned by exactly one scheduler goroutine.
type Cursor struct {
	snap *Snapshot
	bar  int
	beat int
	tick uint64
}

func NewCursor(snap *Snapshot) *Cursor {
	return &Cursor{snap: snap, bar: snap.Config.StartBar}
}

func (c *Cursor) Snapshot() *Snapshot { return c.snap }
func (c *Cursor) BarIndex() int       { return c.bar }
func (c *Cursor) Beat() int           { return c.beat }

// AtBarStart reports whether the cursor sits on a downbeat.
func (c *Cursor) AtBarStart() bool { return c.beat == 0 }

// Plan returns the active bar's compiled plan.
func (c *Cursor) Plan() *BarPlan { return &c.snap.Bars[c.bar] }

// NextTick returns the next monotonic tick index.
func (c *Cursor) NextTick() uint64 {
	v := c.tick
	c.tick++
	return v
}

// Advance moves the cursor one beat, wrapping into the next bar per the
// loop rule. It returns true when the move entered a new bar.
func (c *Cursor) Advance() bool {
	c.beat++
	if c.beat < c.Plan().Meter.Beats {
		return false
	}
	c.beat = 0
	c.bar = c.NextBarIndex()
	return true
}

// NextBarIndex computes where the cursor goes after the active bar: the
// following bar, bar zero when looping, or the last bar when not.
func (c *Cursor) NextBarIndex() int {
	if c.bar+1 < len(c.snap.Bars) {
		return c.bar + 1
	}
	if c.snap.Config.Loop {
		return 0
	}
	return c.bar
}

// Rebind swaps the active snapshot, clamping the position into the new
// timeline. Tick indices keep counting; they never reset on a swap.
func (c *Cursor) Rebind(snap *Snapshot) {
	c.snap = snap
	if c.bar >= len(snap.Bars) {
		c.bar = len(snap.Bars) - 1
	}
	if c.beat >= c.Plan().Meter.Beats {
		c.beat = 0
	}
}

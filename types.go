package notmetronome

import (
	"github.com/gonzalogmercado-lang/NotMetronome/internal/config"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/rhythm"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/timeline"
)

// The engine's data model lives in the internal packages; these aliases
// form the public surface.

type (
	Meter        = rhythm.Meter
	AccentLevel  = rhythm.AccentLevel
	Bar          = config.Bar
	Config       = config.Config
	ApplyAt      = config.ApplyAt
	AccentParams = config.AccentParams
	AccentTable  = config.AccentTable
	TickEvent    = timeline.TickEvent
)

const (
	BarStrong   = rhythm.BarStrong
	GroupMedium = rhythm.GroupMedium
	SubdivWeak  = rhythm.SubdivWeak

	ApplyNow     = config.ApplyNow
	ApplyNextBar = config.ApplyNextBar
)

// DefaultAccentTable returns the stock accent gains and frequencies.
func DefaultAccentTable() AccentTable { return config.DefaultAccentTable() }

// Normalize exposes the configuration normalizer so callers can inspect
// what the engine will actually run (clamped tempo, dropped groups).
func Normalize(c Config) Config { return config.Normalize(c) }

// Fingerprint hashes the materially observable parts of a configuration.
func Fingerprint(c Config) uint64 { return config.Fingerprint(c) }

// DeriveAccents exposes the accent model for presentation layers that
// render accent glyphs without running the engine.
func DeriveAccents(meter Meter, groups []int, ticksPerBar int) []AccentLevel {
	return rhythm.DeriveAccents(meter, groups, ticksPerBar)
}

// CanFill reports which totals are reachable from the allowed group
// sizes; UIs use it to disable impossible partitions.
func CanFill(total int, allowed []int) []bool { return rhythm.CanFill(total, allowed) }

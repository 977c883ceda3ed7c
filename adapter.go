package notmetronome

import (
	"sync"

	"github.com/gonzalogmercado-lang/NotMetronome/internal/config"
)

// Stabilizer sits between a reactive caller and the engine. Upstream
// state layers rebuild their arrays on every render even when nothing
// changed; the stabilizer fingerprints the content and republishes only
// on a real change, deep-cloning at the boundary so the engine never
// shares slices with the caller.
type Stabilizer struct {
	engine *Engine

	mu           sync.Mutex
	haveLast     bool
	lastFP       uint64
	lastStructFP uint64
}

func NewStabilizer(e *Engine) *Stabilizer {
	return &Stabilizer{engine: e}
}

// Publish normalizes cfg and forwards it when its content fingerprint
// differs from the last accepted one. A tempo-only edit is forwarded at
// the Now boundary so it cannot clobber an in-flight bar swap commitment.
// It reports whether the update reached the engine.
func (s *Stabilizer) Publish(cfg Config) bool {
	norm := config.Normalize(cfg)
	fp := config.Fingerprint(norm)
	structFP := config.StructureFingerprint(norm)

	s.mu.Lock()
	if s.haveLast && fp == s.lastFP {
		s.mu.Unlock()
		return false
	}
	tempoOnly := s.haveLast && structFP == s.lastStructFP
	s.haveLast = true
	s.lastFP = fp
	s.lastStructFP = structFP
	s.mu.Unlock()

	out := config.Clone(norm)
	if tempoOnly {
		out.ApplyAt = config.ApplyNow
	}
	s.engine.Update(out)
	return true
}

// Reset forgets the last published fingerprint, forcing the next
// Publish through.
func (s *Stabilizer) Reset() {
	s.mu.Lock()
	s.haveLast = false
	s.mu.Unlock()
}

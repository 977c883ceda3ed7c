// Package push renders the click track as raw PCM frames for hosts that
// demand buffers from a dedicated audio goroutine. The per-frame loop
// owns all timing state; callers publish snapshots through an atomic
// slot that is read only at beat boundaries.
package push

import (
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/gonzalogmercado-lang/NotMetronome/internal/config"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/logging"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/rhythm"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/timeline"
)

// Device is the PCM-buffer host contract: a blocking Write plus a small
// playback lifecycle. Output format is mono 16-bit signed little-endian.
type Device interface {
	// Write blocks until the host accepts the buffer and returns the
	// number of bytes taken.
	Write(p []byte) (int, error)
	Play() error
	Pause() error
	Flush() error
	Stop() error
	Release() error
	// MinBufferSize returns the smallest write the host accepts, in bytes.
	MinBufferSize() int
}

const (
	// DefaultSampleRate is used when the host does not dictate one.
	DefaultSampleRate = 48000

	// bufferFrames is the internal render chunk handed to the device.
	bufferFrames = 256

	// clickSeconds is the burst length of one click.
	clickSeconds = 0.010

	// basePeak leaves headroom below full scale before accent gain.
	basePeak = 0.9

	twoPi = 2 * math.Pi
)

// ErrStopTimeout is returned when the render goroutine does not exit
// within the grace window; the worker is abandoned, not killed.
var ErrStopTimeout = errors.New("push: render goroutine did not stop in time")

var log = logging.ForComponent("push")

type pendingSnapshot struct {
	snap    *timeline.Snapshot
	applyAt config.ApplyAt
}

// kernel is the per-sample state machine. It has no locks and no
// allocations on the hot path; everything it touches is owned by the
// goroutine stepping it (or read through an atomic at beat boundaries).
type kernel struct {
	sampleRate float64
	cursor     *timeline.Cursor
	pending    *atomic.Pointer[pendingSnapshot]
	accents    *atomic.Pointer[config.AccentTable]

	onTick func(timeline.TickEvent)
	onBar  func(int)

	samplesUntilBeat float64
	samplesUntilSub  float64
	samplesPerBeat   float64

	bar       int
	beat      int
	slotIndex int
	slotCount int
	plan      *timeline.BarPlan

	burstRemaining int
	burstTotal     int
	burstFreq      float64
	burstPeak      float64
	phase          float64

	totalFrames uint64
}

func newKernel(snap *timeline.Snapshot, sampleRate int,
	pending *atomic.Pointer[pendingSnapshot], accents *atomic.Pointer[config.AccentTable],
	onTick func(timeline.TickEvent), onBar func(int)) *kernel {
	return &kernel{
		sampleRate: float64(sampleRate),
		cursor:     timeline.NewCursor(snap),
		pending:    pending,
		accents:    accents,
		onTick:     onTick,
		onBar:      onBar,
	}
}

func (k *kernel) accentTable() config.AccentTable {
	if k.accents != nil {
		if t := k.accents.Load(); t != nil {
			return *t
		}
	}
	return config.DefaultAccentTable()
}

// startBurst arms a new click. The burst is clickSeconds long with a
// minimum of one sample, so very low sample rates still click.
func (k *kernel) startBurst(p config.AccentParams) {
	total := int(clickSeconds * k.sampleRate)
	if total < 1 {
		total = 1
	}
	k.burstTotal = total
	k.burstRemaining = total
	k.burstFreq = p.Frequency
	k.burstPeak = clampUnit(basePeak * p.Gain)
	k.phase = 0
}

// step renders one output frame and advances all timing state.
func (k *kernel) step() int16 {
	if k.samplesUntilBeat <= 0 {
		k.beginBeat()
	}
	if k.samplesUntilSub <= 0 && k.slotIndex < k.slotCount {
		k.fireSlot()
	}

	var sample float64
	if k.burstRemaining > 0 {
		env := float64(k.burstRemaining) / float64(k.burstTotal)
		sample = math.Sin(k.phase) * k.burstPeak * env * env
		k.phase += twoPi * k.burstFreq / k.sampleRate
		if k.phase >= twoPi {
			k.phase -= twoPi
		}
		k.burstRemaining--
	}
	if sample > 1 {
		sample = 1
	} else if sample < -1 {
		sample = -1
	}

	k.samplesUntilBeat--
	k.samplesUntilSub--
	k.totalFrames++
	return int16(sample * math.MaxInt16)
}

// beginBeat runs the once-per-beat bookkeeping: snapshot commits, tempo
// and subdivision lookup, bar-change notification, cursor advance.
func (k *kernel) beginBeat() {
	if k.pending != nil {
		if p := k.pending.Load(); p != nil {
			if p.applyAt == config.ApplyNow || k.cursor.AtBarStart() {
				k.pending.CompareAndSwap(p, nil)
				k.cursor.Rebind(p.snap)
			}
		}
	}

	if k.cursor.AtBarStart() && k.onBar != nil {
		k.onBar(k.cursor.BarIndex())
	}

	k.plan = k.cursor.Plan()
	k.bar = k.cursor.BarIndex()
	k.beat = k.cursor.Beat()
	k.slotCount = k.plan.SlotCounts[k.beat]
	k.slotIndex = 0
	k.samplesPerBeat = k.plan.SecondsPerBeat(k.cursor.Snapshot().Config.BPM) * k.sampleRate
	k.samplesUntilSub = k.samplesUntilBeat
	k.samplesUntilBeat += k.samplesPerBeat
	k.cursor.Advance()
}

// fireSlot emits the slot's tick event and, when audible, arms a click.
func (k *kernel) fireSlot() {
	audible := k.plan.Audible(k.beat, k.slotIndex)
	accent := k.plan.SlotAccent(k.beat, k.slotIndex)
	params := k.accentTable().Params(accent)

	if k.onTick != nil {
		k.onTick(timeline.TickEvent{
			Index:     k.cursor.NextTick(),
			Bar:       k.bar,
			Beat:      k.beat,
			Slot:      k.slotIndex,
			SlotCount: k.slotCount,
			Downbeat:  k.beat == 0 && k.slotIndex == 0,
			Audible:   audible,
			Accent:    accent,
			Gain:      params.Gain,
			AtMs:      float64(k.totalFrames) / k.sampleRate * 1000,
		})
	}
	if audible {
		k.startBurst(params)
	}
	k.slotIndex++
	k.samplesUntilSub += k.samplesPerBeat / float64(k.slotCount)
}

// Options configures a Synthesizer.
type Options struct {
	SampleRate  int
	OnTick      func(timeline.TickEvent)
	OnBarChange func(int)
	// OnError is called from the render goroutine when the device
	// rejects a write; the goroutine exits right after.
	OnError func(error)
}

// Synthesizer owns the render goroutine for one playback run.
type Synthesizer struct {
	dev        Device
	sampleRate int
	onTick     func(timeline.TickEvent)
	onBar      func(int)
	onError    func(error)

	pending  atomic.Pointer[pendingSnapshot]
	accents  *atomic.Pointer[config.AccentTable]
	testTick atomic.Bool
	stopReq  atomic.Bool
	done     chan struct{}
}

// New prepares a synthesizer over the device. accents may be shared with
// the facade; overrides take effect at the next slot lookup.
func New(dev Device, accents *atomic.Pointer[config.AccentTable], opts Options) *Synthesizer {
	sr := opts.SampleRate
	if sr <= 0 {
		sr = DefaultSampleRate
	}
	return &Synthesizer{
		dev:        dev,
		sampleRate: sr,
		onTick:     opts.OnTick,
		onBar:      opts.OnBarChange,
		onError:    opts.OnError,
		accents:    accents,
	}
}

// Start spins up the render goroutine on the given snapshot.
func (s *Synthesizer) Start(snap *timeline.Snapshot) error {
	if s.done != nil {
		return errors.New("push: already running")
	}
	if err := s.dev.Play(); err != nil {
		return err
	}
	s.done = make(chan struct{})
	go s.run(snap)
	return nil
}

// Publish hands a new snapshot to the render goroutine. The slot holds at
// most one pending update; the last publish wins.
func (s *Synthesizer) Publish(snap *timeline.Snapshot, applyAt config.ApplyAt) {
	s.pending.Store(&pendingSnapshot{snap: snap, applyAt: applyAt})
}

// PlayTestTick requests one immediate BarStrong click. Returns false when
// not running.
func (s *Synthesizer) PlayTestTick() bool {
	if s.done == nil {
		return false
	}
	s.testTick.Store(true)
	return true
}

// Stop requests cooperative exit and waits up to grace for the goroutine
// to drain. A worker stuck inside the host write is abandoned.
func (s *Synthesizer) Stop(grace time.Duration) error {
	if s.done == nil {
		return nil
	}
	s.stopReq.Store(true)
	select {
	case <-s.done:
		s.done = nil
		return nil
	case <-time.After(grace):
		log.Warn("stop grace window elapsed; abandoning render goroutine")
		s.done = nil
		return ErrStopTimeout
	}
}

func (s *Synthesizer) run(snap *timeline.Snapshot) {
	defer close(s.done)
	defer func() {
		_ = s.dev.Flush()
		_ = s.dev.Stop()
	}()

	k := newKernel(snap, s.sampleRate, &s.pending, s.accents, s.onTick, s.onBar)
	frames := bufferFrames
	if min := s.dev.MinBufferSize() / 2; min > frames {
		frames = min
	}
	buf := make([]byte, frames*2)

	for !s.stopReq.Load() {
		for f := 0; f < frames; f++ {
			if s.testTick.CompareAndSwap(true, false) {
				k.startBurst(k.accentTable().Params(rhythm.BarStrong))
			}
			v := k.step()
			binary.LittleEndian.PutUint16(buf[f*2:], uint16(v))
		}
		if err := writeFull(s.dev, buf); err != nil {
			log.WithError(err).Error("device write failed")
			if s.onError != nil {
				s.onError(err)
			}
			return
		}
	}
}

// writeFull retries short writes; hosts may accept less than a buffer.
func writeFull(dev Device, p []byte) error {
	for len(p) > 0 {
		n, err := dev.Write(p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return errors.New("push: device accepted no bytes")
		}
		p = p[n:]
	}
	return nil
}

// RenderFrames runs the same kernel synchronously with no device,
// producing n mono frames. Used by offline rendering and tests.
func RenderFrames(snap *timeline.Snapshot, sampleRate, n int,
	accents *atomic.Pointer[config.AccentTable], onTick func(timeline.TickEvent)) []int16 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	k := newKernel(snap, sampleRate, nil, accents, onTick, nil)
	out := make([]int16, n)
	for i := range out {
		out[i] = k.step()
	}
	return out
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

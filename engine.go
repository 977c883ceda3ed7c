// Package notmetronome is a sample-accurate polymetric metronome engine.
// It renders synthesized clicks either by pushing PCM frames to a
// blocking device or by pre-scheduling oscillator events onto a
// callback audio timeline, and emits tick events timestamped on the
// audio grid for playhead animation.
package notmetronome

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/gonzalogmercado-lang/NotMetronome/internal/config"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/hostaudio"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/logging"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/pull"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/push"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/timeline"
)

// State is the engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "error"
	}
}

// ErrAudioUnavailable is returned by Start when no output path could be
// opened.
var ErrAudioUnavailable = errors.New("notmetronome: audio output unavailable")

// stopGrace bounds how long Stop waits for the worker before abandoning it.
const stopGrace = 1200 * time.Millisecond

var log = logging.ForComponent("engine")

type EngineOption func(*engineOptions)

type engineOptions struct {
	sampleRate int
	device     push.Device
	host       pull.Host
	clk        clock.WithTickerAndDelayedExecution
}

// WithSampleRate sets the PCM sample rate for push mode.
func WithSampleRate(sr int) EngineOption {
	return func(o *engineOptions) { o.sampleRate = sr }
}

// WithDevice runs the engine in push mode against the given PCM device
// instead of opening the default output.
func WithDevice(dev push.Device) EngineOption {
	return func(o *engineOptions) { o.device = dev }
}

// WithTimelineHost runs the engine in pull mode against a callback
// audio timeline.
func WithTimelineHost(h pull.Host) EngineOption {
	return func(o *engineOptions) { o.host = h }
}

// WithClock overrides the scheduler clock; tests inject a fake.
func WithClock(c clock.WithTickerAndDelayedExecution) EngineOption {
	return func(o *engineOptions) { o.clk = c }
}

// Engine is the metronome facade. One Engine owns at most one running
// scheduler; configuration flows in through Start and Update, tick and
// state events flow out through registered listeners.
type Engine struct {
	opts engineOptions

	mu        sync.Mutex
	state     State
	active    config.Config
	activeFP  uint64
	haveFP    bool
	synth     *push.Synthesizer
	sched     *pull.Scheduler
	device    push.Device
	ownDevice bool

	accents atomic.Pointer[config.AccentTable]

	subMu     sync.RWMutex
	nextSubID int
	tickSubs  map[int]func(TickEvent)
	stateSubs map[int]func(State, string)
	barSubs   map[int]func(int)
}

// NewEngine builds an idle engine. With no options it will open the
// default PCM output at 48 kHz on the first Start.
func NewEngine(opts ...EngineOption) *Engine {
	eo := engineOptions{sampleRate: push.DefaultSampleRate}
	for _, opt := range opts {
		opt(&eo)
	}
	e := &Engine{
		opts:      eo,
		tickSubs:  map[int]func(TickEvent){},
		stateSubs: map[int]func(State, string){},
		barSubs:   map[int]func(int){},
	}
	table := config.DefaultAccentTable()
	e.accents.Store(&table)
	return e
}

// OnTick registers a tick listener; the returned func unregisters it.
// Listeners run on the scheduling goroutine and must not block.
func (e *Engine) OnTick(fn func(TickEvent)) func() {
	return subscribe(e, e.tickSubs, fn)
}

// OnState registers a state listener with an optional detail string.
// Listeners fire while the facade lock is held and must not call back
// into the engine.
func (e *Engine) OnState(fn func(State, string)) func() {
	return subscribe(e, e.stateSubs, fn)
}

// OnBarChange registers a bar-entry listener.
func (e *Engine) OnBarChange(fn func(int)) func() {
	return subscribe(e, e.barSubs, fn)
}

func subscribe[T any](e *Engine, m map[int]T, fn T) func() {
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	m[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(m, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) emitTick(ev TickEvent) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, fn := range e.tickSubs {
		fn(ev)
	}
}

func (e *Engine) emitBar(bar int) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, fn := range e.barSubs {
		fn(bar)
	}
}

// setState must be called with e.mu held.
func (e *Engine) setState(s State, detail string) {
	e.state = s
	e.subMu.RLock()
	subs := make([]func(State, string), 0, len(e.stateSubs))
	for _, fn := range e.stateSubs {
		subs = append(subs, fn)
	}
	e.subMu.RUnlock()
	for _, fn := range subs {
		fn(s, detail)
	}
}

// Status returns the current lifecycle state.
func (e *Engine) Status() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ActiveConfig returns the last normalized configuration the engine
// accepted; callers inspect it to observe clamped or dropped fields.
func (e *Engine) ActiveConfig() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return config.Clone(e.active)
}

// Start normalizes cfg and begins playback. Starting a running engine
// is an update at the configuration's apply boundary.
func (e *Engine) Start(cfg Config) error {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStarting {
		e.mu.Unlock()
		e.Update(cfg)
		return nil
	}

	norm := config.Normalize(cfg)
	snap := timeline.Compile(norm)
	e.setState(StateStarting, "")

	var err error
	if e.opts.host != nil {
		e.sched = pull.New(e.opts.host, &e.accents, pull.Options{
			Clock:       e.opts.clk,
			StartDelay:  pull.DefaultStartDelay,
			OnTick:      e.emitTick,
			OnBarChange: e.emitBar,
		})
		err = e.sched.Start(snap)
	} else {
		dev := e.opts.device
		if dev == nil {
			dev, err = hostaudio.NewOutput(e.opts.sampleRate)
			if err == nil {
				e.ownDevice = true
			}
		}
		if err == nil {
			e.device = dev
			e.synth = push.New(dev, &e.accents, push.Options{
				SampleRate:  e.opts.sampleRate,
				OnTick:      e.emitTick,
				OnBarChange: e.emitBar,
				OnError:     e.onWorkerError,
			})
			err = e.synth.Start(snap)
		}
	}
	if err != nil {
		log.WithError(err).Error("start failed")
		e.setState(StateError, err.Error())
		e.synth, e.sched = nil, nil
		e.releaseDeviceLocked()
		e.setState(StateIdle, "")
		e.mu.Unlock()
		return errors.Join(ErrAudioUnavailable, err)
	}

	e.active = norm
	e.activeFP = snap.Fingerprint
	e.haveFP = true
	e.setState(StateRunning, "")
	e.mu.Unlock()
	return nil
}

// onWorkerError is called from the render goroutine when the device
// rejects a write. The transition happens off the worker so its exit is
// never blocked behind the facade lock; a concurrent Stop wins.
func (e *Engine) onWorkerError(err error) {
	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.state != StateRunning {
			return
		}
		e.setState(StateError, err.Error())
		e.synth = nil
		e.releaseDeviceLocked()
	}()
}

// Stop requests cooperative shutdown and waits out the grace window.
// A stuck worker is abandoned rather than deadlocking the caller.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle || e.state == StateStopping {
		return
	}
	e.setState(StateStopping, "")
	if e.synth != nil {
		if err := e.synth.Stop(stopGrace); err != nil {
			log.WithError(err).Warn("push worker abandoned")
		}
		e.synth = nil
	}
	if e.sched != nil {
		if err := e.sched.Stop(stopGrace); err != nil {
			log.WithError(err).Warn("pull scheduler abandoned")
		}
		e.sched = nil
	}
	e.releaseDeviceLocked()
	e.setState(StateIdle, "")
}

func (e *Engine) releaseDeviceLocked() {
	if e.device != nil && e.ownDevice {
		_ = e.device.Release()
	}
	e.device = nil
	e.ownDevice = false
}

// Update normalizes a new configuration and publishes it at its apply
// boundary. Updates whose fingerprint matches the active one are
// dropped without touching the scheduler.
func (e *Engine) Update(cfg Config) {
	norm := config.Normalize(cfg)
	fp := config.Fingerprint(norm)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.haveFP && fp == e.activeFP {
		return
	}
	e.active = norm
	e.activeFP = fp
	e.haveFP = true
	snap := timeline.Compile(norm)
	if e.synth != nil {
		e.synth.Publish(snap, norm.ApplyAt)
	}
	if e.sched != nil {
		e.sched.Publish(snap, norm.ApplyAt)
	}
}

// SetAccentGains swaps the accent table; it lives outside the snapshot
// and takes effect at the next scheduled slot.
func (e *Engine) SetAccentGains(table AccentTable) {
	e.accents.Store(&table)
}

// AccentGains returns the current accent table.
func (e *Engine) AccentGains() AccentTable {
	return *e.accents.Load()
}

// PlayTestTick schedules one immediate strong click and reports whether
// the active output accepted it.
func (e *Engine) PlayTestTick() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sched != nil {
		return e.sched.PlayTestTick()
	}
	if e.synth != nil {
		return e.synth.PlayTestTick()
	}
	return false
}

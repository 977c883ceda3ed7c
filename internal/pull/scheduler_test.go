package pull

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/gonzalogmercado-lang/NotMetronome/internal/config"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/rhythm"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/timeline"
)

func compile(c config.Config) *timeline.Snapshot {
	return timeline.Compile(config.Normalize(c))
}

// prime sets up a scheduler as Start would, without the wake goroutine,
// so tests can drive scheduleWindow deterministically.
func prime(s *Scheduler, snap *timeline.Snapshot) {
	s.cursor = timeline.NewCursor(snap)
	s.startTime = s.host.CurrentTime() + s.opts.StartDelay.Seconds()
	s.nextBeatTime = s.startTime
	s.lastBarAt = -1
}

func TestScheduleWindowEnqueuesClicksAndTicks(t *testing.T) {
	host := newFakeHost()
	var ticks []timeline.TickEvent
	s := New(host, nil, Options{
		ScheduleAhead: 2 * time.Second,
		StartDelay:    60 * time.Millisecond,
		Clock:         clocktesting.NewFakeClock(time.Now()),
		OnTick:        func(ev timeline.TickEvent) { ticks = append(ticks, ev) },
	})
	prime(s, compile(config.Config{BPM: 120, Loop: true, Bars: []config.Bar{{
		Meter:  rhythm.Meter{Beats: 4, Unit: 4},
		Subdiv: []int{1, 3, 1, 1},
		Masks:  [][]bool{{true}, {true, false, true}, {true}, {true}},
	}}}))

	s.scheduleWindow()

	// Horizon 2.0 s, start delay 60 ms: beats at 0.06, 0.56, 1.06, 1.56.
	if len(ticks) != 6 {
		t.Fatalf("tick count = %d, want 6", len(ticks))
	}
	wantMs := []float64{0, 500, 500 + 500.0/3, 500 + 1000.0/3, 1000, 1500}
	for i, ev := range ticks {
		if math.Abs(ev.AtMs-wantMs[i]) > 0.5 {
			t.Fatalf("tick %d at %.3f ms, want ≈%.3f", i, ev.AtMs, wantMs[i])
		}
	}

	// One oscillator per audible slot; the muted middle slot is skipped.
	oscs := host.oscillators()
	if len(oscs) != 5 {
		t.Fatalf("oscillator count = %d, want 5", len(oscs))
	}
	first := oscs[0]
	if math.Abs(first.startAt-0.06) > 1e-9 {
		t.Fatalf("first click at %v, want 0.06", first.startAt)
	}
	if math.Abs(first.stopAt-(0.06+clickLife)) > 1e-9 {
		t.Fatalf("first click stops at %v, want %v", first.stopAt, 0.06+clickLife)
	}
	if got := first.freq.sets[0].value; got != 1200 {
		t.Fatalf("downbeat frequency = %v, want 1200", got)
	}
	// Weak slots use the weak tone.
	if got := oscs[1].freq.sets[0].value; got != 700 {
		t.Fatalf("subdivision frequency = %v, want 700", got)
	}
}

func TestClickEnvelopeRamps(t *testing.T) {
	host := newFakeHost()
	s := New(host, nil, Options{ScheduleAhead: 300 * time.Millisecond, StartDelay: 0,
		Clock: clocktesting.NewFakeClock(time.Now())})
	prime(s, compile(config.Config{BPM: 120, Loop: true, Bars: []config.Bar{{Meter: rhythm.Meter{Beats: 4, Unit: 4}}}}))
	s.scheduleWindow()

	gains := host.gains()
	if len(gains) == 0 {
		t.Fatal("no gain nodes created")
	}
	g := gains[0]
	if len(g.value.sets) != 1 || g.value.sets[0].value != 0 {
		t.Fatalf("gain must start at zero, got %+v", g.value.sets)
	}
	if len(g.value.ramps) != 2 {
		t.Fatalf("ramp count = %d, want attack and decay", len(g.value.ramps))
	}
	attack, decay := g.value.ramps[0], g.value.ramps[1]
	if math.Abs(attack.at-clickAttack) > 1e-9 {
		t.Fatalf("attack ends at %v, want %v", attack.at, clickAttack)
	}
	if math.Abs(attack.value-0.9) > 1e-9 {
		t.Fatalf("downbeat peak = %v, want 0.9", attack.value)
	}
	if math.Abs(decay.at-(clickAttack+clickDecay)) > 1e-9 {
		t.Fatalf("decay ends at %v, want %v", decay.at, clickAttack+clickDecay)
	}
}

func TestApplyAtNextBarDefersUntilDownbeat(t *testing.T) {
	host := newFakeHost()
	var ticks []timeline.TickEvent
	s := New(host, nil, Options{ScheduleAhead: 5 * time.Second, StartDelay: 0,
		Clock:  clocktesting.NewFakeClock(time.Now()),
		OnTick: func(ev timeline.TickEvent) { ticks = append(ticks, ev) }})
	base := compile(config.Config{BPM: 120, Loop: true, Bars: []config.Bar{{Meter: rhythm.Meter{Beats: 4, Unit: 4}}}})
	prime(s, base)

	// Schedule the first beat only, then publish a three-beat bar.
	s.scheduleBeat(s.nextBeatTime)
	s.Publish(compile(config.Config{BPM: 120, Loop: true, Bars: []config.Bar{{Meter: rhythm.Meter{Beats: 3, Unit: 4}}}}), config.ApplyNextBar)
	for i := 0; i < 8; i++ {
		s.scheduleBeat(s.nextBeatTime)
	}

	// Beats 1-3 finish the old bar; the swap lands on the downbeat after.
	for i, ev := range ticks {
		if i < 4 && ev.SlotCount != 1 {
			t.Fatalf("old bar tick %d changed shape", i)
		}
	}
	if ticks[4].Beat != 0 {
		t.Fatalf("tick 4 beat = %d, want downbeat of the swapped bar", ticks[4].Beat)
	}
	if ticks[7].Beat != 0 {
		t.Fatalf("three-beat bar should wrap at tick 7, got beat %d", ticks[7].Beat)
	}
}

func TestApplyNowCommitsAtNextScheduledBeat(t *testing.T) {
	host := newFakeHost()
	var ticks []timeline.TickEvent
	s := New(host, nil, Options{ScheduleAhead: time.Second, StartDelay: 0,
		Clock:  clocktesting.NewFakeClock(time.Now()),
		OnTick: func(ev timeline.TickEvent) { ticks = append(ticks, ev) }})
	base := compile(config.Config{BPM: 120, Loop: true, Bars: []config.Bar{{Meter: rhythm.Meter{Beats: 4, Unit: 4}}}})
	prime(s, base)

	s.scheduleBeat(s.nextBeatTime)
	s.Publish(compile(config.Config{BPM: 240, Loop: true, Bars: []config.Bar{{Meter: rhythm.Meter{Beats: 4, Unit: 4}}}}), config.ApplyNow)
	s.scheduleBeat(s.nextBeatTime)
	s.scheduleBeat(s.nextBeatTime)

	if math.Abs(ticks[1].AtMs-500) > 0.5 {
		t.Fatalf("second beat at %.3f ms, want 500", ticks[1].AtMs)
	}
	if math.Abs(ticks[2].AtMs-750) > 0.5 {
		t.Fatalf("beat after ApplyNow at %.3f ms, want 750 (240 BPM)", ticks[2].AtMs)
	}
}

func TestBarChangeFiresNearDownbeatTime(t *testing.T) {
	host := newFakeHost()
	fc := clocktesting.NewFakeClock(time.Now())
	var mu sync.Mutex
	var bars []int
	s := New(host, nil, Options{ScheduleAhead: 3 * time.Second, StartDelay: 100 * time.Millisecond,
		Clock: fc,
		OnBarChange: func(bar int) {
			mu.Lock()
			bars = append(bars, bar)
			mu.Unlock()
		}})
	prime(s, compile(config.Config{BPM: 120, Loop: true, Bars: []config.Bar{
		{Meter: rhythm.Meter{Beats: 4, Unit: 4}},
		{Meter: rhythm.Meter{Beats: 3, Unit: 4}},
	}}))
	s.scheduleWindow()

	mu.Lock()
	n := len(bars)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("bar change fired before its scheduled time")
	}
	fc.Step(150 * time.Millisecond) // past the 100 ms downbeat
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(bars) >= 1 })
	fc.Step(2100 * time.Millisecond) // past the second downbeat at 2.1 s
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(bars) >= 2 })

	mu.Lock()
	defer mu.Unlock()
	if bars[0] != 0 || bars[1] != 1 {
		t.Fatalf("bar order = %v, want [0 1 ...]", bars)
	}
}

func TestStopDropsPendingEvents(t *testing.T) {
	host := newFakeHost()
	s := New(host, nil, Options{ScheduleAhead: 2 * time.Second, StartDelay: 0,
		Clock: clocktesting.NewFakeClock(time.Now())})
	prime(s, compile(config.Config{BPM: 120, Loop: true, Bars: []config.Bar{{Meter: rhythm.Meter{Beats: 4, Unit: 4}}}}))
	s.scheduleWindow()

	host.setNow(0.7) // two clicks already played, two still pending
	s.dropPending()
	oscs := host.oscillators()
	for _, o := range oscs {
		if o.origStop > 0.7 && math.Abs(o.stopAt-0.7) > 1e-9 {
			t.Fatalf("future click not cancelled: stop at %v", o.stopAt)
		}
	}
}

func TestHostEventErrorsAreSwallowed(t *testing.T) {
	host := newFakeHost()
	host.failOscillators = true
	var ticks []timeline.TickEvent
	s := New(host, nil, Options{ScheduleAhead: time.Second, StartDelay: 0,
		Clock:  clocktesting.NewFakeClock(time.Now()),
		OnTick: func(ev timeline.TickEvent) { ticks = append(ticks, ev) }})
	prime(s, compile(config.Config{BPM: 120, Loop: true, Bars: []config.Bar{{Meter: rhythm.Meter{Beats: 4, Unit: 4}}}}))
	s.scheduleWindow()

	if len(ticks) != 2 {
		t.Fatalf("ticks must keep flowing past host errors, got %d", len(ticks))
	}
}

func TestSchedulerRunLoopWithFakeClock(t *testing.T) {
	host := newFakeHost()
	fc := clocktesting.NewFakeClock(time.Now())
	var mu sync.Mutex
	var ticks []timeline.TickEvent
	s := New(host, nil, Options{
		Clock:      fc,
		StartDelay: 60 * time.Millisecond,
		OnTick: func(ev timeline.TickEvent) {
			mu.Lock()
			ticks = append(ticks, ev)
			mu.Unlock()
		},
	})
	snap := compile(config.Config{BPM: 120, Loop: true, Bars: []config.Bar{{Meter: rhythm.Meter{Beats: 4, Unit: 4}}}})
	if err := s.Start(snap); err != nil {
		t.Fatalf("start: %v", err)
	}
	// The initial window (180 ms) covers only the first beat at 60 ms.
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(ticks) == 1 })

	// Advance the playhead and the wake clock; the next beat enters the window.
	host.setNow(0.45)
	fc.Step(DefaultLookahead)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(ticks) == 2 })

	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if ticks[1].Index != ticks[0].Index+1 {
		t.Fatalf("tick indices not contiguous: %d then %d", ticks[0].Index, ticks[1].Index)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never met")
}

// --- fakes ---

type paramEvent struct{ value, at float64 }

type fakeParam struct {
	sets  []paramEvent
	ramps []paramEvent
}

func (p *fakeParam) SetValueAtTime(value, at float64) {
	p.sets = append(p.sets, paramEvent{value, at})
}

func (p *fakeParam) LinearRampToValueAtTime(value, at float64) {
	p.ramps = append(p.ramps, paramEvent{value, at})
}

type fakeOsc struct {
	freq      fakeParam
	connected Node
	startAt   float64
	stopAt    float64
	origStop  float64
}

func (o *fakeOsc) Connect(n Node)   { o.connected = n }
func (o *fakeOsc) Frequency() Param { return &o.freq }
func (o *fakeOsc) Start(at float64) { o.startAt = at }
func (o *fakeOsc) Stop(at float64) {
	if o.origStop == 0 {
		o.origStop = at
	}
	o.stopAt = at
}

type fakeGain struct {
	value     fakeParam
	connected Node
}

func (g *fakeGain) Connect(n Node) { g.connected = n }
func (g *fakeGain) Value() Param   { return &g.value }

type fakeHost struct {
	mu              sync.Mutex
	now             float64
	oscs            []*fakeOsc
	gainNodes       []*fakeGain
	failOscillators bool
}

func newFakeHost() *fakeHost { return &fakeHost{} }

func (h *fakeHost) CurrentTime() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *fakeHost) setNow(v float64) {
	h.mu.Lock()
	h.now = v
	h.mu.Unlock()
}

func (h *fakeHost) CreateOscillator() (Oscillator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOscillators {
		return nil, errors.New("no oscillator")
	}
	o := &fakeOsc{}
	h.oscs = append(h.oscs, o)
	return o, nil
}

func (h *fakeHost) CreateGain() (Gain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := &fakeGain{}
	h.gainNodes = append(h.gainNodes, g)
	return g, nil
}

func (h *fakeHost) Destination() Node { return h }

func (h *fakeHost) oscillators() []*fakeOsc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeOsc(nil), h.oscs...)
}

func (h *fakeHost) gains() []*fakeGain {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeGain(nil), h.gainNodes...)
}

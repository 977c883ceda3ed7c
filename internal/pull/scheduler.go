// Package pull schedules discrete click events onto a host-provided
// audio timeline with lookahead, for hosts that expose oscillator and
// gain nodes addressable by absolute timestamp. A small wake loop stays
// a window ahead of the playhead; everything audible is rendered by the
// host, so the loop itself is timing-tolerant.
package pull

import (
	"errors"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/gonzalogmercado-lang/NotMetronome/internal/config"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/logging"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/rhythm"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/timeline"
)

// Node is an opaque connection target on the host graph.
type Node interface{}

// Param is a host automation parameter addressed in timeline seconds.
type Param interface {
	SetValueAtTime(value, at float64)
	LinearRampToValueAtTime(value, at float64)
}

// Oscillator is a single-shot tone source on the host timeline.
type Oscillator interface {
	Connect(Node)
	Frequency() Param
	Start(at float64)
	Stop(at float64)
}

// Gain is a host gain node shaping the click envelope.
type Gain interface {
	Connect(Node)
	Value() Param
}

// Host is the callback-timeline audio collaborator.
type Host interface {
	// CurrentTime returns the host playhead in seconds.
	CurrentTime() float64
	CreateOscillator() (Oscillator, error)
	CreateGain() (Gain, error)
	Destination() Node
}

const (
	// DefaultLookahead is the wake interval of the scheduler loop.
	DefaultLookahead = 25 * time.Millisecond
	// DefaultScheduleAhead is the window kept scheduled past the playhead.
	DefaultScheduleAhead = 180 * time.Millisecond
	// DefaultStartDelay offsets the first beat from Start.
	DefaultStartDelay = 60 * time.Millisecond

	clickAttack = 0.002
	clickDecay  = 0.016
	clickLife   = 0.030

	basePeak = 0.9
)

var log = logging.ForComponent("pull")

type pendingSnapshot struct {
	snap    *timeline.Snapshot
	applyAt config.ApplyAt
}

type scheduledClick struct {
	osc Oscillator
	end float64
}

type barTimer struct {
	timer clock.Timer
	at    float64
}

// Options configures a Scheduler. Zero or negative Lookahead and
// ScheduleAhead fall back to defaults; a zero StartDelay is taken
// literally, a negative one falls back to DefaultStartDelay. A nil Clock
// uses the real one.
type Options struct {
	Clock         clock.WithTickerAndDelayedExecution
	Lookahead     time.Duration
	ScheduleAhead time.Duration
	StartDelay    time.Duration
	OnTick        func(timeline.TickEvent)
	OnBarChange   func(int)
}

// Scheduler keeps a host timeline stocked with click events.
type Scheduler struct {
	host    Host
	clk     clock.WithTickerAndDelayedExecution
	opts    Options
	accents *atomic.Pointer[config.AccentTable]

	pending atomic.Pointer[pendingSnapshot]
	stopCh  chan struct{}
	done    chan struct{}

	// Owned by the run goroutine.
	cursor       *timeline.Cursor
	startTime    float64
	nextBeatTime float64
	active       []scheduledClick
	barTimers    []barTimer
	lastBarAt    float64
	errLogged    bool
}

// New prepares a scheduler over the host. accents may be shared with the
// facade and is consulted per scheduled slot.
func New(host Host, accents *atomic.Pointer[config.AccentTable], opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	if opts.ScheduleAhead <= 0 {
		opts.ScheduleAhead = DefaultScheduleAhead
	}
	if opts.StartDelay < 0 {
		opts.StartDelay = DefaultStartDelay
	}
	return &Scheduler{host: host, clk: opts.Clock, opts: opts, accents: accents}
}

// Start begins scheduling from the snapshot, offset by the start delay.
func (s *Scheduler) Start(snap *timeline.Snapshot) error {
	if s.done != nil {
		return errors.New("pull: already running")
	}
	s.cursor = timeline.NewCursor(snap)
	s.startTime = s.host.CurrentTime() + s.opts.StartDelay.Seconds()
	s.nextBeatTime = s.startTime
	s.lastBarAt = -1
	s.errLogged = false
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()
	return nil
}

// Publish hands a new snapshot to the scheduling loop; the slot holds at
// most one update and the last publish wins.
func (s *Scheduler) Publish(snap *timeline.Snapshot, applyAt config.ApplyAt) {
	s.pending.Store(&pendingSnapshot{snap: snap, applyAt: applyAt})
}

// PlayTestTick enqueues a single strong click just past the playhead.
func (s *Scheduler) PlayTestTick() bool {
	table := config.DefaultAccentTable()
	if s.accents != nil {
		if t := s.accents.Load(); t != nil {
			table = *t
		}
	}
	params := table.Params(rhythm.BarStrong)
	return s.enqueueClick(s.host.CurrentTime()+0.01, params, false)
}

// Stop halts the loop and drops every event still pending on the host.
func (s *Scheduler) Stop(grace time.Duration) error {
	if s.done == nil {
		return nil
	}
	close(s.stopCh)
	select {
	case <-s.done:
	case <-time.After(grace):
		s.done = nil
		return errors.New("pull: scheduler did not stop in time")
	}
	s.done = nil
	return nil
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := s.clk.NewTicker(s.opts.Lookahead)
	defer ticker.Stop()

	s.scheduleWindow()
	for {
		select {
		case <-s.stopCh:
			s.dropPending()
			return
		case <-ticker.C():
			s.scheduleWindow()
		}
	}
}

// scheduleWindow tops the host timeline up to the horizon.
func (s *Scheduler) scheduleWindow() {
	now := s.host.CurrentTime()
	horizon := now + s.opts.ScheduleAhead.Seconds()
	for s.nextBeatTime < horizon {
		s.scheduleBeat(s.nextBeatTime)
	}
	s.pruneFinished(now)
}

// scheduleBeat enqueues every slot of the beat at time t and advances
// the cursor. Pending snapshots commit here: ApplyNow at any beat,
// ApplyNextBar only when the upcoming beat is a downbeat.
func (s *Scheduler) scheduleBeat(t float64) {
	if p := s.pending.Load(); p != nil {
		if p.applyAt == config.ApplyNow || s.cursor.AtBarStart() {
			s.pending.CompareAndSwap(p, nil)
			s.cursor.Rebind(p.snap)
		}
	}

	if s.cursor.AtBarStart() && t != s.lastBarAt {
		s.announceBar(s.cursor.BarIndex(), t)
		s.lastBarAt = t
	}

	plan := s.cursor.Plan()
	bar := s.cursor.BarIndex()
	beat := s.cursor.Beat()
	spb := plan.SecondsPerBeat(s.cursor.Snapshot().Config.BPM)
	slotCount := plan.SlotCounts[beat]
	subDt := spb / float64(slotCount)
	table := s.accentTable()

	for i := 0; i < slotCount; i++ {
		ti := t + float64(i)*subDt
		audible := plan.Audible(beat, i)
		accent := plan.SlotAccent(beat, i)
		params := table.Params(accent)
		if audible {
			s.enqueueClick(ti, params, true)
		}
		if s.opts.OnTick != nil {
			s.opts.OnTick(timeline.TickEvent{
				Index:     s.cursor.NextTick(),
				Bar:       bar,
				Beat:      beat,
				Slot:      i,
				SlotCount: slotCount,
				Downbeat:  beat == 0 && i == 0,
				Audible:   audible,
				Accent:    accent,
				Gain:      params.Gain,
				AtMs:      (ti - s.startTime) * 1000,
			})
		}
	}

	s.cursor.Advance()
	s.nextBeatTime = t + spb
}

// enqueueClick builds an oscillator→gain→destination chain with a linear
// attack/decay envelope at the given timeline instant. A host failure is
// swallowed and reported once per run.
func (s *Scheduler) enqueueClick(at float64, p config.AccentParams, track bool) bool {
	osc, err := s.host.CreateOscillator()
	if err != nil {
		s.reportEventError(err)
		return false
	}
	g, err := s.host.CreateGain()
	if err != nil {
		s.reportEventError(err)
		return false
	}
	peak := basePeak * p.Gain
	if peak > 1 {
		peak = 1
	} else if peak < 0 {
		peak = 0
	}
	osc.Frequency().SetValueAtTime(p.Frequency, at)
	g.Value().SetValueAtTime(0, at)
	g.Value().LinearRampToValueAtTime(peak, at+clickAttack)
	g.Value().LinearRampToValueAtTime(0.0001, at+clickAttack+clickDecay)
	osc.Connect(g)
	g.Connect(s.host.Destination())
	osc.Start(at)
	osc.Stop(at + clickLife)
	if track {
		s.active = append(s.active, scheduledClick{osc: osc, end: at + clickLife})
	}
	return true
}

func (s *Scheduler) reportEventError(err error) {
	if s.errLogged {
		return
	}
	s.errLogged = true
	log.WithError(err).Warn("host rejected a scheduled event; continuing")
}

func (s *Scheduler) accentTable() config.AccentTable {
	if s.accents != nil {
		if t := s.accents.Load(); t != nil {
			return *t
		}
	}
	return config.DefaultAccentTable()
}

// announceBar arranges the bar-change callback to fire at roughly the
// audible downbeat rather than at scheduling time.
func (s *Scheduler) announceBar(bar int, at float64) {
	if s.opts.OnBarChange == nil {
		return
	}
	delay := time.Duration((at - s.host.CurrentTime()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	cb := s.opts.OnBarChange
	s.barTimers = append(s.barTimers, barTimer{timer: s.clk.AfterFunc(delay, func() { cb(bar) }), at: at})
}

// pruneFinished forgets clicks whose natural end has passed.
func (s *Scheduler) pruneFinished(now float64) {
	kept := s.active[:0]
	for _, c := range s.active {
		if c.end > now {
			kept = append(kept, c)
		}
	}
	s.active = kept
	timers := s.barTimers[:0]
	for _, bt := range s.barTimers {
		if bt.at > now {
			timers = append(timers, bt)
		}
	}
	s.barTimers = timers
}

// dropPending stops everything still scheduled past the playhead and
// cancels unexpired bar notifications.
func (s *Scheduler) dropPending() {
	now := s.host.CurrentTime()
	for _, c := range s.active {
		if c.end > now {
			c.osc.Stop(now)
		}
	}
	s.active = nil
	for _, bt := range s.barTimers {
		bt.timer.Stop()
	}
	s.barTimers = nil
}

package notmetronome

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// nullDevice accepts every write; writes are paced only by a 1 ms sleep,
// so the engine free-runs much faster than real time.
type nullDevice struct {
	mu      sync.Mutex
	playErr error
	played  bool
}

func (d *nullDevice) Write(p []byte) (int, error) {
	time.Sleep(time.Millisecond) // keep the free-running loop polite
	return len(p), nil
}

func (d *nullDevice) Play() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.played = true
	return d.playErr
}

func (d *nullDevice) Pause() error { return nil }
func (d *nullDevice) Flush() error { return nil }
func (d *nullDevice) Stop() error { return nil }
func (d *nullDevice) Release() error { return nil }
func (d *nullDevice) MinBufferSize() int { return 512 }

func fourFour() Config {
	return Config{BPM: 120, Loop: true, Bars: []Bar{{Meter: Meter{Beats: 4, Unit: 4}}}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestEngineLifecycle(t *testing.T) {
	e := NewEngine(WithDevice(&nullDevice{}))

	var mu sync.Mutex
	var states []State
	var ticks []TickEvent
	var bars []int
	e.OnState(func(s State, _ string) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	e.OnTick(func(ev TickEvent) {
		mu.Lock()
		ticks = append(ticks, ev)
		mu.Unlock()
	})
	e.OnBarChange(func(bar int) {
		mu.Lock()
		bars = append(bars, bar)
		mu.Unlock()
	})

	if e.Status() != StateIdle {
		t.Fatalf("initial state = %v, want idle", e.Status())
	}
	if err := e.Start(fourFour()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if e.Status() != StateRunning {
		t.Fatalf("state after start = %v, want running", e.Status())
	}
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(ticks) >= 5 })
	e.Stop()
	if e.Status() != StateIdle {
		t.Fatalf("state after stop = %v, want idle", e.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(ticks); i++ {
		if ticks[i].Index != ticks[i-1].Index+1 {
			t.Fatalf("tick indices not monotonic: %d then %d", ticks[i-1].Index, ticks[i].Index)
		}
	}
	if len(bars) == 0 || bars[0] != 0 {
		t.Fatalf("bar entries = %v, want leading 0", bars)
	}
	sawRunning, sawIdle := false, false
	for _, s := range states {
		if s == StateRunning {
			sawRunning = true
		}
		if s == StateIdle && sawRunning {
			sawIdle = true
		}
	}
	if !sawRunning || !sawIdle {
		t.Fatalf("state sequence %v missing running/idle terminals", states)
	}
}

func TestStartWhileRunningBecomesUpdate(t *testing.T) {
	e := NewEngine(WithDevice(&nullDevice{}))
	if err := e.Start(fourFour()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	next := fourFour()
	next.BPM = 90
	if err := e.Start(next); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if e.Status() != StateRunning {
		t.Fatalf("state = %v, want still running", e.Status())
	}
	if got := e.ActiveConfig().BPM; got != 90 {
		t.Fatalf("active BPM = %d, want 90", got)
	}
}

func TestStartFailsWhenAudioUnavailable(t *testing.T) {
	dev := &nullDevice{playErr: errors.New("no output")}
	e := NewEngine(WithDevice(dev))
	err := e.Start(fourFour())
	if !errors.Is(err, ErrAudioUnavailable) {
		t.Fatalf("start error = %v, want ErrAudioUnavailable", err)
	}
	if e.Status() != StateIdle {
		t.Fatalf("state = %v, want idle after failed start", e.Status())
	}
}

func TestWriteFailureMovesEngineToError(t *testing.T) {
	dev := &failingDevice{failAfter: 1}
	e := NewEngine(WithDevice(dev))
	if err := e.Start(fourFour()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return e.Status() == StateError })
	e.Stop()
	if e.Status() != StateIdle {
		t.Fatalf("state = %v, want idle after stop", e.Status())
	}
}

type failingDevice struct {
	mu        sync.Mutex
	writes    int
	failAfter int
}

func (d *failingDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	if d.writes > d.failAfter {
		return 0, errors.New("stream torn down")
	}
	return len(p), nil
}

func (d *failingDevice) Play() error { return nil }
func (d *failingDevice) Pause() error { return nil }
func (d *failingDevice) Flush() error { return nil }
func (d *failingDevice) Stop() error { return nil }
func (d *failingDevice) Release() error { return nil }
func (d *failingDevice) MinBufferSize() int { return 512 }

func TestPlayTestTick(t *testing.T) {
	e := NewEngine(WithDevice(&nullDevice{}))
	if e.PlayTestTick() {
		t.Fatal("test tick must fail while idle")
	}
	if err := e.Start(fourFour()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()
	if !e.PlayTestTick() {
		t.Fatal("test tick should be accepted while running")
	}
}

func TestAccentGainOverride(t *testing.T) {
	e := NewEngine(WithDevice(&nullDevice{}))
	table := DefaultAccentTable()
	table[BarStrong] = AccentParams{Gain: 0.5, Frequency: 880}
	e.SetAccentGains(table)
	if got := e.AccentGains()[BarStrong].Gain; got != 0.5 {
		t.Fatalf("override gain = %v, want 0.5", got)
	}

	var mu sync.Mutex
	var first *TickEvent
	e.OnTick(func(ev TickEvent) {
		mu.Lock()
		if first == nil {
			copied := ev
			first = &copied
		}
		mu.Unlock()
	})
	if err := e.Start(fourFour()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return first != nil })
	mu.Lock()
	defer mu.Unlock()
	if first.Gain != 0.5 {
		t.Fatalf("downbeat gain = %v, want 0.5", first.Gain)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	e := NewEngine(WithDevice(&nullDevice{}))
	var mu sync.Mutex
	count := 0
	cancel := e.OnTick(func(TickEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err := e.Start(fourFour()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return count >= 1 })
	cancel()
	mu.Lock()
	seen := count
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count > seen+1 {
		t.Fatalf("ticks kept arriving after unregister: %d then %d", seen, count)
	}
}

// Package hostaudio implements the push-mode device contract on top of
// an ebiten audio context. The synthesizer writes mono 16-bit PCM into a
// ring buffer; the context's player drains it through a reader that
// expands mono to the stereo stream ebiten expects, substituting silence
// on underrun so the driver never stalls.
package hostaudio

import (
	"fmt"
	"sync"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

const (
	// ringBytes buffers about 85 ms of mono 48 kHz audio.
	ringBytes = 8192

	// minWriteBytes is the smallest write the device advertises.
	minWriteBytes = 512
)

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// sharedAudioContext returns the process-wide ebiten audio context.
// ebiten allows exactly one context per process, pinned to the first
// sample rate requested.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// Output is a blocking-write PCM device over the shared audio context.
type Output struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []byte
	rd, wr int
	count  int
	closed bool

	player *ebitaudio.Player
}

// NewOutput opens a mono 16-bit device at the given sample rate.
func NewOutput(sampleRate int) (*Output, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	o := &Output{ring: make([]byte, ringBytes)}
	o.cond = sync.NewCond(&o.mu)
	pl, err := ctx.NewPlayer(&monoReader{out: o})
	if err != nil {
		return nil, err
	}
	o.player = pl
	return o, nil
}

// Write blocks until the whole buffer is in the ring, then reports it
// accepted. Returns an error once the device is released.
func (o *Output) Write(p []byte) (int, error) {
	written := 0
	o.mu.Lock()
	defer o.mu.Unlock()
	for written < len(p) {
		if o.closed {
			return written, fmt.Errorf("hostaudio: device released")
		}
		free := len(o.ring) - o.count
		if free == 0 {
			o.cond.Wait()
			continue
		}
		n := len(p) - written
		if n > free {
			n = free
		}
		for i := 0; i < n; i++ {
			o.ring[o.wr] = p[written+i]
			o.wr = (o.wr + 1) % len(o.ring)
		}
		o.count += n
		written += n
		o.cond.Broadcast()
	}
	return written, nil
}

// take moves up to len(p) buffered bytes into p without blocking and
// returns how many were available.
func (o *Output) take(p []byte) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(p)
	if n > o.count {
		n = o.count
	}
	for i := 0; i < n; i++ {
		p[i] = o.ring[o.rd]
		o.rd = (o.rd + 1) % len(o.ring)
	}
	o.count -= n
	if n > 0 {
		o.cond.Broadcast()
	}
	return n
}

func (o *Output) Play() error {
	o.player.Play()
	return nil
}

func (o *Output) Pause() error {
	o.player.Pause()
	return nil
}

// Flush discards everything buffered but not yet consumed.
func (o *Output) Flush() error {
	o.mu.Lock()
	o.rd, o.wr, o.count = 0, 0, 0
	o.cond.Broadcast()
	o.mu.Unlock()
	return nil
}

func (o *Output) Stop() error {
	o.player.Pause()
	return o.Flush()
}

// Release closes the player and unblocks any pending Write.
func (o *Output) Release() error {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
	return o.player.Close()
}

func (o *Output) MinBufferSize() int { return minWriteBytes }

// monoReader adapts the mono ring to the stereo 16-bit LE stream the
// context player reads. Underruns read as silence.
type monoReader struct {
	out *Output
	buf []byte
}

func (r *monoReader) Read(p []byte) (int, error) {
	frames := len(p) / 4
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]byte, need)
	}
	mono := r.buf[:need]
	got := r.out.take(mono)
	for i := got; i < len(mono); i++ {
		mono[i] = 0
	}
	for f := 0; f < frames; f++ {
		lo, hi := mono[f*2], mono[f*2+1]
		p[f*4] = lo
		p[f*4+1] = hi
		p[f*4+2] = lo
		p[f*4+3] = hi
	}
	return frames * 4, nil
}

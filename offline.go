package notmetronome

import (
	"encoding/binary"

	"github.com/gonzalogmercado-lang/NotMetronome/internal/config"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/push"
	"github.com/gonzalogmercado-lang/NotMetronome/internal/timeline"
)

// RenderClickTrack renders the configured click track offline through
// the same kernel the live push path uses. onTick may be nil.
func RenderClickTrack(cfg Config, sampleRate int, seconds float64, onTick func(TickEvent)) []int16 {
	norm := config.Normalize(cfg)
	snap := timeline.Compile(norm)
	if sampleRate <= 0 {
		sampleRate = push.DefaultSampleRate
	}
	frames := int(float64(sampleRate) * seconds)
	return push.RenderFrames(snap, sampleRate, frames, nil, onTick)
}

// EncodeWAVInt16LE wraps raw 16-bit little-endian PCM in a WAV header.
func EncodeWAVInt16LE(samples []int16, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 2
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[44+i*2:], uint16(s))
	}
	return out
}

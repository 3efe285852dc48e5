package protocol

import (
	"encoding/binary"
	"math"
	"sync"
)

// BytesPerSample is the size of one float32 sample on the wire.
const BytesPerSample = 4

var pcmPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096*2*BytesPerSample)
		return &b
	},
}

// AcquirePCM returns a payload buffer of length n from the pool.
// Ownership passes with the record command; the consumer calls ReleasePCM.
func AcquirePCM(n int) []byte {
	bp := pcmPool.Get().(*[]byte)
	b := *bp
	if cap(b) < n {
		b = make([]byte, n)
	}
	return b[:n]
}

// ReleasePCM returns a payload buffer to the pool.
func ReleasePCM(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:0]
	pcmPool.Put(&b)
}

// PCMSize returns the payload size for frames samples on each of channels channels.
func PCMSize(frames, channels int) int {
	return frames * channels * BytesPerSample
}

// Interleave packs per-channel samples into dst as interleaved little-endian float32.
// dst must hold PCMSize(len(frame[0]), len(frame)) bytes.
func Interleave(dst []byte, frame [][]float32) {
	channels := len(frame)
	for ch, samples := range frame {
		for i, s := range samples {
			off := (i*channels + ch) * BytesPerSample
			binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(s))
		}
	}
}

// SampleAt returns the i-th interleaved sample of a payload.
func SampleAt(pcm []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*BytesPerSample:]))
}

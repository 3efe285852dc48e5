package audio

import (
	"math"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

const (
	// MinDB is the minimum dB level (silence).
	MinDB = -60.0
	// ClipThreshold is slightly below full scale to catch near-clips.
	ClipThreshold = 32760.0 / 32768.0
)

// LevelData holds raw sample accumulator data for level calculation.
type LevelData struct {
	SumSquares  []float64
	Peak        []float64
	ClipCount   []int
	SampleCount int
}

// NewLevelData returns accumulators for channels channels.
func NewLevelData(channels int) *LevelData {
	return &LevelData{
		SumSquares: make([]float64, channels),
		Peak:       make([]float64, channels),
		ClipCount:  make([]int, channels),
	}
}

// ProcessFrame accumulates level data from one frame. Channels beyond those
// the accumulator was created for are ignored.
func ProcessFrame(frame [][]float32, data *LevelData) {
	channels := min(len(frame), len(data.SumSquares))
	if channels == 0 {
		return
	}
	for ch := range channels {
		for _, v := range frame[ch] {
			s := float64(v)
			data.SumSquares[ch] += s * s
			abs := math.Abs(s)
			if abs > data.Peak[ch] {
				data.Peak[ch] = abs
			}
			if abs >= ClipThreshold {
				data.ClipCount[ch]++
			}
		}
	}
	data.SampleCount += len(frame[0])
}

// Levels contains calculated audio levels in dB.
type Levels struct {
	RMS  []float64
	Peak []float64
	Clip []int
}

// CalculateLevels computes RMS and peak levels from accumulated sample data.
func CalculateLevels(data *LevelData) Levels {
	channels := len(data.SumSquares)
	levels := Levels{
		RMS:  make([]float64, channels),
		Peak: make([]float64, channels),
		Clip: append([]int(nil), data.ClipCount...),
	}
	for ch := range channels {
		if data.SampleCount == 0 {
			levels.RMS[ch] = MinDB
			levels.Peak[ch] = MinDB
			continue
		}
		rms := math.Sqrt(data.SumSquares[ch] / float64(data.SampleCount))
		levels.RMS[ch] = max(20*math.Log10(rms), MinDB)
		levels.Peak[ch] = max(20*math.Log10(data.Peak[ch]), MinDB)
	}
	return levels
}

// ResetLevelData resets accumulators for the next measurement period.
func ResetLevelData(data *LevelData) {
	clear(data.SumSquares)
	clear(data.Peak)
	clear(data.ClipCount)
	data.SampleCount = 0
}

// Meter turns capture frames into periodically published levels.
// Process must be called from a single goroutine; Levels is safe for
// concurrent use.
type Meter struct {
	data   *LevelData
	window int
	peaks  *PeakHolder
	now    func() time.Time

	mu     sync.RWMutex
	levels types.AudioLevels
}

// NewMeter returns a Meter publishing levels for channels channels roughly
// every types.LevelsInterval of audio at sampleRate.
func NewMeter(channels, sampleRate int) *Meter {
	m := &Meter{
		data:   NewLevelData(channels),
		window: max(1, int(float64(sampleRate)*types.LevelsInterval.Seconds())),
		peaks:  NewPeakHolder(channels),
		now:    time.Now,
	}
	m.levels = SilentLevels(channels)
	return m
}

// Process accumulates a frame and publishes new levels once a full window
// has been seen.
func (m *Meter) Process(frame [][]float32) {
	ProcessFrame(frame, m.data)
	if m.data.SampleCount < m.window {
		return
	}

	levels := CalculateLevels(m.data)
	held := m.peaks.Update(levels.Peak, m.now())
	ResetLevelData(m.data)

	m.mu.Lock()
	m.levels = types.AudioLevels{RMS: levels.RMS, Peak: held, Clip: levels.Clip}
	m.mu.Unlock()
}

// Levels returns the most recently published levels.
func (m *Meter) Levels() types.AudioLevels {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.AudioLevels{
		RMS:  append([]float64(nil), m.levels.RMS...),
		Peak: append([]float64(nil), m.levels.Peak...),
		Clip: append([]int(nil), m.levels.Clip...),
	}
}

// SilentLevels returns levels reporting silence on every channel.
func SilentLevels(channels int) types.AudioLevels {
	levels := types.AudioLevels{
		RMS:  make([]float64, channels),
		Peak: make([]float64, channels),
	}
	for ch := range channels {
		levels.RMS[ch] = MinDB
		levels.Peak[ch] = MinDB
	}
	return levels
}

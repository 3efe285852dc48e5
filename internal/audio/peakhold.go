package audio

import "time"

// PeakHoldDuration is how long peaks are held before decay.
const PeakHoldDuration = 1500 * time.Millisecond

// PeakHolder tracks peak-hold state for VU meters, per channel.
type PeakHolder struct {
	held  []float64
	since []time.Time
}

// NewPeakHolder creates a peak holder for channels channels at minimum level.
func NewPeakHolder(channels int) *PeakHolder {
	p := &PeakHolder{
		held:  make([]float64, channels),
		since: make([]time.Time, channels),
	}
	p.Reset()
	return p
}

// Update raises each held peak to the current peak, or replaces it once its
// hold time has expired. It returns a copy of the held peaks.
func (p *PeakHolder) Update(peaks []float64, now time.Time) []float64 {
	for ch := range min(len(peaks), len(p.held)) {
		if peaks[ch] >= p.held[ch] || now.Sub(p.since[ch]) > PeakHoldDuration {
			p.held[ch] = peaks[ch]
			p.since[ch] = now
		}
	}
	return append([]float64(nil), p.held...)
}

// Reset resets peak hold to minimum levels.
func (p *PeakHolder) Reset() {
	for ch := range p.held {
		p.held[ch] = MinDB
		p.since[ch] = time.Time{}
	}
}

// Package relay moves capture frames to the encoder without blocking.
//
// A Relay is fed from the capture callback once per tick. It checks the frame
// shape, points a reusable per-channel container at the tick's sample arrays,
// packs them into a pooled interleaved payload and hands the payload to a
// Deliverer. The interleave is the only copy of the samples. When the
// Deliverer cannot take the payload right away the tick is dropped and
// reported; nothing is queued inside the relay.
package relay

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
)

// ErrFrameShape is returned when a frame does not have the configured channel
// count or its channels differ in length.
var ErrFrameShape = errors.New("invalid frame shape")

// Deliverer accepts record payloads. Deliver must not block. On success it
// takes ownership of pcm; on error ownership stays with the caller.
type Deliverer interface {
	Deliver(pcm []byte, frames int) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(pcm []byte, frames int) error

// Deliver calls f(pcm, frames).
func (f DelivererFunc) Deliver(pcm []byte, frames int) error {
	return f(pcm, frames)
}

// Processor observes each accepted frame on the capture path, e.g. a level meter.
type Processor interface {
	Process(frame [][]float32)
}

// Stats counts relayed ticks.
type Stats struct {
	Delivered uint64
	Dropped   uint64
}

// Option configures a Relay.
type Option func(*Relay)

// WithDropHandler sets a function called with the reason for every dropped tick.
// It runs on the capture path and must not block.
func WithDropHandler(fn func(error)) Option {
	return func(r *Relay) {
		r.onDrop = fn
	}
}

// WithProcessor adds an observer that sees every accepted frame.
func WithProcessor(p Processor) Option {
	return func(r *Relay) {
		r.processors = append(r.processors, p)
	}
}

// Relay forwards capture frames for a fixed channel count.
// Tick is intended to be called from a single capture goroutine.
type Relay struct {
	numChannels int
	deliver     Deliverer
	onDrop      func(error)
	processors  []Processor

	// buffers is the per-channel container reused across ticks. It refers to
	// the current frame only for the duration of Tick.
	buffers [][]float32

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New returns a Relay for frames of numChannels channels.
func New(numChannels int, deliver Deliverer, opts ...Option) *Relay {
	r := &Relay{
		numChannels: numChannels,
		deliver:     deliver,
		buffers:     make([][]float32, numChannels),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tick relays one capture frame. A frame with the wrong shape is rejected;
// a frame the Deliverer refuses is dropped. Both count as drops.
func (r *Relay) Tick(frame [][]float32) error {
	if err := r.fill(frame); err != nil {
		return r.drop(err)
	}
	defer clear(r.buffers)

	frames := len(r.buffers[0])
	for _, p := range r.processors {
		p.Process(r.buffers)
	}

	pcm := protocol.AcquirePCM(protocol.PCMSize(frames, r.numChannels))
	protocol.Interleave(pcm, r.buffers)
	if err := r.deliver.Deliver(pcm, frames); err != nil {
		protocol.ReleasePCM(pcm)
		return r.drop(err)
	}

	r.delivered.Add(1)
	return nil
}

// Stats returns the tick counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
	}
}

// fill validates frame and loads its channels into the reusable container.
func (r *Relay) fill(frame [][]float32) error {
	if len(frame) == 0 || len(frame) != r.numChannels {
		return fmt.Errorf("%w: got %d channels, want %d", ErrFrameShape, len(frame), r.numChannels)
	}
	size := len(frame[0])
	if size == 0 {
		return fmt.Errorf("%w: empty frame", ErrFrameShape)
	}
	for ch, samples := range frame {
		if len(samples) != size {
			return fmt.Errorf("%w: channel %d has %d samples, want %d", ErrFrameShape, ch, len(samples), size)
		}
	}

	copy(r.buffers, frame)
	return nil
}

func (r *Relay) drop(err error) error {
	r.dropped.Add(1)
	if r.onDrop != nil {
		r.onDrop(err)
	}
	return err
}

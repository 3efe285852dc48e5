// Package audio provides capture sources and level metering.
//
// A Source delivers fixed-size multichannel frames to a Tap from its own
// goroutine or audio callback. Frames are only valid for the duration of the
// call; a Tap that needs the samples afterwards must copy them.
package audio

import (
	"context"
	"errors"
	"io"
)

// ErrNoAudioDevice is returned when no audio input device is available.
var ErrNoAudioDevice = errors.New("no audio input device found")

// Tap receives one frame per capture tick: one slice per channel, all of equal
// length. It runs on the capture path and must not block.
type Tap func(frame [][]float32)

// StopFunc is called at most once when a capture ends without being closed,
// for example when the capture process exits. It may call Close.
type StopFunc func(err error)

// Source opens capture taps on an audio input.
type Source interface {
	// SampleRate returns the rate frames are captured at.
	SampleRate() int
	// Open starts capturing numChannels channels in ticks of bufferSize frames
	// and calls tap for every tick until the returned Closer is closed.
	// No tap call is made after Close returns. onStop may be nil.
	Open(ctx context.Context, numChannels, bufferSize int, tap Tap, onStop StopFunc) (io.Closer, error)
}

// CaptureConfig defines platform-specific audio capture configuration.
type CaptureConfig struct {
	// Command is the executable name (e.g., "arecord", "ffmpeg").
	Command string

	// InputFormat is the FFmpeg input format (e.g., "avfoundation", "dshow").
	// Empty for non-FFmpeg backends like arecord.
	InputFormat string

	// DevicePrefix is prepended to device IDs (e.g., "audio=" for DirectShow).
	DevicePrefix string

	// DefaultDevice is used when no device is configured.
	DefaultDevice string

	// BuildArgs returns the command arguments capturing interleaved s16le
	// samples from device at the given rate and channel count.
	BuildArgs func(device string, sampleRate, channels int) []string
}

// BuildCaptureCommand returns the command and arguments for audio capture.
// If device is empty, it attempts to use the default or auto-detect.
func BuildCaptureCommand(device string, sampleRate, channels int) (cmd string, args []string, err error) {
	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultDevice
	}

	// Auto-detect if still empty (Windows has no safe default).
	if device == "" {
		devices := ListDevices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	return cfg.Command, cfg.BuildArgs(device, sampleRate, channels), nil
}

// NewFrame allocates a frame of channels slices holding size samples each.
func NewFrame(channels, size int) [][]float32 {
	backing := make([]float32, channels*size)
	frame := make([][]float32, channels)
	for ch := range frame {
		frame[ch] = backing[ch*size : (ch+1)*size : (ch+1)*size]
	}
	return frame
}

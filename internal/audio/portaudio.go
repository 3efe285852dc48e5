//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// PortAudioAvailable reports whether this build includes PortAudio capture.
const PortAudioAvailable = true

// PortAudioSource captures through a PortAudio callback stream.
type PortAudioSource struct {
	Device string
	Rate   int
}

// NewPortAudioSource returns a Source using the named input device, or the
// default input device when device is empty.
func NewPortAudioSource(device string, sampleRate int) (Source, error) {
	if sampleRate <= 0 {
		sampleRate = types.DefaultSampleRate
	}
	return &PortAudioSource{Device: device, Rate: sampleRate}, nil
}

// SampleRate returns the capture rate.
func (s *PortAudioSource) SampleRate() int {
	return s.Rate
}

// Open starts a non-interleaved input stream whose callback feeds tap.
func (s *PortAudioSource) Open(_ context.Context, numChannels, bufferSize int, tap Tap, _ StopFunc) (io.Closer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	device, err := s.findDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	c := &portAudioCapture{}
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: numChannels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.Rate),
		FramesPerBuffer: bufferSize,
	}, func(in [][]float32) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.closed {
			tap(in)
		}
	})
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}
	c.stream = stream

	slog.Info("capture started", "backend", "portaudio", "device", device.Name, "sample_rate", s.Rate, "channels", numChannels, "buffer_size", bufferSize)
	return c, nil
}

func (s *PortAudioSource) findDevice() (*portaudio.DeviceInfo, error) {
	if s.Device == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == s.Device && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", s.Device)
}

// portAudioCapture is one open PortAudio stream.
type portAudioCapture struct {
	stream *portaudio.Stream

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// Close detaches the tap, then stops the stream and releases PortAudio.
func (c *portAudioCapture) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if stopErr := c.stream.Stop(); stopErr != nil {
			slog.Warn("failed to stop audio stream", "error", stopErr)
		}
		err = c.stream.Close()
		portaudio.Terminate()
	})
	return err
}

// ListPortAudioDevices returns the input devices PortAudio can open.
func ListPortAudioDevices() ([]types.AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]types.AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, types.AudioDevice{ID: d.Name, Name: d.Name})
		}
	}
	return result, nil
}

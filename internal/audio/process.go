package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/oszuidwest/zwfm-recorder/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// bytesPerS16 is the size of one captured sample.
const bytesPerS16 = 2

// ProcessSource captures through arecord (Linux) or FFmpeg (macOS, Windows),
// reading raw s16le samples from the child's stdout.
type ProcessSource struct {
	Device string
	Rate   int

	// command overrides the platform capture command in tests.
	command func(device string, sampleRate, channels int) (string, []string, error)
}

// NewProcessSource returns a Source capturing from device at sampleRate.
func NewProcessSource(device string, sampleRate int) *ProcessSource {
	if sampleRate <= 0 {
		sampleRate = types.DefaultSampleRate
	}
	return &ProcessSource{Device: device, Rate: sampleRate, command: BuildCaptureCommand}
}

// SampleRate returns the capture rate.
func (s *ProcessSource) SampleRate() int {
	return s.Rate
}

// Open starts the capture process and feeds tap from a reader goroutine.
// onStop is told when the process ends before Close.
func (s *ProcessSource) Open(ctx context.Context, numChannels, bufferSize int, tap Tap, onStop StopFunc) (io.Closer, error) {
	name, args, err := s.command(s.Device, s.Rate, numChannels)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, name, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stderr := util.NewStderrBuffer()
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("create capture stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start capture process", err)
	}

	c := &processCapture{
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	slog.Info("capture started", "command", name, "device", s.Device, "sample_rate", s.Rate, "channels", numChannels, "buffer_size", bufferSize)

	go c.run(stdout, stderr, numChannels, bufferSize, tap, onStop)
	return c, nil
}

// processCapture is one running capture process.
type processCapture struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (c *processCapture) run(stdout io.Reader, stderr *util.BoundedBuffer, channels, size int, tap Tap, onStop StopFunc) {
	err := c.capture(stdout, stderr, channels, size, tap)
	close(c.done)

	if err != nil && onStop != nil {
		onStop(err)
	}
}

// capture feeds tap until the process output ends. It returns why the
// capture stopped, or nil when it was closed.
func (c *processCapture) capture(stdout io.Reader, stderr *util.BoundedBuffer, channels, size int, tap Tap) error {
	buf := make([]byte, channels*size*bytesPerS16)
	frame := NewFrame(channels, size)
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if !c.isClosed() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Error("capture read failed", "error", err)
			}
			break
		}
		deinterleaveS16(frame, buf)

		c.mu.Lock()
		if !c.closed {
			tap(frame)
		}
		c.mu.Unlock()
	}

	err := c.cmd.Wait()
	if c.isClosed() {
		return nil
	}
	lastErr := ffmpeg.ExtractLastError(stderr.String())
	slog.Error("capture process exited", "error", err, "stderr", lastErr)
	switch {
	case err != nil && lastErr != "":
		return fmt.Errorf("capture process exited: %w: %s", err, lastErr)
	case err != nil:
		return fmt.Errorf("capture process exited: %w", err)
	default:
		return errors.New("capture process ended unexpectedly")
	}
}

func (c *processCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close detaches the tap immediately, then stops the capture process.
func (c *processCapture) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		<-c.done
	})
	return nil
}

// deinterleaveS16 converts interleaved s16le samples into per-channel floats in [-1, 1).
func deinterleaveS16(frame [][]float32, buf []byte) {
	channels := len(frame)
	for i := range len(buf) / bytesPerS16 {
		s := int16(binary.LittleEndian.Uint16(buf[i*bytesPerS16:]))
		frame[i%channels][i/channels] = float32(s) / 32768
	}
}

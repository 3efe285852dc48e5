package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// CodecArgs returns the FFmpeg codec arguments for an encoding.
func CodecArgs(kind types.EncodingKind, opts *config.Options) []string {
	preset := types.CodecPresets[kind]
	switch kind {
	case types.EncodingOGG:
		return []string{preset.Codec, "-qscale:a", types.VorbisQuality(opts.OGG.Quality)}
	case types.EncodingMP3:
		return []string{preset.Codec, "-b:a", types.MP3Bitrate(opts.MP3.BitRate)}
	default:
		return []string{preset.Codec}
	}
}

// ffmpegWriter pipes payloads into an FFmpeg child process writing the output file.
type ffmpegWriter struct {
	path   string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stderr *util.BoundedBuffer
	done   chan error
}

func newFFmpegWriter(bin, path string, format *protocol.Init, opts *config.Options) (*ffmpegWriter, error) {
	preset := types.CodecPresets[format.Encoding]
	args := ffmpeg.BuildArgsWithOverwrite(
		ffmpeg.Float32(format.SampleRate, format.NumChannels),
		CodecArgs(format.Encoding, opts),
		preset.Format,
		path,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// Capture stderr for error reporting (bounded buffer)
	stderr := util.NewStderrBuffer()
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdinPipe.Close()
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	w := &ffmpegWriter{
		path:   path,
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdinPipe,
		stderr: stderr,
		done:   make(chan error, 1),
	}
	go func() {
		w.done <- cmd.Wait()
	}()

	slog.Info("encoding with ffmpeg", "file", path, "codec", preset.Codec)
	return w, nil
}

// Write sends a payload to FFmpeg.
func (w *ffmpegWriter) Write(pcm []byte) error {
	if w.stdin == nil {
		return errors.New("ffmpeg writer is closed")
	}
	if _, err := w.stdin.Write(pcm); err != nil {
		return w.exitError(err)
	}
	return nil
}

// Close signals end of input and waits for FFmpeg to write the trailer.
func (w *ffmpegWriter) Close(ctx context.Context) error {
	if w.stdin == nil {
		return nil
	}
	if err := w.stdin.Close(); err != nil {
		slog.Warn("failed to close ffmpeg stdin", "file", w.path, "error", err)
	}
	w.stdin = nil

	var err error
	select {
	case err = <-w.done:
	case <-ctx.Done():
		w.cancel()
		<-w.done
		err = ctx.Err()
	}
	w.cancel()
	w.cancel = nil
	if err != nil && ctx.Err() == nil {
		return w.exitError(err)
	}
	return err
}

// Abort stops FFmpeg and removes the partial output.
func (w *ffmpegWriter) Abort() {
	if w.stdin != nil {
		_ = w.stdin.Close()
		w.stdin = nil
	}
	if w.cancel != nil {
		w.cancel()
		<-w.done
		w.cancel = nil
	}
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove partial output", "file", w.path, "error", err)
	}
}

// exitError prefers FFmpeg's own last stderr line over the Go error.
func (w *ffmpegWriter) exitError(err error) error {
	if msg := ffmpeg.ExtractLastError(w.stderr.String()); msg != "" {
		return fmt.Errorf("ffmpeg: %s", msg)
	}
	return util.WrapError("run ffmpeg", err)
}

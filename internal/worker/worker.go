// Package worker implements the encoder side of the recorder protocol.
//
// A Worker consumes commands in order, writes record payloads to a codec
// backend and reports loaded, timeout, progress, complete and error events.
// It runs either inside a child process (see Serve) or on a goroutine owned by
// the encoder link.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// sink receives interleaved float32 payloads for one recording.
type sink interface {
	Write(pcm []byte) error
	// Close finalizes the output.
	Close(ctx context.Context) error
	// Abort stops writing and removes any partial output.
	Abort()
}

// Worker handles protocol commands. Handle is not safe for concurrent use;
// callers deliver commands from a single goroutine in the order received.
type Worker struct {
	emit     func(protocol.Event)
	lookPath func(string) (string, error)
	now      func() time.Time

	format  *protocol.Init
	opts    config.Options
	ffmpeg  string
	session string
	path    string
	sink    sink
	spool   *spool
	frames  int64
	timeout bool
}

// New returns a Worker that reports events through emit.
func New(emit func(protocol.Event)) *Worker {
	return &Worker{
		emit:     emit,
		lookPath: exec.LookPath,
		now:      time.Now,
	}
}

// Recording reports whether a recording session is open.
func (w *Worker) Recording() bool {
	return w.session != ""
}

// Handle processes one command.
func (w *Worker) Handle(ctx context.Context, cmd protocol.Command) {
	switch cmd.Command {
	case protocol.CommandInit:
		w.handleInit(cmd)
	case protocol.CommandOptions:
		w.handleOptions(cmd)
	case protocol.CommandStart:
		w.handleStart(cmd)
	case protocol.CommandRecord:
		w.handleRecord(cmd)
	case protocol.CommandCancel:
		w.handleCancel(cmd)
	case protocol.CommandFinish:
		w.handleFinish(ctx, cmd)
	default:
		w.fail(w.session, fmt.Errorf("%w: unknown command %q", protocol.ErrMalformed, cmd.Command))
	}
}

// Close aborts any open recording.
func (w *Worker) Close() {
	if w.Recording() {
		slog.Info("aborting open recording", "session", w.session)
		w.abort()
	}
}

func (w *Worker) handleInit(cmd protocol.Command) {
	w.Close()

	if cmd.Config == nil || cmd.Options == nil {
		w.fail("", fmt.Errorf("%w: init without config or options", protocol.ErrMalformed))
		return
	}
	preset, ok := types.CodecPresets[cmd.Config.Encoding]
	if !ok {
		w.fail("", fmt.Errorf("init: unsupported encoding %q", cmd.Config.Encoding))
		return
	}
	if !preset.Native {
		path, err := w.lookPath("ffmpeg")
		if err != nil {
			w.fail("", util.WrapError("find ffmpeg", err))
			return
		}
		w.ffmpeg = path
	}

	format := *cmd.Config
	w.format = &format
	w.opts = cmd.Options.Clone()

	slog.Info("encoder loaded", "encoding", format.Encoding, "sample_rate", format.SampleRate, "channels", format.NumChannels)
	w.emit(protocol.Event{Event: protocol.EventLoaded, Encoding: format.Encoding})
}

func (w *Worker) handleOptions(cmd protocol.Command) {
	if w.Recording() {
		w.fail(w.session, errors.New("options: cannot set options during recording"))
		return
	}
	if cmd.Options == nil {
		w.fail("", fmt.Errorf("%w: options without options", protocol.ErrMalformed))
		return
	}
	w.opts = cmd.Options.Clone()
}

func (w *Worker) handleStart(cmd protocol.Command) {
	if w.format == nil {
		w.fail(cmd.Session, errors.New("start: encoder is not initialized"))
		return
	}
	if w.Recording() {
		w.fail(cmd.Session, errors.New("start: previous recording is running"))
		return
	}

	preset := types.CodecPresets[w.format.Encoding]
	if err := os.MkdirAll(w.opts.OutputDir, 0o755); err != nil {
		w.fail(cmd.Session, util.WrapError("create output directory", err))
		return
	}
	path := filepath.Join(w.opts.OutputDir, cmd.Session+"."+preset.Extension)

	var s sink
	var err error
	if w.opts.EncodeAfterRecord {
		w.spool, err = newSpool(w.opts.OutputDir, cmd.Session)
		s = w.spool
	} else {
		s, err = w.openBackend(path)
	}
	if err != nil {
		w.fail(cmd.Session, err)
		return
	}

	w.session = cmd.Session
	w.path = path
	w.sink = s
	w.frames = 0
	w.timeout = false

	slog.Info("recording started", "session", w.session, "file", path, "encode_after_record", w.opts.EncodeAfterRecord)
}

func (w *Worker) handleRecord(cmd protocol.Command) {
	if !w.Recording() {
		w.fail("", errors.New("record: no recording is running"))
		return
	}
	if want := protocol.PCMSize(cmd.Frames, w.format.NumChannels); len(cmd.PCM) != want {
		w.fail(w.session, fmt.Errorf("%w: record payload is %d bytes, want %d", protocol.ErrMalformed, len(cmd.PCM), want))
		return
	}

	if err := w.sink.Write(cmd.PCM); err != nil {
		session := w.session
		w.abort()
		w.fail(session, util.WrapError("write audio", err))
		return
	}

	w.frames += int64(cmd.Frames)
	if limit := w.limitFrames(); limit > 0 && !w.timeout && w.frames >= limit {
		w.timeout = true
		slog.Info("recording reached time limit", "session", w.session, "limit", w.opts.TimeLimit)
		w.emit(protocol.Event{Event: protocol.EventTimeout, Session: w.session})
	}
}

func (w *Worker) handleCancel(cmd protocol.Command) {
	if !w.Recording() {
		return
	}
	if cmd.Session != "" && cmd.Session != w.session {
		slog.Warn("ignoring cancel for another session", "session", cmd.Session, "current", w.session)
		return
	}
	slog.Info("recording cancelled", "session", w.session)
	w.abort()
}

func (w *Worker) handleFinish(ctx context.Context, cmd protocol.Command) {
	if !w.Recording() {
		w.fail(cmd.Session, errors.New("finish: no recording is running"))
		return
	}
	if cmd.Session != "" && cmd.Session != w.session {
		w.fail(cmd.Session, fmt.Errorf("finish: session %s is not recording", cmd.Session))
		return
	}

	session := w.session
	var err error
	if w.opts.EncodeAfterRecord {
		err = w.encodeSpool(ctx)
	} else {
		err = w.sink.Close(ctx)
	}
	if err != nil {
		w.abort()
		if ctx.Err() != nil {
			return
		}
		w.fail(session, err)
		return
	}

	artifact, err := w.artifact()
	w.reset()
	if err != nil {
		w.fail(session, err)
		return
	}

	slog.Info("recording complete", "session", session, "file", artifact.Path, "size", artifact.Size, "duration", artifact.Duration)
	w.emit(protocol.Event{Event: protocol.EventComplete, Session: session, Artifact: artifact})
}

// encodeSpool replays the spooled recording into the codec backend,
// reporting progress no more often than the configured interval.
func (w *Worker) encodeSpool(ctx context.Context) error {
	backend, err := w.openBackend(w.path)
	if err != nil {
		return err
	}
	w.sink = backend

	chunk := protocol.PCMSize(types.DefaultBufferSize, w.format.NumChannels)
	last := w.now()
	err = w.spool.Replay(ctx, chunk, backend, func(fraction float64) {
		if now := w.now(); now.Sub(last) >= w.opts.ProgressInterval {
			last = now
			w.emit(protocol.Event{Event: protocol.EventProgress, Session: w.session, Progress: fraction})
		}
	})
	w.spool.Abort()
	w.spool = nil
	if err != nil {
		return err
	}

	w.emit(protocol.Event{Event: protocol.EventProgress, Session: w.session, Progress: 1})
	return backend.Close(ctx)
}

// openBackend starts the codec for the current encoding.
func (w *Worker) openBackend(path string) (sink, error) {
	if w.format.Encoding == types.EncodingWAV {
		return newWAVWriter(path, w.format, w.opts.WAV)
	}
	return newFFmpegWriter(w.ffmpeg, path, w.format, &w.opts)
}

func (w *Worker) artifact() (*types.Artifact, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, util.WrapError("stat artifact", err)
	}
	return &types.Artifact{
		Session:  w.session,
		Encoding: w.format.Encoding,
		MimeType: w.opts.MimeType(w.format.Encoding),
		Path:     w.path,
		Size:     info.Size(),
		Duration: time.Duration(float64(w.frames) / float64(w.format.SampleRate) * float64(time.Second)),
	}, nil
}

// limitFrames returns the frame count at which the time limit is reached, or 0.
func (w *Worker) limitFrames() int64 {
	if w.opts.TimeLimit <= 0 {
		return 0
	}
	return int64(w.opts.TimeLimit.Seconds() * float64(w.format.SampleRate))
}

// abort discards the open recording and its partial output.
func (w *Worker) abort() {
	if w.sink != nil {
		w.sink.Abort()
	}
	if w.spool != nil {
		w.spool.Abort()
	}
	if w.path != "" {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove partial output", "file", w.path, "error", err)
		}
	}
	w.reset()
}

func (w *Worker) reset() {
	w.session = ""
	w.path = ""
	w.sink = nil
	w.spool = nil
	w.frames = 0
	w.timeout = false
}

func (w *Worker) fail(session string, err error) {
	slog.Error("encoder error", "session", session, "error", err)
	w.emit(protocol.ErrorEvent(session, err))
}

// Serve runs a Worker over a JSON-lines stream until in is exhausted or ctx is cancelled.
// Malformed commands are reported as error events and do not stop the loop.
func Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	pw := protocol.NewWriter(out)
	w := New(func(ev protocol.Event) {
		if err := pw.WriteEvent(&ev); err != nil {
			slog.Error("failed to write event", "event", ev.Event, "error", err)
		}
	})
	defer w.Close()

	type result struct {
		cmd protocol.Command
		err error
	}
	commands := make(chan result)
	go func() {
		defer close(commands)
		r := protocol.NewReader(in)
		for {
			cmd, err := r.ReadCommand()
			select {
			case commands <- result{cmd, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, protocol.ErrMalformed) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-commands:
			if !ok {
				return nil
			}
			switch {
			case res.err == nil:
				w.Handle(ctx, res.cmd)
			case errors.Is(res.err, protocol.ErrMalformed):
				w.fail(w.session, res.err)
			case errors.Is(res.err, io.EOF):
				return nil
			default:
				return util.WrapError("read command", res.err)
			}
		}
	}
}

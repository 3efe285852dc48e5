// Package recorder implements the recording session controller.
//
// A Recorder ties a capture Source, a relay and an encoder Link together and
// enforces the session state machine:
//
//	idle -> recording -> finishing | encoding -> complete -> idle
//	recording -> cancelling -> idle
//	recording | finishing | encoding -> error -> idle
//
// Public operations are serialized. Encoder events are applied under the state
// lock and host callbacks always run after it has been released.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-recorder/internal/audio"
	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/encoder"
	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
	"github.com/oszuidwest/zwfm-recorder/internal/relay"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock replaces the wall clock used for elapsed time and the time limit.
func WithClock(c Clock) Option {
	return func(r *Recorder) {
		r.clock = c
	}
}

// WithLinkOptions tunes the encoder link.
func WithLinkOptions(o encoder.Options) Option {
	return func(r *Recorder) {
		r.linkOpts = o
	}
}

// WithSessionIDs replaces the generator for recording session ids.
func WithSessionIDs(fn func() string) Option {
	return func(r *Recorder) {
		r.newID = fn
	}
}

// Recorder is the recording session controller.
type Recorder struct {
	source   audio.Source
	link     *encoder.Link
	cb       Callbacks
	clock    Clock
	linkOpts encoder.Options
	newID    func() string

	// ops serializes public operations.
	ops sync.Mutex

	mu           sync.Mutex
	cfg          config.Recorder
	state        types.SessionState
	session      string
	startedAt    time.Time
	tap          io.Closer
	relay        *relay.Relay
	meter        *audio.Meter
	timer        Timer
	timedOut     bool
	expired      string
	progress     float64
	outcome      types.SessionState
	lastErr      string
	lastArtifact *types.Artifact

	drops chan error
	done  chan struct{}
}

// New validates cfg, starts an encoder through dial and returns an idle Recorder.
func New(cfg config.Recorder, source audio.Source, dial encoder.Dialer, cb Callbacks, opts ...Option) (*Recorder, error) {
	if cb.OnComplete == nil {
		return nil, errMissingOnComplete
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recorder configuration: %w", err)
	}

	r := &Recorder{
		source: source,
		cb:     cb.withDefaults(),
		clock:  systemClock{},
		newID:  uuid.NewString,
		cfg:    config.Merge(cfg, config.Patch{}),
		state:  types.StateIdle,
		drops:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.link = encoder.NewLink(dial, r.handleEvent, r.linkOpts)

	go r.dispatchDrops()

	if err := r.initialize(r.cfg); err != nil {
		close(r.done)
		return nil, err
	}
	return r, nil
}

// WaitLoaded blocks until the encoder has acknowledged its configuration.
func (r *Recorder) WaitLoaded(ctx context.Context) error {
	return r.link.WaitLoaded(ctx)
}

// IsRecording reports whether the capture tap is attached.
func (r *Recorder) IsRecording() bool {
	return r.State() == types.StateRecording
}

// State returns the current session state.
func (r *Recorder) State() types.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Config returns a copy of the current configuration.
func (r *Recorder) Config() config.Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return config.Merge(r.cfg, config.Patch{})
}

// RecordingTime returns the time elapsed since recording started. The second
// result is false when no recording is running.
func (r *Recorder) RecordingTime() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != types.StateRecording {
		return 0, false
	}
	return r.clock.Now().Sub(r.startedAt), true
}

// Levels returns the input levels of the running recording, or silence.
func (r *Recorder) Levels() types.AudioLevels {
	r.mu.Lock()
	meter, channels, recording := r.meter, r.cfg.NumChannels, r.state == types.StateRecording
	r.mu.Unlock()

	if meter == nil || !recording {
		return audio.SilentLevels(channels)
	}
	return meter.Levels()
}

// Status returns a summary of the recorder.
func (r *Recorder) Status() types.RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := types.RecorderStatus{
		State:        r.state,
		Encoding:     r.cfg.Encoding,
		NumChannels:  r.cfg.NumChannels,
		Session:      r.session,
		Progress:     r.progress,
		Outcome:      r.outcome,
		LastError:    r.lastErr,
		LastArtifact: r.lastArtifact,
	}
	if r.state == types.StateRecording {
		status.Elapsed = r.clock.Now().Sub(r.startedAt).Seconds()
	}
	if r.relay != nil {
		stats := r.relay.Stats()
		status.TicksRelayed = stats.Delivered
		status.TicksDropped = stats.Dropped
	}
	return status
}

// SetEncoding switches the encoding and replaces the encoder session.
// Setting the current encoding again is a no-op.
func (r *Recorder) SetEncoding(kind types.EncodingKind) error {
	return r.Configure(config.Patch{Encoding: &kind})
}

// SetOptions merges patch into the options and sends them to the encoder.
func (r *Recorder) SetOptions(patch config.OptionsPatch) error {
	return r.Configure(config.Patch{Options: &patch})
}

// Configure applies a patch to the whole configuration. A change of encoding
// or channel count replaces the encoder session; an options-only change is
// sent to the running encoder.
func (r *Recorder) Configure(patch config.Patch) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	op := configureOp(patch)

	r.mu.Lock()
	if err := r.idleLocked(op); err != nil {
		r.mu.Unlock()
		return r.reject(err)
	}
	next := config.Merge(r.cfg, patch)
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		err = fmt.Errorf("%s: %w", op, err)
		r.cb.OnError(err)
		return err
	}
	prev := r.cfg
	r.cfg = next
	r.mu.Unlock()

	switch {
	case next.Encoding != prev.Encoding || next.NumChannels != prev.NumChannels:
		slog.Info("reinitializing encoder", "encoding", next.Encoding, "channels", next.NumChannels)
		return r.initialize(next)
	case patch.Options != nil:
		if err := r.link.UpdateOptions(next.Options); err != nil {
			err = fmt.Errorf("%s: %w", op, err)
			r.cb.OnError(err)
			return err
		}
	}
	return nil
}

// StartRecording opens the capture tap and starts a new recording session.
func (r *Recorder) StartRecording() error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	switch r.state {
	case types.StateIdle:
	case types.StateRecording:
		r.mu.Unlock()
		return r.reject(&CallError{Op: "startRecording", Msg: "previous recording is running"})
	default:
		state := r.state
		r.mu.Unlock()
		return r.reject(&CallError{Op: "startRecording", Msg: fmt.Sprintf("encoder is busy (%s)", state)})
	}

	session := r.newID()
	cfg := r.cfg
	tick := cfg.Options.TickSize()
	meter := audio.NewMeter(cfg.NumChannels, r.source.SampleRate())
	rl := relay.New(cfg.NumChannels, r.link,
		relay.WithProcessor(meter),
		relay.WithDropHandler(r.onDrop),
	)

	r.state = types.StateRecording
	r.session = session
	r.startedAt = r.clock.Now()
	r.timedOut = false
	r.progress = 0
	r.lastErr = ""
	r.relay = rl
	r.meter = meter
	if limit := cfg.Options.TimeLimit; limit > 0 {
		r.timer = r.clock.AfterFunc(limit, func() { r.timeout(session) })
	}
	r.mu.Unlock()

	if err := r.link.Start(session, tick); err != nil {
		return r.abortStart(session, err)
	}

	tap, err := r.source.Open(context.Background(), cfg.NumChannels, tick, func(frame [][]float32) {
		_ = rl.Tick(frame)
	}, func(err error) {
		r.fail(session, fmt.Errorf("capture: %w", err))
	})
	if err != nil {
		return r.abortStart(session, fmt.Errorf("open capture: %w", err))
	}

	r.mu.Lock()
	if r.state != types.StateRecording || r.session != session {
		// The encoder failed while the tap was opening.
		r.mu.Unlock()
		closeTap(tap)
		return fmt.Errorf("startRecording: session %s ended during start", session)
	}
	r.tap = tap
	r.mu.Unlock()

	slog.Info("recording started", "session", session, "encoding", cfg.Encoding, "channels", cfg.NumChannels, "buffer_size", tick, "time_limit", cfg.Options.TimeLimit)
	return nil
}

// CancelRecording detaches the capture tap and discards the recording.
// No completion is reported for the cancelled session.
func (r *Recorder) CancelRecording() error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	if r.state != types.StateRecording {
		r.mu.Unlock()
		return r.reject(&CallError{Op: "cancelRecording", Msg: "no recording is running"})
	}
	session, tap := r.session, r.tap
	r.state = types.StateCancelling
	r.tap = nil
	r.stopTimerLocked()
	r.mu.Unlock()

	closeTap(tap)
	err := r.link.Cancel(session)

	r.mu.Lock()
	if r.session == session {
		r.state = types.StateIdle
		r.session = ""
		r.outcome = types.StateCancelling
	}
	r.mu.Unlock()

	slog.Info("recording cancelled", "session", session)
	if err != nil {
		err = fmt.Errorf("cancelRecording: %w", err)
		r.cb.OnError(err)
		return err
	}
	return nil
}

// FinishRecording detaches the capture tap and asks the encoder for the artifact.
// The state becomes encoding when encode-after-record is set, finishing otherwise.
func (r *Recorder) FinishRecording() error {
	r.ops.Lock()
	defer r.ops.Unlock()
	return r.finish("")
}

// FinishTimedOut finishes the recording whose time limit fired last, if it is
// still running. It is a no-op when that session was cancelled or finished in
// the meantime, so timeout handlers never race into an illegal call.
func (r *Recorder) FinishTimedOut() error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	session := r.expired
	r.mu.Unlock()
	if session == "" {
		return nil
	}
	return r.finish(session)
}

// finish ends the running recording. With expect set it only acts on that
// session and returns nil when another state has taken over.
func (r *Recorder) finish(expect string) error {
	r.mu.Lock()
	if r.state != types.StateRecording || (expect != "" && r.session != expect) {
		state := r.state
		r.mu.Unlock()
		if expect != "" {
			slog.Debug("timed out session already ended", "session", expect, "state", state)
			return nil
		}
		return r.reject(&CallError{Op: "finishRecording", Msg: "no recording is running"})
	}
	session, tap := r.session, r.tap
	if r.cfg.Options.EncodeAfterRecord {
		r.state = types.StateEncoding
	} else {
		r.state = types.StateFinishing
	}
	r.tap = nil
	r.stopTimerLocked()
	r.mu.Unlock()

	closeTap(tap)
	if err := r.link.Finish(session); err != nil {
		err = fmt.Errorf("finishRecording: %w", err)
		r.fail(session, err)
		return err
	}

	slog.Info("recording finished, waiting for encoder", "session", session)
	return nil
}

// CancelEncoding abandons a pending encode-after-record job and replaces the
// encoder session. The host is notified through OnEncodingCanceled.
func (r *Recorder) CancelEncoding() error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	if r.state == types.StateRecording {
		r.mu.Unlock()
		return r.reject(&CallError{Op: "cancelEncoding", Msg: "recording is running"})
	}
	if !r.cfg.Options.EncodeAfterRecord {
		r.mu.Unlock()
		return r.reject(&CallError{Op: "cancelEncoding", Msg: "encode after record is disabled"})
	}
	session := r.session
	r.state = types.StateIdle
	r.session = ""
	r.progress = 0
	cfg := r.cfg
	r.mu.Unlock()

	slog.Info("encoding cancelled", "session", session)
	r.cb.OnEncodingCanceled()
	return r.initialize(cfg)
}

// Close cancels any running recording and shuts the encoder down.
func (r *Recorder) Close() error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	session, tap := r.session, r.tap
	recording := r.state == types.StateRecording
	r.tap = nil
	r.state = types.StateIdle
	r.session = ""
	r.stopTimerLocked()
	r.mu.Unlock()

	closeTap(tap)
	if recording {
		if err := r.link.Cancel(session); err != nil {
			slog.Warn("failed to cancel recording on close", "session", session, "error", err)
		}
	}

	select {
	case <-r.done:
	default:
		close(r.done)
	}
	return r.link.Close()
}

func (r *Recorder) initialize(cfg config.Recorder) error {
	format := protocol.Init{
		Encoding:    cfg.Encoding,
		SampleRate:  r.source.SampleRate(),
		NumChannels: cfg.NumChannels,
	}
	if err := r.link.Initialize(context.Background(), format, cfg.Options); err != nil {
		err = fmt.Errorf("initialize encoder: %w", err)
		r.mu.Lock()
		r.lastErr = err.Error()
		r.mu.Unlock()
		r.cb.OnError(err)
		return err
	}
	return nil
}

// handleEvent applies an encoder event and dispatches the matching callback.
func (r *Recorder) handleEvent(ev protocol.Event) {
	switch ev.Event {
	case protocol.EventLoading:
		r.cb.OnEncoderLoading(ev.Encoding)
	case protocol.EventLoaded:
		slog.Info("encoder loaded", "encoding", ev.Encoding)
		r.cb.OnEncoderLoaded(ev.Encoding)
	case protocol.EventTimeout:
		r.timeout(ev.Session)
	case protocol.EventProgress:
		r.mu.Lock()
		if !r.encodingLocked(ev.Session) {
			state := r.state
			r.mu.Unlock()
			slog.Debug("ignoring progress", "session", ev.Session, "state", state)
			return
		}
		r.progress = ev.Progress
		r.mu.Unlock()
		r.cb.OnEncodingProgress(ev.Progress)
	case protocol.EventComplete:
		r.complete(ev)
	case protocol.EventError:
		r.fail(ev.Session, &EncoderError{Session: ev.Session, Message: ev.Message})
	default:
		r.fail(ev.Session, fmt.Errorf("%w: unexpected event %q", protocol.ErrMalformed, ev.Event))
	}
}

func (r *Recorder) complete(ev protocol.Event) {
	r.mu.Lock()
	if !r.encodingLocked(ev.Session) || ev.Artifact == nil {
		state := r.state
		r.mu.Unlock()
		slog.Warn("ignoring completion", "session", ev.Session, "state", state)
		return
	}
	artifact := *ev.Artifact
	r.outcome = types.StateComplete
	r.lastArtifact = &artifact
	r.state = types.StateIdle
	r.session = ""
	r.progress = 1
	r.mu.Unlock()

	slog.Info("recording complete", "session", artifact.Session, "file", artifact.Path, "size", artifact.Size, "duration", artifact.Duration)
	r.cb.OnComplete(artifact)
}

// fail ends the session identified by session with err. Errors for sessions
// other than the current one are logged and dropped; an empty session means
// the current one.
func (r *Recorder) fail(session string, err error) {
	r.mu.Lock()
	if session != "" && session != r.session {
		r.mu.Unlock()
		slog.Warn("ignoring error from previous session", "session", session, "error", err)
		return
	}
	current, tap, state := r.session, r.tap, r.state
	r.tap = nil
	r.stopTimerLocked()
	if state != types.StateIdle {
		r.outcome = types.StateError
	}
	r.lastErr = err.Error()
	r.state = types.StateIdle
	r.session = ""
	r.mu.Unlock()

	if state == types.StateRecording {
		closeTap(tap)
		if cerr := r.link.Cancel(current); cerr != nil {
			slog.Warn("failed to cancel recording after error", "session", current, "error", cerr)
		}
	}

	slog.Error("recording failed", "session", current, "state", state, "error", err)
	r.cb.OnError(err)

	if !r.link.Active() {
		go r.reconnect()
	}
}

// reconnect starts a fresh encoder after the previous one was lost.
func (r *Recorder) reconnect() {
	r.ops.Lock()
	defer r.ops.Unlock()

	select {
	case <-r.done:
		return
	default:
	}
	if r.link.Active() {
		return
	}

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	slog.Info("restarting encoder", "encoding", cfg.Encoding)
	// Failures are reported through OnError.
	_ = r.initialize(cfg)
}

// timeout fires the timeout callback once per session.
func (r *Recorder) timeout(session string) {
	r.mu.Lock()
	if r.state != types.StateRecording || (session != "" && session != r.session) || r.timedOut {
		r.mu.Unlock()
		return
	}
	r.timedOut = true
	r.expired = r.session
	current, limit := r.session, r.cfg.Options.TimeLimit
	r.mu.Unlock()

	slog.Info("recording reached time limit", "session", current, "limit", limit)
	r.cb.OnTimeout(r)
}

// onDrop runs on the capture path. It hands the error to the dispatcher
// without blocking; drops arriving while one is pending are coalesced.
func (r *Recorder) onDrop(err error) {
	select {
	case r.drops <- err:
	default:
	}
}

func (r *Recorder) dispatchDrops() {
	for {
		select {
		case err := <-r.drops:
			if errors.Is(err, encoder.ErrQueueFull) {
				slog.Warn("dropped audio tick, encoder is behind")
			}
			r.cb.OnError(fmt.Errorf("relay: tick dropped: %w", err))
		case <-r.done:
			return
		}
	}
}

// abortStart returns a session that failed to start to idle.
func (r *Recorder) abortStart(session string, err error) error {
	err = fmt.Errorf("startRecording: %w", err)
	r.fail(session, err)
	return err
}

func (r *Recorder) reject(err error) error {
	slog.Warn("illegal call", "error", err)
	r.cb.OnError(err)
	return err
}

// idleLocked checks that configuration may change.
func (r *Recorder) idleLocked(op string) error {
	switch r.state {
	case types.StateIdle:
		return nil
	case types.StateRecording:
		return &CallError{Op: op, Msg: duringRecording[op]}
	default:
		return &CallError{Op: op, Msg: fmt.Sprintf("encoding is in progress (%s)", r.state)}
	}
}

// encodingLocked reports whether events for session may advance a pending finish.
func (r *Recorder) encodingLocked(session string) bool {
	if r.state != types.StateFinishing && r.state != types.StateEncoding {
		return false
	}
	return session == "" || session == r.session
}

func (r *Recorder) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

var duringRecording = map[string]string{
	"setEncoding": "cannot set encoding during recording",
	"setOptions":  "cannot set options during recording",
	"configure":   "cannot change configuration during recording",
}

func configureOp(p config.Patch) string {
	switch {
	case p.NumChannels == nil && p.Options == nil && p.Encoding != nil:
		return "setEncoding"
	case p.NumChannels == nil && p.Encoding == nil && p.Options != nil:
		return "setOptions"
	default:
		return "configure"
	}
}

func closeTap(tap io.Closer) {
	if tap == nil {
		return
	}
	if err := tap.Close(); err != nil {
		slog.Warn("failed to close capture tap", "error", err)
	}
}

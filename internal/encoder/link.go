// Package encoder owns the connection between the recorder and its encoder.
//
// A Link holds exactly one encoder session at a time. Every outbound message
// goes through a single FIFO queue drained by a writer goroutine, so record
// payloads are never reordered against control messages. Events read from the
// encoder are forwarded to the handler as they arrive.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

var (
	// ErrQueueFull is returned by Deliver when the encoder cannot accept a payload immediately.
	ErrQueueFull = errors.New("encoder queue is full")
	// ErrNotInitialized is returned when no encoder session exists.
	ErrNotInitialized = errors.New("encoder is not initialized")
	// ErrLoadTimeout is returned by WaitLoaded when the encoder does not acknowledge init in time.
	ErrLoadTimeout = errors.New("encoder did not load in time")
	// ErrConnectionLost is returned once the encoder connection has died. The
	// session stays unusable until Initialize replaces it.
	ErrConnectionLost = errors.New("encoder connection lost")
)

// Conn is one live connection to an encoder.
type Conn interface {
	// WriteCommand sends a command. The connection takes ownership of cmd.PCM
	// and releases it with protocol.ReleasePCM once it is no longer needed.
	WriteCommand(cmd *protocol.Command) error
	// ReadEvent blocks until the next event. Errors wrapping protocol.ErrMalformed
	// are recoverable; any other error ends the connection.
	ReadEvent() (protocol.Event, error)
	// Close shuts the encoder down and releases its resources.
	Close() error
}

// Dialer creates encoder connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Options tunes a Link.
type Options struct {
	QueueSize      int
	LoadTimeout    time.Duration
	ControlTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = types.DefaultQueueSize
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = types.LoadTimeout
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = types.ControlTimeout
	}
	return o
}

// Link manages the lifecycle of one encoder session.
type Link struct {
	dial    Dialer
	handler func(protocol.Event)
	opts    Options

	mu   sync.RWMutex
	sess *session
}

// NewLink returns a Link that dials encoders with dial and reports their events to handler.
func NewLink(dial Dialer, handler func(protocol.Event), opts Options) *Link {
	return &Link{
		dial:    dial,
		handler: handler,
		opts:    opts.withDefaults(),
	}
}

// session is one encoder connection with its queue and goroutines.
type session struct {
	conn     Conn
	encoding types.EncodingKind
	queue    chan protocol.Command
	stop     chan struct{}
	loaded   chan struct{}
	written  chan struct{}
	lost     chan struct{}
	once     sync.Once
	stopOnce sync.Once
	lostOnce sync.Once
}

// Initialize replaces the current encoder session with a new one for format and
// sends it the init command. A loading event is raised before dialing; the
// session becomes usable once WaitLoaded returns.
func (l *Link) Initialize(ctx context.Context, format protocol.Init, opts config.Options) error {
	l.teardown()

	l.handler(protocol.Event{Event: protocol.EventLoading, Encoding: format.Encoding})

	conn, err := l.dial.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial encoder: %w", err)
	}

	s := &session{
		conn:     conn,
		encoding: format.Encoding,
		queue:    make(chan protocol.Command, l.opts.QueueSize),
		stop:     make(chan struct{}),
		loaded:   make(chan struct{}),
		written:  make(chan struct{}),
		lost:     make(chan struct{}),
	}
	go l.writeLoop(s)
	go l.readLoop(s)

	s.queue <- protocol.Command{Command: protocol.CommandInit, Config: &format, Options: &opts}

	// A concurrent Initialize may have installed a session meanwhile.
	l.mu.Lock()
	displaced := l.sess
	l.sess = s
	l.mu.Unlock()
	if displaced != nil {
		displaced.retire()
	}

	slog.Debug("encoder session created", "encoding", format.Encoding, "sample_rate", format.SampleRate, "channels", format.NumChannels)
	return nil
}

// WaitLoaded blocks until the current encoder acknowledges init.
func (l *Link) WaitLoaded(ctx context.Context) error {
	s := l.current()
	if s == nil {
		return ErrNotInitialized
	}

	timer := time.NewTimer(l.opts.LoadTimeout)
	defer timer.Stop()

	select {
	case <-s.loaded:
		return nil
	case <-s.stop:
		return ErrNotInitialized
	case <-s.lost:
		return ErrConnectionLost
	case <-timer.C:
		return ErrLoadTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loaded reports whether the current encoder has acknowledged init.
func (l *Link) Loaded() bool {
	s := l.current()
	if s == nil {
		return false
	}
	select {
	case <-s.loaded:
		return true
	default:
		return false
	}
}

// Active reports whether a session exists and its connection is alive.
func (l *Link) Active() bool {
	s := l.current()
	return s != nil && !s.stopped() && !s.isLost()
}

// Encoding returns the encoding of the current session.
func (l *Link) Encoding() types.EncodingKind {
	if s := l.current(); s != nil {
		return s.encoding
	}
	return ""
}

// Start sends the start command for a recording session.
func (l *Link) Start(session string, bufferSize int) error {
	return l.control(protocol.Command{Command: protocol.CommandStart, Session: session, BufferSize: bufferSize})
}

// UpdateOptions sends new options to the encoder.
func (l *Link) UpdateOptions(opts config.Options) error {
	return l.control(protocol.Command{Command: protocol.CommandOptions, Options: &opts})
}

// Cancel asks the encoder to discard the recording. No completion follows.
func (l *Link) Cancel(session string) error {
	return l.control(protocol.Command{Command: protocol.CommandCancel, Session: session})
}

// Finish asks the encoder to produce the artifact for the recording.
func (l *Link) Finish(session string) error {
	return l.control(protocol.Command{Command: protocol.CommandFinish, Session: session})
}

// Deliver queues a record payload without blocking. On success the Link owns pcm;
// on error ownership stays with the caller.
func (l *Link) Deliver(pcm []byte, frames int) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.sess == nil {
		return ErrNotInitialized
	}
	if l.sess.isLost() {
		return ErrConnectionLost
	}
	select {
	case l.sess.queue <- protocol.Command{Command: protocol.CommandRecord, Frames: frames, PCM: pcm}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close tears down the current session and waits for its queue to drain.
func (l *Link) Close() error {
	s := l.teardown()
	if s == nil {
		return nil
	}

	timer := time.NewTimer(types.ShutdownTimeout + l.opts.ControlTimeout)
	defer timer.Stop()

	select {
	case <-s.written:
		return nil
	case <-timer.C:
		return errors.New("encoder did not shut down in time")
	}
}

// control queues a control command, waiting a bounded time for room.
func (l *Link) control(cmd protocol.Command) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.sess == nil {
		return fmt.Errorf("%s: %w", cmd.Command, ErrNotInitialized)
	}
	if l.sess.isLost() {
		return fmt.Errorf("%s: %w", cmd.Command, ErrConnectionLost)
	}

	timer := time.NewTimer(l.opts.ControlTimeout)
	defer timer.Stop()

	select {
	case l.sess.queue <- cmd:
		return nil
	case <-l.sess.lost:
		return fmt.Errorf("%s: %w", cmd.Command, ErrConnectionLost)
	case <-timer.C:
		return fmt.Errorf("%s: %w", cmd.Command, ErrQueueFull)
	}
}

func (l *Link) current() *session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sess
}

// teardown detaches the current session. Its pending commands are still
// written, then the connection is closed. Events from it are dropped.
func (l *Link) teardown() *session {
	l.mu.Lock()
	s := l.sess
	l.sess = nil
	l.mu.Unlock()

	if s != nil {
		s.retire()
	}
	return s
}

// retire stops event delivery and closes the queue. The caller must have
// detached s from the link so nothing sends to the queue afterwards.
func (s *session) retire() {
	s.halt()
	close(s.queue)
	slog.Debug("encoder session torn down", "encoding", s.encoding)
}

func (s *session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) isLost() bool {
	select {
	case <-s.lost:
		return true
	default:
		return false
	}
}

func (s *session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// writeLoop drains the queue in order. After a write failure the remaining
// payloads are released without being sent.
func (l *Link) writeLoop(s *session) {
	defer close(s.written)

	var failed bool
	for cmd := range s.queue {
		if failed {
			protocol.ReleasePCM(cmd.PCM)
			continue
		}
		if err := s.conn.WriteCommand(&cmd); err != nil {
			failed = true
			slog.Error("failed to write to encoder", "command", cmd.Command, "error", err)
			l.lose(s, fmt.Errorf("write %s: %w", cmd.Command, err))
		}
	}

	if err := s.conn.Close(); err != nil {
		slog.Warn("encoder closed with error", "encoding", s.encoding, "error", err)
	}
}

// readLoop forwards events until the connection ends.
func (l *Link) readLoop(s *session) {
	for {
		ev, err := s.conn.ReadEvent()
		switch {
		case err == nil:
			if ev.Event == protocol.EventLoaded {
				s.once.Do(func() { close(s.loaded) })
			}
			l.report(s, ev)
		case errors.Is(err, protocol.ErrMalformed):
			slog.Warn("malformed message from encoder", "error", err)
			l.report(s, protocol.ErrorEvent("", err))
		default:
			if !s.stopped() {
				if errors.Is(err, io.EOF) {
					err = errors.New("encoder exited unexpectedly")
				}
				slog.Error("encoder connection lost", "encoding", s.encoding, "error", err)
				l.lose(s, err)
				s.halt()
			}
			return
		}
	}
}

// lose marks the connection of s as dead and reports err once. Later sends
// fail with ErrConnectionLost instead of queueing into a dead encoder.
func (l *Link) lose(s *session, err error) {
	first := false
	s.lostOnce.Do(func() {
		close(s.lost)
		first = true
	})
	if first {
		l.report(s, protocol.ErrorEvent("", err))
	}
}

func (l *Link) report(s *session, ev protocol.Event) {
	if s.stopped() {
		slog.Debug("dropping event from retired encoder", "event", ev.Event, "session", ev.Session)
		return
	}
	l.handler(ev)
}

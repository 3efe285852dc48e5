package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

type readResult struct {
	ev  protocol.Event
	err error
}

// fakeConn records written commands and replays scripted events.
type fakeConn struct {
	mu       sync.Mutex
	written  []protocol.Command
	autoLoad bool
	gate     chan struct{}
	writeErr error

	events    chan readResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		autoLoad: true,
		events:   make(chan readResult, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) WriteCommand(cmd *protocol.Command) error {
	if c.gate != nil {
		<-c.gate
	}
	cp := *cmd
	cp.PCM = append([]byte(nil), cmd.PCM...)
	protocol.ReleasePCM(cmd.PCM)

	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.written = append(c.written, cp)
	c.mu.Unlock()

	if cmd.Command == protocol.CommandInit && c.autoLoad {
		c.events <- readResult{ev: protocol.Event{Event: protocol.EventLoaded, Encoding: cmd.Config.Encoding}}
	}
	return nil
}

func (c *fakeConn) ReadEvent() (protocol.Event, error) {
	select {
	case r := <-c.events:
		return r.ev, r.err
	case <-c.closed:
		return protocol.Event{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) commands() []protocol.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Command(nil), c.written...)
}

func (c *fakeConn) waitWritten(t *testing.T, n int) []protocol.Command {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cmds := c.commands(); len(cmds) >= n {
			return cmds
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d commands, got %d", n, len(c.commands()))
	return nil
}

// fakeDialer hands out prepared connections in order.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.conns) {
		return nil, errors.New("no more connections")
	}
	c := d.conns[d.next]
	d.next++
	return c, nil
}

type eventLog struct {
	ch chan protocol.Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan protocol.Event, 256)}
}

func (l *eventLog) handle(ev protocol.Event) {
	l.ch <- ev
}

func (l *eventLog) waitFor(t *testing.T, kind protocol.EventKind) protocol.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Event == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s event", kind)
		}
	}
}

func (l *eventLog) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-l.ch:
		t.Errorf("Unexpected event %+v", ev)
	case <-time.After(wait):
	}
}

func testFormat() protocol.Init {
	return protocol.Init{Encoding: types.EncodingWAV, SampleRate: 8000, NumChannels: 1}
}

func initialized(t *testing.T, conns ...*fakeConn) (*Link, *eventLog) {
	t.Helper()
	events := newEventLog()
	link := NewLink(&fakeDialer{conns: conns}, events.handle, Options{QueueSize: 256})
	if err := link.Initialize(context.Background(), testFormat(), config.DefaultRecorder().Options); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := link.WaitLoaded(context.Background()); err != nil {
		t.Fatalf("WaitLoaded() error = %v", err)
	}
	t.Cleanup(func() { link.Close() })
	return link, events
}

func payload(value float32) []byte {
	pcm := protocol.AcquirePCM(protocol.PCMSize(1, 1))
	protocol.Interleave(pcm, [][]float32{{value}})
	return pcm
}

func TestLink_InitializeEmitsLoadingThenLoaded(t *testing.T) {
	conn := newFakeConn()
	link, events := initialized(t, conn)

	if ev := events.waitFor(t, protocol.EventLoading); ev.Encoding != types.EncodingWAV {
		t.Errorf("Expected loading for wav, got %+v", ev)
	}
	events.waitFor(t, protocol.EventLoaded)

	cmds := conn.waitWritten(t, 1)
	if cmds[0].Command != protocol.CommandInit || cmds[0].Config.NumChannels != 1 || cmds[0].Options == nil {
		t.Errorf("Expected init with format and options, got %+v", cmds[0])
	}
	if !link.Loaded() || link.Encoding() != types.EncodingWAV {
		t.Errorf("Expected loaded wav link, got loaded=%v encoding=%s", link.Loaded(), link.Encoding())
	}
}

func TestLink_PreservesOrder(t *testing.T) {
	conn := newFakeConn()
	link, _ := initialized(t, conn)

	if err := link.Start("s1", 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := range 100 {
		if err := link.Deliver(payload(float32(i)), 1); err != nil {
			t.Fatalf("Deliver(%d) error = %v", i, err)
		}
	}
	if err := link.Finish("s1"); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	cmds := conn.waitWritten(t, 103)
	if cmds[1].Command != protocol.CommandStart || cmds[1].Session != "s1" {
		t.Fatalf("Expected start second, got %+v", cmds[1])
	}
	for i := range 100 {
		cmd := cmds[2+i]
		if cmd.Command != protocol.CommandRecord {
			t.Fatalf("command %d = %s, want record", 2+i, cmd.Command)
		}
		if got := protocol.SampleAt(cmd.PCM, 0); got != float32(i) {
			t.Errorf("record %d carries %v", i, got)
		}
	}
	if cmds[102].Command != protocol.CommandFinish {
		t.Errorf("Expected finish last, got %s", cmds[102].Command)
	}
}

func TestLink_DeliverNeverBlocks(t *testing.T) {
	conn := newFakeConn()
	conn.gate = make(chan struct{})
	events := newEventLog()
	link := NewLink(&fakeDialer{conns: []*fakeConn{conn}}, events.handle, Options{QueueSize: 2, ControlTimeout: 50 * time.Millisecond})

	if err := link.Initialize(context.Background(), testFormat(), config.DefaultRecorder().Options); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	var full int
	for range 10 {
		pcm := payload(0)
		start := time.Now()
		err := link.Deliver(pcm, 1)
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Errorf("Deliver blocked for %v", elapsed)
		}
		if errors.Is(err, ErrQueueFull) {
			full++
			protocol.ReleasePCM(pcm)
		}
	}
	if full == 0 {
		t.Error("Expected some deliveries to be refused")
	}

	if err := link.Finish("s1"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected control message to time out on a full queue, got %v", err)
	}

	close(conn.gate)
	if err := link.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestLink_MalformedEventIsSurfaced(t *testing.T) {
	conn := newFakeConn()
	_, events := initialized(t, conn)
	events.waitFor(t, protocol.EventLoaded)

	conn.events <- readResult{err: fmt.Errorf("%w: unexpected event %q", protocol.ErrMalformed, "bogus")}
	conn.events <- readResult{ev: protocol.Event{Event: protocol.EventProgress, Session: "s1", Progress: 0.5}}

	if ev := events.waitFor(t, protocol.EventError); ev.Message == "" {
		t.Error("Expected error message for malformed event")
	}
	if ev := events.waitFor(t, protocol.EventProgress); ev.Progress != 0.5 {
		t.Errorf("Expected progress 0.5, got %v", ev.Progress)
	}
}

func TestLink_UnexpectedExitIsSurfaced(t *testing.T) {
	conn := newFakeConn()
	_, events := initialized(t, conn)
	events.waitFor(t, protocol.EventLoaded)

	conn.Close()

	ev := events.waitFor(t, protocol.EventError)
	if ev.Message != "encoder exited unexpectedly" {
		t.Errorf("Unexpected error message %q", ev.Message)
	}
}

func TestLink_LostConnectionRefusesCommands(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	link, events := initialized(t, first, second)
	events.waitFor(t, protocol.EventLoaded)

	first.events <- readResult{err: errors.New("broken pipe")}

	if ev := events.waitFor(t, protocol.EventError); ev.Message != "broken pipe" || ev.Session != "" {
		t.Errorf("Unexpected loss event %+v", ev)
	}
	if link.Active() {
		t.Error("Expected the link to be inactive after losing the encoder")
	}
	if err := link.Start("s1", 1); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Start() error = %v, want ErrConnectionLost", err)
	}
	if err := link.Finish("s1"); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Finish() error = %v, want ErrConnectionLost", err)
	}
	pcm := payload(0)
	if err := link.Deliver(pcm, 1); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Deliver() error = %v, want ErrConnectionLost", err)
	}
	protocol.ReleasePCM(pcm)

	if err := link.Initialize(context.Background(), testFormat(), config.DefaultRecorder().Options); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := link.WaitLoaded(context.Background()); err != nil {
		t.Fatalf("WaitLoaded() error = %v", err)
	}
	if !link.Active() {
		t.Error("Expected a fresh session to be active")
	}
	if err := link.Start("s1", 1); err != nil {
		t.Errorf("Start() on the new session error = %v", err)
	}
}

func TestLink_WriteFailureIsReportedOnce(t *testing.T) {
	conn := newFakeConn()
	link, events := initialized(t, conn)
	events.waitFor(t, protocol.EventLoaded)

	conn.mu.Lock()
	conn.writeErr = errors.New("connection reset")
	conn.mu.Unlock()

	if err := link.Start("s1", 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ev := events.waitFor(t, protocol.EventError); ev.Message != "write start: connection reset" {
		t.Errorf("Unexpected error message %q", ev.Message)
	}
	if err := link.Finish("s1"); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Finish() error = %v, want ErrConnectionLost", err)
	}
	events.expectNone(t, 50*time.Millisecond)
}

func TestLink_ReinitializeDropsOldEvents(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	link, events := initialized(t, first, second)
	events.waitFor(t, protocol.EventLoaded)

	if err := link.Initialize(context.Background(), testFormat(), config.DefaultRecorder().Options); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	events.waitFor(t, protocol.EventLoading)
	events.waitFor(t, protocol.EventLoaded)

	select {
	case <-first.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the first connection to be closed")
	}
	first.events <- readResult{ev: protocol.Event{Event: protocol.EventComplete, Artifact: &types.Artifact{}}}
	events.expectNone(t, 50*time.Millisecond)
}

func TestLink_NotInitialized(t *testing.T) {
	link := NewLink(&fakeDialer{}, func(protocol.Event) {}, Options{})

	if err := link.Deliver(nil, 1); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Deliver() error = %v, want ErrNotInitialized", err)
	}
	if err := link.Start("s1", 256); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Start() error = %v, want ErrNotInitialized", err)
	}
	if err := link.WaitLoaded(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("WaitLoaded() error = %v, want ErrNotInitialized", err)
	}
	if err := link.Initialize(context.Background(), testFormat(), config.DefaultRecorder().Options); err == nil {
		t.Error("Expected dial failure to be returned")
	}
}

func TestLink_LocalWorkerProducesArtifact(t *testing.T) {
	opts := config.DefaultRecorder().Options
	opts.OutputDir = t.TempDir()

	events := newEventLog()
	link := NewLink(LocalDialer{}, events.handle, Options{QueueSize: 1024})
	defer link.Close()

	if err := link.Initialize(context.Background(), testFormat(), opts); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := link.WaitLoaded(context.Background()); err != nil {
		t.Fatalf("WaitLoaded() error = %v", err)
	}
	if err := link.Start("s1", 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for range 800 {
		if err := link.Deliver(payload(0.1), 1); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}
	if err := link.Finish("s1"); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	ev := events.waitFor(t, protocol.EventComplete)
	if ev.Session != "s1" || ev.Artifact.Duration != 100*time.Millisecond {
		t.Errorf("Unexpected completion: %+v", ev.Artifact)
	}
	if _, err := os.Stat(ev.Artifact.Path); err != nil {
		t.Errorf("Expected artifact on disk: %v", err)
	}
}

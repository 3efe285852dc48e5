package encoder

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
	"github.com/oszuidwest/zwfm-recorder/internal/worker"
)

// LocalDialer runs the encoder worker on a goroutine in this process.
type LocalDialer struct{}

// Dial starts a new in-process worker.
func (LocalDialer) Dial(context.Context) (Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &localConn{
		cancel:   cancel,
		commands: make(chan protocol.Command),
		events:   make(chan protocol.Event, 16),
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

// localConn passes typed messages to a worker goroutine over channels.
type localConn struct {
	cancel   context.CancelFunc
	commands chan protocol.Command
	events   chan protocol.Event
	done     chan struct{}

	closeOnce sync.Once
}

func (c *localConn) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	w := worker.New(func(ev protocol.Event) {
		c.events <- ev
	})
	defer w.Close()

	for cmd := range c.commands {
		w.Handle(ctx, cmd)
		protocol.ReleasePCM(cmd.PCM)
	}
	slog.Debug("local encoder stopped")
}

// WriteCommand hands the command to the worker goroutine. It must not be
// called after Close.
func (c *localConn) WriteCommand(cmd *protocol.Command) error {
	c.commands <- *cmd
	return nil
}

// ReadEvent returns the next worker event, or io.EOF once the worker has stopped.
func (c *localConn) ReadEvent() (protocol.Event, error) {
	ev, ok := <-c.events
	if !ok {
		return protocol.Event{}, io.EOF
	}
	return ev, nil
}

// Close stops the worker. An encode that is still running is aborted.
func (c *localConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.commands)
		<-c.done
	})
	return nil
}

package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// ProcessDialer starts the encoder as a child process speaking JSON lines
// on stdin and stdout.
type ProcessDialer struct {
	// Command is the executable followed by its arguments.
	Command []string
}

// Dial starts a new encoder process.
func (d ProcessDialer) Dial(ctx context.Context) (Conn, error) {
	if len(d.Command) == 0 {
		return nil, errors.New("no encoder command configured")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, d.Command[0], d.Command[1:]...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("create encoder stdin pipe", err)
	}

	pr, pw := io.Pipe()
	stderr := util.NewStderrBuffer()
	cmd.Stdout = pw
	cmd.Stderr = stderr

	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start encoder process", err)
	}

	c := &processConn{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		writer: protocol.NewWriter(stdin),
		reader: protocol.NewReader(pr),
		stderr: stderr,
		exited: make(chan struct{}),
	}

	slog.Info("encoder process started", "pid", cmd.Process.Pid, "command", d.Command[0])

	go func() {
		c.waitErr = cmd.Wait()
		pw.Close()
		close(c.exited)
	}()

	return c, nil
}

// processConn is a Conn to an encoder child process.
type processConn struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	writer *protocol.Writer
	reader *protocol.Reader
	stderr *util.BoundedBuffer

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// WriteCommand encodes the command to the child's stdin.
func (c *processConn) WriteCommand(cmd *protocol.Command) error {
	defer protocol.ReleasePCM(cmd.PCM)
	return c.writer.WriteCommand(cmd)
}

// ReadEvent reads the next event from the child's stdout. When the stream ends
// because the process failed, the error carries the last stderr line.
func (c *processConn) ReadEvent() (protocol.Event, error) {
	ev, err := c.reader.ReadEvent()
	if err == nil || !errors.Is(err, io.EOF) {
		return ev, err
	}

	<-c.exited
	if c.waitErr != nil {
		if msg := ffmpeg.ExtractLastError(c.stderr.String()); msg != "" {
			return ev, fmt.Errorf("encoder process failed: %w: %s", c.waitErr, msg)
		}
		return ev, fmt.Errorf("encoder process failed: %w", c.waitErr)
	}
	return ev, io.EOF
}

// Close closes stdin so the encoder can exit on its own, then interrupts it
// if it does not exit within the shutdown timeout.
func (c *processConn) Close() error {
	c.closeOnce.Do(func() {
		util.SafeClose(c.stdin, "encoder stdin")

		timer := time.NewTimer(types.ShutdownTimeout)
		defer timer.Stop()

		select {
		case <-c.exited:
		case <-timer.C:
			slog.Warn("encoder process did not exit, interrupting", "pid", c.cmd.Process.Pid)
			c.cancel()
			<-c.exited
		}
		c.cancel()

		if c.waitErr != nil {
			c.closeErr = util.WrapError("stop encoder process", c.waitErr)
		}
	})
	return c.closeErr
}

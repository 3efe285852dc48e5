package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// spool buffers raw payloads on disk until the recording is finished.
type spool struct {
	f       *os.File
	written int64
}

func newSpool(dir, session string) (*spool, error) {
	f, err := os.CreateTemp(dir, session+"-*.f32")
	if err != nil {
		return nil, util.WrapError("create spool file", err)
	}
	return &spool{f: f}, nil
}

// Write appends a payload to the spool.
func (s *spool) Write(pcm []byte) error {
	n, err := s.f.Write(pcm)
	s.written += int64(n)
	return err
}

// Close is a no-op; the spool is consumed by Replay.
func (s *spool) Close(context.Context) error {
	return nil
}

// Replay feeds the spooled payloads to dst in chunks of at most chunk bytes,
// calling progress with the fraction consumed after each chunk.
func (s *spool) Replay(ctx context.Context, chunk int, dst sink, progress func(float64)) error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return util.WrapError("rewind spool file", err)
	}

	buf := make([]byte, chunk)
	var read int64
	for read < s.written {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(s.f, buf[:min(int64(chunk), s.written-read)])
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return util.WrapError("read spool file", err)
		}
		if err := dst.Write(buf[:n]); err != nil {
			return util.WrapError("encode audio", err)
		}
		read += int64(n)
		progress(float64(read) / float64(s.written))
	}
	return nil
}

// Abort closes and removes the spool file. It is safe to call more than once.
func (s *spool) Abort() {
	if s.f == nil {
		return
	}
	name := s.f.Name()
	util.SafeClose(s.f, "spool file")
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove spool file", "file", name, "error", err)
	}
	s.f = nil
}

package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// wavFormatPCM is the WAVE format tag for integer PCM.
const wavFormatPCM = 1

// wavWriter encodes payloads to an integer PCM WAV file in-process.
type wavWriter struct {
	path  string
	f     *os.File
	enc   *wav.Encoder
	buf   *audio.IntBuffer
	scale float64
}

func newWAVWriter(path string, format *protocol.Init, opts config.WAVOptions) (*wavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, util.WrapError("create wav file", err)
	}

	return &wavWriter{
		path: path,
		f:    f,
		enc:  wav.NewEncoder(f, format.SampleRate, opts.BitDepth, format.NumChannels, wavFormatPCM),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: format.NumChannels, SampleRate: format.SampleRate},
			SourceBitDepth: opts.BitDepth,
		},
		scale: float64(int64(1)<<(opts.BitDepth-1) - 1),
	}, nil
}

// Write converts interleaved float32 samples to integers and encodes them.
func (w *wavWriter) Write(pcm []byte) error {
	if w.enc == nil {
		return errors.New("wav writer is closed")
	}
	n := len(pcm) / protocol.BytesPerSample
	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]
	for i := range n {
		s := max(-1, min(1, float64(protocol.SampleAt(pcm, i))))
		w.buf.Data[i] = int(math.Round(s * w.scale))
	}
	return w.enc.Write(w.buf)
}

// Close writes the WAV header sizes and closes the file.
func (w *wavWriter) Close(context.Context) error {
	if w.enc == nil {
		return nil
	}
	err := w.enc.Close()
	w.enc = nil
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return util.WrapError("finalize wav file", err)
	}
	return nil
}

// Abort closes the file without finalizing it and removes it.
func (w *wavWriter) Abort() {
	if w.enc == nil {
		return
	}
	w.enc = nil
	util.SafeClose(w.f, "wav file")
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove wav file", "file", w.path, "error", err)
	}
}

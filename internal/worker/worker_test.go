package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

const testRate = 8000

type recorder struct {
	events []protocol.Event
}

func (r *recorder) emit(ev protocol.Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []protocol.EventKind {
	kinds := make([]protocol.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Event
	}
	return kinds
}

func (r *recorder) count(kind protocol.EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Event == kind {
			n++
		}
	}
	return n
}

func testOptions(t *testing.T) config.Options {
	t.Helper()
	opts := config.DefaultRecorder().Options
	opts.OutputDir = t.TempDir()
	opts.TimeLimit = 0
	return opts
}

func initCommand(kind types.EncodingKind, channels int, opts config.Options) protocol.Command {
	return protocol.Command{
		Command: protocol.CommandInit,
		Config:  &protocol.Init{Encoding: kind, SampleRate: testRate, NumChannels: channels},
		Options: &opts,
	}
}

func recordCommand(frames, channels int, value float32) protocol.Command {
	frame := make([][]float32, channels)
	for ch := range frame {
		frame[ch] = make([]float32, frames)
		for i := range frame[ch] {
			frame[ch][i] = value
		}
	}
	pcm := make([]byte, protocol.PCMSize(frames, channels))
	protocol.Interleave(pcm, frame)
	return protocol.Command{Command: protocol.CommandRecord, Frames: frames, PCM: pcm}
}

func TestWorker_WAVRecording(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	w := New(rec.emit)
	opts := testOptions(t)

	w.Handle(ctx, initCommand(types.EncodingWAV, 2, opts))
	w.Handle(ctx, protocol.Command{Command: protocol.CommandStart, Session: "s1", BufferSize: 400})
	for range 10 {
		w.Handle(ctx, recordCommand(400, 2, 0.5))
	}
	w.Handle(ctx, protocol.Command{Command: protocol.CommandFinish, Session: "s1"})

	if got := rec.kinds(); len(got) != 2 || got[0] != protocol.EventLoaded || got[1] != protocol.EventComplete {
		t.Fatalf("Expected [loaded complete], got %v (%+v)", got, rec.events)
	}

	artifact := rec.events[1].Artifact
	if artifact.Session != "s1" || artifact.MimeType != "audio/wav" || artifact.Encoding != types.EncodingWAV {
		t.Errorf("Unexpected artifact: %+v", artifact)
	}
	if artifact.Duration != 500*time.Millisecond {
		t.Errorf("Expected duration 500ms, got %v", artifact.Duration)
	}
	if artifact.Path != filepath.Join(opts.OutputDir, "s1.wav") {
		t.Errorf("Unexpected artifact path %q", artifact.Path)
	}

	f, err := os.Open(artifact.Path)
	if err != nil {
		t.Fatalf("Failed to open artifact: %v", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		t.Fatalf("Failed to decode artifact: %v", err)
	}
	if d.NumChans != 2 || int(d.SampleRate) != testRate {
		t.Errorf("Expected 2 channels at %d Hz, got %d at %d", testRate, d.NumChans, d.SampleRate)
	}
	if len(buf.Data) != 4000*2 {
		t.Errorf("Expected %d samples, got %d", 4000*2, len(buf.Data))
	}
	if buf.Data[0] != 16384 {
		t.Errorf("Expected first sample 16384, got %d", buf.Data[0])
	}
	if w.Recording() {
		t.Error("Expected worker to be idle after finish")
	}
}

func TestWorker_TimeLimitEmitsTimeoutOnce(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	w := New(rec.emit)
	opts := testOptions(t)
	opts.TimeLimit = time.Second

	w.Handle(ctx, initCommand(types.EncodingWAV, 1, opts))
	w.Handle(ctx, protocol.Command{Command: protocol.CommandStart, Session: "s1", BufferSize: 3000})
	for range 5 {
		w.Handle(ctx, recordCommand(3000, 1, 0))
	}

	if n := rec.count(protocol.EventTimeout); n != 1 {
		t.Fatalf("Expected exactly one timeout, got %d (%v)", n, rec.kinds())
	}
	if got := rec.events[1]; got.Event != protocol.EventTimeout || got.Session != "s1" {
		t.Errorf("Expected timeout for s1 after the third tick, got %+v", got)
	}
}

func TestWorker_CancelDiscardsOutput(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	w := New(rec.emit)
	opts := testOptions(t)

	w.Handle(ctx, initCommand(types.EncodingWAV, 1, opts))
	w.Handle(ctx, protocol.Command{Command: protocol.CommandStart, Session: "s1", BufferSize: 256})
	w.Handle(ctx, recordCommand(256, 1, 0.1))
	w.Handle(ctx, protocol.Command{Command: protocol.CommandCancel, Session: "s1"})

	if n := rec.count(protocol.EventComplete) + rec.count(protocol.EventError); n != 0 {
		t.Errorf("Expected no completion or error after cancel, got %v", rec.kinds())
	}
	entries, err := os.ReadDir(opts.OutputDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected output directory to be empty, found %d entries", len(entries))
	}

	// Cancel without a recording is fire-and-forget.
	w.Handle(ctx, protocol.Command{Command: protocol.CommandCancel})
	if n := rec.count(protocol.EventError); n != 0 {
		t.Errorf("Expected no error for idle cancel, got %d", n)
	}
}

func TestWorker_RejectsIllegalCommands(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	w := New(rec.emit)
	opts := testOptions(t)

	w.Handle(ctx, protocol.Command{Command: protocol.CommandStart, Session: "s0", BufferSize: 256})
	w.Handle(ctx, initCommand(types.EncodingWAV, 1, opts))
	w.Handle(ctx, protocol.Command{Command: protocol.CommandFinish, Session: "s0"})
	w.Handle(ctx, protocol.Command{Command: protocol.CommandStart, Session: "s1", BufferSize: 256})
	w.Handle(ctx, protocol.Command{Command: protocol.CommandOptions, Options: &opts})
	w.Handle(ctx, protocol.Command{Command: protocol.CommandStart, Session: "s2", BufferSize: 256})
	w.Handle(ctx, protocol.Command{Command: protocol.CommandRecord, Frames: 2, PCM: make([]byte, 4)})

	want := []protocol.EventKind{
		protocol.EventError,  // start before init
		protocol.EventLoaded, // init
		protocol.EventError,  // finish while idle
		protocol.EventError,  // options while recording
		protocol.EventError,  // second start
		protocol.EventError,  // short payload
	}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if !w.Recording() {
		t.Error("Expected the first recording to survive rejected commands")
	}
	w.Close()
}

func TestWorker_EncodeAfterRecordReportsProgress(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	w := New(rec.emit)
	opts := testOptions(t)
	opts.EncodeAfterRecord = true
	opts.ProgressInterval = time.Millisecond

	clock := time.Unix(0, 0)
	w.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	w.Handle(ctx, initCommand(types.EncodingWAV, 1, opts))
	w.Handle(ctx, protocol.Command{Command: protocol.CommandStart, Session: "s1", BufferSize: types.DefaultBufferSize})
	for range 4 {
		w.Handle(ctx, recordCommand(types.DefaultBufferSize, 1, 0.25))
	}
	w.Handle(ctx, protocol.Command{Command: protocol.CommandFinish, Session: "s1"})

	var progress []float64
	for _, ev := range rec.events {
		if ev.Event == protocol.EventProgress {
			progress = append(progress, ev.Progress)
		}
	}
	if len(progress) < 2 {
		t.Fatalf("Expected several progress events, got %v", rec.kinds())
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("Progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != 1 {
		t.Errorf("Expected final progress 1, got %v", progress[len(progress)-1])
	}
	last := rec.events[len(rec.events)-1]
	if last.Event != protocol.EventComplete {
		t.Fatalf("Expected complete last, got %s", last.Event)
	}

	entries, err := os.ReadDir(opts.OutputDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "s1.wav" {
		t.Errorf("Expected only the artifact to remain, got %v", entries)
	}
}

func TestWorker_InitWithoutFFmpeg(t *testing.T) {
	rec := &recorder{}
	w := New(rec.emit)
	w.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	w.Handle(context.Background(), initCommand(types.EncodingMP3, 2, testOptions(t)))

	if got := rec.kinds(); len(got) != 1 || got[0] != protocol.EventError {
		t.Fatalf("Expected a single error event, got %v", got)
	}
}

func TestCodecArgs(t *testing.T) {
	opts := config.DefaultRecorder().Options

	if got := strings.Join(CodecArgs(types.EncodingMP3, &opts), " "); got != "libmp3lame -b:a 160k" {
		t.Errorf("mp3 args = %q", got)
	}
	if got := strings.Join(CodecArgs(types.EncodingOGG, &opts), " "); got != "libvorbis -qscale:a 5.0" {
		t.Errorf("ogg args = %q", got)
	}
}

func TestServe_JSONLines(t *testing.T) {
	dir := t.TempDir()
	var in bytes.Buffer
	pw := protocol.NewWriter(&in)

	opts := config.DefaultRecorder().Options
	opts.OutputDir = dir
	for _, cmd := range []protocol.Command{
		initCommand(types.EncodingWAV, 1, opts),
		{Command: protocol.CommandStart, Session: "s1", BufferSize: 256},
		recordCommand(256, 1, 0.5),
		{Command: protocol.CommandFinish, Session: "s1"},
	} {
		if err := pw.WriteCommand(&cmd); err != nil {
			t.Fatalf("WriteCommand() error = %v", err)
		}
	}
	in.WriteString("{garbage\n")

	var out bytes.Buffer
	if err := Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	r := protocol.NewReader(&out)
	var kinds []protocol.EventKind
	for {
		ev, err := r.ReadEvent()
		if err != nil {
			break
		}
		kinds = append(kinds, ev.Event)
	}
	want := []protocol.EventKind{protocol.EventLoaded, protocol.EventComplete, protocol.EventError}
	if len(kinds) != len(want) {
		t.Fatalf("Expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

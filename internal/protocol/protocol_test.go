package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

func TestInterleave(t *testing.T) {
	frame := [][]float32{
		{0.1, 0.2, 0.3},
		{-0.1, -0.2, -0.3},
	}
	pcm := make([]byte, PCMSize(3, 2))
	Interleave(pcm, frame)

	want := []float32{0.1, -0.1, 0.2, -0.2, 0.3, -0.3}
	for i, w := range want {
		if got := SampleAt(pcm, i); got != w {
			t.Errorf("sample %d = %v, want %v", i, got, w)
		}
	}
}

func TestAcquirePCM_Length(t *testing.T) {
	b := AcquirePCM(PCMSize(8192, 4))
	if len(b) != 8192*4*BytesPerSample {
		t.Fatalf("AcquirePCM() length = %d", len(b))
	}
	ReleasePCM(b)

	small := AcquirePCM(16)
	if len(small) != 16 {
		t.Errorf("AcquirePCM(16) length = %d", len(small))
	}
	ReleasePCM(small)
}

func TestReader_MalformedLineDoesNotStopStream(t *testing.T) {
	input := strings.Join([]string{
		`{"event":"loaded"}`,
		`{not json`,
		``,
		`{"event":"bogus"}`,
		`{"event":"progress","session":"s1","progress":0.5}`,
	}, "\n")
	r := NewReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	if err != nil || ev.Event != EventLoaded {
		t.Fatalf("first event = %+v, %v", ev, err)
	}

	if _, err := r.ReadEvent(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for invalid JSON, got %v", err)
	}
	if _, err := r.ReadEvent(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for unknown event, got %v", err)
	}

	ev, err = r.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent() error = %v", err)
	}
	if ev.Event != EventProgress || ev.Progress != 0.5 || ev.Session != "s1" {
		t.Errorf("Unexpected progress event: %+v", ev)
	}

	if _, err := r.ReadEvent(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestReader_RejectsLocalOnlyEvent(t *testing.T) {
	r := NewReader(strings.NewReader(`{"event":"loading"}` + "\n"))
	if _, err := r.ReadEvent(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected loading to be rejected on the wire, got %v", err)
	}
}

func TestWriterReader_RecordCommand(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	pcm := make([]byte, PCMSize(2, 1))
	Interleave(pcm, [][]float32{{0.25, -0.5}})
	if err := w.WriteCommand(&Command{Command: CommandRecord, Frames: 2, PCM: pcm}); err != nil {
		t.Fatalf("WriteCommand() error = %v", err)
	}

	cmd, err := NewReader(&buf).ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand() error = %v", err)
	}
	if cmd.Frames != 2 || !bytes.Equal(cmd.PCM, pcm) {
		t.Errorf("Record command did not survive the wire: %+v", cmd)
	}
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"init missing config", Command{Command: CommandInit}, true},
		{"start", Command{Command: CommandStart, Session: "s", BufferSize: 4096}, false},
		{"start missing session", Command{Command: CommandStart, BufferSize: 4096}, true},
		{"record odd payload", Command{Command: CommandRecord, Frames: 1, PCM: []byte{1, 2, 3}}, true},
		{"cancel", Command{Command: CommandCancel}, false},
		{"unknown", Command{Command: "pause"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"complete", Event{Event: EventComplete, Artifact: &types.Artifact{Path: "/tmp/a.wav"}}, false},
		{"complete without artifact", Event{Event: EventComplete}, true},
		{"progress out of range", Event{Event: EventProgress, Progress: 1.5}, true},
		{"error without message", Event{Event: EventError}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

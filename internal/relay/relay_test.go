package relay

import (
	"errors"
	"testing"

	"github.com/oszuidwest/zwfm-recorder/internal/protocol"
)

type captured struct {
	pcm    []byte
	frames int
}

// sink records delivered payloads and refuses them while full is set.
type sink struct {
	got  []captured
	full bool
}

var errFull = errors.New("queue full")

func (s *sink) Deliver(pcm []byte, frames int) error {
	if s.full {
		return errFull
	}
	s.got = append(s.got, captured{pcm: append([]byte(nil), pcm...), frames: frames})
	protocol.ReleasePCM(pcm)
	return nil
}

type counter struct {
	frames int
}

func (c *counter) Process(frame [][]float32) {
	c.frames += len(frame[0])
}

func TestRelay_InterleavesFrames(t *testing.T) {
	s := &sink{}
	r := New(2, s)

	if err := r.Tick([][]float32{{0.1, 0.2}, {-0.1, -0.2}}); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(s.got) != 1 || s.got[0].frames != 2 {
		t.Fatalf("Expected one 2-frame payload, got %+v", s.got)
	}
	want := []float32{0.1, -0.1, 0.2, -0.2}
	for i, w := range want {
		if got := protocol.SampleAt(s.got[0].pcm, i); got != w {
			t.Errorf("sample %d = %v, want %v", i, got, w)
		}
	}
	if st := r.Stats(); st.Delivered != 1 || st.Dropped != 0 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestRelay_RejectsBadShapes(t *testing.T) {
	tests := []struct {
		name  string
		frame [][]float32
	}{
		{"no channels", nil},
		{"too few channels", [][]float32{{0}}},
		{"too many channels", [][]float32{{0}, {0}, {0}}},
		{"ragged channels", [][]float32{{0, 0}, {0}}},
		{"empty channels", [][]float32{{}, {}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sink{}
			var dropped error
			r := New(2, s, WithDropHandler(func(err error) { dropped = err }))

			err := r.Tick(tt.frame)
			if !errors.Is(err, ErrFrameShape) {
				t.Fatalf("Tick() error = %v, want ErrFrameShape", err)
			}
			if !errors.Is(dropped, ErrFrameShape) {
				t.Errorf("Expected drop handler to see ErrFrameShape, got %v", dropped)
			}
			if len(s.got) != 0 {
				t.Errorf("Expected nothing delivered, got %d payloads", len(s.got))
			}
		})
	}
}

func TestRelay_DropsWhenDelivererIsFull(t *testing.T) {
	s := &sink{full: true}
	var drops int
	r := New(1, s, WithDropHandler(func(err error) {
		if errors.Is(err, errFull) {
			drops++
		}
	}))

	for range 3 {
		if err := r.Tick([][]float32{{0.5}}); !errors.Is(err, errFull) {
			t.Fatalf("Tick() error = %v, want errFull", err)
		}
	}
	s.full = false
	if err := r.Tick([][]float32{{0.75}}); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if drops != 3 {
		t.Errorf("Expected 3 drops reported, got %d", drops)
	}
	if st := r.Stats(); st.Delivered != 1 || st.Dropped != 3 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if len(s.got) != 1 || protocol.SampleAt(s.got[0].pcm, 0) != 0.75 {
		t.Errorf("Expected only the latest tick to be delivered, got %+v", s.got)
	}
}

func TestRelay_ReusesContainer(t *testing.T) {
	r := New(1, &sink{})
	container := &r.buffers[0]

	if err := r.Tick([][]float32{{1, 2, 3}}); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if err := r.Tick([][]float32{{4, 5}}); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if &r.buffers[0] != container {
		t.Error("Expected the container to be reused across ticks")
	}
	if r.buffers[0] != nil {
		t.Error("Expected the container to release the frame after the tick")
	}
}

// frameSpy records the first sample address of every processed channel.
type frameSpy struct {
	addrs []*float32
}

func (s *frameSpy) Process(frame [][]float32) {
	for _, ch := range frame {
		s.addrs = append(s.addrs, &ch[0])
	}
}

func TestRelay_DoesNotCopyBeforeInterleave(t *testing.T) {
	spy := &frameSpy{}
	s := &sink{}
	r := New(2, s, WithProcessor(spy))

	left, right := []float32{0.5, 0.25}, []float32{-0.5, -0.25}
	if err := r.Tick([][]float32{left, right}); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(spy.addrs) != 2 || spy.addrs[0] != &left[0] || spy.addrs[1] != &right[0] {
		t.Error("Expected processors to see the capture arrays themselves")
	}
	if len(s.got) != 1 || protocol.SampleAt(s.got[0].pcm, 1) != -0.5 || protocol.SampleAt(s.got[0].pcm, 2) != 0.25 {
		t.Errorf("Unexpected payload %+v", s.got)
	}
}

func TestRelay_FeedsProcessors(t *testing.T) {
	c := &counter{}
	r := New(1, &sink{full: true}, WithProcessor(c))

	_ = r.Tick([][]float32{{0, 0, 0, 0}})
	_ = r.Tick([][]float32{{0, 0}, {0, 0}})

	if c.frames != 4 {
		t.Errorf("Expected processors to see only well-formed frames, got %d samples", c.frames)
	}
}

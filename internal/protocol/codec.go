package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Writer encodes messages as JSON lines. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// WriteCommand writes one command line.
func (w *Writer) WriteCommand(cmd *Command) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(cmd)
}

// WriteEvent writes one event line.
func (w *Writer) WriteEvent(ev *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(ev)
}

// Reader decodes JSON-lines messages. A line that cannot be decoded yields an
// error wrapping ErrMalformed; the reader stays usable for the following lines.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader that reads from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// nextLine returns the next non-empty line without its terminator.
func (r *Reader) nextLine() ([]byte, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadCommand reads and validates the next command.
func (r *Reader) ReadCommand() (Command, error) {
	var cmd Command
	line, err := r.nextLine()
	if err != nil {
		return cmd, err
	}
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cmd, cmd.Validate()
}

// ReadEvent reads and validates the next event.
func (r *Reader) ReadEvent() (Event, error) {
	var ev Event
	line, err := r.nextLine()
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Event == EventLoading {
		return ev, fmt.Errorf("%w: unexpected event %q", ErrMalformed, ev.Event)
	}
	return ev, ev.Validate()
}

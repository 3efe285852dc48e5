// Package protocol defines the messages exchanged between the recorder and its encoder.
//
// Messages travel as JSON lines: one object per line, commands from the recorder
// to the encoder and events in the other direction. Record payloads are
// interleaved little-endian float32 samples.
package protocol

import (
	"errors"
	"fmt"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// CommandKind identifies a recorder to encoder message.
type CommandKind string

const (
	CommandInit    CommandKind = "init"
	CommandStart   CommandKind = "start"
	CommandRecord  CommandKind = "record"
	CommandOptions CommandKind = "options"
	CommandCancel  CommandKind = "cancel"
	CommandFinish  CommandKind = "finish"
)

// EventKind identifies an encoder to recorder message.
type EventKind string

const (
	// EventLoading is raised locally by the link when an encoder is being started.
	// It never crosses the wire.
	EventLoading  EventKind = "loading"
	EventLoaded   EventKind = "loaded"
	EventTimeout  EventKind = "timeout"
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// ErrMalformed is returned when a message cannot be decoded or fails validation.
var ErrMalformed = errors.New("malformed message")

// Init carries the stream format sent with the init command.
type Init struct {
	Encoding    types.EncodingKind `json:"encoding"`
	SampleRate  int                `json:"sample_rate"`
	NumChannels int                `json:"num_channels"`
}

// Command is a message from the recorder to the encoder.
type Command struct {
	Command    CommandKind     `json:"command"`
	Session    string          `json:"session,omitempty"`
	Config     *Init           `json:"config,omitempty"`
	Options    *config.Options `json:"options,omitempty"`
	BufferSize int             `json:"buffer_size,omitempty"`
	Frames     int             `json:"frames,omitempty"`
	PCM        []byte          `json:"pcm,omitempty"`
}

// Event is a message from the encoder to the recorder.
type Event struct {
	Event    EventKind          `json:"event"`
	Session  string             `json:"session,omitempty"`
	Encoding types.EncodingKind `json:"encoding,omitempty"`
	Progress float64            `json:"progress,omitempty"`
	Artifact *types.Artifact    `json:"artifact,omitempty"`
	Message  string             `json:"message,omitempty"`
}

// Validate checks that a command carries the fields its kind requires.
func (c *Command) Validate() error {
	switch c.Command {
	case CommandInit:
		if c.Config == nil || c.Options == nil {
			return fmt.Errorf("%w: init without config or options", ErrMalformed)
		}
	case CommandStart:
		if c.Session == "" || c.BufferSize <= 0 {
			return fmt.Errorf("%w: start without session or buffer size", ErrMalformed)
		}
	case CommandRecord:
		if c.Frames <= 0 || len(c.PCM)%4 != 0 {
			return fmt.Errorf("%w: record with %d frames and %d bytes", ErrMalformed, c.Frames, len(c.PCM))
		}
	case CommandOptions:
		if c.Options == nil {
			return fmt.Errorf("%w: options without options", ErrMalformed)
		}
	case CommandCancel, CommandFinish:
	default:
		return fmt.Errorf("%w: unknown command %q", ErrMalformed, c.Command)
	}
	return nil
}

// Validate checks that an event carries the fields its kind requires.
func (e *Event) Validate() error {
	switch e.Event {
	case EventLoaded, EventTimeout, EventLoading:
	case EventProgress:
		if e.Progress < 0 || e.Progress > 1 {
			return fmt.Errorf("%w: progress %v out of range", ErrMalformed, e.Progress)
		}
	case EventComplete:
		if e.Artifact == nil {
			return fmt.Errorf("%w: complete without artifact", ErrMalformed)
		}
	case EventError:
		if e.Message == "" {
			return fmt.Errorf("%w: error without message", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unexpected event %q", ErrMalformed, e.Event)
	}
	return nil
}

// ErrorEvent builds an error event for a session.
func ErrorEvent(session string, err error) Event {
	return Event{Event: EventError, Session: session, Message: err.Error()}
}

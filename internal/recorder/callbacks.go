package recorder

import (
	"errors"
	"log/slog"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// ErrIllegalCall matches every error returned for an operation invoked in a
// state that forbids it.
var ErrIllegalCall = errors.New("illegal call")

// errMissingOnComplete is returned by New when no completion handler is set.
var errMissingOnComplete = errors.New("recorder: OnComplete handler is required")

// CallError reports an operation invoked in a state that forbids it.
type CallError struct {
	Op  string
	Msg string
}

func (e *CallError) Error() string {
	return e.Op + ": " + e.Msg
}

// Is makes errors.Is(err, ErrIllegalCall) true for every CallError.
func (e *CallError) Is(target error) bool {
	return target == ErrIllegalCall
}

// EncoderError is an error reported by the encoder or its transport.
type EncoderError struct {
	Session string
	Message string
}

func (e *EncoderError) Error() string {
	return "encoder: " + e.Message
}

// Callbacks receive lifecycle notifications. Nil handlers are no-ops, except
// OnComplete which is required, OnTimeout which defaults to finishing the
// recording, and OnError which defaults to logging.
//
// Handlers triggered by encoder events run one at a time on the encoder's
// reader goroutine. They may call back into the Recorder.
type Callbacks struct {
	OnEncoderLoading   func(kind types.EncodingKind)
	OnEncoderLoaded    func(kind types.EncodingKind)
	OnTimeout          func(r *Recorder)
	OnEncodingProgress func(fraction float64)
	OnEncodingCanceled func()
	OnComplete         func(artifact types.Artifact)
	OnError            func(err error)
}

func (c Callbacks) withDefaults() Callbacks {
	if c.OnEncoderLoading == nil {
		c.OnEncoderLoading = func(types.EncodingKind) {}
	}
	if c.OnEncoderLoaded == nil {
		c.OnEncoderLoaded = func(types.EncodingKind) {}
	}
	if c.OnTimeout == nil {
		c.OnTimeout = func(r *Recorder) {
			// Errors are already reported through OnError.
			_ = r.FinishTimedOut()
		}
	}
	if c.OnEncodingProgress == nil {
		c.OnEncodingProgress = func(float64) {}
	}
	if c.OnEncodingCanceled == nil {
		c.OnEncodingCanceled = func() {}
	}
	if c.OnError == nil {
		c.OnError = func(err error) {
			slog.Error("recorder error", "error", err)
		}
	}
	return c
}

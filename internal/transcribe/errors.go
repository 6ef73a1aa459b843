package transcribe

import (
	"errors"
	"fmt"
)

// ErrSourceExhausted is returned by a FrameSource once its track has ended.
// It is a normal termination signal, not a failure.
var ErrSourceExhausted = errors.New("audio source exhausted")

// Kind classifies pipeline failures.
type Kind string

const (
	KindStreamFault    Kind = "STREAM_FAULT"
	KindPublishFault   Kind = "PUBLISH_FAULT"
	KindMalformedEvent Kind = "MALFORMED_EVENT"
)

// Error is the error type reported by pipelines.
type Error struct {
	Kind     Kind
	Op       string // ex: "push frame"
	TrackSID string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.TrackSID != "" {
		msg = fmt.Sprintf("%s (track=%s)", msg, e.TrackSID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a transcribe Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

func streamFault(op, trackSID string, err error) error {
	return &Error{Kind: KindStreamFault, Op: op, TrackSID: trackSID, Err: err}
}

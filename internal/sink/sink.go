// Package sink provides additional destinations for published transcripts.
package sink

import (
	"context"
	"errors"

	"github.com/vopenia-io/transcription-agent/internal/logging"
	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

// Fanout publishes every message to a primary publisher first and then to
// a set of secondary sinks. Only the primary's error is reported; secondary
// failures are logged so a broken mirror never costs the room its transcript.
type Fanout struct {
	Primary   transcribe.Publisher
	Secondary []transcribe.Publisher
}

// Publish implements transcribe.Publisher.
func (f *Fanout) Publish(ctx context.Context, msg transcribe.TranscriptMessage) error {
	var primaryErr error
	if f.Primary != nil {
		primaryErr = f.Primary.Publish(ctx, msg)
	}

	var errs []error
	for _, s := range f.Secondary {
		if err := s.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logging.Warning(logging.CategorySink, "secondary sink failed segment=%s: %v", msg.SegmentID, err)
	}
	return primaryErr
}

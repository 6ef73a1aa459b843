package transcribe

import (
	"github.com/vopenia-io/transcription-agent/internal/logging"
)

// Tap is the hook point for observing speech events as they are drained.
// It is called serially per track, in event order, and must not block.
type Tap interface {
	// OnSpeechEvent is called for every event drained from a track's stream,
	// including final transcripts before they are published.
	OnSpeechEvent(track TrackInfo, ev SpeechEvent)
}

// NoopTap is a no-op implementation that does nothing.
type NoopTap struct{}

// OnSpeechEvent implements Tap interface (no-op).
func (NoopTap) OnSpeechEvent(track TrackInfo, ev SpeechEvent) {}

// LogTap writes one log line per speech event.
type LogTap struct{}

// OnSpeechEvent implements Tap interface.
func (LogTap) OnSpeechEvent(track TrackInfo, ev SpeechEvent) {
	switch ev.Type {
	case SpeechEventStartOfSpeech:
		logging.Debug(logging.CategoryTranscribe, "start of speech track=%s participant=%s", track.SID, track.ParticipantIdentity)
	case SpeechEventEndOfSpeech:
		logging.Debug(logging.CategoryTranscribe, "end of speech track=%s participant=%s", track.SID, track.ParticipantIdentity)
	case SpeechEventInterimTranscript:
		if len(ev.Alternatives) > 0 {
			logging.Debug(logging.CategoryTranscribe, "interim transcript track=%s lang=%s text=%q", track.SID, ev.Alternatives[0].Language, ev.Alternatives[0].Text)
		}
	case SpeechEventFinalTranscript:
		if len(ev.Alternatives) > 0 {
			logging.Info(logging.CategoryTranscribe, "final transcript track=%s lang=%s text=%q", track.SID, ev.Alternatives[0].Language, ev.Alternatives[0].Text)
		}
	}
}

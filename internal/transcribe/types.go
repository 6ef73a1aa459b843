// Package transcribe binds live audio tracks to speech-to-text streams and
// republishes final transcripts to the room.
//
// One Pipeline runs per subscribed remote audio track. The Supervisor owns the
// set of running pipelines and tears each one down exactly once.
package transcribe

import (
	"github.com/google/uuid"
)

// Topic is the data-stream topic every transcript is published on.
const Topic = "lk.transcription"

// Attribute keys of a published transcript.
const (
	AttrSegmentID       = "lk.segment_id"
	AttrTrackID         = "lk.transcribed_track_id"
	AttrParticipantID   = "lk.transcribed_participant_id"
	AttrParticipantName = "lk.transcribed_participant_name"
	AttrLanguage        = "lk.language"
)

// TrackInfo identifies a subscribed audio track and the participant publishing it.
type TrackInfo struct {
	SID                 string
	ParticipantIdentity string
	ParticipantName     string
}

// AudioFrame is a chunk of interleaved PCM16LE audio.
type AudioFrame struct {
	Data              []byte
	SampleRate        int
	NumChannels       int
	SamplesPerChannel int
}

// SpeechEventType tags the variant of a SpeechEvent.
type SpeechEventType int

const (
	SpeechEventStartOfSpeech SpeechEventType = iota
	SpeechEventEndOfSpeech
	SpeechEventInterimTranscript
	SpeechEventFinalTranscript
)

func (t SpeechEventType) String() string {
	switch t {
	case SpeechEventStartOfSpeech:
		return "start_of_speech"
	case SpeechEventEndOfSpeech:
		return "end_of_speech"
	case SpeechEventInterimTranscript:
		return "interim_transcript"
	case SpeechEventFinalTranscript:
		return "final_transcript"
	default:
		return "unknown"
	}
}

// SpeechData is one transcription alternative.
type SpeechData struct {
	Text       string
	Language   string
	Confidence float64
	// Offsets in seconds from the start of the stream.
	StartTime float64
	EndTime   float64
}

// SpeechEvent is emitted by a Stream. Transcript variants carry one or more
// alternatives, best first.
type SpeechEvent struct {
	Type         SpeechEventType
	Alternatives []SpeechData
}

// TranscriptMessage is what gets published for one final transcript.
type TranscriptMessage struct {
	SegmentID       string
	TrackID         string
	ParticipantID   string
	ParticipantName string
	Language        string
	Text            string
}

// NewTranscriptMessage builds the message for a final transcript alternative.
func NewTranscriptMessage(segmentID string, track TrackInfo, alt SpeechData) TranscriptMessage {
	return TranscriptMessage{
		SegmentID:       segmentID,
		TrackID:         track.SID,
		ParticipantID:   track.ParticipantIdentity,
		ParticipantName: track.ParticipantName,
		Language:        alt.Language,
		Text:            alt.Text,
	}
}

// Topic returns the data-stream topic of the message.
func (m TranscriptMessage) Topic() string {
	return Topic
}

// Attributes returns the wire attributes. The participant name is omitted
// when unknown.
func (m TranscriptMessage) Attributes() map[string]string {
	attrs := map[string]string{
		AttrSegmentID:     m.SegmentID,
		AttrTrackID:       m.TrackID,
		AttrParticipantID: m.ParticipantID,
		AttrLanguage:      m.Language,
	}
	if m.ParticipantName != "" {
		attrs[AttrParticipantName] = m.ParticipantName
	}
	return attrs
}

// NewSegmentID mints a fresh segment id.
func NewSegmentID() string {
	return uuid.NewString()
}

package transcribe

import (
	"errors"
	"strings"
	"testing"
)

func TestTranscriptMessageAttributes(t *testing.T) {
	tests := []struct {
		name     string
		track    TrackInfo
		wantName bool
	}{
		{name: "with participant name", track: alice, wantName: true},
		{name: "without participant name", track: TrackInfo{SID: "T2", ParticipantIdentity: "P2"}, wantName: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewTranscriptMessage("seg-1", tt.track, SpeechData{Text: "hallo", Language: "nl"})
			attrs := msg.Attributes()

			if attrs[AttrSegmentID] != "seg-1" {
				t.Errorf("%s = %q", AttrSegmentID, attrs[AttrSegmentID])
			}
			if attrs[AttrTrackID] != tt.track.SID {
				t.Errorf("%s = %q", AttrTrackID, attrs[AttrTrackID])
			}
			if attrs[AttrParticipantID] != tt.track.ParticipantIdentity {
				t.Errorf("%s = %q", AttrParticipantID, attrs[AttrParticipantID])
			}
			if attrs[AttrLanguage] != "nl" {
				t.Errorf("%s = %q", AttrLanguage, attrs[AttrLanguage])
			}
			_, hasName := attrs[AttrParticipantName]
			if hasName != tt.wantName {
				t.Errorf("participant name present = %v, want %v", hasName, tt.wantName)
			}
		})
	}
}

func TestNewSegmentIDIsFresh(t *testing.T) {
	a, b := NewSegmentID(), NewSegmentID()
	if a == "" || a == b {
		t.Fatalf("NewSegmentID() returned %q then %q", a, b)
	}
}

func TestErrorKind(t *testing.T) {
	cause := errors.New("eof")
	err := streamFault("receive events", "T1", cause)

	if !IsKind(err, KindStreamFault) {
		t.Error("IsKind(stream fault) = false")
	}
	if IsKind(err, KindPublishFault) {
		t.Error("IsKind(publish fault) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
	if msg := err.Error(); !strings.Contains(msg, "track=T1") || !strings.Contains(msg, "eof") {
		t.Errorf("Error() = %q", msg)
	}
	if IsKind(cause, KindStreamFault) {
		t.Error("plain error reported as stream fault")
	}
}

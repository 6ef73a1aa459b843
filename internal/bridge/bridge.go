// Package bridge connects LiveKit room tracks to transcription pipelines.
package bridge

import (
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/vopenia-io/transcription-agent/internal/logging"
	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

// trackSupervisor is the part of *transcribe.Supervisor the bridge drives.
type trackSupervisor interface {
	TrackSubscribed(track transcribe.TrackInfo, source transcribe.FrameSource) bool
	TrackUnsubscribed(sid string) bool
	State(sid string) transcribe.State
	Stop(timeout time.Duration)
}

// stoppableSource is a frame source whose reader can be stopped.
type stoppableSource interface {
	transcribe.FrameSource
	Start()
	Stop()
}

// Bridge feeds subscribed remote audio tracks to the supervisor.
type Bridge struct {
	roomName   string
	supervisor trackSupervisor
	sampleRate int

	// newSource defaults to NewTrackSource.
	newSource func(info transcribe.TrackInfo, track *webrtc.TrackRemote, sampleRate int) (stoppableSource, error)

	mu      sync.Mutex
	sources map[string]stoppableSource // track SID -> source of the active pipeline
}

// New creates a bridge for one room.
func New(roomName string, supervisor trackSupervisor, sampleRate int) *Bridge {
	return &Bridge{
		roomName:   roomName,
		supervisor: supervisor,
		sampleRate: sampleRate,
		newSource: func(info transcribe.TrackInfo, track *webrtc.TrackRemote, sampleRate int) (stoppableSource, error) {
			return NewTrackSource(info, track, sampleRate)
		},
		sources: make(map[string]stoppableSource),
	}
}

// TrackInfo describes a remote track publication.
func TrackInfo(rp *lksdk.RemoteParticipant, pub *lksdk.RemoteTrackPublication) transcribe.TrackInfo {
	return transcribe.TrackInfo{
		SID:                 pub.SID(),
		ParticipantIdentity: rp.Identity(),
		ParticipantName:     rp.Name(),
	}
}

// HandleTrack starts transcribing a newly subscribed track. Non-audio
// tracks are ignored.
func (b *Bridge) HandleTrack(rp *lksdk.RemoteParticipant, track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	b.handle(TrackInfo(rp, pub), track)
}

func (b *Bridge) handle(info transcribe.TrackInfo, track *webrtc.TrackRemote) {
	logging.Info(logging.CategoryBridge, "handling audio track room=%s track=%s participant=%s", b.roomName, info.SID, info.ParticipantIdentity)

	source, err := b.newSource(info, track, b.sampleRate)
	if err != nil {
		logging.Error(logging.CategoryBridge, "failed to create track source track=%s: %v", info.SID, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.supervisor.TrackSubscribed(info, source) {
		source.Stop()
		return
	}
	if prev, ok := b.sources[info.SID]; ok {
		prev.Stop()
	}
	b.sources[info.SID] = source
	source.Start()
}

// Has reports whether a source is registered for the track.
func (b *Bridge) Has(sid string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sources[sid]
	return ok
}

// RemoveTrack drains the pipeline of an unsubscribed track.
func (b *Bridge) RemoveTrack(sid string) {
	b.mu.Lock()
	source, ok := b.sources[sid]
	delete(b.sources, sid)
	b.mu.Unlock()

	if ok {
		source.Stop()
	}
	if b.supervisor.TrackUnsubscribed(sid) {
		logging.Info(logging.CategoryBridge, "removed audio track room=%s track=%s", b.roomName, sid)
	}
}

// PipelineClosed releases the source of a pipeline that ended on its own,
// for example after a stream fault. Intended as the supervisor's OnClosed.
func (b *Bridge) PipelineClosed(track transcribe.TrackInfo, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	source, ok := b.sources[track.SID]
	if !ok || b.supervisor.State(track.SID) == transcribe.StateActive {
		// A newer pipeline owns the source.
		return
	}
	source.Stop()
	delete(b.sources, track.SID)
}

// Stop drains every pipeline, waiting up to timeout.
func (b *Bridge) Stop(timeout time.Duration) {
	logging.Info(logging.CategoryBridge, "stopping bridge room=%s", b.roomName)

	b.supervisor.Stop(timeout)

	b.mu.Lock()
	for sid, source := range b.sources {
		source.Stop()
		delete(b.sources, sid)
	}
	b.mu.Unlock()

	logging.Info(logging.CategoryBridge, "bridge stopped room=%s", b.roomName)
}

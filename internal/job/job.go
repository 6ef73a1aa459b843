package job

import (
	"context"
	"fmt"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/vopenia-io/transcription-agent/internal/bridge"
	"github.com/vopenia-io/transcription-agent/internal/config"
	"github.com/vopenia-io/transcription-agent/internal/logging"
	"github.com/vopenia-io/transcription-agent/internal/sink"
	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

// StopMargin is added to the drain grace when waiting for pipelines to stop.
const StopMargin = 2 * time.Second

// Job represents a single room job execution.
// It joins a LiveKit room and transcribes every remote audio track.
type Job struct {
	JobID    string
	RoomName string
	Token    string
	URL      string
	Config   *config.Config
	STT      transcribe.STT
	Tap      transcribe.Tap
}

// Run executes the job until ctx is cancelled or the room disconnects.
func (j *Job) Run(ctx context.Context) error {
	logging.Info(logging.CategoryJob, "starting job jobID=%s room=%s", j.JobID, j.RoomName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var audioBridge *bridge.Bridge

	// Create callback struct with room handlers
	callbacks := &lksdk.RoomCallback{
		OnDisconnected: func() {
			logging.Info(logging.CategoryLiveKit, "disconnected from room room=%s", j.RoomName)
			cancel()
		},
		OnParticipantConnected: func(participant *lksdk.RemoteParticipant) {
			logging.Info(logging.CategoryLiveKit, "participant connected identity=%s", participant.Identity())
		},
		OnParticipantDisconnected: func(participant *lksdk.RemoteParticipant) {
			logging.Info(logging.CategoryLiveKit, "participant disconnected identity=%s", participant.Identity())
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				logging.Info(logging.CategoryLiveKit, "track subscribed participant=%s track=%s", rp.Identity(), pub.SID())
				audioBridge.HandleTrack(rp, track, pub)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				logging.Info(logging.CategoryLiveKit, "track unsubscribed participant=%s track=%s", rp.Identity(), pub.SID())
				audioBridge.RemoveTrack(pub.SID())
			},
		},
	}

	room := lksdk.NewRoom(callbacks)

	publisher, closeSinks, err := newPublisher(ctx, bridge.NewRoomPublisher(room), j.Config, j.RoomName)
	if err != nil {
		return err
	}
	defer closeSinks()

	tap := j.Tap
	if tap == nil {
		tap = transcribe.LogTap{}
	}
	pipeline := &transcribe.Pipeline{
		STT:        j.STT,
		Publisher:  publisher,
		Tap:        tap,
		DrainGrace: j.Config.DrainGrace,
	}
	supervisor := transcribe.NewSupervisor(pipeline, func() string {
		return room.LocalParticipant.Identity()
	})
	audioBridge = bridge.New(j.RoomName, supervisor, j.Config.STT.SampleRate)
	supervisor.OnClosed = audioBridge.PipelineClosed

	// Callbacks may fire as soon as the join starts, so everything above
	// must be in place first.
	if err := room.JoinWithToken(j.URL, j.Token); err != nil {
		return fmt.Errorf("connect to room: %w", err)
	}
	defer room.Disconnect()

	logging.Info(logging.CategoryJob, "connected to room room=%s identity=%s", room.Name(), room.LocalParticipant.Identity())

	j.handleExistingTracks(room, audioBridge)

	// Run until context cancel
	<-ctx.Done()
	logging.Info(logging.CategoryJob, "context cancelled, exiting jobID=%s", j.JobID)

	// Flush finals before leaving the room so they can still be published.
	audioBridge.Stop(j.Config.DrainGrace + StopMargin)

	logging.Info(logging.CategoryJob, "job completed jobID=%s", j.JobID)
	return nil
}

// handleExistingTracks picks up audio tracks that were subscribed before the
// callbacks were able to see them.
func (j *Job) handleExistingTracks(room *lksdk.Room, audioBridge *bridge.Bridge) {
	for _, p := range room.GetRemoteParticipants() {
		logging.Info(logging.CategoryJob, "existing participant identity=%s", p.Identity())

		for _, pub := range p.TrackPublications() {
			if pub.Kind() != lksdk.TrackKindAudio {
				continue
			}
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok {
				continue
			}
			// Ensure track is subscribed
			if !remotePub.IsSubscribed() {
				if err := remotePub.SetSubscribed(true); err != nil {
					logging.Warning(logging.CategoryJob, "failed to subscribe track=%s: %v", remotePub.SID(), err)
				}
				continue
			}
			if audioBridge.Has(remotePub.SID()) {
				continue
			}
			if remoteTrack := remotePub.TrackRemote(); remoteTrack != nil {
				audioBridge.HandleTrack(p, remoteTrack, remotePub)
			}
		}
	}
}

// newPublisher combines the room publisher with the configured sinks. The
// returned func closes the sinks.
func newPublisher(ctx context.Context, room transcribe.Publisher, cfg *config.Config, roomName string) (transcribe.Publisher, func(), error) {
	fanout := &sink.Fanout{Primary: room}
	var closers []func() error

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logging.Warning(logging.CategorySink, "failed to close sink: %v", err)
			}
		}
	}

	if cfg.TranscriptLogFile != "" {
		fileLog, err := sink.OpenFileLog(cfg.TranscriptLogFile)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, fileLog.Close)
		fanout.Secondary = append(fanout.Secondary, fileLog)
		logging.Info(logging.CategorySink, "appending transcripts to file path=%s", cfg.TranscriptLogFile)
	}

	if cfg.RedisURL != "" {
		rdb, err := sink.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, rdb.Close)
		mirror := sink.NewRedisMirror(rdb, cfg.RedisChannelPrefix, roomName)
		fanout.Secondary = append(fanout.Secondary, mirror)
		logging.Info(logging.CategorySink, "mirroring transcripts to redis channel=%s", mirror.Channel())
	}

	return fanout, closeAll, nil
}

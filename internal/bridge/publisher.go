package bridge

import (
	"context"
	"fmt"

	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

// textSender is the subset of *lksdk.LocalParticipant used to publish.
type textSender interface {
	SendText(text string, options lksdk.StreamTextOptions) *lksdk.TextStreamInfo
}

// RoomPublisher sends transcripts to every room participant as text streams
// on the transcription topic.
type RoomPublisher struct {
	sender textSender
}

// NewRoomPublisher publishes through the room's local participant.
func NewRoomPublisher(room *lksdk.Room) *RoomPublisher {
	return &RoomPublisher{sender: room.LocalParticipant}
}

// Publish implements transcribe.Publisher.
func (p *RoomPublisher) Publish(ctx context.Context, msg transcribe.TranscriptMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info := p.sender.SendText(msg.Text, lksdk.StreamTextOptions{
		Topic:      msg.Topic(),
		Attributes: msg.Attributes(),
	})
	if info == nil {
		return fmt.Errorf("send text stream segment=%s: not sent", msg.SegmentID)
	}
	return nil
}

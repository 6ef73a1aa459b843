package transcribe

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vopenia-io/transcription-agent/internal/logging"
)

// DefaultDrainGrace bounds how long a cancelled pipeline keeps draining events.
const DefaultDrainGrace = 5 * time.Second

// Pipeline binds one audio track to one STT stream for the lifetime of the track.
// A Pipeline value holds no per-run state and may be shared by concurrent runs.
type Pipeline struct {
	STT       STT
	Publisher Publisher
	Tap       Tap

	// DrainGrace is how long the drain keeps going after ctx is cancelled.
	DrainGrace time.Duration

	// NewSegmentID defaults to NewSegmentID.
	NewSegmentID func() string
}

// Run transcribes track until source is exhausted or ctx is cancelled.
//
// Cancelling ctx stops the feed at once; events already produced by the
// provider are still drained and published for up to DrainGrace before the
// stream is closed. The stream is closed as soon as the drain ends, even if
// the feed is still blocked pushing a frame, and on every return path.
func (p *Pipeline) Run(ctx context.Context, track TrackInfo, source FrameSource) error {
	// The stream must outlive ctx so finals can be flushed after unsubscribe.
	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStream()

	stream, err := p.STT.NewStream(streamCtx)
	if err != nil {
		return streamFault("open stream", track.SID, err)
	}

	// closeStream also unblocks a feed stuck in PushFrame under backpressure,
	// so it runs as soon as the drain is over rather than after the group.
	var closeOnce sync.Once
	var closed atomic.Bool
	closeStream := func() {
		closeOnce.Do(func() {
			closed.Store(true)
			cancelStream()
			if err := stream.Close(); err != nil {
				logging.Warning(logging.CategoryTranscribe, "failed to close stream track=%s: %v", track.SID, err)
			}
		})
	}
	defer closeStream()

	g, gctx := errgroup.WithContext(streamCtx)

	feedCtx, cancelFeed := context.WithCancel(gctx)
	defer cancelFeed()
	stop := context.AfterFunc(ctx, cancelFeed)
	defer stop()

	g.Go(func() error {
		err := p.feed(feedCtx, track, source, stream)
		if err != nil && closed.Load() {
			// The push failed because the drain already closed the stream.
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer closeStream()
		return p.drain(ctx, gctx, track, stream)
	})

	err = g.Wait()
	if err != nil {
		return err
	}
	logging.Debug(logging.CategoryTranscribe, "pipeline finished track=%s", track.SID)
	return nil
}

// feed pushes frames in source order and signals end of input exactly once.
func (p *Pipeline) feed(ctx context.Context, track TrackInfo, source FrameSource, stream Stream) error {
	var endOnce sync.Once
	endInput := func() {
		endOnce.Do(func() {
			if err := stream.EndInput(); err != nil {
				logging.Warning(logging.CategoryTranscribe, "failed to end stream input track=%s: %v", track.SID, err)
			}
		})
	}
	defer endInput()

	frames := 0
	for {
		frame, err := source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrSourceExhausted), errors.Is(err, io.EOF):
				logging.Debug(logging.CategoryTranscribe, "audio source exhausted track=%s frames=%d", track.SID, frames)
			case ctx.Err() != nil:
				logging.Debug(logging.CategoryTranscribe, "feed cancelled track=%s frames=%d", track.SID, frames)
			default:
				// A broken transport ends the track the same way an unsubscribe does.
				logging.Warning(logging.CategoryTranscribe, "audio source failed track=%s frames=%d: %v", track.SID, frames, err)
			}
			return nil
		}

		if err := stream.PushFrame(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return streamFault("push frame", track.SID, err)
		}
		frames++
	}
}

// drain dispatches events in emission order until the stream completes.
// Once parent is done the drain keeps going for at most DrainGrace.
func (p *Pipeline) drain(parent, ctx context.Context, track TrackInfo, stream Stream) error {
	events := stream.Events()
	cancelled := parent.Done()
	var grace <-chan time.Time

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					return streamFault("receive events", track.SID, err)
				}
				return nil
			}
			p.dispatch(ctx, track, ev)

		case <-cancelled:
			cancelled = nil
			timer := time.NewTimer(p.drainGrace())
			defer timer.Stop()
			grace = timer.C

		case <-grace:
			logging.Warning(logging.CategoryTranscribe, "drain grace period expired, closing stream track=%s", track.SID)
			return nil

		case <-ctx.Done():
			// The feed failed; its error is what Run reports.
			return nil
		}
	}
}

// dispatch maps one event to its action. Only final transcripts are published.
func (p *Pipeline) dispatch(ctx context.Context, track TrackInfo, ev SpeechEvent) {
	p.tap().OnSpeechEvent(track, ev)

	if ev.Type != SpeechEventFinalTranscript {
		return
	}
	if len(ev.Alternatives) == 0 {
		logging.Warning(logging.CategoryTranscribe, "skipping final transcript without alternatives track=%s kind=%s", track.SID, KindMalformedEvent)
		return
	}

	msg := NewTranscriptMessage(p.segmentID(), track, ev.Alternatives[0])
	if err := p.Publisher.Publish(ctx, msg); err != nil {
		err = &Error{Kind: KindPublishFault, Op: "publish transcript", TrackSID: track.SID, Err: err}
		logging.Warning(logging.CategoryTranscribe, "dropping transcript segment=%s: %v", msg.SegmentID, err)
	}
}

func (p *Pipeline) tap() Tap {
	if p.Tap == nil {
		return NoopTap{}
	}
	return p.Tap
}

func (p *Pipeline) drainGrace() time.Duration {
	if p.DrainGrace <= 0 {
		return DefaultDrainGrace
	}
	return p.DrainGrace
}

func (p *Pipeline) segmentID() string {
	if p.NewSegmentID == nil {
		return NewSegmentID()
	}
	return p.NewSegmentID()
}

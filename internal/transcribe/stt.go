package transcribe

import "context"

// FrameSource yields the audio frames of one track in arrival order.
// Next blocks until a frame is available, the track ends (ErrSourceExhausted
// or io.EOF) or ctx is done. A source is not restartable.
type FrameSource interface {
	Next(ctx context.Context) (AudioFrame, error)
}

// STT opens transcription streams.
type STT interface {
	NewStream(ctx context.Context) (Stream, error)
}

// Stream is one bidirectional session with a speech-to-text provider.
type Stream interface {
	// PushFrame sends one frame. It blocks while the provider applies backpressure.
	PushFrame(ctx context.Context, frame AudioFrame) error
	// EndInput signals that no more frames will be pushed. Events may still
	// arrive afterwards.
	EndInput() error
	// Events is closed once the provider completes or the stream fails.
	Events() <-chan SpeechEvent
	// Err returns the terminal fault, if any. Valid once Events is closed.
	Err() error
	// Close releases the session. Safe to call more than once.
	Close() error
}

// Publisher delivers transcript messages to the room.
type Publisher interface {
	Publish(ctx context.Context, msg TranscriptMessage) error
}

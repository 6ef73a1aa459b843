package transcribe

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vopenia-io/transcription-agent/internal/logging"
)

func init() {
	logging.SetOutput(io.Discard)
}

var (
	errStreamDropped = errors.New("stt transport dropped")
	errStreamClosed  = errors.New("stt stream closed")
)

func frame(i int) AudioFrame {
	return AudioFrame{Data: []byte{byte(i), byte(i >> 8)}, SampleRate: 16000, NumChannels: 1, SamplesPerChannel: 1}
}

func final(text, lang string) SpeechEvent {
	return SpeechEvent{Type: SpeechEventFinalTranscript, Alternatives: []SpeechData{{Text: text, Language: lang}}}
}

func interim(text, lang string) SpeechEvent {
	return SpeechEvent{Type: SpeechEventInterimTranscript, Alternatives: []SpeechData{{Text: text, Language: lang}}}
}

// sliceSource yields a fixed list of frames, then is exhausted.
type sliceSource struct {
	frames []AudioFrame
	i      int
}

func newSliceSource(n int) *sliceSource {
	s := &sliceSource{}
	for i := 0; i < n; i++ {
		s.frames = append(s.frames, frame(i))
	}
	return s
}

func (s *sliceSource) Next(ctx context.Context) (AudioFrame, error) {
	if s.i < len(s.frames) {
		f := s.frames[s.i]
		s.i++
		return f, nil
	}
	return AudioFrame{}, ErrSourceExhausted
}

// chanSource yields frames sent on ch; closing ch exhausts it.
type chanSource struct {
	ch chan AudioFrame
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan AudioFrame)}
}

func (s *chanSource) Next(ctx context.Context) (AudioFrame, error) {
	select {
	case <-ctx.Done():
		return AudioFrame{}, ctx.Err()
	case f, ok := <-s.ch:
		if !ok {
			return AudioFrame{}, io.EOF
		}
		return f, nil
	}
}

// fakeStream records what the pipeline does to it.
type fakeStream struct {
	mu           sync.Mutex
	pushed       []AudioFrame
	endInputs    int
	closes       int
	events       chan SpeechEvent
	eventsClosed bool
	err          error

	// tail is emitted when input ends, then the stream completes.
	tail []SpeechEvent
	// hang keeps the stream open after input ends.
	hang bool
	// failAfter fails the stream once this many frames were pushed.
	failAfter int
	// stalled, if set, makes PushFrame block until Close regardless of ctx,
	// like a websocket write to a provider that stopped reading.
	stalled chan struct{}
	pushing chan struct{}
}

func newFakeStream(tail ...SpeechEvent) *fakeStream {
	return &fakeStream{events: make(chan SpeechEvent, 64), tail: tail}
}

// newStalledStream returns a stream whose first PushFrame never completes
// until the stream is closed. pushing is closed once that push started.
func newStalledStream(tail ...SpeechEvent) *fakeStream {
	s := newFakeStream(tail...)
	s.hang = true
	s.stalled = make(chan struct{})
	s.pushing = make(chan struct{})
	return s
}

func (s *fakeStream) PushFrame(ctx context.Context, f AudioFrame) error {
	if s.stalled != nil {
		close(s.pushing)
		<-s.stalled
		return errStreamClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pushed = append(s.pushed, f)
	if s.failAfter > 0 && len(s.pushed) >= s.failAfter {
		s.err = errStreamDropped
		s.closeEventsLocked()
	}
	return nil
}

func (s *fakeStream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endInputs++
	if s.eventsClosed {
		return nil
	}
	for _, ev := range s.tail {
		s.events <- ev
	}
	if !s.hang {
		s.closeEventsLocked()
	}
	return nil
}

func (s *fakeStream) emit(ev SpeechEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eventsClosed {
		s.events <- ev
	}
}

func (s *fakeStream) Events() <-chan SpeechEvent { return s.events }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.stalled != nil && s.closes == 1 {
		close(s.stalled)
	}
	s.closeEventsLocked()
	return nil
}

func (s *fakeStream) closeEventsLocked() {
	if !s.eventsClosed {
		close(s.events)
		s.eventsClosed = true
	}
}

func (s *fakeStream) snapshot() (pushed []AudioFrame, endInputs, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AudioFrame(nil), s.pushed...), s.endInputs, s.closes
}

// fakeSTT hands out streams built by newStream.
type fakeSTT struct {
	mu        sync.Mutex
	newStream func() *fakeStream
	streams   []*fakeStream
	err       error
}

func (f *fakeSTT) NewStream(ctx context.Context) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := f.newStream()
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSTT) all() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []TranscriptMessage
	// errs is consumed one per publish; nil entries succeed.
	errs []error
}

func (p *fakePublisher) Publish(ctx context.Context, msg TranscriptMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return err
	}
	return nil
}

func (p *fakePublisher) published() []TranscriptMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TranscriptMessage(nil), p.msgs...)
}

type recordingTap struct {
	mu     sync.Mutex
	events []SpeechEvent
}

func (r *recordingTap) OnSpeechEvent(track TrackInfo, ev SpeechEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

package transcribe

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/vopenia-io/transcription-agent/internal/logging"
)

// State is the lifecycle state of a track's pipeline.
type State int

const (
	StateUnsubscribed State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pipelineHandle tracks one running pipeline.
type pipelineHandle struct {
	id     uint64
	track  TrackInfo
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs one pipeline per subscribed remote audio track.
type Supervisor struct {
	pipeline      *Pipeline
	localIdentity func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextID  uint64
	handles map[uint64]*pipelineHandle // every running pipeline
	active  map[string]*pipelineHandle // track SID -> Active handle
	stopped bool

	// OnClosed, if set, is called after a pipeline's handle has been removed.
	OnClosed func(track TrackInfo, err error)
}

// NewSupervisor creates a supervisor. localIdentity returns the local
// participant's identity; tracks it publishes are never transcribed.
func NewSupervisor(pipeline *Pipeline, localIdentity func() string) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		pipeline:      pipeline,
		localIdentity: localIdentity,
		ctx:           ctx,
		cancel:        cancel,
		handles:       make(map[uint64]*pipelineHandle),
		active:        make(map[string]*pipelineHandle),
	}
}

// TrackSubscribed starts a pipeline for track. It returns false when the
// track is published by the local participant or the supervisor is stopped.
func (s *Supervisor) TrackSubscribed(track TrackInfo, source FrameSource) bool {
	if s.localIdentity != nil && track.ParticipantIdentity == s.localIdentity() {
		logging.Debug(logging.CategoryTranscribe, "ignoring local track track=%s", track.SID)
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		logging.Warning(logging.CategoryTranscribe, "supervisor stopped, ignoring track track=%s", track.SID)
		return false
	}

	if prev, ok := s.active[track.SID]; ok {
		// A second subscription without an unsubscribe in between; the old
		// pipeline keeps draining on its own.
		prev.state = StateDraining
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.nextID++
	h := &pipelineHandle{
		id:     s.nextID,
		track:  track,
		state:  StateActive,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.handles[h.id] = h
	s.active[track.SID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	logging.Info(logging.CategoryTranscribe, "starting transcription track=%s participant=%s", track.SID, track.ParticipantIdentity)

	go s.run(ctx, h, &drainNotifier{source: source, onExhausted: func() { s.markDraining(h) }})
	return true
}

// TrackUnsubscribed moves the track's active pipeline to draining.
// It returns false if no pipeline is active for sid.
func (s *Supervisor) TrackUnsubscribed(sid string) bool {
	s.mu.Lock()
	h, ok := s.active[sid]
	if ok {
		delete(s.active, sid)
		h.state = StateDraining
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	logging.Info(logging.CategoryTranscribe, "draining transcription track=%s", sid)
	h.cancel()
	return true
}

func (s *Supervisor) run(ctx context.Context, h *pipelineHandle, source FrameSource) {
	defer s.wg.Done()
	defer close(h.done)
	defer h.cancel()

	err := s.pipeline.Run(ctx, h.track, source)

	s.mu.Lock()
	h.state = StateClosed
	delete(s.handles, h.id)
	if cur, ok := s.active[h.track.SID]; ok && cur == h {
		delete(s.active, h.track.SID)
	}
	s.mu.Unlock()

	if err != nil {
		logging.Error(logging.CategoryTranscribe, "transcription failed track=%s participant=%s: %v", h.track.SID, h.track.ParticipantIdentity, err)
	} else {
		logging.Info(logging.CategoryTranscribe, "transcription closed track=%s participant=%s", h.track.SID, h.track.ParticipantIdentity)
	}

	if s.OnClosed != nil {
		s.OnClosed(h.track, err)
	}
}

func (s *Supervisor) markDraining(h *pipelineHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.state != StateActive {
		return
	}
	h.state = StateDraining
	if cur, ok := s.active[h.track.SID]; ok && cur == h {
		delete(s.active, h.track.SID)
	}
}

// State returns the state of the most relevant pipeline for sid: the active
// one if any, otherwise a draining one, otherwise StateUnsubscribed.
func (s *Supervisor) State(sid string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.active[sid]; ok {
		return h.state
	}
	for _, h := range s.handles {
		if h.track.SID == sid {
			return h.state
		}
	}
	return StateUnsubscribed
}

// Len returns the number of running pipelines, active and draining.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Wait blocks until every running pipeline has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Stop cancels every pipeline and waits up to timeout for them to finish.
// No new pipelines are accepted afterwards.
func (s *Supervisor) Stop(timeout time.Duration) {
	s.mu.Lock()
	s.stopped = true
	for sid, h := range s.active {
		h.state = StateDraining
		delete(s.active, sid)
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info(logging.CategoryTranscribe, "all transcription pipelines stopped")
	case <-time.After(timeout):
		logging.Warning(logging.CategoryTranscribe, "timeout waiting for transcription pipelines to stop remaining=%d", s.Len())
	}
}

// drainNotifier reports source exhaustion to the supervisor.
type drainNotifier struct {
	source      FrameSource
	onExhausted func()
	once        sync.Once
}

func (d *drainNotifier) Next(ctx context.Context) (AudioFrame, error) {
	frame, err := d.source.Next(ctx)
	if err != nil && (errors.Is(err, ErrSourceExhausted) || errors.Is(err, io.EOF)) {
		d.once.Do(d.onExhausted)
	}
	return frame, err
}

package transcribe

import (
	"sort"
	"sync"
	"testing"
	"time"
)

type closedRecorder struct {
	mu   sync.Mutex
	errs map[string]error
}

func (r *closedRecorder) onClosed(track TrackInfo, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs == nil {
		r.errs = make(map[string]error)
	}
	r.errs[track.SID] = err
}

func (r *closedRecorder) get(sid string) (error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err, ok := r.errs[sid]
	return err, ok
}

func newTestSupervisor(stream func() *fakeStream) (*Supervisor, *fakeSTT, *fakePublisher) {
	p, stt, pub := newTestPipeline(stream)
	return NewSupervisor(p, func() string { return "agent-J1" }), stt, pub
}

func TestSupervisorIndependentTracks(t *testing.T) {
	s, _, pub := newTestSupervisor(func() *fakeStream {
		return newFakeStream(final("hello", "en"))
	})

	bob := TrackInfo{SID: "T2", ParticipantIdentity: "P2"}
	if !s.TrackSubscribed(alice, newSliceSource(2)) {
		t.Fatal("T1 rejected")
	}
	if !s.TrackSubscribed(bob, newSliceSource(5)) {
		t.Fatal("T2 rejected")
	}
	s.Wait()

	msgs := pub.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].SegmentID == msgs[1].SegmentID {
		t.Errorf("tracks share segment id %s", msgs[0].SegmentID)
	}
	tracks := []string{msgs[0].TrackID, msgs[1].TrackID}
	sort.Strings(tracks)
	if tracks[0] != "T1" || tracks[1] != "T2" {
		t.Errorf("published for tracks %v, want [T1 T2]", tracks)
	}
	for _, m := range msgs {
		if m.TrackID == "T2" {
			if _, ok := m.Attributes()[AttrParticipantName]; ok {
				t.Error("participant name attribute set for unnamed participant")
			}
		}
	}
	if n := s.Len(); n != 0 {
		t.Errorf("registry holds %d handles after completion, want 0", n)
	}
}

func TestSupervisorStreamFaultRemovesHandle(t *testing.T) {
	rec := &closedRecorder{}
	s, _, pub := newTestSupervisor(func() *fakeStream {
		st := newFakeStream(final("never", "en"))
		st.failAfter = 2
		return st
	})
	s.OnClosed = rec.onClosed

	s.TrackSubscribed(alice, newSliceSource(10))
	s.Wait()

	err, ok := rec.get("T1")
	if !ok {
		t.Fatal("pipeline did not report completion")
	}
	if !IsKind(err, KindStreamFault) {
		t.Errorf("pipeline error = %v, want stream fault", err)
	}
	if st := s.State("T1"); st != StateUnsubscribed {
		t.Errorf("State(T1) = %v, want unsubscribed", st)
	}
	if n := len(pub.published()); n != 0 {
		t.Errorf("published %d messages after fault, want 0", n)
	}
}

func TestSupervisorIgnoresLocalTracks(t *testing.T) {
	s, stt, _ := newTestSupervisor(func() *fakeStream { return newFakeStream() })

	own := TrackInfo{SID: "T9", ParticipantIdentity: "agent-J1"}
	if s.TrackSubscribed(own, newSliceSource(1)) {
		t.Fatal("local track accepted")
	}
	if s.Len() != 0 || len(stt.all()) != 0 {
		t.Error("pipeline started for local track")
	}
}

func TestSupervisorUnsubscribeFlushesFinal(t *testing.T) {
	s, stt, pub := newTestSupervisor(func() *fakeStream {
		return newFakeStream(final("tot ziens", "nl"))
	})
	src := newChanSource()

	s.TrackSubscribed(alice, src)
	if st := s.State("T1"); st != StateActive {
		t.Fatalf("State(T1) = %v, want active", st)
	}
	src.ch <- frame(0)
	waitFor(t, "first frame", func() bool {
		streams := stt.all()
		if len(streams) == 0 {
			return false
		}
		pushed, _, _ := streams[0].snapshot()
		return len(pushed) == 1
	})

	if !s.TrackUnsubscribed("T1") {
		t.Fatal("TrackUnsubscribed(T1) = false")
	}
	if st := s.State("T1"); st != StateDraining && st != StateUnsubscribed {
		t.Errorf("State(T1) = %v after unsubscribe", st)
	}
	if s.TrackUnsubscribed("T1") {
		t.Error("second TrackUnsubscribed(T1) = true")
	}
	s.Wait()

	msgs := pub.published()
	if len(msgs) != 1 || msgs[0].Text != "tot ziens" {
		t.Fatalf("published %v, want the in-flight final", msgs)
	}
	if s.Len() != 0 {
		t.Errorf("registry holds %d handles, want 0", s.Len())
	}
}

func TestSupervisorResubscribeWhileDraining(t *testing.T) {
	s, stt, _ := newTestSupervisor(func() *fakeStream {
		st := newFakeStream()
		st.hang = true
		return st
	})
	s.pipeline.DrainGrace = 300 * time.Millisecond

	s.TrackSubscribed(alice, newChanSource())
	s.TrackUnsubscribed("T1")
	if !s.TrackSubscribed(alice, newChanSource()) {
		t.Fatal("re-subscription rejected")
	}

	if n := s.Len(); n != 2 {
		t.Errorf("Len() = %d, want 2 (draining + active)", n)
	}
	if st := s.State("T1"); st != StateActive {
		t.Errorf("State(T1) = %v, want active", st)
	}

	s.Stop(5 * time.Second)
	if n := s.Len(); n != 0 {
		t.Errorf("Len() = %d after Stop, want 0", n)
	}
	for i, st := range stt.all() {
		if _, endInputs, closes := st.snapshot(); endInputs != 1 || closes == 0 {
			t.Errorf("stream %d: endInputs=%d closes=%d", i, endInputs, closes)
		}
	}
}

func TestSupervisorSourceExhaustionDrains(t *testing.T) {
	s, _, _ := newTestSupervisor(func() *fakeStream {
		st := newFakeStream()
		st.hang = true
		return st
	})
	s.pipeline.DrainGrace = 20 * time.Millisecond

	s.TrackSubscribed(alice, newSliceSource(3))
	waitFor(t, "draining state", func() bool { return s.State("T1") == StateDraining })

	if s.TrackUnsubscribed("T1") {
		t.Error("TrackUnsubscribed found an active pipeline after exhaustion")
	}
	s.Stop(5 * time.Second)
	if st := s.State("T1"); st != StateUnsubscribed {
		t.Errorf("State(T1) = %v after Stop", st)
	}
}

func TestSupervisorStopRejectsNewTracks(t *testing.T) {
	s, _, _ := newTestSupervisor(func() *fakeStream { return newFakeStream() })
	s.Stop(time.Second)

	if s.TrackSubscribed(alice, newSliceSource(1)) {
		t.Error("track accepted after Stop")
	}
}

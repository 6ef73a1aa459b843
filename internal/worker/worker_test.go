package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/proto"

	"github.com/vopenia-io/transcription-agent/internal/config"
	"github.com/vopenia-io/transcription-agent/internal/job"
	"github.com/vopenia-io/transcription-agent/internal/logging"
)

func init() {
	logging.SetOutput(io.Discard)
}

// fakeAgentServer speaks the server side of the agent protocol. It answers
// registration itself and forwards every other worker message to got.
type fakeAgentServer struct {
	*httptest.Server
	got    chan *livekit.WorkerMessage
	script chan *livekit.ServerMessage
	authz  chan string
}

func newFakeAgentServer(t *testing.T) *fakeAgentServer {
	t.Helper()
	s := &fakeAgentServer{
		got:    make(chan *livekit.WorkerMessage, 16),
		script: make(chan *livekit.ServerMessage, 16),
		authz:  make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent" {
			http.NotFound(w, r)
			return
		}
		s.authz <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		write := func(msg *livekit.ServerMessage) error {
			data, err := proto.Marshal(msg)
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.BinaryMessage, data)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				msg := &livekit.WorkerMessage{}
				if err := proto.Unmarshal(data, msg); err != nil {
					return
				}
				if msg.GetRegister() != nil {
					_ = write(&livekit.ServerMessage{Message: &livekit.ServerMessage_Register{
						Register: &livekit.RegisterWorkerResponse{WorkerId: "AW_test"},
					}})
				}
				s.got <- msg
			}
		}()

		for {
			select {
			case msg := <-s.script:
				if err := write(msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeAgentServer) recv(t *testing.T) *livekit.WorkerMessage {
	t.Helper()
	select {
	case msg := <-s.got:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a worker message")
		return nil
	}
}

func availability(jobID string) *livekit.ServerMessage {
	return &livekit.ServerMessage{Message: &livekit.ServerMessage_Availability{
		Availability: &livekit.AvailabilityRequest{Job: &livekit.Job{
			Id:   jobID,
			Type: livekit.JobType_JT_ROOM,
			Room: &livekit.Room{Name: "standup"},
		}},
	}}
}

func assignment(jobID string) *livekit.ServerMessage {
	return &livekit.ServerMessage{Message: &livekit.ServerMessage_Assignment{
		Assignment: &livekit.JobAssignment{
			Job:   &livekit.Job{Id: jobID, Room: &livekit.Room{Name: "standup"}},
			Token: "token-" + jobID,
		},
	}}
}

func termination(jobID string) *livekit.ServerMessage {
	return &livekit.ServerMessage{Message: &livekit.ServerMessage_Termination{
		Termination: &livekit.JobTermination{JobId: jobID},
	}}
}

func testConfig(url string) *config.Config {
	return &config.Config{
		LiveKitURL:         url,
		LiveKitAPIKey:      "key",
		LiveKitAPISecret:   "secret-secret-secret-secret-secret",
		AgentName:          "scribe",
		JobType:            livekit.JobType_JT_ROOM,
		MaxConcurrentJobs:  1,
		Hidden:             true,
		DrainTimeout:       time.Second,
		DrainGrace:         100 * time.Millisecond,
		LoadUpdateInterval: time.Hour,
	}
}

// startWorker connects a worker to srv and runs its message loop.
func startWorker(t *testing.T, srv *fakeAgentServer, runJob func(ctx context.Context, j *job.Job) error) *Worker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(ctx, cancel, testConfig(srv.URL))
	w.runJob = runJob

	if err := w.connect(ctx); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	w.wg.Add(1)
	go w.messageLoop()

	t.Cleanup(func() {
		w.cancelAllJobs()
		cancel()
		w.connMu.Lock()
		if w.conn != nil {
			w.conn.Close()
		}
		w.connMu.Unlock()
		w.wg.Wait()
	})
	return w
}

func TestWorkerRegisters(t *testing.T) {
	srv := newFakeAgentServer(t)
	w := startWorker(t, srv, nil)

	if authz := <-srv.authz; !strings.HasPrefix(authz, "Bearer ") {
		t.Errorf("Authorization = %q", authz)
	}

	reg := srv.recv(t).GetRegister()
	if reg == nil {
		t.Fatal("first message is not a registration")
	}
	if reg.GetAgentName() != "scribe" || reg.GetType() != livekit.JobType_JT_ROOM {
		t.Errorf("register = %v", reg)
	}
	perms := reg.GetAllowedPermissions()
	if !perms.GetCanSubscribe() || !perms.GetCanPublishData() || !perms.GetCanPublish() || !perms.GetHidden() {
		t.Errorf("permissions = %v", perms)
	}
	if w.workerID != "AW_test" {
		t.Errorf("workerID = %q", w.workerID)
	}
}

func TestWorkerRunsAssignedJob(t *testing.T) {
	srv := newFakeAgentServer(t)
	jobs := make(chan *job.Job, 1)
	startWorker(t, srv, func(ctx context.Context, j *job.Job) error {
		jobs <- j
		return nil
	})
	srv.recv(t) // registration

	srv.script <- availability("J1")
	avail := srv.recv(t).GetAvailability()
	if avail == nil || !avail.GetAvailable() || avail.GetJobId() != "J1" {
		t.Fatalf("availability = %v", avail)
	}
	if avail.GetParticipantIdentity() != "agent-J1" || avail.GetParticipantName() != "scribe" {
		t.Errorf("participant = %q %q", avail.GetParticipantIdentity(), avail.GetParticipantName())
	}

	srv.script <- assignment("J1")
	update := srv.recv(t).GetUpdateJob()
	if update == nil || update.GetJobId() != "J1" || update.GetStatus() != livekit.JobStatus_JS_SUCCESS {
		t.Fatalf("update = %v", update)
	}

	j := <-jobs
	if j.RoomName != "standup" || j.Token != "token-J1" || j.URL != srv.URL {
		t.Errorf("job = %+v", j)
	}
}

func TestWorkerReportsFailedJob(t *testing.T) {
	srv := newFakeAgentServer(t)
	startWorker(t, srv, func(ctx context.Context, j *job.Job) error {
		return errors.New("connect to room: refused")
	})
	srv.recv(t)

	srv.script <- assignment("J1")
	update := srv.recv(t).GetUpdateJob()
	if update.GetStatus() != livekit.JobStatus_JS_FAILED || update.GetError() != "connect to room: refused" {
		t.Errorf("update = %v", update)
	}
}

func TestWorkerCapacityAndTermination(t *testing.T) {
	srv := newFakeAgentServer(t)
	started := make(chan struct{}, 1)
	w := startWorker(t, srv, func(ctx context.Context, j *job.Job) error {
		started <- struct{}{}
		<-ctx.Done()
		return nil
	})
	srv.recv(t)

	srv.script <- assignment("J1")
	<-started
	if ids := w.ActiveJobs(); len(ids) != 1 || ids[0] != "J1" {
		t.Fatalf("ActiveJobs() = %v", ids)
	}

	// One slot, already taken.
	srv.script <- availability("J2")
	if avail := srv.recv(t).GetAvailability(); avail.GetAvailable() {
		t.Error("worker at capacity accepted a job")
	}

	srv.script <- termination("J1")
	update := srv.recv(t).GetUpdateJob()
	if update.GetJobId() != "J1" || update.GetStatus() != livekit.JobStatus_JS_SUCCESS {
		t.Errorf("update = %v", update)
	}
	if ids := w.ActiveJobs(); len(ids) != 0 {
		t.Errorf("ActiveJobs() = %v after termination", ids)
	}
}

func TestBuildWSURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "https://example.livekit.cloud", want: "wss://example.livekit.cloud/agent"},
		{in: "http://localhost:7880", want: "ws://localhost:7880/agent"},
		{in: "wss://example.livekit.cloud/", want: "wss://example.livekit.cloud/agent"},
		{in: "ftp://example.com", wantErr: true},
	}
	for _, tt := range tests {
		got, err := buildWSURL(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("buildWSURL(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestParticipantIdentity(t *testing.T) {
	if got := participantIdentity("AJ_1"); got != "agent-AJ_1" {
		t.Errorf("participantIdentity() = %q", got)
	}
	long := participantIdentity("AJ_0123456789012345678901234567890123456789012345678901234567890123456789")
	if len(long) != maxIdentityLength {
		t.Errorf("len = %d, want %d", len(long), maxIdentityLength)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		active, max int
		want        float32
	}{
		{0, 4, 0},
		{2, 4, 0.5},
		{5, 4, 1},
		{1, 0, 1},
	}
	for _, tt := range tests {
		if got := load(tt.active, tt.max); got != tt.want {
			t.Errorf("load(%d, %d) = %v, want %v", tt.active, tt.max, got, tt.want)
		}
	}
}

func TestJobExitTimeoutOutlastsPipelineStop(t *testing.T) {
	for _, grace := range []time.Duration{0, 100 * time.Millisecond, 5 * time.Second} {
		if got, stop := jobExitTimeout(grace), grace+job.StopMargin; got <= stop {
			t.Errorf("jobExitTimeout(%v) = %v, want more than the job stop wait %v", grace, got, stop)
		}
	}
}

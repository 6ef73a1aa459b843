package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/proto"

	"github.com/vopenia-io/transcription-agent/internal/config"
	"github.com/vopenia-io/transcription-agent/internal/job"
	"github.com/vopenia-io/transcription-agent/internal/logging"
	"github.com/vopenia-io/transcription-agent/internal/stt"
	"github.com/vopenia-io/transcription-agent/internal/transcribe"
	"github.com/vopenia-io/transcription-agent/internal/version"
)

const (
	defaultParticipantName = "Transcription Agent"
	maxIdentityLength      = 63
)

var errConnClosed = errors.New("websocket connection is closed")

// Worker represents the LiveKit agent worker.
type Worker struct {
	cfg *config.Config
	stt stt.Provider

	conn     *websocket.Conn
	connMu   sync.Mutex
	writeMu  sync.Mutex
	workerID string

	mu         sync.RWMutex
	activeJobs map[string]*JobRunner
	draining   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// runJob defaults to (*job.Job).Run.
	runJob func(ctx context.Context, j *job.Job) error
}

// JobRunner represents a running job.
type JobRunner struct {
	JobID     string
	StartedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWorker creates a new worker and its speech-to-text provider.
func NewWorker(cfg *config.Config) (*Worker, error) {
	ctx, cancel := context.WithCancel(context.Background())

	provider, err := stt.New(ctx, cfg.STT)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stt provider: %w", err)
	}

	w := newWorker(ctx, cancel, cfg)
	w.stt = provider

	logging.Info(logging.CategoryWorker, "worker initialized agentName=%s stt=%s", cfg.AgentName, cfg.STT.Provider)
	return w, nil
}

func newWorker(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) *Worker {
	return &Worker{
		cfg:        cfg,
		activeJobs: make(map[string]*JobRunner),
		ctx:        ctx,
		cancel:     cancel,
		runJob: func(ctx context.Context, j *job.Job) error {
			return j.Run(ctx)
		},
	}
}

// Start starts the worker. It blocks until SIGTERM/SIGINT or until the
// LiveKit server closes the connection, then drains active jobs.
func (w *Worker) Start() error {
	if err := w.connect(w.ctx); err != nil {
		return err
	}

	// Start message loop
	w.wg.Add(1)
	go w.messageLoop()

	// Start load reporting
	w.wg.Add(1)
	go w.loadReporter()

	// Start pprof server if enabled
	if w.cfg.PProfAddr != "" {
		w.wg.Add(1)
		go w.startPProf()
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logging.Info(logging.CategoryWorker, "received OS shutdown signal, starting drain")
	case <-w.ctx.Done():
		logging.Info(logging.CategoryWorker, "received shutdown from context, starting drain")
	}

	w.shutdown()
	return nil
}

// connect dials the agent endpoint and registers the worker.
func (w *Worker) connect(ctx context.Context) error {
	token, err := w.buildWorkerToken()
	if err != nil {
		return fmt.Errorf("build worker token: %w", err)
	}

	wsURL, err := buildWSURL(w.cfg.LiveKitURL)
	if err != nil {
		return fmt.Errorf("build websocket URL: %w", err)
	}

	logging.Info(logging.CategoryWorker, "connecting to LiveKit agent endpoint url=%s", wsURL)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	resp.Body.Close()

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	logging.Info(logging.CategoryWorker, "connected to LiveKit agent endpoint status=%d", resp.StatusCode)

	if err := w.register(); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func (w *Worker) shutdown() {
	// Start drain
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.updateLoad()

	// Wait for active jobs with timeout
	logging.Info(logging.CategoryWorker, "waiting for active jobs to complete timeout=%v", w.cfg.DrainTimeout)
	done := make(chan struct{})
	go func() {
		w.waitForJobs()
		close(done)
	}()

	select {
	case <-done:
		logging.Info(logging.CategoryWorker, "all jobs completed")
	case <-time.After(w.cfg.DrainTimeout):
		logging.Warning(logging.CategoryWorker, "drain timeout exceeded, forcing shutdown")
		w.cancelAllJobs()
	}

	// Cleanup: cancel context first
	w.cancel()

	if w.stt != nil {
		if err := w.stt.Close(); err != nil {
			logging.Warning(logging.CategoryWorker, "failed to close stt provider: %v", err)
		}
	}

	// Close websocket connection
	w.connMu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connMu.Unlock()

	// Wait for goroutines with timeout
	shutdownDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logging.Info(logging.CategoryWorker, "worker shutdown complete")
	case <-time.After(5 * time.Second):
		logging.Warning(logging.CategoryWorker, "worker shutdown timeout, some goroutines may not have exited cleanly")
	}
}

func (w *Worker) buildWorkerToken() (string, error) {
	at := auth.NewAccessToken(w.cfg.LiveKitAPIKey, w.cfg.LiveKitAPISecret)
	grant := &auth.VideoGrant{
		Agent: true,
	}
	at.AddGrant(grant)
	return at.ToJWT()
}

func buildWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = "/agent"
	return u.String(), nil
}

// registerRequest asks for the permissions a transcriber needs: subscribe
// to audio and publish data, staying hidden from other participants.
func (w *Worker) registerRequest() *livekit.WorkerMessage {
	return &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Register{
			Register: &livekit.RegisterWorkerRequest{
				Type:      w.cfg.JobType,
				AgentName: w.cfg.AgentName,
				Version:   version.Version,
				Namespace: &w.cfg.Namespace,
				AllowedPermissions: &livekit.ParticipantPermission{
					CanPublish:     true,
					CanSubscribe:   true,
					CanPublishData: true,
					Hidden:         w.cfg.Hidden,
				},
			},
		},
	}
}

func (w *Worker) register() error {
	if err := w.writeMessage(w.registerRequest()); err != nil {
		return fmt.Errorf("write register request: %w", err)
	}

	logging.Info(logging.CategoryWorker, "sent worker registration jobType=%v agentName=%s namespace=%s", w.cfg.JobType, w.cfg.AgentName, w.cfg.Namespace)

	// Wait for registration response
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return errConnClosed
	}
	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		msg, err := w.readMessage()
		if err != nil {
			return fmt.Errorf("read registration response: %w", err)
		}
		if regResp := msg.GetRegister(); regResp != nil {
			w.workerID = regResp.WorkerId
			logging.Info(logging.CategoryWorker, "worker registered workerID=%s protocol=%d", w.workerID, regResp.GetServerInfo().GetProtocol())
			return nil
		}
	}
}

func (w *Worker) messageLoop() {
	defer w.wg.Done()

	for {
		msg, err := w.readMessage()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Info(logging.CategoryWorker, "websocket connection closed, shutting down: %v", err)
			} else {
				logging.Error(logging.CategoryWorker, "websocket read error, shutting down: %v", err)
			}
			w.cancel()
			return
		}

		if err := w.handleMessage(msg); err != nil {
			logging.Error(logging.CategoryWorker, "handle message error: %v", err)
		}
	}
}

func (w *Worker) handleMessage(msg *livekit.ServerMessage) error {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Availability:
		return w.handleAvailability(m.Availability)
	case *livekit.ServerMessage_Assignment:
		return w.handleAssignment(m.Assignment)
	case *livekit.ServerMessage_Pong:
		return nil
	case *livekit.ServerMessage_Termination:
		return w.handleTermination(m.Termination)
	default:
		logging.Debug(logging.CategoryWorker, "unhandled message type=%T", m)
		return nil
	}
}

// participantIdentity is the identity the agent joins a job's room with.
func participantIdentity(jobID string) string {
	identity := "agent-" + jobID
	if len(identity) > maxIdentityLength {
		identity = identity[:maxIdentityLength]
	}
	return identity
}

func (w *Worker) handleAvailability(req *livekit.AvailabilityRequest) error {
	jobID := req.GetJob().GetId()

	logging.Info(logging.CategoryWorker, "received availability request jobID=%s room=%s", jobID, req.GetJob().GetRoom().GetName())

	w.mu.RLock()
	available := !w.draining && len(w.activeJobs) < w.cfg.MaxConcurrentJobs
	w.mu.RUnlock()

	participantName := defaultParticipantName
	if w.cfg.AgentName != "" {
		participantName = w.cfg.AgentName
	}

	resp := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Availability{
			Availability: &livekit.AvailabilityResponse{
				JobId:               jobID,
				Available:           available,
				ParticipantIdentity: participantIdentity(jobID),
				ParticipantName:     participantName,
			},
		},
	}

	if err := w.writeMessage(resp); err != nil {
		return fmt.Errorf("write availability response: %w", err)
	}

	if available {
		logging.Info(logging.CategoryWorker, "accepted job jobID=%s", jobID)
	} else {
		logging.Info(logging.CategoryWorker, "rejected job jobID=%s reason=draining or at capacity", jobID)
	}
	return nil
}

func (w *Worker) handleAssignment(assign *livekit.JobAssignment) error {
	jobAssignment := assign.GetJob()
	jobID := jobAssignment.GetId()
	roomName := jobAssignment.GetRoom().GetName()

	logging.Info(logging.CategoryWorker, "received job assignment jobID=%s room=%s", jobID, roomName)

	// Create context for job
	var ctx context.Context
	var cancel context.CancelFunc
	if w.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, w.cfg.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(w.ctx)
	}

	jobRunner := &JobRunner{
		JobID:     jobID,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	w.mu.Lock()
	w.activeJobs[jobID] = jobRunner
	w.mu.Unlock()

	// The server may direct the job to a different URL than the worker's
	serverURL := w.cfg.LiveKitURL
	if assign.GetUrl() != "" {
		serverURL = assign.GetUrl()
	}

	j := &job.Job{
		JobID:    jobID,
		RoomName: roomName,
		Token:    assign.GetToken(),
		URL:      serverURL,
		Config:   w.cfg,
		STT:      w.stt,
		Tap:      transcribe.LogTap{},
	}

	jobRunner.wg.Add(1)
	go func() {
		defer jobRunner.wg.Done()
		defer cancel()

		err := w.runJob(ctx, j)
		if err != nil {
			logging.Error(logging.CategoryJob, "job process exited with error jobID=%s: %v", jobID, err)
		} else {
			logging.Info(logging.CategoryJob, "job process completed jobID=%s duration=%v", jobID, time.Since(jobRunner.StartedAt))
		}

		// Remove from active jobs before reporting so the next availability
		// request sees the freed slot.
		w.mu.Lock()
		delete(w.activeJobs, jobID)
		w.mu.Unlock()

		status := livekit.JobStatus_JS_SUCCESS
		if err != nil {
			status = livekit.JobStatus_JS_FAILED
		}

		update := &livekit.WorkerMessage{
			Message: &livekit.WorkerMessage_UpdateJob{
				UpdateJob: &livekit.UpdateJobStatus{
					JobId:  jobID,
					Status: status,
					Error:  errString(err),
				},
			},
		}

		if err := w.writeMessage(update); err != nil {
			logging.Error(logging.CategoryWorker, "failed to update job status jobID=%s: %v", jobID, err)
		}
	}()

	return nil
}

func (w *Worker) handleTermination(term *livekit.JobTermination) error {
	jobID := term.GetJobId()
	logging.Info(logging.CategoryWorker, "received job termination jobID=%s", jobID)

	w.mu.RLock()
	jobRunner, ok := w.activeJobs[jobID]
	w.mu.RUnlock()

	if !ok {
		logging.Warning(logging.CategoryWorker, "termination for unknown job jobID=%s", jobID)
		return nil
	}

	jobRunner.cancel()
	return nil
}

func (w *Worker) loadReporter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.LoadUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.connMu.Lock()
			conn := w.conn
			w.connMu.Unlock()

			if conn == nil {
				return
			}

			w.updateLoad()
		}
	}
}

// load is the fraction of job slots in use, clamped to [0, 1].
func load(active, max int) float32 {
	if max <= 0 {
		return 1
	}
	l := float32(active) / float32(max)
	if l > 1 {
		l = 1
	}
	return l
}

func (w *Worker) updateLoad() {
	w.mu.RLock()
	jobCount := len(w.activeJobs)
	draining := w.draining
	w.mu.RUnlock()
	current := load(jobCount, w.cfg.MaxConcurrentJobs)

	status := livekit.WorkerStatus_WS_AVAILABLE
	if draining || current >= 1 {
		status = livekit.WorkerStatus_WS_FULL
	}

	update := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_UpdateWorker{
			UpdateWorker: &livekit.UpdateWorkerStatus{
				Status:   &status,
				Load:     current,
				JobCount: uint32(jobCount),
			},
		},
	}

	if err := w.writeMessage(update); err != nil {
		if errors.Is(err, errConnClosed) {
			logging.Debug(logging.CategoryWorker, "connection closed, skipping load update")
			return
		}
		logging.Error(logging.CategoryWorker, "failed to update worker status: %v", err)
	}
}

// ActiveJobs returns the IDs of running jobs.
func (w *Worker) ActiveJobs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.activeJobs))
	for id := range w.activeJobs {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) readMessage() (*livekit.ServerMessage, error) {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()

	if conn == nil {
		return nil, errConnClosed
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	msg := &livekit.ServerMessage{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	return msg, nil
}

// writeMessage is safe for concurrent use; gorilla connections allow only
// one writer at a time.
func (w *Worker) writeMessage(msg *livekit.WorkerMessage) error {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()

	if conn == nil {
		return errConnClosed
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *Worker) waitForJobs() {
	for {
		w.mu.RLock()
		jobs := make([]*JobRunner, 0, len(w.activeJobs))
		for _, jobRunner := range w.activeJobs {
			jobs = append(jobs, jobRunner)
		}
		w.mu.RUnlock()

		if len(jobs) == 0 {
			return
		}

		for _, jobRunner := range jobs {
			jobRunner.wg.Wait()
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (w *Worker) cancelAllJobs() {
	w.mu.RLock()
	jobs := make([]*JobRunner, 0, len(w.activeJobs))
	for _, jobRunner := range w.activeJobs {
		jobs = append(jobs, jobRunner)
	}
	w.mu.RUnlock()

	// Cancel all job contexts
	for _, jobRunner := range jobs {
		jobRunner.cancel()
	}

	// Wait for all job goroutines to finish (with timeout)
	done := make(chan struct{})
	go func() {
		for _, jobRunner := range jobs {
			jobRunner.wg.Wait()
		}
		close(done)
	}()

	// Jobs flush finals for up to the drain grace once cancelled.
	select {
	case <-done:
		logging.Info(logging.CategoryWorker, "all jobs cancelled and exited")
	case <-time.After(jobExitTimeout(w.cfg.DrainGrace)):
		logging.Warning(logging.CategoryWorker, "timeout waiting for jobs to exit after cancellation")
	}
}

// jobExitTimeout outlasts a job's own pipeline stop wait so a job that is
// still flushing finals is not reported as stuck.
func jobExitTimeout(grace time.Duration) time.Duration {
	return grace + job.StopMargin + 3*time.Second
}

func (w *Worker) startPProf() {
	defer w.wg.Done()

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", func(w http.ResponseWriter, r *http.Request) {
		http.DefaultServeMux.ServeHTTP(w, r)
	})

	server := &http.Server{
		Addr:    w.cfg.PProfAddr,
		Handler: mux,
	}

	go func() {
		<-w.ctx.Done()
		server.Shutdown(context.Background())
	}()

	logging.Info(logging.CategoryWorker, "starting pprof server addr=%s", w.cfg.PProfAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error(logging.CategoryWorker, "pprof server error: %v", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

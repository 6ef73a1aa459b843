package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vopenia-io/transcription-agent/internal/logging"
	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

// DefaultGladiaURL is the Gladia API base URL.
const DefaultGladiaURL = "https://api.gladia.io"

const gladiaLivePath = "/v2/live"

// Gladia message types.
const (
	gladiaMsgTranscript  = "transcript"
	gladiaMsgTranslation = "translation"
	gladiaMsgSpeechStart = "speech_start"
	gladiaMsgSpeechEnd   = "speech_end"
	gladiaMsgEndSession  = "end_session"
	gladiaMsgStop        = "stop_recording"
)

// gladiaWriteTimeout bounds a single websocket write so a provider that
// stopped reading cannot block the feed forever.
const gladiaWriteTimeout = 10 * time.Second

var errInputEnded = errors.New("gladia: input already ended")

// Gladia streams audio to the Gladia live transcription API.
type Gladia struct {
	cfg        Config
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewGladia creates a Gladia provider.
func NewGladia(cfg Config) (*Gladia, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gladia: API key is required")
	}
	cfg.Provider = ProviderGladia
	cfg = cfg.withDefaults()

	return &Gladia{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// Close releases idle HTTP connections.
func (g *Gladia) Close() error {
	g.httpClient.CloseIdleConnections()
	return nil
}

type gladiaInitRequest struct {
	Encoding           string                    `json:"encoding"`
	BitDepth           int                       `json:"bit_depth"`
	SampleRate         int                       `json:"sample_rate"`
	Channels           int                       `json:"channels"`
	LanguageConfig     gladiaLanguageConfig      `json:"language_config"`
	RealtimeProcessing *gladiaRealtimeProcessing `json:"realtime_processing,omitempty"`
	MessagesConfig     gladiaMessagesConfig      `json:"messages_config"`
}

type gladiaLanguageConfig struct {
	Languages     []string `json:"languages,omitempty"`
	CodeSwitching bool     `json:"code_switching"`
}

type gladiaRealtimeProcessing struct {
	Translation       bool                     `json:"translation"`
	TranslationConfig *gladiaTranslationConfig `json:"translation_config,omitempty"`
}

type gladiaTranslationConfig struct {
	TargetLanguages []string `json:"target_languages"`
}

type gladiaMessagesConfig struct {
	ReceivePartialTranscripts       bool `json:"receive_partial_transcripts"`
	ReceiveFinalTranscripts         bool `json:"receive_final_transcripts"`
	ReceiveSpeechEvents             bool `json:"receive_speech_events"`
	ReceiveRealtimeProcessingEvents bool `json:"receive_realtime_processing_events"`
	ReceiveLifecycleEvents          bool `json:"receive_lifecycle_events"`
	ReceiveAcknowledgments          bool `json:"receive_acknowledgments"`
}

type gladiaInitResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type gladiaMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

type gladiaUtterance struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type gladiaTranscriptData struct {
	ID        string          `json:"id"`
	IsFinal   bool            `json:"is_final"`
	Utterance gladiaUtterance `json:"utterance"`
}

type gladiaTranslationData struct {
	UtteranceID         string          `json:"utterance_id"`
	Utterance           gladiaUtterance `json:"utterance"`
	OriginalLanguage    string          `json:"original_language"`
	TargetLanguage      string          `json:"target_language"`
	TranslatedUtterance gladiaUtterance `json:"translated_utterance"`
}

func (g *Gladia) initRequest() gladiaInitRequest {
	req := gladiaInitRequest{
		Encoding:   "wav/pcm",
		BitDepth:   16,
		SampleRate: g.cfg.SampleRate,
		Channels:   g.cfg.NumChannels,
		LanguageConfig: gladiaLanguageConfig{
			Languages:     g.cfg.Languages,
			CodeSwitching: g.cfg.CodeSwitching,
		},
		MessagesConfig: gladiaMessagesConfig{
			ReceivePartialTranscripts:       g.cfg.InterimResults,
			ReceiveFinalTranscripts:         true,
			ReceiveSpeechEvents:             true,
			ReceiveRealtimeProcessingEvents: g.cfg.TranslationEnabled,
			ReceiveLifecycleEvents:          true,
		},
	}
	if g.cfg.TranslationEnabled {
		req.RealtimeProcessing = &gladiaRealtimeProcessing{
			Translation: true,
			TranslationConfig: &gladiaTranslationConfig{
				TargetLanguages: g.cfg.TranslationTargetLanguages,
			},
		}
	}
	return req
}

// initSession creates a live session and returns its websocket URL.
func (g *Gladia) initSession(ctx context.Context) (*gladiaInitResponse, error) {
	body, err := json.Marshal(g.initRequest())
	if err != nil {
		return nil, fmt.Errorf("marshal init request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(g.cfg.URL, "/")+gladiaLivePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gladia-Key", g.cfg.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("init session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("init session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out gladiaInitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode init response: %w", err)
	}
	if out.URL == "" {
		return nil, errors.New("init session: response has no websocket url")
	}
	return &out, nil
}

// NewStream opens a live session.
func (g *Gladia) NewStream(ctx context.Context) (transcribe.Stream, error) {
	session, err := g.initSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("gladia: %w", err)
	}

	conn, _, err := g.dialer.DialContext(ctx, session.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("gladia: dial session %s: %w", session.ID, err)
	}

	s := &gladiaStream{
		conn:      conn,
		sessionID: session.ID,
		cfg:       g.cfg,
		filter:    g.cfg.energyFilter(),
		events:    make(chan transcribe.SpeechEvent, 64),
		closing:   make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	go s.readLoop()

	logging.Info(logging.CategorySTT, "gladia session opened session=%s", session.ID)
	return s, nil
}

type gladiaStream struct {
	conn      *websocket.Conn
	sessionID string
	cfg       Config
	filter    *EnergyFilter

	writeMu    sync.Mutex
	inputEnded atomic.Bool

	events    chan transcribe.SpeechEvent
	closing   chan struct{}
	readDone  chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (s *gladiaStream) PushFrame(ctx context.Context, frame transcribe.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.filter != nil && !s.filter.Push(frame) {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.inputEnded.Load() {
		return errInputEnded
	}
	if err := s.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return fmt.Errorf("gladia: set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
		return fmt.Errorf("gladia: write audio: %w", err)
	}
	return nil
}

func (s *gladiaStream) EndInput() error {
	var err error
	s.endOnce.Do(func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		s.inputEnded.Store(true)
		_ = s.conn.SetWriteDeadline(time.Now().Add(gladiaWriteTimeout))
		if werr := s.conn.WriteJSON(map[string]string{"type": gladiaMsgStop}); werr != nil {
			err = fmt.Errorf("gladia: stop recording: %w", werr)
		}
	})
	return err
}

// writeDeadline is gladiaWriteTimeout from now, or ctx's deadline if sooner.
func writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(gladiaWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func (s *gladiaStream) Events() <-chan transcribe.SpeechEvent {
	return s.events
}

func (s *gladiaStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *gladiaStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
		<-s.readDone
		logging.Debug(logging.CategorySTT, "gladia session closed session=%s", s.sessionID)
	})
	return nil
}

func (s *gladiaStream) readLoop() {
	defer close(s.readDone)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && s.ended() {
				return
			}
			s.setErr(fmt.Errorf("gladia: session %s: %w", s.sessionID, err))
			return
		}

		var msg gladiaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warning(logging.CategorySTT, "ignoring malformed gladia message session=%s: %v", s.sessionID, err)
			continue
		}
		if done := s.handle(msg); done {
			return
		}
	}
}

// handle maps one provider message to speech events. It returns true once
// the session has ended.
func (s *gladiaStream) handle(msg gladiaMessage) bool {
	switch msg.Type {
	case gladiaMsgSpeechStart:
		s.emit(transcribe.SpeechEvent{Type: transcribe.SpeechEventStartOfSpeech})

	case gladiaMsgSpeechEnd:
		s.emit(transcribe.SpeechEvent{Type: transcribe.SpeechEventEndOfSpeech})

	case gladiaMsgTranscript:
		var data gladiaTranscriptData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logging.Warning(logging.CategorySTT, "ignoring malformed transcript session=%s: %v", s.sessionID, err)
			return false
		}
		if strings.TrimSpace(data.Utterance.Text) == "" {
			return false
		}
		alt := utteranceData(data.Utterance, data.Utterance.Language)
		switch {
		case data.IsFinal && s.cfg.TranslationEnabled:
			// Finals are published from the translation messages instead.
			logging.Debug(logging.CategorySTT, "final transcript awaiting translation session=%s id=%s", s.sessionID, data.ID)
		case data.IsFinal:
			s.emit(transcribe.SpeechEvent{Type: transcribe.SpeechEventFinalTranscript, Alternatives: []transcribe.SpeechData{alt}})
		case s.cfg.InterimResults:
			s.emit(transcribe.SpeechEvent{Type: transcribe.SpeechEventInterimTranscript, Alternatives: []transcribe.SpeechData{alt}})
		}

	case gladiaMsgTranslation:
		if !s.cfg.TranslationEnabled {
			return false
		}
		var data gladiaTranslationData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logging.Warning(logging.CategorySTT, "ignoring malformed translation session=%s: %v", s.sessionID, err)
			return false
		}
		if strings.TrimSpace(data.TranslatedUtterance.Text) == "" {
			return false
		}
		lang := data.TargetLanguage
		if lang == "" {
			lang = data.TranslatedUtterance.Language
		}
		alt := utteranceData(data.TranslatedUtterance, lang)
		s.emit(transcribe.SpeechEvent{Type: transcribe.SpeechEventFinalTranscript, Alternatives: []transcribe.SpeechData{alt}})

	case gladiaMsgEndSession:
		logging.Debug(logging.CategorySTT, "gladia session ended session=%s", s.sessionID)
		return true

	default:
		logging.Debug(logging.CategorySTT, "unhandled gladia message type=%s session=%s", msg.Type, s.sessionID)
	}
	return false
}

func utteranceData(u gladiaUtterance, lang string) transcribe.SpeechData {
	return transcribe.SpeechData{
		Text:       strings.TrimSpace(u.Text),
		Language:   lang,
		Confidence: u.Confidence,
		StartTime:  u.Start,
		EndTime:    u.End,
	}
}

func (s *gladiaStream) emit(ev transcribe.SpeechEvent) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

func (s *gladiaStream) ended() bool {
	return s.inputEnded.Load()
}

func (s *gladiaStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

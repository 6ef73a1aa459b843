package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vopenia-io/transcription-agent/internal/logging"
	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

// Google streams audio to Cloud Speech-to-Text. Translation is not supported
// and is ignored. Credentials come from Application Default Credentials.
type Google struct {
	client *speech.Client
	cfg    Config
}

// NewGoogle creates a Cloud Speech provider.
func NewGoogle(ctx context.Context, cfg Config) (*Google, error) {
	cfg.Provider = ProviderGoogle
	cfg = cfg.withDefaults()
	if cfg.TranslationEnabled {
		logging.Warning(logging.CategorySTT, "google speech does not translate, translation settings ignored")
	}

	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &Google{client: c, cfg: cfg}, nil
}

// Close closes the gRPC client.
func (g *Google) Close() error { return g.client.Close() }

func (g *Google) streamingConfig() *speechpb.StreamingRecognitionConfig {
	lang := "en-US"
	var alternatives []string
	if len(g.cfg.Languages) > 0 {
		lang = g.cfg.Languages[0]
		alternatives = g.cfg.Languages[1:]
	}
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(g.cfg.SampleRate),
			AudioChannelCount:          int32(g.cfg.NumChannels),
			LanguageCode:               lang,
			AlternativeLanguageCodes:   alternatives,
			EnableAutomaticPunctuation: true,
		},
		InterimResults:            g.cfg.InterimResults,
		EnableVoiceActivityEvents: true,
	}
}

// NewStream opens a streaming recognition call.
func (g *Google) NewStream(ctx context.Context) (transcribe.Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	rs, err := g.client.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("google: open stream: %w", err)
	}

	err = rs.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: g.streamingConfig(),
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("google: send config: %w", err)
	}

	s := &googleStream{
		rs:       rs,
		cancel:   cancel,
		interim:  g.cfg.InterimResults,
		filter:   g.cfg.energyFilter(),
		events:   make(chan transcribe.SpeechEvent, 64),
		closing:  make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	go s.recvLoop()
	return s, nil
}

type googleStream struct {
	rs      speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	interim bool
	filter  *EnergyFilter

	sendMu  sync.Mutex
	endOnce sync.Once

	events    chan transcribe.SpeechEvent
	closing   chan struct{}
	recvDone  chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (s *googleStream) PushFrame(ctx context.Context, frame transcribe.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.filter != nil && !s.filter.Push(frame) {
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.rs.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame.Data},
	})
	if err != nil {
		return fmt.Errorf("google: send audio: %w", err)
	}
	return nil
}

func (s *googleStream) EndInput() error {
	var err error
	s.endOnce.Do(func() {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		if cerr := s.rs.CloseSend(); cerr != nil {
			err = fmt.Errorf("google: close send: %w", cerr)
		}
	})
	return err
}

func (s *googleStream) Events() <-chan transcribe.SpeechEvent { return s.events }

func (s *googleStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *googleStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		<-s.recvDone
	})
	return nil
}

func (s *googleStream) recvLoop() {
	defer close(s.recvDone)
	defer close(s.events)

	for {
		resp, err := s.rs.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-s.closing:
				return
			default:
			}
			if status.Code(err) == codes.Canceled {
				return
			}
			s.setErr(fmt.Errorf("google: receive: %w", err))
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != int32(codes.OK) {
			s.setErr(fmt.Errorf("google: recognition error %d: %s", st.GetCode(), st.GetMessage()))
			return
		}

		for _, ev := range googleEvents(resp, s.interim) {
			select {
			case s.events <- ev:
			case <-s.closing:
				return
			}
		}
	}
}

func (s *googleStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// googleEvents maps one streaming response to speech events.
func googleEvents(resp *speechpb.StreamingRecognizeResponse, interim bool) []transcribe.SpeechEvent {
	var out []transcribe.SpeechEvent

	switch resp.GetSpeechEventType() {
	case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_BEGIN:
		out = append(out, transcribe.SpeechEvent{Type: transcribe.SpeechEventStartOfSpeech})
	case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_END:
		out = append(out, transcribe.SpeechEvent{Type: transcribe.SpeechEventEndOfSpeech})
	}

	for _, r := range resp.GetResults() {
		if !r.GetIsFinal() && !interim {
			continue
		}
		var alts []transcribe.SpeechData
		for _, a := range r.GetAlternatives() {
			if a.GetTranscript() == "" {
				continue
			}
			alts = append(alts, transcribe.SpeechData{
				Text:       a.GetTranscript(),
				Language:   r.GetLanguageCode(),
				Confidence: float64(a.GetConfidence()),
				EndTime:    r.GetResultEndTime().AsDuration().Seconds(),
			})
		}
		if len(alts) == 0 {
			continue
		}
		typ := transcribe.SpeechEventInterimTranscript
		if r.GetIsFinal() {
			typ = transcribe.SpeechEventFinalTranscript
		}
		out = append(out, transcribe.SpeechEvent{Type: typ, Alternatives: alts})
	}
	return out
}

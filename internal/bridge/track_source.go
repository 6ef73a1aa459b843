package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	soxr "github.com/zaf/resample"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/vopenia-io/transcription-agent/internal/logging"
	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

const (
	opusSampleRate = 48000
	// maxOpusFrame is 120ms at 48kHz, the longest frame Opus produces.
	maxOpusFrame = 5760
	// frameQueue holds one second of 20ms frames.
	frameQueue = 50
)

// TrackSource turns a subscribed Opus track into PCM16LE mono frames for the
// STT stream. It decodes RTP packets, resamples 48kHz to the target rate and
// cuts the result into 20ms frames.
type TrackSource struct {
	info      transcribe.TrackInfo
	read      func([]byte) (int, error)
	decoder   *opus.Decoder
	resampler *soxr.Resampler

	// The resampler writes into resampleBuf; it is reset before every write.
	resampleBuf *bytes.Buffer
	inputBytes  []byte
	chunker     *chunker

	frames      chan transcribe.AudioFrame
	stop        chan struct{}
	stopOnce    sync.Once
	started     atomic.Bool
	releaseOnce sync.Once
	dropped     atomic.Int64

	firstRTPLogged bool
}

// NewTrackSource creates a source reading from track. sampleRate is the rate
// of the produced frames.
func NewTrackSource(info transcribe.TrackInfo, track *webrtc.TrackRemote, sampleRate int) (*TrackSource, error) {
	return newTrackSource(info, func(b []byte) (int, error) {
		n, _, err := track.Read(b)
		return n, err
	}, sampleRate)
}

func newTrackSource(info transcribe.TrackInfo, read func([]byte) (int, error), sampleRate int) (*TrackSource, error) {
	decoder, err := opus.NewDecoder(opusSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	s := &TrackSource{
		info:    info,
		read:    read,
		decoder: decoder,
		chunker: newChunker(sampleRate),
		frames:  make(chan transcribe.AudioFrame, frameQueue),
		stop:    make(chan struct{}),
	}

	if sampleRate != opusSampleRate {
		s.resampleBuf = &bytes.Buffer{}
		s.resampler, err = soxr.New(s.resampleBuf, opusSampleRate, float64(sampleRate), 1, soxr.I16, soxr.HighQ)
		if err != nil {
			return nil, fmt.Errorf("create resampler: %w", err)
		}
		s.inputBytes = make([]byte, 0, 1920)
	}
	return s, nil
}

// Start begins reading the track in the background. Only the first call
// has an effect.
func (s *TrackSource) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.readLoop()
}

// Stop makes the reader exit at the next packet. Next then reports
// transcribe.ErrSourceExhausted once queued frames are consumed.
// A source that was never started releases its resampler here.
func (s *TrackSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if !s.started.Load() {
		s.release()
	}
}

// release frees the native resampler. The read loop owns it once started.
func (s *TrackSource) release() {
	s.releaseOnce.Do(func() {
		if s.resampler != nil {
			s.resampler.Close()
			s.resampler = nil
		}
	})
}

// Next implements transcribe.FrameSource.
func (s *TrackSource) Next(ctx context.Context) (transcribe.AudioFrame, error) {
	select {
	case frame, ok := <-s.frames:
		if !ok {
			return transcribe.AudioFrame{}, transcribe.ErrSourceExhausted
		}
		return frame, nil
	case <-ctx.Done():
		return transcribe.AudioFrame{}, ctx.Err()
	}
}

func (s *TrackSource) readLoop() {
	defer close(s.frames)
	defer s.release()

	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	pcm48k := make([]int16, maxOpusFrame)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, err := s.read(buf)
		if err != nil {
			logging.Debug(logging.CategoryBridge, "track ended track=%s: %v", s.info.SID, err)
			return
		}

		if !s.firstRTPLogged {
			s.firstRTPLogged = true
			logging.Info(logging.CategoryBridge, "received first RTP packet track=%s size=%d", s.info.SID, n)
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			logging.Warning(logging.CategoryBridge, "failed to unmarshal RTP packet track=%s: %v", s.info.SID, err)
			continue
		}
		if len(packet.Payload) == 0 {
			continue // DTX
		}

		sampleCount, err := s.decoder.Decode(packet.Payload, pcm48k)
		if err != nil {
			logging.Warning(logging.CategoryBridge, "failed to decode Opus track=%s: %v", s.info.SID, err)
			continue
		}
		if sampleCount == 0 {
			continue
		}

		samples, err := s.resample(pcm48k[:sampleCount])
		if err != nil {
			logging.Warning(logging.CategoryBridge, "failed to resample track=%s: %v", s.info.SID, err)
			continue
		}

		for _, frame := range s.chunker.push(samples) {
			s.enqueue(frame)
		}
	}
}

// enqueue never blocks the RTP reader; frames are dropped while the STT
// stream is behind.
func (s *TrackSource) enqueue(frame transcribe.AudioFrame) {
	select {
	case s.frames <- frame:
	default:
		if s.dropped.Add(1)%frameQueue == 1 {
			logging.Warning(logging.CategoryBridge, "stt stream behind, dropping audio track=%s dropped=%d", s.info.SID, s.dropped.Load())
		}
	}
}

func (s *TrackSource) resample(samples []int16) ([]int16, error) {
	if s.resampler == nil {
		return samples, nil
	}

	size := len(samples) * 2
	if cap(s.inputBytes) < size {
		s.inputBytes = make([]byte, size)
	}
	in := s.inputBytes[:size]
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(in[i*2:], uint16(sample))
	}

	s.resampleBuf.Reset()
	if _, err := s.resampler.Write(in); err != nil {
		return nil, fmt.Errorf("resampler write: %w", err)
	}

	out := s.resampleBuf.Bytes()
	result := make([]int16, len(out)/2)
	for i := range result {
		result[i] = int16(binary.LittleEndian.Uint16(out[i*2:]))
	}
	return result, nil
}

// chunker cuts a PCM sample stream into fixed 20ms frames, carrying the
// remainder over to the next push.
type chunker struct {
	sampleRate int
	frameSize  int
	remaining  []int16
}

func newChunker(sampleRate int) *chunker {
	frameSize := sampleRate / 50
	return &chunker{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		remaining:  make([]int16, 0, frameSize),
	}
}

func (c *chunker) push(samples []int16) []transcribe.AudioFrame {
	if len(samples) == 0 {
		return nil
	}
	combined := append(c.remaining, samples...)

	var frames []transcribe.AudioFrame
	for len(combined) >= c.frameSize {
		frames = append(frames, c.frame(combined[:c.frameSize]))
		combined = combined[c.frameSize:]
	}

	// combined may alias remaining's backing array, so copy to the front.
	c.remaining = append(c.remaining[:0], combined...)
	return frames
}

func (c *chunker) frame(samples []int16) transcribe.AudioFrame {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
	}
	return transcribe.AudioFrame{
		Data:              data,
		SampleRate:        c.sampleRate,
		NumChannels:       1,
		SamplesPerChannel: len(samples),
	}
}

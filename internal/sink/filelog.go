package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

const fileLogTimeFormat = "2006-01-02 15:04:05"

// FileLog appends one "[timestamp] text" line per transcript.
type FileLog struct {
	mu  sync.Mutex
	w   io.WriteCloser
	now func() time.Time
}

// OpenFileLog opens path for appending, creating it if needed.
func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript log: %w", err)
	}
	return &FileLog{w: f, now: time.Now}, nil
}

// Publish implements transcribe.Publisher.
func (l *FileLog) Publish(ctx context.Context, msg transcribe.TranscriptMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return fmt.Errorf("transcript log closed")
	}
	if _, err := fmt.Fprintf(l.w, "[%s] %s\n", l.now().Format(fileLogTimeFormat), msg.Text); err != nil {
		return fmt.Errorf("write transcript log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	err := l.w.Close()
	l.w = nil
	return err
}

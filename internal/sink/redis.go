package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

// DefaultRedisChannelPrefix prefixes the per-room pub/sub channel.
const DefaultRedisChannelPrefix = "transcription"

// redisPublisher is the subset of *redis.Client used by RedisMirror.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisMirror publishes transcripts as JSON on "<prefix>:<room>".
type RedisMirror struct {
	rdb     redisPublisher
	room    string
	channel string
}

// redisTranscript is the JSON payload of a mirrored transcript.
type redisTranscript struct {
	Topic      string            `json:"topic"`
	Room       string            `json:"room"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

// NewRedisClient connects to url, which is either redis://... or host:port.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: url})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisMirror creates a mirror for one room.
func NewRedisMirror(rdb redisPublisher, prefix, room string) *RedisMirror {
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisMirror{rdb: rdb, room: room, channel: prefix + ":" + room}
}

// Channel returns the pub/sub channel name.
func (m *RedisMirror) Channel() string { return m.channel }

// Publish implements transcribe.Publisher.
func (m *RedisMirror) Publish(ctx context.Context, msg transcribe.TranscriptMessage) error {
	payload, err := json.Marshal(redisTranscript{
		Topic:      msg.Topic(),
		Room:       m.room,
		Text:       msg.Text,
		Attributes: msg.Attributes(),
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := m.rdb.Publish(ctx, m.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", m.channel, err)
	}
	return nil
}

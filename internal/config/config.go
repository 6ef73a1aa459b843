package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/livekit/protocol/livekit"

	"github.com/vopenia-io/transcription-agent/internal/stt"
	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

// Config holds the configuration for the agent
type Config struct {
	// LiveKit configuration
	LiveKitURL         string
	LiveKitAPIKey      string
	LiveKitAPISecret   string
	AgentName          string
	Namespace          string
	JobType            livekit.JobType
	DrainTimeout       time.Duration
	MaxConcurrentJobs  int
	LogLevel           string
	LogFormat          string
	PProfAddr          string
	LoadUpdateInterval time.Duration
	JobTimeout         time.Duration
	Hidden             bool

	// Speech-to-text
	STT stt.Config

	// DrainGrace bounds how long finals are flushed after a track goes away.
	DrainGrace time.Duration

	// Optional transcript sinks
	TranscriptLogFile  string
	RedisURL           string
	RedisChannelPrefix string
}

// Load loads configuration from .env files, environment variables and the
// process command line.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with explicit command-line arguments.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.JobType = livekit.JobType_JT_ROOM
	cfg.DrainTimeout = 30 * time.Second
	cfg.MaxConcurrentJobs = 8
	cfg.LogLevel = "info"
	cfg.LogFormat = "text"
	cfg.LoadUpdateInterval = 5 * time.Second
	cfg.JobTimeout = 0
	cfg.Hidden = true
	cfg.DrainGrace = transcribe.DefaultDrainGrace
	cfg.STT = stt.Config{
		Provider:                   stt.ProviderGladia,
		Languages:                  []string{"nl", "fr", "en", "de"},
		CodeSwitching:              true,
		TranslationEnabled:         true,
		TranslationTargetLanguages: []string{"fr"},
		InterimResults:             true,
		EnergyFilter:               false,
		SampleRate:                 16000,
	}

	// .env.local overrides .env; neither overrides the real environment
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s file: %w", file, err)
		}
	}

	// Load from environment
	cfg.LiveKitURL = getEnv("LIVEKIT_URL", "")
	cfg.LiveKitAPIKey = getEnv("LIVEKIT_API_KEY", "")
	cfg.LiveKitAPISecret = getEnv("LIVEKIT_API_SECRET", "")
	cfg.AgentName = getEnv("LK_AGENT_NAME", "")
	cfg.Namespace = getEnv("LK_NAMESPACE", "")
	cfg.PProfAddr = getEnv("LK_PPROF_ADDR", "")
	cfg.LogLevel = getEnv("LK_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LK_LOG_FORMAT", cfg.LogFormat)

	if jobTypeStr := getEnv("LK_JOB_TYPE", ""); jobTypeStr != "" {
		switch jobTypeStr {
		case "JT_ROOM":
			cfg.JobType = livekit.JobType_JT_ROOM
		case "JT_PUBLISHER":
			cfg.JobType = livekit.JobType_JT_PUBLISHER
		default:
			return nil, fmt.Errorf("invalid job type: %s (must be JT_ROOM or JT_PUBLISHER)", jobTypeStr)
		}
	}

	var err error
	if cfg.DrainTimeout, err = getDuration("LK_DRAIN_TIMEOUT", cfg.DrainTimeout); err != nil {
		return nil, err
	}
	if cfg.JobTimeout, err = getDuration("LK_JOB_TIMEOUT", cfg.JobTimeout); err != nil {
		return nil, err
	}
	if cfg.DrainGrace, err = getDuration("TRANSCRIBE_DRAIN_GRACE", cfg.DrainGrace); err != nil {
		return nil, err
	}

	if maxJobsStr := getEnv("LK_MAX_CONCURRENT_JOBS", ""); maxJobsStr != "" {
		if n, err := strconv.Atoi(maxJobsStr); err == nil && n > 0 {
			cfg.MaxConcurrentJobs = n
		}
	}
	cfg.Hidden = getBool("LK_HIDDEN", cfg.Hidden)

	cfg.STT.Provider = getEnv("STT_PROVIDER", cfg.STT.Provider)
	cfg.STT.APIKey = getEnv("GLADIA_API_KEY", "")
	cfg.STT.URL = getEnv("GLADIA_URL", "")
	cfg.STT.Languages = getList("STT_LANGUAGES", cfg.STT.Languages)
	cfg.STT.CodeSwitching = getBool("STT_CODE_SWITCHING", cfg.STT.CodeSwitching)
	cfg.STT.TranslationEnabled = getBool("STT_TRANSLATION_ENABLED", cfg.STT.TranslationEnabled)
	cfg.STT.TranslationTargetLanguages = getList("STT_TRANSLATION_TARGETS", cfg.STT.TranslationTargetLanguages)
	cfg.STT.InterimResults = getBool("STT_INTERIM_RESULTS", cfg.STT.InterimResults)
	cfg.STT.EnergyFilter = getBool("STT_ENERGY_FILTER", cfg.STT.EnergyFilter)
	if rateStr := getEnv("STT_SAMPLE_RATE", ""); rateStr != "" {
		n, err := strconv.Atoi(rateStr)
		if err != nil || n <= 0 || n%50 != 0 {
			return nil, fmt.Errorf("invalid STT_SAMPLE_RATE: %s", rateStr)
		}
		cfg.STT.SampleRate = n
	}

	cfg.TranscriptLogFile = getEnv("TRANSCRIPT_LOG_FILE", "")
	cfg.RedisURL = getEnv("REDIS_URL", "")
	cfg.RedisChannelPrefix = getEnv("REDIS_CHANNEL_PREFIX", "")

	// Override with flags
	fs := flag.NewFlagSet("transcription-agent", flag.ContinueOnError)
	fs.StringVar(&cfg.LiveKitURL, "url", cfg.LiveKitURL, "LiveKit server URL")
	fs.StringVar(&cfg.LiveKitAPIKey, "api-key", cfg.LiveKitAPIKey, "LiveKit API key")
	fs.StringVar(&cfg.LiveKitAPISecret, "api-secret", cfg.LiveKitAPISecret, "LiveKit API secret")
	fs.StringVar(&cfg.AgentName, "agent-name", cfg.AgentName, "Agent name")
	fs.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "Namespace")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text or json)")
	fs.StringVar(&cfg.PProfAddr, "pprof-addr", cfg.PProfAddr, "pprof HTTP server address")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Drain timeout")
	fs.IntVar(&cfg.MaxConcurrentJobs, "max-jobs", cfg.MaxConcurrentJobs, "Maximum concurrent jobs")
	fs.DurationVar(&cfg.JobTimeout, "job-timeout", cfg.JobTimeout, "Maximum time a job can run (0 = unlimited)")
	fs.DurationVar(&cfg.DrainGrace, "drain-grace", cfg.DrainGrace, "How long finals are flushed after a track ends")
	fs.StringVar(&cfg.STT.Provider, "stt-provider", cfg.STT.Provider, "Speech-to-text provider (gladia or google)")
	fs.StringVar(&cfg.TranscriptLogFile, "transcript-log", cfg.TranscriptLogFile, "Append final transcripts to this file")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Mirror transcripts to this Redis server")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.LiveKitURL == "" {
		return fmt.Errorf("LIVEKIT_URL is required")
	}
	if c.LiveKitAPIKey == "" {
		return fmt.Errorf("LIVEKIT_API_KEY is required")
	}
	if c.LiveKitAPISecret == "" {
		return fmt.Errorf("LIVEKIT_API_SECRET is required")
	}
	switch c.STT.Provider {
	case stt.ProviderGladia:
		if c.STT.APIKey == "" {
			return fmt.Errorf("GLADIA_API_KEY is required for the gladia provider")
		}
	case stt.ProviderGoogle:
	default:
		return fmt.Errorf("invalid STT_PROVIDER: %s (must be %s or %s)", c.STT.Provider, stt.ProviderGladia, stt.ProviderGoogle)
	}
	if len(c.STT.Languages) == 0 {
		return fmt.Errorf("STT_LANGUAGES must name at least one language")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getBool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// getList parses a comma separated list, dropping empty items.
func getList(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

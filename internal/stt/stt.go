// Package stt implements transcribe.STT on top of hosted speech-to-text APIs.
package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

// Provider names accepted by New.
const (
	ProviderGladia = "gladia"
	ProviderGoogle = "google"
)

// Config configures a provider. Fields a provider does not support are ignored.
type Config struct {
	Provider string
	APIKey   string
	URL      string

	// Languages are source language hints, e.g. "nl", "fr".
	Languages     []string
	CodeSwitching bool

	TranslationEnabled         bool
	TranslationTargetLanguages []string

	InterimResults bool
	EnergyFilter   bool

	SampleRate  int
	NumChannels int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.NumChannels <= 0 {
		c.NumChannels = 1
	}
	if c.URL == "" && strings.EqualFold(c.Provider, ProviderGladia) {
		c.URL = DefaultGladiaURL
	}
	return c
}

// Provider is an STT capability that holds client resources.
type Provider interface {
	transcribe.STT
	Close() error
}

// New creates the provider selected by cfg.Provider.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderGladia:
		cfg.Provider = ProviderGladia
		return NewGladia(cfg)
	case ProviderGoogle:
		return NewGoogle(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown STT provider: %s (must be %s or %s)", cfg.Provider, ProviderGladia, ProviderGoogle)
	}
}

func (c Config) energyFilter() *EnergyFilter {
	if !c.EnergyFilter {
		return nil
	}
	return NewEnergyFilter(DefaultEnergyThreshold, DefaultMinSilence)
}

// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package internal_audio

// AudioFormat is the wire encoding of an audio stream.
type AudioFormat string

const (
	FormatLinear16 AudioFormat = "linear16"
	FormatMuLaw8   AudioFormat = "mulaw8"
)

const (
	BytesPerSample = 2  // LINEAR16 → 2 bytes per sample
	BitsPerSample  = 16 // LINEAR16 → 16 bits per sample
)

// AudioConfig describes a PCM stream layout.
type AudioConfig struct {
	SampleRate uint32
	Channels   uint16
	Format     AudioFormat
}

// NewLinear16khzMonoAudioConfig is the capture-internal format: everything
// is normalized to linear16 before buffering and persistence.
func NewLinear16khzMonoAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 16000, Channels: 1, Format: FormatLinear16}
}

// NewMulaw8khzMonoAudioConfig is the native format of most telephony
// sources (G.711 µ-law, 8 kHz mono).
func NewMulaw8khzMonoAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 8000, Channels: 1, Format: FormatMuLaw8}
}

// NewLinear8khzMonoAudioConfig is µ-law audio after decode.
func NewLinear8khzMonoAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 8000, Channels: 1, Format: FormatLinear16}
}

// BytesPerMs returns the byte rate of the config per millisecond.
// µ-law is 1 byte per sample, linear16 is 2.
func BytesPerMs(cfg AudioConfig) int {
	if cfg.SampleRate == 0 || cfg.Channels == 0 {
		return 0
	}
	perSample := BytesPerSample
	if cfg.Format == FormatMuLaw8 {
		perSample = 1
	}
	return int(cfg.SampleRate) * int(cfg.Channels) * perSample / 1000
}

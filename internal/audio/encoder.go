// SPDX-License-Identifier: MIT

// Package audio wraps the Opus codec used to encode captured PCM into the
// payloads that internal/container writes to segment files.
package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// FrameDurationMS is the Opus frame duration used throughout the engine.
// 20ms is the standard VoIP frame size and equals the waveform analyzer's
// 20ms minimum debounce interval.
const FrameDurationMS = 20

// Format describes the PCM stream an Encoder accepts.
type Format struct {
	SampleRate int
	Channels   int
}

// SamplesPerFrame returns how many interleaved samples (per channel) one
// Opus frame covers at this format's sample rate.
func (f Format) SamplesPerFrame() int {
	return f.SampleRate * FrameDurationMS / 1000
}

// Encoder turns PCM frames into Opus payloads. One Encoder instance
// belongs to exactly one segment writer at a time, encoding exactly one
// file between start and stop.
type Encoder struct {
	format Format
	enc    *gopus.Encoder
}

// NewEncoder prepares an Opus encoder for format. Callers in internal/segment
// wrap any returned error as errs.ErrEncoderUnavailable.
func NewEncoder(format Format) (*Encoder, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid encoder format: %+v", format)
	}
	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus encoder unavailable: %w", err)
	}
	return &Encoder{format: format, enc: enc}, nil
}

// SetBitrate configures the target bitrate in bits/second.
func (e *Encoder) SetBitrate(bps int) error {
	if e.enc == nil {
		return fmt.Errorf("encoder not initialized")
	}
	return e.enc.SetBitrate(bps)
}

// EncodeFrame encodes exactly one SamplesPerFrame()-sized PCM frame
// (interleaved int16 samples) into an Opus payload.
func (e *Encoder) EncodeFrame(pcm []int16) ([]byte, error) {
	if e.enc == nil {
		return nil, fmt.Errorf("encoder not initialized")
	}
	samplesPerFrame := e.format.SamplesPerFrame()
	if len(pcm) != samplesPerFrame*e.format.Channels {
		return nil, fmt.Errorf("pcm frame has %d samples, want %d", len(pcm), samplesPerFrame*e.format.Channels)
	}
	// Max payload for a 20ms Opus frame is well under 4000 bytes; allow
	// generous headroom rather than special-casing bitrate.
	payload, err := e.enc.Encode(pcm, samplesPerFrame, 4000)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}
	return payload, nil
}

// Format returns the format this encoder was configured for.
func (e *Encoder) Format() Format { return e.format }

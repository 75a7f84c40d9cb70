// SPDX-License-Identifier: MIT

package audio

import "testing"

func TestFormatSamplesPerFrame(t *testing.T) {
	cases := []struct {
		name string
		fmt  Format
		want int
	}{
		{"48khz", Format{SampleRate: 48000, Channels: 1}, 960},
		{"16khz", Format{SampleRate: 16000, Channels: 1}, 320},
		{"8khz", Format{SampleRate: 8000, Channels: 2}, 160},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.fmt.SamplesPerFrame(); got != tc.want {
				t.Errorf("SamplesPerFrame() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNewEncoderRejectsInvalidFormat(t *testing.T) {
	cases := []Format{
		{SampleRate: 0, Channels: 1},
		{SampleRate: 48000, Channels: 0},
		{SampleRate: -1, Channels: 1},
	}
	for _, f := range cases {
		if _, err := NewEncoder(f); err == nil {
			t.Errorf("NewEncoder(%+v) = nil error, want error", f)
		}
	}
}

func TestEncoderNotInitializedMethodsError(t *testing.T) {
	var e Encoder
	e.format = Format{SampleRate: 48000, Channels: 1}

	if err := e.SetBitrate(64000); err == nil {
		t.Error("SetBitrate on zero-value Encoder: expected error, got nil")
	}
	if _, err := e.EncodeFrame(make([]int16, e.format.SamplesPerFrame())); err == nil {
		t.Error("EncodeFrame on zero-value Encoder: expected error, got nil")
	}
}

func TestEncodeFrameRejectsWrongLengthPCM(t *testing.T) {
	e := &Encoder{format: Format{SampleRate: 48000, Channels: 1}}
	_, err := e.EncodeFrame(make([]int16, 10))
	if err == nil {
		t.Fatal("EncodeFrame with wrong-length pcm: expected error, got nil")
	}
}

func TestFormatAccessorReturnsConfiguredFormat(t *testing.T) {
	f := Format{SampleRate: 24000, Channels: 2}
	e := &Encoder{format: f}
	if got := e.Format(); got != f {
		t.Errorf("Format() = %+v, want %+v", got, f)
	}
}

//go:build opus
// +build opus

package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// NewOpusDecoder returns a libopus decoder.
func NewOpusDecoder(sampleRate, channels int) (Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder (%d Hz, %d ch): %w", sampleRate, channels, err)
	}
	return dec, nil
}

// NewOpusEncoder returns a libopus encoder tuned for voice.
func NewOpusEncoder(sampleRate, channels int) (Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder (%d Hz, %d ch): %w", sampleRate, channels, err)
	}
	return enc, nil
}

//go:build !opus
// +build !opus

package audio

// Builds without the `opus` tag do not link libopus. The constructors keep
// the same signatures and fail at runtime so callers can fall back to pcm16.

func NewOpusDecoder(sampleRate, channels int) (Decoder, error) {
	return nil, ErrCodecUnavailable
}

func NewOpusEncoder(sampleRate, channels int) (Encoder, error) {
	return nil, ErrCodecUnavailable
}

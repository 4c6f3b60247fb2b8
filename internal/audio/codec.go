// Package audio implements the local audio pipeline: codecs and stream
// framing, the decode worker, the playback scheduler, the capture/playback/
// record graph, the recorder and level metering.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCodecUnavailable is returned by codec constructors that were not
// compiled into this build.
var ErrCodecUnavailable = errors.New("codec not available in this build")

// Decoder turns one compressed packet into PCM samples, returning the number
// of samples written to pcm.
type Decoder interface {
	Decode(packet []byte, pcm []int16) (int, error)
}

// Encoder compresses one frame of PCM samples into packet, returning the
// number of bytes written.
type Encoder interface {
	Encode(pcm []int16, packet []byte) (int, error)
}

// DecoderFactory creates a decoder for a sample rate and channel count.
type DecoderFactory func(sampleRate, channels int) (Decoder, error)

// EncoderFactory creates an encoder for a sample rate and channel count.
type EncoderFactory func(sampleRate, channels int) (Encoder, error)

// Codecs resolves a codec name ("opus" or "pcm16") to its factories.
func Codecs(name string) (DecoderFactory, EncoderFactory, error) {
	switch name {
	case "opus":
		return NewOpusDecoder, NewOpusEncoder, nil
	case "pcm16":
		return NewPCM16Decoder, NewPCM16Encoder, nil
	default:
		return nil, nil, fmt.Errorf("unknown codec %q", name)
	}
}

// pcm16Codec carries little-endian 16-bit samples unchanged. It is used for
// raw-PCM endpoints and in tests.
type pcm16Codec struct{}

// NewPCM16Decoder returns the passthrough decoder.
func NewPCM16Decoder(sampleRate, channels int) (Decoder, error) { return pcm16Codec{}, nil }

// NewPCM16Encoder returns the passthrough encoder.
func NewPCM16Encoder(sampleRate, channels int) (Encoder, error) { return pcm16Codec{}, nil }

func (pcm16Codec) Decode(packet []byte, pcm []int16) (int, error) {
	if len(packet)%2 != 0 {
		return 0, fmt.Errorf("pcm16 packet has odd length %d", len(packet))
	}
	n := len(packet) / 2
	if n > len(pcm) {
		return 0, fmt.Errorf("pcm16 packet of %d samples exceeds buffer of %d", n, len(pcm))
	}
	BytesToSamples(packet[:n*2], pcm)
	return n, nil
}

func (pcm16Codec) Encode(pcm []int16, packet []byte) (int, error) {
	if len(packet) < len(pcm)*2 {
		return 0, fmt.Errorf("pcm16 buffer too small: %d < %d", len(packet), len(pcm)*2)
	}
	SamplesToBytes(pcm, packet)
	return len(pcm) * 2, nil
}

// BytesToSamples decodes little-endian int16 samples from b into dst and
// returns the count.
func BytesToSamples(b []byte, dst []int16) int {
	n := min(len(b)/2, len(dst))
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return n
}

// SamplesToBytes encodes samples into dst as little-endian int16 and returns
// the number of bytes written.
func SamplesToBytes(samples []int16, dst []byte) int {
	n := min(len(samples), len(dst)/2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(samples[i]))
	}
	return n * 2
}

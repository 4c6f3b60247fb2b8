package voice

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/duplex-voice-lab/internal/audio"
	"github.com/duplex-voice-lab/internal/logging"
)

// maxOpusPacket bounds one encoded Opus frame.
const maxOpusPacket = 4000

// uplink encodes captured microphone audio into fixed-size frames and sends
// them over the session. push runs on the capture callback and never blocks;
// chunks that do not fit in the queue are dropped and counted.
type uplink struct {
	enc   audio.Encoder
	muxer *audio.OggMuxer
	frame int
	send  func([]byte) bool

	in     chan []int16
	pcm    []int16
	packet []byte

	sent    atomic.Int64
	dropped atomic.Int64
}

func newUplink(enc audio.Encoder, framing audio.Framing, sampleRate, channels, frameSamples, queue int, send func([]byte) bool) (*uplink, error) {
	if frameSamples <= 0 {
		return nil, fmt.Errorf("uplink: invalid frame size %d", frameSamples)
	}
	if queue <= 0 {
		queue = 64
	}
	u := &uplink{
		enc:    enc,
		frame:  frameSamples * channels,
		send:   send,
		in:     make(chan []int16, queue),
		packet: make([]byte, max(maxOpusPacket, frameSamples*channels*2)),
	}
	if framing == audio.FramingOgg {
		m, err := audio.NewOggMuxer(sampleRate, channels, frameSamples)
		if err != nil {
			return nil, fmt.Errorf("uplink: %w", err)
		}
		u.muxer = m
	}
	return u, nil
}

func (u *uplink) push(samples []int16) {
	if len(samples) == 0 {
		return
	}
	select {
	case u.in <- append([]int16(nil), samples...):
	default:
		u.dropped.Add(1)
	}
}

func (u *uplink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-u.in:
			u.pcm = append(u.pcm, s...)
			for len(u.pcm) >= u.frame {
				u.emit(u.pcm[:u.frame])
				n := copy(u.pcm, u.pcm[u.frame:])
				u.pcm = u.pcm[:n]
			}
		}
	}
}

func (u *uplink) emit(frame []int16) {
	n, err := u.enc.Encode(frame, u.packet)
	if err != nil {
		logging.Debugw("uplink encode failed", "err", err)
		u.dropped.Add(1)
		return
	}
	var data []byte
	if u.muxer != nil {
		if err := u.muxer.Write(u.packet[:n]); err != nil {
			logging.Debugw("uplink mux failed", "err", err)
			u.dropped.Add(1)
			return
		}
		data = u.muxer.Flush()
	} else {
		data = append([]byte(nil), u.packet[:n]...)
	}
	if u.send(data) {
		u.sent.Add(1)
	} else {
		u.dropped.Add(1)
	}
}

package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDecoder decodes pcm16 packets and fails any packet starting with 0xff.
type flakyDecoder struct{ pcm16Codec }

func (d flakyDecoder) Decode(packet []byte, pcm []int16) (int, error) {
	if len(packet) > 0 && packet[0] == 0xff {
		return 0, errors.New("corrupt packet")
	}
	return d.pcm16Codec.Decode(packet, pcm)
}

type chunkSink struct {
	mu     sync.Mutex
	chunks []DecodedAudioChunk
}

func (s *chunkSink) add(c DecodedAudioChunk) {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
}

func (s *chunkSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c.Seq)
	}
	return out
}

func pcmFrame(seq uint64, v int16) AudioFrame {
	payload := make([]byte, 2*240)
	samples := make([]int16, 240)
	for i := range samples {
		samples[i] = v
	}
	SamplesToBytes(samples, payload)
	return AudioFrame{Seq: seq, Payload: payload, ReceivedAt: time.Now()}
}

func TestDecoderWorkerKeepsOrderAndSkipsFailures(t *testing.T) {
	factory := func(int, int) (Decoder, error) { return flakyDecoder{}, nil }
	sink := &chunkSink{}
	w := NewDecoderWorker(factory, FramingRaw, sink.add, DecoderOptions{QueueSize: 4})
	require.NoError(t, w.Prewarm(24000))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Close()

	var want []uint64
	for seq := uint64(1); seq <= 40; seq++ {
		f := pcmFrame(seq, int16(seq))
		if seq == 7 {
			f.Payload[0] = 0xff
		} else {
			want = append(want, seq)
		}
		require.NoError(t, w.Decode(ctx, f))
	}

	require.Eventually(t, func() bool {
		s := w.Stats()
		return s.Decoded+s.Failed == 40
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, want, sink.seqs())
	stats := w.Stats()
	assert.EqualValues(t, 40, stats.Frames)
	assert.EqualValues(t, 1, stats.Failed)

	sink.mu.Lock()
	first := sink.chunks[0]
	sink.mu.Unlock()
	assert.Equal(t, 24000, first.SampleRate)
	assert.Equal(t, 10*time.Millisecond, first.Duration())
	assert.Equal(t, int16(1), first.Samples[0])
}

func TestDecoderWorkerDropsFramesWhenCold(t *testing.T) {
	sink := &chunkSink{}
	w := NewDecoderWorker(NewPCM16Decoder, FramingRaw, sink.add, DecoderOptions{})
	ctx := context.Background()
	w.Start(ctx)
	defer w.Close()

	require.NoError(t, w.Decode(ctx, pcmFrame(1, 5)))
	require.Eventually(t, func() bool { return w.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.seqs())
	assert.Equal(t, 0, w.Warm())
}

func TestDecoderWorkerPrewarmIsIdempotent(t *testing.T) {
	var created atomic.Int32
	factory := func(rate, ch int) (Decoder, error) {
		created.Add(1)
		return NewPCM16Decoder(rate, ch)
	}
	w := NewDecoderWorker(factory, FramingOgg, func(DecodedAudioChunk) {}, DecoderOptions{})
	defer w.Close()

	require.NoError(t, w.Prewarm(24000))
	require.NoError(t, w.Prewarm(24000))
	assert.EqualValues(t, 1, created.Load())
	assert.Equal(t, 24000, w.Warm())

	require.NoError(t, w.Prewarm(48000))
	assert.EqualValues(t, 2, created.Load())
	assert.Equal(t, 48000, w.Warm())

	assert.Error(t, w.Prewarm(0))
}

func TestDecoderWorkerPrewarmFailure(t *testing.T) {
	w := NewDecoderWorker(failingFactory, FramingRaw, func(DecodedAudioChunk) {}, DecoderOptions{})
	defer w.Close()
	err := w.Prewarm(24000)
	require.Error(t, err)
	assert.ErrorIs(t, err, errFactory)
	assert.Equal(t, 0, w.Warm())
}

var errFactory = errors.New("no decoder")

func failingFactory(int, int) (Decoder, error) { return nil, errFactory }

func TestDecoderWorkerClosed(t *testing.T) {
	w := NewDecoderWorker(NewPCM16Decoder, FramingRaw, func(DecodedAudioChunk) {}, DecoderOptions{QueueSize: 1})
	w.Close()
	w.Close()
	err := w.Decode(context.Background(), pcmFrame(1, 1))
	assert.ErrorIs(t, err, ErrWorkerClosed)
}

func TestDecoderWorkerDecodeHonorsContext(t *testing.T) {
	w := NewDecoderWorker(NewPCM16Decoder, FramingRaw, func(DecodedAudioChunk) {}, DecoderOptions{QueueSize: 1})
	defer w.Close()
	// Not started: the second frame cannot be queued.
	require.NoError(t, w.Decode(context.Background(), pcmFrame(1, 1)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Decode(ctx, pcmFrame(2, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

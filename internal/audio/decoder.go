package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duplex-voice-lab/internal/logging"
)

// AudioFrame is one compressed inbound chunk as received from the socket.
// The worker takes ownership of Payload.
type AudioFrame struct {
	Seq        uint64
	Payload    []byte
	ReceivedAt time.Time
}

// DecodedAudioChunk holds PCM samples at the rendering context rate.
type DecodedAudioChunk struct {
	Seq        uint64
	Samples    []int16
	SampleRate int
	ReceivedAt time.Time
}

// Duration returns the playback length of the chunk.
func (c DecodedAudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// DecoderOptions tunes a DecoderWorker.
type DecoderOptions struct {
	Channels  int
	QueueSize int
}

// DecoderStats are cumulative counters for one worker.
type DecoderStats struct {
	Frames  int64
	Packets int64
	Decoded int64
	Failed  int64
}

// DecoderWorker decodes inbound frames on its own goroutine and hands the
// samples to sink in arrival order. Frames that fail to decode are counted
// and skipped.
type DecoderWorker struct {
	factory DecoderFactory
	framing Framing
	sink    func(DecodedAudioChunk)
	opts    DecoderOptions

	mu     sync.Mutex
	dec    Decoder
	depack Depacketizer
	rate   int
	pcm    []int16

	in        chan AudioFrame
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	frameCount   int64
	packetCount  int64
	decodedCount int64
	failedCount  int64
}

// NewDecoderWorker returns a worker that is not yet warm or running.
func NewDecoderWorker(factory DecoderFactory, framing Framing, sink func(DecodedAudioChunk), opts DecoderOptions) *DecoderWorker {
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &DecoderWorker{
		factory: factory,
		framing: framing,
		sink:    sink,
		opts:    opts,
		in:      make(chan AudioFrame, opts.QueueSize),
		done:    make(chan struct{}),
	}
}

// Prewarm creates the decoder for sampleRate ahead of the first frame.
// Calling it again at the same rate is a no-op; a different rate replaces the
// decoder and resets the stream parser.
func (w *DecoderWorker) Prewarm(sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("prewarm: invalid sample rate %d", sampleRate)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dec != nil && w.rate == sampleRate {
		return nil
	}
	start := time.Now()
	dec, err := w.factory(sampleRate, w.opts.Channels)
	if err != nil {
		w.dec = nil
		w.rate = 0
		return fmt.Errorf("prewarm decoder: %w", err)
	}
	depack, err := NewDepacketizer(w.framing)
	if err != nil {
		return fmt.Errorf("prewarm decoder: %w", err)
	}
	w.dec = dec
	w.depack = depack
	w.rate = sampleRate
	// 120 ms is the longest Opus frame.
	w.pcm = make([]int16, sampleRate*120/1000*w.opts.Channels)
	logging.Debugw("decoder warmed", "sample_rate", sampleRate, "framing", string(w.framing), "took_ms", time.Since(start).Milliseconds())
	return nil
}

// Warm reports the sample rate the decoder is initialized for (0 if cold).
func (w *DecoderWorker) Warm() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dec == nil {
		return 0
	}
	return w.rate
}

// Start launches the decode goroutine. It stops when ctx is cancelled or
// Close is called.
func (w *DecoderWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-w.done:
					return
				case f := <-w.in:
					w.handle(f)
				}
			}
		}()
	})
}

// Decode queues f for decoding. It blocks while the queue is full, keeping
// frames in order, until ctx is done or the worker is closed.
func (w *DecoderWorker) Decode(ctx context.Context, f AudioFrame) error {
	select {
	case <-w.done:
		return ErrWorkerClosed
	default:
	}
	select {
	case w.in <- f:
		atomic.AddInt64(&w.frameCount, 1)
		return nil
	case <-w.done:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *DecoderWorker) handle(f AudioFrame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dec == nil {
		w.fail(f.Seq, ErrNotWarm)
		return
	}
	packets, err := w.depack.Split(f.Payload)
	if err != nil {
		w.fail(f.Seq, err)
	}
	for _, pkt := range packets {
		atomic.AddInt64(&w.packetCount, 1)
		n, err := w.dec.Decode(pkt, w.pcm)
		if err != nil {
			w.fail(f.Seq, err)
			continue
		}
		samples := make([]int16, n*w.opts.Channels)
		copy(samples, w.pcm[:n*w.opts.Channels])
		atomic.AddInt64(&w.decodedCount, 1)
		w.sink(DecodedAudioChunk{Seq: f.Seq, Samples: samples, SampleRate: w.rate, ReceivedAt: f.ReceivedAt})
	}
}

func (w *DecoderWorker) fail(seq uint64, err error) {
	atomic.AddInt64(&w.failedCount, 1)
	de := &DecodeError{Seq: seq, Err: err}
	if errors.Is(err, ErrNotWarm) {
		logging.Warnw("frame dropped", "err", de)
		return
	}
	logging.Debugw("frame decode failed", "err", de)
}

// Stats returns the worker counters.
func (w *DecoderWorker) Stats() DecoderStats {
	return DecoderStats{
		Frames:  atomic.LoadInt64(&w.frameCount),
		Packets: atomic.LoadInt64(&w.packetCount),
		Decoded: atomic.LoadInt64(&w.decodedCount),
		Failed:  atomic.LoadInt64(&w.failedCount),
	}
}

// Close stops the worker and waits for the decode goroutine. Frames still
// queued are dropped.
func (w *DecoderWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

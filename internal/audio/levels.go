package audio

import (
	"context"
	"math"
	"math/bits"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/duplex-voice-lab/internal/logging"
)

// DefaultFFTSize is the analyser window length in samples.
const DefaultFFTSize = 2048

const (
	analyserMinDB     = -100.0
	analyserMaxDB     = -30.0
	analyserSmoothing = 0.8
)

// LevelSource yields byte-scaled frequency magnitudes.
type LevelSource interface {
	ByteFrequencyData(dst []byte) int
}

// Analyser keeps the most recent window of samples written by the audio
// thread and computes smoothed byte frequency data on demand.
type Analyser struct {
	mu       sync.Mutex
	size     int
	ring     []float64
	pos      int
	window   []float64
	smoothed []float64
	fft      *fourier.FFT
	frame    []float64
	coeff    []complex128
}

// NewAnalyser returns an analyser with a window of size samples, rounded up
// to a power of two.
func NewAnalyser(size int) *Analyser {
	if size < 32 {
		size = 32
	}
	size = 1 << bits.Len(uint(size-1))
	a := &Analyser{
		size:     size,
		ring:     make([]float64, size),
		window:   make([]float64, size),
		smoothed: make([]float64, size/2),
		fft:      fourier.NewFFT(size),
		frame:    make([]float64, size),
		coeff:    make([]complex128, size/2+1),
	}
	for n := range a.window {
		x := 2 * math.Pi * float64(n) / float64(size)
		a.window[n] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return a
}

// Bins returns the number of frequency bins.
func (a *Analyser) Bins() int { return a.size / 2 }

// Write appends samples to the window.
func (a *Analyser) Write(samples []int16) {
	a.mu.Lock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s) / 32768
		a.pos++
		if a.pos == a.size {
			a.pos = 0
		}
	}
	a.mu.Unlock()
}

// ByteFrequencyData fills dst with magnitudes in decibels mapped onto
// 0..255 over [-100 dB, -30 dB] and returns the number of bins written.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.size; i++ {
		a.frame[i] = a.ring[(a.pos+i)%a.size] * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.frame)

	n := min(len(dst), a.size/2)
	for k := 0; k < a.size/2; k++ {
		mag := cmplx.Abs(a.coeff[k]) / float64(a.size)
		a.smoothed[k] = analyserSmoothing*a.smoothed[k] + (1-analyserSmoothing)*mag
		if k >= n {
			continue
		}
		if a.smoothed[k] <= 0 {
			dst[k] = 0
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := 255 * (db - analyserMinDB) / (analyserMaxDB - analyserMinDB)
		dst[k] = byte(math.Max(0, math.Min(255, v)))
	}
	return n
}

// Intensity reduces frequency bins to a level in [0, 1]: the root mean
// square of the bins, boosted by 1.4 and capped at full scale.
func Intensity(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bins {
		v := float64(b)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(bins)))
	return math.Max(rms, math.Min(rms*1.4, 255)) / 255
}

// DisplayLevel maps a level onto the remote speaker meter, which idles at a
// small floor while connected.
func DisplayLevel(level float64, connected bool) float64 {
	if !connected {
		return 0
	}
	return 0.05 + 0.95*level
}

// LevelOptions tunes a LevelSampler.
type LevelOptions struct {
	FPS  int
	Bins int
}

// LevelSampler polls a level source at a fixed cadence and reports one
// intensity per tick. It stops by itself once the source is gone.
type LevelSampler struct {
	source  func() (LevelSource, bool)
	onLevel func(float64)
	opts    LevelOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLevelSampler returns a stopped sampler.
func NewLevelSampler(source func() (LevelSource, bool), onLevel func(float64), opts LevelOptions) *LevelSampler {
	if opts.FPS <= 0 {
		opts.FPS = 60
	}
	if opts.Bins <= 0 {
		opts.Bins = 140
	}
	return &LevelSampler{source: source, onLevel: onLevel, opts: opts}
}

// Start begins sampling. It is a no-op while already running.
func (s *LevelSampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.loop(ctx, done)
}

func (s *LevelSampler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(s.opts.FPS))
	defer ticker.Stop()
	buf := make([]byte, s.opts.Bins)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			src, ok := s.source()
			if !ok || src == nil {
				logging.Debugw("level source unavailable, sampler stopped")
				return
			}
			n := src.ByteFrequencyData(buf)
			s.onLevel(Intensity(buf[:n]))
		}
	}
}

// Running reports whether the sampling goroutine is active.
func (s *LevelSampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Stop cancels sampling and waits for the goroutine to exit. Safe to call
// repeatedly.
func (s *LevelSampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

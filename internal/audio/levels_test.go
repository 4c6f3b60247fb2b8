package audio

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntensity(t *testing.T) {
	assert.Zero(t, Intensity(nil))
	assert.Zero(t, Intensity(make([]byte, 140)))

	full := make([]byte, 140)
	for i := range full {
		full[i] = 255
	}
	assert.InDelta(t, 1.0, Intensity(full), 1e-9)

	mid := make([]byte, 4)
	for i := range mid {
		mid[i] = 100
	}
	assert.InDelta(t, 140.0/255, Intensity(mid), 1e-9)

	loud := []byte{200, 200}
	assert.InDelta(t, 1.0, Intensity(loud), 1e-9)
}

func TestDisplayLevel(t *testing.T) {
	assert.Zero(t, DisplayLevel(0.7, false))
	assert.InDelta(t, 0.05, DisplayLevel(0, true), 1e-9)
	assert.InDelta(t, 1.0, DisplayLevel(1, true), 1e-9)
}

func TestAnalyserPeaksAtToneFrequency(t *testing.T) {
	const size, rate = 1024, 8000
	a := NewAnalyser(size)
	require.Equal(t, size/2, a.Bins())

	// 1 kHz lands exactly on bin 1000 * size / rate; the amplitude keeps the
	// peak and its neighbours below the top of the decibel range.
	tone := make([]int16, size)
	for i := range tone {
		tone[i] = int16(1000 * math.Sin(2*math.Pi*1000*float64(i)/rate))
	}
	bins := make([]byte, a.Bins())
	for i := 0; i < 20; i++ {
		a.Write(tone)
		require.Equal(t, a.Bins(), a.ByteFrequencyData(bins))
	}
	peak := 0
	for k := range bins {
		if bins[k] > bins[peak] {
			peak = k
		}
	}
	assert.Equal(t, 1000*size/rate, peak)
	assert.Greater(t, Intensity(bins), 0.0)

	silent := NewAnalyser(size)
	silent.Write(make([]int16, size))
	out := make([]byte, 16)
	assert.Equal(t, 16, silent.ByteFrequencyData(out))
	assert.Equal(t, make([]byte, 16), out)
}

func TestNewAnalyserRoundsToPowerOfTwo(t *testing.T) {
	assert.Equal(t, 512, NewAnalyser(1000).Bins())
	assert.Equal(t, 16, NewAnalyser(1).Bins())
}

type constSource byte

func (c constSource) ByteFrequencyData(dst []byte) int {
	for i := range dst {
		dst[i] = byte(c)
	}
	return len(dst)
}

func TestLevelSamplerReportsAndStopsWhenSourceGoes(t *testing.T) {
	var available atomic.Bool
	available.Store(true)
	source := func() (LevelSource, bool) {
		if !available.Load() {
			return nil, false
		}
		return constSource(255), true
	}
	var mu sync.Mutex
	var levels []float64
	s := NewLevelSampler(source, func(v float64) {
		mu.Lock()
		levels = append(levels, v)
		mu.Unlock()
	}, LevelOptions{FPS: 200, Bins: 8})

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) >= 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.InDelta(t, 1.0, levels[0], 1e-9)
	mu.Unlock()

	available.Store(false)
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestLevelSamplerStop(t *testing.T) {
	s := NewLevelSampler(func() (LevelSource, bool) { return constSource(0), true }, func(float64) {}, LevelOptions{})
	s.Stop()
	s.Start(context.Background())
	assert.True(t, s.Running())
	s.Stop()
	assert.False(t, s.Running())
	s.Stop()
}

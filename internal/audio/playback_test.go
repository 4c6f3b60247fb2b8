package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// At 1 kHz one sample is one millisecond.
func newTestPlayback() *Playback {
	return NewPlayback(PlaybackOptions{
		SampleRate:    1000,
		InitialBuffer: 80 * time.Millisecond,
		PartialBuffer: 40 * time.Millisecond,
		CriticalDelay: time.Second,
		CriticalHold:  2 * time.Second,
	})
}

func ramp(from, n int) DecodedAudioChunk {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(from + i)
	}
	return DecodedAudioChunk{Samples: s, SampleRate: 1000}
}

func TestPlaybackPrebuffersThenPlaysInOrder(t *testing.T) {
	p := newTestPlayback()
	p.Enqueue(ramp(1, 50))

	out := make([]int16, 10)
	assert.Equal(t, 0, p.Render(out))
	assert.Equal(t, make([]int16, 10), out)
	// Silence before the first start is not missed audio.
	assert.Zero(t, p.Snapshot().MissedAudioDuration)

	p.Enqueue(ramp(51, 50))
	out = make([]int16, 30)
	require.Equal(t, 30, p.Render(out))
	assert.Equal(t, ramp(1, 30).Samples, out)
	assert.Equal(t, 70*time.Millisecond, p.Buffered())

	out = make([]int16, 100)
	require.Equal(t, 70, p.Render(out))
	assert.Equal(t, ramp(31, 70).Samples, out[:70])
	assert.Equal(t, make([]int16, 30), out[70:])

	snap := p.Snapshot()
	assert.Equal(t, 100*time.Millisecond, snap.PlayedAudioDuration)
	assert.Equal(t, 30*time.Millisecond, snap.MissedAudioDuration)
	assert.EqualValues(t, 2, snap.TotalAudioMessages)
	assert.Zero(t, snap.Delay)
	assert.Equal(t, 70*time.Millisecond, snap.MaxPlaybackDelay)
	assert.Zero(t, snap.MinPlaybackDelay)
}

func TestPlaybackRebuffersAfterUnderrun(t *testing.T) {
	p := newTestPlayback()
	p.Enqueue(ramp(1, 80))
	out := make([]int16, 100)
	require.Equal(t, 80, p.Render(out))

	// Below the partial threshold: silence, counted as missed.
	p.Enqueue(ramp(100, 30))
	assert.Equal(t, 0, p.Render(make([]int16, 10)))

	p.Enqueue(ramp(130, 10))
	out = make([]int16, 40)
	require.Equal(t, 40, p.Render(out))
	assert.Equal(t, int16(100), out[0])
	assert.Equal(t, int16(139), out[39])
	assert.Equal(t, 30*time.Millisecond, p.Snapshot().MissedAudioDuration)
}

func TestPlaybackCriticalDelayFiresOncePerEpisode(t *testing.T) {
	p := newTestPlayback()
	var fired []MetricsSnapshot
	p.OnCriticalDelay(func(s MetricsSnapshot) { fired = append(fired, s) })

	p.Enqueue(ramp(0, 5000))
	quantum := make([]int16, 100)
	for i := 1; i <= 39; i++ {
		p.Render(quantum)
		if i == 19 {
			assert.Empty(t, fired)
		}
	}
	require.Len(t, fired, 1)
	assert.True(t, fired[0].CriticalDelay)
	assert.EqualValues(t, 1, fired[0].CriticalEvents)
	assert.True(t, p.Snapshot().CriticalDelay)

	p.Render(quantum)
	assert.False(t, p.Snapshot().CriticalDelay)
	assert.Equal(t, time.Second, p.Snapshot().Delay)

	p.Enqueue(ramp(0, 5000))
	for i := 0; i < 25; i++ {
		p.Render(quantum)
	}
	assert.Len(t, fired, 2)
	assert.EqualValues(t, 2, p.Snapshot().CriticalEvents)
}

func TestPlaybackReset(t *testing.T) {
	p := newTestPlayback()
	p.Enqueue(ramp(1, 200))
	p.Render(make([]int16, 100))
	p.Reset()

	snap := p.Snapshot()
	assert.Equal(t, MetricsSnapshot{}, snap)
	assert.Zero(t, p.Buffered())
	assert.Equal(t, 0, p.Render(make([]int16, 10)))
	assert.Zero(t, p.Snapshot().MissedAudioDuration)
}

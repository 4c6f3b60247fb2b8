package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gen2brain/malgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplex-voice-lab/internal/audio"
)

type fakeGraph struct {
	captured []int16
	next     int16
	calls    []string
}

func (g *fakeGraph) PushCapture(in []int16) {
	g.calls = append(g.calls, "capture")
	g.captured = append(g.captured, in...)
}

func (g *fakeGraph) RenderPlayback(out []int16) {
	g.calls = append(g.calls, "render")
	for i := range out {
		g.next++
		out[i] = g.next
	}
}

func TestOnDataBridgesBothDirections(t *testing.T) {
	g := &fakeGraph{}
	d := &Duplex{opts: Options{SampleRate: 24000, Channels: 1, PeriodMs: 10}, graph: g}

	input := make([]byte, 8)
	audio.SamplesToBytes([]int16{1, -2, 3, -4}, input)
	output := make([]byte, 8)
	d.onData(output, input, 4)

	assert.Equal(t, []string{"capture", "render"}, g.calls)
	assert.Equal(t, []int16{1, -2, 3, -4}, g.captured)
	got := make([]int16, 4)
	audio.BytesToSamples(output, got)
	assert.Equal(t, []int16{1, 2, 3, 4}, got)

	// Playback-only callbacks skip the capture tap.
	d.onData(output, nil, 4)
	assert.Equal(t, []string{"capture", "render", "render"}, g.calls)
}

func TestRenderContextWithoutDevice(t *testing.T) {
	d := &Duplex{opts: Options{SampleRate: 24000, PeriodMs: 10}}
	rc := d.RenderContext()
	assert.Equal(t, 24000, rc.SampleRate)
	assert.Equal(t, 240, rc.Quantum)
}

func TestClassifyPermission(t *testing.T) {
	err := classify("start", malgo.ErrAccessDenied)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermission)

	err = classify("start", errors.New("boom"))
	assert.NotErrorIs(t, err, ErrPermission)
}

func TestClosedDeviceIsInert(t *testing.T) {
	d := &Duplex{}
	assert.Error(t, d.Start())
	assert.NoError(t, d.Stop())
	assert.NoError(t, d.Close())
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, []Info{
		{Kind: "playback", Name: "Speakers", IsDefault: true},
		{Kind: "capture", Name: "Mic", Error: "busy"},
	})
	assert.Equal(t, "playback devices:\n    0: Speakers (default) [ok] formats: 0\n\ncapture devices:\n    0: Mic [busy] formats: 0\n", buf.String())
}

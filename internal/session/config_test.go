package session

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomConfig(r *rand.Rand) Config {
	c := Config{
		TextPrompt:               "prompt " + strings.Repeat("x", r.IntN(10)) + " & = ?",
		AdditionalText:           "extra",
		VoicePrompt:              "voice.pt",
		TextTemperature:          r.Float64() * MaxTemperature,
		TextTopK:                 MinTextTopK + r.IntN(MaxTextTopK-MinTextTopK+1),
		AudioTemperature:         r.Float64() * MaxTemperature,
		AudioTopK:                MinAudioTopK + r.IntN(MaxAudioTopK-MinAudioTopK+1),
		RepetitionPenalty:        MinRepetitionPenalty + r.Float64(),
		RepetitionPenaltyContext: r.IntN(MaxRepetitionPenaltyContext + 1),
		PadMult:                  MinPadMult + r.Float64()*(MaxPadMult-MinPadMult),
		Seed:                     r.Int64N(1<<40) - 1,
		TextSeed:                 r.Int64N(1 << 31),
		AudioSeed:                r.Int64N(1 << 31),
	}
	if r.IntN(2) == 0 {
		c.PersonalityID = "p-1"
		c.WorkerAuthID = "tok"
		c.Email = "a@b.c"
	}
	return c
}

func endpointFor(t *testing.T, addr string, secure bool, c Config) string {
	t.Helper()
	u, err := EndpointURL(addr, secure)
	require.NoError(t, err)
	u.RawQuery = c.Encode().Encode()
	return u.String()
}

func TestEncodeParseRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		want := randomConfig(r)
		raw := endpointFor(t, "host:1234", true, want)

		u, err := url.Parse(raw)
		require.NoError(t, err)
		got, err := ParseQuery(u.Query())
		require.NoError(t, err)
		require.Equal(t, want, got, "iteration %d", i)
		// clamping an in-range config is the identity
		require.Equal(t, want, want.Clamp())
	}
}

func TestEndpointQueryExample(t *testing.T) {
	c := Default()
	raw := endpointFor(t, "host:8998", true, c)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "host:8998", u.Host)
	assert.Equal(t, ChatPath, u.Path)
	q := u.Query()
	assert.Equal(t, "0.7", q.Get("text_temperature"))
	assert.Equal(t, "25", q.Get("text_topk"))
	assert.Equal(t, "0.8", q.Get("audio_temperature"))
	assert.Equal(t, "250", q.Get("audio_topk"))
	assert.Equal(t, "-1", q.Get("seed"))
	assert.False(t, q.Has("personality_id"))
	assert.False(t, q.Has("worker_auth_id"))
	assert.False(t, q.Has("email"))
}

func TestEndpointURLDefaults(t *testing.T) {
	for _, addr := range []string{"", "same", "  "} {
		u, err := EndpointURL(addr, false)
		require.NoError(t, err)
		assert.Equal(t, "ws://"+DefaultWorkerAddr+ChatPath, u.String())
	}
}

func TestClamp(t *testing.T) {
	c := Config{
		TextTemperature:          5,
		AudioTemperature:         math.NaN(),
		TextTopK:                 1,
		AudioTopK:                5000,
		PadMult:                  -10,
		RepetitionPenalty:        0.5,
		RepetitionPenaltyContext: 999,
	}.Clamp()
	assert.Equal(t, MaxTemperature, c.TextTemperature)
	assert.Equal(t, Default().AudioTemperature, c.AudioTemperature)
	assert.Equal(t, MinTextTopK, c.TextTopK)
	assert.Equal(t, MaxAudioTopK, c.AudioTopK)
	assert.Equal(t, MinPadMult, c.PadMult)
	assert.Equal(t, MinRepetitionPenalty, c.RepetitionPenalty)
	assert.Equal(t, MaxRepetitionPenaltyContext, c.RepetitionPenaltyContext)

	// only NaN falls back; infinities clamp and zero is in range
	c = Config{TextTemperature: math.Inf(1), AudioTemperature: 0, PadMult: math.Inf(-1)}.Clamp()
	assert.Equal(t, MaxTemperature, c.TextTemperature)
	assert.Zero(t, c.AudioTemperature)
	assert.Equal(t, MinPadMult, c.PadMult)
}

func TestResolveSeeds(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	c := Default().Resolve(r)
	assert.GreaterOrEqual(t, c.TextSeed, int64(0))
	assert.GreaterOrEqual(t, c.AudioSeed, int64(0))
	assert.Equal(t, int64(-1), c.Seed)

	// resolving again keeps the chosen seeds
	again := c.Resolve(r)
	assert.Equal(t, c.TextSeed, again.TextSeed)
	assert.Equal(t, c.AudioSeed, again.AudioSeed)

	fixed := Default()
	fixed.TextSeed, fixed.AudioSeed = 42, 43
	fixed = fixed.Resolve(nil)
	assert.Equal(t, int64(42), fixed.TextSeed)
	assert.Equal(t, int64(43), fixed.AudioSeed)
}

func TestParseQueryInvalid(t *testing.T) {
	q := url.Values{}
	q.Set("text_topk", "ten")
	q.Set("pad_mult", "x")
	_, err := ParseQuery(q)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidParam)
	assert.Contains(t, err.Error(), "text_topk")
	assert.Contains(t, err.Error(), "pad_mult")
}

func TestRedactURL(t *testing.T) {
	c := Default()
	c.WorkerAuthID = "secret-token"
	c.Email = "me@example.com"
	red := RedactURL(endpointFor(t, "h:1", false, c))
	assert.NotContains(t, red, "secret-token")
	assert.NotContains(t, red, "example.com")
	assert.Contains(t, red, "REDACTED")
	assert.Equal(t, "<invalid-url>", RedactURL("://bad"))
}

func TestMetadataUpdateJSON(t *testing.T) {
	msg := NewMetadataUpdate(Params{TextTemperature: Float(1.1)})
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"metadata","data":{"text_temperature":1.1}}`, string(b))

	msg = NewMetadataUpdate(Params{TextTemperature: Float(9), AudioTopK: Int(1)})
	b, err = json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"metadata","data":{"text_temperature":2,"audio_topk":5}}`, string(b))
}

func TestParamsApply(t *testing.T) {
	c := Params{TextTopK: Int(100), AudioTemperature: Float(1.5)}.Apply(Default())
	assert.Equal(t, 100, c.TextTopK)
	assert.Equal(t, 1.5, c.AudioTemperature)
	assert.Equal(t, 0.7, c.TextTemperature)
	assert.True(t, Params{}.Empty())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, Idle.CanTransition(Connecting))
	assert.True(t, Connecting.CanTransition(Connected))
	assert.True(t, Connecting.CanTransition(Disconnected))
	assert.False(t, Connected.CanTransition(Connecting))
	assert.False(t, Disconnected.CanTransition(Disconnected))
	assert.Equal(t, "connected", Connected.String())
}

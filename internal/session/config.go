// Package session holds the per-connection generation parameters and their
// wire encodings: endpoint query parameters and the live metadata update.
package session

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
)

// Supported parameter ranges. Values outside are clamped before sending.
const (
	MinTemperature              = 0.0
	MaxTemperature              = 2.0
	MinTextTopK                 = 5
	MaxTextTopK                 = 500
	MinAudioTopK                = 5
	MaxAudioTopK                = 1000
	MinPadMult                  = -4.0
	MaxPadMult                  = 4.0
	MinRepetitionPenalty        = 1.0
	MaxRepetitionPenalty        = 2.0
	MinRepetitionPenaltyContext = 0
	MaxRepetitionPenaltyContext = 200

	// DefaultWorkerAddr is used when the worker address is empty or "same".
	DefaultWorkerAddr = "localhost:8998"
	// ChatPath is the conversation endpoint path.
	ChatPath = "/api/chat"
)

// Config is the bundle of generation parameters for one connection. Once
// resolved it is not mutated; changes need a reconnect, apart from the
// sampling parameters carried by a metadata update.
type Config struct {
	TextPrompt               string
	AdditionalText           string
	PersonalityID            string
	VoicePrompt              string
	TextTemperature          float64
	TextTopK                 int
	AudioTemperature         float64
	AudioTopK                int
	RepetitionPenalty        float64
	RepetitionPenaltyContext int
	PadMult                  float64
	// Seed is forwarded as-is; -1 leaves seeding to the server.
	Seed         int64
	TextSeed     int64
	AudioSeed    int64
	WorkerAuthID string
	Email        string
}

// Default returns the stock conversation settings.
func Default() Config {
	return Config{
		TextPrompt:               "You enjoy having a good conversation.",
		VoicePrompt:              "c_c.pt",
		TextTemperature:          0.7,
		TextTopK:                 25,
		AudioTemperature:         0.8,
		AudioTopK:                250,
		RepetitionPenalty:        2.0,
		RepetitionPenaltyContext: 64,
		PadMult:                  0,
		Seed:                     -1,
		TextSeed:                 -1,
		AudioSeed:                -1,
	}
}

func clampFloat(v, lo, hi, fallback float64) float64 {
	if math.IsNaN(v) {
		return fallback
	}
	return math.Min(hi, math.Max(lo, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampTemperature limits a temperature to [0, 2].
func ClampTemperature(v, fallback float64) float64 {
	return clampFloat(v, MinTemperature, MaxTemperature, fallback)
}

// ClampTextTopK limits a text top-k to its supported bounds.
func ClampTextTopK(v int) int { return clampInt(v, MinTextTopK, MaxTextTopK) }

// ClampAudioTopK limits an audio top-k to its supported bounds.
func ClampAudioTopK(v int) int { return clampInt(v, MinAudioTopK, MaxAudioTopK) }

// Clamp returns a copy with every numeric field inside its supported range.
func (c Config) Clamp() Config {
	d := Default()
	c.TextTemperature = ClampTemperature(c.TextTemperature, d.TextTemperature)
	c.AudioTemperature = ClampTemperature(c.AudioTemperature, d.AudioTemperature)
	c.TextTopK = ClampTextTopK(c.TextTopK)
	c.AudioTopK = ClampAudioTopK(c.AudioTopK)
	c.PadMult = clampFloat(c.PadMult, MinPadMult, MaxPadMult, d.PadMult)
	c.RepetitionPenalty = clampFloat(c.RepetitionPenalty, MinRepetitionPenalty, MaxRepetitionPenalty, d.RepetitionPenalty)
	c.RepetitionPenaltyContext = clampInt(c.RepetitionPenaltyContext, MinRepetitionPenaltyContext, MaxRepetitionPenaltyContext)
	return c
}

// Resolve clamps c and fixes the per-stream seeds. Negative text or audio
// seeds are replaced with independent random values drawn from rng (or the
// global source when rng is nil), so the seeds stay stable for the session.
func (c Config) Resolve(rng *rand.Rand) Config {
	c = c.Clamp()
	draw := func() int64 {
		if rng != nil {
			return rng.Int64N(math.MaxInt32)
		}
		return rand.Int64N(math.MaxInt32)
	}
	if c.TextSeed < 0 {
		c.TextSeed = draw()
	}
	if c.AudioSeed < 0 {
		c.AudioSeed = draw()
	}
	return c
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// Encode serializes c into endpoint query parameters. Optional identity
// fields are omitted when empty.
func (c Config) Encode() url.Values {
	q := url.Values{}
	q.Set("text_prompt", c.TextPrompt)
	q.Set("additional_text", c.AdditionalText)
	if c.PersonalityID != "" {
		q.Set("personality_id", c.PersonalityID)
	}
	q.Set("voice_prompt", c.VoicePrompt)
	q.Set("seed", strconv.FormatInt(c.Seed, 10))
	q.Set("text_seed", strconv.FormatInt(c.TextSeed, 10))
	q.Set("audio_seed", strconv.FormatInt(c.AudioSeed, 10))
	q.Set("text_temperature", formatFloat(c.TextTemperature))
	q.Set("text_topk", strconv.Itoa(c.TextTopK))
	q.Set("audio_temperature", formatFloat(c.AudioTemperature))
	q.Set("audio_topk", strconv.Itoa(c.AudioTopK))
	q.Set("pad_mult", formatFloat(c.PadMult))
	q.Set("repetition_penalty", formatFloat(c.RepetitionPenalty))
	q.Set("repetition_penalty_context", strconv.Itoa(c.RepetitionPenaltyContext))
	if c.WorkerAuthID != "" {
		q.Set("worker_auth_id", c.WorkerAuthID)
	}
	if c.Email != "" {
		q.Set("email", c.Email)
	}
	return q
}

// ErrInvalidParam is wrapped by ParseQuery for malformed numeric values.
var ErrInvalidParam = errors.New("invalid session parameter")

// ParseQuery reads the parameters produced by Encode. Missing fields keep
// their defaults; malformed numbers are an error.
func ParseQuery(q url.Values) (Config, error) {
	c := Default()
	c.TextPrompt = q.Get("text_prompt")
	c.AdditionalText = q.Get("additional_text")
	c.PersonalityID = q.Get("personality_id")
	if v := q.Get("voice_prompt"); v != "" {
		c.VoicePrompt = v
	}
	c.WorkerAuthID = q.Get("worker_auth_id")
	c.Email = q.Get("email")

	var errs []error
	parseInt64 := func(key string, dst *int64) {
		if v := q.Get(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidParam, key, v))
				return
			}
			*dst = n
		}
	}
	parseInt := func(key string, dst *int) {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidParam, key, v))
				return
			}
			*dst = n
		}
	}
	parseFloat := func(key string, dst *float64) {
		if v := q.Get(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidParam, key, v))
				return
			}
			*dst = f
		}
	}
	parseInt64("seed", &c.Seed)
	parseInt64("text_seed", &c.TextSeed)
	parseInt64("audio_seed", &c.AudioSeed)
	parseFloat("text_temperature", &c.TextTemperature)
	parseInt("text_topk", &c.TextTopK)
	parseFloat("audio_temperature", &c.AudioTemperature)
	parseInt("audio_topk", &c.AudioTopK)
	parseFloat("pad_mult", &c.PadMult)
	parseFloat("repetition_penalty", &c.RepetitionPenalty)
	parseInt("repetition_penalty_context", &c.RepetitionPenaltyContext)
	return c, errors.Join(errs...)
}

// EndpointURL returns the bare conversation endpoint (no query). An empty or
// "same" address means the local default.
func EndpointURL(workerAddr string, secure bool) (*url.URL, error) {
	addr := strings.TrimSpace(workerAddr)
	if addr == "" || addr == "same" {
		addr = DefaultWorkerAddr
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	u, err := url.Parse(scheme + "://" + addr + ChatPath)
	if err != nil {
		return nil, fmt.Errorf("invalid worker address %q: %w", workerAddr, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid worker address %q: missing host", workerAddr)
	}
	return u, nil
}

var sensitiveParams = []string{"worker_auth_id", "email"}

// RedactURL masks identity parameters so the endpoint can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	q := u.Query()
	changed := false
	for _, k := range sensitiveParams {
		if q.Has(k) {
			q.Set(k, "[REDACTED]")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

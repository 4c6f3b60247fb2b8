// Package api is a client for the conversation server's auxiliary HTTP
// surface: model readiness, stored personalities and available voices.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/duplex-voice-lab/internal/logging"
	"github.com/duplex-voice-lab/internal/session"
)

const (
	pathStatus        = "/api/status"
	pathPersonalities = "/api/personalities"
	pathVoices        = "/api/voices"

	keyPersonalities = "personalities"
	keyVoices        = "voices"
)

// ErrNotFound is returned when a requested personality does not exist.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Path, e.StatusCode, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

// Status is the model loading state.
type Status struct {
	Ready   bool   `json:"ready"`
	Loading bool   `json:"loading"`
	Status  string `json:"status"`
}

// Personality is a stored conversation preset.
type Personality struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Description      string  `json:"description"`
	AdditionalText   string  `json:"additionalText,omitempty"`
	Embedding        string  `json:"embedding"`
	TextTemperature  float64 `json:"textTemperature"`
	TextTopK         int     `json:"textTopk"`
	AudioTemperature float64 `json:"audioTemperature"`
	AudioTopK        int     `json:"audioTopk"`
	Seed             *int64  `json:"seed,omitempty"`
}

// Apply copies the preset onto cfg. Sampling values are clamped to the
// supported ranges; zero values keep what cfg already has.
func (p Personality) Apply(cfg session.Config) session.Config {
	cfg.PersonalityID = p.ID
	if p.Description != "" {
		cfg.TextPrompt = p.Description
	}
	cfg.AdditionalText = p.AdditionalText
	if p.Embedding != "" {
		cfg.VoicePrompt = p.Embedding
	}
	if p.TextTemperature != 0 {
		cfg.TextTemperature = p.TextTemperature
	}
	if p.TextTopK != 0 {
		cfg.TextTopK = p.TextTopK
	}
	if p.AudioTemperature != 0 {
		cfg.AudioTemperature = p.AudioTemperature
	}
	if p.AudioTopK != 0 {
		cfg.AudioTopK = p.AudioTopK
	}
	if p.Seed != nil {
		cfg.Seed = *p.Seed
	}
	return cfg.Clamp()
}

// Voice is one available voice prompt.
type Voice struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Category string `json:"category,omitempty"`
}

// UnmarshalJSON accepts either a bare file name or an object.
func (v *Voice) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*v = Voice{Name: name}
		return nil
	}
	type plain Voice
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*v = Voice(p)
	return nil
}

type voiceList struct {
	Voices []Voice `json:"voices"`
	Count  int     `json:"count"`
}

// Options tunes the client.
type Options struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	Retries  int
}

// Client talks to the auxiliary HTTP endpoints. Listings are cached.
type Client struct {
	http  *resty.Client
	cache *gocache.Cache
}

// New returns a client for baseURL (scheme and host, no path).
func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{
		http:  hc,
		cache: gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	var body errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&body).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		msg := body.Error
		if msg == "" {
			msg = resp.Status()
		}
		return &StatusError{Path: path, StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}

// Status fetches the model loading state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := c.get(ctx, pathStatus, &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// WaitReady polls Status every interval until the models are ready or ctx
// is done. Transient request failures are logged and retried.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := ""
	for {
		st, err := c.Status(ctx)
		switch {
		case err != nil:
			logging.Debugw("status poll failed", "err", err)
		case st.Ready:
			return st, nil
		case st.Status != last:
			logging.Infow("waiting for models", "status", st.Status, "loading", st.Loading)
			last = st.Status
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("wait for models: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Personalities lists the stored presets.
func (c *Client) Personalities(ctx context.Context) ([]Personality, error) {
	if v, ok := c.cache.Get(keyPersonalities); ok {
		return v.([]Personality), nil
	}
	var list []Personality
	if err := c.get(ctx, pathPersonalities, &list); err != nil {
		return nil, err
	}
	c.cache.SetDefault(keyPersonalities, list)
	return list, nil
}

// Personality returns the preset with id. A miss in a cached listing
// refetches once so presets created since the last fetch are found.
func (c *Client) Personality(ctx context.Context, id string) (Personality, error) {
	_, cached := c.cache.Get(keyPersonalities)
	list, err := c.Personalities(ctx)
	if err != nil {
		return Personality{}, err
	}
	if p, ok := findPersonality(list, id); ok {
		return p, nil
	}
	if cached {
		c.Invalidate()
		if list, err = c.Personalities(ctx); err != nil {
			return Personality{}, err
		}
		if p, ok := findPersonality(list, id); ok {
			return p, nil
		}
	}
	return Personality{}, fmt.Errorf("personality %q: %w", id, ErrNotFound)
}

func findPersonality(list []Personality, id string) (Personality, bool) {
	for _, p := range list {
		if p.ID == id {
			return p, true
		}
	}
	return Personality{}, false
}

// Voices lists the available voice prompts.
func (c *Client) Voices(ctx context.Context) ([]Voice, error) {
	if v, ok := c.cache.Get(keyVoices); ok {
		return v.([]Voice), nil
	}
	var list voiceList
	if err := c.get(ctx, pathVoices, &list); err != nil {
		return nil, err
	}
	c.cache.SetDefault(keyVoices, list.Voices)
	return list.Voices, nil
}

// Invalidate drops cached listings.
func (c *Client) Invalidate() {
	c.cache.Flush()
}

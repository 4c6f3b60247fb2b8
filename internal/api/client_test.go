package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplex-voice-lab/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fakeServer struct {
	statusCalls       atomic.Int32
	personalityCalls  atomic.Int32
	readyAfter        int32
	personalitiesBody string
	created           atomic.Bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		n := f.statusCalls.Add(1)
		ready := n > f.readyAfter
		status := "Loading Mimi..."
		if ready {
			status = "Ready"
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": ready, "loading": !ready, "status": status})
	})
	mux.HandleFunc("GET /api/personalities", func(w http.ResponseWriter, r *http.Request) {
		f.personalityCalls.Add(1)
		body := f.personalitiesBody
		if f.created.Load() {
			body = strings.Replace(body, "[", `[{"id":"p3","name":"Fresh","description":"","embedding":""},`, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("GET /api/voices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"voices":["c_c.pt",{"name":"NATF2.pt","type":"pt","category":"natural"}],"count":2}`))
	})
	return mux
}

const twoPersonalities = `[
 {"id":"p1","name":"Tutor","description":"You teach patiently.","embedding":"NATF2.pt",
  "textTemperature":0.9,"textTopk":40,"audioTemperature":0.6,"audioTopk":2000},
 {"id":"p2","name":"Plain","description":"","embedding":"","textTemperature":0,"textTopk":0,
  "audioTemperature":0,"audioTopk":0,"seed":42}
]`

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, Options{Timeout: 2 * time.Second, CacheTTL: time.Minute})
}

func TestStatusAndWaitReady(t *testing.T) {
	f := &fakeServer{readyAfter: 2}
	c := newTestClient(t, f)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Ready)
	assert.True(t, st.Loading)
	assert.Equal(t, "Loading Mimi...", st.Status)

	st, err = c.WaitReady(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.EqualValues(t, 3, f.statusCalls.Load())
}

func TestWaitReadyHonorsContext(t *testing.T) {
	f := &fakeServer{readyAfter: 1 << 30}
	c := newTestClient(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.WaitReady(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPersonalitiesAreCached(t *testing.T) {
	f := &fakeServer{personalitiesBody: twoPersonalities}
	c := newTestClient(t, f)
	ctx := context.Background()

	list, err := c.Personalities(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Tutor", list[0].Name)
	require.NotNil(t, list[1].Seed)
	assert.EqualValues(t, 42, *list[1].Seed)

	p, err := c.Personality(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "NATF2.pt", p.Embedding)
	assert.EqualValues(t, 1, f.personalityCalls.Load())

	// a miss refetches once before giving up
	_, err = c.Personality(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 2, f.personalityCalls.Load())

	c.Invalidate()
	_, err = c.Personalities(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.personalityCalls.Load())
}

func TestPersonalityRefetchFindsNewPreset(t *testing.T) {
	f := &fakeServer{personalitiesBody: twoPersonalities}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.Personalities(ctx)
	require.NoError(t, err)
	f.created.Store(true)

	p, err := c.Personality(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", p.Name)
	assert.EqualValues(t, 2, f.personalityCalls.Load())

	// now cached
	_, err = c.Personality(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.personalityCalls.Load())
}

func TestPersonalityApply(t *testing.T) {
	f := &fakeServer{personalitiesBody: twoPersonalities}
	c := newTestClient(t, f)
	list, err := c.Personalities(context.Background())
	require.NoError(t, err)

	cfg := list[0].Apply(session.Default())
	assert.Equal(t, "p1", cfg.PersonalityID)
	assert.Equal(t, "You teach patiently.", cfg.TextPrompt)
	assert.Equal(t, "NATF2.pt", cfg.VoicePrompt)
	assert.Equal(t, 0.9, cfg.TextTemperature)
	assert.Equal(t, 40, cfg.TextTopK)
	assert.Equal(t, session.MaxAudioTopK, cfg.AudioTopK)

	def := session.Default()
	cfg = list[1].Apply(def)
	assert.Equal(t, "p2", cfg.PersonalityID)
	assert.Equal(t, def.TextPrompt, cfg.TextPrompt)
	assert.Equal(t, def.VoicePrompt, cfg.VoicePrompt)
	assert.Equal(t, def.TextTopK, cfg.TextTopK)
	assert.EqualValues(t, 42, cfg.Seed)
}

func TestVoicesAcceptNamesAndObjects(t *testing.T) {
	c := newTestClient(t, &fakeServer{})
	voices, err := c.Voices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Voice{
		{Name: "c_c.pt"},
		{Name: "NATF2.pt", Type: "pt", Category: "natural"},
	}, voices)
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Models are still loading"})
	}))
	defer srv.Close()
	c := New(srv.URL, Options{})

	_, err := c.Voices(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "Models are still loading", se.Message)
	assert.Equal(t, pathVoices, se.Path)
}

package voice

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/duplex-voice-lab/internal/audio"
)

func testArtifact(t *testing.T, frames int) *audio.Artifact {
	t.Helper()
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	rec := audio.NewRecorder(audio.RecorderOptions{SampleRate: 8000, Channels: 2, Now: func() time.Time { return start }})
	rec.Start()
	rec.OnData(make([]int16, frames*2))
	art, err := rec.Stop()
	if err != nil {
		t.Fatalf("recorder stop: %v", err)
	}
	return art
}

func readSidecar(t *testing.T, path string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode sidecar: %v", err)
	}
	return m
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TestSaveFileAtomic verifies overwrite, mode and that no temp files remain.
func TestSaveFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.bin")
	if err := SaveFileAtomic(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := SaveFileAtomic(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("second save: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil || string(b) != "two" {
		t.Fatalf("content mismatch: got=%q err=%v", b, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("mode mismatch: got=%v", st.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestSaveArtifactWritesSidecar(t *testing.T) {
	dir := t.TempDir()
	art := testArtifact(t, 800)
	path, err := SaveArtifact(dir, art, Sidecar{SessionID: "s-1", Endpoint: "ws://localhost/api/chat", PersonalityID: "p"})
	if err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	if want := filepath.Join(dir, "voicechat-20260304-050607.wav"); path != want {
		t.Fatalf("path mismatch: want=%s got=%s", want, path)
	}
	if !exists(path) {
		t.Fatalf("wav not written: %s", path)
	}

	sc := readSidecar(t, SidecarPath(path))
	want := map[string]any{
		"session_id":     "s-1",
		"wav_path":       path,
		"mime_type":      "audio/wav",
		"duration_ms":    float64(100),
		"frames":         float64(800),
		"channels":       float64(2),
		"personality_id": "p",
	}
	for k, v := range want {
		if sc[k] != v {
			t.Fatalf("sidecar %s: want=%v got=%v", k, v, sc[k])
		}
	}

	if _, err := SaveArtifact(dir, nil, Sidecar{}); err == nil {
		t.Fatalf("expected error for nil artifact")
	}
	if _, err := SaveArtifact(" ", art, Sidecar{}); err == nil {
		t.Fatalf("expected error for blank dir")
	}
}

// TestSidecarStoreMerge checks lookup by session and that merges keep the
// existing fields.
func TestSidecarStoreMerge(t *testing.T) {
	dir := t.TempDir()
	path, err := SaveArtifact(dir, testArtifact(t, 80), Sidecar{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write broken sidecar: %v", err)
	}

	store := NewSidecarStore(dir, true)
	if store == nil {
		t.Fatalf("expected a store")
	}
	if got := store.FindBySession("s-1"); !reflect.DeepEqual(got, []string{SidecarPath(path)}) {
		t.Fatalf("find s-1: got=%v", got)
	}
	if got := store.FindBySession("s-2"); len(got) != 0 {
		t.Fatalf("find s-2: got=%v", got)
	}
	if got := store.FindBySession(""); len(got) != 0 {
		t.Fatalf("find empty id: got=%v", got)
	}

	n, err := store.MergeSession("s-1", map[string]any{"outcome": "closed"})
	if err != nil || n != 1 {
		t.Fatalf("merge s-1: n=%d err=%v", n, err)
	}
	sc := readSidecar(t, SidecarPath(path))
	if sc["outcome"] != "closed" || sc["session_id"] != "s-1" {
		t.Fatalf("merged sidecar mismatch: %v", sc)
	}

	n, err = store.MergeSession("s-2", map[string]any{"outcome": "closed"})
	if err != nil || n != 0 {
		t.Fatalf("merge s-2: n=%d err=%v", n, err)
	}

	if NewSidecarStore("", false) != nil {
		t.Fatalf("blank dir must not yield a store")
	}
	var none *SidecarStore
	if got := none.FindBySession("s-1"); len(got) != 0 {
		t.Fatalf("nil store find: got=%v", got)
	}
	if _, err := none.MergeSession("s-1", nil); err == nil {
		t.Fatalf("expected error merging into a nil store")
	}
}

func TestCleanRecordings(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	write := func(name string, age time.Duration) string {
		wavPath := filepath.Join(dir, name+".wav")
		if err := os.WriteFile(wavPath, []byte("RIFF"), 0o644); err != nil {
			t.Fatalf("write wav: %v", err)
		}
		b, _ := json.Marshal(Sidecar{SessionID: name, WavPath: wavPath})
		jsonPath := filepath.Join(dir, name+".json")
		if err := os.WriteFile(jsonPath, b, 0o644); err != nil {
			t.Fatalf("write sidecar: %v", err)
		}
		mod := now.Add(-age)
		if err := os.Chtimes(jsonPath, mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
		return wavPath
	}
	old := write("old", 48*time.Hour)
	mid := write("mid", 2*time.Hour)
	fresh := write("fresh", time.Minute)
	newest := write("newest", 0)

	if n := CleanRecordings(dir, 24*time.Hour, 0, now); n != 1 {
		t.Fatalf("retention pass removed %d, want 1", n)
	}
	if exists(old) || exists(SidecarPath(old)) {
		t.Fatalf("expired recording still present")
	}

	if n := CleanRecordings(dir, 0, 2, now); n != 1 {
		t.Fatalf("max files pass removed %d, want 1", n)
	}
	if exists(mid) {
		t.Fatalf("oldest recording beyond max files still present")
	}
	if !exists(fresh) || !exists(newest) {
		t.Fatalf("recent recordings removed")
	}

	if n := CleanRecordings(dir, 0, 0, now); n != 0 {
		t.Fatalf("no limits removed %d", n)
	}
	if n := CleanRecordings(filepath.Join(dir, "missing"), time.Hour, 1, now); n != 0 {
		t.Fatalf("missing dir removed %d", n)
	}
}

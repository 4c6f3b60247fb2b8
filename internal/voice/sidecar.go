package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/duplex-voice-lab/internal/audio"
	"github.com/duplex-voice-lab/internal/logging"
)

// Sidecar is the JSON metadata stored next to each saved recording.
type Sidecar struct {
	SessionID     string    `json:"session_id"`
	WavPath       string    `json:"wav_path"`
	Name          string    `json:"name"`
	MIMEType      string    `json:"mime_type"`
	SampleRate    int       `json:"sample_rate"`
	Channels      int       `json:"channels"`
	Frames        int       `json:"frames"`
	DurationMs    int64     `json:"duration_ms"`
	StartedAt     time.Time `json:"started_at"`
	StoppedAt     time.Time `json:"stopped_at"`
	Endpoint      string    `json:"endpoint,omitempty"`
	PersonalityID string    `json:"personality_id,omitempty"`
}

// SidecarPath returns the sidecar location for a recording.
func SidecarPath(wavPath string) string {
	return strings.TrimSuffix(wavPath, filepath.Ext(wavPath)) + ".json"
}

// SaveArtifact writes art into dir together with its sidecar and returns the
// recording path. The duration recorded in the sidecar is read back from the
// WAV header.
func SaveArtifact(dir string, art *audio.Artifact, meta Sidecar) (string, error) {
	if art == nil {
		return "", errors.New("save artifact: nil artifact")
	}
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("save artifact: no directory configured")
	}
	wavPath := filepath.Join(dir, art.Name)
	if err := SaveFileAtomic(wavPath, art.Data, 0o644); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}

	meta.WavPath = wavPath
	meta.Name = art.Name
	meta.MIMEType = art.MIMEType
	meta.SampleRate = art.SampleRate
	meta.Channels = art.Channels
	meta.Frames = art.Frames
	meta.StartedAt = art.StartedAt
	meta.StoppedAt = art.StoppedAt
	meta.DurationMs = art.Duration.Milliseconds()
	if art.Frames > 0 {
		if _, d, err := audio.ProbeWAV(art.Data); err != nil {
			logging.Warnw("sidecar: artifact header unreadable", "path", wavPath, "err", err)
		} else {
			meta.DurationMs = d.Milliseconds()
		}
	}

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := SaveFileAtomic(SidecarPath(wavPath), b, 0o644); err != nil {
		return "", fmt.Errorf("save sidecar: %w", err)
	}
	logging.Infow("recording saved", "path", wavPath, "duration_ms", meta.DurationMs, "session_id", meta.SessionID)
	return wavPath, nil
}

// SidecarStore finds and updates sidecar files in Dir. A nil store is a
// no-op.
type SidecarStore struct {
	Dir string
	// Lock takes an advisory flock on path + ".lock" around each update.
	Lock bool
}

// NewSidecarStore returns nil when dir is blank.
func NewSidecarStore(dir string, lock bool) *SidecarStore {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &SidecarStore{Dir: dir, Lock: lock}
}

// FindBySession returns the sidecar paths recorded for a session id.
func (s *SidecarStore) FindBySession(id string) []string {
	if s == nil || id == "" {
		return nil
	}
	files, err := os.ReadDir(s.Dir)
	if err != nil {
		logging.Warnw("sidecar: failed to list dir", "dir", s.Dir, "err", err)
		return nil
	}
	var out []string
	for _, fi := range files {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.Dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			logging.Debugw("sidecar: failed to read file while searching", "path", path, "err", err, "session_id", id)
			continue
		}
		var sc struct {
			SessionID string `json:"session_id"`
		}
		if json.Unmarshal(b, &sc) == nil && sc.SessionID == id {
			out = append(out, path)
		}
	}
	return out
}

// MergeSession merges updates into every sidecar of session id and returns
// how many were rewritten.
func (s *SidecarStore) MergeSession(id string, updates map[string]any) (int, error) {
	if s == nil {
		return 0, errors.New("sidecar store not configured")
	}
	var errs []error
	n := 0
	for _, path := range s.FindBySession(id) {
		if err := s.merge(path, updates); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *SidecarStore) merge(path string, updates map[string]any) error {
	if s.Lock {
		unlock, err := flock(path + ".lock")
		if err != nil {
			return err
		}
		defer unlock()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sidecar %s: %w", path, err)
	}
	var sc map[string]any
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("invalid sidecar JSON %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	nb, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar %s: %w", path, err)
	}
	if err := SaveFileAtomic(path, nb, 0o644); err != nil {
		return err
	}
	logging.Debugw("sidecar: saved updates", "path", path)
	return nil
}

func flock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

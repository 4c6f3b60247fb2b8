package voice

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duplex-voice-lab/internal/logging"
)

// StartRecordingCleaner starts a background goroutine that periodically
// prunes saved recordings in dir. Caller must call wg.Add(1) before calling
// this function; the goroutine will call wg.Done() on exit.
func StartRecordingCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := CleanRecordings(dir, retention, maxFiles, time.Now()); n > 0 {
					logging.Infow("recordings pruned", "dir", dir, "removed", n)
				}
			}
		}
	}()
}

// CleanRecordings removes sidecar/recording pairs older than retention and
// then the oldest pairs beyond maxFiles. Zero retention or maxFiles disables
// that rule. It returns the number of pairs removed.
func CleanRecordings(dir string, retention time.Duration, maxFiles int, now time.Time) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("recordings: cleanup readDir failed", "err", err)
		return 0
	}
	type pairInfo struct {
		jsonPath string
		wavPath  string
		mod      time.Time
	}
	var pairs []pairInfo
	for _, fi := range files {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(dir, name)
		b, err := os.ReadFile(jsonPath)
		if err != nil {
			continue
		}
		var sc struct {
			WavPath string `json:"wav_path"`
		}
		if err := json.Unmarshal(b, &sc); err != nil {
			continue
		}
		wavPath := sc.WavPath
		if wavPath == "" {
			wavPath = strings.TrimSuffix(jsonPath, ".json") + ".wav"
		}
		st, err := os.Stat(jsonPath)
		if err != nil {
			continue
		}
		pairs = append(pairs, pairInfo{jsonPath: jsonPath, wavPath: wavPath, mod: st.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	remove := func(p pairInfo) {
		_ = os.Remove(p.jsonPath)
		_ = os.Remove(p.jsonPath + ".lock")
		_ = os.Remove(p.wavPath)
	}
	removed := 0
	if retention > 0 {
		cutoff := now.Add(-retention)
		for _, p := range pairs {
			if !p.mod.Before(cutoff) {
				break
			}
			remove(p)
			removed++
		}
	}
	if maxFiles > 0 {
		for _, p := range pairs[removed:] {
			if len(pairs)-removed <= maxFiles {
				break
			}
			remove(p)
			removed++
		}
	}
	return removed
}

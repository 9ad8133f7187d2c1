package limiter

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const watchDebounce = 100 * time.Millisecond

// Watcher reloads the policy set whenever the config file changes on disk.
// A reload that fails to parse or validate is logged and skipped, the
// running policy set stays as it was.
type Watcher struct {
	path string
	rl   *RateLimiter
	fsw  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the config file at path. The containing
// directory is watched rather than the file itself so that editors which
// replace the file on save are still seen.
func NewWatcher(path string, rl *RateLimiter) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("limiter: resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("limiter: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("limiter: watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, rl: rl, fsw: fsw}, nil
}

// Run blocks until ctx is cancelled, reloading policies on every write to
// the config file. Rapid successive writes are coalesced.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	base := filepath.Base(w.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	log.Info().Str("path", w.path).Msg("watching config file for policy changes")

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("config reload failed, keeping current policies")
		return
	}
	if err := cfg.ApplyPolicies(w.rl); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("config reload rejected, keeping current policies")
		return
	}
	log.Info().Str("path", w.path).Int("policies", len(cfg.Policies)).Msg("policies reloaded from config file")
}

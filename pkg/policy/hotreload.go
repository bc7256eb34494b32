package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/domain/errors"
)

const reloadDebounce = 500 * time.Millisecond

// Reloader watches a policy file and swaps the engine's global policy
// when it changes. Events are debounced so editors that write in bursts
// trigger one reload. The parent directory is watched, which also covers
// atomic rename-replace saves.
type Reloader struct {
	path     string
	engine   *Engine
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewReloader creates a reloader for the policy file at path.
func NewReloader(path string, engine *Engine, logger zerolog.Logger) *Reloader {
	return &Reloader{
		path:     path,
		engine:   engine,
		debounce: reloadDebounce,
		logger:   logger.With().Str("component", "policy_reloader").Logger(),
	}
}

// Start loads the file once, then begins watching until ctx is done.
func (r *Reloader) Start(ctx context.Context) error {
	if err := r.reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.New(errors.CodeInternalError, "policy", "failed to create file watcher", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return errors.New(errors.CodeIoError, "policy", "failed to watch policy directory", err)
	}
	r.watcher = watcher

	go r.watchLoop(ctx)
	r.logger.Info().Str("path", r.path).Msg("Policy hot-reload active")
	return nil
}

func (r *Reloader) watchLoop(ctx context.Context) {
	defer r.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			r.scheduleReload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}

func (r *Reloader) scheduleReload() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		if err := r.reload(); err != nil {
			r.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policy")
		}
	})
}

func (r *Reloader) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return errors.New(errors.CodeIoError, "policy", "failed to read policy file", err)
	}
	p, err := LoadPolicyFile(data)
	if err != nil {
		return err
	}
	r.engine.SetPolicy(p)
	r.logger.Info().
		Int("allowed_images", len(p.AllowedImages)).
		Int("blocked_images", len(p.BlockedImages)).
		Int("blocked_commands", len(p.BlockedCommands)).
		Msg("Policy loaded")
	return nil
}

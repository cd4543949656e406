package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// Registry loads, validates and indexes per-project policy from a
// directory of YAML files (spec §4.B). Project configs are read-only
// after load; reload swaps the whole snapshot atomically so in-flight
// readers never observe a half-updated project (Design Notes: "Global
// mutable state ... becomes an explicit Runtime value").
type Registry struct {
	dir  string
	snap atomic.Value // holds map[string]*ProjectConfig
}

// LoadDir reads every *.yaml file directly under dir, each one project,
// and returns a Registry or a ConfigInvalid error that should hard-fail
// startup (spec §4.B).
func LoadDir(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return cmn.WithKind(cmn.KindConfigInvalid, fmt.Errorf("read project dir %s: %w", r.dir, err))
	}
	next := make(map[string]*ProjectConfig)
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		cfg, err := loadOne(r.dir, filepath.Join(r.dir, e.Name()))
		if err != nil {
			return cmn.WithKind(cmn.KindConfigInvalid, err)
		}
		next[cfg.Slug] = cfg
	}
	r.snap.Store(next)
	return nil
}

// Get resolves a project by slug. A project absent from the registry
// reports UnknownProject (spec §4.B): the message should be rejected
// and dead-lettered, not treated as a hard failure.
func (r *Registry) Get(slug string) (*ProjectConfig, error) {
	m, _ := r.snap.Load().(map[string]*ProjectConfig)
	cfg, ok := m[slug]
	if !ok {
		return nil, cmn.WithKind(cmn.KindUnknownProject, fmt.Errorf("unknown project %q", slug))
	}
	return cfg, nil
}

// Slugs returns every currently-loaded project slug, used for reload
// logging and by the `start` command's health check.
func (r *Registry) Slugs() []string {
	m, _ := r.snap.Load().(map[string]*ProjectConfig)
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	return out
}

// WatchReload blocks, re-reading the project directory whenever a file
// under it changes, until ctx is cancelled. It does not handle SIGHUP;
// the caller calls Reload for that. A reload that fails is logged and
// leaves the previous, already-validated snapshot in place — a bad edit
// to one project file must not take every project down.
func (r *Registry) WatchReload(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				cmn.L().Errorw("project config reload failed, keeping previous snapshot", "error", err)
			} else {
				cmn.L().Infow("project config reloaded", "slugs", r.Slugs())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			cmn.L().Errorw("project config watcher error", "error", err)
		}
	}
}

// Reload re-reads the project directory now; exposed so a SIGHUP
// handler (spec §4.B) can trigger it outside of WatchReload.
func (r *Registry) Reload() error { return r.reload() }

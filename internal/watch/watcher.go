// SPDX-License-Identifier: MPL-2.0

// Package watch reports debounced batches of file system changes under a
// directory tree.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 100 * time.Millisecond

// defaultIgnores are never reported: VCS metadata, dependencies, editor swap
// files and OS metadata.
var defaultIgnores = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
}

// ErrAlreadyRunning is returned when Run is called twice
var ErrAlreadyRunning = errors.New("watch: already running")

// Batch is one debounced set of changes
type Batch struct {
	// Paths are absolute and sorted
	Paths []string
	// Structural is set when any path was created, removed or renamed, as
	// opposed to only written.
	Structural bool
}

type Config struct {
	// BaseDir is the root of the watched tree
	BaseDir string
	// Ignore adds doublestar patterns, relative to BaseDir, to the defaults
	Ignore []string
	// Debounce is the quiet period after the last event before a batch is
	// delivered. Zero uses 100ms.
	Debounce time.Duration
	// OnChange receives each batch. It is called from a timer goroutine and
	// must not block for long.
	OnChange func(Batch)
}

// Watcher watches every non-ignored directory under BaseDir, including
// directories created after it starts.
type Watcher struct {
	cfg      Config
	fsw      *fsnotify.Watcher
	ignores  []string
	debounce time.Duration
	baseDir  string

	mu         sync.Mutex
	started    bool
	pending    map[string]struct{}
	structural bool
	timer      *time.Timer
}

// New validates the ignore patterns and registers the directory tree
func New(cfg Config) (*Watcher, error) {
	absBase, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve base directory: %w", err)
	}

	for _, pat := range cfg.Ignore {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("watch: invalid ignore pattern %q", pat)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		ignores:  append(slices.Clone(defaultIgnores), cfg.Ignore...),
		debounce: debounce,
		baseDir:  absBase,
		pending:  map[string]struct{}{},
	}

	if err := w.addDirectories(absBase); err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close watcher after init failure")
		}
		return nil, err
	}

	return w, nil
}

// Run processes events until ctx is cancelled. It returns nil on
// cancellation and an error when the underlying watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.started = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close fsnotify watcher")
		}
	}()

	log.Debug().Str("dir", w.baseDir).Msg("Watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watch: event channel closed unexpectedly")
			}
			w.handle(ctx, evt)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watch: error channel closed unexpectedly")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			log.Warn().Err(err).Msg("File watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, evt fsnotify.Event) {
	if evt.Op == fsnotify.Chmod {
		return
	}

	rel, err := filepath.Rel(w.baseDir, evt.Name)
	if err != nil || w.isIgnored(rel) {
		return
	}

	if evt.Has(fsnotify.Create) {
		w.maybeAddDir(evt.Name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[evt.Name] = struct{}{}
	if evt.Has(fsnotify.Create) || evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename) {
		w.structural = true
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, func() { w.fire(ctx) })
	} else {
		w.timer.Reset(w.debounce)
	}
}

// fire drains the pending set into one batch
func (w *Watcher) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := Batch{Structural: w.structural}
	for p := range w.pending {
		batch.Paths = append(batch.Paths, p)
	}
	slices.Sort(batch.Paths)
	clear(w.pending)
	w.structural = false
	w.mu.Unlock()

	log.Debug().
		Strs("paths", batch.Paths).
		Bool("structural", batch.Structural).
		Msg("Change batch")

	if w.cfg.OnChange != nil {
		w.cfg.OnChange(batch)
	}
}

// addDirectories registers root and every non-ignored directory below it
func (w *Watcher) addDirectories(root string) error {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			log.Warn().Err(walkErr).Str("path", path).Msg("Skipping inaccessible path")
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(w.baseDir, path)
		if relErr != nil {
			return nil
		}
		if rel != "." && (w.isIgnored(rel) || w.isIgnored(rel+"/")) {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk directory tree: %w", err)
	}
	return nil
}

// maybeAddDir registers a directory created after startup, with its subtree
func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addDirectories(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to watch new directory")
	}
}

func (w *Watcher) isIgnored(rel string) bool {
	normalized := filepath.ToSlash(rel)
	for _, pat := range w.ignores {
		if doublestar.MatchUnvalidated(pat, normalized) {
			return true
		}
	}
	return false
}

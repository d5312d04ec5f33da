// Package watch reruns a build whenever files inside a project change.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/ngld/markbuild/pkg/layout"
)

// DefaultDelay is the quiet period after the last change before a rebuild.
const DefaultDelay = 300 * time.Millisecond

// BuildFunc runs one build. Its errors are logged; watching continues.
type BuildFunc func(ctx context.Context) error

// Watcher monitors a project tree using fsnotify. Directories whose name
// starts with a dot (including the build support directory) are ignored.
type Watcher struct {
	Root  string
	Delay time.Duration

	watcher *fsnotify.Watcher
}

// New creates a watcher for every directory below root.
func New(root string, delay time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "failed to create file watcher")
	}

	if delay <= 0 {
		delay = DefaultDelay
	}

	w := &Watcher{
		Root:    root,
		Delay:   delay,
		watcher: fw,
	}

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.Root, path)
	if err != nil {
		return true
	}
	if rel == "." {
		return false
	}

	support := layout.BuildSupportDir(w.Root)
	if path == support || strings.HasPrefix(path, support+string(filepath.Separator)) {
		return true
	}

	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Directories may vanish while we walk.
			if eris.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			return eris.Wrapf(err, "failed to watch %s", path)
		}
		return nil
	})
}

// Run builds once and then again after every burst of changes until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context, build BuildFunc) error {
	logger := zerolog.Ctx(ctx)

	rebuild := func() {
		if err := build(ctx); err != nil {
			logger.Error().Err(err).Msg("build failed")
			return
		}
		logger.Info().Msg("up to date, waiting for changes")
	}
	rebuild()

	timer := time.NewTimer(w.Delay)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						logger.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("change detected")
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.Delay)
			pending = true

		case <-timer.C:
			pending = false
			rebuild()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

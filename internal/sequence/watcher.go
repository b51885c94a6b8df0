/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sequence

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 250 * time.Millisecond

// Watcher refreshes a Catalog when sequence files change on disk and signals
// on Changed when the listing differs from the previous one.
type Watcher struct {
	catalog *Catalog
	dir     string
	logger  zerolog.Logger
	fsw     *fsnotify.Watcher
	changed chan struct{}
}

// NewWatcher watches dir and every directory below it.
func NewWatcher(catalog *Catalog, dir string, logger zerolog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sequence dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		catalog: catalog,
		dir:     dir,
		logger:  logger.With().Str("component", "sequence_watcher").Logger(),
		fsw:     fsw,
		changed: make(chan struct{}, 1),
	}
	if err := w.addTree(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Changed fires after a refresh that altered the catalog.
func (w *Watcher) Changed() <-chan struct{} {
	return w.changed
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch new directory")
					}
				}
			}
			if !isSequenceFile(event.Name) && event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				debounce.Reset(watchDebounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			w.refresh()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) refresh() {
	changed, err := w.catalog.Refresh()
	if err != nil {
		w.logger.Error().Err(err).Msg("sequence catalog refresh failed")
		return
	}
	if !changed {
		return
	}
	w.logger.Info().Int("sequences", len(w.catalog.Snapshot())).Msg("sequence catalog changed")
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

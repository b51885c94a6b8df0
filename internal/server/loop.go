/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/friendsincode/seqworker/internal/sequence"
	"github.com/friendsincode/seqworker/internal/telemetry"
)

// Run drives the main update loop until ctx is cancelled. Every mutation of
// the tracker, the worker and the player happens on this goroutine.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	var changed <-chan struct{}
	if s.watcher != nil {
		changed = s.watcher.Changed()
	}

	s.tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.tick(now)
		case <-changed:
			telemetry.CatalogSize.Set(float64(len(s.catalog.Snapshot())))
			s.tracker.BroadcastCatalog()
		case <-s.resets:
			s.reset()
		}
	}
}

// Reset clears the remembered active sequence and the heartbeat timers. It
// is applied by the main loop on its next iteration.
func (s *Server) Reset() {
	select {
	case s.resets <- struct{}{}:
	default:
	}
}

func (s *Server) reset() {
	s.logger.Debug().Msg("resetting worker state")
	s.tracker.Reset()
	if s.worker != nil {
		s.worker.Reset()
	}
}

func (s *Server) tick(now time.Time) {
	if s.worker != nil {
		s.worker.Update(now)
	}
	s.tracker.Tick()
}

// PlayOnce plays a single sequence and returns when it finishes. A zero
// timeout waits until the sequence ends on its own. It returns the recording
// location of the playback.
func (s *Server) PlayOnce(ctx context.Context, path string, timeout time.Duration) (string, error) {
	if s.cfg.RemoteWorker {
		return "", ErrOneShotConflict
	}

	resourcePath := s.resourcePath(path)
	seq, err := s.catalog.Load(resourcePath)
	if err != nil {
		return "", err
	}
	if err := s.player.Play(seq); err != nil {
		return "", err
	}
	log := s.logger.With().Str("resource_path", resourcePath).Logger()
	log.Info().Dur("timeout", timeout).Msg("one-shot playback started")

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		s.tick(time.Now())
		if sequence.CurrentActive(s.player) == nil {
			break
		}
		select {
		case <-ctx.Done():
			s.player.Stop()
			s.tick(time.Now())
			return s.player.SaveLocation(), fmt.Errorf("one-shot playback of %s: %w", resourcePath, ctx.Err())
		case <-ticker.C:
		}
	}

	if warning := s.player.LastWarning(); warning != "" {
		return s.player.SaveLocation(), fmt.Errorf("one-shot playback of %s: %s", resourcePath, warning)
	}
	log.Info().Str("save_location", s.player.SaveLocation()).Msg("one-shot playback finished")
	return s.player.SaveLocation(), nil
}

// resourcePath accepts a resource path or a file path inside the sequence
// directory.
func (s *Server) resourcePath(p string) string {
	if _, err := os.Stat(p); err == nil {
		absDir, errDir := filepath.Abs(s.cfg.SequenceDir)
		absFile, errFile := filepath.Abs(p)
		if errDir == nil && errFile == nil {
			if rel, err := filepath.Rel(absDir, absFile); err == nil && !strings.HasPrefix(rel, "..") {
				return sequence.ToResourcePath(rel)
			}
		}
	}
	return sequence.ToResourcePath(p)
}

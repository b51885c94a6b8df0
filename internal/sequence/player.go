/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sequence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimedPlayer plays a sequence by walking its steps against the wall clock.
// It stands in for the host application's bot controller and writes a JSON
// recording of each playback to RecordDir.
type TimedPlayer struct {
	RecordDir string

	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	seq       *Sequence
	state     PlayState
	started   time.Time
	warning   string
	location  string
	stepsDone []StepRecord
}

// StepRecord is one entry of a playback recording.
type StepRecord struct {
	Name     string    `json:"name"`
	Action   string    `json:"action,omitempty"`
	Finished time.Time `json:"finishedAt"`
}

// Recording is the file written when a playback ends.
type Recording struct {
	ResourcePath string       `json:"resourcePath"`
	Name         string       `json:"name"`
	StartedAt    time.Time    `json:"startedAt"`
	EndedAt      time.Time    `json:"endedAt"`
	Warning      string       `json:"warning,omitempty"`
	Steps        []StepRecord `json:"steps"`
}

// NewTimedPlayer creates a player. A nil now uses time.Now.
func NewTimedPlayer(recordDir string, now func() time.Time, logger zerolog.Logger) *TimedPlayer {
	if now == nil {
		now = time.Now
	}
	return &TimedPlayer{
		RecordDir: recordDir,
		now:       now,
		logger:    logger.With().Str("component", "player").Logger(),
	}
}

// Play loads seq and starts it at the current time.
func (p *TimedPlayer) Play(seq *Sequence) error {
	if seq == nil {
		return fmt.Errorf("play: nil sequence")
	}
	if err := seq.Validate(); err != nil {
		return fmt.Errorf("play %s: %w", seq.ResourcePath, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq = seq
	p.state = StatePlaying
	p.started = p.now()
	p.warning = ""
	p.stepsDone = nil
	p.location = p.recordPath(seq, p.started)

	p.logger.Info().
		Str("resource_path", seq.ResourcePath).
		Int("steps", len(seq.Steps)).
		Msg("sequence playback started")
	return nil
}

// Stop ends playback. It is a no-op when nothing is playing.
func (p *TimedPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.advance()
	if p.state != StatePlaying {
		return
	}
	p.finish(p.now(), "")
	p.logger.Info().Str("resource_path", p.seq.ResourcePath).Msg("sequence playback stopped")
}

// State reports the playback state after advancing the clock.
func (p *TimedPlayer) State() PlayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.state
}

// Current returns the loaded sequence while it is playing.
func (p *TimedPlayer) Current() *Sequence {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	if p.state != StatePlaying {
		return nil
	}
	return p.seq
}

func (p *TimedPlayer) LastWarning() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.warning
}

func (p *TimedPlayer) SaveLocation() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location
}

// advance moves through the steps whose time has elapsed. Callers hold mu.
func (p *TimedPlayer) advance() {
	if p.state != StatePlaying || p.seq == nil {
		return
	}

	now := p.now()
	at := p.started
	for i, step := range p.seq.Steps {
		wait, _ := step.Wait()
		at = at.Add(wait)
		if i < len(p.stepsDone) {
			continue
		}
		if now.Before(at) {
			return
		}
		p.stepsDone = append(p.stepsDone, StepRecord{Name: step.Name, Action: step.Action, Finished: at})
		if step.Warning != "" {
			p.finish(at, step.Warning)
			return
		}
	}
	p.finish(at, "")
}

// finish records the end of playback. Callers hold mu.
func (p *TimedPlayer) finish(at time.Time, warning string) {
	p.state = StateStopped
	p.warning = warning
	if warning != "" {
		p.logger.Warn().Str("resource_path", p.seq.ResourcePath).Str("warning", warning).Msg("sequence playback ended with warning")
	}
	if p.location == "" {
		return
	}

	rec := Recording{
		ResourcePath: p.seq.ResourcePath,
		Name:         p.seq.Name,
		StartedAt:    p.started,
		EndedAt:      at,
		Warning:      warning,
		Steps:        p.stepsDone,
	}
	if err := writeRecording(p.location, rec); err != nil {
		p.logger.Error().Err(err).Str("path", p.location).Msg("failed to write recording")
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (p *TimedPlayer) recordPath(seq *Sequence, started time.Time) string {
	if p.RecordDir == "" {
		return ""
	}
	name := unsafeName.ReplaceAllString(seq.ResourcePath, "_")
	return filepath.Join(p.RecordDir, fmt.Sprintf("%s_%d.json", name, started.Unix()))
}

func writeRecording(path string, rec Recording) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal recording: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

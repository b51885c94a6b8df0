/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sequence holds the sequence model and the interfaces of the
// playback collaborators the worker drives: the Player that runs a sequence
// against the host application, and the Resolver that finds sequence files.
package sequence

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a resource path does not resolve to a sequence file.
var ErrNotFound = errors.New("sequence not found")

// Info identifies a sequence by resource path. It is the catalog entry sent
// to dashboards and to the orchestrator.
type Info struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ResourcePath string `json:"resourcePath"`
}

// Active describes whatever is playing right now. Sequence is nil when
// segments are running outside of a named sequence.
type Active struct {
	Info
	Sequence *Sequence `json:"-"`
}

// Same reports whether a and b refer to the same resource path. Two nil
// values are the same; nil and non-nil are not.
func Same(a, b *Active) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ResourcePath == b.ResourcePath
}

// Step is one timed action of a sequence.
type Step struct {
	Name     string `json:"name" yaml:"name"`
	Action   string `json:"action,omitempty" yaml:"action,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	// Warning makes playback end at this step with the given warning.
	Warning string `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// Wait returns the parsed step duration, zero when unset.
func (s Step) Wait() (time.Duration, error) {
	if s.Duration == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Duration)
	if err != nil {
		return 0, fmt.Errorf("step %q: parse duration: %w", s.Name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("step %q: negative duration %s", s.Name, s.Duration)
	}
	return d, nil
}

// Sequence is a named, ordered script of steps loaded from a file.
type Sequence struct {
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description" yaml:"description"`
	Steps        []Step `json:"steps" yaml:"steps"`
	ResourcePath string `json:"-" yaml:"-"`
}

// Info returns the catalog entry for the sequence.
func (s *Sequence) Info() Info {
	return Info{Name: s.Name, Description: s.Description, ResourcePath: s.ResourcePath}
}

// Validate checks the sequence is playable.
func (s *Sequence) Validate() error {
	if s.Name == "" {
		return errors.New("sequence name is required")
	}
	for _, step := range s.Steps {
		if _, err := step.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// PlayState is the state reported by a Player.
type PlayState int

const (
	StateNotLoaded PlayState = iota
	StateStarting
	StatePlaying
	StatePaused
	StateStopped
)

func (s PlayState) String() string {
	switch s {
	case StateNotLoaded:
		return "not_loaded"
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("play_state(%d)", int(s))
	}
}

// Player runs sequences against the host application. Implementations are
// driven from the main update loop only.
type Player interface {
	Play(seq *Sequence) error
	Stop()
	State() PlayState
	// Current returns the loaded sequence, nil when nothing is loaded or
	// segments are playing outside of a sequence.
	Current() *Sequence
	// LastWarning returns the warning recorded when playback ended, empty if none.
	LastWarning() string
	// SaveLocation returns the path of the recording of the last playback.
	SaveLocation() string
}

// Resolver enumerates and loads sequence files.
type Resolver interface {
	List() ([]Info, error)
	Load(resourcePath string) (*Sequence, error)
}

const (
	outsideSequenceName        = "Segments are active outside of a sequence"
	outsideSequenceDescription = "Segments are active outside of a sequence. This happens when individual segments are being tested, or when a replay is running from a recording."
)

// CurrentActive derives the active sequence from the player state.
func CurrentActive(p Player) *Active {
	if p == nil {
		return nil
	}
	switch p.State() {
	case StateStarting, StatePlaying, StatePaused:
	default:
		return nil
	}
	if seq := p.Current(); seq != nil {
		return &Active{Info: seq.Info(), Sequence: seq}
	}
	return &Active{Info: Info{
		Name:        outsideSequenceName,
		Description: outsideSequenceDescription,
	}}
}

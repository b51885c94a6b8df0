/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/friendsincode/seqworker/internal/sequence"
)

// Status is the lifecycle status of a work assignment.
type Status string

const (
	StatusWaitingToStart  Status = "WAITING_TO_START"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCancelled       Status = "CANCELLED"
	StatusCompleteSuccess Status = "COMPLETE_SUCCESS"
	StatusCompleteTimeout Status = "COMPLETE_TIMEOUT"
	StatusCompleteError   Status = "COMPLETE_ERROR"
	StatusConflict        Status = "CONFLICT"
	// StatusOffline is only ever set by the orchestrator.
	StatusOffline Status = "OFFLINE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaitingToStart, StatusInProgress, StatusCancelled, StatusCompleteSuccess,
		StatusCompleteTimeout, StatusCompleteError, StatusConflict, StatusOffline:
		return true
	}
	return false
}

// Complete reports whether s is one of the COMPLETE_* statuses.
func (s Status) Complete() bool {
	return s == StatusCompleteSuccess || s == StatusCompleteTimeout || s == StatusCompleteError
}

// Finished reports whether playback for an assignment in status s is over.
func (s Status) Finished() bool {
	return s.Complete() || s == StatusCancelled
}

// Loader loads the sequence named by an assignment.
type Loader interface {
	Load(resourcePath string) (*sequence.Sequence, error)
}

// Assignment is a unit of remotely scheduled playback. Only the main loop
// touches an Assignment.
type Assignment struct {
	ID           int64
	ResourcePath string
	// StartTime is when playback may begin; zero means immediately.
	StartTime time.Time
	// Timeout bounds playback; zero means no limit.
	Timeout time.Duration
	Status  Status
	Details Details

	seq       *sequence.Sequence
	startedAt time.Time
	endedAt   time.Time
}

type assignmentWire struct {
	ID           int64   `json:"id"`
	ResourcePath string  `json:"resourcePath"`
	StartTime    *string `json:"startTime"`
	Timeout      *int    `json:"timeout"`
	Status       *Status `json:"status"`
}

// UnmarshalJSON reads an assignment sent by the orchestrator. An unparsable
// startTime means start immediately.
func (a *Assignment) UnmarshalJSON(data []byte) error {
	var w assignmentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*a = Assignment{ID: w.ID, ResourcePath: w.ResourcePath}
	if w.StartTime != nil {
		if t, err := time.Parse(time.RFC3339Nano, *w.StartTime); err == nil {
			a.StartTime = t
		}
	}
	if w.Timeout != nil && *w.Timeout > 0 {
		a.Timeout = time.Duration(*w.Timeout) * time.Second
	}
	if w.Status != nil {
		if !w.Status.Valid() {
			return fmt.Errorf("unknown work assignment status %q", *w.Status)
		}
		a.Status = *w.Status
	}
	return nil
}

// Report snapshots the fields sent in a heartbeat.
func (a *Assignment) Report() *Report {
	if a == nil {
		return nil
	}
	return &Report{ID: a.ID, Status: a.Status, Details: a.Details}
}

// StartedAt returns when playback began, zero if it never did.
func (a *Assignment) StartedAt() time.Time { return a.startedAt }

// EndedAt returns when the assignment reached a finished status.
func (a *Assignment) EndedAt() time.Time { return a.endedAt }

// Update advances the assignment by one tick.
func (a *Assignment) Update(now time.Time, player sequence.Player, loader Loader) {
	if a.Status == StatusInProgress {
		a.checkProgress(now, player)
	}
	if a.Status == StatusWaitingToStart && now.After(a.StartTime) {
		a.start(now, player, loader)
	}
}

func (a *Assignment) checkProgress(now time.Time, player sequence.Player) {
	if a.Timeout > 0 && now.Sub(a.startedAt) > a.Timeout {
		a.finish(now, StatusCompleteTimeout, nil, player)
		return
	}

	active := sequence.CurrentActive(player)
	switch {
	case active == nil:
		if warning := player.LastWarning(); warning != "" {
			a.finish(now, StatusCompleteError, errorDetails(warning), player)
			return
		}
		a.finish(now, StatusCompleteSuccess, nil, player)
	case active.ResourcePath != a.ResourcePath:
		// another sequence took over, so this one ended unobserved
		a.finish(now, StatusCompleteSuccess, nil, player)
	}
}

func (a *Assignment) start(now time.Time, player sequence.Player, loader Loader) {
	a.ResourcePath = sequence.ToResourcePath(a.ResourcePath)

	seq, err := loader.Load(a.ResourcePath)
	if err != nil {
		a.finish(now, StatusCompleteError, errorDetails(fmt.Sprintf("Failed to load sequence from path: %s, error: %v", a.ResourcePath, err)), player)
		return
	}
	if err := player.Play(seq); err != nil {
		a.finish(now, StatusCompleteError, errorDetails(fmt.Sprintf("Failed to start sequence from path: %s, error: %v", a.ResourcePath, err)), player)
		return
	}

	a.seq = seq
	a.startedAt = now
	a.Status = StatusInProgress
}

func (a *Assignment) finish(now time.Time, status Status, details Details, player sequence.Player) {
	a.Status = status
	a.Details = details
	a.endedAt = now
	a.Stop(player)
}

// Stop halts playback started by this assignment. Stopping twice is a no-op.
func (a *Assignment) Stop(player sequence.Player) {
	if a.seq != nil {
		player.Stop()
	}
	a.seq = nil
}

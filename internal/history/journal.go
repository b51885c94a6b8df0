/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package history keeps a journal of finished work assignments and ships
// their recordings to artifact storage.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/seqworker/internal/models"
	"github.com/friendsincode/seqworker/internal/orchestrator"
	"github.com/friendsincode/seqworker/internal/storage"
	"github.com/friendsincode/seqworker/internal/telemetry"
)

const queueSize = 64

// Journal records assignment outcomes. Record never blocks the caller:
// persistence and uploads run on the journal's own goroutine.
type Journal struct {
	db         *gorm.DB
	store      storage.ObjectStore
	clientGUID string
	logger     zerolog.Logger

	queue chan orchestrator.Outcome
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewJournal starts a journal. db and store may each be nil to skip
// persistence or uploads.
func NewJournal(db *gorm.DB, store storage.ObjectStore, clientGUID string, logger zerolog.Logger) *Journal {
	j := &Journal{
		db:         db,
		store:      store,
		clientGUID: clientGUID,
		logger:     logger.With().Str("component", "history").Logger(),
		queue:      make(chan orchestrator.Outcome, queueSize),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// Record queues an outcome. A full queue drops it.
func (j *Journal) Record(o orchestrator.Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- o:
	default:
		telemetry.JournalDroppedTotal.Inc()
		j.logger.Warn().Int64("assignment_id", o.AssignmentID).Msg("journal queue full, dropping outcome")
	}
}

// Close drains queued outcomes and stops the journal.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	j.wg.Wait()
}

// Recent returns the newest outcomes, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]models.AssignmentOutcome, error) {
	if j.db == nil {
		return []models.AssignmentOutcome{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []models.AssignmentOutcome
	err := j.db.WithContext(ctx).
		Where("client_guid = ?", j.clientGUID).
		Order("ended_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	return rows, nil
}

func (j *Journal) run() {
	defer j.wg.Done()
	for o := range j.queue {
		j.handle(o)
	}
}

func (j *Journal) handle(o orchestrator.Outcome) {
	log := j.logger.With().Int64("assignment_id", o.AssignmentID).Str("status", string(o.Status)).Logger()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	row := models.AssignmentOutcome{
		ClientGUID:   j.clientGUID,
		ClientID:     o.ClientID,
		AssignmentID: o.AssignmentID,
		ResourcePath: o.ResourcePath,
		Status:       string(o.Status),
		EndedAt:      o.EndedAt.UTC(),
		SaveLocation: o.SaveLocation,
	}
	if !o.StartedAt.IsZero() {
		started := o.StartedAt.UTC()
		row.StartedAt = &started
	}
	if len(o.Details) > 0 {
		if data, err := json.Marshal(o.Details); err == nil {
			row.Details = string(data)
		}
	}

	if j.store != nil && o.SaveLocation != "" {
		key := storage.ArtifactKey(j.clientGUID, o.AssignmentID, o.SaveLocation, o.EndedAt)
		if err := storage.UploadFile(ctx, j.store, key, o.SaveLocation); err != nil {
			telemetry.ArtifactUploadsTotal.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("save_location", o.SaveLocation).Msg("recording upload failed")
		} else {
			telemetry.ArtifactUploadsTotal.WithLabelValues("ok").Inc()
			row.ArtifactKey = key
			row.ArtifactURL = j.store.URL(key)
			log.Info().Str("key", key).Msg("recording uploaded")
		}
	}

	if j.db == nil {
		return
	}
	err := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		log.Error().Err(err).Msg("failed to journal assignment outcome")
		return
	}
	log.Debug().Msg("assignment outcome journaled")
}

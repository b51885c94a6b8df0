/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models holds the gorm models of the assignment journal.
package models

import "time"

// AssignmentOutcome is one finished work assignment.
type AssignmentOutcome struct {
	ID           uint   `gorm:"primaryKey"`
	ClientGUID   string `gorm:"type:varchar(36);uniqueIndex:idx_outcome_client_assignment"`
	ClientID     int64  `gorm:"index"`
	AssignmentID int64  `gorm:"uniqueIndex:idx_outcome_client_assignment"`
	ResourcePath string `gorm:"type:varchar(512);index"`
	Status       string `gorm:"type:varchar(32);index"`
	Details      string `gorm:"type:text"` // JSON object
	StartedAt    *time.Time
	EndedAt      time.Time `gorm:"index"`
	SaveLocation string    `gorm:"type:varchar(1024)"`
	ArtifactKey  string    `gorm:"type:varchar(1024)"`
	ArtifactURL  string    `gorm:"type:varchar(2048)"`
	CreatedAt    time.Time
}

// TableName pins the table name across dialects.
func (AssignmentOutcome) TableName() string { return "assignment_outcomes" }

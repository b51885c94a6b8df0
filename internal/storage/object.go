/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage uploads recording artifacts of finished assignments.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ObjectStore abstracts object storage operations.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	// URL returns where a stored key can be fetched from.
	URL(key string) string
	CheckAccess(ctx context.Context) error
}

// ArtifactKey builds the object key of a recording:
// <client guid>/<yyyy>/<mm>/<dd>/<assignment id>-<file name>.
func ArtifactKey(clientGUID string, assignmentID int64, localPath string, endedAt time.Time) string {
	endedAt = endedAt.UTC()
	return path.Join(
		clientGUID,
		endedAt.Format("2006"),
		endedAt.Format("01"),
		endedAt.Format("02"),
		fmt.Sprintf("%d-%s", assignmentID, filepath.Base(localPath)),
	)
}

// UploadFile copies the file at localPath into store under key.
func UploadFile(ctx context.Context, store ObjectStore, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("artifact %s is a directory", localPath)
	}
	return store.Put(ctx, key, f, info.Size())
}

func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("empty object key")
	}
	return key, nil
}

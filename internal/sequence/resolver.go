/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var fileExtensions = []string{".yaml", ".yml", ".json"}

// FileResolver resolves sequences stored as YAML or JSON files below Root.
// Resource paths are slash separated, relative to Root, without extension.
type FileResolver struct {
	Root string
}

// NewFileResolver creates a resolver rooted at dir.
func NewFileResolver(dir string) *FileResolver {
	return &FileResolver{Root: dir}
}

// ToResourcePath normalises a file name or resource path.
func ToResourcePath(p string) string {
	p = filepath.ToSlash(strings.TrimSpace(p))
	p = strings.TrimPrefix(p, "./")
	for _, ext := range fileExtensions {
		if strings.HasSuffix(strings.ToLower(p), ext) {
			return strings.TrimSuffix(p, p[len(p)-len(ext):])
		}
	}
	return p
}

// List walks Root and returns every sequence that parses, sorted by resource path.
func (r *FileResolver) List() ([]Info, error) {
	var infos []Info
	err := filepath.WalkDir(r.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == r.Root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !isSequenceFile(p) {
			return nil
		}
		rel, err := filepath.Rel(r.Root, p)
		if err != nil {
			return err
		}
		seq, err := r.Load(rel)
		if err != nil {
			// unreadable files stay out of the catalog
			return nil
		}
		infos = append(infos, seq.Info())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sequences: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ResourcePath < infos[j].ResourcePath })
	return infos, nil
}

// Load reads the sequence at resourcePath.
func (r *FileResolver) Load(resourcePath string) (*Sequence, error) {
	rp := ToResourcePath(resourcePath)
	if rp == "" || strings.HasPrefix(path.Clean(rp), "..") || path.IsAbs(rp) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, resourcePath)
	}

	for _, ext := range fileExtensions {
		file := filepath.Join(r.Root, filepath.FromSlash(rp)+ext)
		data, err := os.ReadFile(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read sequence %s: %w", rp, err)
		}
		seq, err := parse(data, ext)
		if err != nil {
			return nil, fmt.Errorf("parse sequence %s: %w", rp, err)
		}
		seq.ResourcePath = rp
		if err := seq.Validate(); err != nil {
			return nil, fmt.Errorf("invalid sequence %s: %w", rp, err)
		}
		return seq, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, resourcePath)
}

func parse(data []byte, ext string) (*Sequence, error) {
	var seq Sequence
	if ext == ".json" {
		if err := json.Unmarshal(data, &seq); err != nil {
			return nil, err
		}
		return &seq, nil
	}
	if err := yaml.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	return &seq, nil
}

func isSequenceFile(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	for _, candidate := range fileExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

// Catalog caches the resolver listing so readers never touch the filesystem.
type Catalog struct {
	resolver Resolver

	mu    sync.RWMutex
	infos []Info
}

// NewCatalog creates an empty catalog over resolver.
func NewCatalog(resolver Resolver) *Catalog {
	return &Catalog{resolver: resolver}
}

// Refresh re-lists the resolver. It reports whether the catalog changed.
func (c *Catalog) Refresh() (bool, error) {
	infos, err := c.resolver.List()
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := !equalInfos(c.infos, infos)
	c.infos = infos
	return changed, nil
}

// Snapshot returns a copy of the catalog entries.
func (c *Catalog) Snapshot() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Info(nil), c.infos...)
}

// Load delegates to the resolver.
func (c *Catalog) Load(resourcePath string) (*Sequence, error) {
	return c.resolver.Load(resourcePath)
}

func equalInfos(a, b []Info) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

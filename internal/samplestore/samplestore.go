// Package samplestore manages the content-addressed sample file tree:
// {data_dir}/samples/{sample_uuid}, one file per sample.
package samplestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store is a flat, content-addressed directory of sample files.
type Store struct {
	dir string
}

// Open ensures {dataDir}/samples exists and returns a Store rooted there.
func Open(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "samples")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("samplestore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the on-disk path for sampleUUID, whether or not it exists.
func (s *Store) Path(sampleUUID string) string {
	return filepath.Join(s.dir, sampleUUID)
}

// CreateTemp opens a new temporary file inside the samples directory, so
// that Commit below can use an atomic same-filesystem os.Rename. The
// ingress path streams the upload body here while hashing it in the same
// pass, then commits it to its content-addressed name.
func (s *Store) CreateTemp() (*os.File, error) {
	f, err := os.CreateTemp(s.dir, "incoming-*")
	if err != nil {
		return nil, fmt.Errorf("samplestore: create temp: %w", err)
	}
	return f, nil
}

// Commit renames tmpPath (as returned by CreateTemp) to the final
// content-addressed path for sampleUUID, overwriting any existing file.
func (s *Store) Commit(tmpPath, sampleUUID string) error {
	if err := os.Rename(tmpPath, s.Path(sampleUUID)); err != nil {
		return fmt.Errorf("samplestore: commit %s: %w", sampleUUID, err)
	}
	return nil
}

// Package artifactstore manages the per-analysis artifact directory:
// {data_dir}/analyses/{analysis_uuid}/, containing metadata.json,
// sandbox.json, sandbox.stdout/stderr, and the executor's analysis/
// sub-directory.
package artifactstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store is the root of the analyses/ directory tree.
type Store struct {
	dir string
}

// Open ensures {dataDir}/analyses exists and returns a Store rooted there.
func Open(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "analyses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifactstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root artifact directory for analysisUUID.
func (s *Store) Dir(analysisUUID string) string {
	return filepath.Join(s.dir, analysisUUID)
}

// MetadataJSON returns the path to metadata.json.
func (s *Store) MetadataJSON(analysisUUID string) string {
	return filepath.Join(s.Dir(analysisUUID), "metadata.json")
}

// SandboxJSON returns the path to sandbox.json.
func (s *Store) SandboxJSON(analysisUUID string) string {
	return filepath.Join(s.Dir(analysisUUID), "sandbox.json")
}

// Stdout returns the path to sandbox.stdout.
func (s *Store) Stdout(analysisUUID string) string {
	return filepath.Join(s.Dir(analysisUUID), "sandbox.stdout")
}

// Stderr returns the path to sandbox.stderr.
func (s *Store) Stderr(analysisUUID string) string {
	return filepath.Join(s.Dir(analysisUUID), "sandbox.stderr")
}

// AnalysisDir returns the executor's own output directory, populated by the
// executor subprocess (dump.pcap, kunai.jsonl.gz, graph.svg,
// misp-event.json).
func (s *Store) AnalysisDir(analysisUUID string) string {
	return filepath.Join(s.Dir(analysisUUID), "analysis")
}

// PcapFile returns the path to dump.pcap.
func (s *Store) PcapFile(analysisUUID string) string {
	return filepath.Join(s.AnalysisDir(analysisUUID), "dump.pcap")
}

// LogFile returns the path to kunai.jsonl.gz.
func (s *Store) LogFile(analysisUUID string) string {
	return filepath.Join(s.AnalysisDir(analysisUUID), "kunai.jsonl.gz")
}

// GraphFile returns the path to graph.svg.
func (s *Store) GraphFile(analysisUUID string) string {
	return filepath.Join(s.AnalysisDir(analysisUUID), "graph.svg")
}

// MISPEventFile returns the path to misp-event.json.
func (s *Store) MISPEventFile(analysisUUID string) string {
	return filepath.Join(s.AnalysisDir(analysisUUID), "misp-event.json")
}

// Create creates the full directory tree for analysisUUID, including the
// executor's analysis/ sub-directory, ready for the scheduler to write into
// (§4.6a step 1).
func (s *Store) Create(analysisUUID string) error {
	if err := os.MkdirAll(s.AnalysisDir(analysisUUID), 0o755); err != nil {
		return fmt.Errorf("artifactstore: mkdir %s: %w", s.AnalysisDir(analysisUUID), err)
	}
	return nil
}

// Package orchestrator is the core: submission ingress, the admission
// controller, the scheduler loop, the per-analysis state machine, and the
// re-run policy. It is the single owner of the in-memory running set and
// the database handle, held behind one mutex (§5, §9).
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kunai-project/orchestrator/internal/artifactstore"
	"github.com/kunai-project/orchestrator/internal/config"
	"github.com/kunai-project/orchestrator/internal/hasher"
	"github.com/kunai-project/orchestrator/internal/idgen"
	"github.com/kunai-project/orchestrator/internal/samplestore"
	"github.com/kunai-project/orchestrator/internal/sandbox"
	"github.com/kunai-project/orchestrator/internal/store"
)

// ErrNotFound is returned for operations referencing an unknown analysis.
var ErrNotFound = errors.New("orchestrator: not found")

// schedulerTick is the scheduler loop cadence (§4.6).
const schedulerTick = 500 * time.Millisecond

// Orchestrator owns the running set, the store, and the supporting file
// stores. All of it lives behind mu.
type Orchestrator struct {
	mu sync.Mutex

	cfg       config.Config
	store     *store.Store
	samples   *samplestore.Store
	artifacts *artifactstore.Store
	catalog   *sandbox.Catalog
	logger    *slog.Logger
	newID     idgen.Generator

	running map[string]*runningJob
}

// runningJob is the running-set entry: the channel the scheduler loop polls
// for the per-job goroutine's outcome. It holds no handle on the executor
// subprocess itself, so the orchestrator cannot signal or kill it. This
// is derived state — it is never treated as authoritative on anything
// except "is analysis_uuid currently attached to a subprocess" (§3, §9).
type runningJob struct {
	done chan jobOutcome
}

type jobOutcome struct {
	status string // store.StatusTerminated or store.StatusFailed
	err    error
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithIDGenerator overrides the default UUIDv7 generator (tests use this
// for deterministic identifiers).
func WithIDGenerator(gen idgen.Generator) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New constructs an Orchestrator. No recovery pass is needed at startup:
// the running set starts empty, so any row left "queued" by a prior
// process (which covers what was "running" before a crash, §4.5) is
// naturally eligible for re-admission the first time the scheduler loop
// ticks (§4.9).
func New(cfg config.Config, st *store.Store, samples *samplestore.Store, artifacts *artifactstore.Store, catalog *sandbox.Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		samples:   samples,
		artifacts: artifacts,
		catalog:   catalog,
		logger:    slog.Default(),
		newID:     idgen.Default,
		running:   make(map[string]*runningJob),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IngestResult reports the outcome of a submission.
type IngestResult struct {
	SampleUUID   string
	AnalysisUUID string
	SampleNew    bool
	Status       string
}

// Ingest implements the submission ingress algorithm (§4.4): hash, dedupe,
// persist, and enqueue. body is streamed exactly once.
func (o *Orchestrator) Ingest(body io.Reader, sandboxName string, submissionName *string, srcIP string) (IngestResult, error) {
	tmp, err := o.samples.CreateTemp()
	if err != nil {
		return IngestResult{}, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once Commit has renamed it away

	// Step 1: the cheap dedup-lookup pass, SHA-512 only (§4.1, §4.4 step 1).
	sha512sum, err := hasher.HashSHA512(io.TeeReader(body, tmp))
	closeErr := tmp.Close()
	if err != nil {
		return IngestResult{}, fmt.Errorf("orchestrator: hash upload: %w", err)
	}
	if closeErr != nil {
		return IngestResult{}, fmt.Errorf("orchestrator: close upload: %w", closeErr)
	}
	fi, err := os.Stat(tmpPath)
	if err != nil {
		return IngestResult{}, fmt.Errorf("orchestrator: stat upload: %w", err)
	}
	size := uint64(fi.Size())

	o.mu.Lock()
	defer o.mu.Unlock()

	sampleUUID, sampleNew, err := o.resolveSample(sha512sum, tmpPath)
	if err != nil {
		return IngestResult{}, err
	}

	// Step 5: commit the body to its content-addressed path. Overwrite is
	// permitted and idempotent (§4.2).
	if err := o.samples.Commit(tmpPath, sampleUUID); err != nil {
		return IngestResult{}, err
	}

	descriptor := o.catalog.Resolve(sandboxName)
	analysisUUID := o.newID()
	status, err := o.decideStatusLocked()
	if err != nil {
		return IngestResult{}, err
	}

	if err := o.store.InsertAnalysis(store.Analysis{
		UUID:           analysisUUID,
		SampleUUID:     sampleUUID,
		SandboxName:    descriptor.Name,
		SubmissionName: submissionName,
		Date:           time.Now().UTC(),
		SrcIP:          srcIP,
		Status:         status,
	}); err != nil {
		return IngestResult{}, fmt.Errorf("orchestrator: insert analysis: %w", err)
	}

	o.logger.Info("analysis submitted", "analysis_uuid", analysisUUID, "sample_uuid", sampleUUID,
		"sample_new", sampleNew, "status", status, "size", humanize.Bytes(size))

	return IngestResult{
		SampleUUID:   sampleUUID,
		AnalysisUUID: analysisUUID,
		SampleNew:    sampleNew,
		Status:       status,
	}, nil
}

// resolveSample implements §4.4 steps 2, 6, and 7: look up by the
// already-computed SHA-512, and only for a genuinely new sample, reopen the
// temp file to compute the remaining three digests (step 6) before
// inserting. On a UNIQUE-constraint race, fall back to the winner's
// sample_uuid. Caller must hold o.mu.
func (o *Orchestrator) resolveSample(sha512sum, tmpPath string) (sampleUUID string, isNew bool, err error) {
	existing, err := o.store.GetSampleBySHA512(sha512sum)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.UUID, false, nil
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return "", false, fmt.Errorf("orchestrator: reopen upload: %w", err)
	}
	sums, err := hasher.HashAll(f)
	f.Close()
	if err != nil {
		return "", false, err
	}

	sampleUUID = o.newID()
	sm := store.Sample{UUID: sampleUUID, MD5: sums.MD5, SHA1: sums.SHA1, SHA256: sums.SHA256, SHA512: sums.SHA512}
	if err := o.store.InsertSample(sm); err != nil {
		if errors.Is(err, store.ErrConflict) {
			winner, lookupErr := o.store.GetSampleBySHA512(sha512sum)
			if lookupErr != nil {
				return "", false, lookupErr
			}
			if winner == nil {
				return "", false, fmt.Errorf("orchestrator: lost UNIQUE race but winner not found")
			}
			return winner.UUID, false, nil
		}
		return "", false, err
	}
	return sampleUUID, true, nil
}

// decideStatusLocked implements the admission rule (§4.5): queued if the
// current queued count is strictly below max_queue, else unqueued. Caller
// must hold o.mu; the count is still taken without serializable isolation
// relative to other processes, which is the accepted overshoot in §9.
func (o *Orchestrator) decideStatusLocked() (string, error) {
	n, err := o.store.CountQueued()
	if err != nil {
		return "", err
	}
	if n < o.cfg.MaxQueue {
		return store.StatusQueued, nil
	}
	return store.StatusUnqueued, nil
}

// Status implements the status query (§4.7): the running set overrides the
// store.
func (o *Orchestrator) Status(analysisUUID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.running[analysisUUID]; ok {
		return "running", nil
	}
	a, err := o.store.GetAnalysis(analysisUUID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return a.Status, nil
}

// Get returns the stored analysis row, regardless of running-set
// membership — used by façade handlers that need the full row (sandbox
// name, sample uuid) rather than just the status string.
func (o *Orchestrator) Get(analysisUUID string) (store.Analysis, error) {
	a, err := o.store.GetAnalysis(analysisUUID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Analysis{}, ErrNotFound
	}
	if err != nil {
		return store.Analysis{}, err
	}
	return *a, nil
}

// Search exposes the store's search, clamping limit/offset per the
// search parameter rules in §6.
func (o *Orchestrator) Search(limit, offset int, hash, status string) ([]store.Analysis, error) {
	if limit <= 0 {
		limit = 25
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return o.store.Search(store.SearchParams{Limit: limit, Offset: offset, Hash: hash, Status: status})
}

// Catalog exposes the loaded sandbox catalog to the façade.
func (o *Orchestrator) Catalog() *sandbox.Catalog { return o.catalog }

// Artifacts exposes the artifact path helper to the façade.
func (o *Orchestrator) Artifacts() *artifactstore.Store { return o.artifacts }

// Rerun implements the re-run policy (§4.8). sandboxOverride may be empty,
// meaning "keep the existing sandbox."
func (o *Orchestrator) Rerun(analysisUUID, sandboxOverride string) (newUUID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, err := o.store.GetAnalysis(analysisUUID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	sandboxName := a.SandboxName
	if sandboxOverride != "" {
		sandboxName = sandboxOverride
	}
	descriptor := o.catalog.Resolve(sandboxName)

	status, err := o.decideStatusLocked()
	if err != nil {
		return "", err
	}

	switch a.Status {
	case store.StatusUnqueued, store.StatusFailed:
		a.SandboxName = descriptor.Name
		a.Status = status
		a.Date = time.Now().UTC()
		if err := o.store.UpdateAnalysis(*a); err != nil {
			return "", err
		}
		o.logger.Info("analysis rerun in place", "analysis_uuid", a.UUID, "status", status)
		return a.UUID, nil

	default: // queued, terminated (running is never the stored value)
		newUUID = o.newID()
		if err := o.store.InsertAnalysis(store.Analysis{
			UUID:           newUUID,
			SampleUUID:     a.SampleUUID,
			SandboxName:    descriptor.Name,
			SubmissionName: a.SubmissionName,
			Date:           time.Now().UTC(),
			SrcIP:          a.SrcIP,
			Status:         status,
		}); err != nil {
			return "", err
		}
		o.logger.Info("analysis rerun as new", "old_analysis_uuid", a.UUID, "new_analysis_uuid", newUUID, "status", status)
		return newUUID, nil
	}
}

// Run starts the scheduler loop and blocks until ctx is canceled. A process
// shutdown leaves in-flight executor subprocesses running ungracefully;
// their rows remain "queued" and are re-admitted on next start (§4.9, §5
// cancellation).
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

// tick performs one scheduler iteration: admit one, then reap finished
// (§4.6). Both run under o.mu; the mutex is released before returning, and
// is never held across subprocess I/O (§5).
func (o *Orchestrator) tick() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.admitOneLocked()
	o.reapFinishedLocked()
}

// Tick runs one scheduler iteration synchronously, without waiting for the
// next ticker interval. Exported for tests that need deterministic control
// over scheduling instead of sleeping past schedulerTick.
func (o *Orchestrator) Tick() { o.tick() }

// admitOneLocked implements §4.6(a). At most one admission per tick.
func (o *Orchestrator) admitOneLocked() {
	if len(o.running) >= o.cfg.MaxRunning {
		return
	}

	candidates, err := o.store.QueuedNewestFirst()
	if err != nil {
		o.logger.Error("admission query failed", "error", err)
		return
	}

	var next *store.Analysis
	for i := range candidates {
		if _, busy := o.running[candidates[i].UUID]; !busy {
			next = &candidates[i]
			break
		}
	}
	if next == nil {
		return
	}

	if err := o.artifacts.Create(next.UUID); err != nil {
		o.logger.Error("admission: create artifact dir failed", "analysis_uuid", next.UUID, "error", err)
		return
	}
	stdout, err := os.Create(o.artifacts.Stdout(next.UUID))
	if err != nil {
		o.logger.Error("admission: open stdout failed", "analysis_uuid", next.UUID, "error", err)
		return
	}
	stderr, err := os.Create(o.artifacts.Stderr(next.UUID))
	if err != nil {
		stdout.Close()
		o.logger.Error("admission: open stderr failed", "analysis_uuid", next.UUID, "error", err)
		return
	}

	descriptor := o.catalog.Resolve(next.SandboxName)
	job := &runningJob{done: make(chan jobOutcome, 1)}
	o.running[next.UUID] = job

	analysis := *next
	go o.runJob(analysis, descriptor, stdout, stderr, job.done)

	o.logger.Info("analysis admitted", "analysis_uuid", next.UUID, "sandbox", descriptor.Name)
}

// reapFinishedLocked implements §4.6(b): for every finished per-job
// goroutine, write its terminal status and drop it from the running set.
func (o *Orchestrator) reapFinishedLocked() {
	for uuid, job := range o.running {
		select {
		case outcome := <-job.done:
			if err := o.store.UpdateAnalysisStatus(uuid, outcome.status, time.Now().UTC()); err != nil {
				o.logger.Error("reap: status update failed", "analysis_uuid", uuid, "error", err)
			}
			delete(o.running, uuid)
			if outcome.err != nil {
				o.logger.Warn("analysis failed", "analysis_uuid", uuid, "error", outcome.err)
			} else {
				o.logger.Info("analysis terminated", "analysis_uuid", uuid)
			}
		default:
			// still running
		}
	}
}

// runJob is the per-job goroutine body (§4.6a step 3): recompute metadata,
// write metadata.json and sandbox.json, spawn the executor, and report the
// terminal outcome on done. It runs unguarded by o.mu after being spawned —
// the mutex is never held across subprocess I/O (§5).
func (o *Orchestrator) runJob(a store.Analysis, descriptor sandbox.Descriptor, stdout, stderr *os.File, done chan<- jobOutcome) {
	defer stdout.Close()
	defer stderr.Close()

	outcome := o.runJobBody(a, descriptor, stdout, stderr)
	done <- outcome
}

func (o *Orchestrator) runJobBody(a store.Analysis, descriptor sandbox.Descriptor, stdout, stderr *os.File) jobOutcome {
	samplePath := o.samples.Path(a.SampleUUID)

	meta, err := hasher.FromFile(samplePath, a.SubmissionName)
	if err != nil {
		return jobOutcome{status: store.StatusFailed, err: fmt.Errorf("recompute metadata: %w", err)}
	}
	meta = meta.Stamp()
	if err := meta.WriteJSON(o.artifacts.MetadataJSON(a.UUID)); err != nil {
		return jobOutcome{status: store.StatusFailed, err: err}
	}

	if err := writeSandboxJSON(descriptor, o.artifacts.SandboxJSON(a.UUID)); err != nil {
		return jobOutcome{status: store.StatusFailed, err: err}
	}

	argv := buildExecutorArgv(descriptor.ConfigPath, o.artifacts.AnalysisDir(a.UUID), samplePath)
	cmd := exec.Command(o.cfg.KunaiSandboxExe, argv...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return jobOutcome{status: store.StatusFailed, err: fmt.Errorf("spawn executor: %w", err)}
	}

	// A dedicated goroutine blocks in cmd.Wait(); this per-job goroutine
	// waits for its result without holding o.mu, and the scheduler loop
	// only polls done non-blockingly. This takes the place of the reference
	// implementation's 100ms non-blocking poll (§5).
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()
	waitErr := <-waitDone

	if waitErr != nil {
		return jobOutcome{
			status: store.StatusFailed,
			err:    fmt.Errorf("executor exited non-zero, see %s: %w", o.artifacts.Stderr(a.UUID), waitErr),
		}
	}
	return jobOutcome{status: store.StatusTerminated}
}

func writeSandboxJSON(d sandbox.Descriptor, path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal sandbox descriptor: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("orchestrator: write %s: %w", path, err)
	}
	return nil
}

// buildExecutorArgv builds the argv list per §6's exact command line.
func buildExecutorArgv(sandboxConfigPath, outputDir, samplePath string) []string {
	return []string{
		"--force",
		"-t", "60",
		"--config", sandboxConfigPath,
		"--output-dir", outputDir,
		"--no-dropped",
		"--tmp",
		"--graph",
		"--misp",
		"--sync-time",
		"--compress",
		"--",
		samplePath,
	}
}

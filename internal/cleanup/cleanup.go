// Package cleanup reclaims job artifacts: a deferred per-job deletion once
// a job reaches a terminal state, and an age-based sweep that catches
// anything orphaned by crashed or abandoned jobs.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vinpipe/vinpipe/internal/job"
)

// Policy is the single retention configuration surface: how long a
// finished job's artifacts linger, how old an orphaned artifact may get,
// and how often the sweep runs.
type Policy struct {
	Delay         time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// Scheduler deletes a job's input artifact, output artifact, and record.
// Every deletion is best effort: a missing file is not an error and
// failures are logged, never escalated.
type Scheduler struct {
	store      job.Store
	uploadsDir string
	outputsDir string
	policy     Policy

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewScheduler(store job.Store, uploadsDir, outputsDir string, policy Policy) *Scheduler {
	return &Scheduler{
		store:      store,
		uploadsDir: uploadsDir,
		outputsDir: outputsDir,
		policy:     policy,
		timers:     make(map[string]*time.Timer),
	}
}

// Schedule arranges a deferred cleanup of the job's artifacts. Duplicate
// calls for the same job collapse onto the first timer.
func (s *Scheduler) Schedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; ok {
		return
	}
	s.timers[id] = time.AfterFunc(s.policy.Delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.Cleanup(id)
	})
}

// Purge reclaims a stopped job's files right away but defers the record
// deletion, so the stopped status stays readable until the normal delay
// runs out. Any pending timer is replaced.
func (s *Scheduler) Purge(id string) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	rec, err := s.store.Get(context.Background(), id)
	if err != nil {
		slog.Warn("purge: read record", "job_id", id, "error", err)
	}
	if rec != nil {
		removeIfExists(rec.FilePath)
		removeIfExists(rec.OutputPath)
	}
	s.Schedule(id)
}

// Cleanup deletes the input file, the output file, and the job record.
// Each deletion is independent; calling it again is a no-op.
func (s *Scheduler) Cleanup(id string) {
	ctx := context.Background()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		slog.Warn("cleanup: read record", "job_id", id, "error", err)
	}
	if rec != nil {
		removeIfExists(rec.FilePath)
		removeIfExists(rec.OutputPath)
	}

	if _, err := s.store.Delete(ctx, id); err != nil {
		slog.Warn("cleanup: delete record", "job_id", id, "error", err)
		return
	}
	slog.Info("cleaned up job artifacts", "job_id", id)
}

// Run executes the age-based sweep on a fixed interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep deletes uploads and outputs older than the max age by modification
// time, and asks the record store to do the same, independent of job
// status.
func (s *Scheduler) Sweep(ctx context.Context) {
	files := sweepDir(s.uploadsDir, s.policy.MaxAge) + sweepDir(s.outputsDir, s.policy.MaxAge)

	records, err := s.store.Sweep(ctx, s.policy.MaxAge)
	if err != nil {
		slog.Warn("sweep: records", "error", err)
	}
	if files > 0 || records > 0 {
		slog.Info("sweep reclaimed artifacts", "files", files, "records", records)
	}
}

func sweepDir(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("sweep: read dir", "dir", dir, "error", err)
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, e.Name())
			if removeIfExists(path) {
				removed++
			}
		}
	}
	return removed
}

// removeIfExists deletes path if it is set and present. Missing files are
// not errors.
func removeIfExists(path string) bool {
	if path == "" {
		return false
	}
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		slog.Warn("cleanup: remove file", "path", path, "error", err)
	}
	return false
}

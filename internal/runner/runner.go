package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vinpipe/vinpipe/internal/decode"
	"github.com/vinpipe/vinpipe/internal/job"
)

// ErrNotFound is returned by Stop when no record exists for the job ID.
var ErrNotFound = errors.New("job not found")

// EngineFunc runs the batch decode loop for one job.
type EngineFunc func(ctx context.Context, rec *job.Record) (*decode.Result, error)

// NotifyFunc posts a terminal-state payload to a callback URL.
type NotifyFunc func(ctx context.Context, callbackURL string, payload []byte)

// Scheduler reclaims a job's artifacts: deferred after a normal terminal
// state, or promptly after a stop.
type Scheduler interface {
	Schedule(id string)
	Purge(id string)
}

// Runner owns the job state machine. It writes the initial queued record,
// launches the decode engine detached from the submitting request, and
// finalizes the record to a terminal state. It also holds the per-job
// cancellation registry that makes an explicit stop stick.
type Runner struct {
	store   job.Store
	engine  EngineFunc
	cleaner Scheduler
	notify  NotifyFunc

	base context.Context

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Runner. base is the process lifetime context: cancelling it
// stops every in-flight job. notify may be nil to disable callbacks.
func New(base context.Context, store job.Store, engine EngineFunc, cleaner Scheduler, notify NotifyFunc) *Runner {
	return &Runner{
		store:   store,
		engine:  engine,
		cleaner: cleaner,
		notify:  notify,
		base:    base,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Launch writes the initial queued record and starts the engine as a
// detached goroutine; the caller returns to the submitter immediately.
// If the input artifact is already missing the launch failure is written
// as the job's error state here, not by the engine.
func (r *Runner) Launch(ctx context.Context, rec *job.Record) error {
	rec.Status = job.StatusQueued
	if err := r.store.Create(ctx, rec); err != nil {
		return fmt.Errorf("create job record: %w", err)
	}

	if _, err := os.Stat(rec.FilePath); err != nil {
		r.writeError(rec, fmt.Sprintf("input file is not readable: %v", err))
		return nil
	}

	jobCtx, cancel := context.WithCancel(r.base)
	r.mu.Lock()
	r.cancels[rec.ID] = cancel
	r.mu.Unlock()

	go r.process(jobCtx, cancel, rec)
	return nil
}

// Stop cancels the job's engine (if running), force-writes a stopped
// record preserving all other fields, and purges the job's files.
// Idempotent, and deliberately re-marks already-terminal jobs as stopped.
func (r *Runner) Stop(ctx context.Context, id string) error {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get job %s: %w", id, err)
	}
	if rec == nil {
		return ErrNotFound
	}

	r.mu.Lock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
	r.mu.Unlock()

	rec.Status = job.StatusStopped
	if err := r.store.Write(ctx, rec); err != nil {
		return fmt.Errorf("write stopped job %s: %w", id, err)
	}

	// A stopped job never serves a download, so its files can go now; the
	// record deletion stays on the usual deferred timer.
	if r.cleaner != nil {
		r.cleaner.Purge(id)
	}
	slog.Info("job stopped", "job_id", id)
	return nil
}

func (r *Runner) process(ctx context.Context, cancel context.CancelFunc, rec *job.Record) {
	defer func() {
		r.mu.Lock()
		delete(r.cancels, rec.ID)
		r.mu.Unlock()
		cancel()
	}()

	if ctx.Err() != nil {
		return
	}
	rec.Status = job.StatusProcessing
	rec.StartTime = time.Now().UTC()
	if err := r.store.Write(ctx, rec); err != nil {
		slog.Error("mark processing", "job_id", rec.ID, "error", err)
		return
	}

	result, runErr := r.engine(ctx, rec)

	switch {
	case ctx.Err() != nil:
		// Stopped (or the process is shutting down). The stop path owns the
		// record now; touching it here would clobber the stopped status.
		slog.Info("job cancelled", "job_id", rec.ID)
	case runErr != nil:
		r.writeError(rec, runErr.Error())
	default:
		r.writeCompleted(rec, result)
	}

	r.finish(rec.ID)
}

// writeError transitions the job to its error state unless a stop already
// claimed it. Stopped is sticky.
func (r *Runner) writeError(rec *job.Record, msg string) {
	ctx := context.Background()
	cur, err := r.store.Get(ctx, rec.ID)
	if err != nil || cur == nil {
		slog.Error("finalize: load record", "job_id", rec.ID, "error", err)
		return
	}
	if cur.Status == job.StatusStopped {
		return
	}
	cur.Status = job.StatusError
	cur.Error = msg
	if err := r.store.Write(ctx, cur); err != nil {
		slog.Error("finalize: write error record", "job_id", rec.ID, "error", err)
		return
	}
	slog.Warn("job failed", "job_id", rec.ID, "error", msg)
}

func (r *Runner) writeCompleted(rec *job.Record, result *decode.Result) {
	ctx := context.Background()
	cur, err := r.store.Get(ctx, rec.ID)
	if err != nil || cur == nil {
		slog.Error("finalize: load record", "job_id", rec.ID, "error", err)
		return
	}
	if cur.Status == job.StatusStopped {
		return
	}
	cur.Status = job.StatusCompleted
	cur.Progress = 100
	cur.CurrentBatch = cur.TotalBatches
	cur.ElapsedTime = result.ElapsedTime
	cur.EstimatedTimeRemaining = 0
	cur.OutputPath = result.OutputPath
	cur.OutputFilename = result.OutputFilename
	cur.Error = ""
	if err := r.store.Write(ctx, cur); err != nil {
		slog.Error("finalize: write completed record", "job_id", rec.ID, "error", err)
		return
	}
	slog.Info("job completed", "job_id", rec.ID, "output", result.OutputFilename)
}

// finish schedules retention cleanup and fires the completion callback,
// whatever terminal state the job landed in.
func (r *Runner) finish(id string) {
	if r.cleaner != nil {
		r.cleaner.Schedule(id)
	}
	if r.notify == nil {
		return
	}

	ctx := context.Background()
	cur, err := r.store.Get(ctx, id)
	if err != nil || cur == nil || cur.CallbackURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"jobId":          cur.ID,
		"status":         string(cur.Status),
		"outputFilename": cur.OutputFilename,
		"error":          cur.Error,
	})
	if err != nil {
		return
	}
	r.notify(ctx, cur.CallbackURL, payload)
}

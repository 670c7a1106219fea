package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vinpipe/vinpipe/internal/decode"
	"github.com/vinpipe/vinpipe/internal/job"
)

// recorder captures cleanup schedules, purges, and callback payloads.
type recorder struct {
	mu        sync.Mutex
	scheduled []string
	purged    []string
	notified  []string
	payloads  [][]byte
}

func (r *recorder) Schedule(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, id)
}

func (r *recorder) Purge(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = append(r.purged, id)
}

func (r *recorder) purgedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.purged...)
}

func (r *recorder) Notify(_ context.Context, callbackURL string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, callbackURL)
	r.payloads = append(r.payloads, payload)
}

func (r *recorder) scheduledIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scheduled...)
}

func (r *recorder) notifiedURLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notified...)
}

func newTestStore(t *testing.T) *job.FileStore {
	t.Helper()
	store, err := job.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeInputFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.xlsx")
	if err := os.WriteFile(path, []byte("placeholder"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

// waitForStatus polls until the record reaches a terminal status.
func waitForStatus(t *testing.T, store job.Store, id string, want job.Status) *job.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec != nil && rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}

func TestLaunch_Completed(t *testing.T) {
	store := newTestStore(t)
	track := &recorder{}

	engine := func(ctx context.Context, rec *job.Record) (*decode.Result, error) {
		return &decode.Result{
			OutputPath:     "/tmp/out.csv",
			OutputFilename: "decoded_FO_VINS_final.csv",
			ElapsedTime:    1.5,
		}, nil
	}

	r := New(context.Background(), store, engine, track, track.Notify)
	recIn := &job.Record{ID: "job-1", Filename: "input.xlsx", FilePath: writeInputFile(t)}
	if err := r.Launch(context.Background(), recIn); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	got := waitForStatus(t, store, "job-1", job.StatusCompleted)
	if got.Progress != 100 {
		t.Errorf("Progress = %v, want 100", got.Progress)
	}
	if got.OutputFilename != "decoded_FO_VINS_final.csv" {
		t.Errorf("OutputFilename = %q", got.OutputFilename)
	}
	if got.ElapsedTime != 1.5 {
		t.Errorf("ElapsedTime = %v, want 1.5", got.ElapsedTime)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(track.scheduledIDs()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ids := track.scheduledIDs(); len(ids) != 1 || ids[0] != "job-1" {
		t.Errorf("scheduled cleanups = %v, want [job-1]", ids)
	}
	// No callback URL was set, so no notification fires.
	if urls := track.notifiedURLs(); len(urls) != 0 {
		t.Errorf("notified = %v, want none", urls)
	}
}

func TestLaunch_EngineError(t *testing.T) {
	store := newTestStore(t)
	track := &recorder{}

	engine := func(ctx context.Context, rec *job.Record) (*decode.Result, error) {
		return nil, errors.New("no valid VINs found in the file")
	}

	r := New(context.Background(), store, engine, track, track.Notify)
	recIn := &job.Record{ID: "job-2", FilePath: writeInputFile(t)}
	if err := r.Launch(context.Background(), recIn); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	got := waitForStatus(t, store, "job-2", job.StatusError)
	if got.Error != "no valid VINs found in the file" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestLaunch_NotifiesCallback(t *testing.T) {
	store := newTestStore(t)
	track := &recorder{}

	engine := func(ctx context.Context, rec *job.Record) (*decode.Result, error) {
		return &decode.Result{OutputFilename: "out.csv"}, nil
	}

	r := New(context.Background(), store, engine, track, track.Notify)
	recIn := &job.Record{
		ID:          "job-3",
		FilePath:    writeInputFile(t),
		CallbackURL: "https://example.com/hook",
	}
	if err := r.Launch(context.Background(), recIn); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	waitForStatus(t, store, "job-3", job.StatusCompleted)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(track.notifiedURLs()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	urls := track.notifiedURLs()
	if len(urls) != 1 || urls[0] != "https://example.com/hook" {
		t.Fatalf("notified = %v, want the callback URL once", urls)
	}
}

func TestLaunch_MissingInputFile(t *testing.T) {
	store := newTestStore(t)
	track := &recorder{}

	engine := func(ctx context.Context, rec *job.Record) (*decode.Result, error) {
		t.Error("engine must not run for a missing input file")
		return nil, nil
	}

	r := New(context.Background(), store, engine, track, track.Notify)
	recIn := &job.Record{ID: "job-4", FilePath: "/does/not/exist.xlsx"}
	if err := r.Launch(context.Background(), recIn); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	got, err := store.Get(context.Background(), "job-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Status != job.StatusError {
		t.Fatalf("record = %+v, want error status written synchronously", got)
	}
}

func TestStop_NotFound(t *testing.T) {
	store := newTestStore(t)
	r := New(context.Background(), store, nil, nil, nil)

	err := r.Stop(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stop error = %v, want ErrNotFound", err)
	}
}

func TestStop_StickyOverRunningEngine(t *testing.T) {
	store := newTestStore(t)
	track := &recorder{}

	started := make(chan struct{})
	engine := func(ctx context.Context, rec *job.Record) (*decode.Result, error) {
		close(started)
		<-ctx.Done()
		// A cancelled engine returning a result must not win over the stop.
		return &decode.Result{OutputFilename: "out.csv"}, nil
	}

	r := New(context.Background(), store, engine, track, track.Notify)
	recIn := &job.Record{ID: "job-5", FilePath: writeInputFile(t)}
	if err := r.Launch(context.Background(), recIn); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never started")
	}

	if err := r.Stop(context.Background(), "job-5"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Give the unblocked engine goroutine a chance to misbehave.
	time.Sleep(50 * time.Millisecond)

	got, err := store.Get(context.Background(), "job-5")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusStopped {
		t.Fatalf("Status = %s, want stopped to stick", got.Status)
	}
	if ids := track.purgedIDs(); len(ids) != 1 || ids[0] != "job-5" {
		t.Errorf("purged = %v, want [job-5]", ids)
	}
}

func TestStop_RemarksTerminalJob(t *testing.T) {
	store := newTestStore(t)
	track := &recorder{}

	rec := &job.Record{ID: "job-6", Status: job.StatusCompleted, OutputFilename: "out.csv"}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r := New(context.Background(), store, nil, track, nil)
	if err := r.Stop(context.Background(), "job-6"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ids := track.purgedIDs(); len(ids) != 1 || ids[0] != "job-6" {
		t.Errorf("purged = %v, want [job-6]", ids)
	}

	got, err := store.Get(context.Background(), "job-6")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusStopped {
		t.Errorf("Status = %s, want stopped", got.Status)
	}
	if got.OutputFilename != "out.csv" {
		t.Errorf("OutputFilename = %q, stop must preserve other fields", got.OutputFilename)
	}
}

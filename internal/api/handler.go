package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vinpipe/vinpipe/internal/cleanup"
	"github.com/vinpipe/vinpipe/internal/config"
	"github.com/vinpipe/vinpipe/internal/decode"
	"github.com/vinpipe/vinpipe/internal/job"
	"github.com/vinpipe/vinpipe/internal/runner"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store   job.Store
	runner  *runner.Runner
	cleaner *cleanup.Scheduler
	cfg     *config.Config
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, r *runner.Runner, cleaner *cleanup.Scheduler, cfg *config.Config) *Handler {
	return &Handler{store: store, runner: r, cleaner: cleaner, cfg: cfg}
}

// jobsPath is the collection route; submissions land here and the upload
// limiter keys off it.
const jobsPath = "/api/v1/jobs"

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+jobsPath, h.CreateJob)
	mux.HandleFunc("GET "+jobsPath+"/{id}", h.GetJob)
	mux.HandleFunc("GET "+jobsPath+"/{id}/events", h.StreamEvents)
	mux.HandleFunc("POST "+jobsPath+"/{id}/stop", h.StopJob)
	mux.HandleFunc("GET "+jobsPath+"/{id}/download", h.DownloadResult)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateJob handles POST /api/v1/jobs: accept a spreadsheet upload,
// validate it, persist it, and launch the decode job detached. Responds
// 202 with the job ID; the caller follows progress via the event stream.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	if header.Size > h.cfg.MaxUploadBytes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file size exceeds the maximum limit of %dMB", h.cfg.MaxUploadBytes>>20))
		return
	}

	name := strings.ToLower(header.Filename)
	if !strings.HasSuffix(name, ".xlsx") && !strings.HasSuffix(name, ".xls") {
		writeError(w, http.StatusBadRequest, "only Excel files (.xlsx, .xls) are supported")
		return
	}

	// Validate the workbook before any job side effect.
	if err := decode.ValidateWorkbook(file); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process the file")
		return
	}

	id := uuid.New().String()
	filePath := filepath.Join(h.cfg.UploadsDir, id+"_"+filepath.Base(header.Filename))
	if err := saveUpload(filePath, file); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save the file")
		return
	}

	rec := &job.Record{
		ID:          id,
		Status:      job.StatusQueued,
		Filename:    header.Filename,
		FilePath:    filePath,
		CallbackURL: r.FormValue("callback_url"),
	}
	if err := h.runner.Launch(r.Context(), rec); err != nil {
		os.Remove(filePath)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the record.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// StopJob handles POST /api/v1/jobs/{id}/stop. The stop is authoritative:
// the engine's context is cancelled and the record is force-written to
// stopped, whatever state it was in.
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.runner.Stop(r.Context(), id)
	if errors.Is(err, runner.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stop job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DownloadResult handles GET /api/v1/jobs/{id}/download. It succeeds only
// when the job is completed and its output artifact is still on disk.
func (h *Handler) DownloadResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if rec.Status != job.StatusCompleted {
		writeError(w, http.StatusBadRequest, "job is not completed yet")
		return
	}

	f, err := os.Open(rec.OutputPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "output file not found")
		return
	}
	defer f.Close()

	filename := rec.OutputFilename
	if filename == "" {
		filename = "decoded_vins.csv"
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	io.Copy(w, f) //nolint:errcheck
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func saveUpload(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	return dst.Close()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

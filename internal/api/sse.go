package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vinpipe/vinpipe/internal/job"
)

// progressEvent is the payload pushed while a job is running.
type progressEvent struct {
	Type                   string  `json:"type"`
	CurrentBatch           int     `json:"currentBatch"`
	TotalBatches           int     `json:"totalBatches"`
	Progress               float64 `json:"progress"`
	ElapsedTime            float64 `json:"elapsedTime"`
	EstimatedTimeRemaining float64 `json:"estimatedTimeRemaining"`
}

type completeEvent struct {
	Type        string `json:"type"`
	DownloadURL string `json:"downloadUrl"`
	Filename    string `json:"filename"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StreamEvents handles GET /api/v1/jobs/{id}/events.
//
// It polls the record store on a fixed period and republishes state
// transitions as an ordered SSE stream: progress events while processing,
// then exactly one terminal complete or error event, after which the
// stream closes. The loop also tears down without emitting when the
// client disconnects or the job is stopped.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	exists, err := h.store.Exists(r.Context(), id)
	if err != nil || !exists {
		writeEvent(w, flusher, errorEvent{Type: "error", Message: "Job not found"})
		return
	}

	// Emit the current state immediately, then poll.
	if done := h.emit(r, w, flusher, id); done {
		return
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if done := h.emit(r, w, flusher, id); done {
				return
			}
		}
	}
}

// emit reads the record once and pushes at most one event. It reports
// whether the stream should close.
func (h *Handler) emit(r *http.Request, w http.ResponseWriter, flusher http.Flusher, id string) bool {
	rec, err := h.store.Get(r.Context(), id)
	if err != nil || rec == nil {
		writeEvent(w, flusher, errorEvent{Type: "error", Message: "Failed to get job status"})
		return true
	}

	switch rec.Status {
	case job.StatusProcessing:
		writeEvent(w, flusher, progressEvent{
			Type:                   "progress",
			CurrentBatch:           rec.CurrentBatch,
			TotalBatches:           rec.TotalBatches,
			Progress:               rec.Progress,
			ElapsedTime:            rec.ElapsedTime,
			EstimatedTimeRemaining: rec.EstimatedTimeRemaining,
		})
		return false

	case job.StatusCompleted:
		filename := rec.OutputFilename
		if filename == "" {
			filename = "decoded_vins.csv"
		}
		writeEvent(w, flusher, completeEvent{
			Type:        "complete",
			DownloadURL: "/api/v1/jobs/" + id + "/download",
			Filename:    filename,
		})
		h.cleaner.Schedule(id)
		return true

	case job.StatusError:
		message := rec.Error
		if message == "" {
			message = "An error occurred during processing"
		}
		writeEvent(w, flusher, errorEvent{Type: "error", Message: message})
		h.cleaner.Schedule(id)
		return true

	case job.StatusStopped:
		// Stop is client-initiated; close without a terminal event.
		h.cleaner.Schedule(id)
		return true

	default: // queued: nothing to report yet
		return false
	}
}

// writeEvent serialises data as JSON and writes a single SSE data frame.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

package job

import "time"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusStopped
}

// Record is the persisted state of one decode job. It is the only state
// shared between the submitting request, the decode engine, and the
// progress stream; all of them communicate by reading and replacing it.
type Record struct {
	ID                     string    `json:"id"`
	Status                 Status    `json:"status"`
	Filename               string    `json:"filename"`
	FilePath               string    `json:"filePath"`
	Progress               float64   `json:"progress"`
	CurrentBatch           int       `json:"currentBatch"`
	TotalBatches           int       `json:"totalBatches"`
	StartTime              time.Time `json:"startTime"`
	ElapsedTime            float64   `json:"elapsedTime"`
	EstimatedTimeRemaining float64   `json:"estimatedTimeRemaining"`
	OutputPath             string    `json:"outputPath,omitempty"`
	OutputFilename         string    `json:"outputFilename,omitempty"`
	CallbackURL            string    `json:"callbackUrl,omitempty"`
	Error                  string    `json:"error,omitempty"`
}

package decode

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vinpipe/vinpipe/internal/job"
)

// Row is one decoded output row. ErrorCode "0" means the VIN decoded
// cleanly; anything else is a per-row failure.
type Row struct {
	VIN       string
	Make      string
	Model     string
	ModelYear string
	ErrorCode string
	ErrorText string
}

// outputColumns is the fixed column order of the result file.
var outputColumns = []string{"VIN", "Make", "Model", "ModelYear", "ErrorCode", "ErrorText"}

// Result is what a successful run hands back to the orchestrator for the
// terminal record write.
type Result struct {
	OutputPath     string
	OutputFilename string
	ElapsedTime    float64
}

// Engine runs one job end to end: parse the workbook, decode VINs in
// fixed-size batches against the remote service, checkpoint progress into
// the record store before every batch, and write the CSV output.
type Engine struct {
	store      job.Store
	client     *Client
	batchSize  int
	batchDelay time.Duration
	outputsDir string
}

func NewEngine(store job.Store, client *Client, batchSize int, batchDelay time.Duration, outputsDir string) *Engine {
	return &Engine{
		store:      store,
		client:     client,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		outputsDir: outputsDir,
	}
}

// Run executes the batch loop for rec, which must already be marked
// processing. A batch-level remote failure degrades to error rows and the
// job continues; any returned error is job-fatal (or context cancellation,
// which the caller distinguishes via ctx.Err()).
//
// The context doubles as the stop signal: it is checked at every batch
// boundary and before every record write, so once a stop request cancels
// it the stopped record is never overwritten.
func (e *Engine) Run(ctx context.Context, rec *job.Record) (*Result, error) {
	rows, err := ReadSheet(rec.FilePath)
	if err != nil {
		return nil, err
	}

	vins := ExtractVINs(rows)
	if len(vins) == 0 {
		return nil, errors.New("no valid VINs found in the file")
	}

	outputFilename := fmt.Sprintf("decoded_%s_VINS_final.csv", OutputPrefix(rows))
	outputPath := filepath.Join(e.outputsDir, outputFilename)

	total := (len(vins) + e.batchSize - 1) / e.batchSize
	cur := *rec
	cur.TotalBatches = total
	if err := e.checkpoint(ctx, &cur); err != nil {
		return nil, err
	}

	slog.Info("decode started", "job_id", rec.ID, "vins", len(vins), "batches", total)

	start := time.Now()
	outRows := make([]Row, 0, len(vins))

	for i := 0; i < total; i++ {
		end := (i + 1) * e.batchSize
		if end > len(vins) {
			end = len(vins)
		}
		batch := vins[i*e.batchSize : end]

		cur.CurrentBatch = i + 1
		cur.Progress = float64(i+1) / float64(total) * 100
		cur.ElapsedTime = time.Since(start).Seconds()
		if i > 0 {
			// Average time per finished batch, projected over the rest.
			cur.EstimatedTimeRemaining = cur.ElapsedTime / float64(i) * float64(total-i)
		}
		if err := e.checkpoint(ctx, &cur); err != nil {
			return nil, err
		}

		result, err := e.client.DecodeBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		outRows = append(outRows, mapBatch(batch, result)...)

		if i < total-1 {
			if err := sleepCtx(ctx, e.batchDelay); err != nil {
				return nil, err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := writeCSV(outputPath, outRows); err != nil {
		return nil, err
	}

	slog.Info("decode finished", "job_id", rec.ID, "rows", len(outRows), "output", outputFilename)
	return &Result{
		OutputPath:     outputPath,
		OutputFilename: outputFilename,
		ElapsedTime:    time.Since(start).Seconds(),
	}, nil
}

// checkpoint persists a progress update unless the job has been stopped.
func (e *Engine) checkpoint(ctx context.Context, rec *job.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.store.Write(ctx, rec); err != nil {
		return fmt.Errorf("checkpoint job %s: %w", rec.ID, err)
	}
	return nil
}

// mapBatch folds a batch result back onto its VINs by position. Every VIN
// yields exactly one row, whatever shape the remote reply took.
func mapBatch(vins []string, result *BatchResult) []Row {
	rows := make([]Row, 0, len(vins))
	for i, vin := range vins {
		row := Row{VIN: vin, ErrorCode: CodeOK}

		switch {
		case result.Code != "":
			row.ErrorCode = result.Code
			row.ErrorText = result.Text
		case i >= len(result.Entries):
			row.ErrorCode = CodeNoResult
			row.ErrorText = fmt.Sprintf("No result returned for VIN at position %d", i)
		case result.Entries[i].Fields == nil:
			row.ErrorCode = CodeUnhandledStructure
			row.ErrorText = fmt.Sprintf("Unhandled API result structure for VIN %s. Content: %s", vin, result.Entries[i].Raw)
		default:
			fields := result.Entries[i].Fields
			row.Make = fields["Make"]
			row.Model = fields["Model"]
			row.ModelYear = fields["ModelYear"]
			code := fields["Error Code"]
			if code == "" {
				code = fields["ErrorCode"]
			}
			if code != "" && code != CodeOK {
				row.ErrorCode = code
				row.ErrorText = firstNonEmpty(fields["Error Text"], fields["AdditionalErrorText"], fields["Message"])
			}
		}

		row.ErrorText = strings.Trim(strings.TrimSpace(row.ErrorText), ";")
		rows = append(rows, row)
	}
	return rows
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeCSV(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(outputColumns); err != nil {
		f.Close()
		return fmt.Errorf("write output header: %w", err)
	}
	for _, r := range rows {
		if err := w.Write([]string{r.VIN, r.Make, r.Model, r.ModelYear, r.ErrorCode, r.ErrorText}); err != nil {
			f.Close()
			return fmt.Errorf("write output row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush output: %w", err)
	}
	return f.Close()
}

package decode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Error codes carried on synthesized rows. "0" means decoded successfully;
// anything else marks a per-row failure distinguishable from a good decode.
const (
	CodeOK                 = "0"
	CodeRequestError       = "REQUEST_ERROR"
	CodeBadStructure       = "API_BAD_RESPONSE_STRUCTURE"
	CodeMaxRetries         = "REQUEST_FAILED_MAX_RETRIES"
	CodeUnhandledStructure = "UNHANDLED_API_VIN_STRUCTURE"
	CodeNoResult           = "NO_RESULT"
)

// Entry is one positional entry from a remote reply: either a decoded
// field map or an unrecognized shape described by Raw.
type Entry struct {
	Fields map[string]string
	Raw    string
}

// BatchResult is the outcome of one remote call, decoded at the HTTP
// boundary into exactly one of two top-level shapes: per-VIN entries
// (Entries set) or a batch-level failure (Code/Text set). Unrecognized
// entry shapes are the third variant, carried inside Entries via Raw.
type BatchResult struct {
	Entries []Entry
	Code    string
	Text    string
}

func batchError(code, text string) *BatchResult {
	return &BatchResult{Code: code, Text: text}
}

// Client calls the remote batch decode service with bounded retry on
// rate limiting. Every failure mode degrades to a BatchResult; the only
// error it returns is context cancellation.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Attempts   int
	BaseDelay  time.Duration
}

// NewClient returns a Client with the production retry policy: 3 attempts,
// 5s base backoff doubled per attempt, 60s request timeout.
func NewClient(apiURL string) *Client {
	return &Client{
		URL:        apiURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Attempts:   3,
		BaseDelay:  5 * time.Second,
	}
}

// DecodeBatch posts the VINs as a semicolon-joined form payload and decodes
// the positionally-aligned result list. A 429 response backs off and
// retries; any other failure is folded into a batch-level error result so
// one bad batch never aborts the job.
func (c *Client) DecodeBatch(ctx context.Context, vins []string) (*BatchResult, error) {
	form := url.Values{
		"format": {"json"},
		"data":   {strings.Join(vins, ";")},
	}

	for attempt := 0; attempt < c.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, rateLimited, err := c.post(ctx, form)
		if err != nil {
			return nil, err
		}
		if !rateLimited {
			return result, nil
		}

		wait := c.BaseDelay * (1 << attempt)
		slog.Warn("decode batch rate limited", "attempt", attempt+1, "wait", wait)
		if attempt < c.Attempts-1 {
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	text := fmt.Sprintf("Failed to decode batch after %d retries: %v...", c.Attempts, head(vins, 3))
	return batchError(CodeMaxRetries, text), nil
}

// post performs one attempt. rateLimited=true signals the caller to back
// off and retry; every other failure comes back as a batch-error result.
func (c *Client) post(ctx context.Context, form url.Values) (result *BatchResult, rateLimited bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return batchError(CodeRequestError, err.Error()), false, nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return batchError(CodeRequestError, err.Error()), false, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return batchError(CodeRequestError, "reading response body: "+err.Error()), false, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, nil
	}
	if resp.StatusCode/100 != 2 {
		text := fmt.Sprintf("HTTP Error: %d - %s", resp.StatusCode, truncate(string(body), 500))
		return batchError(strconv.Itoa(resp.StatusCode), text), false, nil
	}

	return parseReply(body), false, nil
}

// parseReply classifies the reply body: a Results list yields per-VIN
// entries, anything else is a batch-level structure error.
func parseReply(body []byte) *BatchResult {
	var reply struct {
		Results []json.RawMessage `json:"Results"`
	}
	if err := json.Unmarshal(body, &reply); err != nil || reply.Results == nil {
		text := fmt.Sprintf("API Error: 'Results' field missing or not a list. Response: %s", truncate(string(body), 500))
		return batchError(CodeBadStructure, text)
	}

	entries := make([]Entry, 0, len(reply.Results))
	for _, raw := range reply.Results {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
			entries = append(entries, Entry{Raw: truncate(string(raw), 200)})
			continue
		}
		strFields := make(map[string]string, len(fields))
		for k, v := range fields {
			if s, ok := v.(string); ok {
				strFields[k] = s
			}
		}
		entries = append(entries, Entry{Fields: strFields})
	}
	return &BatchResult{Entries: entries}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func head(vins []string, n int) []string {
	if len(vins) <= n {
		return vins
	}
	return vins[:n]
}

// sleepCtx waits d or returns early with the context's error.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

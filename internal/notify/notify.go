// Package notify posts a job's terminal state to a caller-supplied
// callback URL, for submitters that would rather be pushed to than hold a
// progress stream open.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	retryAttempts = 6
	retryBase     = time.Second
	retryCap      = 2 * time.Minute
	userAgent     = "vinpipe-notify/1"
)

// Send dispatches the JSON payload to callbackURL asynchronously with
// full-jitter exponential backoff. URLs resolving to private or loopback
// addresses are rejected up front.
func Send(ctx context.Context, callbackURL string, payload []byte) {
	if err := validateURL(callbackURL); err != nil {
		slog.Warn("notify: rejected callback URL", "url", callbackURL, "error", err)
		return
	}
	go send(ctx, callbackURL, payload)
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	ips, err := net.LookupHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}

func send(ctx context.Context, callbackURL string, payload []byte) {
	client := &http.Client{Timeout: 30 * time.Second}

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		retryAfter, err := post(ctx, client, callbackURL, payload)
		if err == nil {
			return
		}
		slog.Warn("notify attempt failed", "attempt", attempt, "url", callbackURL, "error", err)
		if attempt == retryAttempts {
			break
		}

		wait := jitter(attempt)
		// A throttling receiver names its own pace; respect it up to the cap.
		if retryAfter > wait {
			wait = retryAfter
			if wait > retryCap {
				wait = retryCap
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	slog.Error("notify: all retries exhausted", "url", callbackURL)
}

// jitter picks a random duration up to min(retryCap, retryBase * 2^attempt),
// spreading out retries when several callbacks fail together.
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

// post performs one delivery attempt. On a throttling response it also
// reports the receiver's Retry-After hint.
func post(ctx context.Context, client *http.Client, callbackURL string, payload []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}
	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return retryAfter, fmt.Errorf("non-2xx status: %d", resp.StatusCode)
}

// parseRetryAfter reads the delay-seconds form of Retry-After. The HTTP-date
// form and garbage both come back as 0, leaving the backoff in charge.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

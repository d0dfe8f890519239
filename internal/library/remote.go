package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrRemoteUnavailable reports that the video API could not be reached.
// Callers are expected to fall back to local-only listings.
var ErrRemoteUnavailable = errors.New("library: remote video api unavailable")

// RemoteVideo is one entry of the video API's listing response.
type RemoteVideo struct {
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

// ClientConfig configures the remote video API client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Retries int           // upload retry cap, default 3
	Timeout time.Duration // per-request, default 30s
}

// Client mirrors finished recordings to the remote video API and fetches
// its listing.
type Client struct {
	cfg         ClientConfig
	client      *http.Client
	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewClient creates a video API client. An empty BaseURL is allowed; the
// caller decides whether to construct a client at all in that case.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:         cfg,
		backoffBase: time.Second,
		backoffMax:  30 * time.Second,
		client:      &http.Client{Timeout: cfg.Timeout},
	}
}

// Upload sends the recording at path to the video API as a multipart POST.
// Transient failures (network, 5xx) are retried with exponential backoff up
// to the retry cap, then abandoned; the local file remains the durable copy.
func (c *Client) Upload(ctx context.Context, path string) error {
	name := filepath.Base(path)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			slog.Warn("library: retrying upload",
				"filename", name, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.doUpload(ctx, path, name)
		if err == nil {
			slog.Info("library: recording uploaded", "filename", name)
			return nil
		}
		if !isRetryable(err) {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		lastErr = err
	}

	return fmt.Errorf("upload %s: retries exhausted: %w", name, lastErr)
}

// doUpload performs a single multipart POST with the file and the api key.
func (c *Client) doUpload(ctx context.Context, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()

		part, err := writer.CreateFormFile("video", name)
		if err != nil {
			errCh <- fmt.Errorf("create form file: %w", err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			errCh <- fmt.Errorf("copy video data: %w", err)
			return
		}
		if err := writer.WriteField("apiKey", c.cfg.APIKey); err != nil {
			errCh <- fmt.Errorf("write api key field: %w", err)
			return
		}
		errCh <- writer.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, pr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	if writeErr := <-errCh; writeErr != nil {
		return fmt.Errorf("multipart write: %w", writeErr)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return &retryableError{err: fmt.Errorf("server error %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("http %d: %s", resp.StatusCode, body)
	}
	return nil
}

// List fetches the remote listing. Any failure is reported as
// ErrRemoteUnavailable so callers can fall back to local data.
func (c *Client) List(ctx context.Context) ([]RemoteVideo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var videos []RemoteVideo
	if err := json.NewDecoder(resp.Body).Decode(&videos); err != nil {
		return nil, fmt.Errorf("%w: decode listing: %v", ErrRemoteUnavailable, err)
	}
	return videos, nil
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// backoff returns base * 2^(attempt-1), capped.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.backoffMax {
			return c.backoffMax
		}
	}
	return delay
}

// Package octoprint is a small client for the OctoPrint REST API.
package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	apiKeyHeader = "X-Api-Key"
	userAgent    = "machine-tending/1.0"
)

// APIError is a non-2xx reply from OctoPrint.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("octoprint %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

// Temporary reports whether retrying the request may help.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// File is an entry of the file listing.
type File struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Origin string `json:"origin"`
	Size   int64  `json:"size"`
}

// JobInfo is the subset of GET /api/job the control loop reads.
type JobInfo struct {
	State    string
	FileName string
	Progress float64
}

// PrinterInfo is the subset of GET /api/printer the control loop reads.
type PrinterInfo struct {
	BedActual float64
	BedTarget float64
	Printing  bool
	StateText string
}

type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	attempts   uint
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, attempts uint, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid octoprint url: %w", err)
	}
	if attempts == 0 {
		attempts = 1
	}

	return &Client{
		baseURL:    u,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		attempts:   attempts,
		logger:     logger,
	}, nil
}

// do performs one API call with retries on transport errors and 5xx.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	operation := func() ([]byte, error) {
		data, err := c.once(ctx, method, path, payload)
		if err == nil {
			return data, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("OctoPrint request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.attempts),
		backoff.WithNotify(notify))
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Method: method, Path: path, Body: string(data)}
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string) (gjson.Result, error) {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("octoprint GET %s: invalid JSON response", path)
	}
	return gjson.ParseBytes(data), nil
}

// Version returns the OctoPrint server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := c.getJSON(ctx, "/api/version")
	if err != nil {
		return "", err
	}
	return res.Get("server").String(), nil
}

// Files lists the files stored at location ("local" or "sdcard").
func (c *Client) Files(ctx context.Context, location string) ([]File, error) {
	res, err := c.getJSON(ctx, "/api/files/"+url.PathEscape(location))
	if err != nil {
		return nil, err
	}

	var files []File
	res.Get("files").ForEach(func(_, f gjson.Result) bool {
		files = append(files, File{
			Name:   f.Get("name").String(),
			Path:   f.Get("path").String(),
			Origin: f.Get("origin").String(),
			Size:   f.Get("size").Int(),
		})
		return true
	})
	return files, nil
}

// Select selects a file for printing, optionally starting it right away.
func (c *Client) Select(ctx context.Context, location, path string, print bool) error {
	body := map[string]any{"command": "select", "print": print}
	_, err := c.do(ctx, http.MethodPost, "/api/files/"+url.PathEscape(location)+"/"+escapePath(path), body)
	return err
}

// Start starts the selected job.
func (c *Client) Start(ctx context.Context) error {
	return c.jobCommand(ctx, "start")
}

// Cancel cancels the active job.
func (c *Client) Cancel(ctx context.Context) error {
	return c.jobCommand(ctx, "cancel")
}

func (c *Client) jobCommand(ctx context.Context, command string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/job", map[string]any{"command": command})
	return err
}

// JobInfo reads the current job and the printer state string.
func (c *Client) JobInfo(ctx context.Context) (JobInfo, error) {
	res, err := c.getJSON(ctx, "/api/job")
	if err != nil {
		return JobInfo{}, err
	}
	return JobInfo{
		State:    res.Get("state").String(),
		FileName: res.Get("job.file.name").String(),
		Progress: res.Get("progress.completion").Float(),
	}, nil
}

// Printer reads temperatures and state flags.
func (c *Client) Printer(ctx context.Context) (PrinterInfo, error) {
	res, err := c.getJSON(ctx, "/api/printer?exclude=sd")
	if err != nil {
		return PrinterInfo{}, err
	}

	bed := res.Get("temperature.bed.actual")
	if !bed.Exists() {
		return PrinterInfo{}, fmt.Errorf("octoprint printer report has no bed temperature")
	}

	return PrinterInfo{
		BedActual: bed.Float(),
		BedTarget: res.Get("temperature.bed.target").Float(),
		Printing:  res.Get("state.flags.printing").Bool(),
		StateText: res.Get("state.text").String(),
	}, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

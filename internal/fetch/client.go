// Package fetch is the bounded-timeout HTTP client used for cloud job
// downloads, webcam frames and lease uploads.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"time"
)

var ErrStatus = errors.New("unexpected http status")

// StatusError carries the response code of a non-2xx reply.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http error: %d", e.Method, e.URL, e.Code)
}

func (e *StatusError) Unwrap() error {
	return ErrStatus
}

type Config struct {
	Timeout time.Duration
	// MaxBody caps the bytes read from a GET response. Zero means 256 MiB.
	MaxBody int64
}

type Client struct {
	httpClient *http.Client
	maxBody    int64
	logger     *slog.Logger
}

func New(config Config, logger *slog.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxBody <= 0 {
		config.MaxBody = 256 << 20
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		maxBody: config.MaxBody,
		logger:  logger,
	}
}

// Get downloads url and returns the body. Any non-2xx status is a *StatusError.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.GetWithTimeout(ctx, url, 0)
}

// GetWithTimeout is Get with a per-call deadline tighter than the client default.
func (c *Client) GetWithTimeout(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	body, err := c.Do(req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched", "url", url, "bytes", len(body))
	return body, nil
}

// File is one part of a multipart upload.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// PostMultipart sends fields (in key order) followed by file as a
// multipart/form-data POST, the shape cloud upload leases expect.
func (c *Client) PostMultipart(ctx context.Context, url string, fields map[string]string, file File) error {
	req, err := NewMultipartRequest(ctx, url, fields, file)
	if err != nil {
		return err
	}
	return c.do(req)
}

// NewMultipartRequest builds the POST used by PostMultipart so callers can
// add headers before sending it with Do.
func NewMultipartRequest(ctx context.Context, url string, fields map[string]string, file File) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}

	part, err := w.CreatePart(fileHeader(file))
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// PostJSON sends body as application/json. Used against the printer host API.
func (c *Client) PostJSON(ctx context.Context, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// Do sends a prepared request and returns the body of a 2xx reply.
func (c *Client) Do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Method: req.Method, URL: req.URL.String(), Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (c *Client) do(req *http.Request) error {
	_, err := c.Do(req)
	return err
}

func fileHeader(file File) textproto.MIMEHeader {
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="%s"; filename="%s"`, file.Field, file.Name)},
		"Content-Type":        {contentType},
	}
}

// IsClientError reports whether err is a 4xx reply. Those are not worth
// repeating on the next cycle with the same lease.
func IsClientError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

// Package api talks to the attachment inventory HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dhcgn/imap-attachment-sync/model"
)

// ExistsResult is the outcome of an existence check. The wire-level "not
// found" body sniffing stays inside this package; callers only ever see the
// typed result.
type ExistsResult int

const (
	Found ExistsResult = iota
	NotFound
)

type Options struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// Client uploads payload records and their binary content.
type Client struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("api base url is empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		opts:       Options{BaseURL: strings.TrimRight(opts.BaseURL, "/"), AccessToken: opts.AccessToken, Timeout: timeout},
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// CheckExists asks the API whether an equivalent record is already stored,
// identified by the payload's mail and attachment hashes.
func (c *Client) CheckExists(ctx context.Context, payload model.Payload) (ExistsResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Found, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/attachments/exists", bytes.NewReader(body))
	if err != nil {
		return Found, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Found, fmt.Errorf("check exists: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Found, fmt.Errorf("read exists response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return NotFound, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Found, fmt.Errorf("check exists: unexpected status %d: %s", resp.StatusCode, respBody)
	}
	if strings.Contains(strings.ToLower(string(respBody)), "not found") {
		return NotFound, nil
	}

	return Found, nil
}

// Upload stores a payload record. When content is non-nil the record and its
// binary are sent as one multipart request, otherwise the payload goes up as
// a metadata-only JSON record.
func (c *Client) Upload(ctx context.Context, payload model.Payload, content []byte) error {
	if content == nil {
		return c.uploadJSON(ctx, payload)
	}
	return c.uploadMultipart(ctx, payload, content)
}

func (c *Client) uploadJSON(ctx context.Context, payload model.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/attachments", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.do(req)
}

func (c *Client) uploadMultipart(ctx context.Context, payload model.Payload, content []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	meta, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := writer.WriteField("payload", string(meta)); err != nil {
		return fmt.Errorf("write payload part: %w", err)
	}

	part, err := writer.CreateFormFile("file", payload.AttachmentRenamed)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/attachments", &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upload response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload: unexpected status %d: %s", resp.StatusCode, body)
	}

	if c.logger != nil {
		c.logger.Debug("api upload accepted", "status", resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.opts.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.AccessToken)
	}
}

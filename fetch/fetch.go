// Package fetch downloads files referenced by URL inside a message body.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const dispositionPrefix = "attachment; filename="

// Response carries the raw result of one download.
type Response struct {
	Header http.Header
	Body   []byte
}

// Client wraps an http.Client for downloading body-referenced files.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Get downloads the given URL and returns the response headers and body.
// Any non-2xx status is an error.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", rawURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	return &Response{Header: resp.Header, Body: body}, nil
}

// FilenameFromDisposition extracts the attachment filename from a
// Content-Disposition header value, stripping the "attachment; filename="
// prefix and any surrounding quotes. When the header carries no usable name
// the base of the request URL is used instead.
func FilenameFromDisposition(disposition, rawURL string) string {
	name := strings.TrimPrefix(disposition, dispositionPrefix)
	if name == disposition {
		name = ""
	}
	name = strings.Trim(strings.TrimSpace(name), `"`)
	if name != "" {
		return name
	}

	if parsed, err := url.Parse(rawURL); err == nil {
		if base := path.Base(parsed.Path); base != "." && base != "/" {
			return base
		}
	}
	return ""
}

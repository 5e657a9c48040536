// Package netx wraps the plain HTTP round trips made against the backend.
package netx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody caps how much of a failed response is kept for messages.
const maxErrorBody = 4 << 10

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status     int
	StatusText string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed: %s; body: %s", e.StatusText, string(e.Body))
}

// Request describes a single JSON request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body is marshaled to JSON when non-nil.
	Body any
}

// Do sends req with c and returns the response body. A nil client means
// http.DefaultClient.
func Do(ctx context.Context, c *http.Client, req Request) ([]byte, error) {
	if c == nil {
		c = http.DefaultClient
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.Header.Set("Accept", "application/json")

	resp, err := c.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Status: resp.StatusCode, StatusText: resp.Status, Body: b}
	}

	return io.ReadAll(resp.Body)
}

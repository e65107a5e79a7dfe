package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NodeInfo is how a worker process introduces itself to the coordinator.
type NodeInfo struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	// Incarnation changes every time the worker process starts, so a
	// restart is told apart from a repeated registration.
	Incarnation string `json:"incarnation,omitempty"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Status)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Status, e.Body)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// RequestJSON sends body (if non-nil) as JSON with the given method and
// decodes the response into out (if non-nil).
func RequestJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: url, Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostJSON sends body as JSON and decodes the reply into out, which may be
// nil. Replies of 300 and above are returned as *StatusError.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return RequestJSON(ctx, http.MethodPost, url, body, out)
}

// GetJSON is PostJSON for GET requests without a body.
func GetJSON(ctx context.Context, url string, out any) error {
	return RequestJSON(ctx, http.MethodGet, url, nil, out)
}

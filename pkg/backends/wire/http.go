// Package wire holds the HTTP, audio framing and annotation helpers shared by backend adapters.
package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// maxErrorBody caps how much of an upstream error body is kept in a BackendError.
const maxErrorBody = 2048

// Caller is the identity an adapter reports in its errors.
type Caller struct {
	Backend string
	Stage   types.Stage
	Client  *http.Client
	Header  http.Header
}

// NewClient returns an HTTP client with timeout, or a default 30s client when timeout is zero.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// PostJSON marshals in, posts it to url and decodes the response into out.
// Status codes of 400 and above become a *core.BackendError.
func (c Caller) PostJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// Get issues a GET and decodes the response into out when out is non-nil.
func (c Caller) Get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c Caller) do(req *http.Request, out any) error {
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return c.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return core.NewBackendHTTPError(c.Backend, c.Stage, resp.StatusCode, errorMessage(resp.StatusCode, raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &core.BackendError{Backend: c.Backend, Stage: c.Stage, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// transportError wraps a client failure. Context errors pass through unwrapped so callers
// can tell a deadline from an upstream fault.
func (c Caller) transportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &core.BackendError{Backend: c.Backend, Stage: c.Stage, Err: err}
}

// errorMessage pulls a human message out of the common upstream error shapes.
func errorMessage(status int, raw []byte) string {
	var env struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil {
		switch e := env.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
		if env.Message != "" {
			return env.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return http.StatusText(status)
}

// JoinURL appends path to base without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/opensearch-project/opensearch-go/v4"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 200

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Object decodes the body as a JSON object.
func (r *Response) Object() (map[string]any, error) {
	var out map[string]any
	if err := r.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Call performs a request and returns the response whatever its status. Only
// transport failures are errors.
func (c *Client) Call(ctx context.Context, method, path string, body any) (*Response, error) {
	reader, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.api.Client.Perform(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	c.log.Debug("opensearch request",
		"method", method,
		"path", path,
		"status", res.StatusCode,
	)

	return &Response{StatusCode: res.StatusCode, Body: data}, nil
}

// Do performs a request and turns non-2xx responses into *StatusError.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	resp, err := c.Call(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       Truncate(strings.TrimSpace(string(resp.Body)), maxErrorBody),
		}
	}
	return resp, nil
}

// Get issues a GET and decodes the JSON answer into out when out is non-nil.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.exchange(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body and decodes the answer into out when out is non-nil.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.exchange(ctx, http.MethodPost, path, body, out)
}

func (c *Client) exchange(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

func encodeBody(body any) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(b), nil
	case string:
		return strings.NewReader(b), nil
	case io.Reader:
		return b, nil
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		return bytes.NewReader(payload), nil
	}
}

// statusFromResponse converts a typed-API failure into a StatusError when the
// server answered, so callers can tell a rejected request from a broken link.
func statusFromResponse(method, path string, res *opensearch.Response, err error) error {
	if res == nil || res.StatusCode < 300 {
		return err
	}
	var body string
	if res.Body != nil {
		data, _ := io.ReadAll(res.Body)
		body = strings.TrimSpace(string(data))
	}
	if body == "" && err != nil {
		body = err.Error()
	}
	return &StatusError{
		Method:     method,
		Path:       path,
		StatusCode: res.StatusCode,
		Body:       Truncate(body, maxErrorBody),
	}
}

// Package httpclient es el cliente JSON que usan los adapters hacia servicios
// externos (hoy, el registro de practicantes).
package httpclient

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
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultBackoff = 200 * time.Millisecond

	maxBody = 1 << 20
)

type Options struct {
	// BaseURL es obligatorio: todos los paths son relativos a él.
	BaseURL string
	Timeout time.Duration

	// Headers viajan en cada request (API key del upstream).
	Headers map[string]string

	// Retries aplica solo a GET. Las mutaciones nunca se reintentan.
	Retries int
	Backoff time.Duration

	Transport http.RoundTripper
}

type Client struct {
	http    *http.Client
	base    *url.URL
	headers http.Header
	retries int
	backoff time.Duration
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("httpclient: base url required")
	}
	base, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, fmt.Errorf("httpclient: invalid base url: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	h := make(http.Header, len(opts.Headers))
	for k, v := range opts.Headers {
		if strings.TrimSpace(k) != "" {
			h.Set(k, v)
		}
	}

	return &Client{
		http:    &http.Client{Timeout: timeout, Transport: opts.Transport},
		base:    base,
		headers: h,
		retries: max(opts.Retries, 0),
		backoff: backoff,
	}, nil
}

// HTTPError es una respuesta no-2xx.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("http error: status=%d body=%s", e.StatusCode, e.Body)
}

// StatusCode devuelve el status de un *HTTPError envuelto, o 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// transportError marca fallas de red (sin respuesta), que sí se reintentan.
type transportError struct{ err error }

func (e *transportError) Error() string { return "httpclient: do request: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// GetJSON decodifica la respuesta de GET path en out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, out)
}

// DoJSON manda in (si no es nil) como JSON y decodifica la respuesta en out
// (si no es nil). Un status fuera de 2xx es *HTTPError.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	if c == nil || c.http == nil {
		return errors.New("httpclient: nil client")
	}

	target := c.base.JoinPath(path).String()

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpclient: marshal json: %w", err)
		}
		payload = b
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.retries
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if werr := wait(ctx, c.backoff<<(i-1)); werr != nil {
				return werr
			}
		}
		err = c.once(ctx, method, target, payload, out)
		if !retryable(err) {
			return err
		}
	}
	return err
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("httpclient: new request: %w", err)
	}
	req.Header = c.headers.Clone()
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	if resp.StatusCode/100 != 2 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("httpclient: unmarshal json: %w", err)
	}
	return nil
}

// retryable: transporte caído o 5xx. Un 4xx o un ctx cancelado es definitivo.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	return StatusCode(err) >= 500
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package registry consulta practicantes y membresías en el registro externo
// de organizaciones por HTTP.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"patient-access/internal/platform/httpclient"
	"patient-access/internal/ports/directory"
)

var (
	ErrRegistryNotConfigured = errors.New("practitioner registry not configured")
	ErrRegistryUnauthorized  = errors.New("practitioner registry unauthorized")
	ErrRegistryUpstream      = errors.New("practitioner registry upstream error")
)

type Config struct {
	BaseURL string
	APIKey  string

	// Opcional: nombre del header donde se manda la API key.
	// Si está vacío, se usa "X-Api-Key".
	APIKeyHeader string
	Timeout      time.Duration
	Retries      int
}

type Client struct {
	http *httpclient.Client
}

var _ directory.Directory = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrRegistryNotConfigured
	}

	h := strings.TrimSpace(cfg.APIKeyHeader)
	if h == "" {
		h = "X-Api-Key"
	}
	hc, err := httpclient.New(httpclient.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Headers: map[string]string{h: strings.TrimSpace(cfg.APIKey)},
		Retries: cfg.Retries,
	})
	if err != nil {
		return nil, err
	}
	return &Client{http: hc}, nil
}

func (c *Client) GetPractitioner(ctx context.Context, id string) (directory.Practitioner, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return directory.Practitioner{}, directory.ErrNotFound
	}
	return c.fetch(ctx, "/v1/practitioners/"+url.PathEscape(id))
}

func (c *Client) FindByUserID(ctx context.Context, userID string) (directory.Practitioner, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return directory.Practitioner{}, directory.ErrNotFound
	}
	return c.fetch(ctx, "/v1/users/"+url.PathEscape(userID)+"/practitioner")
}

func (c *Client) fetch(ctx context.Context, path string) (directory.Practitioner, error) {
	var out directory.Practitioner
	err := c.http.GetJSON(ctx, path, &out)

	switch code := httpclient.StatusCode(err); {
	case err == nil:
	case code == http.StatusNotFound:
		return directory.Practitioner{}, directory.ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return directory.Practitioner{}, ErrRegistryUnauthorized
	default:
		return directory.Practitioner{}, fmt.Errorf("%w: %v", ErrRegistryUpstream, err)
	}

	if strings.TrimSpace(out.ID) == "" {
		return directory.Practitioner{}, fmt.Errorf("%w: practitioner without id", ErrRegistryUpstream)
	}
	return out, nil
}

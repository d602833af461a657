// Package media releases externally stored attachments.
package media

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Store interface {
	Delete(ctx context.Context, ref string) error
}

// NopStore is used when no media service is configured.
type NopStore struct{}

func (NopStore) Delete(context.Context, string) error { return nil }

// HTTPStore deletes attachments by issuing DELETE <base>/<ref> against the
// media service.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
}

func NewHTTPStore(baseURL string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse media url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("media url must be absolute: %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{base: u, client: client}, nil
}

func (s *HTTPStore) Delete(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}

	target := s.base.JoinPath(strings.TrimPrefix(ref, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	defer resp.Body.Close()

	// already gone counts as deleted
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("delete %s: unexpected status %d", ref, resp.StatusCode)
	}
	return nil
}

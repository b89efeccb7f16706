package docstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/httpx"
)

// HTTPStore fetches documents from an object-store style endpoint at
// <BaseURL>/<Bucket>/<key>.
type HTTPStore struct {
	Client     *http.Client
	BaseURL    string
	Bucket     string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (s HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(s.BaseURL, "/")
	if s.Bucket != "" {
		endpoint += "/" + url.PathEscape(s.Bucket)
	}
	endpoint += "/" + key
	status, body, err := httpx.RequestJSON(ctx, s.Client, httpx.Request{
		Method:     http.MethodGet,
		URL:        endpoint,
		Headers:    s.Headers,
		Retries:    s.Retries,
		RetryDelay: s.RetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case status < 200 || status > 299:
		return nil, fmt.Errorf("fetch %s: status %d", key, status)
	}
	return body, nil
}

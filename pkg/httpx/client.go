package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultMaxResponseBytes = 8 << 20

var ErrResponseTooLarge = errors.New("response body exceeds limit")

// Request describes one JSON call against an upstream collaborator.
type Request struct {
	Method     string
	URL        string
	Body       []byte
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
	MaxBytes   int64
}

// RequestJSON performs req with retry for transient failures.
// Retries apply to transport errors and 5xx responses only, and stop early
// when ctx is done.
func RequestJSON(ctx context.Context, client *http.Client, req Request) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	retries := req.Retries
	if retries < 0 {
		retries = 0
	}
	limit := req.MaxBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, req.RetryDelay); err != nil {
				return 0, nil, errors.Join(lastErr, err)
			}
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return 0, nil, err
		}
		if len(req.Body) > 0 {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		httpReq.Header.Set("Accept", "application/json")
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if int64(len(body)) > limit {
			return resp.StatusCode, nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, limit)
		}
		if resp.StatusCode >= 500 && attempt < retries {
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			continue
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

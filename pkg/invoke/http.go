package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/envelope"
	"github.com/VaultSovereign/vmq-oracle/pkg/httpx"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

// HTTPInvoker POSTs the invocation as JSON. Lambda ARNs are sent to the
// Lambda invoke API at LambdaEndpoint.
type HTTPInvoker struct {
	Client         *http.Client
	Headers        map[string]string
	LambdaEndpoint string
	// Timeout bounds a single invocation; zero leaves it to the caller.
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

func (h HTTPInvoker) Invoke(ctx context.Context, target string, inv models.Invocation) (envelope.Response, error) {
	endpoint, err := h.endpoint(target)
	if err != nil {
		return envelope.Response{}, err
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return envelope.Response{}, fmt.Errorf("encode invocation: %w", err)
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	status, body, err := httpx.RequestJSON(ctx, h.Client, httpx.Request{
		Method:     http.MethodPost,
		URL:        endpoint,
		Body:       payload,
		Headers:    h.Headers,
		Retries:    h.Retries,
		RetryDelay: h.RetryDelay,
	})
	if err != nil {
		return envelope.Response{}, fmt.Errorf("invoke %s: %w", target, err)
	}
	if msg, failed := functionError(body); failed {
		return envelope.Response{}, fmt.Errorf("invoke %s: %s", target, msg)
	}
	resp, decodeErr := envelope.Decode(body)
	if status < 200 || status > 299 {
		if decodeErr == nil && resp.StatusCode >= 400 {
			return resp, nil
		}
		return envelope.Response{}, fmt.Errorf("invoke %s: handler returned status %d", target, status)
	}
	if decodeErr != nil {
		return envelope.Response{}, fmt.Errorf("invoke %s: %w", target, decodeErr)
	}
	return resp, nil
}

func (h HTTPInvoker) endpoint(target string) (string, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}
	fn, qualifier, err := ParseLambdaARN(target)
	if err != nil {
		return "", err
	}
	base := strings.TrimRight(strings.TrimSpace(h.LambdaEndpoint), "/")
	if base == "" {
		return "", fmt.Errorf("%w: %s requires LAMBDA_ENDPOINT", ErrUnsupportedTarget, target)
	}
	u := base + "/2015-03-31/functions/" + url.PathEscape(fn) + "/invocations"
	if qualifier != "" {
		u += "?Qualifier=" + url.QueryEscape(qualifier)
	}
	return u, nil
}

// ParseLambdaARN extracts the function name and optional qualifier from
// arn:aws:lambda:<region>:<account>:function:<name>[:<qualifier>].
func ParseLambdaARN(arn string) (string, string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) < 7 || len(parts) > 8 || parts[0] != "arn" || parts[2] != "lambda" || parts[5] != "function" || parts[6] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedTarget, arn)
	}
	if len(parts) == 8 {
		return parts[6], parts[7], nil
	}
	return parts[6], "", nil
}

// functionError recognizes the Lambda runtime's unhandled error shape,
// {"errorMessage": ..., "errorType": ...}.
func functionError(body []byte) (string, bool) {
	var probe struct {
		ErrorMessage *string `json:"errorMessage"`
		ErrorType    string  `json:"errorType"`
		StatusCode   *int    `json:"statusCode"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.ErrorMessage == nil || probe.StatusCode != nil {
		return "", false
	}
	if probe.ErrorType != "" {
		return probe.ErrorType + ": " + *probe.ErrorMessage, true
	}
	return *probe.ErrorMessage, true
}

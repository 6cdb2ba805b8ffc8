package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// maxErrBody caps how much of an error response body ends up in an error message.
const maxErrBody = 512

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func newHTTPClient(log *zap.SugaredLogger, customize func(*retryablehttp.Client)) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	// A failed PUT must reach the connector's loop, and an eval must not run twice.
	// Callers can opt into transport retries with WithCustomizeRetryableClient.
	retryClient.RetryMax = 0
	retryClient.Logger = &logAdapter{SugaredLogger: log}

	if customize != nil {
		customize(retryClient)
	}
	return retryClient.StandardClient()
}

// putter is the create/send primitive: a PUT of a JSON body that returns the response body on a 2xx status.
type putter struct {
	client *http.Client
	log    *zap.SugaredLogger
}

func (p *putter) put(ctx context.Context, uri, token string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uri, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Close = true

	p.log.Debugw("PUT", "URL", uri, "Bytes", len(body))
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(b) > maxErrBody {
			b = b[:maxErrBody]
		}
		return nil, fmt.Errorf("non-2xx HTTP status code %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return b, nil
}

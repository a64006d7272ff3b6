package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Response is the raw result of one broker HTTP call. The governor decides
// what a status code means; callers get the full picture back.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Transport issues a single HTTP request. Implementations must not retry:
// retry policy belongs to the queue and the circuit breaker, and a hidden
// transport-level retry would corrupt both the telemetry window and the
// breaker's failure count.
type Transport interface {
	Do(ctx context.Context, method, url string, headers http.Header, body []byte) (*Response, error)
}

type restyTransport struct {
	http *resty.Client
}

// NewRestyTransport builds the default Transport on resty with a base URL
// and a per-request timeout. Retries are deliberately left disabled.
func NewRestyTransport(baseURL string, timeout time.Duration) Transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &restyTransport{http: client}
}

func (t *restyTransport) Do(ctx context.Context, method, url string, headers http.Header, body []byte) (*Response, error) {
	req := t.http.R().SetContext(ctx)
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return &Response{
		Status:  resp.StatusCode(),
		Headers: resp.Header(),
		Body:    resp.Body(),
	}, nil
}

package httpclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

// Client wraps resty for HTTP requests to external APIs.
type Client struct {
	r *resty.Client
}

// New creates a new HTTP client with sensible defaults. Transport errors and 5xx
// responses are retried.
func New() *Client {
	r := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode() >= 500)
		})

	return &Client{r: r}
}

// WithTimeout sets a custom timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.r.SetTimeout(d)
	return c
}

// WithBaseURL sets the URL relative paths are resolved against.
func (c *Client) WithBaseURL(url string) *Client {
	c.r.SetBaseURL(url)
	return c
}

// WithRetry overrides the retry policy.
func (c *Client) WithRetry(count int, wait, maxWait time.Duration) *Client {
	c.r.SetRetryCount(count).SetRetryWaitTime(wait).SetRetryMaxWaitTime(maxWait)
	return c
}

// WithBearerToken sets a bearer token for authentication.
func (c *Client) WithBearerToken(token string) *Client {
	c.r.SetAuthToken(token)
	return c
}

// WithHeader sets a custom header.
func (c *Client) WithHeader(key, value string) *Client {
	c.r.SetHeader(key, value)
	return c
}

// PostJSON sends body as JSON and decodes a 2xx response into result.
func (c *Client) PostJSON(ctx context.Context, url string, body, result interface{}) error {
	req := c.r.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Post(url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// GetJSON sends a GET request and decodes a 2xx response into result.
func (c *Client) GetJSON(ctx context.Context, url string, result interface{}) error {
	req := c.r.R().SetContext(ctx).SetHeader("Accept", "application/json")
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Get(url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// Raw returns the underlying resty client for advanced usage.
func (c *Client) Raw() *resty.Client {
	return c.r
}

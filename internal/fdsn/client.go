// Package fdsn fetches miniSEED from FDSN dataselect web services.
package fdsn

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryabkov82/multifetch/internal/acquire"
	"github.com/ryabkov82/multifetch/internal/job"
)

const (
	queryPath = "/fdsnws/dataselect/1/query"
	timeParam = "2006-01-02T15:04:05.000000"
	// maxBody caps one response
	maxBody = 256 << 20
)

// Options configures a Client
type Options struct {
	Scheme     string // http (default) or https
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	BackoffMax time.Duration
	User       string // optional basic auth; both User and Password must be set
	Password   string
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client
}

// Client requests waveform data with retry and backoff
type Client struct {
	client     *http.Client
	scheme     string
	maxRetries int
	backoff    time.Duration
	backoffMax time.Duration
	authHeader string
	logger     *zap.SugaredLogger
}

// NewClient creates a dataselect client
func NewClient(opts Options) *Client {
	c := &Client{
		client:     opts.HTTPClient,
		scheme:     opts.Scheme,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		backoffMax: opts.BackoffMax,
		logger:     opts.Logger,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: opts.Timeout}
	}
	if c.scheme == "" {
		c.scheme = "http"
	}
	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}
	if c.backoffMax < c.backoff {
		c.backoffMax = c.backoff
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	if opts.User != "" && opts.Password != "" {
		c.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.User+":"+opts.Password))
	}
	return c
}

var _ acquire.Source = (*Client)(nil)

// HTTPError represents a non-success response
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// QueryURL builds the dataselect request for one channel and interval
func (c *Client) QueryURL(conn job.ConnectionProfile, ch job.ChannelAddress, iv job.TimeInterval) string {
	loc := ch.Location
	if loc == "" {
		loc = "--"
	}
	q := url.Values{}
	q.Set("net", ch.Network)
	q.Set("sta", ch.Station)
	q.Set("loc", loc)
	q.Set("cha", ch.Channel)
	q.Set("start", iv.Start.UTC().Format(timeParam))
	q.Set("end", iv.End.UTC().Format(timeParam))
	q.Set("nodata", "404")
	u := url.URL{
		Scheme:   c.scheme,
		Host:     conn.Address(),
		Path:     queryPath,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Fetch implements acquire.Source
func (c *Client) Fetch(ctx context.Context, conn job.ConnectionProfile, ch job.ChannelAddress, iv job.TimeInterval) (acquire.Bundle, error) {
	target := c.QueryURL(conn, ch, iv)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<uint(attempt-1))
			if backoff > c.backoffMax {
				backoff = c.backoffMax
			}
			var httpErr *HTTPError
			if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
				backoff = httpErr.RetryAfter
			}

			c.logger.Debugw("Retrying dataselect request",
				"url", target,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, acquire.Unavailable(errors.Wrapf(ctx.Err(), "after %d attempts: %v", attempt, lastErr))
			case <-timer.C:
			}
		}

		data, err := c.fetchOnce(ctx, target)
		if err == nil {
			b, err := acquire.NewRecordBundle(data)
			if err != nil {
				return nil, acquire.Unavailable(errors.Wrapf(err, "decode response from %s", conn.Address()))
			}
			return b, nil
		}
		if errors.Is(err, acquire.ErrNoData) {
			return nil, err
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return nil, acquire.Unavailable(err)
		}
	}

	return nil, acquire.Unavailable(errors.Wrap(lastErr, "max retries exceeded"))
}

func (c *Client) fetchOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/vnd.fdsn.mseed")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "http error")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
		if err != nil {
			return nil, errors.Wrap(err, "read body")
		}
		if len(data) > maxBody {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: "response too large"}
		}
		if len(data) == 0 {
			return nil, acquire.NoData(errors.New("empty response body"))
		}
		return data, nil
	case http.StatusNoContent, http.StatusNotFound:
		return nil, acquire.NoData(errors.Newf("no data (HTTP %d)", resp.StatusCode))
	}

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       string(bodyBytes),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// isRetryable reports whether another attempt may succeed.
// Network errors, 429 and 5xx are retried; other statuses are not.
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return true
	}
	return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"commodity-ratewatch/internal/logging"
)

const maxPageBytes = 8 << 20

// HTTPOptions tune the shared scraping client.
type HTTPOptions struct {
	Timeout         time.Duration
	UserAgent       string
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

var (
	errRateLimited = errors.New("rate limited")
	errServerError = errors.New("server error")
)

// statusError is a non-retryable client error such as 404.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status code %d", e.code) }

// Client fetches HTML pages with retries, exponential backoff and a circuit
// breaker per host.
type Client struct {
	opts   HTTPOptions
	http   *http.Client
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient constructs a scraping client.
func NewClient(opts HTTPOptions, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = time.Minute
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; ratewatch/1.0)"
	}
	return &Client{
		opts:     opts,
		http:     &http.Client{Timeout: opts.Timeout},
		logger:   logging.Component(logger, "scraper_http"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Document downloads and parses an HTML page.
func (c *Client) Document(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, failed("parse %s: %v", rawURL, err)
	}
	return doc, nil
}

// Get downloads a page body. Every failure wraps ErrFetchFailed.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, failed("parse url %q: %v", rawURL, err)
	}
	cb := c.breaker(u.Host)

	var attempt int
	for {
		if err := ctx.Err(); err != nil {
			return nil, failed("%s: %v", rawURL, err)
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return c.do(ctx, rawURL)
		})
		if err == nil {
			return result.([]byte), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, failed("%s: circuit breaker open: %v", u.Host, err)
		}
		var status *statusError
		if errors.As(err, &status) || attempt >= c.opts.MaxRetries {
			return nil, failed("%s: %v", rawURL, err)
		}

		delay := c.opts.BackoffBase * time.Duration(math.Pow(2, float64(attempt)))
		if c.opts.BackoffMax > 0 && delay > c.opts.BackoffMax {
			delay = c.opts.BackoffMax
		}
		c.logger.Debug().Err(err).Str("url", rawURL).Int("attempt", attempt+1).Dur("backoff", delay).Msg("retrying page fetch")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, failed("%s: %v", rawURL, ctx.Err())
		case <-timer.C:
		}
		attempt++
	}
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-IN,en;q=0.9")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	failures := c.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     c.opts.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// A missing page says nothing about the host's health.
			var status *statusError
			return err == nil || errors.As(err, &status)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	c.breakers[host] = cb
	return cb
}

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/colthorp/labsheets-cli-go/internal/core"
	"github.com/colthorp/labsheets-cli-go/internal/logging"
)

// ErrNoSession is returned when no Moodle session key can be found, which
// almost always means the session cookie is missing or expired.
var ErrNoSession = errors.New("could not find Moodle session key; are you logged in?")

// APIError is returned when the portal answers with an error.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("API error: %s", e.Message)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Unwrap maps Moodle's session error codes onto ErrNoSession.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalidsesskey", "servicerequireslogin", "requireloginerror":
		return ErrNoSession
	}
	return nil
}

// retryable reports whether a status code is worth another attempt.
func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL       string
	SessionCookie string
	// Sesskey skips discovery when set.
	Sesskey    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client is the HTTP wrapper around the portal. It implements Transport.
type Client struct {
	baseURL       string
	sessionCookie string
	maxRetries    int
	httpClient    *http.Client
	cb            *gobreaker.CircuitBreaker[[]byte]
	log           zerolog.Logger

	// retryWait returns the back-off before attempt+1.
	retryWait func(attempt int) time.Duration

	mu      sync.Mutex
	sesskey string
}

// NewClient creates a new portal client.
func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = core.DefaultPortalURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		sessionCookie: opts.SessionCookie,
		maxRetries:    opts.MaxRetries,
		httpClient:    httpClient,
		sesskey:       opts.Sesskey,
		log:           logging.WithComponent("api"),
		retryWait: func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-1)) * time.Second
		},
	}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "courseweb",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode != 0 && !retryable(apiErr.StatusCode)
			}
			return errors.Is(err, ErrNoSession)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return c
}

// BaseURL returns the portal root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchPage GETs an HTML page. Relative URLs resolve against the portal root.
func (c *Client) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	target, err := c.resolve(pageURL)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, http.MethodGet, target, nil)
}

// Call invokes a Moodle AJAX web service method and returns the data
// payload of the first (only) response element. A cached session key the
// portal rejects is dropped and discovered again once; if that fails too the
// original rejection is returned.
func (c *Client) Call(ctx context.Context, method string, args interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	cached := c.sesskey
	c.mu.Unlock()

	data, err := c.call(ctx, method, args)
	if cached != "" && errors.Is(err, ErrNoSession) {
		c.log.Info().Str("method", method).Msg("session key rejected; discovering a new one")
		c.forgetSesskey(cached)
		retried, retryErr := c.call(ctx, method, args)
		if errors.Is(retryErr, ErrNoSession) {
			return nil, err
		}
		return retried, retryErr
	}
	return data, err
}

func (c *Client) call(ctx context.Context, method string, args interface{}) (json.RawMessage, error) {
	sesskey, err := c.Sesskey(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal([]ajaxRequest{{Index: 0, MethodName: method, Args: args}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	q := url.Values{}
	q.Set("sesskey", sesskey)
	q.Set("info", method)
	endpoint := c.baseURL + core.AjaxServicePath + "?" + q.Encode()

	body, err := c.execute(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	return decodeAjax(body)
}

func decodeAjax(body []byte) (json.RawMessage, error) {
	var responses []ajaxResponse
	if err := json.Unmarshal(body, &responses); err != nil {
		// Moodle answers a bad sesskey with a bare object, not an array.
		var single ajaxResponse
		if json.Unmarshal(body, &single) == nil && single.Error {
			return nil, ajaxError(single)
		}
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	if len(responses) == 0 {
		return nil, &APIError{Message: "empty response"}
	}
	if responses[0].Error {
		return nil, ajaxError(responses[0])
	}
	return responses[0].Data, nil
}

func ajaxError(r ajaxResponse) error {
	apiErr := &APIError{Message: "Calendar API error"}
	if r.Exception != nil {
		apiErr.Code = r.Exception.ErrorCode
		if r.Exception.Message != "" {
			apiErr.Message = r.Exception.Message
		}
	}
	return apiErr
}

var (
	cfgSesskeyRegex = regexp.MustCompile(`"sesskey":"([^"]+)"`)
)

// Sesskey returns the session key, discovering it from the portal home page
// on first use.
func (c *Client) Sesskey(ctx context.Context) (string, error) {
	c.mu.Lock()
	key := c.sesskey
	c.mu.Unlock()
	if key != "" {
		return key, nil
	}

	page, err := c.FetchPage(ctx, "/my/")
	if err != nil {
		return "", fmt.Errorf("fetch home page: %w", err)
	}
	key = FindSesskey(page)
	if key == "" {
		return "", ErrNoSession
	}

	c.log.Debug().Msg("discovered session key")
	c.mu.Lock()
	c.sesskey = key
	c.mu.Unlock()
	return key, nil
}

// forgetSesskey clears the cached key unless another caller already
// replaced it.
func (c *Client) forgetSesskey(key string) {
	c.mu.Lock()
	if c.sesskey == key {
		c.sesskey = ""
	}
	c.mu.Unlock()
}

// FindSesskey extracts the Moodle session key from a page: the M.cfg
// script block first, then a hidden sesskey input, then any link carrying
// a sesskey parameter. Returns "" when none is present.
func FindSesskey(page []byte) string {
	if m := cfgSesskeyRegex.FindSubmatch(page); m != nil {
		return string(m[1])
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return ""
	}

	if v := doc.Find(`input[name="sesskey"][value]`).FilterFunction(func(_ int, in *goquery.Selection) bool {
		return in.AttrOr("value", "") != ""
	}).First().AttrOr("value", ""); v != "" {
		return v
	}

	var fromLink string
	doc.Find(`a[href*="sesskey="]`).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if u, err := url.Parse(a.AttrOr("href", "")); err == nil {
			fromLink = u.Query().Get("sesskey")
		}
		return fromLink == ""
	})
	return fromLink
}

func (c *Client) resolve(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", pageURL, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", c.baseURL, err)
	}
	return base.ResolveReference(u).String(), nil
}

// execute runs one logical request through the circuit breaker.
func (c *Client) execute(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	result, err := c.cb.Execute(func() ([]byte, error) {
		return c.request(ctx, method, target, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("portal unavailable: %w", err)
	}
	return result, err
}

// request performs the HTTP call. Retries automatically on HTTP 5xx or 429
// responses with exponential back-off.
func (c *Client) request(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	c.log.Debug().Str("method", method).Str("url", redact(target)).Msg("request")

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
		} else {
			req.Header.Set("Accept", "text/html")
		}
		if c.sessionCookie != "" {
			req.AddCookie(&http.Cookie{Name: core.SessionCookieName, Value: c.sessionCookie})
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < c.maxRetries {
				wait := c.retryWait(attempt)
				c.log.Debug().Int("attempt", attempt).Dur("wait", wait).Err(err).Msg("connection error; retrying")
				if err := sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("request failed: %w", err)
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if retryable(resp.StatusCode) {
			lastErr = &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
			if attempt < c.maxRetries {
				wait := c.retryWait(attempt)
				if resp.StatusCode == http.StatusTooManyRequests {
					if ra := resp.Header.Get("Retry-After"); ra != "" {
						if secs, err := strconv.Atoi(ra); err == nil {
							wait = time.Duration(secs) * time.Second
						}
					}
				}
				c.log.Debug().Int("attempt", attempt).Int("status", resp.StatusCode).Dur("wait", wait).Msg("retrying")
				if err := sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}

		// An expired session redirects HTML pages to the login form.
		if body == nil && resp.Request != nil && strings.Contains(resp.Request.URL.Path, "/login/") {
			return nil, ErrNoSession
		}

		c.log.Debug().Int("status", resp.StatusCode).Int("bytes", len(data)).Msg("response")
		return data, nil
	}

	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// redact hides the session key in logged URLs.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	if q.Has("sesskey") {
		q.Set("sesskey", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestTimeout bounds a single status request.
	DefaultRequestTimeout = 5 * time.Second

	maxBodyBytes    = 1 << 20
	maxExcerptBytes = 512
)

// Endpoint paths served by the studio.
const (
	PathEnv        = "/env"
	PathComponents = "/live/api/components"
)

// StatePath returns the state document path for a component.
func StatePath(componentID string) string {
	return "/live/api/" + url.PathEscape(componentID) + "/state"
}

// State classifies a status response.
type State int

const (
	// Ready is any 2xx response.
	Ready State = iota + 1
	// NotReady is a 503: the service exists but is not yet in the expected phase.
	NotReady
	// HardError is any other status, or a transport failure (status code 0).
	HardError
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case NotReady:
		return "not_ready"
	case HardError:
		return "hard_error"
	default:
		return "unknown"
	}
}

// Response is one classified status response.
type Response struct {
	State      State
	StatusCode int
	Body       []byte
}

// StatusError describes a NotReady or HardError response.
type StatusError struct {
	Path       string
	State      State
	StatusCode int
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("GET %s: %v", e.Path, e.Err)
	}
	text := fmt.Sprintf("GET %s: %d %s", e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		text += ": " + e.Message
	}
	return text
}

// Unwrap exposes the transport failure, if any.
func (e *StatusError) Unwrap() error {
	return e.Err
}

// IsNotReady reports whether err is a 503 response.
func IsNotReady(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.State == NotReady
}

// IsTransport reports whether err is a failure to reach the studio at all.
func IsTransport(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.State == HardError && statusErr.StatusCode == 0
}

// IsHard reports whether err is a non-503 HTTP error response.
func IsHard(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.State == HardError && statusErr.StatusCode != 0
}

// BaseURL resolves the studio base URL for each request.
type BaseURL interface {
	Resolve(ctx context.Context) string
}

// StaticURL is a BaseURL that never changes.
type StaticURL string

// Resolve returns the URL itself.
func (u StaticURL) Resolve(context.Context) string {
	return string(u)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithRateLimit caps outgoing requests per second across all callers of the client.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client reads the studio health and live-state endpoints.
type Client struct {
	base    BaseURL
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// New builds a Client that resolves its base URL through base on every request.
func New(base BaseURL, options ...Option) (*Client, error) {
	if base == nil {
		return nil, errors.New("base url source is required")
	}
	c := &Client{
		base: base,
		http: &http.Client{
			Timeout:   DefaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: log.New(io.Discard),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(c)
	}
	return c, nil
}

// Get fetches path and classifies the result.
//
// The returned error is a *StatusError whenever the state is not Ready.
func (c *Client) Get(ctx context.Context, path string) (Response, error) {
	if c == nil {
		return Response{}, errors.New("status client is nil")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{State: HardError}, &StatusError{Path: path, State: HardError, Err: err}
		}
	}

	target := strings.TrimRight(c.base.Resolve(ctx), "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{State: HardError}, &StatusError{Path: path, State: HardError, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("status request failed", "path", path, "err", err)
		return Response{State: HardError}, &StatusError{Path: path, State: HardError, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return Response{State: HardError, StatusCode: res.StatusCode}, &StatusError{
			Path:       path,
			State:      HardError,
			StatusCode: res.StatusCode,
			Message:    "read body",
			Err:        err,
		}
	}

	response := Response{State: classify(res.StatusCode), StatusCode: res.StatusCode, Body: body}
	if response.State == Ready {
		return response, nil
	}
	return response, &StatusError{
		Path:       path,
		State:      response.State,
		StatusCode: res.StatusCode,
		Message:    bodyMessage(body),
	}
}

func classify(code int) State {
	switch {
	case code >= 200 && code < 300:
		return Ready
	case code == http.StatusServiceUnavailable:
		return NotReady
	default:
		return HardError
	}
}

// bodyMessage prefers the "error" field of a JSON body and falls back to a text excerpt.
func bodyMessage(body []byte) string {
	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && strings.TrimSpace(decoded.Error) != "" {
		return strings.TrimSpace(decoded.Error)
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxExcerptBytes {
		text = text[:maxExcerptBytes] + "..."
	}
	return text
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	res, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

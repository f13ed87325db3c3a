package reqscope

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// replayDenyList holds the headers owned by the network layer. They are
// dropped, case-insensitively, from every replayed request.
var replayDenyList = map[string]struct{}{
	"host":                      {},
	"connection":                {},
	"content-length":            {},
	"upgrade-insecure-requests": {},
	"accept-encoding":           {},
}

// ReplayRequest describes one out-of-band request.
type ReplayRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body,omitempty"`

	// ExchangeID optionally names a tracked exchange whose cached request
	// headers seed Headers. Explicit Headers win.
	ExchangeID string `json:"exchangeId,omitempty"`
}

// ReplayResult is the success form of a ReplayResponse.
type ReplayResult struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	TimeMillis int64             `json:"time"`
	SizeBytes  int               `json:"size"`
}

// ReplayResponse is either a result or an error, never both.
type ReplayResponse struct {
	*ReplayResult
	Error string `json:"error,omitempty"`
}

// Failed reports whether the replay ended in an error.
func (r ReplayResponse) Failed() bool {
	return r.Error != ""
}

func replayFailure(format string, args ...interface{}) ReplayResponse {
	return ReplayResponse{Error: fmt.Sprintf(format, args...)}
}

type ReplayOptions struct {
	// Timeout bounds a replay when the caller's context has no earlier
	// deadline.
	Timeout time.Duration

	// Proxy selects an upstream proxy for replayed requests. Nil dials
	// directly.
	Proxy func(*http.Request) (*url.URL, error)

	// InsecureSkipVerify disables upstream certificate checks.
	InsecureSkipVerify bool

	// Transport overrides the round tripper entirely.
	Transport http.RoundTripper
}

// ReplayExecutor reissues requests directly, outside the interception path.
type ReplayExecutor struct {
	cache   *HeaderCache
	client  *http.Client
	timeout time.Duration
}

// NewReplayExecutor creates an executor. cache may be nil when replays are
// never seeded from tracked exchanges.
func NewReplayExecutor(cache *HeaderCache, optFns ...func(*ReplayOptions)) *ReplayExecutor {
	options := ReplayOptions{
		Timeout: 30 * time.Second,
	}

	for _, fn := range optFns {
		fn(&options)
	}

	transport := options.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.Proxy = options.Proxy
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: options.InsecureSkipVerify} //nolint: gosec // operator choice
		transport = t
	}

	return &ReplayExecutor{
		cache: cache,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: options.Timeout,
	}
}

// SanitizeHeaders returns a copy of headers without the deny-listed
// connection-management headers.
func SanitizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))

	for k, v := range headers {
		if _, deny := replayDenyList[strings.ToLower(strings.TrimSpace(k))]; deny {
			continue
		}

		out[k] = v
	}

	return out
}

// Execute sends r and reports the outcome. It never returns an error
// value; failures come back as the error form of ReplayResponse.
func (e *ReplayExecutor) Execute(ctx context.Context, r ReplayRequest) ReplayResponse {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(r.URL)
	if err != nil {
		return replayFailure("invalid url: %v", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return replayFailure("invalid url %q: scheme must be http or https", r.URL)
	}

	// Keys are canonicalized before merging so an explicit header wins
	// over a cached one regardless of its casing.
	headers := make(http.Header)
	if r.ExchangeID != "" && e.cache != nil {
		if cached, ok := e.cache.Get(r.ExchangeID); ok {
			for k, v := range SanitizeHeaders(cached) {
				headers.Set(k, v)
			}
		}
	}

	for k, v := range SanitizeHeaders(r.Headers) {
		headers.Set(k, v)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var body io.Reader
	if r.Body != nil && method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(*r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return replayFailure("cannot build request: %v", err)
	}

	for k, vv := range headers {
		req.Header[k] = vv
	}

	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}

	start := time.Now()

	res, err := e.client.Do(req)
	if err != nil {
		return replayFailure("request failed: %v", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return replayFailure("reading response body failed: %v", err)
	}

	elapsed := time.Since(start)

	return ReplayResponse{
		ReplayResult: &ReplayResult{
			Status:     res.StatusCode,
			StatusText: statusText(res),
			Headers:    flattenHeader(res.Header),
			Body:       string(raw),
			TimeMillis: elapsed.Milliseconds(),
			SizeBytes:  len(raw),
		},
	}
}

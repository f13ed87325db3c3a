package reqscope

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var ErrInvalidUpstream = errors.New("invalid upstream proxy")

// DefaultProbeURL is requested by UpstreamSelector.Test when no probe URL
// has been configured.
const DefaultProbeURL = "http://connectivitycheck.gstatic.com/generate_204"

// UpstreamConfig names the proxy the outgoing traffic is routed through.
type UpstreamConfig struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// ParseUpstream validates cfg and returns the proxy URL to dial. Type may
// be http, https or socks5; when empty it is taken from the URL scheme.
func ParseUpstream(cfg UpstreamConfig) (*url.URL, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidUpstream)
	}

	typ := strings.ToLower(strings.TrimSpace(cfg.Type))

	if !strings.Contains(raw, "://") {
		scheme := typ
		if scheme == "" {
			scheme = "http"
		}

		raw = scheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpstream, err)
	}

	if typ == "" {
		typ = u.Scheme
	}

	switch typ {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidUpstream, typ)
	}

	if u.Scheme != typ {
		return nil, fmt.Errorf("%w: url scheme %q does not match type %q", ErrInvalidUpstream, u.Scheme, typ)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidUpstream)
	}

	return u, nil
}

// UpstreamStatus is the result of probing an upstream proxy.
type UpstreamStatus struct {
	OK        bool   `json:"ok"`
	Status    int    `json:"status,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type UpstreamOptions struct {
	// ProbeURL is fetched through a candidate proxy by Test.
	ProbeURL string

	// ProbeTimeout bounds a single Test.
	ProbeTimeout time.Duration
}

// UpstreamSelector holds the upstream proxy the environment routes
// through. Its ProxyFunc is consulted on every outgoing connection, so
// changes apply to new connections immediately.
type UpstreamSelector struct {
	mu       sync.RWMutex
	current  *UpstreamConfig
	proxyURL *url.URL

	probeURL     string
	probeTimeout time.Duration
}

func NewUpstreamSelector(optFns ...func(*UpstreamOptions)) *UpstreamSelector {
	options := UpstreamOptions{
		ProbeURL:     DefaultProbeURL,
		ProbeTimeout: 10 * time.Second,
	}

	for _, fn := range optFns {
		fn(&options)
	}

	return &UpstreamSelector{
		probeURL:     options.ProbeURL,
		probeTimeout: options.ProbeTimeout,
	}
}

// Set routes subsequent traffic through cfg.
func (s *UpstreamSelector) Set(cfg UpstreamConfig) error {
	u, err := ParseUpstream(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = &UpstreamConfig{URL: u.String(), Type: u.Scheme}
	s.proxyURL = u

	return nil
}

// Clear removes the upstream proxy; traffic goes direct again.
func (s *UpstreamSelector) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	s.proxyURL = nil
}

// Current returns the active configuration.
func (s *UpstreamSelector) Current() (UpstreamConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return UpstreamConfig{}, false
	}

	return *s.current, true
}

// ProxyFunc is suitable for http.Transport.Proxy and websocket.Dialer.Proxy.
func (s *UpstreamSelector) ProxyFunc(_ *http.Request) (*url.URL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.proxyURL, nil
}

// Test fetches the probe URL through cfg without changing the active
// configuration.
func (s *UpstreamSelector) Test(ctx context.Context, cfg UpstreamConfig) UpstreamStatus {
	u, err := ParseUpstream(cfg)
	if err != nil {
		return UpstreamStatus{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	transport := &http.Transport{
		Proxy:               http.ProxyURL(u),
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint: gosec // probe only
		TLSHandshakeTimeout: s.probeTimeout,
		DisableKeepAlives:   true,
	}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.probeURL, nil)
	if err != nil {
		return UpstreamStatus{Error: err.Error()}
	}

	start := time.Now()

	res, err := transport.RoundTrip(req)
	if err != nil {
		return UpstreamStatus{LatencyMs: time.Since(start).Milliseconds(), Error: err.Error()}
	}
	defer res.Body.Close()

	_, _ = io.Copy(io.Discard, res.Body)

	status := UpstreamStatus{
		OK:        res.StatusCode < http.StatusInternalServerError,
		Status:    res.StatusCode,
		LatencyMs: time.Since(start).Milliseconds(),
	}

	if !status.OK {
		status.Error = fmt.Sprintf("probe returned %s", res.Status)
	}

	return status
}

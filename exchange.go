package reqscope

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exchange is one captured request/response pair.
//
// Fields are written by the goroutine serving the request, body capture
// happens under an internal lock. Once an Exchange has been handed to the
// exchange listeners it must be treated as read-only.
type Exchange struct {
	ID              string            `json:"id"`
	Method          string            `json:"method"`
	Scheme          string            `json:"scheme"`
	Host            string            `json:"host"`
	Path            string            `json:"path"`
	URL             string            `json:"url"`
	StartTime       time.Time         `json:"startTime"`
	EndTime         time.Time         `json:"endTime"`
	Status          int               `json:"status"`
	StatusText      string            `json:"statusText"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
	RequestBody     []byte            `json:"requestBody,omitempty"`
	ResponseBody    []byte            `json:"responseBody,omitempty"`
	SizeBytes       *int              `json:"sizeBytes,omitempty"`
	InitiatorStack  string            `json:"initiatorStack,omitempty"`
	Error           string            `json:"error,omitempty"`

	mu      sync.Mutex // guards the capture buffers and done
	reqBuf  *bytes.Buffer
	respBuf *bytes.Buffer
	done    bool
}

func newExchange(req *http.Request, scheme string) *Exchange {
	return &Exchange{
		ID:             uuid.NewString(),
		Method:         req.Method,
		Scheme:         scheme,
		Host:           req.URL.Host,
		Path:           req.URL.Path,
		URL:            req.URL.String(),
		StartTime:      time.Now(),
		RequestHeaders: flattenHeader(req.Header),
	}
}

// Duration returns the time between request start and finalization.
func (ex *Exchange) Duration() time.Duration {
	return ex.EndTime.Sub(ex.StartTime)
}

func (ex *Exchange) setResponse(res *http.Response) {
	ex.Status = res.StatusCode
	ex.StatusText = statusText(res)
	ex.ResponseHeaders = flattenHeader(res.Header)
}

func (ex *Exchange) fail(err error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if err != nil && !ex.done && ex.Error == "" {
		ex.Error = err.Error()
	}
}

// finish freezes the exchange. It reports false if the exchange was
// already finalized.
func (ex *Exchange) finish() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.done {
		return false
	}

	ex.done = true

	ex.EndTime = time.Now()
	if ex.EndTime.Before(ex.StartTime) {
		ex.EndTime = ex.StartTime
	}

	if ex.reqBuf != nil && ex.reqBuf.Len() > 0 {
		ex.RequestBody = ex.reqBuf.Bytes()
	}

	if ex.respBuf != nil {
		ex.ResponseBody = ex.respBuf.Bytes()
		size := len(ex.ResponseBody)
		ex.SizeBytes = &size
	}

	ex.reqBuf, ex.respBuf = nil, nil

	return true
}

// capture records body bytes as they are delivered. Bytes arriving after
// finalization are dropped.
func (ex *Exchange) capture(d Direction, p []byte) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.done {
		return
	}

	buf := &ex.respBuf
	if d == Outbound {
		buf = &ex.reqBuf
	}

	if *buf == nil {
		*buf = new(bytes.Buffer)
	}

	(*buf).Write(p)
}

// expectResponseBody marks the response body as captured even when it
// turns out to be empty, so SizeBytes reports zero instead of nothing.
func (ex *Exchange) expectResponseBody() {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.respBuf == nil {
		ex.respBuf = new(bytes.Buffer)
	}
}

// ErrorKind classifies failures reported through the proxy error callback.
type ErrorKind int

const (
	ErrHandshake ErrorKind = iota
	ErrUpstream
	ErrClientAbort
	ErrCertificate
	ErrTransform
	ErrInjection
	ErrUpgrade
)

func (k ErrorKind) String() string {
	switch k {
	case ErrHandshake:
		return "handshake"
	case ErrUpstream:
		return "upstream"
	case ErrClientAbort:
		return "client_abort"
	case ErrCertificate:
		return "certificate"
	case ErrTransform:
		return "transform"
	case ErrInjection:
		return "injection"
	case ErrUpgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// flattenHeader collapses a header into a single-valued map. When a key
// repeats, the last value wins.
func flattenHeader(h http.Header) map[string]string {
	m := make(map[string]string, len(h))

	for k, vv := range h {
		if len(vv) == 0 {
			continue
		}

		m[k] = vv[len(vv)-1]
	}

	return m
}

// statusText prefers the reason phrase sent by the peer.
func statusText(res *http.Response) string {
	if reason := strings.TrimPrefix(res.Status, strconv.Itoa(res.StatusCode)+" "); reason != res.Status {
		return reason
	}

	return http.StatusText(res.StatusCode)
}

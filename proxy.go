package reqscope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hupe1980/golog"
	"golang.org/x/net/http/httpguts"
)

// DefaultAddr is the listen address used when none is given.
const DefaultAddr = ":8081"

// DefaultCertHost is the host name under which the proxy serves its root
// certificate to clients.
const DefaultCertHost = "proxy.cert"

type RequestModifierFunc func(req *http.Request)

type ResponseModifierFunc func(res *http.Response) error

type WSMessageModifierFunc func(msg *WSMessage)

type ErrorHandlerFunc func(http.ResponseWriter, *http.Request, error)

// ExchangeHandlerFunc receives every finalized exchange.
type ExchangeHandlerFunc func(ex *Exchange)

// ErrorCallbackFunc receives failures of single connections or exchanges.
// ex is nil when the failure happened before an exchange existed.
type ErrorCallbackFunc func(ex *Exchange, err error, kind ErrorKind)

// BufferPool is an interface for getting and returning temporary
// byte slices for use by io.CopyBuffer.
type BufferPool interface {
	Get() []byte
	Put([]byte)
}

type Options struct {
	// Authority issues the leaf certificates for intercepted TLS
	// connections. If nil, an authority with a fresh root is created.
	Authority *CertificateAuthority

	// The transport used to perform proxy requests.
	// If nil, a transport routing through Upstream is used.
	Transport http.RoundTripper

	// Upstream optionally routes outgoing connections through another
	// proxy. Ignored for the transport when Transport is set.
	Upstream *UpstreamSelector

	// Injector inserts the initiator instrumentation into eligible
	// responses. If nil, responses are not rewritten.
	Injector *InitiatorInjector

	// TunnelOnCertFailure relays a CONNECT tunnel without interception
	// when no leaf certificate can be issued for its host. When false the
	// client connection is closed instead.
	TunnelOnCertFailure bool

	// CertHost is the host name that serves the root certificate.
	// Empty disables the endpoint.
	CertHost string

	// The upgrader used to upgrade a HTTP connection
	// to a WebSocket connection.
	// If nil, DefaultWSUpgrader is used.
	WSUpgrader *websocket.Upgrader

	// The dialer used to connect to a WebSocket server.
	// If nil, DefaultWSDialer is used.
	WSDialer *websocket.Dialer

	// FlushInterval specifies the flush interval
	// to flush to the client while copying the
	// response body.
	// If zero, no periodic flushing is done.
	// A negative value means to flush immediately
	// after each write to the client.
	// The FlushInterval is ignored when Proxy
	// recognizes a response as a streaming response, or
	// if its ContentLength is -1; for such responses, writes
	// are flushed to the client immediately.
	FlushInterval time.Duration

	// Logger specifies an optional logger.
	// If nil, logging is done via the log package's standard logger.
	Logger golog.Logger

	// BufferPool optionally specifies a buffer pool to
	// get byte slices for use by io.CopyBuffer when
	// copying HTTP response bodies.
	BufferPool BufferPool

	// ErrorHandler is an optional function that answers the client when
	// the backend cannot be reached or the response modifier fails.
	//
	// If nil, the default is to log the provided error and return
	// a 502 Status Bad Gateway response.
	ErrorHandler ErrorHandlerFunc
}

// Proxy is an intercepting HTTP/HTTPS proxy. Every request it forwards is
// recorded as an Exchange and handed to the registered exchange handlers
// once the response has been delivered.
type Proxy struct {
	*logger
	authority           *CertificateAuthority
	transport           http.RoundTripper
	injector            *InitiatorInjector
	tunnelOnCertFailure bool
	certHost            string
	certHandler         http.Handler
	wsUpgrader          *websocket.Upgrader
	wsDialer            *websocket.Dialer
	flushInterval       time.Duration
	bufferPool          BufferPool
	director            RequestModifierFunc
	responseModifier    ResponseModifierFunc
	errorHandler        ErrorHandlerFunc
	wsMessageModifier   WSMessageModifierFunc

	requestPipeline  Pipeline
	responsePipeline Pipeline

	mu               sync.RWMutex
	nextHandlerID    uint64
	exchangeHandlers map[uint64]ExchangeHandlerFunc
	errorCallbacks   map[uint64]ErrorCallbackFunc
}

func New(optFns ...func(*Options)) (*Proxy, error) {
	options := Options{
		Logger:     defaultLogger(),
		WSUpgrader: DefaultWSUpgrader,
		WSDialer:   DefaultWSDialer,
		CertHost:   DefaultCertHost,
	}

	for _, fn := range optFns {
		fn(&options)
	}

	if options.ErrorHandler == nil {
		options.ErrorHandler = func(rw http.ResponseWriter, r *http.Request, err error) {
			options.Logger.Printf(golog.ERROR, "proxy error: %v", err)
			http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		}
	}

	if options.Transport == nil {
		options.Transport = newDefaultTransport(options.Upstream)
	}

	if options.Upstream != nil && options.WSDialer == DefaultWSDialer {
		dialer := *DefaultWSDialer
		dialer.Proxy = options.Upstream.ProxyFunc
		options.WSDialer = &dialer
	}

	if options.Authority == nil {
		authority, err := NewCertificateAuthority(func(o *AuthorityOptions) {
			o.Logger = options.Logger
		})
		if err != nil {
			return nil, err
		}

		options.Authority = authority
	}

	return &Proxy{
		logger:              &logger{options.Logger},
		authority:           options.Authority,
		transport:           options.Transport,
		injector:            options.Injector,
		tunnelOnCertFailure: options.TunnelOnCertFailure,
		certHost:            strings.ToLower(options.CertHost),
		certHandler:         NewCertHandler(options.Authority.Root()),
		flushInterval:       options.FlushInterval,
		bufferPool:          options.BufferPool,
		wsUpgrader:          options.WSUpgrader,
		wsDialer:            options.WSDialer,
		errorHandler:        options.ErrorHandler,
		exchangeHandlers:    make(map[uint64]ExchangeHandlerFunc),
		errorCallbacks:      make(map[uint64]ErrorCallbackFunc),
	}, nil
}

// Authority returns the certificate authority used for interception.
func (p *Proxy) Authority() *CertificateAuthority {
	return p.authority
}

func (p *Proxy) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		p.handleConnect(rw, req)
		return
	}

	if p.certHost != "" && strings.EqualFold(req.URL.Hostname(), p.certHost) {
		p.certHandler.ServeHTTP(rw, req)
		return
	}

	p.logDebugf("Got request %s %s %s %s", req.URL.Path, req.Host, req.Method, req.URL)

	reqUpType := upgradeType(req.Header)
	if reqUpType != "" {
		switch strings.ToLower(reqUpType) {
		case "websocket":
			p.serveWS(rw, req)
			return
		default:
			p.errorHandler(rw, req, fmt.Errorf("unsupported upgrade type: %s", reqUpType))
			return
		}
	}

	p.serveHTTP(rw, req)
}

// ListenAndServe listens on addr and serves until ctx is done.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	return p.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. A failing connection
// never stops the accept loop.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	p.logInfof("Proxy listening on %s", ln.Addr())

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

func (p *Proxy) OnRequest(fn RequestModifierFunc) {
	p.director = fn
}

func (p *Proxy) OnResponse(fn ResponseModifierFunc) {
	p.responseModifier = fn
}

func (p *Proxy) OnWSMessage(fn WSMessageModifierFunc) {
	p.wsMessageModifier = fn
}

// Intercept appends fns to the body pipeline of direction d. Outbound
// pipelines see request bodies, Inbound pipelines response bodies.
func (p *Proxy) Intercept(d Direction, fns ...ChunkFunc) {
	if d == Outbound {
		p.requestPipeline.Use(fns...)
		return
	}

	p.responsePipeline.Use(fns...)
}

func (p *Proxy) pipeline(d Direction) *Pipeline {
	if d == Outbound {
		return &p.requestPipeline
	}

	return &p.responsePipeline
}

// OnExchange registers fn for every finalized exchange and returns a
// function removing it again.
func (p *Proxy) OnExchange(fn ExchangeHandlerFunc) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextHandlerID++
	id := p.nextHandlerID
	p.exchangeHandlers[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		delete(p.exchangeHandlers, id)
	}
}

// OnError registers fn for connection and exchange failures and returns a
// function removing it again.
func (p *Proxy) OnError(fn ErrorCallbackFunc) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextHandlerID++
	id := p.nextHandlerID
	p.errorCallbacks[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		delete(p.errorCallbacks, id)
	}
}

// emit finalizes ex and hands it to the exchange handlers.
func (p *Proxy) emit(ex *Exchange) {
	if !ex.finish() {
		return
	}

	p.mu.RLock()
	handlers := make([]ExchangeHandlerFunc, 0, len(p.exchangeHandlers))
	for _, fn := range p.exchangeHandlers {
		handlers = append(handlers, fn)
	}
	p.mu.RUnlock()

	for _, fn := range handlers {
		fn(ex)
	}
}

func (p *Proxy) reportError(ex *Exchange, err error, kind ErrorKind) {
	if ex != nil {
		ex.fail(err)
		p.logDebugf("%s error for %s %s: %v", kind, ex.Method, ex.URL, err)
	} else {
		p.logDebugf("%s error: %v", kind, err)
	}

	p.mu.RLock()
	callbacks := make([]ErrorCallbackFunc, 0, len(p.errorCallbacks))
	for _, fn := range p.errorCallbacks {
		callbacks = append(callbacks, fn)
	}
	p.mu.RUnlock()

	for _, fn := range callbacks {
		fn(ex, err, kind)
	}
}

// classify maps a body or round trip failure onto an ErrorKind.
func classify(ctx context.Context, err error) ErrorKind {
	var terr *TransformError
	if errors.As(err, &terr) {
		return ErrTransform
	}

	if ctx.Err() != nil {
		return ErrClientAbort
	}

	return ErrUpstream
}

// modifyResponse conditionally runs the optional ModifyResponse hook
// and reports whether the request should proceed.
func (p *Proxy) modifyResponse(rw http.ResponseWriter, res *http.Response, req *http.Request, ex *Exchange) bool {
	if p.responseModifier == nil {
		return true
	}

	if err := p.responseModifier(res); err != nil {
		res.Body.Close()
		p.reportError(ex, err, ErrUpstream)
		p.errorHandler(rw, req, err)

		return false
	}

	return true
}

// getFlushInterval returns the p.FlushInterval value, conditionally
// overriding its value for a specific request/response.
func (p *Proxy) getFlushInterval(res *http.Response) time.Duration {
	resCT := res.Header.Get("Content-Type")

	// For Server-Sent Events responses, flush immediately.
	// The MIME type is defined in https://www.w3.org/TR/eventsource/#text-event-stream
	if strings.HasPrefix(resCT, "text/event-stream") {
		return -1 // negative means immediately
	}

	// We might have the case of streaming for which Content-Length might be unset.
	if res.ContentLength == -1 {
		return -1
	}

	return p.flushInterval
}

func (p *Proxy) copyResponse(dst io.Writer, src io.Reader, flushInterval time.Duration) error {
	if flushInterval != 0 {
		if wf, ok := dst.(writeFlusher); ok {
			mlw := &maxLatencyWriter{
				dst:     wf,
				latency: flushInterval,
			}
			defer mlw.stop()

			// set up initial timer so headers get flushed even if body writes are delayed
			mlw.flushPending = true
			mlw.t = time.AfterFunc(flushInterval, mlw.delayedFlush)

			dst = mlw
		}
	}

	var buf []byte
	if p.bufferPool != nil {
		buf = p.bufferPool.Get()
		defer p.bufferPool.Put(buf)
	}

	_, err := p.copyBuffer(dst, src, buf)

	return err
}

// copyBuffer returns any write errors or non-EOF read errors, and the amount
// of bytes written.
func (p *Proxy) copyBuffer(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, 32*1024)
	}

	var written int64

	for {
		nr, rerr := src.Read(buf)
		if rerr != nil && rerr != io.EOF && rerr != context.Canceled {
			p.logErrorf("Proxy read error during body copy: %v", rerr)
		}

		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}

			if werr != nil {
				return written, werr
			}

			if nr != nw {
				return written, io.ErrShortWrite
			}
		}

		if rerr != nil {
			if rerr == io.EOF {
				rerr = nil
			}

			return written, rerr
		}
	}
}

type writeFlusher interface {
	io.Writer
	http.Flusher
}

type maxLatencyWriter struct {
	dst     writeFlusher
	latency time.Duration // non-zero; negative means to flush immediately

	mu           sync.Mutex // protects t, flushPending, and dst.Flush
	t            *time.Timer
	flushPending bool
}

func (m *maxLatencyWriter) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err = m.dst.Write(p)

	if m.latency < 0 {
		m.dst.Flush()
		return
	}

	if m.flushPending {
		return
	}

	if m.t == nil {
		m.t = time.AfterFunc(m.latency, m.delayedFlush)
	} else {
		m.t.Reset(m.latency)
	}

	m.flushPending = true

	return
}

func (m *maxLatencyWriter) delayedFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.flushPending { // if stop was called but AfterFunc already started this goroutine
		return
	}

	m.dst.Flush()

	m.flushPending = false
}

func (m *maxLatencyWriter) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushPending = false

	if m.t != nil {
		m.t.Stop()
	}
}

// Hop-by-hop headers. These are removed when sent to the backend.
// As of RFC 7230, hop-by-hop headers are required to appear in the
// Connection header field. These are the headers defined by the
// obsoleted RFC 2616 (section 13.5.1) and are used for backward
// compatibility.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection", // non-standard but still sent by libcurl and rejected by e.g. google
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",      // canonicalized version of "TE"
	"Trailer", // not Trailers per URL above; https://www.rfc-editor.org/errata_search.php?eid=4522
	"Transfer-Encoding",
	"Upgrade",
}

// removeConnectionHeaders removes hop-by-hop headers listed in the "Connection" header of h.
// See RFC 7230, section 6.1
func removeConnectionHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
}

func removeHopHeaders(h http.Header) {
	removeConnectionHeaders(h)

	for _, hh := range hopHeaders {
		h.Del(hh)
	}
}

func upgradeType(h http.Header) string {
	if !httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade") {
		return ""
	}

	return h.Get("Upgrade")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

package reqscope

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

func (p *Proxy) serveHTTP(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	outreq := req.Clone(ctx)

	if req.ContentLength == 0 {
		outreq.Body = nil
	}

	if outreq.Body != nil {
		// Reading from the request body after returning from a handler is not
		// allowed, and the RoundTrip goroutine that reads the Body can outlive
		// this handler. This can lead to a crash if the handler panics.
		// Although calling Close doesn't guarantee there isn't any Read in
		// flight after the handle returns, in practice it's safe to read after
		// closing it.
		defer outreq.Body.Close()
	}

	if outreq.Header == nil {
		outreq.Header = make(http.Header)
	}

	if outreq.URL.Scheme == "" {
		outreq.URL.Host = outreq.Host
		outreq.URL.Scheme = "https"
	}

	ex := newExchange(outreq, outreq.URL.Scheme)
	defer p.emit(ex)

	p.takeInitiator(ex, outreq.Header)

	if outreq.Body != nil {
		outreq.Body = newChunkReader(outreq.Body, ex, Outbound, &p.requestPipeline)

		// Transforms may change the length.
		if p.requestPipeline.Len() > 0 {
			outreq.ContentLength = -1
			outreq.Header.Del("Content-Length")
		}
	}

	if p.director != nil {
		p.director(outreq)
	}

	outreq.Close = false

	// If User-Agent is not set by client, then explicitly
	// disable it so it's not set to default value by std lib
	if _, ok := outreq.Header["User-Agent"]; !ok {
		outreq.Header.Set("User-Agent", "")
	}

	// Remove hop-by-hop headers to the backend. Especially
	// important is "Connection" because we want a persistent
	// connection, regardless of what the client sent to us.
	removeHopHeaders(outreq.Header)

	// Leave content coding to the transport so bodies reach the
	// pipeline decoded.
	outreq.Header.Del("Accept-Encoding")

	// Tell backend applications that care about trailer support
	// that we support trailers. (We do, but we don't go out of our way to
	// advertise that unless the incoming client request thought it was worth
	// mentioning.) Note that we look at req.Header, not outreq.Header, since
	// the latter has passed through removeConnectionHeaders.
	if httpguts.HeaderValuesContainsToken(req.Header["Te"], "trailers") {
		outreq.Header.Set("Te", "trailers")
	}

	res, err := p.transport.RoundTrip(outreq)
	if err != nil {
		p.reportError(ex, err, classify(ctx, err))
		p.errorHandler(rw, outreq, err)

		return
	}

	removeHopHeaders(res.Header)

	ex.setResponse(res)

	if !p.modifyResponse(rw, res, outreq, ex) {
		return
	}

	if bodyAllowed(outreq.Method, res.StatusCode) {
		ex.expectResponseBody()
	}

	res.Body = newChunkReader(res.Body, ex, Inbound, &p.responsePipeline)

	if p.injector != nil && bodyAllowed(outreq.Method, res.StatusCode) && p.injector.Eligible(res.Header.Get("Content-Type")) {
		p.serveInjected(rw, res, outreq, ex)
		return
	}

	copyHeader(rw.Header(), res.Header)

	if p.responsePipeline.Len() > 0 {
		rw.Header().Del("Content-Length")
	}

	// The "Trailer" header isn't included in the Transport's response,
	// at least for *http.Transport. Build it up from Trailer.
	announcedTrailers := len(res.Trailer)
	if announcedTrailers > 0 {
		trailerKeys := make([]string, 0, len(res.Trailer))
		for k := range res.Trailer {
			trailerKeys = append(trailerKeys, k)
		}

		rw.Header().Add("Trailer", strings.Join(trailerKeys, ", "))
	}

	rw.WriteHeader(res.StatusCode)

	err = p.copyResponse(rw, res.Body, p.getFlushInterval(res))
	if err != nil {
		defer res.Body.Close()

		p.reportError(ex, err, classify(ctx, err))
		// Since we're streaming the response, if we run into an error all we can do
		// is abort the request.
		panic(http.ErrAbortHandler)
	}

	res.Body.Close() // close now, instead of defer, to populate res.Trailer

	if len(res.Trailer) > 0 {
		// Force chunking if we saw a response trailer.
		// This prevents net/http from calculating the length for short
		// bodies and adding a Content-Length.
		if fl, ok := rw.(http.Flusher); ok {
			fl.Flush()
		}
	}

	if len(res.Trailer) == announcedTrailers {
		copyHeader(rw.Header(), res.Trailer)
		return
	}

	for k, vv := range res.Trailer {
		k = http.TrailerPrefix + k
		for _, v := range vv {
			rw.Header().Add(k, v)
		}
	}
}

// serveInjected buffers an eligible response, inserts the initiator
// payload and writes the result with a corrected Content-Length. When the
// payload cannot be applied the original body is delivered.
func (p *Proxy) serveInjected(rw http.ResponseWriter, res *http.Response, req *http.Request, ex *Exchange) {
	body, err := io.ReadAll(res.Body)
	res.Body.Close()

	if err != nil {
		p.reportError(ex, err, classify(req.Context(), err))
		p.errorHandler(rw, req, err)

		return
	}

	contentType := res.Header.Get("Content-Type")

	out, err := p.injector.Inject(body, contentType)
	if err != nil {
		p.logDebugf("Skipping injection for %s: %v", ex.URL, err)

		if errors.Is(err, ErrMalformedDocument) {
			p.reportError(nil, err, ErrInjection)
		}
	}

	copyHeader(rw.Header(), res.Header)

	if err == nil {
		// An inline script would be refused by most policies.
		rw.Header().Del("Content-Security-Policy")
	}

	rw.Header().Set("Content-Length", strconv.Itoa(len(out)))
	rw.WriteHeader(res.StatusCode)

	if _, err := rw.Write(out); err != nil {
		p.reportError(ex, err, ErrClientAbort)
	}
}

// takeInitiator moves the initiator header from h onto the exchange.
func (p *Proxy) takeInitiator(ex *Exchange, h http.Header) {
	value := h.Get(InitiatorHeader)
	if value == "" {
		return
	}

	h.Del(InitiatorHeader)

	stack, err := DecodeInitiator(value)
	if err != nil {
		p.logDebugf("Ignoring undecodable %s for %s: %v", InitiatorHeader, ex.URL, err)
		return
	}

	ex.InitiatorStack = stack
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}

	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}

	return true
}

func newDefaultTransport(upstream *UpstreamSelector) http.RoundTripper {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint: gosec //ok
	transport.Proxy = nil

	if upstream != nil {
		transport.Proxy = upstream.ProxyFunc
	}

	return transport
}

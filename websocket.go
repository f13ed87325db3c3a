package reqscope

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var (
	DefaultWSUpgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Only the targetConn choose to CheckOrigin or not
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	DefaultWSDialer = &websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"http/1.1"}}, //nolint: gosec //ok
	}
)

type WSMessage struct {
	direction Direction
	Type      int
	Msg       []byte
}

func (m *WSMessage) Direction() Direction {
	return m.direction
}

// serveWS relays a WebSocket session. The session is recorded as a single
// exchange with the handshake status; messages pass the body pipeline of
// their direction and are appended to the request or response body.
func (p *Proxy) serveWS(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	outreq := req.Clone(ctx)

	if req.ContentLength == 0 {
		outreq.Body = nil
	}

	if outreq.Body != nil {
		// Reading from the request body after returning from a handler is not
		// allowed, and the RoundTrip goroutine that reads the Body can outlive
		// this handler. This can lead to a crash if the handler panics (see
		// Issue 46866). Although calling Close doesn't guarantee there isn't
		// any Read in flight after the handle returns, in practice it's safe to
		// read after closing it.
		defer outreq.Body.Close()
	}

	if outreq.Header == nil {
		outreq.Header = make(http.Header) // Issue 33142: historical behavior was to always allocate
	}

	if outreq.URL.Host == "" {
		outreq.URL.Host = outreq.Host
	}

	scheme := "https"

	switch outreq.URL.Scheme {
	case "http", "ws":
		scheme = "http"
		outreq.URL.Scheme = "ws"
	default:
		outreq.URL.Scheme = "wss"
	}

	ex := newExchange(outreq, scheme)
	defer p.emit(ex)

	p.takeInitiator(ex, outreq.Header)

	if p.director != nil {
		p.director(outreq)
	}

	outreq.Close = false

	// Remove hop-by-hop headers to the backend. Especially
	// important is "Connection" because we want a persistent
	// connection, regardless of what the client sent to us.
	removeHopHeaders(outreq.Header)

	// The dialer writes these itself and refuses duplicates.
	outreq.Header.Del("Sec-Websocket-Version")
	outreq.Header.Del("Sec-Websocket-Key")
	outreq.Header.Del("Sec-Websocket-Extensions")

	backConn, res, err := p.wsDialer.DialContext(ctx, outreq.URL.String(), outreq.Header)
	if err != nil {
		p.reportError(ex, fmt.Errorf("dial %s: %w", outreq.URL, err), ErrUpgrade)

		if res != nil {
			ex.setResponse(res)

			// If the WebSocket handshake fails, ErrBadHandshake is returned
			// along with a non-nil *http.Response so that callers can handle
			// redirects, authentication, etcetera.
			removeHopHeaders(res.Header)
			copyHeader(rw.Header(), res.Header)
			rw.WriteHeader(res.StatusCode)

			if err = p.copyResponse(rw, res.Body, p.getFlushInterval(res)); err != nil {
				p.logErrorf("Cannot write response after failed remote backend handshake: %v", err)
			}
		} else {
			p.errorHandler(rw, req, err)
		}

		return
	}

	ex.setResponse(res)

	backConnCloseCh := make(chan bool)

	go func() {
		// Ensure that the cancellation of a request closes the backend.
		select {
		case <-req.Context().Done():
		case <-backConnCloseCh:
		}
		backConn.Close()
	}()

	defer close(backConnCloseCh)

	// Only pass those headers to the upgrader.
	upgradeHeader := http.Header{}
	if hdr := res.Header.Get("Sec-Websocket-Protocol"); hdr != "" {
		upgradeHeader.Set("Sec-Websocket-Protocol", hdr)
	}

	if hdr := res.Header.Get("Set-Cookie"); hdr != "" {
		upgradeHeader.Set("Set-Cookie", hdr)
	}

	// Now upgrade the existing incoming request to a WebSocket connection.
	// Also pass the header that we gathered from the Dial handshake.
	// If the upgrade fails, then Upgrade replies to the client with an HTTP error
	// response.
	conn, err := p.wsUpgrader.Upgrade(rw, req, upgradeHeader)
	if err != nil {
		p.reportError(ex, fmt.Errorf("upgrade: %w", err), ErrUpgrade)
		return
	}
	defer conn.Close()

	errClient := make(chan error, 1)
	errBackend := make(chan error, 1)

	replicator := &websocketReplicator{proxy: p, ex: ex, modifier: p.wsMessageModifier}

	go replicator.copy(backConn, conn, Outbound, errBackend)
	go replicator.copy(conn, backConn, Inbound, errClient)

	var message string
	select {
	case err = <-errClient:
		message = "Error when copying from backend to client: %v"
	case err = <-errBackend:
		message = "Error when copying from client to backend: %v"
	}

	if e, ok := err.(*websocket.CloseError); !ok || e.Code == websocket.CloseAbnormalClosure {
		p.logErrorf(message, err)
	}
}

type websocketReplicator struct {
	proxy    *Proxy
	ex       *Exchange
	modifier WSMessageModifierFunc
}

func (r *websocketReplicator) copy(dst, src *websocket.Conn, direction Direction, errc chan error) {
	src.SetPingHandler(func(data string) error {
		return dst.WriteControl(websocket.PingMessage, []byte(data), time.Time{})
	})

	src.SetPongHandler(func(data string) error {
		return dst.WriteControl(websocket.PongMessage, []byte(data), time.Time{})
	})

	for {
		msgType, msg, rerr := src.ReadMessage()
		if rerr != nil {
			m := websocket.FormatCloseMessage(websocket.CloseNormalClosure, fmt.Sprintf("%v", rerr))

			if e, ok := rerr.(*websocket.CloseError); ok {
				// Following codes are not valid on the wire so just close the
				// underlying TCP connection without sending a close frame.
				if e.Code == websocket.CloseAbnormalClosure || e.Code == websocket.CloseTLSHandshake {
					errc <- rerr
					return
				}

				if e.Code != websocket.CloseNoStatusReceived {
					m = websocket.FormatCloseMessage(e.Code, e.Text)
				}
			}
			errc <- rerr

			_ = dst.WriteMessage(websocket.CloseMessage, m)

			return
		}

		wsMsg := &WSMessage{Type: msgType, Msg: msg, direction: direction}
		if r.modifier != nil {
			r.modifier(wsMsg)
		}

		out, terr := r.proxy.pipeline(direction).Apply(r.ex, wsMsg.Msg)
		if terr != nil {
			err := &TransformError{Direction: direction, Err: terr}
			r.proxy.reportError(r.ex, err, ErrTransform)

			_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "transform failed"))
			errc <- err

			return
		}

		r.ex.capture(direction, out)

		if werr := dst.WriteMessage(wsMsg.Type, out); werr != nil {
			errc <- werr
			return
		}
	}
}

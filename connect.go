package reqscope

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logErrorf("ResponseWriter is not a http.Hijacker (type: %T)", w)
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)

		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logErrorf("Hijacking client connection failed: %v", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)

		return
	}

	if _, err := io.WriteString(clientConn, connectEstablished); err != nil {
		clientConn.Close()
		p.reportError(nil, err, ErrClientAbort)

		return
	}

	target := r.URL.Host
	if target == "" {
		target = r.Host
	}

	hostname := r.URL.Hostname()
	if hostname == "" {
		hostname, _, _ = net.SplitHostPort(target)
	}

	if _, err := p.authority.LeafFor(hostname); err != nil {
		p.reportError(nil, fmt.Errorf("%s: %w", target, err), ErrCertificate)

		if p.tunnelOnCertFailure {
			p.tunnel(clientConn, target)
			return
		}

		clientConn.Close()

		return
	}

	tlsConn, err := p.clientTLSConn(clientConn, p.authority.TLSConfigForHost(hostname))
	if err != nil {
		p.reportError(nil, fmt.Errorf("%s: %w", target, err), ErrHandshake)
		return
	}

	clientConnNotify := newConnNotify(tlsConn)
	l := &onceAcceptListener{c: clientConnNotify, addr: tlsConn.LocalAddr()}

	server := &http.Server{
		Handler: http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			req.URL.Scheme = "https"
			if req.URL.Host == "" {
				req.URL.Host = req.Host
			}

			if req.URL.Host == "" {
				req.URL.Host = target
			}

			p.ServeHTTP(rw, req)
		}),
		ReadHeaderTimeout: 30 * time.Second,
	}

	err = server.Serve(l)
	if err != nil && !errors.Is(err, errAlreadyAccepted) {
		p.logErrorf("Serving HTTP request failed: %v", err)
	}

	<-clientConnNotify.closed
}

func (p *Proxy) clientTLSConn(conn net.Conn, config *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, config)
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("handshake error: %w", err)
	}

	return tlsConn, nil
}

// tunnel relays bytes between the client and target without looking at
// them.
func (p *Proxy) tunnel(clientConn net.Conn, target string) {
	defer clientConn.Close()

	upstreamConn, err := net.DialTimeout("tcp", target, 30*time.Second)
	if err != nil {
		p.reportError(nil, fmt.Errorf("tunnel to %s: %w", target, err), ErrUpstream)
		return
	}
	defer upstreamConn.Close()

	p.logDebugf("Tunneling %s without interception", target)

	errc := make(chan error, 2)

	go func() {
		_, err := io.Copy(upstreamConn, clientConn)
		errc <- err
	}()

	go func() {
		_, err := io.Copy(clientConn, upstreamConn)
		errc <- err
	}()

	<-errc
}

var errAlreadyAccepted = errors.New("listener already accepted")

// onceAcceptListener implements net.Listener.
//
// Accepts a connection once and returns an error on subsequent
// attempts.
type onceAcceptListener struct {
	c    net.Conn
	addr net.Addr
}

func (l *onceAcceptListener) Accept() (net.Conn, error) {
	if l.c == nil {
		return nil, errAlreadyAccepted
	}

	c := l.c
	l.c = nil

	return c, nil
}

func (l *onceAcceptListener) Close() error {
	return nil
}

func (l *onceAcceptListener) Addr() net.Addr {
	return l.addr
}

// ConnNotify embeds net.Conn and closes its channel once the connection
// was closed.
type ConnNotify struct {
	net.Conn
	closed chan struct{}
	once   sync.Once
}

func newConnNotify(conn net.Conn) *ConnNotify {
	return &ConnNotify{Conn: conn, closed: make(chan struct{})}
}

func (c *ConnNotify) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })

	return err
}

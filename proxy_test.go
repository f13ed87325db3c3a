package reqscope

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hupe1980/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() golog.Logger {
	return golog.NewGoLogger(golog.ERROR, log.New(io.Discard, "", 0))
}

type testProxy struct {
	*Proxy
	url       *url.URL
	exchanges chan *Exchange

	mu     sync.Mutex
	errors []ErrorKind
}

func startProxy(t *testing.T, optFns ...func(*Options)) *testProxy {
	t.Helper()

	opts := append([]func(*Options){func(o *Options) {
		o.Logger = quietLogger()
	}}, optFns...)

	p, err := New(opts...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = p.Serve(ctx, ln)
	}()

	tp := &testProxy{
		Proxy:     p,
		url:       &url.URL{Scheme: "http", Host: ln.Addr().String()},
		exchanges: make(chan *Exchange, 16),
	}

	p.OnExchange(func(ex *Exchange) {
		tp.exchanges <- ex
	})

	p.OnError(func(_ *Exchange, _ error, kind ErrorKind) {
		tp.mu.Lock()
		defer tp.mu.Unlock()

		tp.errors = append(tp.errors, kind)
	})

	return tp
}

func (tp *testProxy) client() *http.Client {
	roots := x509.NewCertPool()
	roots.AddCert(tp.Authority().Root())

	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(tp.url),
			TLSClientConfig: &tls.Config{RootCAs: roots}, //nolint: gosec // test
		},
		Timeout: 10 * time.Second,
	}
}

func (tp *testProxy) next(t *testing.T) *Exchange {
	t.Helper()

	select {
	case ex := <-tp.exchanges:
		return ex
	case <-time.After(5 * time.Second):
		t.Fatal("no exchange emitted")
		return nil
	}
}

func (tp *testProxy) errorKinds() []ErrorKind {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	return append([]ErrorKind(nil), tp.errors...)
}

func TestProxyHTTP(t *testing.T) {
	headers := make(chan http.Header, 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()

		w.Header().Set("X-Test", "1")
		_, _ = io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	tp := startProxy(t)

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/ok", nil)
	require.NoError(t, err)
	req.Header.Set(InitiatorHeader, EncodeInitiator("at load (app.js:1)"))
	req.Header.Set("Accept-Encoding", "br")

	res, err := tp.client().Do(req)
	require.NoError(t, err)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "1", res.Header.Get("X-Test"))

	upstreamHeaders := <-headers
	assert.Empty(t, upstreamHeaders.Get(InitiatorHeader))
	assert.NotEqual(t, "br", upstreamHeaders.Get("Accept-Encoding"))

	ex := tp.next(t)
	assert.Equal(t, http.MethodGet, ex.Method)
	assert.Equal(t, "http", ex.Scheme)
	assert.Equal(t, "/ok", ex.Path)
	assert.Equal(t, http.StatusOK, ex.Status)
	assert.Equal(t, "OK", ex.StatusText)
	assert.Equal(t, "1", ex.ResponseHeaders["X-Test"])
	assert.Equal(t, "at load (app.js:1)", ex.InitiatorStack)
	assert.NotEmpty(t, ex.RequestHeaders[InitiatorHeader])
	assert.Equal(t, "ok", string(ex.ResponseBody))
	require.NotNil(t, ex.SizeBytes)
	assert.Equal(t, 2, *ex.SizeBytes)
	assert.False(t, ex.EndTime.Before(ex.StartTime))
	assert.Empty(t, ex.Error)
}

func TestProxyConnect(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure "+r.URL.Path)
	}))
	defer upstream.Close()

	tp := startProxy(t)
	client := tp.client()

	for _, path := range []string{"/one", "/two"} {
		res, err := client.Get(upstream.URL + path)
		require.NoError(t, err)

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		res.Body.Close()

		assert.Equal(t, "secure "+path, string(body))

		require.NotNil(t, res.TLS)
		assert.Equal(t, tp.Authority().Root().Subject.CommonName, res.TLS.PeerCertificates[0].Issuer.CommonName)

		ex := tp.next(t)
		assert.Equal(t, "https", ex.Scheme)
		assert.Equal(t, path, ex.Path)
		assert.Equal(t, upstream.URL+path, ex.URL)
		assert.Equal(t, "secure "+path, string(ex.ResponseBody))
	}
}

func TestProxyIntercept(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	tp := startProxy(t)

	tp.Intercept(Outbound, func(ex *Exchange, chunk []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(chunk))), nil
	})

	tp.Intercept(Inbound, func(ex *Exchange, chunk []byte) ([]byte, error) {
		return []byte(strings.ReplaceAll(string(chunk), "SECRET", "******")), nil
	})

	res, err := tp.client().Post(upstream.URL, "text/plain", strings.NewReader("my secret"))
	require.NoError(t, err)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, "MY ******", string(body))

	ex := tp.next(t)
	assert.Equal(t, "MY SECRET", string(ex.RequestBody))
	assert.Equal(t, "MY ******", string(ex.ResponseBody))
}

func TestProxyTransformError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 1024))
	}))
	defer upstream.Close()

	tp := startProxy(t)

	tp.Intercept(Inbound, func(ex *Exchange, chunk []byte) ([]byte, error) {
		if ex.Path == "/broken" {
			return nil, assert.AnError
		}

		return chunk, nil
	})

	client := tp.client()

	res, err := client.Get(upstream.URL + "/broken")
	if err == nil {
		_, err = io.ReadAll(res.Body)
		res.Body.Close()
	}

	assert.Error(t, err)

	ex := tp.next(t)
	assert.Contains(t, ex.Error, assert.AnError.Error())
	assert.Contains(t, tp.errorKinds(), ErrTransform)

	// Other exchanges are unaffected.
	res, err = client.Get(upstream.URL + "/fine")
	require.NoError(t, err)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()

	assert.Len(t, body, 1024)
}

func TestProxyUpstreamError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tp := startProxy(t)

	res, err := tp.client().Get("http://" + addr + "/")
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	ex := tp.next(t)
	assert.NotEmpty(t, ex.Error)
	assert.Equal(t, 0, ex.Status)
	assert.Equal(t, []ErrorKind{ErrUpstream}, tp.errorKinds())
}

func TestProxyResponseHookError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	tp := startProxy(t)

	tp.OnResponse(func(res *http.Response) error {
		return errors.New("response rejected")
	})

	res, err := tp.client().Get(upstream.URL)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	ex := tp.next(t)
	assert.Equal(t, "response rejected", ex.Error)
	assert.Equal(t, []ErrorKind{ErrUpstream}, tp.errorKinds())
}

func TestProxyInjectionMalformedDocument(t *testing.T) {
	page := `<html><!--` + strings.Repeat("x", 256) + `--><head></head><body>hi</body></html>`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	}))
	defer upstream.Close()

	tp := startProxy(t, func(o *Options) {
		o.Injector = NewInitiatorInjector(func(o *InjectorOptions) {
			o.MaxTokenSize = 64
		})
	})

	res, err := tp.client().Get(upstream.URL)
	require.NoError(t, err)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, page, string(body))

	ex := tp.next(t)
	assert.Empty(t, ex.Error)
	assert.Equal(t, []ErrorKind{ErrInjection}, tp.errorKinds())
}

func TestProxyInjection(t *testing.T) {
	page := `<!doctype html><html><head><title>t</title></head><body>hi</body></html>`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Content-Security-Policy", "script-src 'self'")
			w.Header().Set("Content-Length", strconv.Itoa(len(page)))
			_, _ = io.WriteString(w, page)
		case "/fragment":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<p>fragment</p>")
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"head":"<head>"}`)
		}
	}))
	defer upstream.Close()

	injector := NewInitiatorInjector(func(o *InjectorOptions) {
		o.Payload = "/*instrumented*/"
	})

	tp := startProxy(t, func(o *Options) {
		o.Injector = injector
	})

	client := tp.client()

	get := func(path string) (*http.Response, string) {
		res, err := client.Get(upstream.URL + path)
		require.NoError(t, err)

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		res.Body.Close()

		return res, string(body)
	}

	t.Run("html", func(t *testing.T) {
		res, body := get("/page")

		want := `<!doctype html><html><head><script data-reqscope="1">/*instrumented*/</script><title>t</title></head><body>hi</body></html>`
		assert.Equal(t, want, body)
		assert.Equal(t, int64(len(want)), res.ContentLength)
		assert.Empty(t, res.Header.Get("Content-Security-Policy"))

		ex := tp.next(t)
		assert.Equal(t, page, string(ex.ResponseBody))
	})

	t.Run("no insertion point", func(t *testing.T) {
		_, body := get("/fragment")
		assert.Equal(t, "<p>fragment</p>", body)
		tp.next(t)
	})

	t.Run("not html", func(t *testing.T) {
		_, body := get("/data")
		assert.Equal(t, `{"head":"<head>"}`, body)
		tp.next(t)
	})
}

func TestProxyCertHost(t *testing.T) {
	tp := startProxy(t)

	res, err := tp.client().Get("http://" + DefaultCertHost + "/")
	require.NoError(t, err)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()

	block, _ := pem.Decode(body)
	require.NotNil(t, block)
	assert.Equal(t, tp.Authority().Root().Raw, block.Bytes)
}

func TestProxyCertificateFailure(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "direct")
	}))
	defer upstream.Close()

	brokenAuthority := func() *CertificateAuthority {
		authority, err := NewCertificateAuthority(func(o *AuthorityOptions) {
			o.Logger = quietLogger()
			o.CertTemplateGen = func(*big.Int, []byte, string, string, time.Duration) *x509.Certificate {
				return &x509.Certificate{}
			}
		})
		require.NoError(t, err)

		return authority
	}

	upstreamRoots := x509.NewCertPool()
	upstreamRoots.AddCert(upstream.Certificate())

	t.Run("tunnel", func(t *testing.T) {
		tp := startProxy(t, func(o *Options) {
			o.Authority = brokenAuthority()
			o.TunnelOnCertFailure = true
		})

		client := &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyURL(tp.url),
				TLSClientConfig: &tls.Config{RootCAs: upstreamRoots}, //nolint: gosec // test
			},
			Timeout: 10 * time.Second,
		}

		res, err := client.Get(upstream.URL)
		require.NoError(t, err)

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		res.Body.Close()

		assert.Equal(t, "direct", string(body))
		assert.Contains(t, tp.errorKinds(), ErrCertificate)
	})

	t.Run("close", func(t *testing.T) {
		tp := startProxy(t, func(o *Options) {
			o.Authority = brokenAuthority()
		})

		_, err := tp.client().Get(upstream.URL)
		assert.Error(t, err)
		assert.Contains(t, tp.errorKinds(), ErrCertificate)
	})
}

func TestProxyWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}

	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}

			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	tp := startProxy(t)

	var mu sync.Mutex

	var seen []string

	tp.OnWSMessage(func(msg *WSMessage) {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, msg.Direction().String()+":"+string(msg.Msg))
	})

	tp.Intercept(Inbound, func(ex *Exchange, chunk []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(chunk))), nil
	})

	roots := x509.NewCertPool()
	roots.AddCert(tp.Authority().Root())

	dialer := websocket.Dialer{
		Proxy:           http.ProxyURL(tp.url),
		TLSClientConfig: &tls.Config{RootCAs: roots}, //nolint: gosec // test
	}

	c, res, err := dialer.Dial(strings.Replace(upstream.URL, "https://", "wss://", 1), nil)
	require.NoError(t, err)

	defer res.Body.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("hello")))

	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(msg))

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.Close()

	ex := tp.next(t)
	assert.Equal(t, http.StatusSwitchingProtocols, ex.Status)
	assert.Equal(t, "https", ex.Scheme)
	assert.Equal(t, "hello", string(ex.RequestBody))
	assert.Equal(t, "HELLO", string(ex.ResponseBody))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"Outbound:hello", "Inbound:hello"}, seen)
}

func TestProxyUnsubscribe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	tp := startProxy(t)

	calls := make(chan struct{}, 4)
	unsubscribe := tp.OnExchange(func(*Exchange) { calls <- struct{}{} })

	client := tp.client()

	res, err := client.Get(upstream.URL)
	require.NoError(t, err)
	res.Body.Close()
	tp.next(t)

	unsubscribe()

	res, err = client.Get(upstream.URL)
	require.NoError(t, err)
	res.Body.Close()
	tp.next(t)

	assert.Len(t, calls, 1)
}

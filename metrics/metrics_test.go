package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/reqscope"
)

func TestObserveExchange(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	start := time.Now()

	c.ObserveExchange(&reqscope.Exchange{Scheme: "https", Status: 200, StartTime: start, EndTime: start.Add(time.Second)})
	c.ObserveExchange(&reqscope.Exchange{Scheme: "https", Status: 204, StartTime: start, EndTime: start})
	c.ObserveExchange(&reqscope.Exchange{Scheme: "http", Status: 404, StartTime: start, EndTime: start})
	c.ObserveExchange(&reqscope.Exchange{Scheme: "http", Error: "dial tcp: refused", StartTime: start, EndTime: start})

	assert.Equal(t, float64(2), testutil.ToFloat64(c.exchanges.WithLabelValues("https", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.exchanges.WithLabelValues("http", "4xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.exchanges.WithLabelValues("http", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.exchangeTime))
}

func TestObserveErrorsAndCache(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.ObserveError(reqscope.ErrTransform)
	c.ObserveError(reqscope.ErrTransform)
	c.ObserveError(reqscope.ErrUpstream)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.errors.WithLabelValues(reqscope.ErrTransform.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.errors.WithLabelValues(reqscope.ErrUpstream.String())))

	cache, err := reqscope.NewHeaderCache(1, reqscope.WithEvictCallback(c.ObserveCacheEviction))
	require.NoError(t, err)
	require.NoError(t, c.WatchCache(cache.Len))

	cache.Put("a", nil)
	cache.Put("b", nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.cacheEvictions))

	c.ObserveLeafIssued()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.leafIssued))

	n, err := testutil.GatherAndCount(c.Registry(), "reqscope_header_cache_entries")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestObserveReplay(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.ObserveReplay(reqscope.ReplayResponse{ReplayResult: &reqscope.ReplayResult{Status: 200, TimeMillis: 20}})
	c.ObserveReplay(reqscope.ReplayResponse{Error: "timeout"})

	assert.Equal(t, float64(1), testutil.ToFloat64(c.replays.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.replays.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.replayTime))
}

func TestHandler(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.ObserveLeafIssued()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "reqscope_leaf_certificates_issued_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAttach(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	p, err := reqscope.New()
	require.NoError(t, err)

	detach := c.Attach(p)
	detach()
}

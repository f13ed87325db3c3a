package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/reqscope"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func exchange(id string) *reqscope.Exchange {
	size := 2

	return &reqscope.Exchange{
		ID:              id,
		Method:          "GET",
		Scheme:          "https",
		URL:             "https://example.com/" + id,
		StartTime:       time.Unix(100, 0).UTC(),
		EndTime:         time.Unix(101, 0).UTC(),
		Status:          200,
		StatusText:      "OK",
		RequestHeaders:  map[string]string{"Accept": "*/*"},
		ResponseHeaders: map[string]string{"Content-Type": "text/plain"},
		ResponseBody:    []byte("ok"),
		SizeBytes:       &size,
	}
}

func TestPutGet(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Put(exchange("a")))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got.URL)
	assert.Equal(t, "*/*", got.RequestHeaders["Accept"])
	assert.Equal(t, []byte("ok"), got.ResponseBody)
	require.NotNil(t, got.SizeBytes)
	assert.Equal(t, 2, *got.SizeBytes)
	assert.Equal(t, time.Second, got.Duration())

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(exchange(id)))
	}

	list, err := s.List(10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[2].ID)

	list, err = s.List(2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[1].ID)

	for _, limit := range []int{0, -1} {
		list, err = s.List(limit)
		require.NoError(t, err)
		assert.Empty(t, list)
	}
}

func TestPutReplaces(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Put(exchange("a")))
	require.NoError(t, s.Put(exchange("b")))

	updated := exchange("a")
	updated.Status = 404
	require.NoError(t, s.Put(updated))

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := s.List(10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, 404, list[0].Status)
}

func TestDeleteAll(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Put(exchange("a")))
	require.NoError(t, s.DeleteAll())

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	// The store stays usable.
	require.NoError(t, s.Put(exchange("b")))

	_, err = s.Get("b")
	assert.NoError(t, err)
}

func TestSink(t *testing.T) {
	s := openStore(t)

	var failures int

	sink := s.Sink(func(*reqscope.Exchange, error) { failures++ })
	sink(exchange("a"))

	_, err := s.Get("a")
	require.NoError(t, err)

	require.NoError(t, s.Close())

	sink(exchange("b"))
	assert.Equal(t, 1, failures)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(exchange("a")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

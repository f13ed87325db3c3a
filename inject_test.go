package reqscope

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiatorInjector(t *testing.T) {
	injector := NewInitiatorInjector(func(o *InjectorOptions) {
		o.Payload = "/*payload*/"
	})

	tag := `<script data-reqscope="` + PayloadVersion + `">/*payload*/</script>`

	testCases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "after head",
			in:   `<!doctype html><html><head><title>x</title></head><body></body></html>`,
			want: `<!doctype html><html><head>` + tag + `<title>x</title></head><body></body></html>`,
		},
		{
			name: "before first script",
			in:   `<html><script src="a.js"></script><head></head></html>`,
			want: `<html>` + tag + `<script src="a.js"></script><head></head></html>`,
		},
		{
			name: "head with attributes",
			in:   `<html><HEAD lang="en"><meta charset="utf-8"></HEAD></html>`,
			want: `<html><HEAD lang="en">` + tag + `<meta charset="utf-8"></HEAD></html>`,
		},
		{
			name: "after body",
			in:   `<html><body><p>hi</p></body></html>`,
			want: `<html><body>` + tag + `<p>hi</p></body></html>`,
		},
		{
			name: "after html",
			in:   `<html><p>hi</p></html>`,
			want: `<html>` + tag + `<p>hi</p></html>`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			out, err := injector.Inject([]byte(tc.in), "text/html; charset=utf-8")
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(out))
		})
	}

	t.Run("no insertion point returns original", func(t *testing.T) {
		in := []byte(`<p>fragment only</p>`)

		out, err := injector.Inject(in, "text/html")
		assert.ErrorIs(t, err, ErrNoInsertionPoint)
		assert.True(t, bytes.Equal(in, out))
	})

	t.Run("utf-16 charset is left alone", func(t *testing.T) {
		in := []byte(`<html><head></head></html>`)

		out, err := injector.Inject(in, "text/html; charset=utf-16le")
		assert.ErrorIs(t, err, ErrUnsupportedCharset)
		assert.Equal(t, in, out)
	})

	t.Run("utf-16 bom is left alone", func(t *testing.T) {
		in := append([]byte{0xff, 0xfe}, []byte("<\x00h\x00")...)

		out, err := injector.Inject(in, "text/html")
		assert.ErrorIs(t, err, ErrUnsupportedCharset)
		assert.Equal(t, in, out)
	})

	t.Run("unknown charset", func(t *testing.T) {
		in := []byte(`<html><head></head></html>`)

		out, err := injector.Inject(in, "text/html; charset=klingon")
		assert.ErrorIs(t, err, ErrUnsupportedCharset)
		assert.Equal(t, in, out)
	})

	t.Run("latin1 is ascii compatible", func(t *testing.T) {
		_, err := injector.Inject([]byte(`<html><head></head></html>`), "text/html; charset=iso-8859-1")
		assert.NoError(t, err)
	})

	t.Run("scripts only when enabled", func(t *testing.T) {
		in := []byte(`console.log(1)`)

		out, err := injector.Inject(in, "application/javascript")
		assert.ErrorIs(t, err, ErrNotInjectable)
		assert.Equal(t, in, out)
		assert.False(t, injector.Eligible("application/javascript"))

		scripts := NewInitiatorInjector(func(o *InjectorOptions) {
			o.Payload = "/*payload*/"
			o.InjectScripts = true
		})

		out, err = scripts.Inject(in, "text/javascript; charset=utf-8")
		require.NoError(t, err)
		assert.Equal(t, "/*payload*/\nconsole.log(1)", string(out))
		assert.True(t, scripts.Eligible("application/javascript"))
	})

	t.Run("eligibility", func(t *testing.T) {
		assert.True(t, injector.Eligible("text/html"))
		assert.True(t, injector.Eligible("TEXT/HTML; charset=UTF-8"))
		assert.True(t, injector.Eligible("application/xhtml+xml"))
		assert.False(t, injector.Eligible("application/json"))
		assert.False(t, injector.Eligible(""))
	})

	t.Run("default payload", func(t *testing.T) {
		assert.Equal(t, renderPayload(), NewInitiatorInjector().Payload())
	})
}

func TestInitiatorInjectorXHTML(t *testing.T) {
	in := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml"><head><title>t</title></head><body><p>a &amp; b</p></body></html>`

	injector := NewInitiatorInjector()

	out, err := injector.Inject([]byte(in), "application/xhtml+xml; charset=utf-8")
	require.NoError(t, err)
	require.NotEqual(t, in, string(out))

	dec := xml.NewDecoder(bytes.NewReader(out))

	var (
		inScript bool
		script   strings.Builder
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)

		switch tok := tok.(type) {
		case xml.StartElement:
			inScript = tok.Name.Local == "script"
		case xml.EndElement:
			inScript = false
		case xml.CharData:
			if inScript {
				script.Write(tok)
			}
		}
	}

	assert.Equal(t, "//\n"+injector.Payload()+"\n//", script.String())

	// Plain HTML keeps the bare script element.
	out, err = injector.Inject([]byte(`<html><head></head></html>`), "text/html")
	require.NoError(t, err)
	assert.NotContains(t, string(out), "CDATA")
}

func TestInitiatorInjectorOversizedToken(t *testing.T) {
	injector := NewInitiatorInjector(func(o *InjectorOptions) {
		o.MaxTokenSize = 64
	})

	in := []byte(`<html><!--` + strings.Repeat("x", 200) + `--><head></head></html>`)

	out, err := injector.Inject(in, "text/html")
	assert.ErrorIs(t, err, ErrMalformedDocument)
	assert.Equal(t, in, out)

	out, err = injector.Inject([]byte(`<html><head></head></html>`), "text/html")
	require.NoError(t, err)
	assert.Contains(t, string(out), "<script")
}

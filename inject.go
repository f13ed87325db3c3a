package reqscope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding/htmlindex"
)

var (
	ErrNotInjectable      = errors.New("content type is not injectable")
	ErrNoInsertionPoint   = errors.New("no insertion point found")
	ErrMalformedDocument  = errors.New("malformed document")
	ErrUnsupportedCharset = errors.New("unsupported charset")
)

type InjectorOptions struct {
	// InjectScripts also prepends the payload to JavaScript responses.
	InjectScripts bool

	// Payload replaces the built-in instrumentation script.
	Payload string

	// MaxTokenSize bounds a single markup token while searching for the
	// insertion point. A larger token makes the document malformed.
	MaxTokenSize int
}

// DefaultMaxTokenSize is the MaxTokenSize used when none is given.
const DefaultMaxTokenSize = 8 << 20

// InitiatorInjector inserts the instrumentation payload into HTML documents
// (and optionally scripts) so client-side network calls carry their
// originating call stack in InitiatorHeader.
type InitiatorInjector struct {
	payload       []byte
	scriptTag     []byte
	xhtmlTag      []byte
	injectScripts bool
	maxTokenSize  int
}

func NewInitiatorInjector(optFns ...func(*InjectorOptions)) *InitiatorInjector {
	options := InjectorOptions{
		MaxTokenSize: DefaultMaxTokenSize,
	}

	for _, fn := range optFns {
		fn(&options)
	}

	if options.Payload == "" {
		options.Payload = renderPayload()
	}

	openTag := `<script data-reqscope="` + PayloadVersion + `">`

	// XML parsers reject the raw & and < of the script body.
	cdata := strings.ReplaceAll(options.Payload, "]]>", "]]]]><![CDATA[>")

	return &InitiatorInjector{
		payload:       []byte(options.Payload + "\n"),
		scriptTag:     []byte(openTag + options.Payload + `</script>`),
		xhtmlTag:      []byte(openTag + "//<![CDATA[\n" + cdata + "\n//]]></script>"),
		injectScripts: options.InjectScripts,
		maxTokenSize:  options.MaxTokenSize,
	}
}

// Payload returns the instrumentation script.
func (i *InitiatorInjector) Payload() string {
	return strings.TrimSuffix(string(i.payload), "\n")
}

// Eligible reports whether a response with the given Content-Type is a
// candidate for injection. Eligible responses are buffered by the proxy.
func (i *InitiatorInjector) Eligible(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	switch {
	case isHTML(mediaType):
		return true
	case isScript(mediaType):
		return i.injectScripts
	default:
		return false
	}
}

// Inject returns body with the payload inserted once. Whenever the payload
// cannot be applied, the original body is returned unchanged together with
// the reason.
func (i *InitiatorInjector) Inject(body []byte, contentType string) ([]byte, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, fmt.Errorf("%w: %v", ErrNotInjectable, err)
	}

	if err := checkCharset(body, params["charset"]); err != nil {
		return body, err
	}

	switch {
	case isHTML(mediaType):
		at, err := insertionPoint(body, i.maxTokenSize)
		if err != nil {
			return body, err
		}

		tag := i.scriptTag
		if mediaType == "application/xhtml+xml" {
			tag = i.xhtmlTag
		}

		out := make([]byte, 0, len(body)+len(tag))
		out = append(out, body[:at]...)
		out = append(out, tag...)
		out = append(out, body[at:]...)

		return out, nil
	case isScript(mediaType) && i.injectScripts:
		out := make([]byte, 0, len(body)+len(i.payload))
		out = append(out, i.payload...)
		out = append(out, body...)

		return out, nil
	default:
		return body, fmt.Errorf("%w: %s", ErrNotInjectable, mediaType)
	}
}

// insertionPoint returns the byte offset at which the script tag goes:
// directly after the opening <head> or before the first <script>,
// whichever comes first, else after <body>, else after <html>.
func insertionPoint(body []byte, maxTokenSize int) (int, error) {
	z := html.NewTokenizer(bytes.NewReader(body))
	z.SetMaxBuf(maxTokenSize)

	offset := 0
	afterBody, afterHTML := -1, -1

	for {
		tt := z.Next()
		n := len(z.Raw())

		switch tt {
		case html.ErrorToken:
			if !errors.Is(z.Err(), io.EOF) {
				return 0, fmt.Errorf("%w: %v", ErrMalformedDocument, z.Err())
			}

			switch {
			case afterBody >= 0:
				return afterBody, nil
			case afterHTML >= 0:
				return afterHTML, nil
			default:
				return 0, ErrNoInsertionPoint
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()

			switch string(name) {
			case "script":
				return offset, nil
			case "head":
				return offset + n, nil
			case "body":
				if afterBody < 0 {
					afterBody = offset + n
				}
			case "html":
				if afterHTML < 0 {
					afterHTML = offset + n
				}
			}
		}

		offset += n
	}
}

// checkCharset rejects documents whose encoding is not ASCII compatible,
// since the payload is inserted as raw ASCII bytes.
func checkCharset(body []byte, label string) error {
	if bytes.HasPrefix(body, []byte{0xfe, 0xff}) || bytes.HasPrefix(body, []byte{0xff, 0xfe}) {
		return fmt.Errorf("%w: utf-16 byte order mark", ErrUnsupportedCharset)
	}

	if label == "" {
		return nil
	}

	enc, err := htmlindex.Get(label)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedCharset, label)
	}

	name, err := htmlindex.Name(enc)
	if err != nil || strings.HasPrefix(name, "utf-16") {
		return fmt.Errorf("%w: %s", ErrUnsupportedCharset, label)
	}

	return nil
}

func isHTML(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func isScript(mediaType string) bool {
	switch mediaType {
	case "application/javascript", "text/javascript", "application/x-javascript", "application/ecmascript", "text/ecmascript":
		return true
	default:
		return false
	}
}

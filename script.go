package reqscope

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/valyala/fasttemplate"
)

const (
	// InitiatorHeader carries the base64 encoded call stack of the client
	// code that issued a request.
	InitiatorHeader = "X-Initiator-Stack"

	// PayloadVersion identifies the instrumentation payload revision.
	PayloadVersion = "1"

	// StackFrameLimit is the number of frames captured per snapshot.
	StackFrameLimit = 50

	// StackSkipLines is the number of leading trace lines dropped: the
	// error line itself and the two instrumentation frames.
	StackSkipLines = 3

	// StackEndLine is the last (1-indexed) raw trace line kept.
	StackEndLine = 40
)

// payloadTemplate wraps fetch and XMLHttpRequest so every call carries
// InitiatorHeader. Placeholders use [[ ]] because the script itself is full
// of braces.
const payloadTemplate = `(function () {
  if (window.__reqscopeInitiator) { return; }
  window.__reqscopeInitiator = "[[version]]";
  var HEADER = "[[header]]";
  function snapshot() {
    var limit = Error.stackTraceLimit;
    try {
      Error.stackTraceLimit = [[frameLimit]];
      var stack = String(new Error().stack || "");
      return stack.split("\n").slice([[skipLines]], [[endLine]]).map(function (line) { return line.trim(); }).join("\n").trim();
    } catch (e) {
      return "";
    } finally {
      Error.stackTraceLimit = limit;
    }
  }
  function encode(text) {
    try { return btoa(unescape(encodeURIComponent(text))); } catch (e) { return ""; }
  }
  var originalFetch = window.fetch;
  if (typeof originalFetch === "function") {
    window.fetch = function (input, init) {
      var stack = encode(snapshot());
      var options = init;
      if (stack) {
        try {
          options = Object.assign({}, init || {});
          var source = options.headers || (typeof Request !== "undefined" && input instanceof Request ? input.headers : undefined);
          var headers = new Headers(source);
          headers.set(HEADER, stack);
          options.headers = headers;
        } catch (e) {
          options = init;
        }
      }
      return originalFetch.call(this, input, options);
    };
  }
  var proto = window.XMLHttpRequest && window.XMLHttpRequest.prototype;
  if (proto && typeof proto.send === "function") {
    var originalSend = proto.send;
    proto.send = function () {
      var stack = encode(snapshot());
      if (stack) {
        try { this.setRequestHeader(HEADER, stack); } catch (e) {}
      }
      return originalSend.apply(this, arguments);
    };
  }
})();`

func renderPayload() string {
	return fasttemplate.ExecuteString(payloadTemplate, "[[", "]]", map[string]interface{}{
		"version":    PayloadVersion,
		"header":     InitiatorHeader,
		"frameLimit": strconv.Itoa(StackFrameLimit),
		"skipLines":  strconv.Itoa(StackSkipLines),
		"endLine":    strconv.Itoa(StackEndLine),
	})
}

// DeriveInitiator applies the stack snapshot policy to a raw trace: lines
// StackSkipLines+1 through StackEndLine are kept, each trimmed, and joined
// with newlines. Traces too short to reach the first kept line yield "".
func DeriveInitiator(rawStack string) string {
	lines := strings.Split(rawStack, "\n")
	if len(lines) <= StackSkipLines {
		return ""
	}

	end := len(lines)
	if end > StackEndLine {
		end = StackEndLine
	}

	kept := make([]string, 0, end-StackSkipLines)
	for _, line := range lines[StackSkipLines:end] {
		kept = append(kept, strings.TrimSpace(line))
	}

	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// EncodeInitiator produces the InitiatorHeader value for a stack text.
func EncodeInitiator(stack string) string {
	return base64.StdEncoding.EncodeToString([]byte(stack))
}

// DecodeInitiator decodes an InitiatorHeader value.
func DecodeInitiator(value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

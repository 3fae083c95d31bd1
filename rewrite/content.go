// Package rewrite rewrites HTML, CSS and JavaScript responses so that the
// resources they reference are loaded through the proxy.
package rewrite

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/acmacalister/hammerhead/proxyurl"
)

// ContentKind selects the rewriter for a response body. It is decided once
// per response.
type ContentKind int

const (
	Opaque ContentKind = iota
	HTML
	CSS
	JS
)

func (k ContentKind) String() string {
	switch k {
	case HTML:
		return "html"
	case CSS:
		return "css"
	case JS:
		return "js"
	}
	return "opaque"
}

var jsMediaTypes = map[string]bool{
	"text/javascript":          true,
	"application/javascript":   true,
	"application/x-javascript": true,
	"text/ecmascript":          true,
	"application/ecmascript":   true,
	"text/jscript":             true,
	"text/x-javascript":        true,
}

// IsJSMediaType reports whether mt is a JavaScript media type.
func IsJSMediaType(mt string) bool {
	return jsMediaTypes[strings.ToLower(strings.TrimSpace(mt))]
}

// Classify picks the content kind from the declared media type. When the
// type is missing or generic, the resource type the page asked for decides,
// then sniffing of the first body bytes.
func Classify(contentType string, rt proxyurl.ResourceType, sniff []byte) ContentKind {
	mt := ""
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mt = parsed
		} else {
			mt = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
		}
	}

	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		return HTML
	case mt == "text/css":
		return CSS
	case jsMediaTypes[mt]:
		return JS
	case mt == "" || mt == "text/plain" || mt == "application/octet-stream" || mt == "binary/octet-stream":
	default:
		return Opaque
	}

	switch rt {
	case proxyurl.ResourceScript:
		return JS
	case proxyurl.ResourceStylesheet:
		return CSS
	case proxyurl.ResourceImage:
		return Opaque
	}

	// Browsers only sniff markup when no usable type was sent.
	if mt == "text/plain" || len(sniff) == 0 {
		return Opaque
	}
	if mimetype.Detect(sniff).Is("text/html") {
		return HTML
	}
	return Opaque
}

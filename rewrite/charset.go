package rewrite

import (
	"bytes"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// cssCharsetRule matches a leading @charset rule.
var cssCharsetRule = regexp.MustCompile(`^@charset\s+"([^"]+)"\s*;`)

// DecodeBody converts body to UTF-8 and returns the name of the charset it
// was decoded from. HTML follows the browser algorithm (BOM, Content-Type,
// meta prescan). Stylesheets and scripts use BOM, Content-Type and @charset.
// Undeclared non UTF-8 bodies fall back to statistical detection.
func DecodeBody(body []byte, contentType string, kind ContentKind) (string, string) {
	enc, name := detectEncoding(body, contentType, kind)
	if name == "utf-8" {
		body = bytes.TrimPrefix(body, utf8BOM)
		return strings.ToValidUTF8(string(body), "�"), name
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return strings.ToValidUTF8(string(body), "�"), "utf-8"
	}
	return string(decoded), name
}

func detectEncoding(body []byte, contentType string, kind ContentKind) (encoding.Encoding, string) {
	if kind == HTML {
		enc, name, certain := charset.DetermineEncoding(body, contentType)
		if certain || name != "windows-1252" || declaresCharset(body) {
			return enc, name
		}
		return guessEncoding(body, enc, name)
	}

	if bytes.HasPrefix(body, utf8BOM) {
		return encoding.Nop, "utf-8"
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if label, ok := params["charset"]; ok {
			if enc, name := charset.Lookup(label); enc != nil {
				return enc, name
			}
		}
	}
	if kind == CSS {
		if m := cssCharsetRule.FindSubmatch(body); m != nil {
			if enc, name := charset.Lookup(string(m[1])); enc != nil {
				return enc, name
			}
		}
	}
	if utf8.Valid(body) {
		return encoding.Nop, "utf-8"
	}
	return guessEncoding(body, charmap.Windows1252, "windows-1252")
}

// guessEncoding runs charset detection over an undeclared body.
func guessEncoding(body []byte, fallback encoding.Encoding, fallbackName string) (encoding.Encoding, string) {
	sample := body
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	res, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || res.Confidence < 50 {
		return fallback, fallbackName
	}
	if enc, name := charset.Lookup(res.Charset); enc != nil {
		return enc, name
	}
	return fallback, fallbackName
}

// declaresCharset reports whether the prescan window of an HTML document
// mentions a charset, in which case the windows-1252 result was declared.
func declaresCharset(body []byte) bool {
	if len(body) > 1024 {
		body = body[:1024]
	}
	return bytes.Contains(bytes.ToLower(body), []byte("charset"))
}

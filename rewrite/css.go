package rewrite

import (
	"strings"

	"github.com/gorilla/css/scanner"

	"github.com/acmacalister/hammerhead/proxyurl"
)

// cssNewlines mirrors the preprocessing done by scanner.New so that token
// values can be mapped back onto the input.
var cssNewlines = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\f", "\n", "\u0000", "�")

// css rewrites url() references and @import strings. On a scanner error the
// remainder of the input is emitted verbatim.
func (j *job) css(src string) string {
	input := cssNewlines.Replace(strings.ToValidUTF8(src, "�"))
	s := scanner.New(input)

	var b strings.Builder
	b.Grow(len(input))
	pos := 0
	changed := false
	importing := false

	for {
		tok := s.Next()
		if tok.Type == scanner.TokenEOF {
			break
		}
		if tok.Type == scanner.TokenError {
			b.WriteString(input[pos:])
			break
		}
		pos += len(tok.Value)

		switch tok.Type {
		case scanner.TokenS, scanner.TokenComment:
			b.WriteString(tok.Value)
			continue
		case scanner.TokenAtKeyword:
			importing = strings.EqualFold(tok.Value, "@import")
			b.WriteString(tok.Value)
			continue
		case scanner.TokenURI:
			if out, ok := j.cssURL(tok.Value); ok {
				b.WriteString(out)
				changed = true
				importing = false
				continue
			}
		case scanner.TokenString:
			if importing {
				if out, ok := j.cssImport(tok.Value); ok {
					b.WriteString(out)
					changed = true
					importing = false
					continue
				}
			}
		}
		importing = false
		b.WriteString(tok.Value)
	}

	if !changed {
		return src
	}
	return b.String()
}

// cssURL rewrites a url(...) token, keeping its quoting.
func (j *job) cssURL(tok string) (string, bool) {
	if len(tok) < 5 {
		return "", false
	}
	inner := strings.TrimSpace(tok[4 : len(tok)-1])
	quote := ""
	if n := len(inner); n >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[n-1] == inner[0] {
		quote = inner[:1]
		inner = inner[1 : n-1]
	}
	out, ok := j.proxy(inner, proxyurl.ResourceStylesheet, proxyurl.Options{})
	if !ok {
		return "", false
	}
	if quote == "" && strings.ContainsAny(out, " \t\n()'\"\\") {
		quote = `"`
	}
	return tok[:4] + quote + escapeCSSString(out, quote) + quote + ")", true
}

// cssImport rewrites the string operand of an @import rule.
func (j *job) cssImport(tok string) (string, bool) {
	if len(tok) < 2 {
		return "", false
	}
	quote := tok[:1]
	out, ok := j.proxy(tok[1:len(tok)-1], proxyurl.ResourceStylesheet, proxyurl.Options{})
	if !ok {
		return "", false
	}
	return quote + escapeCSSString(out, quote) + quote, true
}

func escapeCSSString(s, quote string) string {
	if quote == "" {
		return s
	}
	return strings.ReplaceAll(s, quote, `\`+quote)
}

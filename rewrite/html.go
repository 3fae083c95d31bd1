package rewrite

import (
	"html"
	"io"
	"mime"
	"net/url"
	"strings"

	nethtml "golang.org/x/net/html"

	"github.com/acmacalister/hammerhead/proxyurl"
)

// urlAttributes maps URL-valued attributes to the tags that carry them.
var urlAttributes = map[string]map[string]bool{
	"href":       tags("a", "link", "area", "base"),
	"src":        tags("img", "script", "iframe", "frame", "embed", "source", "input", "video", "audio", "track"),
	"action":     tags("form"),
	"formaction": tags("button", "input"),
	"manifest":   tags("html"),
	"data":       tags("object"),
	"background": tags("body", "table", "td", "th"),
	"poster":     tags("video"),
	"longdesc":   tags("img", "frame", "iframe"),
	"srcset":     tags("img", "source"),
}

// targetAttributes maps browsing-context attributes to their tags.
var targetAttributes = map[string]map[string]bool{
	"target":     tags("a", "area", "base", "form"),
	"formtarget": tags("button", "input"),
}

// bespokeAttributes are handled before the URL table and win over it.
var bespokeAttributes = map[string]bool{
	"sandbox":      true,
	"autocomplete": true,
	"style":        true,
	"target":       true,
	"formtarget":   true,
}

var imageSources = tags("img", "input", "video", "audio", "source", "track", "embed")

func tags(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

var targetKeywords = map[string]bool{"_blank": true, "_self": true, "_parent": true, "_top": true}

// element is a start tag being rewritten.
type element struct {
	tok     *nethtml.Token
	changed bool
	// stored holds the keys of attributes that already carry a stored value.
	stored map[string]bool
}

func (e *element) attr(key string) (string, bool) {
	for _, a := range e.tok.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// set replaces attribute i and records its original value.
func (e *element) set(i int, val string) {
	a := &e.tok.Attr[i]
	if a.Val == val {
		return
	}
	e.tok.Attr = append(e.tok.Attr, nethtml.Attribute{Key: a.Key + StoredValueSuffix, Val: a.Val})
	e.tok.Attr[i].Val = val
	e.changed = true
}

// html rewrites a document with the x/net/html tokenizer. Tokens that are
// not modified are copied from the raw input.
func (j *job) html(src string) string {
	z := nethtml.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	b.Grow(len(src) + len(src)/8)

	changed := false
	injected := len(j.task.InjectScripts) == 0
	rawText := "" // "script" or "style" while inside a rewritable raw text element

	for {
		tt := z.Next()
		if tt == nethtml.ErrorToken {
			if z.Err() != io.EOF {
				b.Write(z.Raw())
			}
			break
		}
		raw := string(z.Raw())

		switch tt {
		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			tok := z.Token()
			rawText = ""
			if !injected && tok.Data != "html" && tok.Data != "head" {
				b.WriteString(j.injection())
				injected, changed = true, true
			}
			el := &element{tok: &tok}
			j.element(el)
			if el.changed {
				b.WriteString(tok.String())
				changed = true
			} else {
				b.WriteString(raw)
			}
			if tok.Data == "head" && !injected {
				b.WriteString(j.injection())
				injected, changed = true, true
			}
			if tt == nethtml.StartTagToken {
				switch {
				case tok.Data == "script" && isJSScript(el):
					rawText = "script"
				case tok.Data == "style":
					rawText = "style"
				}
			}
			continue

		case nethtml.TextToken:
			out := raw
			switch rawText {
			case "script":
				out = j.js(raw)
			case "style":
				out = j.css(raw)
			}
			if out != raw {
				changed = true
			}
			b.WriteString(out)
			continue

		case nethtml.EndTagToken:
			rawText = ""
		}
		b.WriteString(raw)
	}

	if !changed {
		return src
	}
	return b.String()
}

func (j *job) injection() string {
	var b strings.Builder
	for _, s := range j.task.InjectScripts {
		b.WriteString(`<script src="`)
		b.WriteString(html.EscapeString(s))
		b.WriteString(`" class="hammerhead-script"></script>`)
	}
	return b.String()
}

func isJSScript(el *element) bool {
	typ, ok := el.attr("type")
	if !ok || strings.TrimSpace(typ) == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(typ)
	if err != nil {
		mt = typ
	}
	return mt == "module" || IsJSMediaType(mt)
}

// element rewrites the attributes of one start tag.
func (j *job) element(el *element) {
	tag := el.tok.Data
	el.stored = make(map[string]bool)
	for _, a := range el.tok.Attr {
		if k, ok := strings.CutSuffix(a.Key, StoredValueSuffix); ok {
			el.stored[k] = true
		}
	}

	baseHref, isBase := "", false
	if tag == "base" {
		baseHref, isBase = el.attr("href")
		if t, ok := el.attr("target"); ok {
			j.defaultTarget = t
		}
	}
	if tag == "meta" {
		j.metaRefresh(el)
	}
	opts := j.elementOptions(el)

	n := len(el.tok.Attr)
	for i := 0; i < n; i++ {
		a := el.tok.Attr[i]
		if a.Namespace != "" || el.stored[a.Key] || strings.HasSuffix(a.Key, StoredValueSuffix) {
			continue
		}
		switch {
		case bespokeAttributes[a.Key]:
			j.bespoke(el, i)
		case len(a.Key) > 2 && strings.HasPrefix(a.Key, "on"):
			if out, ok := j.handler(a.Val); ok {
				el.set(i, out)
			}
		case a.Key == "srcset" && urlAttributes["srcset"][tag]:
			if out, ok := j.srcset(a.Val, proxyurl.ResourceImage, opts); ok {
				el.set(i, out)
			}
		case urlAttributes[a.Key][tag]:
			j.urlAttribute(el, i, opts)
		}
	}

	if (tag == "form" || tag == "input") && !el.stored["autocomplete"] {
		if _, ok := el.attr("autocomplete"); !ok {
			el.tok.Attr = append(el.tok.Attr,
				nethtml.Attribute{Key: "autocomplete", Val: "off"},
				nethtml.Attribute{Key: "autocomplete" + StoredValueSuffix, Val: storedNone},
			)
			el.changed = true
		}
	}

	if isBase {
		j.setBase(baseHref)
	}
}

func (j *job) urlAttribute(el *element, i int, opts proxyurl.Options) {
	a := el.tok.Attr[i]
	trimmed := strings.TrimSpace(a.Val)
	if len(trimmed) >= 11 && strings.EqualFold(trimmed[:11], "javascript:") {
		if out, ok := j.handler(trimmed[11:]); ok {
			el.set(i, trimmed[:11]+out)
		}
		return
	}
	rt := j.resourceType(el, a.Key)
	if rt == proxyurl.ResourceIframe {
		opts.CrossDomain = j.crossOrigin(trimmed)
	}
	if out, ok := j.proxy(a.Val, rt, opts); ok {
		el.set(i, out)
	}
}

// resourceType decides the resource type of URL attribute key on el.
func (j *job) resourceType(el *element, key string) proxyurl.ResourceType {
	tag := el.tok.Data
	switch key {
	case "action", "formaction":
		return proxyurl.ResourceForm
	case "background", "poster":
		return proxyurl.ResourceImage
	case "src":
		switch {
		case tag == "script":
			return proxyurl.ResourceScript
		case tag == "iframe" || tag == "frame":
			return proxyurl.ResourceIframe
		case imageSources[tag]:
			return proxyurl.ResourceImage
		}
	case "href":
		switch tag {
		case "link":
			return linkResourceType(el)
		case "a", "area":
			target, ok := el.attr("target")
			if !ok {
				target = j.defaultTarget
			}
			if j.framedTarget(target) {
				return proxyurl.ResourceIframe
			}
		}
	}
	return proxyurl.ResourceNone
}

func linkResourceType(el *element) proxyurl.ResourceType {
	rel, _ := el.attr("rel")
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		if r == "stylesheet" {
			return proxyurl.ResourceStylesheet
		}
	}
	switch as, _ := el.attr("as"); strings.ToLower(as) {
	case "script":
		return proxyurl.ResourceScript
	case "style":
		return proxyurl.ResourceStylesheet
	case "image":
		return proxyurl.ResourceImage
	}
	return proxyurl.ResourceNone
}

// framedTarget reports whether a link with the given target opens inside a
// frame of the proxied page.
func (j *job) framedTarget(target string) bool {
	t := strings.ToLower(strings.TrimSpace(target))
	switch {
	case t == "" || t == "_self":
		return j.task.ResourceType == proxyurl.ResourceIframe
	case targetKeywords[t]:
		return false
	}
	return true
}

// crossOrigin reports whether ref resolves to an origin other than the
// document's.
func (j *job) crossOrigin(ref string) bool {
	if j.doc == nil {
		return false
	}
	abs, ok := proxyurl.Resolve(j.base, ref)
	if !ok {
		return false
	}
	u, err := url.Parse(abs)
	if err != nil {
		return false
	}
	return !strings.EqualFold(u.Scheme, j.doc.Scheme) || !strings.EqualFold(u.Host, j.doc.Host)
}

func (j *job) elementOptions(el *element) proxyurl.Options {
	v, ok := el.attr("crossorigin")
	if !ok {
		return proxyurl.Options{}
	}
	if strings.EqualFold(strings.TrimSpace(v), "use-credentials") {
		return proxyurl.Options{Credentials: proxyurl.CredentialsInclude}
	}
	return proxyurl.Options{Credentials: proxyurl.CredentialsSameOrigin}
}

func (j *job) setBase(href string) {
	abs, ok := proxyurl.Resolve(j.base, href)
	if !ok {
		return
	}
	if u, err := url.Parse(abs); err == nil {
		j.base = u
	}
}

// bespoke handles the attributes whose values are not plain URLs.
func (j *job) bespoke(el *element, i int) {
	a := el.tok.Attr[i]
	tag := el.tok.Data
	switch a.Key {
	case "sandbox":
		if tag != "iframe" {
			return
		}
		tokens := strings.Fields(a.Val)
		for _, want := range []string{"allow-scripts", "allow-same-origin"} {
			if !containsFold(tokens, want) {
				tokens = append(tokens, want)
			}
		}
		el.set(i, strings.Join(tokens, " "))
	case "autocomplete":
		if tag == "form" || tag == "input" {
			el.set(i, "off")
		}
	case "style":
		el.set(i, j.css(a.Val))
	case "target", "formtarget":
		if !targetAttributes[a.Key][tag] {
			return
		}
		if t := strings.ToLower(strings.TrimSpace(a.Val)); targetKeywords[t] {
			el.set(i, t)
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// metaRefresh rewrites the URL of <meta http-equiv="refresh" content="N; url=...">.
func (j *job) metaRefresh(el *element) {
	equiv, _ := el.attr("http-equiv")
	if !strings.EqualFold(strings.TrimSpace(equiv), "refresh") {
		return
	}
	for i, a := range el.tok.Attr {
		if a.Key != "content" {
			continue
		}
		if out, ok := j.refresh(a.Val); ok {
			el.set(i, out)
		}
		return
	}
}

// refresh rewrites the URL part of a Refresh header or meta value.
func (j *job) refresh(v string) (string, bool) {
	sep := strings.IndexAny(v, ";,")
	if sep < 0 {
		return "", false
	}
	rest := strings.TrimLeft(v[sep+1:], " \t\n")
	prefix := v[:len(v)-len(rest)]
	if len(rest) >= 4 && strings.EqualFold(rest[:3], "url") {
		after := strings.TrimLeft(rest[3:], " \t\n")
		if strings.HasPrefix(after, "=") {
			after = strings.TrimLeft(after[1:], " \t\n")
			prefix = v[:len(v)-len(after)]
			rest = after
		}
	}
	ref := strings.Trim(rest, `"' `)
	rt := proxyurl.ResourceNone
	if j.task.ResourceType == proxyurl.ResourceIframe {
		rt = proxyurl.ResourceIframe
	}
	out, ok := j.proxy(ref, rt, proxyurl.Options{})
	if !ok {
		return "", false
	}
	return prefix + out, true
}

// RefreshURL rewrites the URL inside a Refresh header value.
func (r *Rewriter) RefreshURL(v string, base *url.URL, sessionID string, rt proxyurl.ResourceType) (string, bool) {
	j := &job{r: r, task: Task{SessionID: sessionID, ResourceType: rt}, doc: base, base: base}
	return j.refresh(v)
}

// srcset rewrites each image candidate URL of a srcset value, keeping the
// descriptors and separators as they are.
func (j *job) srcset(v string, rt proxyurl.ResourceType, opts proxyurl.Options) (string, bool) {
	var b strings.Builder
	changed := false
	i := 0
	for i < len(v) {
		start := i
		for i < len(v) && (isHTMLSpace(v[i]) || v[i] == ',') {
			i++
		}
		b.WriteString(v[start:i])
		if i >= len(v) {
			break
		}

		urlStart := i
		for i < len(v) && !isHTMLSpace(v[i]) {
			i++
		}
		urlEnd := i
		for urlEnd > urlStart && v[urlEnd-1] == ',' {
			urlEnd--
		}
		ref := v[urlStart:urlEnd]
		if out, ok := j.proxy(ref, rt, opts); ok {
			b.WriteString(out)
			changed = true
		} else {
			b.WriteString(ref)
		}
		if urlEnd < i {
			b.WriteString(v[urlEnd:i])
			continue
		}

		descStart := i
		depth := 0
	descriptors:
		for ; i < len(v); i++ {
			switch v[i] {
			case '(':
				depth++
			case ')':
				if depth > 0 {
					depth--
				}
			case ',':
				if depth == 0 {
					break descriptors
				}
			}
		}
		b.WriteString(v[descStart:i])
	}
	return b.String(), changed
}

func isHTMLSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\f' || c == '\r'
}

package rewrite

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/acmacalister/hammerhead/instrument"
	"github.com/acmacalister/hammerhead/proxyurl"
)

// StoredValueSuffix names the attribute that keeps the original value of a
// rewritten attribute, e.g. href-hammerhead-stored-value.
const StoredValueSuffix = "-hammerhead-stored-value"

// storedNone is stored when the rewritten attribute was absent.
const storedNone = "hammerhead-stored-value-none"

// Task is one response body to rewrite.
type Task struct {
	Kind ContentKind
	Body []byte
	// ContentType is the response Content-Type, used for charset detection.
	ContentType string
	// Charset overrides charset detection when set.
	Charset string
	// BaseURL is the destination URL of the response.
	BaseURL       *url.URL
	SessionID     string
	ResourceType  proxyurl.ResourceType
	Credentials   proxyurl.CredentialsMode
	InjectScripts []string
}

// Result is a rewritten body. Body is always UTF-8.
type Result struct {
	Body []byte
	// Charset is the charset the body was decoded from.
	Charset string
	// Changed reports whether Body differs from the input bytes.
	Changed       bool
	ParseFailures int
}

// Rewriter rewrites response bodies so that the URLs they contain point at
// the proxy.
type Rewriter struct {
	Codec       *proxyurl.Codec
	Transformer *instrument.Transformer
	Logger      *slog.Logger
}

// NewRewriter creates a Rewriter for the given proxy address.
func NewRewriter(codec *proxyurl.Codec) *Rewriter {
	return &Rewriter{
		Codec:       codec,
		Transformer: instrument.New(),
		Logger:      slog.Default(),
	}
}

func (r *Rewriter) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Rewriter) transformer() *instrument.Transformer {
	if r.Transformer == nil {
		return instrument.New()
	}
	return r.Transformer
}

// Rewrite rewrites task.Body according to task.Kind.
func (r *Rewriter) Rewrite(task Task) (*Result, error) {
	if r.Codec == nil {
		return nil, fmt.Errorf("rewrite: no codec configured")
	}
	if task.Kind == Opaque {
		return &Result{Body: task.Body}, nil
	}

	src, cs := r.decode(task)
	j := &job{
		r:    r,
		task: task,
		doc:  task.BaseURL,
		base: task.BaseURL,
	}

	var out string
	switch task.Kind {
	case HTML:
		out = j.html(src)
	case CSS:
		out = j.css(src)
	case JS:
		out = j.js(src)
	default:
		return nil, fmt.Errorf("rewrite: unknown content kind %d", task.Kind)
	}

	// Changed is set only when the bytes differ. An ASCII page decoded from
	// a legacy charset and left alone is served as it came.
	res := &Result{Charset: cs, ParseFailures: j.failures, Body: task.Body}
	if out == src && cs == "utf-8" {
		return res, nil
	}
	if body := []byte(out); !bytes.Equal(body, task.Body) {
		res.Body = body
		res.Changed = true
	}
	return res, nil
}

func (r *Rewriter) decode(task Task) (string, string) {
	ct := task.ContentType
	if task.Charset != "" {
		ct = "text/plain; charset=" + task.Charset
	}
	return DecodeBody(task.Body, ct, task.Kind)
}

// job carries the per-body rewriting state.
type job struct {
	r    *Rewriter
	task Task
	// doc is the document URL; base follows <base href>.
	doc  *url.URL
	base *url.URL
	// defaultTarget comes from <base target>.
	defaultTarget string
	failures      int
}

// proxy resolves ref against the current base and encodes it as a proxy
// URL. ok is false when ref is left as is.
func (j *job) proxy(ref string, rt proxyurl.ResourceType, opts proxyurl.Options) (string, bool) {
	abs, ok := proxyurl.Resolve(j.base, ref)
	if !ok {
		return "", false
	}
	out, err := j.r.Codec.Encode(abs, rt, j.task.SessionID, opts)
	if err != nil {
		j.r.logger().Debug("url not proxied", "url", abs, "error", err)
		return "", false
	}
	return out, out != ref
}

func (j *job) js(src string) string {
	out, err := j.r.transformer().Transform(src)
	if err != nil {
		j.parseFailure("script", err)
		return src
	}
	return out
}

func (j *job) handler(src string) (string, bool) {
	out, err := j.r.transformer().TransformHandler(src)
	if err != nil {
		j.parseFailure("handler", err)
		return src, false
	}
	return out, out != src
}

func (j *job) parseFailure(what string, err error) {
	j.failures++
	dest := ""
	if j.doc != nil {
		dest = j.doc.String()
	}
	j.r.logger().Warn("javascript served unmodified", "kind", what, "url", dest, "error", err)
}

package hammerhead

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/acmacalister/hammerhead/proxyurl"
	"github.com/acmacalister/hammerhead/rewrite"
)

// sniffLen is how much of an unlabelled body is inspected to pick a
// content kind.
const sniffLen = 512

// streamChunk is read from the destination before any header reaches the
// client, so that an immediate reset can still be answered with a page.
const streamChunk = 32 * 1024

// handle runs one request through the pipeline.
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	rc := newRequestContext(uuid.NewString(), p.logger())
	rc.ClientIP = r.RemoteAddr
	r = r.WithContext(WithRequestContext(r.Context(), rc))

	if p.Metrics != nil {
		p.Metrics.IncActiveRequests()
		defer p.Metrics.DecActiveRequests()
	}

	rw := &responseRecorder{ResponseWriter: w}
	defer p.finish(rw, r, rc)

	// Decoding
	_ = rc.Transition(StateDecoding)
	if !p.decode(rw, r, rc) {
		return
	}

	body, err := p.BodyLimiter.ReadBody(r, rc.Dest)
	if err != nil {
		if r.Context().Err() != nil {
			_ = rc.Fail(FailureAborted, err)
			return
		}
		_ = rc.Fail(FailureInternal, err)
		status := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(rw, http.StatusText(status), status)
		return
	}

	// AwaitingDestination
	_ = rc.Transition(StateAwaitingDestination)
	resp, err := p.fetch(r, rc, body)
	if err != nil {
		p.destinationFailed(rw, r, rc, err, false)
		return
	}
	if len(p.ResponseHooks) > 0 {
		resp = p.runResponseHooks(r.Context(), rc.DestRequest, resp, rc)
	}
	rc.DestResponse = resp
	defer func() { _ = resp.Body.Close() }()

	// Rewriting
	_ = rc.Transition(StateRewriting)
	if rc.Markers.Scripted() && rc.CrossOrigin && !corsAllowed(resp.Header, rc.PageOrigin, rc.withCredentials()) {
		rc.Logger.Debug("cors check failed", "request_id", rc.ID, "origin", rc.PageOrigin, "dest", rc.destURL())
		_ = rc.Transition(StateResponding)
		rw.Header().Set(HeaderCORSSupported, "false")
		rw.WriteHeader(StatusCORSFailed)
		return
	}

	header := resp.Header.Clone()
	p.rewriteResponseHeaders(header, rc)

	br := bufio.NewReaderSize(resp.Body, streamChunk)
	rc.ContentKind = classify(r, resp, rc.ProxyURL.ResourceType, br)

	var src io.Reader = br
	if rc.ContentKind != rewrite.Opaque {
		data, err := io.ReadAll(io.LimitReader(br, p.maxRewriteSize()+1))
		switch {
		case err != nil:
			p.destinationFailed(rw, r, rc, err, false)
			return
		case int64(len(data)) > p.maxRewriteSize():
			rc.Logger.Debug("body too large to rewrite", "request_id", rc.ID, "dest", rc.destURL())
			rc.ContentKind = rewrite.Opaque
			src = io.MultiReader(bytes.NewReader(data), br)
		default:
			out := p.rewriteBody(data, header, rc)
			_ = rc.Transition(StateResponding)
			copyHeader(rw.Header(), header)
			rw.WriteHeader(resp.StatusCode)
			if r.Method != http.MethodHead {
				_, _ = rw.Write(out)
			}
			return
		}
	}

	_ = rc.Transition(StateResponding)
	p.stream(rw, r, rc, resp.StatusCode, header, src)
}

// decode resolves the proxy URL and the session of r.
func (p *Proxy) decode(w http.ResponseWriter, r *http.Request, rc *RequestContext) bool {
	raw := requestURL(r, p.Codec.Protocol)
	pu, err := proxyurl.Decode(raw)
	if err == nil {
		rc.ProxyURL = pu
		rc.Dest, err = pu.Dest()
	}
	if err != nil {
		_ = rc.Fail(FailureBadURL, fmt.Errorf("%w: %s", ErrMalformedProxyURL, raw))
		p.errorPage().WriteMalformed(w, raw)
		return false
	}

	s, err := p.Sessions.Get(pu.SessionID)
	if err != nil {
		_ = rc.Fail(FailureSessionUnavailable, err)
		http.Error(w, "session unavailable", http.StatusNotFound)
		return false
	}
	rc.Session = s
	return true
}

// requestURL reconstructs the absolute URL a client asked for.
func requestURL(r *http.Request, protocol string) string {
	scheme := protocol
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	uri := r.RequestURI
	switch {
	case uri == "":
		uri = r.URL.RequestURI()
	case !strings.HasPrefix(uri, "/"):
		// absolute-form target
		if _, rest, ok := strings.Cut(uri, "://"); ok {
			uri = "/"
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				uri = rest[i:]
			}
		}
	}
	return scheme + "://" + r.Host + uri
}

// fetch builds the destination request and answers it from a mock or the
// network. Credentials are only sent after a challenge.
func (p *Proxy) fetch(r *http.Request, rc *RequestContext, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithCancel(r.Context())
	var timedOut atomic.Bool
	if p.DestinationTimeout > 0 {
		timer := time.AfterFunc(p.DestinationTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	req, err := p.destinationRequest(ctx, r, rc, body)
	if err != nil {
		cancel()
		return nil, err
	}
	rc.DestRequest = req

	if resp := p.runRequestHooks(ctx, req, rc); resp != nil {
		cancel()
		return resp, nil
	}
	if resp := p.mock(req, rc); resp != nil {
		cancel()
		return resp, nil
	}

	rt := p.transport()
	resp, err := rt.RoundTrip(req)
	if err == nil && isChallenge(resp) {
		resp, err = p.answerChallenge(ctx, rt, req, body, resp, rc)
	}
	if err != nil {
		cancel()
		if timedOut.Load() {
			return nil, fmt.Errorf("%w: %w", ErrDestinationTimeout, err)
		}
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (p *Proxy) destinationRequest(ctx context.Context, r *http.Request, rc *RequestContext, body []byte) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, rc.Dest.String(), reader)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	req.Header = r.Header.Clone()
	p.prepareRequestHeaders(req.Header, rc)
	filterAcceptEncoding(req.Header)

	if rule, ok := p.matchRule(r.Method, rc); ok {
		rc.Rule = rule
		rule.Apply(req.Header)
		rc.Logger.Debug("request filter rule matched", "request_id", rc.ID, "rule", rule.ID, "dest", rc.destURL())
	}
	return req, nil
}

// matchRule evaluates the session rules, then the global rules.
func (p *Proxy) matchRule(method string, rc *RequestContext) (*RequestFilterRule, bool) {
	if rule, ok := matchRules(rc.Session.Rules(), method, rc.Dest); ok {
		return rule, true
	}
	if p.Filter != nil {
		return p.Filter.Match(method, rc.Dest)
	}
	return nil, false
}

// mock returns the offline response for req, if any. Session resources
// win over rule mocks.
func (p *Proxy) mock(req *http.Request, rc *RequestContext) *http.Response {
	m, ok := rc.Session.Mock(rc.Dest.String())
	if !ok && rc.Rule != nil && rc.Rule.Mock != nil {
		m, ok = rc.Rule.Mock, true
	}
	if !ok {
		return nil
	}
	rc.Mocked = true
	if p.Metrics != nil {
		p.Metrics.RecordMock()
	}
	return m.Response(req)
}

func (p *Proxy) answerChallenge(ctx context.Context, rt http.RoundTripper, req *http.Request, body []byte, resp *http.Response, rc *RequestContext) (*http.Response, error) {
	creds, err := p.credentialsFor(ctx, rc.Session, rc.Dest)
	if err != nil {
		rc.Logger.Warn("credential lookup failed", "request_id", rc.ID, "session", rc.Session.ID, "error", err)
		return resp, nil
	}
	if creds == nil {
		return resp, nil
	}
	rc.Logger.Debug("answering authentication challenge", "request_id", rc.ID, "status", resp.StatusCode)
	return authenticate(rt, req, body, resp, creds)
}

// acceptedEncodings are the codings the rewriting stage can undo.
var acceptedEncodings = map[string]bool{
	EncodingGzip:    true,
	EncodingDeflate: true,
	EncodingBrotli:  true,
	EncodingZstd:    true,
	"identity":      true,
}

// filterAcceptEncoding drops codings the proxy could not decode.
func filterAcceptEncoding(h http.Header) {
	v := h.Get("Accept-Encoding")
	if v == "" {
		return
	}
	var kept []string
	for _, part := range strings.Split(v, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if acceptedEncodings[strings.ToLower(strings.TrimSpace(name))] {
			kept = append(kept, strings.TrimSpace(part))
		}
	}
	if len(kept) == 0 {
		h.Del("Accept-Encoding")
		return
	}
	h.Set("Accept-Encoding", strings.Join(kept, ", "))
}

// classify decides the content kind once per response.
func classify(r *http.Request, resp *http.Response, rt proxyurl.ResourceType, br *bufio.Reader) rewrite.ContentKind {
	if r.Method == http.MethodHead || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified || resp.StatusCode < 200 {
		return rewrite.Opaque
	}
	encodings := parseContentEncoding(resp.Header.Get("Content-Encoding"))
	if !canDecode(encodings) {
		return rewrite.Opaque
	}
	ct := resp.Header.Get("Content-Type")
	var sniff []byte
	if len(encodings) == 0 && sniffable(ct) {
		sniff, _ = br.Peek(sniffLen)
	}
	return rewrite.Classify(ct, rt, sniff)
}

// sniffable reports a content type that does not name the body.
func sniffable(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/octet-stream" || mt == "binary/octet-stream"
}

// rewriteBody rewrites a buffered body and fixes the framing headers in h.
// Any failure serves the original bytes.
func (p *Proxy) rewriteBody(data []byte, h http.Header, rc *RequestContext) []byte {
	encodings := parseContentEncoding(h.Get("Content-Encoding"))
	plain, err := Decompress(data, encodings)
	if err != nil {
		rc.Logger.Warn("cannot decode body, serving it unmodified", "request_id", rc.ID, "dest", rc.destURL(), "error", err)
		return setLength(h, data)
	}

	start := time.Now()
	res, err := p.rewriter().Rewrite(rewrite.Task{
		Kind:          rc.ContentKind,
		Body:          plain,
		ContentType:   h.Get("Content-Type"),
		BaseURL:       rc.Dest,
		SessionID:     rc.ProxyURL.SessionID,
		ResourceType:  rc.ProxyURL.ResourceType,
		Credentials:   rc.ProxyURL.Credentials,
		InjectScripts: rc.Session.InjectedScripts(),
	})
	if err != nil {
		rc.Logger.Warn("rewrite failed, serving body unmodified", "request_id", rc.ID, "dest", rc.destURL(), "error", err)
		return setLength(h, data)
	}
	if p.Metrics != nil {
		p.Metrics.RecordRewrite(rc.ContentKind.String(), time.Since(start))
		p.Metrics.RecordParseFallbacks(res.ParseFailures)
	}
	if res.ParseFailures > 0 {
		rc.Logger.Warn("script parse failure, served original source", "request_id", rc.ID, "dest", rc.destURL(), "failures", res.ParseFailures)
	}
	if !res.Changed {
		return setLength(h, data)
	}

	setUTF8(h)
	out, err := Compress(res.Body, encodings)
	if err != nil {
		rc.Logger.Warn("cannot re-encode body, sending it uncompressed", "request_id", rc.ID, "error", err)
		h.Del("Content-Encoding")
		out = res.Body
	}
	return setLength(h, out)
}

func setLength(h http.Header, body []byte) []byte {
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return body
}

// setUTF8 labels a rewritten body, which is always UTF-8.
func setUTF8(h http.Header) {
	ct := h.Get("Content-Type")
	if ct == "" {
		return
	}
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return
	}
	params["charset"] = "utf-8"
	h.Set("Content-Type", mime.FormatMediaType(mt, params))
}

// stream copies an opaque body. Headers are held back until the first
// chunk arrived; a failure after that aborts the response.
func (p *Proxy) stream(w *responseRecorder, r *http.Request, rc *RequestContext, status int, header http.Header, body io.Reader) {
	buf := make([]byte, streamChunk)
	n, err := io.ReadAtLeast(body, buf, 1)
	if err != nil && !errors.Is(err, io.EOF) {
		p.destinationFailed(w, r, rc, err, false)
		return
	}

	copyHeader(w.Header(), header)
	w.WriteHeader(status)
	if r.Method == http.MethodHead || n == 0 {
		return
	}
	if _, err := w.Write(buf[:n]); err != nil {
		p.clientGone(rc, err)
		return
	}
	w.Flush()

	if _, err := io.Copy(w, body); err != nil {
		if w.writeErr != nil {
			p.clientGone(rc, err)
			return
		}
		p.destinationFailed(w, r, rc, err, true)
	}
}

func (p *Proxy) clientGone(rc *RequestContext, err error) {
	_ = rc.Fail(FailureAborted, err)
}

// destinationFailed classifies err and answers the client. Nothing is
// written for aborted requests; partial responses are aborted.
func (p *Proxy) destinationFailed(w *responseRecorder, r *http.Request, rc *RequestContext, err error, partial bool) {
	if r.Context().Err() != nil {
		_ = rc.Fail(FailureAborted, err)
		return
	}

	if rc.State() == StateFailed {
		rc.Logger.Debug("destination error after failure ignored", "request_id", rc.ID, "dest", rc.destURL(), "error", err)
		return
	}
	var rpe *resetPipeError
	if errors.As(err, &rpe) {
		rc.Logger.Debug("broken pipe after reset reported as the reset", "request_id", rc.ID, "dest", rc.destURL(), "pipe", rpe.pipe)
	}

	derr := &DestinationError{Kind: classifyDestination(err), URL: rc.destURL(), Err: err, Partial: partial}
	_ = rc.Fail(derr.Kind, derr)
	rc.Logger.Warn("destination request failed", "request_id", rc.ID, "dest", rc.destURL(), "failure", derr.Kind.String(), "partial", partial, "error", err)

	if partial || w.status != 0 {
		panic(http.ErrAbortHandler)
	}
	p.errorPage().WriteDestinationError(w, derr)
}

// finish writes the access log entry and records metrics.
func (p *Proxy) finish(w *responseRecorder, r *http.Request, rc *RequestContext) {
	if rc.State() == StateResponding {
		_ = rc.Transition(StateDone)
	}

	status := w.status
	if status == 0 && rc.Failure() != FailureAborted {
		status = http.StatusOK
	}
	duration := time.Since(rc.StartTime)

	var resourceType, session, dest string
	if rc.ProxyURL != nil {
		resourceType = rc.ProxyURL.ResourceType.String()
		session = rc.ProxyURL.SessionID
		dest = rc.ProxyURL.DestURL
	}

	if p.Metrics != nil {
		if rc.Failure() != FailureNone {
			p.Metrics.RecordFailure(rc.Failure())
		} else {
			p.Metrics.RecordRequest(resourceType, rc.ContentKind.String())
		}
		p.Metrics.RecordRequestDuration(r.Method, status, duration)
	}

	if p.AccessLog != nil {
		entry := AccessLogEntry{
			Timestamp:    rc.StartTime,
			RequestID:    rc.ID,
			Method:       r.Method,
			Session:      session,
			ResourceType: resourceType,
			Destination:  dest,
			StatusCode:   status,
			Mocked:       rc.Mocked,
			Duration:     duration,
			BytesWritten: w.bytes,
			ClientAddr:   r.RemoteAddr,
			ClientCert:   ClientCertName(r),
			UserAgent:    r.UserAgent(),
		}
		if rc.Failure() != FailureNone {
			entry.Failure = rc.Failure().String()
			if err := rc.Err(); err != nil {
				entry.Error = err.Error()
			}
		} else {
			entry.ContentKind = rc.ContentKind.String()
		}
		p.AccessLog.Log(entry)
	}
}

// withCredentials reports whether a scripted request carries credentials
// for the CORS check.
func (rc *RequestContext) withCredentials() bool {
	if rc.ProxyURL != nil && rc.ProxyURL.Credentials == proxyurl.CredentialsInclude {
		return true
	}
	return rc.Markers.WithCredentials
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// cancelBody releases the destination context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// responseRecorder tracks the status and size of a response, and whether
// writing to the client failed.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	writeErr error
}

func (w *responseRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	if err != nil {
		w.writeErr = err
	}
	return n, err
}

func (w *responseRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

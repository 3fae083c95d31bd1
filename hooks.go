package hammerhead

import (
	"context"
	"net/http"
)

// RequestHook is called for every destination request after the proxy
// headers and the matching filter rule have been applied, before mocks
// and the network. Hooks may modify req.
//
// Returning a non-nil *http.Response answers the request without
// contacting the destination; the response is rewritten like any other
// and no further request hooks run.
type RequestHook interface {
	HandleRequest(ctx context.Context, req *http.Request, rc *RequestContext) *http.Response
}

// RequestHookFunc is a function adapter for RequestHook.
type RequestHookFunc func(ctx context.Context, req *http.Request, rc *RequestContext) *http.Response

func (f RequestHookFunc) HandleRequest(ctx context.Context, req *http.Request, rc *RequestContext) *http.Response {
	return f(ctx, req, rc)
}

// ResponseHook is called with the destination (or mock) response before
// its headers and body are rewritten. Returning a non-nil response
// replaces it; the pipeline closes the replaced body.
type ResponseHook interface {
	HandleResponse(ctx context.Context, req *http.Request, resp *http.Response, rc *RequestContext) *http.Response
}

// ResponseHookFunc is a function adapter for ResponseHook.
type ResponseHookFunc func(ctx context.Context, req *http.Request, resp *http.Response, rc *RequestContext) *http.Response

func (f ResponseHookFunc) HandleResponse(ctx context.Context, req *http.Request, resp *http.Response, rc *RequestContext) *http.Response {
	return f(ctx, req, resp, rc)
}

// StripRequestHeaders returns a hook that removes the named headers from
// every destination request.
func StripRequestHeaders(names ...string) RequestHook {
	return RequestHookFunc(func(_ context.Context, req *http.Request, _ *RequestContext) *http.Response {
		for _, name := range names {
			req.Header.Del(name)
		}
		return nil
	})
}

// SetResponseHeaders returns a hook that sets headers on every response
// before it is rewritten.
func SetResponseHeaders(headers map[string]string) ResponseHook {
	return ResponseHookFunc(func(_ context.Context, _ *http.Request, resp *http.Response, _ *RequestContext) *http.Response {
		for k, v := range headers {
			resp.Header.Set(k, v)
		}
		return nil
	})
}

func (p *Proxy) runRequestHooks(ctx context.Context, req *http.Request, rc *RequestContext) *http.Response {
	for _, h := range p.RequestHooks {
		if resp := h.HandleRequest(ctx, req, rc); resp != nil {
			if resp.Request == nil {
				resp.Request = req
			}
			if resp.Body == nil {
				resp.Body = http.NoBody
			}
			if resp.Header == nil {
				resp.Header = make(http.Header)
			}
			rc.Logger.Debug("request answered by hook", "request_id", rc.ID, "dest", rc.destURL(), "status", resp.StatusCode)
			if p.Metrics != nil {
				p.Metrics.RecordHookResponse("request")
			}
			return resp
		}
	}
	return nil
}

func (p *Proxy) runResponseHooks(ctx context.Context, req *http.Request, resp *http.Response, rc *RequestContext) *http.Response {
	for _, h := range p.ResponseHooks {
		replacement := h.HandleResponse(ctx, req, resp, rc)
		if replacement == nil || replacement == resp {
			continue
		}
		_ = resp.Body.Close()
		if replacement.Body == nil {
			replacement.Body = http.NoBody
		}
		if replacement.Header == nil {
			replacement.Header = make(http.Header)
		}
		rc.Logger.Debug("response replaced by hook", "request_id", rc.ID, "dest", rc.destURL(), "status", replacement.StatusCode)
		if p.Metrics != nil {
			p.Metrics.RecordHookResponse("response")
		}
		resp = replacement
	}
	return resp
}

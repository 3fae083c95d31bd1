package hammerhead

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/acmacalister/hammerhead/proxyurl"
	"github.com/acmacalister/hammerhead/rewrite"
)

// RequestState is a step of the request pipeline.
type RequestState int

const (
	StateReceived RequestState = iota
	StateDecoding
	StateAwaitingDestination
	StateRewriting
	StateResponding
	StateDone
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDecoding:
		return "decoding"
	case StateAwaitingDestination:
		return "awaiting_destination"
	case StateRewriting:
		return "rewriting"
	case StateResponding:
		return "responding"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s RequestState) terminal() bool {
	return s == StateDone || s == StateFailed
}

var nextState = map[RequestState]RequestState{
	StateReceived:            StateDecoding,
	StateDecoding:            StateAwaitingDestination,
	StateAwaitingDestination: StateRewriting,
	StateRewriting:           StateResponding,
	StateResponding:          StateDone,
}

// RequestContext carries one proxied request through the pipeline. It is
// owned by the goroutine serving the request.
type RequestContext struct {
	// ID identifies the request in logs.
	ID string

	Session  *Session
	ProxyURL *proxyurl.ProxyURL
	// Dest is the parsed destination URL.
	Dest *url.URL

	DestRequest  *http.Request
	DestResponse *http.Response

	// Rule is the request filter rule that matched, if any.
	Rule *RequestFilterRule

	// Markers are the x-hammerhead-* headers sent by the client runtime.
	Markers Markers

	// ContentKind is decided once per response.
	ContentKind rewrite.ContentKind

	// PageOrigin is the destination origin of the page that issued the
	// request, when known.
	PageOrigin string

	// CrossOrigin is set when the request leaves the origin of the page
	// that issued it.
	CrossOrigin bool

	// Mocked is set when the response did not come from the network.
	Mocked bool

	ClientIP  string
	StartTime time.Time
	Logger    *slog.Logger

	state   RequestState
	failure FailureKind
	err     error
}

func newRequestContext(id string, logger *slog.Logger) *RequestContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestContext{
		ID:        id,
		StartTime: time.Now(),
		Logger:    logger,
	}
}

// State returns the current pipeline state.
func (rc *RequestContext) State() RequestState { return rc.state }

// Failure returns the failure kind once the request failed.
func (rc *RequestContext) Failure() FailureKind { return rc.failure }

// Err returns the error that failed the request.
func (rc *RequestContext) Err() error { return rc.err }

// Transition moves the request to the next state. Only the successor of the
// current state is accepted.
func (rc *RequestContext) Transition(to RequestState) error {
	if next, ok := nextState[rc.state]; !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rc.state, to)
	}
	rc.Logger.Debug("request state", "request_id", rc.ID, "from", rc.state.String(), "to", to.String())
	rc.state = to
	return nil
}

// Fail moves the request to Failed. It is valid from any non-terminal state.
func (rc *RequestContext) Fail(kind FailureKind, err error) error {
	if rc.state.terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rc.state, StateFailed)
	}
	rc.Logger.Debug("request state", "request_id", rc.ID, "from", rc.state.String(), "to", StateFailed.String(), "failure", kind.String(), "error", err)
	rc.state = StateFailed
	rc.failure = kind
	rc.err = err
	return nil
}

// destURL returns the destination as a string for logs and messages.
func (rc *RequestContext) destURL() string {
	if rc.ProxyURL != nil {
		return rc.ProxyURL.DestURL
	}
	return ""
}

type requestContextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// GetRequestContext retrieves the RequestContext from the context, or nil.
func GetRequestContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

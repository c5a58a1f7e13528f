package model

import (
	"context"
	"errors"
)

// RequestContext identifies the caller of one request. It is built once by
// the transport layer and only read afterwards.
type RequestContext struct {
	SubjectID     string
	Username      string
	TenantID      string
	Roles         []string
	CorrelationID string
	TraceID       string
}

var errNoSubject = errors.New("request context: subject id is required")

// Validate reports whether the caller can be identified.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errNoSubject
	}
	return nil
}

// Actor is the identity written to workflow history for this caller.
func (rc *RequestContext) Actor() string {
	return rc.SubjectID
}

type contextKey struct{}

// WithRequestContext returns a copy of ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the caller attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// ActorFrom returns the actor of the request carried by ctx, or "" for
// internal callers.
func ActorFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.Actor()
	}
	return ""
}

// CorrelationIDFrom returns the correlation id of the request carried by ctx.
func CorrelationIDFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.CorrelationID
	}
	return ""
}

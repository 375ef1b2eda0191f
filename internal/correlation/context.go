// Package correlation implements request correlation for the Clubcore platform.
//
// Every external request is assigned a correlation ID shared by all operations
// it triggers, and each discrete operation carries its own causation ID. Log
// lines and outbound responses attach both, so one logical request can be
// traced end to end while individual operations within it stay
// distinguishable.
package correlation

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header names recognized on ingress and written on egress.
// Lookup is case-insensitive (net/http canonicalizes header names).
const (
	CorrelationHeader = "X-Correlation-ID"
	CausationHeader   = "X-Causation-ID"
)

// inboundHeaders lists the headers checked for an inbound correlation ID,
// in trust order. The first well-formed value wins.
var inboundHeaders = []string{CorrelationHeader, "X-Request-ID"}

type (
	// Context carries the identifiers for one operation within a request chain.
	//
	// CorrelationID is stable for the lifetime of the chain; CausationID is
	// unique to this operation. Contexts are immutable values: derive new ones
	// with Child or WithUser, never mutate in place.
	Context struct {
		CorrelationID string
		CausationID   string
		UserID        string
		Timestamp     time.Time
	}

	// Annotation is the canonical field set attached to log records and
	// response payloads.
	Annotation struct {
		CorrelationID string `json:"correlationId"`
		CausationID   string `json:"causationId"`
		UserID        string `json:"userId,omitempty"`
		Timestamp     string `json:"timestamp"`
	}

	// contextKey is an unexported type for storing the correlation context in
	// a context.Context, preventing collisions with other packages.
	contextKey struct{}
)

// NewRoot creates the context for the root of a new request chain.
//
// The correlation ID is taken from the first inbound header carrying a
// well-formed UUID v4; malformed or absent values are silently replaced with
// a freshly generated ID (a new chain root is the normal case, not an error).
// The causation ID is always fresh. headers may be nil for server-initiated
// chains such as background sweeps.
func NewRoot(headers http.Header, userID string) *Context {
	var correlationID string

	if headers != nil {
		for _, name := range inboundHeaders {
			if id, ok := parseID(headers.Get(name)); ok {
				correlationID = id

				break
			}
		}
	}

	if correlationID == "" {
		correlationID = newID()
	}

	return &Context{
		CorrelationID: correlationID,
		CausationID:   newID(),
		UserID:        userID,
		Timestamp:     time.Now().UTC(),
	}
}

// Child derives the context for a nested operation: same correlation ID,
// fresh causation ID and timestamp, inherited user.
func (c *Context) Child() *Context {
	return &Context{
		CorrelationID: c.CorrelationID,
		CausationID:   newID(),
		UserID:        c.UserID,
		Timestamp:     time.Now().UTC(),
	}
}

// WithUser returns a copy of the context carrying the authenticated
// principal. Authentication resolves after ingress, so the root context is
// created without a user and upgraded here.
func (c *Context) WithUser(userID string) *Context {
	copied := *c
	copied.UserID = userID

	return &copied
}

// Annotation produces the canonical field set for log records and response
// payloads. UserID is omitted from JSON when empty.
func (c *Context) Annotation() Annotation {
	return Annotation{
		CorrelationID: c.CorrelationID,
		CausationID:   c.CausationID,
		UserID:        c.UserID,
		Timestamp:     c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// LogValue implements slog.LogValuer so a context attaches to log records as
// a single grouped attribute.
func (c *Context) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 4)
	attrs = append(attrs,
		slog.String("correlation_id", c.CorrelationID),
		slog.String("causation_id", c.CausationID),
	)

	if c.UserID != "" {
		attrs = append(attrs, slog.String("user_id", c.UserID))
	}

	attrs = append(attrs, slog.Time("timestamp", c.Timestamp))

	return slog.GroupValue(attrs...)
}

// WithContext returns a copy of ctx carrying c.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext extracts the correlation context from ctx.
// Returns (nil, false) when no context was attached.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)

	return c, ok
}

// newID generates a UUID v4 string.
func newID() string {
	return uuid.New().String()
}

// parseID validates an inbound identifier. Only well-formed UUID v4 values
// are accepted; anything else is discarded.
func parseID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}

	id, err := uuid.Parse(value)
	if err != nil || id.Version() != 4 {
		return "", false
	}

	return id.String(), true
}

package logger

import "context"

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds message-scoped logging context: the correlation ids and
// routing position of the message a worker is currently processing.
type LogContext struct {
	TransactionID string // transaction uuid threading the whole workflow
	SubID         string // sub-transaction uuid
	RoutingKey    string // application.worker.state of the inbound message
	Queue         string // consuming queue name
	User          string
	Group         string
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// Args renders the context as slog key/value pairs.
func (lc *LogContext) Args() []any {
	if lc == nil {
		return nil
	}
	args := make([]any, 0, 12)
	if lc.TransactionID != "" {
		args = append(args, KeyTransactionID, lc.TransactionID)
	}
	if lc.SubID != "" {
		args = append(args, KeySubID, lc.SubID)
	}
	if lc.RoutingKey != "" {
		args = append(args, KeyRoutingKey, lc.RoutingKey)
	}
	if lc.Queue != "" {
		args = append(args, KeyQueue, lc.Queue)
	}
	if lc.User != "" {
		args = append(args, KeyUser, lc.User)
	}
	if lc.Group != "" {
		args = append(args, KeyGroup, lc.Group)
	}
	return args
}

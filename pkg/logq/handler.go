package logq

import (
	"context"
	"log/slog"
	"time"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/fabric"
)

// FabricHandler is a slog.Handler that ships every record over the fabric,
// so a worker's local log lines also land in the aggregated level files.
// Attach it with logger.AttachSecondary after the broker is up.
type FabricHandler struct {
	shipper  *Shipper
	minLevel slog.Level
	attrs    []slog.Attr
	prefix   string
}

// NewFabricHandler builds a handler publishing under <app>.log.<level>.
func NewFabricHandler(b *fabric.Broker, app string, minLevel slog.Level) *FabricHandler {
	return &FabricHandler{
		shipper:  &Shipper{Broker: b, App: app},
		minLevel: minLevel,
	}
}

// Enabled implements slog.Handler.
func (h *FabricHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

// Handle implements slog.Handler. The transaction correlation attrs move
// into the record's fixed fields; everything else rides in Fields.
func (h *FabricHandler) Handle(_ context.Context, r slog.Record) error {
	rec := Record{
		Time:    r.Time.UTC().Format(time.RFC3339),
		Level:   levelSegment(r.Level),
		Message: r.Message,
	}
	add := func(a slog.Attr) {
		a.Value = a.Value.Resolve()
		switch a.Key {
		case logger.KeyTransactionID:
			rec.TransactionID = a.Value.String()
		case logger.KeySubID:
			rec.SubID = a.Value.String()
		default:
			if rec.Fields == nil {
				rec.Fields = make(map[string]any)
			}
			rec.Fields[h.prefix+a.Key] = a.Value.Any()
		}
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})
	return h.shipper.Ship(rec)
}

// WithAttrs implements slog.Handler.
func (h *FabricHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler by flattening the group into a field
// key prefix.
func (h *FabricHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// levelSegment maps a slog level onto the fabric's log key segments.
func levelSegment(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return fabric.LogDebug
	case level < slog.LevelWarn:
		return fabric.LogInfo
	case level < slog.LevelError:
		return fabric.LogWarning
	default:
		return fabric.LogError
	}
}

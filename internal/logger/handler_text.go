package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// ANSI colour codes.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// TextHandler is the slog handler for local sinks. It renders the same
// grep-friendly line shape the log shipper persists: timestamp, level, the
// transaction correlation in brackets, message, then key=value fields. The
// transaction_id and sub_id attrs are folded into the bracket instead of
// repeating as fields.
type TextHandler struct {
	opts *slog.HandlerOptions
	w    io.Writer
	// mu is shared across WithAttrs and WithGroup clones.
	mu       *sync.Mutex
	attrs    []slog.Attr
	prefix   string
	useColor bool
}

// NewTextHandler creates a handler writing to w.
func NewTextHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) *TextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &TextHandler{
		opts:     opts,
		w:        w,
		mu:       &sync.Mutex{},
		useColor: useColor,
	}
}

// Enabled implements slog.Handler.
func (h *TextHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle implements slog.Handler.
func (h *TextHandler) Handle(_ context.Context, r slog.Record) error {
	var tx, sub string
	var rest []slog.Attr
	collect := func(a slog.Attr) {
		switch a.Key {
		case KeyTransactionID:
			tx = a.Value.Resolve().String()
		case KeySubID:
			sub = a.Value.Resolve().String()
		default:
			rest = append(rest, a)
		}
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	buf := make([]byte, 0, 256)
	buf = append(buf, r.Time.Format("2006-01-02 15:04:05")...)
	buf = append(buf, ' ')
	buf = h.appendLevel(buf, r.Level)
	if tx != "" {
		buf = append(buf, " ["...)
		buf = append(buf, tx...)
		if sub != "" {
			buf = append(buf, ':')
			buf = append(buf, sub...)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	for _, a := range rest {
		buf = h.appendAttr(buf, a)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	_, err := h.w.Write(buf)
	h.mu.Unlock()
	return err
}

// appendLevel writes the level tag using the same names the fabric's log
// segments use, so local lines and shipped lines read alike.
func (h *TextHandler) appendLevel(buf []byte, level slog.Level) []byte {
	var tag, color string
	switch {
	case level < slog.LevelInfo:
		tag, color = "DEBUG", colorGray
	case level < slog.LevelWarn:
		tag, color = "INFO", colorGreen
	case level < slog.LevelError:
		tag, color = "WARNING", colorYellow
	default:
		tag, color = "ERROR", colorRed
	}
	if h.useColor {
		buf = append(buf, color...)
		buf = append(buf, tag...)
		return append(buf, colorReset...)
	}
	return append(buf, tag...)
}

func (h *TextHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	a.Value = a.Value.Resolve()
	buf = append(buf, ' ')
	if h.useColor {
		buf = append(buf, colorCyan...)
	}
	buf = append(buf, h.prefix...)
	buf = append(buf, a.Key...)
	if h.useColor {
		buf = append(buf, colorReset...)
	}
	buf = append(buf, '=')
	return append(buf, a.Value.String()...)
}

// WithAttrs implements slog.Handler.
func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler by flattening the group into a key
// prefix.
func (h *TextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

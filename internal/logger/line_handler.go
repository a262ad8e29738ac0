package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Entry is the json shape of one log line.
type Entry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Channel   string         `json:"channel,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// lineHandler writes one json Entry per record. The "channel" attribute
// is lifted to the top level so per-platform filtering stays cheap.
type lineHandler struct {
	level  slog.Level
	caller bool
	w      io.Writer
	attrs  []slog.Attr
	groups []string
	mu     *sync.Mutex
}

func newLineHandler(w io.Writer, level slog.Level, caller bool) *lineHandler {
	return &lineHandler{level: level, caller: caller, w: w, mu: &sync.Mutex{}}
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	e := Entry{
		Level:     strings.ToLower(r.Level.String()),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Message:   r.Message,
	}

	fields := make(map[string]any)
	for _, a := range h.attrs {
		h.apply(fields, &e, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.apply(fields, &e, a)
		return true
	})
	if len(fields) > 0 {
		e.Fields = fields
	}
	if h.caller && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			e.Caller = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
	}

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(line, '\n'))
	return err
}

func (h *lineHandler) apply(fields map[string]any, e *Entry, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if len(h.groups) > 0 {
		key = strings.Join(append(append([]string{}, h.groups...), a.Key), ".")
	}
	if key == "channel" && a.Value.Kind() == slog.KindString {
		e.Channel = a.Value.String()
		return
	}
	fields[key] = valueOf(a.Value)
}

func valueOf(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := v.Group()
		out := make(map[string]any, len(group))
		for _, item := range group {
			out[item.Key] = valueOf(item.Value.Resolve())
		}
		return out
	default:
		// errors marshal to {} otherwise
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	}
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

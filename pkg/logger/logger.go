// Package logger provides the colored text handler used by the textheads
// command line.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

// highlight lists message prefixes printed in green: output written to
// a sink or checkpoint.
var highlight = []string{"Wrote", "Saved", "Build completed"}

// ColorHandler is a slog.Handler writing one line per record as
// "15:04:05.000 LEVEL message key=value ...".
type ColorHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	color  bool
	prefix string
	group  string
}

// NewColorHandler creates a handler writing to w. Colors are enabled when
// w is a terminal and NO_COLOR is unset.
func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	h := &ColorHandler{mu: &sync.Mutex{}, w: w, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	if f, ok := w.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		h.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return h
}

// WithColor returns a copy of h with colors forced on or off.
func (h *ColorHandler) WithColor(enabled bool) *ColorHandler {
	h2 := *h
	h2.color = enabled
	return &h2
}

// NewDefaultLogger returns a logger writing colored lines to stderr.
func NewDefaultLogger(level slog.Level) *slog.Logger {
	return slog.New(NewColorHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps debug, info, warn and error to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// Enabled implements slog.Handler
func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	if !r.Time.IsZero() {
		b.WriteString(r.Time.Format("15:04:05.000"))
		b.WriteByte(' ')
	}

	color := h.colorFor(r)
	if color != "" {
		b.WriteString(color)
	}
	fmt.Fprintf(&b, "%-5s %s", r.Level.String(), r.Message)
	if color != "" {
		b.WriteString(colorReset)
	}

	if h.prefix != "" {
		b.WriteString(h.prefix)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *ColorHandler) colorFor(r slog.Record) string {
	if !h.color {
		return ""
	}
	switch {
	case r.Level >= slog.LevelError:
		return colorRed
	case r.Level >= slog.LevelWarn:
		return colorYellow
	case r.Level < slog.LevelInfo:
		return colorGray
	}
	for _, p := range highlight {
		if strings.HasPrefix(r.Message, p) {
			return colorGreen
		}
	}
	return ""
}

func (h *ColorHandler) writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.writeAttr(b, key, ga)
		}
		return
	}

	val := a.Value.String()
	if a.Value.Kind() == slog.KindTime {
		val = a.Value.Time().Format(time.RFC3339)
	}
	if strings.ContainsAny(val, " \t\"=") {
		val = fmt.Sprintf("%q", val)
	}
	b.WriteByte(' ')
	if h.color {
		b.WriteString(colorGray + key + "=" + colorReset)
	} else {
		b.WriteString(key + "=")
	}
	b.WriteString(val)
}

// WithAttrs implements slog.Handler
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	for _, a := range attrs {
		h.writeAttr(&b, h.group, a)
	}
	h2 := *h
	h2.prefix = h.prefix + b.String()
	return &h2
}

// WithGroup implements slog.Handler
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h.group != "" {
		h2.group = h.group + "." + name
	} else {
		h2.group = name
	}
	return &h2
}

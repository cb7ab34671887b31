package engine

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/speakeasy-api/fence"
)

// LogLevel represents the severity level for logs.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{"ERROR", "WARN", "INFO", "DEBUG"}

func (l LogLevel) String() string {
	if l < LevelError || l > LevelDebug {
		return "UNKNOWN"
	}
	return levelNames[l]
}

var levelByName = map[string]LogLevel{
	"ERROR":   LevelError,
	"WARN":    LevelWarn,
	"WARNING": LevelWarn,
	"INFO":    LevelInfo,
	"DEBUG":   LevelDebug,
}

// ParseLogLevel maps a level name to its LogLevel, case-insensitively.
// Unknown names resolve to LevelWarn.
func ParseLogLevel(s string) LogLevel {
	if lvl, ok := levelByName[strings.ToUpper(s)]; ok {
		return lvl
	}
	return LevelWarn
}

// Logger is the logging surface the engine writes to. The built-in
// implementation emits single-line text; zaplog.go bridges zap onto the same
// interface.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	// With returns a derived logger whose lines carry the extra fields.
	With(fields map[string]any) Logger
}

// lineLogger writes "[LEVEL] ts msg k=v ..." lines, one Write per call.
// Loggers derived via With share the writer and its mutex.
type lineLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  LogLevel
	fields map[string]any
}

// NewLogger returns a text logger writing to w at the given level. A nil w
// means os.Stderr.
func NewLogger(level LogLevel, w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &lineLogger{mu: new(sync.Mutex), out: w, level: level}
}

func (l *lineLogger) Debugf(format string, args ...any) { l.emit(LevelDebug, format, args) }
func (l *lineLogger) Infof(format string, args ...any)  { l.emit(LevelInfo, format, args) }
func (l *lineLogger) Warnf(format string, args ...any)  { l.emit(LevelWarn, format, args) }
func (l *lineLogger) Errorf(format string, args ...any) { l.emit(LevelError, format, args) }

func (l *lineLogger) With(fields map[string]any) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &lineLogger{mu: l.mu, out: l.out, level: l.level, fields: merged}
}

func (l *lineLogger) emit(level LogLevel, format string, args []any) {
	if level > l.level {
		return
	}

	var b strings.Builder
	b.Grow(96)
	b.WriteByte('[')
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)

	// Fields in sorted key order.
	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, fieldText(l.fields[k]))
		}
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, b.String())
}

// fieldText renders one field value for the k=v tail, quoting strings that
// contain spaces or control runes.
func fieldText(v any) string {
	switch t := v.(type) {
	case string:
		if strings.IndexFunc(t, func(r rune) bool { return r <= ' ' }) >= 0 {
			return strconv.Quote(t)
		}
		return t
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

// noopLogger drops everything. It backs disabled logging and
// NewZapLogger(nil).
type noopLogger struct{}

func (noopLogger) Debugf(string, ...any)      {}
func (noopLogger) Infof(string, ...any)       {}
func (noopLogger) Warnf(string, ...any)       {}
func (noopLogger) Errorf(string, ...any)      {}
func (noopLogger) With(map[string]any) Logger { return noopLogger{} }

func newNoopLogger() Logger { return noopLogger{} }

// ----------------------------------------------------------------------------
// Helpers: stepper and token summaries, truncation
// ----------------------------------------------------------------------------

// stepperSummary returns a compact one-line representation of a cursor. It
// avoids heavy traversal and truncates text to keep output small.
func stepperSummary(s *fence.Stepper) string {
	if s == nil {
		return "<nil>"
	}
	label := s.Ident()
	if label == "" {
		label = s.Machine().Kind().String()
	}
	out := fmt.Sprintf("%s@%d", label, s.Consumed())
	if s.Accepted() {
		out += "*"
	}
	if rem := s.Remaining(); rem != "" {
		out += fmt.Sprintf(" rem=%q", truncateText(rem, 8))
	}
	return out
}

// frontierSummary summarizes an active set as count plus a truncated preview.
func frontierSummary(steppers []*fence.Stepper, limit int) string {
	if len(steppers) == 0 {
		return "0[]"
	}
	if limit <= 0 {
		limit = 5
	}
	items := make([]string, 0, min(limit, len(steppers)))
	for i := 0; i < len(steppers) && i < limit; i++ {
		items = append(items, stepperSummary(steppers[i]))
	}
	return fmt.Sprintf("%d[%s]", len(steppers), truncateList(items, limit))
}

// previewInts renders an id list truncated to limit entries.
func previewInts(ids []int, limit int) string {
	if limit <= 0 || len(ids) <= limit {
		return fmt.Sprint(ids)
	}
	head := make([]string, limit)
	for i := 0; i < limit; i++ {
		head[i] = fmt.Sprint(ids[i])
	}
	return "[" + strings.Join(head, " ") + fmt.Sprintf(" +%d]", len(ids)-limit)
}

// truncateList joins items with "," and appends +N if truncated.
func truncateList(items []string, max int) string {
	if max <= 0 || len(items) <= max {
		return strings.Join(items, ",")
	}
	head := items[:max]
	return strings.Join(head, ",") + fmt.Sprintf(",+%d", len(items)-max)
}

// truncateText shortens s to max runes for log output.
func truncateText(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

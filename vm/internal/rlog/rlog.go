// Package rlog is Raya's internal leveled logger.
//
// It exists because the runtime needs to narrate scheduler/GC/reactor
// lifecycle events (worker parked, collection finished, safepoint
// stall) without pulling in a full structured-logging framework. The
// shape mirrors go-ethereum's own log package: level-gated writes,
// terminal-color detection before enabling color, and a single
// process-wide default logger configurable through RAYA_LOG (spec
// §6.4).
package rlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
)

// Level is a logging severity, ordered lowest to highest.
type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trce"
	case LevelDebug:
		return "dbug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "eror"
	case LevelCrit:
		return "crit"
	default:
		return "????"
	}
}

// ParseLevel maps RAYA_LOG values onto a Level. Unrecognized values
// fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "crit":
		return LevelCrit
	default:
		return LevelInfo
	}
}

var levelColor = map[Level]*color.Color{
	LevelTrace: color.New(color.FgHiBlack),
	LevelDebug: color.New(color.FgBlue),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed),
	LevelCrit:  color.New(color.FgHiRed, color.Bold),
}

// Logger writes leveled, optionally colorized lines to an output
// stream. The zero value is not usable; construct with New.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  atomic.Int32
	color  bool
	prefix string
}

// New builds a Logger writing to w at the given minimum level. Color
// is auto-detected via isatty/go-colorable the way the teacher's
// stdout wrapping in NewVirtualMachine picks debug vs real output.
func New(w io.Writer, level Level, prefix string) *Logger {
	l := &Logger{out: w, prefix: prefix}
	l.level.Store(int32(level))
	if f, ok := w.(*os.File); ok {
		l.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		if l.color {
			l.out = colorable.NewColorable(f)
		}
	}
	return l
}

// SetLevel changes the minimum level that will be emitted.
func (l *Logger) SetLevel(lv Level) { l.level.Store(int32(lv)) }

// Level returns the current minimum level.
func (l *Logger) Level() Level { return Level(l.level.Load()) }

func (l *Logger) log(lv Level, msg string, kv ...any) {
	if lv < l.Level() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("15:04:05.000")
	tag := lv.String()
	if l.color {
		if c, ok := levelColor[lv]; ok {
			tag = c.Sprint(tag)
		}
	}

	fmt.Fprintf(l.out, "%s [%s] %s%s", ts, tag, l.prefix, msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", kv[i], kv[i+1])
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Trace(msg string, kv ...any) { l.log(LevelTrace, msg, kv...) }
func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv...) }
func (l *Logger) Crit(msg string, kv ...any)  { l.log(LevelCrit, msg, kv...) }

// With returns a derived Logger that prefixes every message with a
// component tag, e.g. rlog.Default().With("scheduler").
func (l *Logger) With(component string) *Logger {
	child := New(io.Discard, l.Level(), "")
	child.out = l.out
	child.color = l.color
	child.prefix = l.prefix + "[" + component + "] "
	return child
}

var defaultLogger = New(os.Stderr, ParseLevel(os.Getenv("RAYA_LOG")), "")

// Default returns the process-wide Logger, configured from RAYA_LOG.
func Default() *Logger { return defaultLogger }

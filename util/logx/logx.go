package logx

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger used across the module. Build an entry
// with a level method, add fields and finish with Log:
//
//	logx.Default().Info().Str("server", name).Log("start rpc server")
type Logger = logiface.Logger[*stumpy.Event]

var inLog atomic.Pointer[Logger]

func init() {
	inLog.Store(New(os.Stdout, logiface.LevelInformational))
}

// New returns a json logger writing one line per entry to w.
func New(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField("timestamp")),
		stumpy.L.WithLevel(level),
	)
}

// Discard returns a logger that drops everything, handy in tests.
func Discard() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}

func Default() *Logger {
	return inLog.Load()
}

func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	inLog.Store(l)
}

// ParseLevel maps a config level name to a logiface level. Unknown names
// fall back to info.
func ParseLevel(s string) logiface.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "notice":
		return logiface.LevelNotice
	case "warn", "warning":
		return logiface.LevelWarning
	case "err", "error":
		return logiface.LevelError
	case "off", "disabled", "none":
		return logiface.LevelDisabled
	default:
		return logiface.LevelInformational
	}
}

// Recover must be deferred directly. It logs a recovered panic with its
// stack.
func Recover(l *Logger, what string) {
	if err := recover(); err != nil {
		logPanic(l, what, err)
	}
}

// RecoverValue logs a panic value that the caller already recovered.
func RecoverValue(l *Logger, what string, v any) {
	logPanic(l, what, v)
}

func logPanic(l *Logger, what string, v any) {
	if l == nil {
		l = Default()
	}
	const size = 64 << 10
	buf := make([]byte, size)
	buf = buf[:runtime.Stack(buf, false)]
	l.Err().
		Str("where", what).
		Str("panic", fmt.Sprint(v)).
		Str("stack", string(buf)).
		Log("panic recover")
}

package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Output formats accepted by Configure.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var (
	mu       sync.RWMutex
	logger   zerolog.Logger
	out      io.Writer = os.Stderr
	format             = FormatConsole
	minLevel           = LevelInfo
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	rebuild()
}

// rebuild recreates the global logger from the current sink settings.
// Callers must hold mu for writing (or be in init).
func rebuild() {
	var w io.Writer = out
	if format != FormatJSON {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339Nano, NoColor: true}
	}
	logger = zerolog.New(w).With().Timestamp().Logger().Level(toZerolog(minLevel))
}

// Configure sets level and output format in one step. Unknown values fall
// back to INFO and console output.
func Configure(level, fmtName string) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = ParseLevel(level)
	switch strings.ToLower(strings.TrimSpace(fmtName)) {
	case FormatJSON:
		format = FormatJSON
	default:
		format = FormatConsole
	}
	rebuild()
}

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
	rebuild()
}

// SetOutput redirects all log output; used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "TRACE":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	mu.RLock()
	e := logger.Debug()
	mu.RUnlock()
	emit(e, msg, kv)
}

func Info(msg string, kv ...any) {
	mu.RLock()
	e := logger.Info()
	mu.RUnlock()
	emit(e, msg, kv)
}

func Warn(msg string, kv ...any) {
	mu.RLock()
	e := logger.Warn()
	mu.RUnlock()
	emit(e, msg, kv)
}

func Error(msg string, err error, kv ...any) {
	mu.RLock()
	e := logger.Error()
	mu.RUnlock()
	if e != nil && err != nil {
		e = e.Err(err)
	}
	emit(e, msg, kv)
}

// emit appends key/value pairs and writes the event. A nil event means the
// level is disabled.
func emit(e *zerolog.Event, msg string, kv []any) {
	if e == nil {
		return
	}
	// Expect kv as pairs: key, value, key, value, ...
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		case time.Time:
			e = e.Time(key, v)
		case error:
			e = e.AnErr(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	// If odd number of args, last one is ignored.
	e.Msg(msg)
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Package log provides leveled, structured logging for the whole module,
// backed by zerolog. It exposes a small package-level API (Infof, Debugw,
// Errorw, ...) so callers never deal with logger instances.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

var (
	log zerolog.Logger

	// panicOnInvalidChars is used by tests to ensure we never log invalid
	// UTF-8, which tends to hint at logging raw binary data. It is enabled
	// via the LOG_PANIC_ON_INVALIDCHARS environment variable.
	panicOnInvalidChars = os.Getenv("LOG_PANIC_ON_INVALIDCHARS") == "true"

	// logTestWriter is the sink used when output is logTestWriterName.
	// Kept as a variable so benchmarks can swap it for io.Discard.
	logTestWriter io.Writer = &testWriterBuffer{}
)

const logTestWriterName = "__test__"

// invalidCharChecker panics when it writes invalid UTF-8, if enabled.
type invalidCharChecker struct{}

func (invalidCharChecker) Write(p []byte) (int, error) {
	if !utf8.Valid(p) {
		panic(fmt.Sprintf("log line with invalid chars: %q", string(p)))
	}
	return len(p), nil
}

// testWriterBuffer accumulates writes; handy for asserting on log output.
type testWriterBuffer struct {
	buf []byte
}

func (w *testWriterBuffer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Init initializes the global logger with the given level and output.
// Output can be "stdout", "stderr" or a file path. The errorOutput
// parameter, if not nil, receives a copy of every line at error level or
// above.
func Init(level, output string, errorOutput io.Writer) {
	var out io.Writer
	switch output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	case logTestWriterName:
		out = logTestWriter
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			panic(fmt.Sprintf("cannot open log output %q: %v", output, err))
		}
		out = f
	}
	out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339Nano}
	if panicOnInvalidChars {
		out = io.MultiWriter(out, invalidCharChecker{})
	}
	if errorOutput != nil {
		out = zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: errorOutput, TimeFormat: time.RFC3339Nano},
			out,
		)
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		panic(fmt.Sprintf("invalid log level %q: %v", level, err))
	}
	log = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	log.Debug().Msgf("logger construction succeeded at level %s with output %s", level, output)
}

// Logger returns the global zerolog.Logger.
func Logger() *zerolog.Logger { return &log }

// Level returns the current log level.
func Level() string { return log.GetLevel().String() }

func logw(ev *zerolog.Event, msg string, keyvals []any) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	ev.Msg(msg)
}

// Debug logs its arguments at debug level, space separated.
func Debug(args ...any) { log.Debug().Msg(fmt.Sprint(args...)) }

// Debugf logs a formatted message at debug level.
func Debugf(template string, args ...any) { log.Debug().Msgf(template, args...) }

// Debugw logs a message at debug level with key-value pairs.
func Debugw(msg string, keyvals ...any) { logw(log.Debug(), msg, keyvals) }

// Info logs its arguments at info level, space separated.
func Info(args ...any) { log.Info().Msg(fmt.Sprint(args...)) }

// Infof logs a formatted message at info level.
func Infof(template string, args ...any) { log.Info().Msgf(template, args...) }

// Infow logs a message at info level with key-value pairs.
func Infow(msg string, keyvals ...any) { logw(log.Info(), msg, keyvals) }

// Warn logs its arguments at warning level, space separated.
func Warn(args ...any) { log.Warn().Msg(fmt.Sprint(args...)) }

// Warnf logs a formatted message at warning level.
func Warnf(template string, args ...any) { log.Warn().Msgf(template, args...) }

// Warnw logs a message at warning level with key-value pairs.
func Warnw(msg string, keyvals ...any) { logw(log.Warn(), msg, keyvals) }

// Error logs its arguments at error level, space separated.
func Error(args ...any) { log.Error().Msg(fmt.Sprint(args...)) }

// Errorf logs a formatted message at error level.
func Errorf(template string, args ...any) { log.Error().Msgf(template, args...) }

// Errorw logs an error with a message at error level.
func Errorw(err error, msg string) { log.Error().Err(err).Msg(msg) }

// Fatalf logs a formatted message at fatal level and exits.
func Fatalf(template string, args ...any) { log.Fatal().Msgf(template, args...) }

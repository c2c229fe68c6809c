package logx

import (
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Field adds one key to a log event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field        { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Account tags a line with the linked Discord account and, when known, its
// FACEIT nickname.
func Account(accountID, username string) Field {
	return func(e *zerolog.Event) {
		e.Str(KeyAccount, accountID)
		if username != "" {
			e.Str(KeyUsername, username)
		}
	}
}

// Keys the ops sink lifts to the top of a message.
const (
	KeyComp     = "comp"
	KeyAccount  = "account_id"
	KeyUsername = "username"
	KeyGuild    = "guild_id"
)

// Logger is a value type. A Logger obtained from a Service follows
// Service.Apply; the zero value discards everything.
type Logger struct {
	svc    *Service
	base   *zerolog.Logger
	fields []Field
}

func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{base: &zl}
}

// NewConsole is a standalone console logger for use before the Service
// exists (CLI subcommands, transport bootstrap).
func NewConsole(level string) Logger {
	zl := zerolog.New(consoleWriter()).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{base: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.base == nil && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.base != nil:
		return *l.base
	default:
		return zerolog.Nop()
	}
}

func (l Logger) Enabled(level Level) bool { return level >= l.root().GetLevel() }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l Logger) log(level zerolog.Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	lvl, err := zerolog.ParseLevel(normalizeLevel(s))
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}

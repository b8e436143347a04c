package tg_log

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Level represents the severity of a log message
type Level int

const (
	// Debug level for detailed troubleshooting
	Debug Level = iota - 1
	// Info level for general operational information
	Info
	// Warn level for potentially harmful situations
	Warn
	// Error level for errors that might still allow the application to continue
	Error
	// Fatal level for severe errors that prevent normal operation
	Fatal
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Info:
		return zerolog.InfoLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.FatalLevel
	}
}

type LoggerSubjects struct {
	base  string
	debug string
	info  string
	warn  string
	err   string
	fatal string
}

func (s LoggerSubjects) name(level Level) string {
	return []string{s.debug, s.info, s.warn, s.err, s.fatal}[level+1]
}

// Logger writes breadcrumbed records. Until Connect is called records go
// straight to the local zerolog sink; afterwards they are published on
// <base>.<app>.<level> and a StdOut service prints them.
//
// The zero value is a silent logger.
type Logger struct {
	nc          *nats.Conn
	appName     string
	breadcrumbs []string
	conf        LoggerSubjects
	level       *atomic.Int32
	zl          zerolog.Logger
}

func NewLogger(appName string, subjects LoggerSubjects) *Logger {
	return NewLoggerTo(appName, subjects, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly})
}

// NewLoggerTo is NewLogger with an explicit local sink.
func NewLoggerTo(appName string, subjects LoggerSubjects, w io.Writer) *Logger {
	level := &atomic.Int32{}
	level.Store(int32(Info))
	return &Logger{
		nc:          nil,
		appName:     appName,
		conf:        subjects,
		breadcrumbs: []string{},
		level:       level,
		zl:          zerolog.New(w).With().Timestamp().Str("app", appName).Logger(),
	}
}

// Connect switches the logger (and every logger later derived from it) to
// NATS delivery and starts listening for level commands.
func (l *Logger) Connect(nc *nats.Conn) error {
	l.nc = nc
	return logCnc(nc, l)
}

func DefaultSubjects() LoggerSubjects {
	return LoggerSubjects{
		base:  "log",
		debug: "debug",
		info:  "info",
		warn:  "warn",
		err:   "error",
		fatal: "fatal",
	}
}

func (l *Logger) WithBreadcrumb(breadcrumb string) *Logger {
	crumbs := make([]string, 0, len(l.breadcrumbs)+1)
	crumbs = append(crumbs, l.breadcrumbs...)
	crumbs = append(crumbs, breadcrumb)
	return &Logger{
		nc:          l.nc,
		conf:        l.conf,
		breadcrumbs: crumbs,
		appName:     l.appName,
		level:       l.level,
		zl:          l.zl,
	}
}

// SetLevel changes the minimum level for this logger and every logger
// sharing its root.
func (l *Logger) SetLevel(level Level) {
	if l.level == nil {
		return
	}
	l.level.Store(int32(level))
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(Debug, msg, args...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(Info, msg, args...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(Warn, msg, args...)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(Error, msg, args...)
}

func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(Fatal, msg, args...)
	<-time.After(1 * time.Second)
	os.Exit(1)
}

func (l *Logger) enabled(level Level) bool {
	if l.level == nil {
		return false
	}
	return level >= Level(l.level.Load())
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}
	// Format the message if args are provided
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	crumbs := strings.Join(l.breadcrumbs, ".")

	if l.nc == nil {
		l.zl.WithLevel(level.zerolog()).Str("breadcrumbs", crumbs).Msg(msg)
		return
	}

	levelStr := l.conf.name(level)
	m := nats.NewMsg(l.conf.base + "." + l.appName + "." + levelStr)
	m.Header = nats.Header{
		"level":       []string{levelStr},
		"timestamp":   []string{strconv.FormatInt(time.Now().UnixMicro(), 10)},
		"app":         []string{l.appName},
		"breadcrumbs": []string{crumbs},
	}
	m.Data = []byte(msg)

	if err := l.nc.PublishMsg(m); err != nil {
		// If we can't publish, fall back to the local sink
		l.zl.WithLevel(level.zerolog()).Str("breadcrumbs", crumbs).Err(err).Msg(msg)
	}
}

// setLevelSubject is followed by the level name, e.g. cmd.log.set_level.debug.
const setLevelSubject = "cmd.log.set_level."

func logCnc(nc *nats.Conn, logger *Logger) error {
	_, err := nc.Subscribe(setLevelSubject+"*", func(msg *nats.Msg) {
		level, err := LevelFromString(strings.TrimPrefix(msg.Subject, setLevelSubject))
		if err != nil {
			logger.Warn("set level: %s", err)
			return
		}
		logger.SetLevel(level)
		_ = msg.Respond([]byte("OK"))
	})
	if err != nil {
		return fmt.Errorf("subscribe set_level: %w", err)
	}
	return nil
}

func LevelFromString(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	default:
		return Info, fmt.Errorf("invalid log level: %s", level)
	}
}

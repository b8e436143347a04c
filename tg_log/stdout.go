package tg_log

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// StdOutService prints records published by connected loggers.
type StdOutService struct {
	sub   *nats.Subscription
	cmd   *nats.Subscription
	level atomic.Int32
	zl    zerolog.Logger
}

// StdOut subscribes to every level under base (e.g. "log.taskgate") and
// writes the records at or above level to w.
func StdOut(nc *nats.Conn, base string, conf LoggerSubjects, level Level, w io.Writer) (*StdOutService, error) {
	svc := &StdOutService{zl: zerolog.New(w).With().Timestamp().Logger()}
	svc.level.Store(int32(level))

	levels := map[string]Level{
		conf.debug: Debug,
		conf.info:  Info,
		conf.warn:  Warn,
		conf.err:   Error,
		conf.fatal: Fatal,
	}

	sub, err := nc.Subscribe(base+".*", func(m *nats.Msg) {
		lvl, ok := levels[m.Header.Get("level")]
		if !ok || lvl < Level(svc.level.Load()) {
			return
		}
		svc.zl.WithLevel(lvl.zerolog()).
			Str("app", m.Header.Get("app")).
			Str("breadcrumbs", m.Header.Get("breadcrumbs")).
			Msg(string(m.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", base, err)
	}
	svc.sub = sub

	// follow the runtime level command so lowering it shows up here too
	cmd, err := nc.Subscribe(setLevelSubject+"*", func(m *nats.Msg) {
		lvl, err := LevelFromString(strings.TrimPrefix(m.Subject, setLevelSubject))
		if err != nil {
			return
		}
		svc.SetLevel(lvl)
	})
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", setLevelSubject, err)
	}
	svc.cmd = cmd

	// make sure both subscriptions are registered before anyone logs
	if err := nc.Flush(); err != nil {
		_ = svc.Stop()
		return nil, fmt.Errorf("flush: %w", err)
	}
	return svc, nil
}

func (s *StdOutService) SetLevel(level Level) {
	s.level.Store(int32(level))
}

func (s *StdOutService) Stop() error {
	return errors.Join(s.cmd.Unsubscribe(), s.sub.Unsubscribe())
}

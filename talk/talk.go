package talk

import (
	"fmt"
	"time"

	"taskgate/server/tg_log"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// SETUP

type Conf struct {
	ServerName        string
	EnableLogging     bool
	ListenOnLocalhost bool
	Port              int // 0 picks the nats default when listening
}

type Talk struct {
	Conn *nats.Conn
	ns   *server.Server
	l    *tg_log.Logger
	conf Conf
}

func New(conf Conf, l *tg_log.Logger) (*Talk, error) {
	if l == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	opts := &server.Options{
		ServerName: conf.ServerName,
		Host:       "127.0.0.1",
		Port:       conf.Port,
		// Debugging
		NoLog:  !conf.EnableLogging,
		NoSigs: true,
		// in-process only unless asked to listen
		DontListen: !conf.ListenOnLocalhost,
	}
	if opts.Port == 0 {
		opts.Port = server.RANDOM_PORT
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("new NATS server: %w", err)
	}
	if conf.EnableLogging {
		ns.ConfigureLogger()
	}

	return &Talk{Conn: nil, ns: ns, l: l, conf: conf}, nil
}

func (t *Talk) Start() error {
	if t.ns == nil {
		return fmt.Errorf("NATS server not initialized")
	}

	// start and wait for server to be ready for connections
	go t.ns.Start()
	if !t.ns.ReadyForConnections(4 * time.Second) {
		return fmt.Errorf("NATS server failed to start")
	}

	// Client options
	clientOpts := []nats.Option{nats.Name(t.conf.ServerName)}
	if !t.conf.ListenOnLocalhost {
		clientOpts = append(clientOpts, nats.InProcessServer(t.ns))
	}

	// Connect to server
	nc, err := nats.Connect(t.ns.ClientURL(), clientOpts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	t.Conn = nc

	// setup subscriptions
	err = t.subscriptions()
	if err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}

	return nil
}

// Shutdown drains the client connection and stops the embedded server.
func (t *Talk) Shutdown() {
	if t.Conn != nil {
		if err := t.Conn.Drain(); err != nil {
			t.l.Warn("drain: %s", err)
		}
	}
	t.ns.Shutdown()
	t.ns.WaitForShutdown()
}

func (t *Talk) subscriptions() error {
	l := t.l.WithBreadcrumb("subscriptions")

	_, err := t.Conn.Subscribe("ping", func(m *nats.Msg) {
		err := m.Respond([]byte("pong"))
		if err != nil {
			l.Error("failed to respond: %s", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe ping: %w", err)
	}

	_, err = t.Conn.Subscribe("stats", func(m *nats.Msg) {
		l.Debug("stats")
		stats := t.Conn.Stats()
		err := m.Respond(fmt.Appendf(nil,
			"------------------\nMSGS\nin: %d\nout: %d\n\nBYTES\nin: %d\nout: %d\n\nCONN\nreconnects: %d\n------------------",
			stats.InMsgs,
			stats.OutMsgs,
			stats.InBytes,
			stats.OutBytes,
			stats.Reconnects,
		))
		if err != nil {
			l.Error("failed to respond: %s", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe stats: %w", err)
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskgate/server/bus"
	"taskgate/server/gateway"
	"taskgate/server/keystore"
	"taskgate/server/talk"
	"taskgate/server/tasks"
	"taskgate/server/tg_log"
	"taskgate/server/who"

	"github.com/nats-io/nats.go/micro"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const AppName = "taskgate"

func main() {
	err := run()
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal(err)
	}
}

func run() error {
	conf, err := loadConf(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load conf: %w", err)
	}

	l := tg_log.NewLogger(AppName, tg_log.DefaultSubjects())
	l.SetLevel(conf.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := start(ctx, conf, l, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly})
	if err != nil {
		return err
	}

	<-ctx.Done()
	l.Info("shutting down")
	return sys.shutdown()
}

// system is every component of one process, in start order.
type system struct {
	l        *tg_log.Logger
	talk     *talk.Talk
	logOut   *tg_log.StdOutService
	bus      *bus.Bus
	who      *who.Who
	tasks    *tasks.Tasks
	tasksSvc micro.Service
	keys     *keystore.KeyStore
	gateway  *gateway.Gateway

	usersAddr, tasksAddr, gatewayAddr string
	servers                           []*http.Server
}

func start(ctx context.Context, conf *GlobalConfig, l *tg_log.Logger, logOut io.Writer) (*system, error) {
	sys := &system{l: l}
	fail := func(err error) (*system, error) {
		sys.shutdown()
		return nil, err
	}

	// --- Messaging & logging ---
	tk, err := talk.New(conf.Talk, l.WithBreadcrumb("talk"))
	if err != nil {
		return nil, fmt.Errorf("new talk: %w", err)
	}
	sys.talk = tk
	if err := tk.Start(); err != nil {
		return fail(fmt.Errorf("start talk: %w", err))
	}

	sys.logOut, err = tg_log.StdOut(tk.Conn, "log."+AppName, tg_log.DefaultSubjects(), conf.LogLevel, logOut)
	if err != nil {
		return fail(fmt.Errorf("log output: %w", err))
	}
	if err := l.Connect(tk.Conn); err != nil {
		return fail(fmt.Errorf("connect logger: %w", err))
	}

	// --- Services ---
	sys.bus, err = bus.New(bus.Conf{
		Topics:           tasks.Topics,
		Buffer:           conf.Tasks.Buffer,
		Overflow:         conf.Tasks.Overflow,
		MaxSubscriptions: conf.Tasks.MaxSubscriptions,
		Mirror:           bus.NewNatsMirror(tk.Conn, "events"),
		Logger:           l.WithBreadcrumb("bus"),
	})
	if err != nil {
		return fail(fmt.Errorf("new bus: %w", err))
	}

	sys.who, err = who.New(&who.Conf{
		PrivateKeyPEM: []byte(conf.Users.PrivateKeyPEM),
		TokenTTL:      conf.Users.TokenTTL,
		Logger:        l.WithBreadcrumb("who"),
	})
	if err != nil {
		return fail(fmt.Errorf("new who: %w", err))
	}

	sys.tasks, err = tasks.New(tasks.Conf{
		Bus:    sys.bus,
		Logger: l.WithBreadcrumb("tasks"),
		NoSeed: conf.Tasks.NoSeed,
	})
	if err != nil {
		return fail(fmt.Errorf("new tasks: %w", err))
	}

	sys.tasksSvc, err = sys.tasks.Serve(tk.Conn)
	if err != nil {
		return fail(fmt.Errorf("serve tasks on nats: %w", err))
	}

	usersLn, err := net.Listen("tcp", conf.Users.Addr)
	if err != nil {
		return fail(fmt.Errorf("listen users: %w", err))
	}
	sys.usersAddr = usersLn.Addr().String()
	sys.serve("who", usersLn, sys.who.Handler())

	tasksLn, err := net.Listen("tcp", conf.Tasks.Addr)
	if err != nil {
		return fail(fmt.Errorf("listen tasks: %w", err))
	}
	sys.tasksAddr = tasksLn.Addr().String()
	sys.serve("tasks", tasksLn, sys.tasks.Handler())

	// --- Gateway ---
	usersURL, tasksURL := conf.Gateway.UsersURL, conf.Gateway.TasksURL
	if usersURL == "" {
		usersURL = "http://" + sys.usersAddr
	}
	if tasksURL == "" {
		tasksURL = "http://" + sys.tasksAddr
	}

	sys.keys, err = keystore.New(keystore.Conf{
		URL:    usersURL + gateway.DefaultKeyPath,
		Logger: l.WithBreadcrumb("keystore"),
	})
	if err != nil {
		return fail(fmt.Errorf("new keystore: %w", err))
	}
	sys.keys.Start(ctx)

	var routes *gateway.RouteTable
	if conf.Gateway.RoutesFile != "" {
		routes, err = gateway.LoadRoutes(conf.Gateway.RoutesFile)
	} else {
		routes, err = gateway.DefaultRoutes(usersURL, tasksURL)
	}
	if err != nil {
		return fail(fmt.Errorf("routes: %w", err))
	}

	sys.gateway, err = gateway.New(gateway.Conf{
		Routes:     routes,
		Keys:       sys.keys,
		Origins:    conf.Gateway.Origins,
		RateLimit:  conf.Gateway.RateLimit,
		RateWindow: conf.Gateway.RateWindow,
		Logger:     l.WithBreadcrumb("gateway"),
	})
	if err != nil {
		return fail(fmt.Errorf("new gateway: %w", err))
	}

	gwLn, err := net.Listen("tcp", conf.Gateway.Addr)
	if err != nil {
		return fail(fmt.Errorf("listen gateway: %w", err))
	}
	sys.gatewayAddr = gwLn.Addr().String()
	sys.serve("gateway", gwLn, sys.gateway.Handler())

	l.Info("gateway on %s, users on %s, tasks on %s", sys.gatewayAddr, sys.usersAddr, sys.tasksAddr)
	return sys, nil
}

func (sys *system) serve(name string, ln net.Listener, h http.Handler) {
	l := sys.l.WithBreadcrumb(name)
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	sys.servers = append(sys.servers, srv)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("serve: %s", err)
		}
	}()
}

// shutdown stops the components in reverse start order. It tolerates a
// partially started system.
func (sys *system) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(sys.servers) - 1; i >= 0; i-- {
		if err := sys.servers[i].Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if sys.keys != nil {
		sys.keys.Stop()
	}
	if sys.tasksSvc != nil {
		if err := sys.tasksSvc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop tasks service: %w", err))
		}
	}
	if sys.tasks != nil {
		sys.tasks.Close()
	}
	if sys.bus != nil {
		sys.bus.Close()
	}
	if sys.logOut != nil {
		if err := sys.logOut.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop log output: %w", err))
		}
	}
	if sys.talk != nil {
		sys.talk.Shutdown()
	}
	return errors.Join(errs...)
}

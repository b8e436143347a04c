package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"taskgate/server/bus"
	"taskgate/server/talk"
	"taskgate/server/tg_log"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type GlobalConfig struct {
	Talk     talk.Conf
	LogLevel tg_log.Level
	Gateway  GatewayConf
	Users    UsersConf
	Tasks    TasksConf
}

type GatewayConf struct {
	Addr string
	// RoutesFile is optional; the built-in table routes to UsersURL and TasksURL.
	RoutesFile string
	UsersURL   string
	TasksURL   string
	Origins    []string
	RateLimit  int
	RateWindow time.Duration
}

type UsersConf struct {
	Addr          string
	PrivateKeyPEM string
	TokenTTL      time.Duration
}

type TasksConf struct {
	Addr             string
	NoSeed           bool
	Buffer           int
	Overflow         bus.Overflow
	MaxSubscriptions int
}

// loadConf layers .env, the environment and command line flags, later
// sources winning.
func loadConf(args []string) (*GlobalConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var (
		conf     = &GlobalConfig{}
		logLevel string
		overflow string
		origins  string
	)

	fl := pflag.NewFlagSet(AppName, pflag.ContinueOnError)
	fl.StringVar(&conf.Gateway.Addr, "addr", ":"+env("PORT", "3000"), "gateway listen address")
	fl.StringVar(&conf.Gateway.RoutesFile, "routes", env("ROUTES_FILE", ""), "route table (yaml); built-in routes when empty")
	fl.StringVar(&conf.Gateway.UsersURL, "users-url", env("REST_API_URL", "http://localhost:3001"), "users service url for the built-in routes and the key fetch")
	fl.StringVar(&conf.Gateway.TasksURL, "tasks-url", env("GRAPHQL_API_URL", "http://localhost:4000"), "tasks service url for the built-in routes")
	fl.StringVar(&origins, "cors-origins", env("CORS_ORIGINS", "http://localhost:3002,http://frontend-app:3002"), "comma separated CORS origins")
	fl.IntVar(&conf.Gateway.RateLimit, "rate-limit", envInt("RATE_LIMIT", 100), "requests per window per client, 0 disables")
	fl.DurationVar(&conf.Gateway.RateWindow, "rate-window", envDuration("RATE_WINDOW", 15*time.Minute), "rate limit window")

	fl.StringVar(&conf.Users.Addr, "users-addr", ":"+env("USERS_PORT", "3001"), "users service listen address")
	fl.StringVar(&conf.Users.PrivateKeyPEM, "jwt-private-key", env("JWT_PRIVATE_KEY", ""), "RSA private key (PEM); generated when empty")
	fl.DurationVar(&conf.Users.TokenTTL, "token-ttl", envDuration("TOKEN_TTL", time.Hour), "lifetime of issued tokens")

	fl.StringVar(&conf.Tasks.Addr, "tasks-addr", ":"+env("TASKS_PORT", "4000"), "tasks service listen address")
	fl.BoolVar(&conf.Tasks.NoSeed, "no-seed", envBool("NO_SEED", false), "start without the sample tasks")
	fl.IntVar(&conf.Tasks.Buffer, "bus-buffer", envInt("BUS_BUFFER", bus.DefaultBuffer), "events buffered per subscription")
	fl.StringVar(&overflow, "bus-overflow", env("BUS_OVERFLOW", "disconnect"), "full subscription policy: disconnect or drop-oldest")
	fl.IntVar(&conf.Tasks.MaxSubscriptions, "bus-max-subscriptions", envInt("BUS_MAX_SUBSCRIPTIONS", 0), "subscription limit, 0 is unlimited")

	fl.StringVar(&conf.Talk.ServerName, "nats-name", env("NATS_NAME", AppName), "embedded NATS server name")
	fl.BoolVar(&conf.Talk.ListenOnLocalhost, "nats-listen", envBool("NATS_LISTEN", false), "expose the embedded NATS server on localhost")
	fl.IntVar(&conf.Talk.Port, "nats-port", envInt("NATS_PORT", 4222), "NATS port when listening")
	fl.BoolVar(&conf.Talk.EnableLogging, "nats-log", envBool("NATS_LOG", false), "NATS server logging")
	fl.StringVar(&logLevel, "log-level", env("LOG_LEVEL", "info"), "debug, info, warn, error or fatal")

	if err := fl.Parse(args); err != nil {
		return nil, err
	}

	var err error
	conf.LogLevel, err = tg_log.LevelFromString(logLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	switch overflow {
	case "disconnect":
		conf.Tasks.Overflow = bus.OverflowDisconnect
	case "drop-oldest":
		conf.Tasks.Overflow = bus.OverflowDropOldest
	default:
		return nil, fmt.Errorf("bus overflow: unknown policy %q", overflow)
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			conf.Gateway.Origins = append(conf.Gateway.Origins, o)
		}
	}

	return conf, nil
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(env(key, ""))
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(env(key, ""))
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(env(key, ""))
	if err != nil {
		return fallback
	}
	return d
}

package gateway

import (
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"taskgate/server/tg_log"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// --- MIDDLEWARE ---

// recorder captures the status and the governing route for metrics. It
// unwraps to the underlying writer so hijacking for upgrades still works.
type recorder struct {
	http.ResponseWriter
	status int
	route  string
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.ResponseWriter.Write(b)
}

func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func setRoute(w http.ResponseWriter, prefix string) {
	if rec, ok := w.(*recorder); ok {
		rec.route = prefix
	}
}

func logger(l *tg_log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &recorder{ResponseWriter: w, route: "none"}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			// hijacked for an upgrade
			status = http.StatusSwitchingProtocols
		}
		requestsTotal.WithLabelValues(rec.route, r.Method, strconv.Itoa(status)).Inc()
		requestDuration.WithLabelValues(rec.route).Observe(time.Since(start).Seconds())
		l.Debug("%s %s %d (%s)", r.Method, r.URL.Path, status, time.Since(start))
	})
}

func cors(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(origins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// clientLimiter hands out one token bucket per client address.
type clientLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *xsync.Map[string, *rate.Limiter]
}

// newClientLimiter allows n requests per window per client. n <= 0
// disables limiting and returns nil.
func newClientLimiter(n int, window time.Duration) *clientLimiter {
	if n <= 0 || window <= 0 {
		return nil
	}
	// TODO: evict limiters of clients idle for longer than window
	return &clientLimiter{
		limit:    rate.Every(window / time.Duration(n)),
		burst:    n,
		limiters: xsync.NewMap[string, *rate.Limiter](),
	}
}

func (cl *clientLimiter) allow(client string) bool {
	lim, _ := cl.limiters.LoadOrCompute(client, func() (*rate.Limiter, bool) {
		return rate.NewLimiter(cl.limit, cl.burst), false
	})
	return lim.Allow()
}

func rateLimit(cl *clientLimiter, next http.Handler) http.Handler {
	if cl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cl.allow(clientIP(r)) {
			rateLimited.Inc()
			writeError(w, newError(TooManyRequests, "Too many requests, please try again later.", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

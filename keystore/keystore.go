// Package keystore holds the gateway's token verification key.
//
// The key is fetched from the identity authority in the background. Until
// the first successful fetch the store is Absent and callers must refuse
// protected requests; once Present it never reverts.
package keystore

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"taskgate/server/tg_log"

	"github.com/golang-jwt/jwt"
)

type State int32

const (
	Absent State = iota
	Present
	// Failed is terminal: the retry budget is spent and the store gave up.
	Failed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrGaveUp = errors.New("key bootstrap gave up")

// maxKeyDocument bounds the size of the fetched PEM document.
const maxKeyDocument = 64 << 10

// Backoff controls the bootstrap retry loop.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	// MaxAttempts of 0 retries forever.
	MaxAttempts int
}

// DefaultBackoff starts at 5s and doubles up to a minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    5 * time.Second,
		Multiplier: 2,
		Max:        time.Minute,
	}
}

// delay returns the wait after the given number of failed attempts (1-based).
func (b Backoff) delay(failures int) time.Duration {
	d := b.Initial
	for i := 1; i < failures; i++ {
		if b.Multiplier <= 1 {
			break
		}
		d = time.Duration(float64(d) * b.Multiplier)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type Conf struct {
	// URL of the identity authority's public-key endpoint.
	URL     string
	Client  *http.Client
	Backoff Backoff
	Logger  *tg_log.Logger
}

type KeyStore struct {
	url    string
	client *http.Client
	bo     Backoff
	l      *tg_log.Logger

	key      atomic.Pointer[rsa.PublicKey]
	state    atomic.Int32
	attempts atomic.Int64
	ready    chan struct{}
	gaveUp   chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(c Conf) (*KeyStore, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("key url is empty")
	}
	if c.Logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	ks := &KeyStore{
		url:    c.URL,
		client: c.Client,
		bo:     c.Backoff,
		l:      c.Logger,
		ready:  make(chan struct{}),
		gaveUp: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if ks.client == nil {
		ks.client = &http.Client{Timeout: 10 * time.Second}
	}
	if ks.bo.Initial <= 0 {
		ks.bo = DefaultBackoff()
	}
	return ks, nil
}

// Key returns the verification key, or nil while absent.
func (ks *KeyStore) Key() *rsa.PublicKey {
	return ks.key.Load()
}

func (ks *KeyStore) State() State {
	return State(ks.state.Load())
}

// Attempts is the number of fetches performed so far.
func (ks *KeyStore) Attempts() int64 {
	return ks.attempts.Load()
}

// Ready is closed once the key is present.
func (ks *KeyStore) Ready() <-chan struct{} {
	return ks.ready
}

// Wait blocks until the key is present, the store gave up, or ctx ends.
func (ks *KeyStore) Wait(ctx context.Context) error {
	select {
	case <-ks.ready:
		return nil
	case <-ks.gaveUp:
		return ErrGaveUp
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch performs a single fetch and, on success, stores the key.
func (ks *KeyStore) Fetch(ctx context.Context) error {
	ks.attempts.Add(1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", ks.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %s", ks.url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyDocument))
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(body)
	if err != nil {
		return fmt.Errorf("parse key: %w", err)
	}
	ks.store(key)
	return nil
}

func (ks *KeyStore) store(key *rsa.PublicKey) {
	// first writer wins, Present never reverts
	if ks.key.CompareAndSwap(nil, key) {
		ks.state.Store(int32(Present))
		close(ks.ready)
	}
}

// Start launches the bootstrap loop. It is independent of any request and
// runs until the key is present, the retry budget is spent, or Stop.
func (ks *KeyStore) Start(ctx context.Context) {
	ks.startOnce.Do(func() {
		ctx, ks.cancel = context.WithCancel(ctx)
		go ks.run(ctx)
	})
}

// Stop cancels a running bootstrap loop and waits for it.
func (ks *KeyStore) Stop() {
	if ks.cancel == nil {
		return
	}
	ks.cancel()
	<-ks.done
}

func (ks *KeyStore) run(ctx context.Context) {
	defer close(ks.done)
	l := ks.l.WithBreadcrumb("bootstrap")

	for failures := 0; ; {
		l.Info("fetching public key from %s", ks.url)
		err := ks.Fetch(ctx)
		if err == nil {
			l.Info("public key fetched and stored")
			return
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		if ks.bo.MaxAttempts > 0 && failures >= ks.bo.MaxAttempts {
			l.Error("giving up on public key after %d attempts: %s", failures, err)
			ks.state.Store(int32(Failed))
			close(ks.gaveUp)
			return
		}
		wait := ks.bo.delay(failures)
		l.Warn("failed to fetch public key: %s (retrying in %s)", err, wait)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

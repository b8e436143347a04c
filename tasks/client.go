package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const watchID = "1"

// Watcher streams the updates of one subscription opened with Watch.
type Watcher struct {
	conn    *websocket.Conn
	updates chan Update
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool

	mu  sync.Mutex
	err error
}

// Watch connects to a /api/tasks/ws endpoint, directly or through the
// gateway, and subscribes to topic for teamID. header typically carries
// the Authorization credential. The handshake is bounded by ctx; the
// subscription lives until Close.
//
// The gateway only reads the credential from the upgrade request's
// Authorization header. A token sent in the connection_init payload is
// ignored, so browser clients, which cannot set headers on a websocket,
// cannot stream through the gateway.
func Watch(ctx context.Context, url string, header http.Header, topic, teamID string) (*Watcher, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := handshake(ctx, conn, topic, teamID); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		conn:    conn,
		updates: make(chan Update, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.read(readCtx)
	return w, nil
}

func handshake(ctx context.Context, conn *websocket.Conn, topic, teamID string) error {
	if err := wsjson.Write(ctx, conn, Message{Type: MsgConnectionInit}); err != nil {
		return fmt.Errorf("connection_init: %w", err)
	}
	var ack Message
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return fmt.Errorf("read connection_ack: %w", err)
	}
	if ack.Type != MsgConnectionAck {
		return fmt.Errorf("want %s, got %s", MsgConnectionAck, ack.Type)
	}

	payload, err := json.Marshal(SubscribePayload{Topic: topic, TeamID: teamID})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := wsjson.Write(ctx, conn, Message{ID: watchID, Type: MsgSubscribe, Payload: payload}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Updates is closed when the subscription ends; Err then reports why.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Err is nil until the subscription ends, and after a Close.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close completes the subscription and closes the connection.
func (w *Watcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.closing.Store(true)
	_ = wsjson.Write(ctx, w.conn, Message{ID: watchID, Type: MsgComplete})
	err := w.conn.Close(websocket.StatusNormalClosure, "")
	w.cancel()
	<-w.done
	return err
}

func (w *Watcher) read(ctx context.Context) {
	defer close(w.done)
	defer close(w.updates)

	for {
		var m Message
		if err := wsjson.Read(ctx, w.conn, &m); err != nil {
			if !w.closing.Load() && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				w.fail(err)
			}
			return
		}

		switch m.Type {
		case MsgNext:
			var u Update
			if err := json.Unmarshal(m.Payload, &u); err != nil {
				w.fail(fmt.Errorf("decode next: %w", err))
				return
			}
			select {
			case w.updates <- u:
			case <-ctx.Done():
				return
			}
		case MsgPing:
			if err := wsjson.Write(ctx, w.conn, Message{Type: MsgPong}); err != nil {
				w.fail(err)
				return
			}
		case MsgError:
			var errs []ErrorPayload
			_ = json.Unmarshal(m.Payload, &errs)
			msg := "subscription error"
			if len(errs) > 0 {
				msg = errs[0].Message
			}
			w.fail(errors.New(msg))
			return
		case MsgComplete:
			return
		}
	}
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

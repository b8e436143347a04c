package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"taskgate/server/bus"
	"taskgate/server/tg_log"
	"taskgate/server/who/api"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	initTimeout = 10 * time.Second
	maxMessage  = 4096
	sendBuffer  = 256

	recvRateLimit      = 100 * time.Millisecond
	recvRateLimitBurst = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{Subprotocol},
	// origins are checked at the gateway
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one websocket connection and the bus subscriptions it opened.
type client struct {
	id   string
	conn *websocket.Conn
	who  api.Identity
	ts   *Tasks
	l    *tg_log.Logger
	recv *rate.Limiter

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	subs      map[string]*bus.Subscription
	acked     bool
	closed    bool
	closeCode int
	closeText string
	closeOnce sync.Once
}

func (ts *Tasks) handleWebSocket() http.Handler {
	l := ts.l.WithBreadcrumb("ws")
	l.Debug("ready")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already answered the request
			l.Warn("failed to upgrade connection: %s", err)
			return
		}
		who, _ := api.FromHeaders(r.Header)

		ctx, cancel := context.WithCancel(context.Background())
		c := &client{
			id:     uuid.New().String(),
			conn:   conn,
			who:    who,
			ts:     ts,
			recv:   rate.NewLimiter(rate.Every(recvRateLimit), recvRateLimitBurst),
			send:   make(chan []byte, sendBuffer),
			ctx:    ctx,
			cancel: cancel,
			done:   make(chan struct{}),
			subs:   make(map[string]*bus.Subscription),
		}
		c.l = l.WithBreadcrumb(c.id)
		ts.clients.Store(c.id, c)
		c.l.Info("connected (%s)", who.ID)

		initTimer := time.AfterFunc(initTimeout, func() {
			c.mu.Lock()
			acked := c.acked
			c.mu.Unlock()
			if !acked {
				c.shutdown(CloseInitTimeout, "Connection initialisation timeout")
			}
		})
		go c.writePump()
		go func() {
			c.readPump()
			initTimer.Stop()
		}()
	})
}

func (c *client) readPump() {
	defer c.shutdown(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMessage)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.l.Error("failed to set read deadline: %s", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.l.Warn("read: %s", err)
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		if err := c.recv.Wait(c.ctx); err != nil {
			return
		}
		c.handle(data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.shutdown(websocket.CloseInternalServerErr, "")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.l.Debug("write: %s", err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.l.Debug("ping: %s", err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			if code != websocket.CloseAbnormalClosure {
				c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
			}
			return
		}
	}
}

func (c *client) handle(data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		c.shutdown(CloseBadRequest, "Invalid message received")
		return
	}

	switch m.Type {
	case MsgConnectionInit:
		c.mu.Lock()
		already := c.acked
		c.acked = true
		c.mu.Unlock()
		if already {
			c.shutdown(CloseTooManyInitRequests, "Too many initialisation requests")
			return
		}
		c.push("", MsgConnectionAck, nil)
	case MsgPing:
		c.push("", MsgPong, nil)
	case MsgPong:
	case MsgSubscribe:
		c.subscribe(m)
	case MsgComplete:
		c.complete(m.ID)
	default:
		c.shutdown(CloseBadRequest, "Invalid message received")
	}
}

func (c *client) subscribe(m Message) {
	c.mu.Lock()
	acked := c.acked
	c.mu.Unlock()
	if !acked {
		c.shutdown(CloseUnauthorized, "Unauthorized")
		return
	}
	if m.ID == "" {
		c.shutdown(CloseBadRequest, "Subscribe without id")
		return
	}

	var p SubscribePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		c.pushError(m.ID, "invalid subscribe payload")
		return
	}
	if !slices.Contains(Topics, p.Topic) {
		c.pushError(m.ID, "unknown topic "+p.Topic)
		return
	}
	if p.TeamID == "" {
		c.pushError(m.ID, "teamId is required")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, exists := c.subs[m.ID]; exists {
		c.mu.Unlock()
		c.shutdown(CloseSubscriberExists, "Subscriber for "+m.ID+" already exists")
		return
	}
	sub, err := c.ts.bus.Subscribe(p.Topic, bus.ScopeEquals(p.TeamID))
	if err != nil {
		c.mu.Unlock()
		c.l.Warn("subscribe %s: %s", p.Topic, err)
		c.pushError(m.ID, err.Error())
		return
	}
	c.subs[m.ID] = sub
	c.mu.Unlock()

	c.l.Debug("subscription %s: %s for %s", m.ID, p.Topic, p.TeamID)
	go c.forward(m.ID, sub)
}

// forward relays bus events of one subscription until it closes. A close
// initiated by the bus is reported to the client as an error message.
func (c *client) forward(id string, sub *bus.Subscription) {
	for ev := range sub.Events() {
		t, ok := ev.Payload.(Task)
		if !ok {
			continue
		}
		if !c.push(id, MsgNext, Update{Topic: ev.Topic, Task: t}) {
			return
		}
	}

	c.mu.Lock()
	mine := c.subs[id] == sub
	if mine {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if err := sub.Err(); mine && err != nil {
		c.pushError(id, err.Error())
	}
}

func (c *client) complete(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
		c.l.Debug("subscription %s completed", id)
	}
}

// push queues a message for the write pump. A client that cannot keep up
// is disconnected.
func (c *client) push(id, typ string, payload any) bool {
	data, err := newMessage(id, typ, payload)
	if err != nil {
		c.l.Error("failed to marshal %s: %s", typ, err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.l.Warn("send buffer full, disconnecting")
		c.shutdown(websocket.CloseTryAgainLater, "Client too slow")
		return false
	}
}

func (c *client) pushError(id, msg string) {
	c.push(id, MsgError, []ErrorPayload{{Message: msg}})
}

// shutdown ends every subscription of the connection and asks the write
// pump to close with code.
func (c *client) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeCode, c.closeText = code, text
		subs := c.subs
		c.subs = make(map[string]*bus.Subscription)
		c.mu.Unlock()

		for _, s := range subs {
			s.Close()
		}
		c.ts.clients.Delete(c.id)
		c.cancel()
		close(c.done)
		c.l.Info("disconnected (%d %s), %d subscriptions closed", code, text, len(subs))
	})
}

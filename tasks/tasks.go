// Package tasks is the task-tracking backend. Every mutation is published
// on the event bus, scoped by team, and streamed to websocket subscribers.
package tasks

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"taskgate/server/bus"
	"taskgate/server/tg_log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
)

// ServiceName is reported by /health.
const ServiceName = "task-service"

type Conf struct {
	Bus    *bus.Bus
	Logger *tg_log.Logger
	// NoSeed starts with an empty store.
	NoSeed bool
	Now    func() time.Time
}

type Tasks struct {
	store *store
	bus   *bus.Bus
	l     *tg_log.Logger
	now   func() time.Time

	clients *xsync.Map[string, *client]

	// mu orders mutation and publish so events follow store order
	mu sync.Mutex
}

func New(c Conf) (*Tasks, error) {
	if c.Logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if c.Bus == nil {
		return nil, fmt.Errorf("bus is nil")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	var initial []Task
	if !c.NoSeed {
		initial = seed(c.Now().UTC())
	}
	return &Tasks{
		store:   newStore(initial),
		bus:     c.Bus,
		l:       c.Logger,
		now:     c.Now,
		clients: xsync.NewMap[string, *client](),
	}, nil
}

// Close disconnects every websocket client. Their subscriptions end with
// them.
func (ts *Tasks) Close() {
	ts.clients.Range(func(_ string, c *client) bool {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
		return true
	})
}

// Clients is the number of connected websocket clients.
func (ts *Tasks) Clients() int {
	return ts.clients.Size()
}

// List returns the tasks of a team in creation order.
func (ts *Tasks) List(teamID string) []Task {
	return ts.store.list(teamID)
}

func (ts *Tasks) Get(id string) (Task, error) {
	return ts.store.get(id)
}

func (ts *Tasks) Len() int {
	return ts.store.len()
}

// Create stores a new TODO task and publishes it on both task-added and
// task-updated.
func (ts *Tasks) Create(in NewTask, createdBy string) (Task, error) {
	if err := in.validate(); err != nil {
		return Task{}, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.store.add(Task{
		ID:          uuid.New().String(),
		Title:       in.Title,
		Description: in.Description,
		Status:      StatusTodo,
		AssigneeID:  in.AssigneeID,
		TeamID:      in.TeamID,
		CreatedAt:   ts.now().UTC(),
		CreatedBy:   createdBy,
	})
	ts.publish(TopicTaskAdded, t)
	ts.publish(TopicTaskUpdated, t)
	return t, nil
}

func (ts *Tasks) UpdateStatus(id string, status Status) (Task, error) {
	if !status.Valid() {
		return Task{}, &ValidationError{Field: "status", Reason: fmt.Sprintf("must be one of %s, %s, %s, %s", StatusTodo, StatusInProgress, StatusDone, StatusArchived)}
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, err := ts.store.update(id, func(t *Task) { t.Status = status })
	if err != nil {
		return Task{}, err
	}
	ts.publish(TopicTaskUpdated, t)
	return t, nil
}

func (ts *Tasks) Assign(id, assigneeID string) (Task, error) {
	assigneeID = strings.TrimSpace(assigneeID)
	if assigneeID == "" {
		return Task{}, &ValidationError{Field: "assigneeId", Reason: "is required"}
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, err := ts.store.update(id, func(t *Task) { t.AssigneeID = &assigneeID })
	if err != nil {
		return Task{}, err
	}
	ts.publish(TopicTaskUpdated, t)
	return t, nil
}

func (ts *Tasks) publish(topic string, t Task) {
	n := ts.bus.Publish(topic, t, t.TeamID)
	ts.l.Debug("published %s for task %s (team %s) to %d subscribers", topic, t.ID, t.TeamID, n)
}

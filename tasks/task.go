package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Topics published by the service. The event scope is the task's team id.
const (
	TopicTaskAdded   = "task-added"
	TopicTaskUpdated = "task-updated"
)

// Topics lists every topic a client may subscribe to.
var Topics = []string{TopicTaskAdded, TopicTaskUpdated}

var ErrNotFound = errors.New("task not found")

type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusArchived   Status = "ARCHIVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusArchived:
		return true
	}
	return false
}

type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	AssigneeID  *string   `json:"assigneeId"`
	TeamID      string    `json:"teamId"`
	CreatedAt   time.Time `json:"createdAt"`
	CreatedBy   string    `json:"createdBy,omitempty"`
}

// NewTask is the input of Create.
type NewTask struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	TeamID      string  `json:"teamId"`
	AssigneeID  *string `json:"assigneeId"`
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

const maxTitle = 200

func (n *NewTask) validate() error {
	n.Title = strings.TrimSpace(n.Title)
	n.TeamID = strings.TrimSpace(n.TeamID)
	switch {
	case n.Title == "":
		return &ValidationError{Field: "title", Reason: "is required"}
	case len(n.Title) > maxTitle:
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("must be at most %d characters", maxTitle)}
	case n.TeamID == "":
		return &ValidationError{Field: "teamId", Reason: "is required"}
	case n.AssigneeID != nil && strings.TrimSpace(*n.AssigneeID) == "":
		return &ValidationError{Field: "assigneeId", Reason: "must not be blank"}
	}
	return nil
}

func seed(now time.Time) []Task {
	one, two := "1", "2"
	return []Task{
		{
			ID:          "1",
			Title:       "Design database schema",
			Description: "Design schema for user, team, and task tables",
			Status:      StatusInProgress,
			AssigneeID:  &one,
			TeamID:      "team-1",
			CreatedAt:   now,
		},
		{
			ID:          "2",
			Title:       "Implement JWT Authentication",
			Description: "Implement RS256 JWT auth in user-service",
			Status:      StatusTodo,
			AssigneeID:  &two,
			TeamID:      "team-1",
			CreatedAt:   now,
		},
	}
}

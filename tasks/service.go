package tasks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
)

// SubjectPrefix is the NATS group the task endpoints live under, e.g.
// "svc.tasks.list".
const SubjectPrefix = "svc.tasks"

// Serve exposes the task operations as a NATS micro service so other
// processes on the cluster can use them without going through the gateway.
// Mutations publish on the bus exactly as the HTTP API does.
func (ts *Tasks) Serve(nc *nats.Conn) (micro.Service, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is nil")
	}
	if s := nc.Status(); s != nats.CONNECTED {
		return nil, fmt.Errorf("nats connection not connected: %s", s)
	}

	svc, err := micro.AddService(nc, micro.Config{
		Name:        "tasks",
		Version:     "1.0.0",
		Description: "task tracking",
		Metadata:    map[string]string{"service": ServiceName},
	})
	if err != nil {
		return nil, fmt.Errorf("add service: %w", err)
	}

	grp := svc.AddGroup(SubjectPrefix, micro.WithGroupQueueGroup(SubjectPrefix))
	endpoints := []struct {
		name, subject string
		h             micro.HandlerFunc
	}{
		{"task_list", "list", ts.handleSvcList()},
		{"task_get", "get", ts.handleSvcGet()},
		{"task_create", "create", ts.handleSvcCreate()},
		{"task_status", "status", ts.handleSvcStatus()},
		{"task_assign", "assign", ts.handleSvcAssign()},
	}
	for _, e := range endpoints {
		if err := grp.AddEndpoint(e.name, e.h, micro.WithEndpointSubject(e.subject)); err != nil {
			svc.Stop()
			return nil, fmt.Errorf("add endpoint (%s): %w", e.name, err)
		}
	}
	return svc, nil
}

// ----------- HANDLERS -----------

func (ts *Tasks) handleSvcList() micro.HandlerFunc {
	l := ts.l.WithBreadcrumb("svc_list")
	type Req struct {
		TeamID string `json:"teamId"`
	}
	type Resp struct {
		Tasks []Task `json:"tasks"`
	}
	return func(req micro.Request) {
		var r Req
		if !svcDecode(req, &r) {
			return
		}
		if r.TeamID == "" {
			svcError(req, &ValidationError{Field: "teamId", Reason: "is required"})
			return
		}
		l.Debug("list %s", r.TeamID)
		req.RespondJSON(Resp{Tasks: ts.List(r.TeamID)})
	}
}

func (ts *Tasks) handleSvcGet() micro.HandlerFunc {
	type Req struct {
		ID string `json:"id"`
	}
	return func(req micro.Request) {
		var r Req
		if !svcDecode(req, &r) {
			return
		}
		t, err := ts.Get(r.ID)
		if err != nil {
			svcError(req, err)
			return
		}
		req.RespondJSON(t)
	}
}

func (ts *Tasks) handleSvcCreate() micro.HandlerFunc {
	l := ts.l.WithBreadcrumb("svc_create")
	type Req struct {
		NewTask
		CreatedBy string `json:"createdBy"`
	}
	return func(req micro.Request) {
		var r Req
		if !svcDecode(req, &r) {
			return
		}
		t, err := ts.Create(r.NewTask, r.CreatedBy)
		if err != nil {
			svcError(req, err)
			return
		}
		l.Info("task %s created in %s", t.ID, t.TeamID)
		req.RespondJSON(t)
	}
}

func (ts *Tasks) handleSvcStatus() micro.HandlerFunc {
	type Req struct {
		ID     string `json:"id"`
		Status Status `json:"status"`
	}
	return func(req micro.Request) {
		var r Req
		if !svcDecode(req, &r) {
			return
		}
		t, err := ts.UpdateStatus(r.ID, r.Status)
		if err != nil {
			svcError(req, err)
			return
		}
		req.RespondJSON(t)
	}
}

func (ts *Tasks) handleSvcAssign() micro.HandlerFunc {
	type Req struct {
		ID         string `json:"id"`
		AssigneeID string `json:"assigneeId"`
	}
	return func(req micro.Request) {
		var r Req
		if !svcDecode(req, &r) {
			return
		}
		t, err := ts.Assign(r.ID, r.AssigneeID)
		if err != nil {
			svcError(req, err)
			return
		}
		req.RespondJSON(t)
	}
}

// --- HELPERS ---

func svcDecode(req micro.Request, v any) bool {
	if err := json.Unmarshal(req.Data(), v); err != nil {
		req.Error("INVALID_REQUEST", "invalid request", []byte(err.Error()))
		return false
	}
	return true
}

// svcError maps errors to micro error codes. The description carries the
// same message the HTTP API would return.
func svcError(req micro.Request, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		req.Error("INVALID_REQUEST", ve.Error(), nil)
	case errors.Is(err, ErrNotFound):
		req.Error("NOT_FOUND", err.Error(), nil)
	default:
		req.Error("SERVER_ERROR", "server error", []byte(err.Error()))
	}
}

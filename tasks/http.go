package tasks

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"taskgate/server/who/api"
)

const maxBody = 1 << 20

func (ts *Tasks) Handler() http.Handler {
	mux := http.NewServeMux()
	l := ts.l.WithBreadcrumb("http")

	mux.Handle("GET /health", ts.handleHealth())
	mux.Handle("GET /api/tasks", requireIdentity(ts.handleList()))
	mux.Handle("POST /api/tasks", requireIdentity(ts.handleCreate()))
	mux.Handle("GET /api/tasks/ws", requireIdentity(ts.handleWebSocket()))
	mux.Handle("GET /api/tasks/{id}", requireIdentity(ts.handleGet()))
	mux.Handle("PATCH /api/tasks/{id}/status", requireIdentity(ts.handleUpdateStatus()))
	mux.Handle("PATCH /api/tasks/{id}/assignee", requireIdentity(ts.handleAssign()))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respJson(w, api.ErrorResponse{Error: "Not found", Message: "Cannot " + r.Method + " " + r.URL.Path}, http.StatusNotFound)
	}))

	l.Debug("ready")
	return mux
}

// --- MIDDLEWARE ---

// requireIdentity only admits requests carrying the gateway-asserted
// caller identity.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := api.FromHeaders(r.Header); !ok {
			respJson(w, api.ErrorResponse{Error: "Unauthorized", Message: "missing user identity"}, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- HANDLERS ---

type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Data      struct {
		Tasks   int `json:"tasks"`
		Clients int `json:"clients"`
	} `json:"data"`
}

func (ts *Tasks) handleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "healthy", Service: ServiceName, Timestamp: ts.now().UTC()}
		resp.Data.Tasks = ts.Len()
		resp.Data.Clients = ts.Clients()
		respJson(w, resp, http.StatusOK)
	})
}

func (ts *Tasks) handleList() http.Handler {
	type Resp struct {
		Tasks []Task `json:"tasks"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		teamID := r.URL.Query().Get("teamId")
		if teamID == "" {
			respError(w, &ValidationError{Field: "teamId", Reason: "is required"})
			return
		}
		respJson(w, Resp{Tasks: ts.List(teamID)}, http.StatusOK)
	})
}

func (ts *Tasks) handleGet() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := ts.Get(r.PathValue("id"))
		if err != nil {
			respError(w, err)
			return
		}
		respJson(w, t, http.StatusOK)
	})
}

func (ts *Tasks) handleCreate() http.Handler {
	l := ts.l.WithBreadcrumb("create")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req NewTask
		if !decode(w, r, &req) {
			return
		}
		who, _ := api.FromHeaders(r.Header)
		t, err := ts.Create(req, who.ID)
		if err != nil {
			respError(w, err)
			return
		}
		l.Info("task %s created in %s by %s", t.ID, t.TeamID, who.ID)
		respJson(w, t, http.StatusCreated)
	})
}

func (ts *Tasks) handleUpdateStatus() http.Handler {
	type Req struct {
		Status Status `json:"status"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if !decode(w, r, &req) {
			return
		}
		t, err := ts.UpdateStatus(r.PathValue("id"), req.Status)
		if err != nil {
			respError(w, err)
			return
		}
		respJson(w, t, http.StatusOK)
	})
}

func (ts *Tasks) handleAssign() http.Handler {
	type Req struct {
		AssigneeID string `json:"assigneeId"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if !decode(w, r, &req) {
			return
		}
		t, err := ts.Assign(r.PathValue("id"), req.AssigneeID)
		if err != nil {
			respError(w, err)
			return
		}
		respJson(w, t, http.StatusOK)
	})
}

// --- HELPERS ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		respJson(w, api.ErrorResponse{Error: "Validation error", Message: "invalid request body"}, http.StatusBadRequest)
		return false
	}
	return true
}

func respError(w http.ResponseWriter, err error) {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		respJson(w, api.ErrorResponse{Error: "Validation error", Message: vErr.Error()}, http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		respJson(w, api.ErrorResponse{Error: "Not found", Message: err.Error()}, http.StatusNotFound)
	default:
		respJson(w, api.ErrorResponse{Error: "Internal error"}, http.StatusInternalServerError)
	}
}

// respJson builds and writes a JSON response
func respJson(w http.ResponseWriter, content any, code int) {
	respBytes, err := json.Marshal(content)
	if err != nil {
		http.Error(w, "failed to marshal json", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(respBytes)
}

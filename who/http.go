package who

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"taskgate/server/who/api"
)

// Handler serves the users REST API.
func (w *Who) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", w.handleHealth())
	mux.Handle("POST /api/users/register", w.handleRegister())
	mux.Handle("POST /api/users/login", w.handleLogin())
	mux.Handle("GET /api/users/auth/public-key", w.handlePublicKey())
	mux.Handle("GET /api/users/me", w.handleMe())
	mux.Handle("/", http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		respJson(rw, api.ErrorResponse{
			Error:   "Route not found",
			Message: "Cannot " + r.Method + " " + r.URL.Path,
		}, http.StatusNotFound)
	}))
	return mux
}

// ----------- HANDLERS -----------

func (w *Who) handleHealth() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		respJson(rw, map[string]string{
			"status":    "OK",
			"service":   "User Service (REST)",
			"timestamp": w.now().UTC().Format(time.RFC3339),
		}, http.StatusOK)
	})
}

func (w *Who) handleRegister() http.Handler {
	l := w.l.WithBreadcrumb("register")
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var req api.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			l.Warn("decode request: %s", err)
			respJson(rw, api.ErrorResponse{Error: "Validation error", Message: "invalid request body"}, http.StatusBadRequest)
			return
		}
		u, err := w.Register(req.Name, req.Email, req.Password)
		if err != nil {
			respError(rw, err)
			return
		}
		respJson(rw, api.RegisterResponse{
			Message: "User created successfully",
			User:    api.User{ID: u.ID, Name: u.Name, Email: u.Email},
		}, http.StatusCreated)
	})
}

func (w *Who) handleLogin() http.Handler {
	l := w.l.WithBreadcrumb("login")
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var req api.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			l.Warn("decode request: %s", err)
			respJson(rw, api.ErrorResponse{Error: "Validation error", Message: "invalid request body"}, http.StatusBadRequest)
			return
		}
		token, err := w.Login(req.Email, req.Password)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				l.Info("rejected login for %s", req.Email)
			}
			respError(rw, err)
			return
		}
		respJson(rw, api.LoginResponse{Message: "Login successful", Token: token}, http.StatusOK)
	})
}

func (w *Who) handlePublicKey() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/x-pem-file")
		rw.WriteHeader(http.StatusOK)
		rw.Write(w.publicPem)
	})
}

// handleMe relies on the gateway having verified the caller.
func (w *Who) handleMe() http.Handler {
	l := w.l.WithBreadcrumb("me")
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		ident, ok := api.FromHeaders(r.Header)
		if !ok {
			l.Warn("request without gateway identity")
			respJson(rw, api.ErrorResponse{Error: "Not authorized"}, http.StatusUnauthorized)
			return
		}
		u, err := w.User(ident.ID)
		if err != nil {
			respError(rw, err)
			return
		}
		respJson(rw, api.User{ID: u.ID, Name: u.Name, Email: u.Email, Teams: u.Teams}, http.StatusOK)
	})
}

// --- HELPERS ---

func respError(rw http.ResponseWriter, err error) {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		respJson(rw, api.ErrorResponse{Error: "Validation error", Message: vErr.Error()}, http.StatusBadRequest)
	case errors.Is(err, ErrEmailTaken):
		respJson(rw, api.ErrorResponse{Error: "Email already exists"}, http.StatusConflict)
	case errors.Is(err, ErrInvalidCredentials):
		respJson(rw, api.ErrorResponse{Error: "Invalid credentials"}, http.StatusUnauthorized)
	case errors.Is(err, ErrUserNotFound):
		respJson(rw, api.ErrorResponse{Error: "User not found"}, http.StatusNotFound)
	default:
		respJson(rw, api.ErrorResponse{Error: "Server error", Message: err.Error()}, http.StatusInternalServerError)
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

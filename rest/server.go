// Copyright 2026 The Tunnelguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"tunnelguard"
)

// Supervisor is the guardian surface the panel consumes.  The panel never
// talks to the service controller directly: all actions go through the one
// Guardian instance so its restart pacing cannot be bypassed.
type Supervisor interface {
	Status() tunnelguard.Status
	Logs(lines int) string
	PerformAction(action string) (tunnelguard.Result, error)
}

// Options configures the panel's authentication and cache behavior.
type Options struct {
	// LoginRequired gates every endpoint behind a session.  When it is
	// false the panel is open, for deployments behind a trusted proxy.
	LoginRequired bool
	Username      string
	Password      string
	SessionTTL    time.Duration
	StatusTTL     time.Duration
	LogsTTL       time.Duration
}

// DefaultOptions mirrors the lightweight deployment defaults: sessions of
// half an hour, a five second status cache, a ten second logs cache.
func DefaultOptions() Options {
	return Options{
		LoginRequired: true,
		Username:      "admin",
		Password:      "admin123",
		SessionTTL:    30 * time.Minute,
		StatusTTL:     5 * time.Second,
		LogsTTL:       10 * time.Second,
	}
}

// Handler wraps a Supervisor, adding http.Handler functionality.  It owns
// the short-TTL caches that bound the system-call rate under concurrent
// panel requests, and invalidates them after every mutating action.
type Handler struct {
	s    Supervisor
	r    *mux.Router
	opts Options

	statusCache *tunnelguard.TTLCache[tunnelguard.Status]
	logsCache   *tunnelguard.CommandCache

	lock     sync.Mutex
	sessions map[string]time.Time
}

func NewHandler(s Supervisor, opts Options) *Handler {
	r := mux.NewRouter()
	h := &Handler{
		s:           s,
		r:           r,
		opts:        opts,
		statusCache: tunnelguard.NewTTLCache[tunnelguard.Status](opts.StatusTTL),
		logsCache:   tunnelguard.NewCommandCache(32, opts.LogsTTL),
		sessions:    make(map[string]time.Time),
	}
	r.HandleFunc("/login", h.login).Methods("POST")
	r.HandleFunc("/logout", h.logout).Methods("POST")
	r.HandleFunc("/api/status", h.status).Methods("GET")
	r.HandleFunc("/api/logs", h.logs).Methods("GET")
	r.HandleFunc("/api/{action}", h.action).Methods("POST")
	r.NotFoundHandler = http.HandlerFunc(h.notFound)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	b, e := json.Marshal(v)
	if e != nil {
		http.Error(w, e.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeJson)
	w.Write(b)
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	b, err := json.Marshal(e)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeJson)
	w.WriteHeader(e.Code)
	w.Write(b)
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, &Error{http.StatusNotFound, "Not found"})
}

// authed reports whether the request carries a live session.  Expired
// sessions are reaped on sight.
func (h *Handler) authed(req *http.Request) bool {
	if !h.opts.LoginRequired {
		return true
	}
	c, err := req.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	deadline, ok := h.sessions[c.Value]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(h.sessions, c.Value)
		return false
	}
	return true
}

func (h *Handler) login(w http.ResponseWriter, req *http.Request) {
	if !h.opts.LoginRequired {
		h.writeJson(w, struct{}{})
		return
	}
	user := req.PostFormValue("username")
	pass := req.PostFormValue("password")
	if user != h.opts.Username || pass != h.opts.Password {
		h.writeError(w, &Error{http.StatusUnauthorized, "Invalid credentials"})
		return
	}
	token := uuid.New().String()
	h.lock.Lock()
	h.sessions[token] = time.Now().Add(h.opts.SessionTTL)
	h.lock.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
	})
	h.writeJson(w, struct{}{})
}

func (h *Handler) logout(w http.ResponseWriter, req *http.Request) {
	if c, err := req.Cookie(sessionCookie); err == nil {
		h.lock.Lock()
		delete(h.sessions, c.Value)
		h.lock.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	h.writeJson(w, struct{}{})
}

func (h *Handler) status(w http.ResponseWriter, req *http.Request) {
	if !h.authed(req) {
		h.writeError(w, &Error{http.StatusUnauthorized, "Unauthorized"})
		return
	}
	st := h.statusCache.Get(h.s.Status)
	h.writeJson(w, st)
}

func (h *Handler) logs(w http.ResponseWriter, req *http.Request) {
	if !h.authed(req) {
		h.writeError(w, &Error{http.StatusUnauthorized, "Unauthorized"})
		return
	}
	lines := 50
	if v := req.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, &Error{http.StatusBadRequest, "Bad lines value"})
			return
		}
		lines = n
	}
	if lines <= 0 {
		lines = 50
	}
	if lines > tunnelguard.MaxLogLines {
		lines = tunnelguard.MaxLogLines
	}
	key := "logs:" + strconv.Itoa(lines)
	r := h.logsCache.Do(key, func() tunnelguard.Result {
		return tunnelguard.Result{Success: true, Stdout: h.s.Logs(lines)}
	})
	h.writeJson(w, &LogsReply{Success: r.Success, Stdout: r.Stdout})
}

func (h *Handler) action(w http.ResponseWriter, req *http.Request) {
	if !h.authed(req) {
		h.writeError(w, &Error{http.StatusUnauthorized, "Unauthorized"})
		return
	}
	action := mux.Vars(req)["action"]
	switch action {
	case "start", "stop", "restart":
	default:
		h.writeError(w, &Error{http.StatusBadRequest, "Invalid action"})
		return
	}

	r, err := h.s.PerformAction(action)
	if err != nil {
		h.writeError(w, &Error{http.StatusBadRequest, err.Error()})
		return
	}

	// A status read racing with the action may have just repopulated
	// the caches, so invalidation comes after the action completes.
	h.statusCache.Invalidate()
	h.logsCache.Clear()

	h.writeJson(w, r)
}

// Package opsapi serves read-only operational endpoints over HTTP: metrics,
// the status document and a health check.
package opsapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/gorilla/mux"
)

const mimeJSON = "application/json"

// StatusProvider is the read side of the supervisor
type StatusProvider interface {
	Status(ctx context.Context) (domain.StatusDocument, error)
}

// HealthFunc reports whether the supervisor is accepting operations
type HealthFunc func() (healthy bool, state string)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type health struct {
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
}

// Handler wraps a StatusProvider with a mux router
type Handler struct {
	status  StatusProvider
	health  HealthFunc
	metrics http.Handler
	logger  logging.Logger
	r       *mux.Router
}

// NewHandler builds the router. metrics may be nil, in which case /metrics
// is not served.
func NewHandler(status StatusProvider, health HealthFunc, metrics http.Handler, logger logging.Logger) *Handler {
	r := mux.NewRouter()
	h := &Handler{status: status, health: health, metrics: metrics, logger: logger, r: r}
	r.HandleFunc("/status", h.getStatus).Methods("GET")
	r.HandleFunc("/status/{name}", h.getProcess).Methods("GET")
	r.HandleFunc("/healthz", h.getHealth).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeJSON)
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err):
		code = http.StatusNotFound
	case errors.IsConflictError(err):
		code = http.StatusConflict
	}
	h.writeJSON(w, code, &Error{Code: code, Message: errors.MessageOf(err)})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	document, err := h.status.Status(r.Context())
	if err != nil {
		h.logger.Warnf("Status request failed: %v", err)
		h.writeError(w, err)
		return
	}
	if document == nil {
		document = domain.StatusDocument{}
	}
	h.writeJSON(w, http.StatusOK, document)
}

func (h *Handler) getProcess(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	document, err := h.status.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	entry, ok := document[name]
	if !ok {
		h.writeError(w, errors.NewNotFoundError(name+" is not a managed process", nil))
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	healthy, state := true, ""
	if h.health != nil {
		healthy, state = h.health()
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, &health{Healthy: healthy, State: state})
}

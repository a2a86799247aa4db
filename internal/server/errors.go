package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/roeeharel/project-dashboard/internal/config"
	"github.com/roeeharel/project-dashboard/internal/logs"
	"github.com/roeeharel/project-dashboard/internal/process"
	"github.com/roeeharel/project-dashboard/internal/protocol"
)

// httpError carries its own status and client-facing message.
type httpError struct {
	Status  int
	Message string
}

func (e *httpError) Error() string {
	return e.Message
}

var (
	errProjectNotFound = &httpError{Status: http.StatusNotFound, Message: "Project not found"}
	errRouteNotFound   = &httpError{Status: http.StatusNotFound, Message: "Not found"}
)

func badRequest(format string, args ...interface{}) error {
	return &httpError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// statusFor maps an error onto a response status and message. Validation
// failures are 4xx; anything unrecognised is a 500 carrying the error text.
func statusFor(err error) (int, string) {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.Status, he.Message
	case errors.Is(err, process.ErrInvalidArgument),
		errors.Is(err, logs.ErrInvalidArgument),
		errors.Is(err, config.ErrConfigInvalid):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// apiHandler is a handler that reports failure by returning an error.
type apiHandler func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(fn apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			status, msg := statusFor(err)
			stack := ""
			if status >= http.StatusInternalServerError {
				log.Errorf("[HTTP] %s %s failed: %v", r.Method, r.URL.Path, err)
				if !s.production {
					stack = string(debug.Stack())
				}
			}
			s.writeError(w, r, status, msg, stack)
		}
	}
}

// writeError writes the error body. Outside production it carries request
// diagnostics and, for server errors, the stack.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg, stack string) {
	body := protocol.ErrorResponse{Error: msg}
	if !s.production {
		body.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		body.Path = r.URL.Path
		body.Method = r.Method
		body.RequestID = requestIDFrom(r.Context())
		body.Stack = stack
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("[HTTP] Failed to encode response: %v", err)
	}
}

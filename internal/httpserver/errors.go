package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"timecapsule/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrBadForm          = "bad form"
	ErrServer           = "server error"
	ErrWrongPassword    = "wrong password"
	ErrInvalidSignature = "invalid signature"
	ErrInvalidPayload   = "invalid event payload"
)

type errorBody struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{OK: false, Message: msg})
}

// writeError maps err to its HTTP status. Unclassified errors are logged and
// reported as a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeMessage(w, status, ErrServer)
		return
	}
	writeMessage(w, status, err.Error())
}

func writeErrorLogOnly(r *http.Request, err error) {
	slog.Error("response write failed", "method", r.Method, "path", r.URL.Path, "err", err)
}

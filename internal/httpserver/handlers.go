package httpserver

import (
	"encoding/json"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"timecapsule/internal/domain"
	"timecapsule/internal/service"
)

const maxBodyBytes = 256 << 10

type API struct {
	Intake *service.SubmissionService
	Status *service.StatusService
	Now    func() time.Time
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/api/submit", a.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/status/{id}", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/{id}", a.handleStatusPage).Methods(http.MethodGet)
	r.HandleFunc("/thanks", a.handleThanks).Methods(http.MethodGet)
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if isJSON(r) {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, ErrInvalidJSON)
			return
		}
	} else {
		form, err := parseForm(w, r)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, ErrBadForm)
			return
		}
		req = domain.SubmitRequest{
			Email:   form.Get("email"),
			Content: form.Get("content"),
			SendAt:  form.Get("send_at"),
			Sign:    form.Get("sign"),
			Signer:  form.Get("signer"),
			Contact: form.Get("contact"),
		}
	}

	resp, err := a.Intake.Submit(r.Context(), req, ClientIP(r), a.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if wantsHTML(r) {
		http.Redirect(w, r, "/thanks?id="+url.QueryEscape(resp.ID), http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.Status.Get(r.Context(), mux.Vars(r)["id"], a.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	st, err := a.Status.Get(r.Context(), mux.Vars(r)["id"], a.now())
	if err != nil {
		status := domain.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			writeError(w, r, err)
			return
		}
		renderPage(w, status, "status", pageData{Title: "Capsule not found"})
		return
	}
	renderPage(w, http.StatusOK, "status", pageData{Title: "Capsule status", Status: &st})
}

func (a *API) handleThanks(w http.ResponseWriter, r *http.Request) {
	renderPage(w, http.StatusOK, "thanks", pageData{Title: "Capsule sealed", ID: r.URL.Query().Get("id")})
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func parseForm(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, err
		}
		return r.PostForm, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return r.PostForm, nil
}

// ClientIP prefers proxy headers set by the CDN / load balancer.
func ClientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		return v
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "0.0.0.0"
}

package httpserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"timecapsule/internal/domain"
	"timecapsule/internal/service"
	"timecapsule/internal/settings"
)

const (
	SessionCookie = "admin_session"
	SessionMaxAge = 24 * time.Hour
)

type Admin struct {
	Password     string
	CookieSecure bool
	Service      *service.AdminService
	Settings     *settings.Service
	Now          func() time.Time
}

func (a *Admin) Register(r *mux.Router) {
	r.HandleFunc("/admin", a.handleAdminPage).Methods(http.MethodGet)
	r.HandleFunc("/admin/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/admin/logout", a.handleLogout).Methods(http.MethodGet)

	api := r.PathPrefix("/api/admin").Subrouter()
	api.Use(a.requireSession)
	api.HandleFunc("/settings", a.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", a.handleUpdateSettings).Methods(http.MethodPost)
	api.HandleFunc("/capsules", a.handleList).Methods(http.MethodGet)
	api.HandleFunc("/capsules/export", a.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/delete", a.handleDelete).Methods(http.MethodPost)
	api.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
}

func (a *Admin) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// SignSession returns the cookie value "{exp}.{sig}" where sig is the
// unpadded base64url HMAC-SHA256 of exp keyed by the admin password.
func SignSession(password string, exp int64) string {
	e := strconv.FormatInt(exp, 10)
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(e))
	return e + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func VerifySession(password, value string, now time.Time) bool {
	if password == "" {
		return false
	}
	e, _, ok := strings.Cut(value, ".")
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(e, 10, 64)
	if err != nil || exp <= now.Unix() {
		return false
	}
	return hmac.Equal([]byte(value), []byte(SignSession(password, exp)))
}

func (a *Admin) authed(r *http.Request) bool {
	c, err := r.Cookie(SessionCookie)
	return err == nil && VerifySession(a.Password, c.Value, a.now())
}

func (a *Admin) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authed(r) {
			writeError(w, r, domain.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Admin) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *Admin) handleAdminPage(w http.ResponseWriter, r *http.Request) {
	renderPage(w, http.StatusOK, "admin", pageData{Title: "Admin", Authed: a.authed(r)})
}

func (a *Admin) handleLogin(w http.ResponseWriter, r *http.Request) {
	form, err := parseForm(w, r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, ErrBadForm)
		return
	}
	pwd := form.Get("password")
	if a.Password == "" || !hmac.Equal([]byte(pwd), []byte(a.Password)) {
		if wantsHTML(r) {
			renderPage(w, http.StatusUnauthorized, "admin", pageData{Title: "Admin", Error: ErrWrongPassword})
			return
		}
		writeMessage(w, http.StatusUnauthorized, ErrWrongPassword)
		return
	}
	exp := a.now().Add(SessionMaxAge).Unix()
	a.setCookie(w, SignSession(a.Password, exp), int(SessionMaxAge.Seconds()))
	http.Redirect(w, r, "/admin", http.StatusFound)
}

func (a *Admin) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.setCookie(w, "", -1)
	http.Redirect(w, r, "/admin", http.StatusFound)
}

func (a *Admin) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := a.Settings.Read(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// clampInt parses v, mapping junk and negatives to 0.
func clampInt(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (a *Admin) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var get func(string) string
	if isJSON(r) {
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
			writeMessage(w, http.StatusBadRequest, ErrInvalidJSON)
			return
		}
		get = func(k string) string { return strings.Trim(string(raw[k]), `"`) }
	} else {
		form, err := parseForm(w, r)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, ErrBadForm)
			return
		}
		get = form.Get
	}

	in := domain.Settings{
		IPDailyLimit:     int(clampInt(get("ip_daily_limit"))),
		IP10MinLimit:     int(clampInt(get("ip_10min_limit"))),
		MinLeadSeconds:   clampInt(get("min_lead_seconds")),
		DailyCreateLimit: int(clampInt(get("daily_create_limit"))),
	}
	out, err := a.Settings.Update(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if wantsHTML(r) {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "settings": out})
}

func filterFrom(r *http.Request) domain.CapsuleFilter {
	q := r.URL.Query()
	return domain.CapsuleFilter{
		Status: strings.TrimSpace(q.Get("status")),
		Email:  strings.TrimSpace(q.Get("email")),
		ID:     strings.TrimSpace(q.Get("id")),
	}
}

func (a *Admin) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Service.List(r.Context(), filterFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *Admin) handleExport(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Service.List(r.Context(), filterFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	stamp := a.now().Format("20060102-150405")
	switch r.URL.Query().Get("format") {
	case "json":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="capsules-%s.json"`, stamp))
		err = service.WriteJSON(w, rows)
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="capsules-%s.csv"`, stamp))
		err = service.WriteCSV(w, rows)
	default:
		writeError(w, r, domain.Invalid("format must be csv or json"))
		return
	}
	if err != nil {
		// headers are already out; nothing useful to send
		writeErrorLogOnly(r, err)
	}
}

func (a *Admin) handleDelete(w http.ResponseWriter, r *http.Request) {
	var id string
	if isJSON(r) {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			writeMessage(w, http.StatusBadRequest, ErrInvalidJSON)
			return
		}
		id = body.ID
	} else {
		form, err := parseForm(w, r)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, ErrBadForm)
			return
		}
		id = form.Get("id")
	}

	if err := a.Service.Delete(r.Context(), strings.TrimSpace(id)); err != nil {
		writeError(w, r, err)
		return
	}
	if wantsHTML(r) {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *Admin) handleStats(w http.ResponseWriter, r *http.Request) {
	days := service.ClampStatsDays(r.URL.Query().Get("days"))
	rep, err := a.Service.Stats(r.Context(), days, a.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

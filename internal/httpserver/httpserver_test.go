package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/internal/clock"
	"timecapsule/internal/domain"
	"timecapsule/internal/providers/resend"
	sqsqueue "timecapsule/internal/queue/sqs"
	"timecapsule/internal/ratelimit"
	"timecapsule/internal/render"
	"timecapsule/internal/service"
	"timecapsule/internal/settings"
	"timecapsule/internal/store/memory"
	"timecapsule/internal/worker"
)

// 2025-01-01 12:03:00 UTC+8
var t0 = time.Unix(1735704180, 0)

var whsec = "whsec_" + base64.StdEncoding.EncodeToString([]byte("webhook-key"))

const adminPassword = "hunter2"

type env struct {
	t       *testing.T
	store   *memory.Store
	handler http.Handler
	sweeper *worker.Sweeper
	now     time.Time
}

func seq(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

func newEnv(t *testing.T, policy domain.Settings) *env {
	t.Helper()
	e := &env{t: t, store: memory.New(), now: t0}
	clockFn := func() time.Time { return e.now }

	var sent atomic.Int64
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":"re_%d"}`, sent.Add(1))
	}))
	t.Cleanup(provider.Close)

	ss := settings.New(e.store, policy)
	s := New()
	(&API{
		Intake: &service.SubmissionService{Store: e.store, Settings: ss, Limiter: ratelimit.New(e.store), NewID: seq("cap")},
		Status: &service.StatusService{Store: e.store},
		Now:    clockFn,
	}).Register(s.Mux)
	(&Admin{
		Password: adminPassword,
		Service:  &service.AdminService{Store: e.store},
		Settings: ss,
		Now:      clockFn,
	}).Register(s.Mux)
	(&Webhook{
		Reconciler: &service.Reconciler{Store: e.store, Secret: whsec, NewID: seq("evt")},
		Now:        clockFn,
	}).Register(s.Mux)
	s.Mux.HandleFunc("/health", Health(e.store.Ping))
	e.handler = s.Handler()

	e.sweeper = &worker.Sweeper{
		Store:       e.store,
		Sender:      &resend.Client{APIKey: "re_test", From: "capsule@example.com", BaseURL: provider.URL},
		Renderer:    render.New(""),
		WorkerID:    "test",
		BatchSize:   50,
		Concurrency: 2,
		SendTimeout: time.Second,
		Lease:       time.Minute,
		NewLogID:    seq("log"),
		Now:         clockFn,
	}
	return e
}

func loose() domain.Settings {
	return domain.Settings{IPDailyLimit: 100, IP10MinLimit: 100, MinLeadSeconds: 3600, DailyCreateLimit: 100}
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *env) submit(sendAt int64) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"email":"a@b.com","content":"hello future","send_at":%q}`, clock.FormValue(sendAt))
	req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func (e *env) submitOK(sendAt int64) string {
	e.t.Helper()
	rec := e.submit(sendAt)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	var resp domain.SubmitResponse
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(e.t, resp.OK)
	return resp.ID
}

func (e *env) status(id string) service.PublicStatus {
	e.t.Helper()
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/status/"+id, nil))
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	var st service.PublicStatus
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func (e *env) webhook(body string, tamper bool) *httptest.ResponseRecorder {
	e.t.Helper()
	sig, err := resend.Sign(whsec, "msg_1", "1735704180", []byte(body))
	require.NoError(e.t, err)
	if tamper {
		body = strings.Replace(body, "delivered", "bounced", 1)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/resend", strings.NewReader(body))
	req.Header.Set(resend.HeaderID, "msg_1")
	req.Header.Set(resend.HeaderTimestamp, "1735704180")
	req.Header.Set(resend.HeaderSignature, sig)
	return e.do(req)
}

func TestLifecycleDelivered(t *testing.T) {
	e := newEnv(t, loose())
	sendAt := t0.Unix() + 2*3600
	id := e.submitOK(sendAt)

	st := e.status(id)
	assert.Equal(t, domain.StatusPending, st.Status)
	assert.Equal(t, int64(7200), st.CountdownSeconds)
	assert.Equal(t, "Asia/Shanghai", st.TZ)
	assert.Equal(t, "2025-01-01 14:03:00", st.SendAtShanghai)

	e.now = time.Unix(sendAt, 0)
	res, err := e.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	st = e.status(id)
	assert.Equal(t, domain.StatusSent, st.Status)
	require.NotNil(t, st.SentAt)
	assert.Equal(t, int64(0), st.CountdownSeconds)

	rec := e.webhook(`{"type":"email.delivered","created_at":"2025-01-01T06:05:00.000Z","data":{"email_id":"re_1"}}`, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	st = e.status(id)
	assert.Equal(t, domain.StatusDelivered, st.Status)
	require.NotNil(t, st.DeliveredAt)
	assert.Equal(t, time.Date(2025, 1, 1, 6, 5, 0, 0, time.UTC).Unix(), *st.DeliveredAt)
}

func TestLifecycleBounced(t *testing.T) {
	e := newEnv(t, loose())
	id := e.submitOK(t0.Unix() + 3600)
	e.now = t0.Add(2 * time.Hour)
	_, err := e.sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	rec := e.webhook(`{"type":"email.bounced","data":{"email_id":"re_1","bounce":{"message":"mailbox full"}}}`, false)
	require.Equal(t, http.StatusOK, rec.Code)

	st := e.status(id)
	assert.Equal(t, domain.StatusBounced, st.Status)
	require.NotNil(t, st.BounceReason)
	assert.Equal(t, "mailbox full", *st.BounceReason)
}

func TestWebhookTamperedBodyLeavesStatus(t *testing.T) {
	e := newEnv(t, loose())
	id := e.submitOK(t0.Unix() + 3600)
	e.now = t0.Add(2 * time.Hour)
	_, err := e.sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	rec := e.webhook(`{"type":"email.delivered","data":{"email_id":"re_1"}}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrInvalidSignature)
	assert.Equal(t, domain.StatusSent, e.status(id).Status)
}

func TestWebhookWithoutEmailID(t *testing.T) {
	e := newEnv(t, loose())
	rec := e.webhook(`{"type":"email.delivered","data":{}}`, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no email_id", rec.Body.String())
}

type recordingQueue struct{ events []string }

func (q *recordingQueue) Enqueue(ctx context.Context, ev sqsqueue.WebhookEvent) error {
	q.events = append(q.events, ev.Headers.ID)
	return nil
}

func TestWebhookEnqueuesWhenQueueConfigured(t *testing.T) {
	q := &recordingQueue{}
	wh := &Webhook{Reconciler: &service.Reconciler{Secret: whsec}, Queue: q, Now: func() time.Time { return t0 }}
	s := New()
	wh.Register(s.Mux)

	body := `{"type":"email.delivered","data":{"email_id":"re_9"}}`
	sig, err := resend.Sign(whsec, "msg_9", "1735704180", []byte(body))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/resend", strings.NewReader(body))
	req.Header.Set(resend.HeaderID, "msg_9")
	req.Header.Set(resend.HeaderTimestamp, "1735704180")
	req.Header.Set(resend.HeaderSignature, sig)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"msg_9"}, q.events)

	for _, bad := range []string{"not json", ""} {
		sig, err := resend.Sign(whsec, "msg_10", "1735704180", []byte(bad))
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/webhook/resend", strings.NewReader(bad))
		req.Header.Set(resend.HeaderID, "msg_10")
		req.Header.Set(resend.HeaderTimestamp, "1735704180")
		req.Header.Set(resend.HeaderSignature, sig)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", bad)
		assert.Contains(t, rec.Body.String(), ErrInvalidPayload)
	}
	assert.Equal(t, []string{"msg_9"}, q.events)
}

func TestSubmitRateLimitedBurst(t *testing.T) {
	p := loose()
	p.IP10MinLimit = 5
	e := newEnv(t, p)
	for range 5 {
		e.submitOK(t0.Unix() + 7200)
	}

	rec := e.submit(t0.Unix() + 7200)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":false`)
}

func TestSubmitValidationErrors(t *testing.T) {
	e := newEnv(t, loose())

	rec := e.submit(t0.Unix() + 60)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec = e.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrInvalidJSON)
}

func TestSubmitFormRedirectsBrowsers(t *testing.T) {
	e := newEnv(t, loose())
	form := url.Values{
		"email":   {"a@b.com"},
		"content": {"from a form"},
		"send_at": {clock.FormValue(t0.Unix() + 7200)},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	rec := e.do(req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/thanks?id=cap-1", rec.Header().Get("Location"))

	page := e.do(httptest.NewRequest(http.MethodGet, "/status/cap-1", nil))
	assert.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "pending")
}

func TestStatusUnknownID(t *testing.T) {
	e := newEnv(t, loose())
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/status/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	page := e.do(httptest.NewRequest(http.MethodGet, "/status/nope", nil))
	assert.Equal(t, http.StatusNotFound, page.Code)
}

func (e *env) login(password string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(url.Values{"password": {password}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func (e *env) adminCookie() *http.Cookie {
	e.t.Helper()
	rec := e.login(adminPassword)
	require.Equal(e.t, http.StatusFound, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(e.t, cookies, 1)
	c := cookies[0]
	require.Equal(e.t, SessionCookie, c.Name)
	require.True(e.t, c.HttpOnly)
	require.Equal(e.t, 86400, c.MaxAge)
	return c
}

func TestAdminRequiresSession(t *testing.T) {
	e := newEnv(t, loose())
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/admin/settings", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.login("wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	forged := httptest.NewRequest(http.MethodGet, "/api/admin/settings", nil)
	forged.AddCookie(&http.Cookie{Name: SessionCookie, Value: fmt.Sprintf("%d.AAAA", t0.Unix()+3600)})
	assert.Equal(t, http.StatusUnauthorized, e.do(forged).Code)
}

func TestSessionExpiry(t *testing.T) {
	v := SignSession("pw", t0.Unix()+10)
	assert.True(t, VerifySession("pw", v, t0))
	assert.False(t, VerifySession("pw", v, t0.Add(11*time.Second)))
	assert.False(t, VerifySession("other", v, t0))
	assert.False(t, VerifySession("", v, t0))
	assert.False(t, VerifySession("pw", "garbage", t0))
}

func TestAdminSettingsClamp(t *testing.T) {
	e := newEnv(t, loose())
	c := e.adminCookie()

	form := url.Values{
		"ip_daily_limit":     {"-5"},
		"ip_10min_limit":     {"abc"},
		"min_lead_seconds":   {"60"},
		"daily_create_limit": {"7"},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/admin/settings", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(c)
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/admin/settings", nil)
	req.AddCookie(c)
	rec = e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.Settings{IPDailyLimit: 0, IP10MinLimit: 0, MinLeadSeconds: 60, DailyCreateLimit: 7}, got)
}

func TestAdminListExportDelete(t *testing.T) {
	e := newEnv(t, loose())
	id := e.submitOK(t0.Unix() + 7200)
	c := e.adminCookie()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/capsules?email=A@B", nil)
	req.AddCookie(c)
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []service.AdminCapsule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "hello future", rows[0].Content)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/capsules/export?format=csv", nil)
	req.AddCookie(c)
	rec = e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\ufeff"))
	assert.Contains(t, rec.Body.String(), id)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/capsules/export?format=xml", nil)
	req.AddCookie(c)
	assert.Equal(t, http.StatusBadRequest, e.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/delete", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(c)
	assert.Equal(t, http.StatusBadRequest, e.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/delete", strings.NewReader(`{"id":"`+id+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(c)
	require.Equal(t, http.StatusOK, e.do(req).Code)

	gone := e.do(httptest.NewRequest(http.MethodGet, "/api/status/"+id, nil))
	assert.Equal(t, http.StatusNotFound, gone.Code)
	row, ok := e.store.Capsule(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusDeleted, row.Status)
}

func TestAdminStats(t *testing.T) {
	e := newEnv(t, loose())
	e.submitOK(t0.Unix() + 7200)
	e.submitOK(t0.Unix() + 7200)
	c := e.adminCookie()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats?days=7", nil)
	req.AddCookie(c)
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rep service.StatsReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, 2, rep.Total)
	require.Len(t, rep.SendDates, 1)
	assert.Equal(t, 2, rep.SendDates[0].Count)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, loose())
	rec := e.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"db":true}`, rec.Body.String())

	down := Health(func(context.Context) error { return fmt.Errorf("down") })
	rec = httptest.NewRecorder()
	down(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReadyz(t *testing.T) {
	s := NewHealthServer(func(context.Context) error { return fmt.Errorf("no db") })
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"cloudflare", map[string]string{"CF-Connecting-IP": "9.9.9.9", "X-Forwarded-For": "1.1.1.1"}, "10.0.0.1:80", "9.9.9.9"},
		{"forwarded first hop", map[string]string{"X-Forwarded-For": " 1.1.1.1 , 2.2.2.2"}, "10.0.0.1:80", "1.1.1.1"},
		{"real ip", map[string]string{"X-Real-IP": "3.3.3.3"}, "10.0.0.1:80", "3.3.3.3"},
		{"remote addr", nil, "10.0.0.1:80", "10.0.0.1"},
		{"fallback", nil, "", "0.0.0.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ClientIP(r))
		})
	}
}

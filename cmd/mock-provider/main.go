package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"timecapsule/internal/logging"
)

// mock-provider stands in for the Resend API in local and load tests. It
// accepts POST /emails and, when MOCK_WEBHOOK_URL is set, replays a signed
// email.sent / final-status webhook sequence against it.
type config struct {
	APIKey            string  `envconfig:"RESEND_API_KEY" default:"re_mock"`
	WebhookSecret     string  `envconfig:"RESEND_WEBHOOK_SECRET" default:"whsec_bW9jay13ZWJob29rLXNlY3JldA=="`
	Port              string  `envconfig:"PORT" default:"8080"`
	OutcomeMode       string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw       string  `envconfig:"MOCK_OUTCOMES" default:"delivered"`
	SuccessRate       float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeightsRaw string  `envconfig:"MOCK_FAILURE_WEIGHTS" default:"bounced:3,failed:1"`
	DelayMs           int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutDelayMs    int     `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"20000"`

	WebhookURL         string `envconfig:"MOCK_WEBHOOK_URL"`
	WebhookSentDelayMs int    `envconfig:"MOCK_WEBHOOK_SENT_DELAY_MS" default:"300"`
	WebhookDelayMs     int    `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"500"`

	// Webhook retry knobs. Retries happen on retryable statuses and transport errors.
	WebhookMaxRetries     int `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"8"`
	WebhookRetryBaseMs    int `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`
	WebhookRetryMaxMs     int `envconfig:"MOCK_WEBHOOK_RETRY_MAX_MS" default:"10000"`
	WebhookRetryJitterPct int `envconfig:"MOCK_WEBHOOK_RETRY_JITTER_PCT" default:"20"`

	Outcomes         []string
	FailureWeights   []weightedOutcome
	Delay            time.Duration
	TimeoutDelay     time.Duration
	WebhookSentDelay time.Duration
	WebhookDelay     time.Duration
	WebhookRetryBase time.Duration
	WebhookRetryMax  time.Duration
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
	newID  func() string
	// wg tracks webhook goroutines so tests can wait for them.
	wg sync.WaitGroup
}

func main() {
	cfg := loadConfig()
	logging.Init("mock-provider", "json", "info", logging.FileOptions{})

	s := newServer(cfg)
	slog.Info("mock provider listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "webhook_url", cfg.WebhookURL)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(s.routes())); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config) *server {
	return &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
		newID:  newEmailID,
	}
}

func (s *server) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/emails", s.handleSend).Methods(http.MethodPost)
	return router
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock provider request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	return normalize(cfg)
}

func normalize(cfg config) config {
	cfg.OutcomeMode = strings.ToLower(strings.TrimSpace(cfg.OutcomeMode))
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.FailureWeights = parseWeightedOutcomes(cfg.FailureWeightsRaw)
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	cfg.Delay = ms(cfg.DelayMs)
	cfg.TimeoutDelay = ms(cfg.TimeoutDelayMs)
	cfg.WebhookSentDelay = ms(cfg.WebhookSentDelayMs)
	cfg.WebhookDelay = ms(cfg.WebhookDelayMs)

	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	if cfg.WebhookRetryBaseMs <= 0 {
		cfg.WebhookRetryBaseMs = 250
	}
	if cfg.WebhookRetryMaxMs <= 0 {
		cfg.WebhookRetryMaxMs = 10000
	}
	cfg.WebhookRetryJitterPct = min(max(cfg.WebhookRetryJitterPct, 0), 100)
	cfg.WebhookRetryBase = ms(cfg.WebhookRetryBaseMs)
	cfg.WebhookRetryMax = ms(cfg.WebhookRetryMaxMs)

	if len(cfg.FailureWeights) == 0 {
		cfg.FailureWeights = []weightedOutcome{{Kind: "bounced", Weight: 1}}
	}
	return cfg
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "API key is invalid")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "Invalid JSON body")
		return
	}
	if req.From == "" || len(req.To) == 0 || req.Subject == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "from, to and subject are required")
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	o := classifyOutcome(s.nextOutcome())
	if o.callErr != nil {
		if errors.Is(o.callErr, context.DeadlineExceeded) {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.cfg.TimeoutDelay):
			}
		}
		writeError(w, o.httpStatus, o.errName, o.callErr.Error())
		return
	}

	id := s.newID()
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
	s.maybeWebhookSequence(id, req.To[0], o)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx%uint64(len(s.cfg.Outcomes)))]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return "delivered"
		}
		return pickWeighted(r, s.cfg.FailureWeights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, name, msg string) {
	writeJSON(w, status, errorBody{StatusCode: status, Name: name, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

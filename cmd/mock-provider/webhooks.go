package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"timecapsule/internal/providers/resend"
)

type webhookEvent struct {
	Type      string         `json:"type"`
	CreatedAt string         `json:"created_at"`
	Data      map[string]any `json:"data"`
}

func (s *server) maybeWebhookSequence(emailID, to string, o outcome) {
	if s.cfg.WebhookURL == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		post := func(eventType string, extra map[string]any) {
			data := map[string]any{"email_id": emailID, "to": []string{to}}
			for k, v := range extra {
				data[k] = v
			}
			ev := webhookEvent{Type: eventType, CreatedAt: time.Now().UTC().Format(time.RFC3339Nano), Data: data}
			if err := s.postWebhookWithRetry(context.Background(), ev); err != nil {
				slog.Error("mock webhook dropped", "email_id", emailID, "type", eventType, "err", err)
			}
		}

		if o.sendSent {
			sleep(s.cfg.WebhookSentDelay)
			post("email.sent", nil)
		}
		if o.finalEvent == "" {
			return
		}
		sleep(s.cfg.WebhookDelay)
		switch o.finalEvent {
		case "email.bounced":
			post(o.finalEvent, map[string]any{"bounce": map[string]any{"message": o.reason}})
		case "email.failed":
			post(o.finalEvent, map[string]any{"failed": map[string]any{"reason": o.reason}})
		default:
			post(o.finalEvent, nil)
		}
	}()
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func (s *server) postWebhookWithRetry(ctx context.Context, ev webhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msgID := "msg_" + s.newID()
	maxAttempts := max(1, s.cfg.WebhookMaxRetries+1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		// Svix re-signs every attempt with a fresh timestamp.
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := resend.Sign(s.cfg.WebhookSecret, msgID, ts, body)
		if err != nil {
			return err
		}
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(resend.HeaderID, msgID)
		req.Header.Set(resend.HeaderTimestamp, ts)
		req.Header.Set(resend.HeaderSignature, sig)

		resp, err := s.client.Do(req)
		status := 0
		retryAfter := time.Duration(0)
		if resp != nil {
			status = resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}

		// No more attempts left.
		if attempt == maxAttempts-1 {
			if err != nil {
				return err
			}
			return fmt.Errorf("webhook post failed: status=%d", status)
		}
		if err == nil && !isRetryableStatus(status) {
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := retryAfter
		if wait <= 0 {
			wait = s.retryBackoff(attempt)
		}
		slog.Warn("mock webhook post retrying", "type", ev.Type, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		sleep(wait)
	}
	return nil
}

func (s *server) retryBackoff(attempt int) time.Duration {
	// Exponential: base * 2^attempt, capped.
	wait := min(s.cfg.WebhookRetryBase*time.Duration(1<<attempt), s.cfg.WebhookRetryMax)

	delta := int64(wait) * int64(s.cfg.WebhookRetryJitterPct) / 100
	if delta <= 0 {
		return wait
	}
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

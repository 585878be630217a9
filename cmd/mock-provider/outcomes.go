package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type weightedOutcome struct {
	Kind   string
	Weight float64
}

// outcome is what the mock does with one send: either an immediate API error
// or an accepted email followed by a final webhook.
type outcome struct {
	finalEvent string
	reason     string
	sendSent   bool

	httpStatus int
	errName    string
	callErr    error
}

// classifyOutcome maps tokens like "bounced", "bounced:Mailbox full" or
// "server_error" to behaviour. Text after ':' overrides the default reason.
func classifyOutcome(raw string) outcome {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "delivered"
	}
	kind, detail, _ := strings.Cut(token, ":")

	switch kind {
	case "ok", "delivered", "success":
		return outcome{finalEvent: "email.delivered", sendSent: true, httpStatus: http.StatusOK}
	case "bounced":
		return outcome{finalEvent: "email.bounced", reason: orDefault(detail, "Mailbox does not exist"), sendSent: true, httpStatus: http.StatusOK}
	case "failed":
		return outcome{finalEvent: "email.failed", reason: orDefault(detail, "Suppressed recipient"), httpStatus: http.StatusOK}
	case "sent":
		return outcome{sendSent: true, httpStatus: http.StatusOK}
	case "rate_limit", "429":
		return outcome{httpStatus: http.StatusTooManyRequests, errName: "rate_limit_exceeded", callErr: errors.New("Too many requests")}
	case "bad_request", "422":
		return outcome{httpStatus: http.StatusUnprocessableEntity, errName: "validation_error", callErr: errors.New("Invalid `to` field")}
	case "server_error", "500":
		return outcome{httpStatus: http.StatusInternalServerError, errName: "internal_server_error", callErr: errors.New("Internal server error")}
	case "timeout":
		return outcome{httpStatus: http.StatusGatewayTimeout, errName: "timeout", callErr: context.DeadlineExceeded}
	default:
		return outcome{httpStatus: http.StatusInternalServerError, errName: "application_error", callErr: errors.New("mock error: " + kind)}
	}
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func newEmailID() string { return uuid.NewString() }

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"delivered"}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		kind, weight, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok || strings.TrimSpace(kind) == "" {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		if err != nil || w <= 0 {
			continue
		}
		out = append(out, weightedOutcome{Kind: strings.TrimSpace(kind), Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "bounced"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}

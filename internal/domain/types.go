package domain

import "strings"

type CapsuleStatus string

const (
	StatusPending   CapsuleStatus = "pending"
	StatusSent      CapsuleStatus = "sent"
	StatusDelivered CapsuleStatus = "delivered"
	StatusBounced   CapsuleStatus = "bounced"
	StatusFailed    CapsuleStatus = "failed"
	StatusDeleted   CapsuleStatus = "deleted"
)

const (
	MaxContentChars = 10000
	UnknownCapsule  = "unknown"
)

// Capsule is the stored record. Empty strings stand for NULL columns.
type Capsule struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	Content      string        `json:"content"`
	Signer       string        `json:"signer,omitempty"`
	Contact      string        `json:"contact,omitempty"`
	IPAddr       string        `json:"ip_addr"`
	SendAt       int64         `json:"send_at"`
	SendAtYMD    string        `json:"send_at_ymd"`
	CreatedAt    int64         `json:"created_at"`
	CreatedOnYMD string        `json:"created_on_ymd"`
	Status       CapsuleStatus `json:"status"`

	ProviderEmailID string `json:"provider_email_id,omitempty"`
	SentAt          *int64 `json:"sent_at"`
	DeliveredAt     *int64 `json:"delivered_at"`
	BouncedAt       *int64 `json:"bounced_at"`
	BounceReason    string `json:"bounce_reason,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

// CapsuleView is what untrusted callers may see about a capsule.
type CapsuleView struct {
	ID           string
	Status       CapsuleStatus
	SendAt       int64
	SentAt       *int64
	DeliveredAt  *int64
	BouncedAt    *int64
	BounceReason string
}

type Settings struct {
	IPDailyLimit     int   `json:"ip_daily_limit"`
	IP10MinLimit     int   `json:"ip_10min_limit"`
	MinLeadSeconds   int64 `json:"min_lead_seconds"`
	DailyCreateLimit int   `json:"daily_create_limit"`
}

func (s Settings) Validate() error {
	if s.IPDailyLimit < 0 || s.IP10MinLimit < 0 || s.MinLeadSeconds < 0 || s.DailyCreateLimit < 0 {
		return Invalid("settings must be non-negative integers")
	}
	return nil
}

type SendOutcome string

const (
	OutcomeSuccess SendOutcome = "success"
	OutcomeFail    SendOutcome = "fail"
	OutcomeEvent   SendOutcome = "event"
)

const (
	EventAPISent   = "api_sent"
	EventAPIFailed = "api_failed"
)

// SendLog is one row of the append-only dispatch/event audit trail.
type SendLog struct {
	ID              string
	CapsuleID       string
	At              int64
	Outcome         SendOutcome
	Error           string
	ProviderEmailID string
	Event           string
}

type SubmitRequest struct {
	Email   string `json:"email"`
	Content string `json:"content"`
	SendAt  string `json:"send_at"`
	Sign    string `json:"sign"`
	Signer  string `json:"signer"`
	Contact string `json:"contact"`
}

// Normalize trims every field and folds the legacy "signer" alias into Sign.
func (r SubmitRequest) Normalize() SubmitRequest {
	out := SubmitRequest{
		Email:   strings.TrimSpace(r.Email),
		Content: strings.TrimSpace(r.Content),
		SendAt:  strings.TrimSpace(r.SendAt),
		Sign:    strings.TrimSpace(r.Sign),
		Contact: strings.TrimSpace(r.Contact),
	}
	if out.Sign == "" {
		out.Sign = strings.TrimSpace(r.Signer)
	}
	return out
}

type SubmitResponse struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id"`
	StatusURL string `json:"status_url"`
}

type CapsuleFilter struct {
	Status string
	Email  string
	ID     string
}

type DateCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

type EmailCount struct {
	Email string `json:"email"`
	Count int    `json:"count"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type Stats struct {
	SendDates []DateCount   `json:"sendDateStats"`
	IPs       []IPCount     `json:"ipStats"`
	Emails    []EmailCount  `json:"emailStats"`
	Statuses  []StatusCount `json:"statusStats"`
	Total     int           `json:"totalCount"`
}

package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"timecapsule/internal/clock"
	"timecapsule/internal/domain"
	"timecapsule/internal/store"
)

type AdminStore interface {
	ListCapsules(ctx context.Context, f domain.CapsuleFilter, limit int) ([]domain.Capsule, error)
	SoftDelete(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context, sinceYMD string) (domain.Stats, error)
}

type AdminCapsule struct {
	domain.Capsule
	SendAtCivil    string `json:"send_at_civil"`
	CreatedAtCivil string `json:"created_at_civil"`
}

type DateRange struct {
	Days  int    `json:"days"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type StatsReport struct {
	domain.Stats
	DateRange DateRange `json:"dateRange"`
}

const (
	DefaultStatsDays = 30
	MaxStatsDays     = 365
)

type AdminService struct {
	Store AdminStore
}

func (s *AdminService) List(ctx context.Context, f domain.CapsuleFilter) ([]AdminCapsule, error) {
	rows, err := s.Store.ListCapsules(ctx, f, store.AdminListLimit)
	if err != nil {
		return nil, err
	}
	out := make([]AdminCapsule, 0, len(rows))
	for _, c := range rows {
		out = append(out, AdminCapsule{
			Capsule:        c,
			SendAtCivil:    clock.CivilDateTime(c.SendAt),
			CreatedAtCivil: clock.CivilDateTime(c.CreatedAt),
		})
	}
	return out, nil
}

// Delete soft-deletes id. Unknown ids are not an error.
func (s *AdminService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return domain.ErrMissingID
	}
	_, err := s.Store.SoftDelete(ctx, id)
	return err
}

// ClampStatsDays maps the raw query value into 1..365, defaulting to 30.
func ClampStatsDays(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultStatsDays
	}
	return min(n, MaxStatsDays)
}

func (s *AdminService) Stats(ctx context.Context, days int, now time.Time) (StatsReport, error) {
	nowSec := now.Unix()
	start := clock.CivilDate(nowSec - int64(days)*86400)
	st, err := s.Store.Stats(ctx, start)
	if err != nil {
		return StatsReport{}, err
	}
	if st.SendDates == nil {
		st.SendDates = []domain.DateCount{}
	}
	if st.IPs == nil {
		st.IPs = []domain.IPCount{}
	}
	if st.Emails == nil {
		st.Emails = []domain.EmailCount{}
	}
	if st.Statuses == nil {
		st.Statuses = []domain.StatusCount{}
	}
	return StatsReport{
		Stats:     st,
		DateRange: DateRange{Days: days, Start: start, End: clock.CivilDate(nowSec)},
	}, nil
}

var csvHeader = []string{"ID", "Email", "Content", "Signer", "Contact", "IP", "SendAt", "CreatedAt", "Status", "Error"}

// WriteCSV writes rows with a UTF-8 BOM so spreadsheet tools pick the right
// encoding.
func WriteCSV(w io.Writer, rows []AdminCapsule) error {
	if _, err := io.WriteString(w, "\ufeff"); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.ID, r.Email, r.Content, r.Signer, r.Contact, r.IPAddr,
			r.SendAtCivil, r.CreatedAtCivil, string(r.Status), r.LastError,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteJSON(w io.Writer, rows []AdminCapsule) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

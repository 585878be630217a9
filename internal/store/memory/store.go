// Package memory is an in-process implementation of the capsule repository,
// used for local development without Postgres and as the backing store in tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"timecapsule/internal/domain"
	"timecapsule/internal/store"
)

type counter struct {
	count     int
	updatedAt int64
}

type claim struct {
	workerID  string
	expiresAt int64
}

type Store struct {
	mu       sync.RWMutex
	settings *domain.Settings
	capsules map[string]*domain.Capsule
	claims   map[string]claim
	daily    map[string]*counter // ip|ymd
	buckets  map[string]*counter // ip|bucket
	logs     []domain.SendLog
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		capsules: make(map[string]*domain.Capsule),
		claims:   make(map[string]claim),
		daily:    make(map[string]*counter),
		buckets:  make(map[string]*counter),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) GetSettings(ctx context.Context, defaults domain.Settings) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		d := defaults
		s.settings = &d
	}
	return *s.settings, nil
}

func (s *Store) UpdateSettings(ctx context.Context, in domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &in
	return nil
}

func (s *Store) IncrementIPCounters(ctx context.Context, ip, ymd, bucket string, now int64) (store.IPCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := bump(s.daily, ip+"|"+ymd, now)
	b := bump(s.buckets, ip+"|"+bucket, now)
	return store.IPCounts{Daily: d, Bucket: b}, nil
}

func bump(m map[string]*counter, key string, now int64) int {
	c, ok := m[key]
	if !ok {
		c = &counter{}
		m[key] = c
	}
	c.count++
	c.updatedAt = now
	return c.count
}

func (s *Store) PruneRateLimits(ctx context.Context, before int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range []map[string]*counter{s.daily, s.buckets} {
		for k, c := range m {
			if c.updatedAt < before {
				delete(m, k)
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) InsertCapsule(ctx context.Context, in store.CapsuleInsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capsules[in.ID] = &domain.Capsule{
		ID:           in.ID,
		Email:        in.Email,
		Content:      in.Content,
		Signer:       in.Signer,
		Contact:      in.Contact,
		IPAddr:       in.IPAddr,
		SendAt:       in.SendAt,
		SendAtYMD:    in.SendAtYMD,
		CreatedAt:    in.CreatedAt,
		CreatedOnYMD: in.CreatedOnYMD,
		Status:       domain.StatusPending,
	}
	return nil
}

func (s *Store) GetCapsuleView(ctx context.Context, id string) (domain.CapsuleView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capsules[id]
	if !ok || c.Status == domain.StatusDeleted {
		return domain.CapsuleView{}, domain.ErrNotFound
	}
	return domain.CapsuleView{
		ID:           c.ID,
		Status:       c.Status,
		SendAt:       c.SendAt,
		SentAt:       c.SentAt,
		DeliveredAt:  c.DeliveredAt,
		BouncedAt:    c.BouncedAt,
		BounceReason: c.BounceReason,
	}, nil
}

// Capsule returns a copy of the full row, including soft-deleted ones.
func (s *Store) Capsule(id string) (domain.Capsule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capsules[id]
	if !ok {
		return domain.Capsule{}, false
	}
	return *c, true
}

// SendLogs returns a snapshot of the audit trail in insertion order.
func (s *Store) SendLogs() []domain.SendLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SendLog(nil), s.logs...)
}

func (s *Store) ListCapsules(ctx context.Context, f domain.CapsuleFilter, limit int) ([]domain.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Capsule{}
	for _, c := range s.capsules {
		if c.Status == domain.StatusDeleted {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		if f.Email != "" && !containsFold(c.Email, f.Email) {
			continue
		}
		if f.ID != "" && !containsFold(c.ID, f.ID) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func (s *Store) SoftDelete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[id]
	if !ok {
		return false, nil
	}
	c.Status = domain.StatusDeleted
	delete(s.claims, id)
	return true, nil
}

func (s *Store) CountBySendDate(ctx context.Context, ymd string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.capsules {
		if c.SendAtYMD == ymd && c.Status != domain.StatusDeleted {
			n++
		}
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context, sinceYMD string) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dates := map[string]int{}
	ips := map[string]int{}
	emails := map[string]int{}
	statuses := map[string]int{}
	total := 0
	for _, c := range s.capsules {
		if c.Status == domain.StatusDeleted {
			continue
		}
		total++
		if c.SendAtYMD >= sinceYMD {
			dates[c.SendAtYMD]++
		}
		if c.IPAddr != "" {
			ips[c.IPAddr]++
		}
		emails[c.Email]++
		statuses[string(c.Status)]++
	}

	st := domain.Stats{Total: total}
	for _, kv := range sortedCounts(dates, false) {
		st.SendDates = append(st.SendDates, domain.DateCount{Date: kv.key, Count: kv.n})
	}
	for _, kv := range sortedCounts(ips, true) {
		st.IPs = append(st.IPs, domain.IPCount{IP: kv.key, Count: kv.n})
	}
	for _, kv := range sortedCounts(emails, true) {
		st.Emails = append(st.Emails, domain.EmailCount{Email: kv.key, Count: kv.n})
	}
	for _, kv := range sortedCounts(statuses, true) {
		st.Statuses = append(st.Statuses, domain.StatusCount{Status: kv.key, Count: kv.n})
	}
	if len(st.SendDates) > store.StatsDateLimit {
		st.SendDates = st.SendDates[:store.StatsDateLimit]
	}
	if len(st.IPs) > store.StatsTopNLimit {
		st.IPs = st.IPs[:store.StatsTopNLimit]
	}
	if len(st.Emails) > store.StatsTopNLimit {
		st.Emails = st.Emails[:store.StatsTopNLimit]
	}
	return st, nil
}

type keyCount struct {
	key string
	n   int
}

// sortedCounts orders by count desc when byCount is set, otherwise by key desc.
func sortedCounts(m map[string]int, byCount bool) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, n := range m {
		out = append(out, keyCount{k, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if byCount && out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		if byCount {
			return out[i].key < out[j].key
		}
		return out[i].key > out[j].key
	})
	return out
}

func (s *Store) ClaimDue(ctx context.Context, c store.Claim) ([]domain.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := []*domain.Capsule{}
	for _, cp := range s.capsules {
		if cp.Status != domain.StatusPending || cp.SendAt > c.Now {
			continue
		}
		if cl, ok := s.claims[cp.ID]; ok && cl.expiresAt >= c.Now {
			continue
		}
		due = append(due, cp)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].SendAt != due[j].SendAt {
			return due[i].SendAt < due[j].SendAt
		}
		return due[i].ID < due[j].ID
	})
	if c.Limit > 0 && len(due) > c.Limit {
		due = due[:c.Limit]
	}
	out := make([]domain.Capsule, 0, len(due))
	for _, cp := range due {
		s.claims[cp.ID] = claim{workerID: c.WorkerID, expiresAt: c.LeaseUntil}
		out = append(out, *cp)
	}
	return out, nil
}

func (s *Store) ReleaseClaim(ctx context.Context, capsuleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, capsuleID)
	return nil
}

func (s *Store) ApplyDispatchResult(ctx context.Context, in store.DispatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, in.CapsuleID)
	c, ok := s.capsules[in.CapsuleID]
	if !ok || c.Status != domain.StatusPending {
		return nil
	}
	if in.OK {
		at := in.At
		c.Status = domain.StatusSent
		c.SentAt = &at
		c.ProviderEmailID = in.ProviderEmailID
		c.LastError = ""
		return nil
	}
	c.Status = domain.StatusFailed
	c.LastError = in.Error
	return nil
}

func (s *Store) FindByProviderID(ctx context.Context, providerEmailID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.capsules {
		if providerEmailID != "" && c.ProviderEmailID == providerEmailID {
			return c.ID, nil
		}
	}
	return "", domain.ErrNotFound
}

func (s *Store) ApplyWebhookEvent(ctx context.Context, in store.WebhookUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[in.CapsuleID]
	if !ok || c.Status == domain.StatusDeleted {
		return nil
	}
	at := in.At
	switch in.Kind {
	case store.WebhookDelivered:
		c.Status = domain.StatusDelivered
		c.DeliveredAt = &at
		c.LastError = ""
	case store.WebhookBounced:
		c.Status = domain.StatusBounced
		c.BouncedAt = &at
		c.BounceReason = in.Reason
		c.LastError = in.Reason
	case store.WebhookFailed:
		c.Status = domain.StatusFailed
		c.LastError = in.Reason
	case store.WebhookSent:
		c.SentAt = &at
	}
	return nil
}

func (s *Store) InsertSendLog(ctx context.Context, in domain.SendLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, in)
	return nil
}

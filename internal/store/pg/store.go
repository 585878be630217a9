package pg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"timecapsule/internal/domain"
	"timecapsule/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

var _ store.Repository = (*Store)(nil)

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

// GetSettings returns the singleton row, creating it from defaults on first
// read. The no-op update makes RETURNING yield the row to every concurrent
// first reader, not just the one whose insert won.
func (s *Store) GetSettings(ctx context.Context, d domain.Settings) (domain.Settings, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO settings (id, ip_daily_limit, ip_10min_limit, min_lead_seconds, daily_create_limit)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET id = settings.id
		RETURNING ip_daily_limit, ip_10min_limit, min_lead_seconds, daily_create_limit
	`, d.IPDailyLimit, d.IP10MinLimit, d.MinLeadSeconds, d.DailyCreateLimit)
	var out domain.Settings
	if err := row.Scan(&out.IPDailyLimit, &out.IP10MinLimit, &out.MinLeadSeconds, &out.DailyCreateLimit); err != nil {
		return domain.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateSettings(ctx context.Context, in domain.Settings) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO settings (id, ip_daily_limit, ip_10min_limit, min_lead_seconds, daily_create_limit)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			ip_daily_limit = EXCLUDED.ip_daily_limit,
			ip_10min_limit = EXCLUDED.ip_10min_limit,
			min_lead_seconds = EXCLUDED.min_lead_seconds,
			daily_create_limit = EXCLUDED.daily_create_limit
	`, in.IPDailyLimit, in.IP10MinLimit, in.MinLeadSeconds, in.DailyCreateLimit)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// IncrementIPCounters bumps both windows in one transaction and returns the
// post-increment counts. Counts are never rolled back.
func (s *Store) IncrementIPCounters(ctx context.Context, ip, ymd, bucket string, now int64) (store.IPCounts, error) {
	var out store.IPCounts
	err := pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		b.Queue(`
			INSERT INTO rate_limit_daily (ip, ymd, count, updated_at) VALUES ($1, $2, 1, $3)
			ON CONFLICT (ip, ymd) DO UPDATE SET count = rate_limit_daily.count + 1, updated_at = EXCLUDED.updated_at
			RETURNING count
		`, ip, ymd, now).QueryRow(func(row pgx.Row) error { return row.Scan(&out.Daily) })
		b.Queue(`
			INSERT INTO rate_limit_bucket (ip, bucket, count, updated_at) VALUES ($1, $2, 1, $3)
			ON CONFLICT (ip, bucket) DO UPDATE SET count = rate_limit_bucket.count + 1, updated_at = EXCLUDED.updated_at
			RETURNING count
		`, ip, bucket, now).QueryRow(func(row pgx.Row) error { return row.Scan(&out.Bucket) })
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return store.IPCounts{}, fmt.Errorf("increment ip counters: %w", err)
	}
	return out, nil
}

func (s *Store) PruneRateLimits(ctx context.Context, before int64) (int64, error) {
	var total int64
	for _, table := range []string{"rate_limit_daily", "rate_limit_bucket"} {
		ct, err := s.DB.Exec(ctx, `DELETE FROM `+table+` WHERE updated_at < $1`, before)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		total += ct.RowsAffected()
	}
	return total, nil
}

func (s *Store) InsertCapsule(ctx context.Context, in store.CapsuleInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO capsules (id, email, content, signer, contact, ip_addr, send_at, send_at_ymd, created_at, created_on_ymd, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending')
	`, in.ID, in.Email, in.Content, nullIfEmpty(in.Signer), nullIfEmpty(in.Contact), in.IPAddr,
		in.SendAt, in.SendAtYMD, in.CreatedAt, in.CreatedOnYMD)
	if err != nil {
		return fmt.Errorf("insert capsule: %w", err)
	}
	return nil
}

func (s *Store) GetCapsuleView(ctx context.Context, id string) (domain.CapsuleView, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, status, send_at, sent_at, delivered_at, bounced_at, COALESCE(bounce_reason,'')
		FROM capsules WHERE id=$1 AND status <> 'deleted'
	`, id)
	var v domain.CapsuleView
	err := row.Scan(&v.ID, &v.Status, &v.SendAt, &v.SentAt, &v.DeliveredAt, &v.BouncedAt, &v.BounceReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CapsuleView{}, domain.ErrNotFound
		}
		return domain.CapsuleView{}, fmt.Errorf("get capsule: %w", err)
	}
	return v, nil
}

const capsuleColumns = `id, email, content, COALESCE(signer,''), COALESCE(contact,''), COALESCE(ip_addr,''),
	send_at, send_at_ymd, created_at, created_on_ymd, status,
	COALESCE(provider_email_id,''), sent_at, delivered_at, bounced_at,
	COALESCE(bounce_reason,''), COALESCE(last_error,'')`

func scanCapsule(row pgx.Row) (domain.Capsule, error) {
	var c domain.Capsule
	err := row.Scan(&c.ID, &c.Email, &c.Content, &c.Signer, &c.Contact, &c.IPAddr,
		&c.SendAt, &c.SendAtYMD, &c.CreatedAt, &c.CreatedOnYMD, &c.Status,
		&c.ProviderEmailID, &c.SentAt, &c.DeliveredAt, &c.BouncedAt,
		&c.BounceReason, &c.LastError)
	return c, err
}

func collectCapsules(rows pgx.Rows) ([]domain.Capsule, error) {
	defer rows.Close()
	out := []domain.Capsule{}
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListCapsules(ctx context.Context, f domain.CapsuleFilter, limit int) ([]domain.Capsule, error) {
	var (
		where = []string{"status <> 'deleted'"}
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.Email != "" {
		add("email ILIKE '%' || ? || '%'", f.Email)
	}
	if f.ID != "" {
		add("id ILIKE '%' || ? || '%'", f.ID)
	}
	args = append(args, limit)
	q := `SELECT ` + capsuleColumns + ` FROM capsules WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list capsules: %w", err)
	}
	out, err := collectCapsules(rows)
	if err != nil {
		return nil, fmt.Errorf("list capsules: %w", err)
	}
	return out, nil
}

func (s *Store) SoftDelete(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE capsules SET status='deleted', claimed_by=NULL, claim_expires_at=NULL WHERE id=$1
	`, id)
	if err != nil {
		return false, fmt.Errorf("soft delete: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CountBySendDate(ctx context.Context, ymd string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM capsules WHERE send_at_ymd=$1 AND status <> 'deleted'
	`, ymd).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by send date: %w", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context, sinceYMD string) (domain.Stats, error) {
	var st domain.Stats
	b := &pgx.Batch{}
	b.Queue(`
		SELECT send_at_ymd, COUNT(*) FROM capsules
		WHERE send_at_ymd >= $1 AND status <> 'deleted'
		GROUP BY send_at_ymd ORDER BY send_at_ymd DESC LIMIT $2
	`, sinceYMD, store.StatsDateLimit).Query(func(rows pgx.Rows) error {
		return eachCount(rows, func(k string, n int) { st.SendDates = append(st.SendDates, domain.DateCount{Date: k, Count: n}) })
	})
	b.Queue(`
		SELECT ip_addr, COUNT(*) AS c FROM capsules
		WHERE ip_addr IS NOT NULL AND ip_addr <> '' AND status <> 'deleted'
		GROUP BY ip_addr ORDER BY c DESC, ip_addr LIMIT $1
	`, store.StatsTopNLimit).Query(func(rows pgx.Rows) error {
		return eachCount(rows, func(k string, n int) { st.IPs = append(st.IPs, domain.IPCount{IP: k, Count: n}) })
	})
	b.Queue(`
		SELECT email, COUNT(*) AS c FROM capsules WHERE status <> 'deleted'
		GROUP BY email ORDER BY c DESC, email LIMIT $1
	`, store.StatsTopNLimit).Query(func(rows pgx.Rows) error {
		return eachCount(rows, func(k string, n int) { st.Emails = append(st.Emails, domain.EmailCount{Email: k, Count: n}) })
	})
	b.Queue(`
		SELECT status, COUNT(*) AS c FROM capsules WHERE status <> 'deleted' GROUP BY status ORDER BY c DESC, status
	`).Query(func(rows pgx.Rows) error {
		return eachCount(rows, func(k string, n int) { st.Statuses = append(st.Statuses, domain.StatusCount{Status: k, Count: n}) })
	})
	b.Queue(`SELECT COUNT(*) FROM capsules WHERE status <> 'deleted'`).QueryRow(func(row pgx.Row) error {
		return row.Scan(&st.Total)
	})
	if err := s.DB.SendBatch(ctx, b).Close(); err != nil {
		return domain.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func eachCount(rows pgx.Rows, fn func(key string, n int)) error {
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		fn(k, n)
	}
	return rows.Err()
}

// ClaimDue leases up to c.Limit due pending capsules to c.WorkerID. Rows whose
// lease has lapsed are reclaimable, so a crashed sweeper only delays delivery.
func (s *Store) ClaimDue(ctx context.Context, c store.Claim) ([]domain.Capsule, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE capsules SET claimed_by=$3, claim_expires_at=$4
		WHERE id IN (
			SELECT id FROM capsules
			WHERE status='pending' AND send_at <= $1
			  AND (claim_expires_at IS NULL OR claim_expires_at < $1)
			ORDER BY send_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+capsuleColumns, c.Now, c.Limit, c.WorkerID, c.LeaseUntil)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	out, err := collectCapsules(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	return out, nil
}

func (s *Store) ReleaseClaim(ctx context.Context, capsuleID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE capsules SET claimed_by=NULL, claim_expires_at=NULL WHERE id=$1`, capsuleID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// ApplyDispatchResult moves a pending capsule to sent or failed. Capsules
// deleted while the send was in flight stay deleted.
func (s *Store) ApplyDispatchResult(ctx context.Context, in store.DispatchResult) error {
	var err error
	if in.OK {
		_, err = s.DB.Exec(ctx, `
			UPDATE capsules
			SET status='sent', sent_at=$2, provider_email_id=$3, last_error=NULL,
			    claimed_by=NULL, claim_expires_at=NULL
			WHERE id=$1 AND status='pending'
		`, in.CapsuleID, in.At, nullIfEmpty(in.ProviderEmailID))
	} else {
		_, err = s.DB.Exec(ctx, `
			UPDATE capsules
			SET status='failed', last_error=$2, claimed_by=NULL, claim_expires_at=NULL
			WHERE id=$1 AND status='pending'
		`, in.CapsuleID, in.Error)
	}
	if err != nil {
		return fmt.Errorf("apply dispatch result: %w", err)
	}
	return nil
}

func (s *Store) FindByProviderID(ctx context.Context, providerEmailID string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `SELECT id FROM capsules WHERE provider_email_id=$1 LIMIT 1`, providerEmailID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("find by provider id: %w", err)
	}
	return id, nil
}

// ApplyWebhookEvent writes the transition for in.Kind without looking at the
// current status, except that deleted capsules are never touched.
func (s *Store) ApplyWebhookEvent(ctx context.Context, in store.WebhookUpdate) error {
	var (
		q    string
		args = []any{in.CapsuleID}
	)
	switch in.Kind {
	case store.WebhookDelivered:
		q = `UPDATE capsules SET status='delivered', delivered_at=$2, last_error=NULL WHERE id=$1 AND status <> 'deleted'`
		args = append(args, in.At)
	case store.WebhookBounced:
		q = `UPDATE capsules SET status='bounced', bounced_at=$2, bounce_reason=$3, last_error=$3 WHERE id=$1 AND status <> 'deleted'`
		args = append(args, in.At, in.Reason)
	case store.WebhookFailed:
		q = `UPDATE capsules SET status='failed', last_error=$2 WHERE id=$1 AND status <> 'deleted'`
		args = append(args, in.Reason)
	case store.WebhookSent:
		q = `UPDATE capsules SET sent_at=$2 WHERE id=$1 AND status <> 'deleted'`
		args = append(args, in.At)
	default:
		return nil
	}
	if _, err := s.DB.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("apply webhook event %s: %w", in.Kind, err)
	}
	return nil
}

func (s *Store) InsertSendLog(ctx context.Context, in domain.SendLog) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO sends_log (id, capsule_id, sent_at, status, error, provider_email_id, event)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.ID, in.CapsuleID, in.At, string(in.Outcome), nullIfEmpty(in.Error), nullIfEmpty(in.ProviderEmailID), nullIfEmpty(in.Event))
	if err != nil {
		return fmt.Errorf("insert send log: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/internal/clock"
	"timecapsule/internal/domain"
	"timecapsule/internal/ratelimit"
	"timecapsule/internal/settings"
	"timecapsule/internal/store"
	"timecapsule/internal/store/memory"
)

// 2025-01-01 12:03:00 UTC+8
var t0 = time.Unix(1735704180, 0)

func seqIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

type fixture struct {
	store    *memory.Store
	settings *settings.Service
	intake   *SubmissionService
}

func newFixture(t *testing.T, s domain.Settings) *fixture {
	t.Helper()
	st := memory.New()
	ss := settings.New(st, s)
	return &fixture{
		store:    st,
		settings: ss,
		intake: &SubmissionService{
			Store:    st,
			Settings: ss,
			Limiter:  ratelimit.New(st),
			NewID:    seqIDs("cap"),
		},
	}
}

func loose() domain.Settings {
	return domain.Settings{IPDailyLimit: 1000, IP10MinLimit: 1000, MinLeadSeconds: 3600, DailyCreateLimit: 1000}
}

func req(sendAt int64) domain.SubmitRequest {
	return domain.SubmitRequest{Email: "a@b.com", Content: "hi", SendAt: clock.FormValue(sendAt)}
}

func TestSubmitCreatesPendingCapsule(t *testing.T) {
	f := newFixture(t, loose())
	r := req(t0.Unix() + 2*3600)
	r.Signer = "  Ann "

	resp, err := f.intake.Submit(context.Background(), r, "1.2.3.4", t0)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "/status/"+resp.ID, resp.StatusURL)

	c, ok := f.store.Capsule(resp.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, c.Status)
	assert.Equal(t, "Ann", c.Signer)
	assert.Equal(t, "1.2.3.4", c.IPAddr)
	assert.Equal(t, clock.CivilDate(c.SendAt), c.SendAtYMD)
	assert.Equal(t, "2025-01-01", c.CreatedOnYMD)
}

func TestSubmitValidation(t *testing.T) {
	later := t0.Unix() + 2*3600
	long := make([]rune, domain.MaxContentChars+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name string
		mut  func(*domain.SubmitRequest)
		want error
	}{
		{"empty content", func(r *domain.SubmitRequest) { r.Content = "   " }, domain.ErrEmptyContent},
		{"too long", func(r *domain.SubmitRequest) { r.Content = string(long) }, domain.ErrContentTooLong},
		{"bad email", func(r *domain.SubmitRequest) { r.Email = "a@b" }, domain.ErrInvalidEmail},
		{"email with space", func(r *domain.SubmitRequest) { r.Email = "a b@c.com" }, domain.ErrInvalidEmail},
		{"bad time", func(r *domain.SubmitRequest) { r.SendAt = "tomorrow" }, domain.ErrInvalidTimeFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, loose())
			r := req(later)
			tc.mut(&r)
			_, err := f.intake.Submit(context.Background(), r, "1.2.3.4", t0)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 400, domain.HTTPStatus(err))
		})
	}
}

func TestLeadTimeBoundaryInclusive(t *testing.T) {
	s := loose()
	s.MinLeadSeconds = 3600
	f := newFixture(t, s)
	// FormValue drops seconds, so submit on a minute boundary
	now := time.Unix(1735704000, 0)

	_, err := f.intake.Submit(context.Background(), req(now.Unix()+3600-60), "1.2.3.4", now)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
	assert.Contains(t, err.Error(), "1 hour")

	_, err = f.intake.Submit(context.Background(), req(now.Unix()+3600), "1.2.3.4", now)
	assert.NoError(t, err)
}

func TestDailyCapAndDeleteFreesSlot(t *testing.T) {
	s := loose()
	s.DailyCreateLimit = 2
	f := newFixture(t, s)
	ctx := context.Background()
	target := t0.Unix() + 48*3600

	first, err := f.intake.Submit(ctx, req(target), "1.2.3.4", t0)
	require.NoError(t, err)
	_, err = f.intake.Submit(ctx, req(target), "1.2.3.4", t0)
	require.NoError(t, err)

	_, err = f.intake.Submit(ctx, req(target), "1.2.3.4", t0)
	require.Error(t, err)
	assert.Equal(t, 429, domain.HTTPStatus(err))
	assert.Equal(t, domain.KindQuotaExceeded, domain.KindOf(err))

	admin := &AdminService{Store: f.store}
	require.NoError(t, admin.Delete(ctx, first.ID))

	_, err = f.intake.Submit(ctx, req(target), "1.2.3.4", t0)
	assert.NoError(t, err)
}

func TestRateLimitConsumedByRejectedRequests(t *testing.T) {
	s := loose()
	s.IP10MinLimit = 2
	f := newFixture(t, s)
	ctx := context.Background()

	bad := req(t0.Unix() + 2*3600)
	bad.Content = ""
	for i := 0; i < 2; i++ {
		_, err := f.intake.Submit(ctx, bad, "9.9.9.9", t0)
		assert.ErrorIs(t, err, domain.ErrEmptyContent)
	}
	_, err := f.intake.Submit(ctx, req(t0.Unix()+2*3600), "9.9.9.9", t0)
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
}

func TestStatusView(t *testing.T) {
	f := newFixture(t, loose())
	ctx := context.Background()
	resp, err := f.intake.Submit(ctx, req(t0.Unix()+2*3600), "1.2.3.4", t0)
	require.NoError(t, err)

	svc := &StatusService{Store: f.store}
	st, err := svc.Get(ctx, resp.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, st.Status)
	assert.InDelta(t, 7200, st.CountdownSeconds, 60)
	assert.Equal(t, "Asia/Shanghai", st.TZ)
	assert.Equal(t, clock.CivilDateTime(st.SendAt), st.SendAtShanghai)
	assert.Equal(t, st.SendAtCivil, st.SendAtShanghai)
	assert.Nil(t, st.SentAt)
	assert.Nil(t, st.BounceReason)

	st, err = svc.Get(ctx, resp.ID, t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, st.CountdownSeconds)

	_, err = svc.Get(ctx, "nope", t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdminStatsAndExport(t *testing.T) {
	f := newFixture(t, loose())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.intake.Submit(ctx, req(t0.Unix()+2*3600), fmt.Sprintf("10.0.0.%d", i%2), t0)
		require.NoError(t, err)
	}

	admin := &AdminService{Store: f.store}
	rep, err := admin.Stats(ctx, 30, t0)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, "2024-12-02", rep.DateRange.Start)
	assert.Equal(t, "2025-01-01", rep.DateRange.End)
	require.NotEmpty(t, rep.IPs)
	assert.Equal(t, domain.IPCount{IP: "10.0.0.0", Count: 2}, rep.IPs[0])

	rows, err := admin.List(ctx, domain.CapsuleFilter{Status: "pending"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "2025-01-01 12:03:00", rows[0].CreatedAtCivil)

	var buf strings.Builder
	require.NoError(t, WriteCSV(&buf, rows))
	out := buf.String()
	assert.True(t, len(out) > 3 && out[:3] == "\xef\xbb\xbf", "missing BOM")
	assert.Contains(t, out, "ID,Email,Content,Signer,Contact,IP,SendAt,CreatedAt,Status,Error\n")
}

func TestClampStatsDays(t *testing.T) {
	assert.Equal(t, 30, ClampStatsDays(""))
	assert.Equal(t, 30, ClampStatsDays("0"))
	assert.Equal(t, 30, ClampStatsDays("abc"))
	assert.Equal(t, 7, ClampStatsDays("7"))
	assert.Equal(t, 365, ClampStatsDays("9999"))
}

func TestAdminDeleteRequiresID(t *testing.T) {
	admin := &AdminService{Store: memory.New()}
	assert.ErrorIs(t, admin.Delete(context.Background(), ""), domain.ErrMissingID)
}

// sweepTo marks a capsule sent with the given provider id, as the sweeper would.
func sweepTo(t *testing.T, st *memory.Store, id, providerID string, at int64) {
	t.Helper()
	require.NoError(t, st.ApplyDispatchResult(context.Background(), store.DispatchResult{
		CapsuleID: id, OK: true, ProviderEmailID: providerID, At: at,
	}))
}

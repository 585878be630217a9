package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/internal/domain"
	"timecapsule/internal/store"
)

func seed(t *testing.T, s *Store, id string, sendAt int64, ymd string) {
	t.Helper()
	require.NoError(t, s.InsertCapsule(context.Background(), store.CapsuleInsert{
		ID: id, Email: id + "@example.com", Content: "hi", IPAddr: "1.1.1.1",
		SendAt: sendAt, SendAtYMD: ymd, CreatedAt: sendAt - 100, CreatedOnYMD: ymd,
	}))
}

func TestSettingsCreatedOnceWithDefaults(t *testing.T) {
	ctx := context.Background()
	s := New()
	defaults := domain.Settings{IPDailyLimit: 20, IP10MinLimit: 5, MinLeadSeconds: 3600, DailyCreateLimit: 80}

	got, err := s.GetSettings(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, got)

	require.NoError(t, s.UpdateSettings(ctx, domain.Settings{IPDailyLimit: 1}))
	got, err = s.GetSettings(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, 1, got.IPDailyLimit)
}

func TestClaimDueHonoursLease(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", 100, "d")
	seed(t, s, "b", 200, "d")
	seed(t, s, "future", 1000, "d")

	got, err := s.ClaimDue(ctx, store.Claim{Now: 500, Limit: 10, WorkerID: "w1", LeaseUntil: 600})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)

	again, err := s.ClaimDue(ctx, store.Claim{Now: 550, Limit: 10, WorkerID: "w2", LeaseUntil: 650})
	require.NoError(t, err)
	assert.Empty(t, again)

	expired, err := s.ClaimDue(ctx, store.Claim{Now: 601, Limit: 1, WorkerID: "w2", LeaseUntil: 700})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "a", expired[0].ID)
}

func TestDispatchResultDoesNotResurrectDeleted(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", 100, "d")

	ok, err := s.SoftDelete(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ApplyDispatchResult(ctx, store.DispatchResult{CapsuleID: "a", OK: true, ProviderEmailID: "p", At: 1}))
	c, _ := s.Capsule("a")
	assert.Equal(t, domain.StatusDeleted, c.Status)

	_, err = s.GetCapsuleView(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateCountersAndPrune(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 1; i <= 3; i++ {
		got, err := s.IncrementIPCounters(ctx, "9.9.9.9", "2024-01-01", "202401011000", int64(i))
		require.NoError(t, err)
		assert.Equal(t, store.IPCounts{Daily: i, Bucket: i}, got)
	}
	n, err := s.PruneRateLimits(ctx, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestListAndStatsExcludeDeleted(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "aaa", 100, "2024-01-02")
	seed(t, s, "bbb", 300, "2024-01-03")
	seed(t, s, "ccc", 200, "2024-01-03")
	_, _ = s.SoftDelete(ctx, "ccc")

	list, err := s.ListCapsules(ctx, domain.CapsuleFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bbb", list[0].ID)

	list, err = s.ListCapsules(ctx, domain.CapsuleFilter{Email: "AAA@"}, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	st, err := s.Stats(ctx, "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, []domain.DateCount{{Date: "2024-01-03", Count: 1}, {Date: "2024-01-02", Count: 1}}, st.SendDates)
	assert.Equal(t, []domain.IPCount{{IP: "1.1.1.1", Count: 2}}, st.IPs)

	n, err := s.CountBySendDate(ctx, "2024-01-03")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

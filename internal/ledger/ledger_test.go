package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Dv04/DAU-MAU-counter/internal/domain"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	client, err := NewClient(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewLedger(client, zap.NewNop())
}

func userKey(b byte) domain.UserKey {
	var k domain.UserKey
	k[0] = b
	return k
}

func userRoot(b byte) domain.UserRoot {
	var r domain.UserRoot
	r[0] = b
	return r
}

func TestLedger_RecordActivity_RoundTripsThroughFetchDayEvents(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, l.RecordActivity(ctx, tx, domain.ActivityRow{
		Day: "2026-01-01", UserKey: userKey(1), UserRoot: userRoot(1), Op: domain.OpAdd, Metadata: "{}",
	}))
	require.NoError(t, tx.Commit())

	rows, err := l.FetchDayEvents(ctx, "2026-01-01")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.OpAdd, rows[0].Op)
	assert.Equal(t, userKey(1), rows[0].UserKey)
}

func TestLedger_RecordActivity_DuplicateAddsBothPersist(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.BeginTx(ctx)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, l.RecordActivity(ctx, tx, domain.ActivityRow{
			Day: "2026-01-01", UserKey: userKey(1), UserRoot: userRoot(1), Op: domain.OpAdd,
		}))
	}
	require.NoError(t, tx.Commit())

	rows, err := l.FetchDayEvents(ctx, "2026-01-01")
	require.NoError(t, err)
	assert.Len(t, rows, 2, "activity_log is append-only: duplicate adds both persist")
}

func TestLedger_DaysForUser_ReturnsDistinctAscendingDays(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.BeginTx(ctx)
	require.NoError(t, err)
	root := userRoot(7)
	for _, day := range []string{"2026-01-03", "2026-01-01", "2026-01-01", "2026-01-02"} {
		require.NoError(t, l.RecordActivity(ctx, tx, domain.ActivityRow{
			Day: day, UserKey: userKey(7), UserRoot: root, Op: domain.OpAdd,
		}))
	}
	require.NoError(t, tx.Commit())

	days, err := l.DaysForUser(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-01", "2026-01-02", "2026-01-03"}, days)
}

func TestLedger_ErasureLifecycle_PendingThenDone(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	root := userRoot(3)

	tx, err := l.BeginTx(ctx)
	require.NoError(t, err)
	id, err := l.RecordErasure(ctx, tx, root, []string{"2026-01-01", "2026-01-02"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	pending, err := l.PendingErasures(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ErasurePending, pending[0].Status)
	assert.Equal(t, []string{"2026-01-01", "2026-01-02"}, pending[0].Days)

	tx2, err := l.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, l.MarkErasureDone(ctx, tx2, id))
	require.NoError(t, tx2.Commit())

	pending, err = l.PendingErasures(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "a completed erasure must not reappear as pending")
}

func TestLedger_SketchBlob_RoundTripsAndUpserts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, l.PutSketchBlob(ctx, tx, "2026-01-01", "kmv", []byte("v1")))
	require.NoError(t, tx.Commit())

	blob, ok, err := l.GetSketchBlob(ctx, "2026-01-01", "kmv")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), blob)

	tx2, err := l.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, l.PutSketchBlob(ctx, tx2, "2026-01-01", "kmv", []byte("v2")))
	require.NoError(t, tx2.Commit())

	blob, ok, err = l.GetSketchBlob(ctx, "2026-01-01", "kmv")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), blob)
}

func TestLedger_SaltEpoch_LatestReturnsMostRecent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.BeginTx(ctx)
	require.NoError(t, err)
	_, err = l.RecordSaltEpoch(ctx, tx, domain.SaltEpoch{Secret: []byte("s1"), EffectiveDate: "2026-01-01", RotationDays: 30})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := l.BeginTx(ctx)
	require.NoError(t, err)
	_, err = l.RecordSaltEpoch(ctx, tx2, domain.SaltEpoch{Secret: []byte("s2"), EffectiveDate: "2026-02-01", RotationDays: 30})
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	latest, err := l.LatestSaltEpoch(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2026-02-01", latest.EffectiveDate)
}

func TestLedger_LatestSaltEpoch_NilWhenEmpty(t *testing.T) {
	l := newTestLedger(t)
	latest, err := l.LatestSaltEpoch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

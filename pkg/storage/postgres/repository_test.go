package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/batchsum/engine/pkg/partial"
)

// setupTestContainer spins up an ephemeral Postgres instance.
func setupTestContainer(t *testing.T, ctx context.Context) (*DB, func()) {
	t.Helper()

	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("batchsum_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(ctx, Config{DSN: connStr, MigrationsPath: "file://migrations"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	cleanup := func() {
		db.Close()
		_ = container.Terminate(ctx)
	}
	return db, cleanup
}

func sampleResult(id, owner, batchID string) *partial.Result {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &partial.Result{
		ID:            id,
		BatchID:       batchID,
		Owner:         owner,
		Completed:     []partial.CompletedSegment{{Index: 0, Title: "intro", Content: "hello world", Summary: "S0"}},
		Total:         4,
		CompletionPct: 25,
		Summary:       "S0",
		Quality: partial.QualityEvaluation{
			Completeness:      0.25,
			Coherence:         1,
			OverallQuality:    partial.QualityPoor,
			RecommendedAction: partial.ActionConsiderContinue,
		},
		CancelledAt: now,
		Status:      partial.StatusPendingUserDecision,
		TextSample:  "hello world",
		CreatedAt:   now,
	}
}

func TestPartialResultRepository_SaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestContainer(t, ctx)
	defer cleanup()

	repo := NewPartialResultRepository(db)
	want := sampleResult("pr-1", "alice", "batch-1")

	require.NoError(t, repo.Save(ctx, want))

	got, err := repo.Get(ctx, "pr-1")
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Owner, got.Owner)
	require.Equal(t, want.Completed, got.Completed)
	require.Equal(t, want.Quality.OverallQuality, got.Quality.OverallQuality)
	require.Equal(t, want.Status, got.Status)
}

func TestPartialResultRepository_UpdateStatusRequiresMatchingOwner(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestContainer(t, ctx)
	defer cleanup()

	repo := NewPartialResultRepository(db)
	require.NoError(t, repo.Save(ctx, sampleResult("pr-2", "alice", "batch-2")))

	err := repo.UpdateStatus(ctx, "pr-2", "mallory", partial.StatusAccepted, "not mine")
	require.Error(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, "pr-2", "alice", partial.StatusAccepted, "looks good"))
	got, err := repo.Get(ctx, "pr-2")
	require.NoError(t, err)
	require.Equal(t, partial.StatusAccepted, got.Status)
	require.NotNil(t, got.AcceptedAt)
}

func TestPartialResultRepository_ListByOwnerPagination(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestContainer(t, ctx)
	defer cleanup()

	repo := NewPartialResultRepository(db)
	for i := 0; i < 3; i++ {
		r := sampleResult(time.Now().Format("pr-20060102150405.000000000")+string(rune('a'+i)), "bob", "batch-3")
		require.NoError(t, repo.Save(ctx, r))
	}

	page, err := repo.ListByOwner(ctx, "bob", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func TestPartialResultRepository_ListByStatusOlderThan(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestContainer(t, ctx)
	defer cleanup()

	repo := NewPartialResultRepository(db)
	r := sampleResult("pr-old", "carol", "batch-4")
	r.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.Save(ctx, r))

	expired, err := repo.ListByStatusOlderThan(ctx, partial.StatusPendingUserDecision, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "pr-old", expired[0].ID)

	stale, err := repo.HasStaleProcessing(ctx, "batch-4", time.Now())
	require.NoError(t, err)
	require.False(t, stale)
}

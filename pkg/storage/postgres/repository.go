package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/batchsum/engine/pkg/apperrors"
	"github.com/batchsum/engine/pkg/partial"
)

// PartialResultRepository implements partial.Repository and
// recovery.PartialStaleChecker against the partial_results table.
type PartialResultRepository struct {
	db *DB
}

// NewPartialResultRepository builds a repository bound to db.
func NewPartialResultRepository(db *DB) *PartialResultRepository {
	return &PartialResultRepository{db: db}
}

var _ partial.Repository = (*PartialResultRepository)(nil)

// Save inserts a new partial result row.
func (r *PartialResultRepository) Save(ctx context.Context, res *partial.Result) error {
	completedJSON, err := json.Marshal(res.Completed)
	if err != nil {
		return apperrors.New(apperrors.KindStorage, apperrors.SeverityError, "failed to encode completed segments", err).WithBatch(res.BatchID)
	}
	qualityJSON, err := json.Marshal(res.Quality)
	if err != nil {
		return apperrors.New(apperrors.KindStorage, apperrors.SeverityError, "failed to encode quality evaluation", err).WithBatch(res.BatchID)
	}

	const query = `
		INSERT INTO partial_results (
			id, batch_id, owner_tag, total_segments, completion_pct, summary,
			completed_segments, quality, text_sample, status, user_comment,
			cancelled_at, accepted_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.db.pool.Exec(ctx, query,
		res.ID, res.BatchID, res.Owner, res.Total, res.CompletionPct, res.Summary,
		completedJSON, qualityJSON, res.TextSample, string(res.Status), res.UserComment,
		res.CancelledAt, res.AcceptedAt, res.CreatedAt,
	)
	if err != nil {
		return apperrors.New(apperrors.KindStorage, apperrors.SeverityError, "failed to save partial result", err).WithBatch(res.BatchID).WithOwner(res.Owner)
	}
	return nil
}

// Get fetches one partial result by id.
func (r *PartialResultRepository) Get(ctx context.Context, id string) (*partial.Result, error) {
	const query = `
		SELECT id, batch_id, owner_tag, total_segments, completion_pct, summary,
			completed_segments, quality, text_sample, status, user_comment,
			cancelled_at, accepted_at, created_at
		FROM partial_results WHERE id = $1`

	row := r.db.pool.QueryRow(ctx, query, id)
	res, err := scanResult(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.New(apperrors.KindStorage, apperrors.SeverityWarning, fmt.Sprintf("partial result %q not found", id), nil)
		}
		return nil, apperrors.New(apperrors.KindStorage, apperrors.SeverityError, "failed to fetch partial result", err)
	}
	return res, nil
}

// UpdateStatus transitions a result's status; owner must match the
// stored owner_tag or the call fails with an authorization error.
func (r *PartialResultRepository) UpdateStatus(ctx context.Context, id, owner string, status partial.Status, comment string) error {
	const query = `
		UPDATE partial_results
		SET status = $3, user_comment = $4,
			accepted_at = CASE WHEN $3 = 'Accepted' THEN now() ELSE accepted_at END
		WHERE id = $1 AND owner_tag = $2`

	tag, err := r.db.pool.Exec(ctx, query, id, owner, string(status), comment)
	if err != nil {
		return apperrors.New(apperrors.KindStorage, apperrors.SeverityError, "failed to update partial result status", err).WithOwner(owner)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.KindAuthorization, apperrors.SeverityWarning, fmt.Sprintf("partial result %q not found for owner %q", id, owner), nil).WithOwner(owner)
	}
	return nil
}

// ListByOwner returns owner's results, most recent first, paginated.
func (r *PartialResultRepository) ListByOwner(ctx context.Context, owner string, page, size int) ([]*partial.Result, error) {
	if size <= 0 {
		size = 20
	}
	if page < 0 {
		page = 0
	}

	const query = `
		SELECT id, batch_id, owner_tag, total_segments, completion_pct, summary,
			completed_segments, quality, text_sample, status, user_comment,
			cancelled_at, accepted_at, created_at
		FROM partial_results WHERE owner_tag = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.pool.Query(ctx, query, owner, size, page*size)
	if err != nil {
		return nil, apperrors.New(apperrors.KindStorage, apperrors.SeverityError, "failed to list partial results", err).WithOwner(owner)
	}
	defer rows.Close()
	return scanAll(rows)
}

// ListByStatusOlderThan finds results in status older than cutoff,
// used by partial.Handler.CleanupExpired.
func (r *PartialResultRepository) ListByStatusOlderThan(ctx context.Context, status partial.Status, cutoff time.Time) ([]*partial.Result, error) {
	const query = `
		SELECT id, batch_id, owner_tag, total_segments, completion_pct, summary,
			completed_segments, quality, text_sample, status, user_comment,
			cancelled_at, accepted_at, created_at
		FROM partial_results WHERE status = $1 AND created_at < $2`

	rows, err := r.db.pool.Query(ctx, query, string(status), cutoff)
	if err != nil {
		return nil, apperrors.New(apperrors.KindStorage, apperrors.SeverityError, "failed to list expired partial results", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// HasStaleProcessing implements recovery.PartialStaleChecker: true iff
// batchID has a Processing-status partial result older than cutoff.
func (r *PartialResultRepository) HasStaleProcessing(ctx context.Context, batchID string, cutoff time.Time) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM partial_results
			WHERE batch_id = $1 AND status = 'Processing' AND created_at < $2
		)`
	var exists bool
	if err := r.db.pool.QueryRow(ctx, query, batchID, cutoff).Scan(&exists); err != nil {
		return false, apperrors.New(apperrors.KindStorage, apperrors.SeverityError, "failed to check stale partial results", err).WithBatch(batchID)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row rowScanner) (*partial.Result, error) {
	var (
		res           partial.Result
		status        string
		completedJSON []byte
		qualityJSON   []byte
	)
	err := row.Scan(
		&res.ID, &res.BatchID, &res.Owner, &res.Total, &res.CompletionPct, &res.Summary,
		&completedJSON, &qualityJSON, &res.TextSample, &status, &res.UserComment,
		&res.CancelledAt, &res.AcceptedAt, &res.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	res.Status = partial.Status(status)
	if err := json.Unmarshal(completedJSON, &res.Completed); err != nil {
		return nil, fmt.Errorf("postgres: decode completed segments: %w", err)
	}
	if err := json.Unmarshal(qualityJSON, &res.Quality); err != nil {
		return nil, fmt.Errorf("postgres: decode quality evaluation: %w", err)
	}
	return &res, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanAll(rows pgxRows) ([]*partial.Result, error) {
	var out []*partial.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan partial result row: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate partial result rows: %w", err)
	}
	return out, nil
}

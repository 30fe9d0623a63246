// Package persistence is the judging pipeline's only path to the
// submission table: fetch, status transition, and final verdict write,
// plus a background connection heartbeat.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/model"
	judgeerr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// SubmissionRow is the external store's view of one submission.
type SubmissionRow struct {
	ID       int64
	Status   string
	Score    int64
	TimeMs   int64
	MemoryKB int64
	Result   json.RawMessage
}

// SubmissionRepository is the Persistence Adapter: idempotent
// status/score updates and a row-existence check, against the
// PostgreSQL-backed `submission` table.
type SubmissionRepository struct {
	database db.Database
}

// NewSubmissionRepository binds a repository to an already-connected
// Database (see internal/common/db.NewPostgreSQL).
func NewSubmissionRepository(database db.Database) *SubmissionRepository {
	return &SubmissionRepository{database: database}
}

// FetchSubmission returns the row for id, or (false, nil) if it does not
// exist — the caller treats a missing row as "submission was withdrawn".
func (r *SubmissionRepository) FetchSubmission(ctx context.Context, id int64) (SubmissionRow, bool, error) {
	const query = `SELECT id, status, score, time, memory, result FROM submission WHERE id = $1`
	row := r.database.QueryRow(ctx, query, id)

	var rec SubmissionRow
	if err := row.Scan(&rec.ID, &rec.Status, &rec.Score, &rec.TimeMs, &rec.MemoryKB, &rec.Result); err != nil {
		if db.IsNoRows(err) {
			return SubmissionRow{}, false, nil
		}
		return SubmissionRow{}, false, judgeerr.Wrapf(err, judgeerr.DatabaseError, "fetch submission %d", id)
	}
	return rec, true, nil
}

// SetStatus transitions a submission's status without touching score/time/
// memory/result — used for the Pending->Judging move before scoring.
func (r *SubmissionRepository) SetStatus(ctx context.Context, id int64, status string) error {
	const query = `UPDATE submission SET status = $1 WHERE id = $2`
	res, err := r.database.Exec(ctx, query, status, id)
	if err != nil {
		return judgeerr.Wrapf(err, judgeerr.DatabaseError, "set status for submission %d", id)
	}
	return checkAffected(res, id)
}

// SetVerdict writes the final status/score/time/memory/result in one row
// update. Idempotent: re-applying the same verdict to the same row is a
// no-op write, not an error.
func (r *SubmissionRepository) SetVerdict(ctx context.Context, id int64, judge *model.JudgeResult) error {
	resultJSON, err := json.Marshal(judge.Result)
	if err != nil {
		return judgeerr.Wrapf(err, judgeerr.DatabaseError, "marshal result for submission %d", id)
	}
	const query = `UPDATE submission SET status = $1, score = $2, time = $3, memory = $4, result = $5 WHERE id = $6`
	res, err := r.database.Exec(ctx, query, judge.Status, judge.Score, judge.TimeMs, judge.MemoryKB, resultJSON, id)
	if err != nil {
		return judgeerr.Wrapf(err, judgeerr.DatabaseError, "set verdict for submission %d", id)
	}
	return checkAffected(res, id)
}

func checkAffected(res db.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil // driver doesn't support RowsAffected; treat as success
	}
	if affected == 0 {
		return judgeerr.Newf(judgeerr.SubmissionNotFound, "submission %d", id)
	}
	return nil
}

// RunHeartbeat pings the database on a fixed interval. On failure it logs
// and invokes onFailure so the caller can exit the process for the
// supervisor to reconnect. Blocks until ctx is cancelled.
func (r *SubmissionRepository) RunHeartbeat(ctx context.Context, interval time.Duration, onFailure func()) {
	if interval <= 0 {
		interval = 240 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.database.Ping(ctx); err != nil {
				logger.Error(ctx, "database heartbeat failed", zap.Error(err))
				onFailure()
				return
			}
		}
	}
}

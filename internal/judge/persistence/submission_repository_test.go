package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/model"
)

// fakeRow implements db.Row by scanning fixed column values in order.
type fakeRow struct {
	values []interface{}
	err    error
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *int64:
			*v = r.values[i].(int64)
		case *string:
			*v = r.values[i].(string)
		case *json.RawMessage:
			*v = r.values[i].(json.RawMessage)
		}
	}
	return nil
}

type fakeResult struct{ affected int64 }

func (f fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (f fakeResult) RowsAffected() (int64, error) { return f.affected, nil }

// fakeDatabase implements db.Database, recording the last Exec query/args
// and serving one canned QueryRow response.
type fakeDatabase struct {
	row        *fakeRow
	execErr    error
	execResult fakeResult
	lastQuery  string
	lastArgs   []interface{}
	pingFails  bool
}

func (f *fakeDatabase) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, nil
}

func (f *fakeDatabase) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return f.row
}

func (f *fakeDatabase) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	f.lastQuery = query
	f.lastArgs = args
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execResult, nil
}

func (f *fakeDatabase) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return fn(nil)
}
func (f *fakeDatabase) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	return nil, nil
}
func (f *fakeDatabase) Prepare(ctx context.Context, query string) (db.Stmt, error) { return nil, nil }
func (f *fakeDatabase) Ping(ctx context.Context) error {
	if f.pingFails {
		return sql.ErrConnDone
	}
	return nil
}
func (f *fakeDatabase) Close() error                                             { return nil }
func (f *fakeDatabase) Stats() db.Stats                                          { return db.Stats{} }
func (f *fakeDatabase) GetDB() interface{}                                       { return nil }

func TestFetchSubmissionFound(t *testing.T) {
	fake := &fakeDatabase{row: &fakeRow{values: []interface{}{
		int64(42), "Pending", int64(0), int64(0), int64(0), json.RawMessage("null"),
	}}}
	repo := NewSubmissionRepository(fake)

	row, found, err := repo.FetchSubmission(context.Background(), 42)
	if err != nil {
		t.Fatalf("FetchSubmission: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}
	if row.Status != "Pending" {
		t.Fatalf("unexpected status: %q", row.Status)
	}
}

func TestFetchSubmissionNotFound(t *testing.T) {
	fake := &fakeDatabase{row: &fakeRow{err: sql.ErrNoRows}}
	repo := NewSubmissionRepository(fake)

	_, found, err := repo.FetchSubmission(context.Background(), 42)
	if err != nil {
		t.Fatalf("FetchSubmission: %v", err)
	}
	if found {
		t.Fatal("expected found=false")
	}
}

func TestSetVerdictMarshalsRunResults(t *testing.T) {
	fake := &fakeDatabase{execResult: fakeResult{affected: 1}}
	repo := NewSubmissionRepository(fake)

	judge := &model.JudgeResult{
		Result: []model.RunResult{{Status: "Accepted", TestIndex: 1, Score: 100}},
		Status: model.StatusCompleted,
		Score:  100,
		TimeMs: 120,
	}
	if err := repo.SetVerdict(context.Background(), 7, judge); err != nil {
		t.Fatalf("SetVerdict: %v", err)
	}
	if fake.lastArgs[0] != model.StatusCompleted {
		t.Fatalf("unexpected status arg: %v", fake.lastArgs[0])
	}
	var results []model.RunResult
	if err := json.Unmarshal(fake.lastArgs[4].([]byte), &results); err != nil {
		t.Fatalf("result arg is not JSON run results: %v", err)
	}
	if len(results) != 1 || results[0].Status != "Accepted" || results[0].Score != 100 {
		t.Fatalf("unexpected marshaled results: %+v", results)
	}
}

func TestSetStatusRowMissing(t *testing.T) {
	fake := &fakeDatabase{execResult: fakeResult{affected: 0}}
	repo := NewSubmissionRepository(fake)

	err := repo.SetStatus(context.Background(), 7, model.StatusJudging)
	if err == nil {
		t.Fatal("expected error for zero rows affected")
	}
}

func TestRunHeartbeatInvokesOnFailure(t *testing.T) {
	fake := &fakeDatabase{pingFails: true}
	repo := NewSubmissionRepository(fake)

	called := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	repo.RunHeartbeat(ctx, 5*time.Millisecond, func() { close(called) })

	select {
	case <-called:
	default:
		t.Fatal("expected onFailure to have been invoked before RunHeartbeat returned")
	}
}

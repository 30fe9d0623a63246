package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"fuzoj/internal/common/db"
	"fuzoj/internal/common/mq"
	"fuzoj/internal/judge/model"
	"fuzoj/internal/judge/persistence"
	"fuzoj/internal/judge/sandbox"
)

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

type fakeDatabase struct {
	row         *fakeRow
	execErr     error
	execResult  fakeResult
	execQueries []string
}

func (f *fakeDatabase) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, nil
}
func (f *fakeDatabase) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return f.row
}
func (f *fakeDatabase) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	f.execQueries = append(f.execQueries, query)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execResult, nil
}
func (f *fakeDatabase) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return nil
}
func (f *fakeDatabase) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	return nil, nil
}
func (f *fakeDatabase) Prepare(ctx context.Context, query string) (db.Stmt, error) { return nil, nil }
func (f *fakeDatabase) Ping(ctx context.Context) error                            { return nil }
func (f *fakeDatabase) Close() error                                              { return nil }
func (f *fakeDatabase) Stats() db.Stats                                           { return db.Stats{} }
func (f *fakeDatabase) GetDB() interface{}                                        { return nil }

func foundRow(id int64, status string) *fakeRow {
	return &fakeRow{values: []interface{}{id, status, int64(0), int64(0), int64(0), json.RawMessage("null")}}
}

func newOrchestrator(t *testing.T, database *fakeDatabase) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	cfg := &model.AppConfig{
		Languages: map[string]model.LanguageProfile{
			"cpp": {Ext: "cpp", CompileTemplate: "g++ {source_file} -o {output}", RunTemplate: "{source}"},
		},
	}
	return &Orchestrator{
		BoxID:      1,
		Config:     cfg,
		Driver:     sandbox.NewDriver(root, filepath.Join(root, "checker")),
		Repository: persistence.NewSubmissionRepository(database),
	}
}

func TestHandleDeliveryMalformedPayloadAcksAndDrops(t *testing.T) {
	database := &fakeDatabase{}
	o := newOrchestrator(t, database)

	err := o.HandleDelivery(context.Background(), &mq.Message{Body: []byte("not json")})
	if err != nil {
		t.Fatalf("expected nil error (ack regardless), got %v", err)
	}
	if len(database.execQueries) != 0 {
		t.Fatalf("expected no row updates for a malformed payload, got %v", database.execQueries)
	}
}

func TestHandleDeliveryInvalidPayloadAcksAndDrops(t *testing.T) {
	database := &fakeDatabase{}
	o := newOrchestrator(t, database)

	body, _ := json.Marshal(model.SubmissionMessage{TaskID: "", SubmissionID: 1, Language: "cpp"})
	err := o.HandleDelivery(context.Background(), &mq.Message{Body: body})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(database.execQueries) != 0 {
		t.Fatalf("expected no row updates for an invalid payload, got %v", database.execQueries)
	}
}

func TestHandleDeliverySubmissionNotFoundAcksAndDrops(t *testing.T) {
	database := &fakeDatabase{row: &fakeRow{err: sql.ErrNoRows}}
	o := newOrchestrator(t, database)

	body, _ := json.Marshal(model.SubmissionMessage{TaskID: "task1", SubmissionID: 42, Language: "cpp"})
	err := o.HandleDelivery(context.Background(), &mq.Message{Body: body})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(database.execQueries) != 0 {
		t.Fatalf("expected no row updates when the row is missing, got %v", database.execQueries)
	}
}

func TestHandleDeliveryTestcasesErrorWritesVerdictWithoutSandbox(t *testing.T) {
	database := &fakeDatabase{row: foundRow(7, model.StatusPending), execResult: fakeResult{affected: 1}}
	o := newOrchestrator(t, database)

	taskDir := filepath.Join(o.Driver.TasksRoot, "task1")
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := model.TaskManifest{FullScore: 100, NumTestcases: 2, TimeLimitSec: 1, Checker: "wcmp"}
	data, _ := json.Marshal(manifest)
	if err := os.WriteFile(filepath.Join(taskDir, "manifest.json"), data, 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	// No testcase files written: preflight must fail before the sandbox is touched.

	body, _ := json.Marshal(model.SubmissionMessage{TaskID: "task1", SubmissionID: 7, Language: "cpp"})
	if err := o.HandleDelivery(context.Background(), &mq.Message{Body: body}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if len(database.execQueries) != 2 {
		t.Fatalf("expected status->Judging then verdict write, got %d execs: %v", len(database.execQueries), database.execQueries)
	}
}

func TestHandleDeliveryUnsupportedLanguageWritesJudgeError(t *testing.T) {
	database := &fakeDatabase{row: foundRow(9, model.StatusPending), execResult: fakeResult{affected: 1}}
	o := newOrchestrator(t, database)

	body, _ := json.Marshal(model.SubmissionMessage{TaskID: "task1", SubmissionID: 9, Language: "cobol"})
	if err := o.HandleDelivery(context.Background(), &mq.Message{Body: body}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(database.execQueries) != 2 {
		t.Fatalf("expected status->Judging then a Judge Error verdict write, got %d: %v", len(database.execQueries), database.execQueries)
	}
}

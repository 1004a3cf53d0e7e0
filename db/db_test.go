package db

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "nested", "predictions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpen_MigratesAndEnablesWAL(t *testing.T) {
	d := openTestDB(t)
	if err := d.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	conn, err := NewSQLiteConnection(DefaultConnectionConfig(d.Path()))
	if err != nil {
		t.Fatal(err)
	}
	version, dirty, err := MigrationVersion(conn)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("version = %d dirty = %v, want 1 clean", version, dirty)
	}

	// Reopening applies nothing new.
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	again, err := Open(d.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}

func TestMigrateDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "down.db")
	if err := MigrateUpFromPath(path); err != nil {
		t.Fatal(err)
	}
	conn, err := NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	if err := MigrateDown(conn, -1); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}

	conn, err = NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'predictions'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("predictions table survived MigrateDown")
	}
}

func TestClosedDatabase(t *testing.T) {
	d := openTestDB(t)
	d.Close()
	if err := d.Ping(); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping error = %v, want ErrClosed", err)
	}
	repo := NewRepository(d, nil)
	if _, err := repo.GetPrediction(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetPrediction error = %v, want ErrClosed", err)
	}
}

func TestRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t), nil)

	created := time.UnixMilli(time.Now().UnixMilli())
	err := repo.CreatePrediction(ctx, Prediction{
		ID:        "p-1",
		Prompt:    "a fox",
		Request:   json.RawMessage(`{"prompt":"a fox"}`),
		Backend:   "procedural",
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("CreatePrediction: %v", err)
	}

	p, err := repo.GetPrediction(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetPrediction: %v", err)
	}
	if p.Status != StatusQueued || p.Source != SourceHTTP || p.Seed != nil || len(p.Outputs) != 0 {
		t.Errorf("new prediction = %+v", p)
	}
	if !p.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", p.CreatedAt, created)
	}

	if err := repo.MarkStarted(ctx, "p-1", time.Now()); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	seed := int64(1234)
	err = repo.Complete(ctx, Completion{
		ID:        "p-1",
		Status:    StatusSucceeded,
		Seed:      &seed,
		Adapter:   "alice/ink",
		Generated: 2,
		Accepted:  1,
		Outputs:   []string{"outputs/p-1/out-0.webp"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	p, err = repo.GetPrediction(ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusSucceeded || p.Seed == nil || *p.Seed != seed || p.Accepted != 1 || p.Generated != 2 {
		t.Errorf("completed prediction = %+v", p)
	}
	if p.StartedAt == nil || p.CompletedAt == nil {
		t.Errorf("timestamps missing: started %v completed %v", p.StartedAt, p.CompletedAt)
	}
	if len(p.Outputs) != 1 || p.Outputs[0] != "outputs/p-1/out-0.webp" {
		t.Errorf("Outputs = %v", p.Outputs)
	}
}

func TestRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t), nil)

	if _, err := repo.GetPrediction(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPrediction error = %v, want ErrNotFound", err)
	}
	if err := repo.MarkStarted(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkStarted error = %v, want ErrNotFound", err)
	}
	if err := repo.Complete(ctx, Completion{ID: "missing", Status: StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete error = %v, want ErrNotFound", err)
	}
}

func TestRepository_ListAndCount(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t), nil)
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c"} {
		if err := repo.CreatePrediction(ctx, Prediction{ID: id, Prompt: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Complete(ctx, Completion{ID: "a", Status: StatusFailed, Error: "boom"}); err != nil {
		t.Fatal(err)
	}

	list, err := repo.ListPredictions(ctx, 2)
	if err != nil {
		t.Fatalf("ListPredictions: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Errorf("ListPredictions = %v", list)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusQueued] != 2 || counts[StatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRepository_AsyncComplete(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	var failures []error
	repo := NewRepository(d, nil)
	w := NewAsyncWriter(repo.WriteHandler(), 4, func(_ WriteOperation, err error) { failures = append(failures, err) })
	repo = NewRepository(d, w)
	w.Start()

	if err := repo.CreatePrediction(ctx, Prediction{ID: "p", Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Complete(ctx, Completion{ID: "p", Status: StatusSucceeded, Accepted: 1}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Complete(ctx, Completion{ID: "ghost", Status: StatusFailed}); err != nil {
		t.Fatal(err)
	}
	if !w.Stop(5 * time.Second) {
		t.Fatal("writer did not drain")
	}

	p, err := repo.GetPrediction(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusSucceeded {
		t.Errorf("Status = %s, want succeeded", p.Status)
	}
	if len(failures) != 1 || !errors.Is(failures[0], ErrNotFound) {
		t.Errorf("failures = %v", failures)
	}
	if w.Write(Completion{ID: "p"}) {
		t.Error("Write accepted after Stop")
	}
}

func TestPruneBefore(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	repo := NewRepository(d, nil)
	old := time.Now().Add(-48 * time.Hour)

	for _, p := range []Prediction{
		{ID: "old-done", Prompt: "x", CreatedAt: old},
		{ID: "old-running", Prompt: "x", CreatedAt: old, Status: StatusProcessing},
		{ID: "new-done", Prompt: "x"},
	} {
		if err := repo.CreatePrediction(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []string{"old-done", "new-done"} {
		if err := repo.Complete(ctx, Completion{ID: id, Status: StatusSucceeded}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := d.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if len(res.IDs) != 1 || res.IDs[0] != "old-done" {
		t.Errorf("pruned = %v, want [old-done]", res.IDs)
	}
	if _, err := repo.GetPrediction(ctx, "old-running"); err != nil {
		t.Errorf("in-flight prediction pruned: %v", err)
	}
}

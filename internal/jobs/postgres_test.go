package jobs

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"storyclip/internal/database"
	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
)

// These tests need a disposable database:
//
//	STORYCLIP_TEST_DATABASE_URL=postgres://localhost/storyclip_test go test ./internal/jobs
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("STORYCLIP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("STORYCLIP_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, url, 4)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := database.Migrate(ctx, pool, logger.NewNop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE jobs CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func newPostgresTestStore(t *testing.T) (*PostgresStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	return NewPostgresStore(testPool(t), clk, DefaultRetention, logger.NewNop()), clk
}

func TestPostgresTransitions(t *testing.T) {
	testTransitions(t, func(t *testing.T) Store {
		s, _ := newPostgresTestStore(t)
		return s
	})
}

func TestPostgresCreateIsIdempotent(t *testing.T) {
	s, _ := newPostgresTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	created := make([]bool, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, c, err := s.Create(ctx, "same-key", testInput())
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids[i], created[i] = j.ID, c
		}(i)
	}
	wg.Wait()

	n := 0
	for i := range ids {
		if ids[i] != ids[0] {
			t.Errorf("expected one job id, got %s and %s", ids[0], ids[i])
		}
		if created[i] {
			n++
		}
	}
	if n != 1 {
		t.Errorf("expected exactly one create, got %d", n)
	}

	byKey, err := s.GetByKey(ctx, "same-key")
	if err != nil || byKey.ID != ids[0] {
		t.Fatalf("expected lookup by key to return %s, got %v %v", ids[0], byKey, err)
	}
	if byKey.Input.SourceLocator != testInput().SourceLocator {
		t.Errorf("expected input round trip, got %+v", byKey.Input)
	}
}

func TestPostgresProgressIsMonotonic(t *testing.T) {
	s, _ := newPostgresTestStore(t)
	ctx := context.Background()
	j, _, _ := s.Create(ctx, "k", testInput())
	s.Start(ctx, j.ID)

	seq := []int{10, 20, 15, 150, -5, 40}
	want := []int{10, 20, 20, 100, 100, 100}
	for i, p := range seq {
		if _, err := s.Progress(ctx, j.ID, p, ""); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, j.ID)
		if got.Progress != want[i] {
			t.Errorf("step %d: progress(%d) expected %d, got %d", i, p, want[i], got.Progress)
		}
	}
}

func TestPostgresCompleteStoresArtifacts(t *testing.T) {
	s, _ := newPostgresTestStore(t)
	ctx := context.Background()
	j, _, _ := s.Create(ctx, "k", testInput())
	s.Start(ctx, j.ID)

	arts := []Artifact{
		{ID: ArtifactID(2), Index: 2, Locator: "/files/out/clip_002.mp4", Provider: "local"},
		{ID: ArtifactID(1), Index: 1, Locator: "/files/out/clip_001.mp4", Provider: "local"},
	}
	if ok, err := s.Complete(ctx, j.ID, arts); !ok || err != nil {
		t.Fatalf("expected completion, got %v %v", ok, err)
	}
	// a second completion must not duplicate artifact rows
	if ok, _ := s.Complete(ctx, j.ID, arts); ok {
		t.Error("expected second completion refused")
	}

	got, _ := s.Get(ctx, j.ID)
	if got.Status != StatusDone || got.Progress != 100 || got.FinishedAt == nil {
		t.Errorf("expected done at 100 with finished_at, got %s %d %v", got.Status, got.Progress, got.FinishedAt)
	}
	if len(got.Artifacts) != 2 || got.Artifacts[0].ID != "clip_001" {
		t.Errorf("expected artifacts ordered by index, got %+v", got.Artifacts)
	}
}

func TestPostgresUnknownJob(t *testing.T) {
	s, _ := newPostgresTestStore(t)
	ctx := context.Background()

	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		if _, err := s.Get(ctx, id); !errors.IsNotFound(err) {
			t.Errorf("%s: expected not found, got %v", id, err)
		}
		if _, err := s.Start(ctx, id); !errors.IsNotFound(err) {
			t.Errorf("%s: expected not found on start, got %v", id, err)
		}
	}
	if _, err := s.GetByKey(ctx, "missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not found by key, got %v", err)
	}
}

func TestPostgresRetentionAndPurge(t *testing.T) {
	s, clk := newPostgresTestStore(t)
	ctx := context.Background()

	done, _, _ := s.Create(ctx, "done", testInput())
	s.Start(ctx, done.ID)
	s.Complete(ctx, done.ID, []Artifact{{ID: ArtifactID(1), Index: 1}})

	failed, _, _ := s.Create(ctx, "failed", testInput())
	s.Fail(ctx, failed.ID, errors.CodeValidation, "bad")

	active, _, _ := s.Create(ctx, "active", testInput())

	clk.Advance(25 * time.Hour)
	purgeable, err := s.ListPurgeable(ctx, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(purgeable) != 1 || purgeable[0].ID != done.ID {
		t.Fatalf("expected only the done job after 25h, got %d", len(purgeable))
	}

	clk.Advance(7 * 24 * time.Hour)
	purgeable, _ = s.ListPurgeable(ctx, clk.Now())
	if len(purgeable) != 2 {
		t.Fatalf("expected both terminal jobs after 8d, got %d", len(purgeable))
	}
	for _, j := range purgeable {
		if ok, err := s.Purge(ctx, j.ID); !ok || err != nil {
			t.Errorf("expected purge of %s, got %v %v", j.ID, ok, err)
		}
	}
	if ok, _ := s.Purge(ctx, active.ID); ok {
		t.Error("active job must not be purged")
	}

	var artifacts int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM job_artifacts`).Scan(&artifacts); err != nil {
		t.Fatal(err)
	}
	if artifacts != 0 {
		t.Errorf("expected artifact rows removed with the job, got %d", artifacts)
	}
	if _, created, _ := s.Create(ctx, "done", testInput()); !created {
		t.Error("expected purged key to be reusable")
	}
}

func TestPostgresListFilter(t *testing.T) {
	s, clk := newPostgresTestStore(t)
	ctx := context.Background()

	a, _, _ := s.Create(ctx, "a", testInput())
	clk.Advance(time.Second)
	b, _, _ := s.Create(ctx, "b", testInput())
	s.Start(ctx, b.ID)

	running, err := s.List(ctx, ListFilter{Status: []Status{StatusRunning}})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ID != b.ID {
		t.Errorf("expected only %s running, got %d", b.ID, len(running))
	}

	all, _ := s.List(ctx, ListFilter{})
	if len(all) != 2 || all[0].ID != b.ID {
		t.Errorf("expected newest first, got %d jobs", len(all))
	}

	active, _ := s.ListActive(ctx)
	if len(active) != 2 || active[0].ID != a.ID {
		t.Errorf("expected oldest active first, got %d jobs", len(active))
	}
}

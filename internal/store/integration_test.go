package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/autoresearch/internal/research"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "autoresearch",
			"POSTGRES_PASSWORD": "autoresearch",
			"POSTGRES_DB":       "autoresearch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}
	host, err := pg.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get host: %v", err)
	}
	return fmt.Sprintf("postgres://autoresearch:autoresearch@%s:%s/autoresearch?sslmode=disable", host, port.Port())
}

func TestStoreAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t, ctx)

	var migErr error
	for i := 0; i < 6; i++ {
		if migErr = Migrate("file://../../migrations", dsn, "up", 0); migErr == nil {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}
	if migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	st, err := NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	base := time.Now().UTC().Add(-time.Hour)
	if err := st.CreateJob(ctx, "job-a", "first", base); err != nil {
		t.Fatalf("create job-a: %v", err)
	}
	if err := st.CreateJob(ctx, "job-b", "second", base.Add(time.Second)); err != nil {
		t.Fatalf("create job-b: %v", err)
	}

	entry, ok, err := st.NextPending(ctx)
	if err != nil || !ok || entry.ID != "job-a" {
		t.Fatalf("expected job-a first, got %+v ok=%v err=%v", entry, ok, err)
	}
	// a second claim while job-a is processing violates the single-processing index
	if _, _, err := st.NextPending(ctx); err == nil {
		t.Fatalf("expected second concurrent claim to fail")
	}

	step := research.Step{
		Number:   1,
		Action:   research.ActionSearch,
		Query:    "first",
		Summary:  "[1] t",
		Response: research.SearchPayload{{Title: "t", URL: "https://example.com", Content: "c"}},
		Tokens:   12,
	}
	if err := st.InsertStep(ctx, "job-a", step); err != nil {
		t.Fatalf("insert step: %v", err)
	}
	if err := st.InsertStep(ctx, "job-a", step); err == nil {
		t.Fatalf("expected duplicate step number to fail")
	}
	steps, err := st.ListSteps(ctx, "job-a")
	if err != nil || len(steps) != 1 || steps[0].Response.Len() != 1 {
		t.Fatalf("unexpected steps %+v err=%v", steps, err)
	}

	res := research.Result{Response: "# done", Metadata: research.Metadata{StepsUsed: 1, TotalTokens: 12}}
	if err := st.CompleteJob(ctx, "job-a", res, time.Now().UTC()); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	job, ok, err := st.GetJob(ctx, "job-a")
	if err != nil || !ok || job.Status != StatusCompleted || job.TotalTokens != 12 {
		t.Fatalf("unexpected job %+v ok=%v err=%v", job, ok, err)
	}

	entry, ok, err = st.NextPending(ctx)
	if err != nil || !ok || entry.ID != "job-b" {
		t.Fatalf("expected job-b, got %+v ok=%v err=%v", entry, ok, err)
	}
	ids, err := st.RecoverInterrupted(ctx, time.Now().UTC())
	if err != nil || len(ids) != 1 || ids[0] != "job-b" {
		t.Fatalf("recover: ids=%v err=%v", ids, err)
	}
	job, _, _ = st.GetJob(ctx, "job-b")
	if job.Status != StatusFailed {
		t.Fatalf("expected interrupted job failed, got %s", job.Status)
	}

	counts, err := st.CountQueue(ctx)
	if err != nil || counts[StatusCompleted] != 2 || counts[StatusPending] != 0 {
		t.Fatalf("counts=%v err=%v", counts, err)
	}

	expired, err := st.ListExpiredJobs(ctx, time.Now().UTC(), 10)
	if err != nil || len(expired) != 2 {
		t.Fatalf("expired=%v err=%v", expired, err)
	}
	for _, id := range expired {
		if deleted, err := st.DeleteJob(ctx, id); err != nil || !deleted {
			t.Fatalf("delete %s: %v %v", id, deleted, err)
		}
	}
	if _, ok, _ := st.GetJob(ctx, "job-a"); ok {
		t.Fatalf("job-a should be gone")
	}
}

func TestStatusCacheAgainstRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	rc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start redis: %v", err)
	}
	t.Cleanup(func() { _ = rc.Terminate(context.Background()) })
	endpoint, err := rc.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	rdb, err := NewRedisClient(ctx, endpoint, "", 0, 2*time.Second)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer rdb.Close()
	cache := NewStatusCache(rdb, time.Minute)

	if _, ok, err := cache.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := cache.Set(ctx, "job-1", StatusProcessing); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, err := cache.Get(ctx, "job-1"); err != nil || !ok || v != StatusProcessing {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}
	if err := cache.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "job-1"); ok {
		t.Fatalf("expected miss after delete")
	}
}

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sceneline/internal/config"
	"sceneline/internal/db"
	"sceneline/internal/domain"
	"sceneline/internal/engine"
	"sceneline/internal/generate"
	"sceneline/internal/migrate"
	"sceneline/internal/repo"
	"sceneline/internal/signing"
	"sceneline/internal/tracker"
)

type fakeGenerator struct {
	mu            sync.Mutex
	submits       int
	failTransient int
	failHard      bool
	nextID        int
	jobs          map[string]generate.JobStatus
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{jobs: map[string]generate.JobStatus{}}
}

func (f *fakeGenerator) Submit(ctx context.Context, req generate.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.failHard {
		return "", errors.New("submit: status 400: bad prompt")
	}
	if f.failTransient > 0 {
		f.failTransient--
		return "", generate.TransientError{Err: errors.New("submit: status 503")}
	}
	f.nextID++
	jobID := fmt.Sprintf("job-%d", f.nextID)
	f.jobs[jobID] = generate.JobStatus{JobID: jobID, State: generate.StatePending}
	return jobID, nil
}

func (f *fakeGenerator) Status(ctx context.Context, jobID string) (generate.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.jobs[jobID]
	if !ok {
		return generate.JobStatus{}, fmt.Errorf("status: status 404: unknown job %s", jobID)
	}
	return st, nil
}

func (f *fakeGenerator) finish(jobID, mediaKey string) {
	f.mu.Lock()
	f.jobs[jobID] = generate.JobStatus{JobID: jobID, State: generate.StateCompleted, MediaKey: mediaKey}
	f.mu.Unlock()
}

type fakeAuthority struct {
	mu    sync.Mutex
	signs int
}

func (a *fakeAuthority) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	a.mu.Lock()
	a.signs++
	n := a.signs
	a.mu.Unlock()
	return fmt.Sprintf("https://media.test/%s?sig=%d", key, n), nil
}

type testEnv struct {
	Engine  engine.Engine
	Tracker *tracker.Tracker
	Gen     *fakeGenerator
	Ctx     context.Context

	mu  sync.Mutex
	now time.Time
}

func (env *testEnv) Now() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.now
}

func (env *testEnv) Advance(d time.Duration) {
	env.mu.Lock()
	env.now = env.now.Add(d)
	env.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	env := &testEnv{
		Gen: newFakeGenerator(),
		Ctx: context.Background(),
		now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	r := repo.Repo{DB: conn}
	trk := tracker.New(conn, r, env.Gen, cfg)
	trk.Now = env.Now
	trk.BackoffBase = time.Nanosecond
	cache := signing.NewCache(&fakeAuthority{}, cfg.SigningTTL(), cfg.SigningMargin())
	eng := engine.New(conn, cfg, trk, cache)
	eng.Now = env.Now
	env.Engine = eng
	env.Tracker = trk

	if _, err := eng.EnsureAccount(env.Ctx, "tester", domain.AccountActive); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if _, err := eng.InitProject(env.Ctx, "proj-1", "Test Film", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return env
}

func createScene(t *testing.T, env *testEnv, shotType string) domain.Scene {
	t.Helper()
	s, err := env.Engine.CreateScene(env.Ctx, engine.SceneCreateOptions{
		ProjectID:     "proj-1",
		OwnerID:       "tester",
		StartFrameKey: "frames/start.png",
		EndFrameKey:   "frames/end.png",
		ShotType:      shotType,
	})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}
	return s
}

func TestCreateSceneAllocatesSequentialOrdinals(t *testing.T) {
	env := newTestEnv(t)
	for want := 1; want <= 3; want++ {
		s := createScene(t, env, "static")
		if s.Ordinal != want {
			t.Fatalf("ordinal = %d, want %d", s.Ordinal, want)
		}
		if s.Version != 1 {
			t.Fatalf("new scene version = %d, want 1", s.Version)
		}
		if s.Status != domain.SceneProcessing {
			t.Fatalf("status after submit = %s, want processing", s.Status)
		}
		versions, err := env.Engine.ListVersions(env.Ctx, s.ID)
		if err != nil {
			t.Fatalf("list versions: %v", err)
		}
		if len(versions) != 0 {
			t.Fatalf("new scene has %d version records, want 0", len(versions))
		}
	}
}

func TestUnknownShotTypeRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateScene(env.Ctx, engine.SceneCreateOptions{
		ProjectID:     "proj-1",
		OwnerID:       "tester",
		StartFrameKey: "frames/start.png",
		ShotType:      "crane",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestGenerationLifecycleVersions(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "pan")
	jobID := *mustScene(t, env, s.ID).JobID

	// First completion: version record 1, counter stays 1.
	env.Gen.finish(jobID, "media/take-1.mp4")
	env.Tracker.PollOnce(env.Ctx)
	s = mustScene(t, env, s.ID)
	if s.Status != domain.SceneReady || s.Version != 1 {
		t.Fatalf("after first completion: status=%s version=%d", s.Status, s.Version)
	}

	// Regenerate and complete: record 2, counter 2.
	s, err := env.Engine.RegenerateScene(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	env.Gen.finish(*s.JobID, "media/take-2.mp4")
	env.Tracker.PollOnce(env.Ctx)
	s = mustScene(t, env, s.ID)
	if s.Status != domain.SceneReady || s.Version != 2 {
		t.Fatalf("after second completion: status=%s version=%d", s.Status, s.Version)
	}
	versions, err := env.Engine.ListVersions(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 1 || versions[1].Version != 2 {
		t.Fatalf("version records = %+v", versions)
	}
	if versions[1].MediaKey != "media/take-2.mp4" {
		t.Fatalf("latest media key = %s", versions[1].MediaKey)
	}
}

func TestRegenerateWhileInFlightConflicts(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	_, err := env.Engine.RegenerateScene(env.Ctx, s.ID, "tester")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict while job in flight, got %v", err)
	}
}

func TestSubmitFailureMarksSceneError(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.failHard = true
	s := createScene(t, env, "static")
	if s.Status != domain.SceneError {
		t.Fatalf("status = %s, want error", s.Status)
	}
	if s.JobError == nil {
		t.Fatal("job_error not recorded")
	}
	if env.Gen.submits != 1 {
		t.Fatalf("hard failure retried: %d submits", env.Gen.submits)
	}

	// Errored scene can be regenerated once the service recovers.
	env.Gen.failHard = false
	s, err := env.Engine.RegenerateScene(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("regenerate after error: %v", err)
	}
	if s.Status != domain.SceneProcessing || s.JobID == nil {
		t.Fatalf("after recovery: status=%s", s.Status)
	}
}

func TestTransientSubmitFailuresRetried(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.failTransient = 2
	s := createScene(t, env, "static")
	if s.Status != domain.SceneProcessing {
		t.Fatalf("status = %s, want processing", s.Status)
	}
	if env.Gen.submits != 3 {
		t.Fatalf("submits = %d, want 3", env.Gen.submits)
	}
}

func TestDeleteRestoreWithinUndoWindow(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	if err := env.Engine.DeleteScene(env.Ctx, s.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := mustScene(t, env, s.ID); !got.Deleted() {
		t.Fatal("scene not marked deleted")
	}
	scenes, err := env.Engine.ListScenes(env.Ctx, "proj-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scenes) != 0 {
		t.Fatalf("deleted scene still listed")
	}

	env.Advance(5 * time.Second)
	restored, err := env.Engine.RestoreScene(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Deleted() || restored.Ordinal != s.Ordinal {
		t.Fatalf("restore result: %+v", restored)
	}
}

func TestRestoreAfterUndoWindowFails(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	if err := env.Engine.DeleteScene(env.Ctx, s.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	env.Advance(11 * time.Second)
	if _, err := env.Engine.RestoreScene(env.Ctx, s.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after window, got %v", err)
	}
}

func TestPurgeExpiredCascadesVersions(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	env.Gen.finish(*mustScene(t, env, s.ID).JobID, "media/v1.mp4")
	env.Tracker.PollOnce(env.Ctx)
	if err := env.Engine.DeleteScene(env.Ctx, s.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	env.Advance(11 * time.Second)
	n, err := env.Engine.PurgeExpired(env.Ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := env.Engine.GetScene(env.Ctx, s.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("scene still present: %v", err)
	}
	if _, err := env.Engine.Repo.LatestVersion(env.Ctx, s.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("versions not cascaded: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, "proj-1", "scene.purged", "", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 1 || evts[0].EntityID != s.ID {
		t.Fatalf("purge event = %+v", evts)
	}
}

func TestOrdinalReassignedWhileDeletedBlocksRestore(t *testing.T) {
	env := newTestEnv(t)
	createScene(t, env, "static")
	second := createScene(t, env, "static")
	if err := env.Engine.DeleteScene(env.Ctx, second.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	third := createScene(t, env, "static")
	if third.Ordinal != second.Ordinal {
		t.Fatalf("freed ordinal not reused: got %d, want %d", third.Ordinal, second.Ordinal)
	}
	if _, err := env.Engine.RestoreScene(env.Ctx, second.ID, "tester"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict on restore into taken ordinal, got %v", err)
	}
}

func TestAppendVersionExpectedPriorGuard(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	if _, err := env.Engine.AppendVersion(env.Ctx, s.ID, 3, "media/import.mp4", ""); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict on prior mismatch, got %v", err)
	}
	v, err := env.Engine.AppendVersion(env.Ctx, s.ID, 0, "media/import.mp4", `{"source":"import"}`)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if v.Version != 1 {
		t.Fatalf("appended version = %d, want 1", v.Version)
	}
	if got := mustScene(t, env, s.ID); got.Version != 1 {
		t.Fatalf("scene counter = %d, want 1", got.Version)
	}
}

func TestExportManifest(t *testing.T) {
	env := newTestEnv(t)
	ready := createScene(t, env, "pan")
	env.Gen.finish(*mustScene(t, env, ready.ID).JobID, "media/ready.mp4")
	env.Tracker.PollOnce(env.Ctx)
	pending := createScene(t, env, "static")

	manifest, err := env.Engine.Export(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(manifest.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(manifest.Items))
	}
	item := manifest.Items[0]
	if item.SceneID != ready.ID || item.MediaKey != "media/ready.mp4" || item.URL == "" {
		t.Fatalf("item = %+v", item)
	}
	if len(manifest.Skipped) != 1 || manifest.Skipped[0] != pending.ID {
		t.Fatalf("skipped = %v", manifest.Skipped)
	}
}

func TestInactiveAccountRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnsureAccount(env.Ctx, "newbie", domain.AccountPending); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	_, err := env.Engine.CreateScene(env.Ctx, engine.SceneCreateOptions{
		ProjectID:     "proj-1",
		OwnerID:       "newbie",
		StartFrameKey: "frames/start.png",
		ShotType:      "static",
	})
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestConcurrentCreatesKeepOrdinalsUnique(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CreateScene(env.Ctx, engine.SceneCreateOptions{
				ProjectID:     "proj-1",
				OwnerID:       "tester",
				StartFrameKey: "frames/start.png",
				ShotType:      "static",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create: %v", err)
		}
	}
	scenes, err := env.Engine.ListScenes(env.Ctx, "proj-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	seen := map[int]bool{}
	for _, s := range scenes {
		if seen[s.Ordinal] {
			t.Fatalf("duplicate ordinal %d", s.Ordinal)
		}
		seen[s.Ordinal] = true
	}
	if len(scenes) != n {
		t.Fatalf("scenes = %d, want %d", len(scenes), n)
	}
}

func mustScene(t *testing.T, env *testEnv, id string) domain.Scene {
	t.Helper()
	s, err := env.Engine.GetScene(env.Ctx, id)
	if err != nil {
		t.Fatalf("get scene %s: %v", id, err)
	}
	return s
}

func TestDuplicateCompletionIgnored(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	jobID := *mustScene(t, env, s.ID).JobID
	status := generate.JobStatus{JobID: jobID, State: generate.StateCompleted, MediaKey: "media/v1.mp4"}
	if err := env.Tracker.Observe(env.Ctx, s.ID, jobID, status); err != nil {
		t.Fatalf("first observe: %v", err)
	}
	if err := env.Tracker.Observe(env.Ctx, s.ID, jobID, status); err != nil {
		t.Fatalf("duplicate observe: %v", err)
	}
	versions, err := env.Engine.ListVersions(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("duplicate delivery produced %d records", len(versions))
	}
	if got := mustScene(t, env, s.ID); got.Version != 1 {
		t.Fatalf("counter = %d after duplicate delivery", got.Version)
	}
}

func TestLateCompletionAfterDeleteIgnored(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	jobID := *mustScene(t, env, s.ID).JobID
	if err := env.Engine.DeleteScene(env.Ctx, s.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := env.Tracker.Observe(env.Ctx, s.ID, jobID, generate.JobStatus{
		JobID: jobID, State: generate.StateCompleted, MediaKey: "media/late.mp4",
	})
	if err != nil {
		t.Fatalf("late observe: %v", err)
	}
	versions, err := env.Engine.ListVersions(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("deleted scene gained %d versions", len(versions))
	}
}

func TestFailedJobMarksSceneError(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	jobID := *mustScene(t, env, s.ID).JobID
	err := env.Tracker.Observe(env.Ctx, s.ID, jobID, generate.JobStatus{
		JobID: jobID, State: generate.StateFailed, Error: "content policy rejection",
	})
	if err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	got := mustScene(t, env, s.ID)
	if got.Status != domain.SceneError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.JobError == nil || *got.JobError != "content policy rejection" {
		t.Fatalf("job_error = %v", got.JobError)
	}
}

func TestPollerExpiresStuckJob(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	env.Advance(11 * time.Minute) // past the 10m job_timeout
	env.Tracker.PollOnce(env.Ctx)
	got := mustScene(t, env, s.ID)
	if got.Status != domain.SceneError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.JobError == nil {
		t.Fatal("timeout reason not recorded")
	}
}

func TestPollerAdvancesProcessingState(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	jobID := *mustScene(t, env, s.ID).JobID
	env.Gen.mu.Lock()
	env.Gen.jobs[jobID] = generate.JobStatus{JobID: jobID, State: generate.StateProcessing}
	env.Gen.mu.Unlock()
	env.Tracker.PollOnce(env.Ctx)
	got := mustScene(t, env, s.ID)
	if got.JobStatus == nil || *got.JobStatus != domain.JobProcessing {
		t.Fatalf("job_status = %v, want processing", got.JobStatus)
	}
	if got.Status != domain.SceneProcessing {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestPollerExpiresReservedSlotWithoutJob(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	// Reserved slot with no job handle, as left by a crash between the
	// reservation commit and recording the submission.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE scenes SET job_id=NULL WHERE id=?`, s.ID); err != nil {
		t.Fatalf("clear job id: %v", err)
	}
	env.Advance(11 * time.Minute)
	env.Tracker.PollOnce(env.Ctx)
	got := mustScene(t, env, s.ID)
	if got.Status != domain.SceneError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.JobError == nil {
		t.Fatal("timeout reason not recorded")
	}
	// The freed scene accepts a new submission.
	got, err := env.Engine.RegenerateScene(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("regenerate after expiry: %v", err)
	}
	if got.Status != domain.SceneProcessing || got.JobID == nil {
		t.Fatalf("after resubmit: status=%s", got.Status)
	}
}

func TestRegenerateResubmitsQueuedSceneWithoutJob(t *testing.T) {
	env := newTestEnv(t)
	s := createScene(t, env, "static")
	// Queued with empty job fields, as left by a crash between the insert
	// and the first submission.
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE scenes SET status='queued', job_id=NULL, job_status=NULL, job_error=NULL, job_submitted_at=NULL WHERE id=?`,
		s.ID); err != nil {
		t.Fatalf("reset scene: %v", err)
	}
	got, err := env.Engine.RegenerateScene(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("regenerate queued scene: %v", err)
	}
	if got.Status != domain.SceneProcessing || got.JobID == nil {
		t.Fatalf("after resubmit: status=%s job=%v", got.Status, got.JobID)
	}
}

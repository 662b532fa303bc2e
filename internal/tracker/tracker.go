// Package tracker owns the external generation job lifecycle: submission with
// bounded retry, terminal-state observation (idempotent), and the poll loop
// that drives scenes whose jobs are still in flight.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"sceneline/internal/config"
	"sceneline/internal/domain"
	"sceneline/internal/events"
	"sceneline/internal/generate"
	"sceneline/internal/repo"
)

// ExternalError wraps a generation-service failure that exhausted the retry
// budget. The scene has already been transitioned to error when it surfaces.
type ExternalError struct {
	Err error
}

func (e ExternalError) Error() string { return e.Err.Error() }
func (e ExternalError) Unwrap() error { return e.Err }

type Tracker struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Service generate.Service
	Config  *config.Config
	Now     func() time.Time
	Logger  *log.Logger

	// BackoffBase is the first retry delay; it doubles per attempt.
	// Zero means the 500ms default.
	BackoffBase time.Duration
}

func New(db *sql.DB, r repo.Repo, svc generate.Service, cfg *config.Config) *Tracker {
	return &Tracker{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Service: svc,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

func (t *Tracker) backoff(attempt int) time.Duration {
	base := t.BackoffBase
	if base == 0 {
		base = 500 * time.Millisecond
	}
	return base * time.Duration(1<<uint(attempt))
}

// Submit reserves the scene's single job slot and enqueues a generation
// request. The reservation is a compare-and-set from queued, so a concurrent
// submit for the same scene loses with ErrConflict. The caller gets control
// back as soon as the terminal outcome of submission is durably recorded.
func (t *Tracker) Submit(ctx context.Context, sceneID, actorID string) error {
	scene, err := t.Repo.GetScene(ctx, sceneID)
	if err != nil {
		return err
	}
	if scene.Deleted() {
		return repo.ErrNotFound
	}
	if scene.JobInFlight() {
		return fmt.Errorf("job %s still in flight: %w", stringOr(scene.JobID, "?"), repo.ErrConflict)
	}
	shot, ok := t.Config.ShotTypes[scene.ShotType]
	if !ok {
		return fmt.Errorf("shot type %s not in catalog", scene.ShotType)
	}

	now := t.now().UTC().Format(time.RFC3339)
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := t.Repo.ReserveJobTx(ctx, tx, scene.ID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	req := generate.Request{
		SceneID:       scene.ID,
		StartFrameKey: scene.StartFrameKey,
		Prompt:        shot.PromptTemplate,
	}
	if scene.EndFrameKey != nil {
		req.EndFrameKey = *scene.EndFrameKey
	}

	jobID, err := t.submitWithRetry(ctx, req)
	if err != nil {
		return t.recordSubmissionFailure(ctx, scene, actorID, err)
	}
	return t.recordSubmission(ctx, scene, jobID, actorID)
}

func (t *Tracker) submitWithRetry(ctx context.Context, req generate.Request) (string, error) {
	attempts := t.Config.Generator.SubmitAttempts
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, t.backoff(attempt-1)); err != nil {
				return "", err
			}
		}
		jobID, err := t.Service.Submit(ctx, req)
		if err == nil {
			return jobID, nil
		}
		lastErr = err
		if !generate.IsTransient(err) {
			break
		}
		t.logger().Printf("tracker: submit scene %s attempt %d/%d failed: %v", req.SceneID, attempt+1, attempts, err)
	}
	return "", lastErr
}

func (t *Tracker) recordSubmission(ctx context.Context, scene domain.Scene, jobID, actorID string) error {
	now := t.now().UTC().Format(time.RFC3339)
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := t.Repo.SetJobIDTx(ctx, tx, scene.ID, jobID, now); err != nil {
		// Scene was deleted or force-failed between reservation and now;
		// nothing to track.
		if errors.Is(err, repo.ErrConflict) {
			return nil
		}
		return err
	}
	if err := t.Events.Append(ctx, tx, events.JobSubmitted, scene.ProjectID, "scene", scene.ID, actorID, events.EventPayload{"job_id": jobID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tracker) recordSubmissionFailure(ctx context.Context, scene domain.Scene, actorID string, cause error) error {
	now := t.now().UTC().Format(time.RFC3339)
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	reason := fmt.Sprintf("submission failed: %v", cause)
	if err := t.Repo.FailSubmissionTx(ctx, tx, scene.ID, reason, now); err != nil && !errors.Is(err, repo.ErrConflict) {
		return err
	}
	if err := t.Events.Append(ctx, tx, events.JobFailed, scene.ProjectID, "scene", scene.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return ExternalError{Err: cause}
}

// Observe applies one status report for a job, from either the poll loop or
// an inbound callback. Terminal states are applied at most once: the scene
// row's job guard turns duplicate or stale deliveries into no-ops, including
// completions arriving after the scene was deleted or re-queued.
func (t *Tracker) Observe(ctx context.Context, sceneID, jobID string, status generate.JobStatus) error {
	switch status.State {
	case generate.StatePending:
		return nil
	case generate.StateProcessing:
		now := t.now().UTC().Format(time.RFC3339)
		tx, err := t.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := t.Repo.MarkJobProcessingTx(ctx, tx, sceneID, jobID, now); err != nil {
			return err
		}
		return tx.Commit()
	case generate.StateCompleted:
		return t.observeCompleted(ctx, sceneID, jobID, status)
	case generate.StateFailed:
		return t.observeFailed(ctx, sceneID, jobID, status.Error)
	default:
		return fmt.Errorf("unknown job state %q", status.State)
	}
}

func (t *Tracker) observeCompleted(ctx context.Context, sceneID, jobID string, status generate.JobStatus) error {
	if status.MediaKey == "" {
		return t.observeFailed(ctx, sceneID, jobID, "service reported completion without a media reference")
	}
	now := t.now().UTC().Format(time.RFC3339)
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	scene, err := t.Repo.GetSceneTx(ctx, tx, sceneID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil // purged; late completion is a no-op
		}
		return err
	}
	if scene.Deleted() {
		return nil
	}
	prior, err := t.Repo.CountVersionsTx(ctx, tx, sceneID)
	if err != nil {
		return err
	}
	newVersion := prior + 1
	if err := t.Repo.CompleteJobTx(ctx, tx, sceneID, jobID, scene.Version, newVersion, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil // duplicate delivery or stale job
		}
		return err
	}
	if err := t.Repo.InsertVersionTx(ctx, tx, domain.SceneVersion{
		SceneID:   sceneID,
		Version:   newVersion,
		MediaKey:  status.MediaKey,
		MetaJSON:  status.MetaJSON(),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := t.Events.Append(ctx, tx, events.VersionReady, scene.ProjectID, "scene", sceneID, "tracker", events.EventPayload{
		"version":   newVersion,
		"media_key": status.MediaKey,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tracker) observeFailed(ctx context.Context, sceneID, jobID, reason string) error {
	if reason == "" {
		reason = "generation failed"
	}
	now := t.now().UTC().Format(time.RFC3339)
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	scene, err := t.Repo.GetSceneTx(ctx, tx, sceneID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if scene.Deleted() {
		return nil
	}
	// A reserved slot with no job handle (crash between reservation and
	// submission) fails through the submission guard; the job guard can
	// never match a NULL job_id.
	var failErr error
	if jobID == "" {
		failErr = t.Repo.FailSubmissionTx(ctx, tx, sceneID, reason, now)
	} else {
		failErr = t.Repo.FailJobTx(ctx, tx, sceneID, jobID, reason, now)
	}
	if failErr != nil {
		if errors.Is(failErr, repo.ErrConflict) {
			return nil
		}
		return failErr
	}
	if err := t.Events.Append(ctx, tx, events.JobFailed, scene.ProjectID, "scene", sceneID, "tracker", events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// RunPoller polls in-flight jobs until the context is cancelled.
func (t *Tracker) RunPoller(ctx context.Context) {
	ticker := time.NewTicker(t.Config.PollInterval())
	defer ticker.Stop()
	for {
		t.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce sweeps every in-flight job once: stuck jobs past the deadline are
// failed with a timeout, the rest are polled against the service.
func (t *Tracker) PollOnce(ctx context.Context) {
	scenes, err := t.Repo.ListInFlight(ctx)
	if err != nil {
		t.logger().Printf("tracker: list in-flight jobs: %v", err)
		return
	}
	deadline := t.Config.JobTimeout()
	for _, scene := range scenes {
		if t.expireIfStuck(ctx, scene, deadline) {
			continue
		}
		if scene.JobID == nil {
			continue // submission still being recorded
		}
		status, err := t.Service.Status(ctx, *scene.JobID)
		if err != nil {
			t.logger().Printf("tracker: poll job %s: %v", *scene.JobID, err)
			continue
		}
		if err := t.Observe(ctx, scene.ID, *scene.JobID, status); err != nil {
			t.logger().Printf("tracker: observe job %s: %v", *scene.JobID, err)
		}
	}
}

func (t *Tracker) expireIfStuck(ctx context.Context, scene domain.Scene, deadline time.Duration) bool {
	if scene.JobSubmittedAt == nil || deadline <= 0 {
		return false
	}
	submitted, err := time.Parse(time.RFC3339, *scene.JobSubmittedAt)
	if err != nil {
		return false
	}
	if t.now().Before(submitted.Add(deadline)) {
		return false
	}
	reason := fmt.Sprintf("job exceeded %s deadline", deadline)
	jobID := stringOr(scene.JobID, "")
	if err := t.observeFailed(ctx, scene.ID, jobID, reason); err != nil {
		t.logger().Printf("tracker: expire job for scene %s: %v", scene.ID, err)
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func stringOr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}

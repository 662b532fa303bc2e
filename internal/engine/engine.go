// Package engine is the orchestration facade: it sequences scene creation,
// regeneration, deletion with undo, version reads, and export across the
// store, the job tracker, and the signed-URL cache.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sceneline/internal/config"
	"sceneline/internal/domain"
	"sceneline/internal/events"
	"sceneline/internal/repo"
	"sceneline/internal/signing"
	"sceneline/internal/tracker"
)

// ordinal allocation retries before giving up; each retry recomputes MAX+1
// after losing the unique-index race.
const maxOrdinalAttempts = 5

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Tracker *tracker.Tracker
	Signer  *signing.Cache
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, trk *tracker.Tracker, signer *signing.Cache) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Tracker: trk,
		Signer:  signer,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// requireActiveAccount gates every mutating operation on account standing.
func (e Engine) requireActiveAccount(ctx context.Context, accountID string) error {
	if accountID == "" {
		return ValidationError{Field: "account_id", Reason: "required"}
	}
	account, err := e.Repo.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ForbiddenError{AccountID: accountID, Status: "unknown"}
		}
		return err
	}
	if account.Status != domain.AccountActive {
		return ForbiddenError{AccountID: accountID, Status: account.Status}
	}
	return nil
}

// InitProject creates a project record.
func (e Engine) InitProject(ctx context.Context, projectID, title, description, actorID string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, ValidationError{Field: "project_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		OwnerID:     actorID,
		Title:       title,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if p.Title == "" {
		p.Title = projectID
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Project{}, fmt.Errorf("project %s already exists: %w", projectID, repo.ErrConflict)
		}
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SceneCreateOptions carries caller input for CreateScene.
type SceneCreateOptions struct {
	ProjectID     string
	OwnerID       string
	FolderID      string
	StartFrameKey string
	EndFrameKey   string
	ShotType      string
}

// CreateScene allocates the next ordinal, inserts the scene queued at
// version 1, and hands it to the tracker for submission. Ordinal allocation
// races are resolved by retrying against the partial unique index.
func (e Engine) CreateScene(ctx context.Context, opts SceneCreateOptions) (domain.Scene, error) {
	if err := e.requireActiveAccount(ctx, opts.OwnerID); err != nil {
		return domain.Scene{}, err
	}
	if opts.ProjectID == "" {
		return domain.Scene{}, ValidationError{Field: "project_id", Reason: "required"}
	}
	if opts.StartFrameKey == "" {
		return domain.Scene{}, ValidationError{Field: "start_frame_key", Reason: "required"}
	}
	if _, ok := e.Config.ShotTypes[opts.ShotType]; !ok {
		return domain.Scene{}, ValidationError{Field: "shot_type", Reason: fmt.Sprintf("unknown shot type %q", opts.ShotType)}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Scene{}, err
	}

	scene := domain.Scene{
		ID:            uuid.NewString(),
		ProjectID:     opts.ProjectID,
		OwnerID:       opts.OwnerID,
		StartFrameKey: opts.StartFrameKey,
		ShotType:      opts.ShotType,
		Version:       1,
		Status:        domain.SceneQueued,
	}
	if opts.FolderID != "" {
		scene.FolderID = &opts.FolderID
	}
	if opts.EndFrameKey != "" {
		scene.EndFrameKey = &opts.EndFrameKey
	}

	var insertErr error
	for attempt := 0; attempt < maxOrdinalAttempts; attempt++ {
		insertErr = e.insertSceneOnce(ctx, &scene)
		if insertErr == nil {
			break
		}
		if !repo.IsUniqueViolation(insertErr) {
			return domain.Scene{}, insertErr
		}
	}
	if insertErr != nil {
		return domain.Scene{}, fmt.Errorf("ordinal allocation for project %s kept colliding: %w", opts.ProjectID, repo.ErrConflict)
	}

	return e.submitAndReload(ctx, scene.ID, opts.OwnerID)
}

func (e Engine) insertSceneOnce(ctx context.Context, scene *domain.Scene) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	max, err := e.Repo.MaxOrdinalTx(ctx, tx, scene.ProjectID)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	scene.Ordinal = max + 1
	scene.CreatedAt = now
	scene.UpdatedAt = now
	if err := e.Repo.InsertScene(ctx, tx, *scene); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.SceneCreated, scene.ProjectID, "scene", scene.ID, scene.OwnerID, events.EventPayload{
		"ordinal":   scene.Ordinal,
		"shot_type": scene.ShotType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// submitAndReload runs the tracker submission and returns the scene's fresh
// row. A submission failure is recorded on the scene (status=error) rather
// than failing the operation; the row is the source of truth.
func (e Engine) submitAndReload(ctx context.Context, sceneID, actorID string) (domain.Scene, error) {
	err := e.Tracker.Submit(ctx, sceneID, actorID)
	var extErr tracker.ExternalError
	if err != nil && !errors.As(err, &extErr) {
		return domain.Scene{}, err
	}
	return e.Repo.GetScene(ctx, sceneID)
}

// RegenerateScene re-queues a finished or failed scene and submits a new job.
// A scene with a job still in flight is refused.
func (e Engine) RegenerateScene(ctx context.Context, sceneID, actorID string) (domain.Scene, error) {
	if err := e.requireActiveAccount(ctx, actorID); err != nil {
		return domain.Scene{}, err
	}
	scene, err := e.Repo.GetScene(ctx, sceneID)
	if err != nil {
		return domain.Scene{}, err
	}
	if scene.Deleted() {
		return domain.Scene{}, repo.ErrNotFound
	}
	if scene.JobInFlight() || scene.Status == domain.SceneProcessing {
		return domain.Scene{}, fmt.Errorf("scene %s has a generation in flight: %w", sceneID, repo.ErrConflict)
	}
	if scene.Status == domain.SceneQueued {
		// Queued with no job slot means the original submission never ran
		// (crash between insert and submit); hand it straight to the tracker.
		// The tracker's reservation CAS keeps concurrent callers to one job.
		if scene.JobStatus == nil {
			return e.submitAndReload(ctx, sceneID, actorID)
		}
		return domain.Scene{}, fmt.Errorf("scene %s is already queued: %w", sceneID, repo.ErrConflict)
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scene{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RequeueSceneTx(ctx, tx, sceneID, scene.Status, now); err != nil {
		return domain.Scene{}, err
	}
	if err := e.Events.Append(ctx, tx, events.SceneRegenerate, scene.ProjectID, "scene", sceneID, actorID, events.EventPayload{
		"from_status": scene.Status,
		"version":     scene.Version,
	}); err != nil {
		return domain.Scene{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scene{}, err
	}

	return e.submitAndReload(ctx, sceneID, actorID)
}

// DeleteScene soft-deletes the scene, opening the undo window. An in-flight
// job is implicitly cancelled: the poll loop skips deleted scenes and late
// terminal reports hit the deleted_at guard.
func (e Engine) DeleteScene(ctx context.Context, sceneID, actorID string) error {
	if err := e.requireActiveAccount(ctx, actorID); err != nil {
		return err
	}
	scene, err := e.Repo.GetScene(ctx, sceneID)
	if err != nil {
		return err
	}
	if scene.Deleted() {
		return repo.ErrNotFound
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SoftDeleteSceneTx(ctx, tx, sceneID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.SceneDeleted, scene.ProjectID, "scene", sceneID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RestoreScene undoes a soft delete while the undo window is open. Once the
// window lapses the scene is gone for callers, even if the sweeper has not
// purged the row yet.
func (e Engine) RestoreScene(ctx context.Context, sceneID, actorID string) (domain.Scene, error) {
	if err := e.requireActiveAccount(ctx, actorID); err != nil {
		return domain.Scene{}, err
	}
	scene, err := e.Repo.GetScene(ctx, sceneID)
	if err != nil {
		return domain.Scene{}, err
	}
	if !scene.Deleted() {
		return domain.Scene{}, fmt.Errorf("scene %s is not deleted: %w", sceneID, repo.ErrConflict)
	}
	deletedAt, err := time.Parse(time.RFC3339, *scene.DeletedAt)
	if err != nil {
		return domain.Scene{}, fmt.Errorf("parse deleted_at: %w", err)
	}
	if e.now().After(deletedAt.Add(e.Config.UndoWindow())) {
		return domain.Scene{}, repo.ErrNotFound
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scene{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RestoreSceneTx(ctx, tx, sceneID, *scene.DeletedAt, now); err != nil {
		if repo.IsUniqueViolation(err) {
			// Another scene took this ordinal while the delete was live.
			return domain.Scene{}, fmt.Errorf("ordinal %d was reassigned: %w", scene.Ordinal, repo.ErrConflict)
		}
		return domain.Scene{}, err
	}
	if err := e.Events.Append(ctx, tx, events.SceneRestored, scene.ProjectID, "scene", sceneID, actorID, nil); err != nil {
		return domain.Scene{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scene{}, err
	}
	return e.Repo.GetScene(ctx, sceneID)
}

// PurgeExpired hard-deletes scenes whose undo window has lapsed. Versions
// cascade with the scene row. Returns the number purged.
func (e Engine) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.Config.UndoWindow()).UTC().Format(time.RFC3339)
	ids, err := e.Repo.ListExpiredDeleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		scene, err := e.Repo.GetScene(ctx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return purged, err
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return purged, err
		}
		if err := e.Repo.HardDeleteSceneTx(ctx, tx, id); err != nil {
			tx.Rollback()
			if errors.Is(err, repo.ErrNotFound) {
				continue // restored since listing
			}
			return purged, err
		}
		if err := e.Events.Append(ctx, tx, events.ScenePurged, scene.ProjectID, "scene", id, "retention", nil); err != nil {
			tx.Rollback()
			return purged, err
		}
		if err := tx.Commit(); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// AppendVersion adds an immutable version record and advances the scene's
// counter, guarded by the caller's expectation of the prior record count.
// The first append expects prior 0 and leaves the counter at 1.
func (e Engine) AppendVersion(ctx context.Context, sceneID string, expectedPrior int, mediaKey, metaJSON string) (domain.SceneVersion, error) {
	if mediaKey == "" {
		return domain.SceneVersion{}, ValidationError{Field: "media_key", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SceneVersion{}, err
	}
	defer tx.Rollback()

	scene, err := e.Repo.GetSceneTx(ctx, tx, sceneID)
	if err != nil {
		return domain.SceneVersion{}, err
	}
	if scene.Deleted() {
		return domain.SceneVersion{}, repo.ErrNotFound
	}
	prior, err := e.Repo.CountVersionsTx(ctx, tx, sceneID)
	if err != nil {
		return domain.SceneVersion{}, err
	}
	if prior != expectedPrior {
		return domain.SceneVersion{}, fmt.Errorf("expected %d prior versions, found %d: %w", expectedPrior, prior, repo.ErrConflict)
	}
	newVersion := prior + 1
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.BumpVersionTx(ctx, tx, sceneID, scene.Version, newVersion, now); err != nil {
		return domain.SceneVersion{}, err
	}
	v := domain.SceneVersion{
		SceneID:   sceneID,
		Version:   newVersion,
		MediaKey:  mediaKey,
		MetaJSON:  metaJSON,
		CreatedAt: now,
	}
	if err := e.Repo.InsertVersionTx(ctx, tx, v); err != nil {
		return domain.SceneVersion{}, err
	}
	if err := e.Events.Append(ctx, tx, events.VersionReady, scene.ProjectID, "scene", sceneID, "import", events.EventPayload{
		"version":   newVersion,
		"media_key": mediaKey,
	}); err != nil {
		return domain.SceneVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SceneVersion{}, err
	}
	return v, nil
}

// GetScene returns a scene by ID; soft-deleted scenes stay visible so the
// undo window has something to act on.
func (e Engine) GetScene(ctx context.Context, sceneID string) (domain.Scene, error) {
	return e.Repo.GetScene(ctx, sceneID)
}

// ListScenes returns a project's live scenes in ordinal order.
func (e Engine) ListScenes(ctx context.Context, projectID, status string) ([]domain.Scene, error) {
	return e.Repo.ListScenes(ctx, repo.SceneFilters{ProjectID: projectID, Status: status})
}

// ListVersions returns a scene's version history, oldest first.
func (e Engine) ListVersions(ctx context.Context, sceneID string) ([]domain.SceneVersion, error) {
	if _, err := e.Repo.GetScene(ctx, sceneID); err != nil {
		return nil, err
	}
	return e.Repo.ListVersions(ctx, sceneID)
}

// FrameURLs signs read links for the scene's input frames.
func (e Engine) FrameURLs(ctx context.Context, sceneID string) ([]domain.SignedURL, error) {
	scene, err := e.Repo.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if scene.Deleted() {
		return nil, repo.ErrNotFound
	}
	keys := []string{scene.StartFrameKey}
	if scene.EndFrameKey != nil {
		keys = append(keys, *scene.EndFrameKey)
	}
	urls := make([]domain.SignedURL, 0, len(keys))
	for _, key := range keys {
		u, err := e.Signer.GetURL(ctx, key)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// MediaURL signs a read link for one version's media, latest when version<=0.
func (e Engine) MediaURL(ctx context.Context, sceneID string, version int) (domain.SignedURL, error) {
	scene, err := e.Repo.GetScene(ctx, sceneID)
	if err != nil {
		return domain.SignedURL{}, err
	}
	if scene.Deleted() {
		return domain.SignedURL{}, repo.ErrNotFound
	}
	var v domain.SceneVersion
	if version <= 0 {
		v, err = e.Repo.LatestVersion(ctx, sceneID)
	} else {
		v, err = e.Repo.GetVersion(ctx, sceneID, version)
	}
	if err != nil {
		return domain.SignedURL{}, err
	}
	return e.Signer.GetURL(ctx, v.MediaKey)
}

// ExportItem is one ready scene's latest media with a signed link.
type ExportItem struct {
	SceneID  string `json:"scene_id"`
	Ordinal  int    `json:"ordinal"`
	ShotType string `json:"shot_type"`
	Version  int    `json:"version"`
	MediaKey string `json:"media_key"`
	URL      string `json:"url"`
	Expires  string `json:"expires" format:"date-time"`
}

// ExportManifest lists every ready scene of a project in ordinal order.
type ExportManifest struct {
	ProjectID   string       `json:"project_id"`
	GeneratedAt string       `json:"generated_at" format:"date-time"`
	Items       []ExportItem `json:"items"`
	Skipped     []string     `json:"skipped,omitempty"`
}

// Export collects the latest ready media per scene and signs read links for
// each. Scenes that are not ready are listed as skipped so the caller can
// tell a partial timeline from a complete one.
func (e Engine) Export(ctx context.Context, projectID, actorID string) (ExportManifest, error) {
	if err := e.requireActiveAccount(ctx, actorID); err != nil {
		return ExportManifest{}, err
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return ExportManifest{}, err
	}
	scenes, err := e.Repo.ListScenes(ctx, repo.SceneFilters{ProjectID: projectID})
	if err != nil {
		return ExportManifest{}, err
	}
	manifest := ExportManifest{
		ProjectID:   projectID,
		GeneratedAt: e.now().UTC().Format(time.RFC3339),
		Items:       []ExportItem{},
	}
	for _, scene := range scenes {
		if scene.Status != domain.SceneReady {
			manifest.Skipped = append(manifest.Skipped, scene.ID)
			continue
		}
		v, err := e.Repo.LatestVersion(ctx, scene.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				manifest.Skipped = append(manifest.Skipped, scene.ID)
				continue
			}
			return ExportManifest{}, err
		}
		u, err := e.Signer.GetURL(ctx, v.MediaKey)
		if err != nil {
			return ExportManifest{}, err
		}
		manifest.Items = append(manifest.Items, ExportItem{
			SceneID:  scene.ID,
			Ordinal:  scene.Ordinal,
			ShotType: scene.ShotType,
			Version:  v.Version,
			MediaKey: v.MediaKey,
			URL:      u.URL,
			Expires:  u.Expires,
		})
	}
	return manifest, nil
}

// CreateAPIKey stores the hash of a freshly minted key bound to an account.
// The plaintext never touches the database.
func (e Engine) CreateAPIKey(ctx context.Context, accountID, name, plaintext string) (domain.APIKey, error) {
	if _, err := e.Repo.GetAccount(ctx, accountID); err != nil {
		return domain.APIKey{}, err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// EnsureAccount upserts an account record, defaulting to pending status.
func (e Engine) EnsureAccount(ctx context.Context, accountID, status string) (domain.Account, error) {
	if accountID == "" {
		return domain.Account{}, ValidationError{Field: "account_id", Reason: "required"}
	}
	if status == "" {
		status = domain.AccountPending
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureAccount(ctx, tx, accountID, status, now); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return e.Repo.GetAccount(ctx, accountID)
}

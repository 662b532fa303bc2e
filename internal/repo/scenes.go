package repo

import (
	"context"
	"database/sql"
	"strings"

	"sceneline/internal/domain"
)

const sceneColumns = `id,project_id,owner_id,folder_id,start_frame_key,end_frame_key,shot_type,ordinal,version,status,job_id,job_status,job_error,job_submitted_at,created_at,updated_at,deleted_at`

func scanScene(scan func(dest ...any) error) (domain.Scene, error) {
	var s domain.Scene
	var folderID, endFrame, jobID, jobStatus, jobError, jobSubmittedAt, deletedAt sql.NullString
	err := scan(&s.ID, &s.ProjectID, &s.OwnerID, &folderID, &s.StartFrameKey, &endFrame, &s.ShotType,
		&s.Ordinal, &s.Version, &s.Status, &jobID, &jobStatus, &jobError, &jobSubmittedAt,
		&s.CreatedAt, &s.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if folderID.Valid {
		s.FolderID = &folderID.String
	}
	if endFrame.Valid {
		s.EndFrameKey = &endFrame.String
	}
	if jobID.Valid {
		s.JobID = &jobID.String
	}
	if jobStatus.Valid {
		s.JobStatus = &jobStatus.String
	}
	if jobError.Valid {
		s.JobError = &jobError.String
	}
	if jobSubmittedAt.Valid {
		s.JobSubmittedAt = &jobSubmittedAt.String
	}
	if deletedAt.Valid {
		s.DeletedAt = &deletedAt.String
	}
	return s, nil
}

// MaxOrdinalTx returns the highest ordinal among non-deleted scenes of a
// project, 0 when none exist. Must run inside the same transaction as the
// subsequent insert; the partial unique index backstops lost races.
func (r Repo) MaxOrdinalTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var max int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal),0) FROM scenes WHERE project_id=? AND deleted_at IS NULL`, projectID).Scan(&max)
	return max, err
}

func (r Repo) InsertScene(ctx context.Context, tx *sql.Tx, s domain.Scene) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scenes(`+sceneColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.OwnerID, nullableStringPtr(s.FolderID), s.StartFrameKey, nullableStringPtr(s.EndFrameKey),
		s.ShotType, s.Ordinal, s.Version, s.Status, nullableStringPtr(s.JobID), nullableStringPtr(s.JobStatus),
		nullableStringPtr(s.JobError), nullableStringPtr(s.JobSubmittedAt), s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.DeletedAt))
	return err
}

// GetScene returns a scene by ID, soft-deleted rows included — they stay
// addressable for the undo window.
func (r Repo) GetScene(ctx context.Context, id string) (domain.Scene, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE id=?`, id)
	return scanScene(row.Scan)
}

func (r Repo) GetSceneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Scene, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE id=?`, id)
	return scanScene(row.Scan)
}

type SceneFilters struct {
	ProjectID string
	Status    string
	OwnerID   string
}

// ListScenes returns non-deleted scenes ordered by ordinal.
func (r Repo) ListScenes(ctx context.Context, f SceneFilters) ([]domain.Scene, error) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ordinal ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Scene
	for rows.Next() {
		s, err := scanScene(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ReserveJobTx flips a queued scene to processing with a pending job slot.
// The status guard makes this the single point of job exclusivity: a second
// caller finds the scene no longer queued and gets ErrConflict.
func (r Repo) ReserveJobTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET status=?, job_status=?, job_id=NULL, job_error=NULL, job_submitted_at=?, updated_at=?
WHERE id=? AND status=? AND deleted_at IS NULL`,
		domain.SceneProcessing, domain.JobPending, now, now, id, domain.SceneQueued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetJobIDTx records the external job handle after a successful submission.
func (r Repo) SetJobIDTx(ctx context.Context, tx *sql.Tx, id, jobID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET job_id=?, updated_at=? WHERE id=? AND status=? AND job_status=? AND deleted_at IS NULL`,
		jobID, now, id, domain.SceneProcessing, domain.JobPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkJobProcessingTx advances a pending job once the external service
// reports it started. No-op when the job already moved on.
func (r Repo) MarkJobProcessingTx(ctx context.Context, tx *sql.Tx, id, jobID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE scenes SET job_status=?, updated_at=? WHERE id=? AND job_id=? AND job_status=? AND deleted_at IS NULL`,
		domain.JobProcessing, now, id, jobID, domain.JobPending)
	return err
}

// FailJobTx records a terminal failure for the identified job. Returns
// ErrConflict when the job is no longer in flight (stale or duplicate
// notification) so callers can treat the delivery as a no-op.
func (r Repo) FailJobTx(ctx context.Context, tx *sql.Tx, id, jobID, reason, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET status=?, job_status=?, job_error=?, updated_at=?
WHERE id=? AND job_id=? AND job_status IN (?,?) AND deleted_at IS NULL`,
		domain.SceneError, domain.JobFailed, reason, now, id, jobID, domain.JobPending, domain.JobProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// FailSubmissionTx records exhausted submission attempts: the scene holds a
// reserved slot (processing/pending, no job id) and drops to error.
func (r Repo) FailSubmissionTx(ctx context.Context, tx *sql.Tx, id, reason, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET status=?, job_status=?, job_error=?, updated_at=?
WHERE id=? AND status=? AND job_status=? AND job_id IS NULL AND deleted_at IS NULL`,
		domain.SceneError, domain.JobFailed, reason, now, id, domain.SceneProcessing, domain.JobPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteJobTx applies a successful terminal observation: scene becomes
// ready and the version counter advances to newVersion in the same statement.
// The job guard makes duplicate deliveries no-ops (ErrConflict).
func (r Repo) CompleteJobTx(ctx context.Context, tx *sql.Tx, id, jobID string, expectedVersion, newVersion int, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET status=?, job_status=?, job_error=NULL, version=?, updated_at=?
WHERE id=? AND job_id=? AND job_status IN (?,?) AND version=? AND deleted_at IS NULL`,
		domain.SceneReady, domain.JobCompleted, newVersion, now, id, jobID, domain.JobPending, domain.JobProcessing, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// RequeueSceneTx resets a ready or errored scene to queued for regeneration.
// Job fields are cleared; the version counter is untouched until success.
func (r Repo) RequeueSceneTx(ctx context.Context, tx *sql.Tx, id, fromStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET status=?, job_id=NULL, job_status=NULL, job_error=NULL, job_submitted_at=NULL, updated_at=?
WHERE id=? AND status=? AND deleted_at IS NULL`,
		domain.SceneQueued, now, id, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SoftDeleteSceneTx marks the scene deleted from any live state.
func (r Repo) SoftDeleteSceneTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreSceneTx reverses a soft delete. The deleted_at equality guard makes
// restore atomic against a concurrent purge or second restore.
func (r Repo) RestoreSceneTx(ctx context.Context, tx *sql.Tx, id, deletedAt, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET deleted_at=NULL, updated_at=? WHERE id=? AND deleted_at=?`, now, id, deletedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ListExpiredDeleted returns IDs of soft-deleted scenes whose deleted_at is
// at or before the cutoff (RFC3339 strings compare lexicographically).
func (r Repo) ListExpiredDeleted(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM scenes WHERE deleted_at IS NOT NULL AND deleted_at<=?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HardDeleteSceneTx removes the scene row; versions cascade via foreign key.
// The deleted_at guard refuses to purge a scene that was restored meanwhile.
func (r Repo) HardDeleteSceneTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM scenes WHERE id=? AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListInFlight returns live scenes whose external job is pending or
// processing, the working set for the poll loop. Deleted scenes drop out
// here, which is what cancels their tracking.
func (r Repo) ListInFlight(ctx context.Context) ([]domain.Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE job_status IN (?,?) AND deleted_at IS NULL`
	rows, err := r.DB.QueryContext(ctx, query, domain.JobPending, domain.JobProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Scene
	for rows.Next() {
		s, err := scanScene(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

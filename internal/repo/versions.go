package repo

import (
	"context"
	"database/sql"

	"sceneline/internal/domain"
)

// CountVersionsTx returns the number of version records for a scene.
func (r Repo) CountVersionsTx(ctx context.Context, tx *sql.Tx, sceneID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scene_versions WHERE scene_id=?`, sceneID).Scan(&n)
	return n, err
}

// InsertVersionTx appends an immutable version record. The (scene_id,version)
// primary key converts a duplicate append into ErrConflict.
func (r Repo) InsertVersionTx(ctx context.Context, tx *sql.Tx, v domain.SceneVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scene_versions(scene_id,version,media_key,meta_json,created_at) VALUES (?,?,?,?,?)`,
		v.SceneID, v.Version, v.MediaKey, nullable(v.MetaJSON), v.CreatedAt)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// BumpVersionTx advances the scene's version counter with a CAS on the
// expected value. Used by direct appends; job completions go through
// CompleteJobTx which carries the same guard plus the job fields.
func (r Repo) BumpVersionTx(ctx context.Context, tx *sql.Tx, sceneID string, expected, newVersion int, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET version=?, updated_at=? WHERE id=? AND version=? AND deleted_at IS NULL`,
		newVersion, now, sceneID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) GetVersion(ctx context.Context, sceneID string, version int) (domain.SceneVersion, error) {
	var v domain.SceneVersion
	var meta sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT scene_id,version,media_key,meta_json,created_at FROM scene_versions WHERE scene_id=? AND version=?`, sceneID, version).
		Scan(&v.SceneID, &v.Version, &v.MediaKey, &meta, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	v.MetaJSON = meta.String
	return v, err
}

// ListVersions returns a scene's versions in ascending order.
func (r Repo) ListVersions(ctx context.Context, sceneID string) ([]domain.SceneVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT scene_id,version,media_key,meta_json,created_at FROM scene_versions WHERE scene_id=? ORDER BY version ASC`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SceneVersion
	for rows.Next() {
		var v domain.SceneVersion
		var meta sql.NullString
		if err := rows.Scan(&v.SceneID, &v.Version, &v.MediaKey, &meta, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.MetaJSON = meta.String
		res = append(res, v)
	}
	return res, rows.Err()
}

// LatestVersion returns the newest version record for a scene.
func (r Repo) LatestVersion(ctx context.Context, sceneID string) (domain.SceneVersion, error) {
	var v domain.SceneVersion
	var meta sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT scene_id,version,media_key,meta_json,created_at FROM scene_versions WHERE scene_id=? ORDER BY version DESC LIMIT 1`, sceneID).
		Scan(&v.SceneID, &v.Version, &v.MediaKey, &meta, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	v.MetaJSON = meta.String
	return v, err
}

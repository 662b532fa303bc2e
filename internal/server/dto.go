package server

import (
	"context"
	"net/http"

	"sceneline/internal/domain"
)

type CreateProjectRequest struct {
	ID          string  `json:"id" example:"demo-film"`
	Title       string  `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Title:       p.Title,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type CreateSceneRequest struct {
	StartFrameKey string  `json:"start_frame_key" example:"frames/shot-01-start.png"`
	EndFrameKey   *string `json:"end_frame_key,omitempty"`
	ShotType      string  `json:"shot_type" example:"pan"`
	FolderID      *string `json:"folder_id,omitempty"`
}

type SceneResponse struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	OwnerID        string  `json:"owner_id"`
	FolderID       *string `json:"folder_id,omitempty"`
	StartFrameKey  string  `json:"start_frame_key"`
	EndFrameKey    *string `json:"end_frame_key,omitempty"`
	ShotType       string  `json:"shot_type"`
	Ordinal        int     `json:"ordinal"`
	Version        int     `json:"version"`
	Status         string  `json:"status" enum:"queued,processing,ready,error"`
	JobID          *string `json:"job_id,omitempty"`
	JobStatus      *string `json:"job_status,omitempty"`
	JobError       *string `json:"job_error,omitempty"`
	JobSubmittedAt *string `json:"job_submitted_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	DeletedAt      *string `json:"deleted_at,omitempty" format:"date-time"`
}

func sceneResponse(s domain.Scene) SceneResponse {
	return SceneResponse{
		ID:             s.ID,
		ProjectID:      s.ProjectID,
		OwnerID:        s.OwnerID,
		FolderID:       s.FolderID,
		StartFrameKey:  s.StartFrameKey,
		EndFrameKey:    s.EndFrameKey,
		ShotType:       s.ShotType,
		Ordinal:        s.Ordinal,
		Version:        s.Version,
		Status:         s.Status,
		JobID:          s.JobID,
		JobStatus:      s.JobStatus,
		JobError:       s.JobError,
		JobSubmittedAt: s.JobSubmittedAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		DeletedAt:      s.DeletedAt,
	}
}

func mapScenes(items []domain.Scene) []SceneResponse {
	res := make([]SceneResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sceneResponse(s))
	}
	return res
}

type VersionResponse struct {
	SceneID   string `json:"scene_id"`
	Version   int    `json:"version"`
	MediaKey  string `json:"media_key"`
	MetaJSON  string `json:"meta_json,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func versionResponse(v domain.SceneVersion) VersionResponse {
	return VersionResponse{
		SceneID:   v.SceneID,
		Version:   v.Version,
		MediaKey:  v.MediaKey,
		MetaJSON:  v.MetaJSON,
		CreatedAt: v.CreatedAt,
	}
}

func mapVersions(items []domain.SceneVersion) []VersionResponse {
	res := make([]VersionResponse, 0, len(items))
	for _, v := range items {
		res = append(res, versionResponse(v))
	}
	return res
}

type SignedURLResponse struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Expires string `json:"expires" format:"date-time"`
}

func mapSignedURLs(items []domain.SignedURL) []SignedURLResponse {
	res := make([]SignedURLResponse, 0, len(items))
	for _, u := range items {
		res = append(res, SignedURLResponse{Key: u.Key, URL: u.URL, Expires: u.Expires})
	}
	return res
}

// GenerationCallbackRequest is what the generation service posts back when a
// job changes state.
type GenerationCallbackRequest struct {
	SceneID  string         `json:"scene_id"`
	JobID    string         `json:"job_id"`
	State    string         `json:"state" enum:"pending,processing,completed,failed"`
	MediaKey string         `json:"media_key,omitempty"`
	Error    string         `json:"error,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			ProjectID:  e.ProjectID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return res
}

type CreateAPIKeyRequest struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"` // plaintext, returned once at creation
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AccountResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status" enum:"active,pending,rejected"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func requireBody(ctx context.Context) error {
	if len(bodyBytes(ctx)) == 0 {
		return newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	return nil
}

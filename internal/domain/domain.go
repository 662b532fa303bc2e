package domain

// Scene statuses.
const (
	SceneQueued     = "queued"
	SceneProcessing = "processing"
	SceneReady      = "ready"
	SceneError      = "error"
)

// External job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Account statuses.
const (
	AccountActive   = "active"
	AccountPending  = "pending"
	AccountRejected = "rejected"
)

type Project struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Scene struct {
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
	JobStatus      *string `json:"job_status,omitempty" enum:"pending,processing,completed,failed"`
	JobError       *string `json:"job_error,omitempty"`
	JobSubmittedAt *string `json:"job_submitted_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	DeletedAt      *string `json:"deleted_at,omitempty" format:"date-time"`
}

// Deleted reports whether the scene is soft-deleted.
func (s Scene) Deleted() bool { return s.DeletedAt != nil }

// JobInFlight reports whether an external job is still pending or processing.
func (s Scene) JobInFlight() bool {
	if s.JobStatus == nil {
		return false
	}
	return *s.JobStatus == JobPending || *s.JobStatus == JobProcessing
}

type SceneVersion struct {
	SceneID   string `json:"scene_id"`
	Version   int    `json:"version"`
	MediaKey  string `json:"media_key"`
	MetaJSON  string `json:"meta_json,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Account struct {
	ID        string `json:"id"`
	Status    string `json:"status" enum:"active,pending,rejected"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// SignedURL is a time-limited read link for a stored object.
type SignedURL struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Expires string `json:"expires" format:"date-time"`
}

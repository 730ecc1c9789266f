package domain

// Project statuses.
const (
	ProjectPending    = "pending"
	ProjectInProgress = "in_progress"
	ProjectCompleted  = "completed"
)

// Stage statuses.
const (
	StageNotStarted = "NOT_STARTED"
	StageInReview   = "IN_REVIEW"
	StageDraft      = "DRAFT"
	StageCompleted  = "COMPLETED"
)

// Checkpoint statuses and review outcomes. A checkpoint's current status is
// a cache of the latest ledger outcome; PENDING means no pass has run yet.
const (
	CheckpointPending = "PENDING"
	OutcomeApproved   = "APPROVED"
	OutcomeChanges    = "CHANGES_REQUIRED"
)

// Membership roles.
const (
	RoleSDH      = "sdh"
	RoleExecutor = "executor"
	RoleReviewer = "reviewer"
)

type Project struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Status    string  `json:"status" enum:"pending,in_progress,completed"`
	StartDate string  `json:"start_date" format:"date-time"`
	EndDate   *string `json:"end_date,omitempty" format:"date-time"`
	CreatedBy string  `json:"created_by"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Stage struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status" enum:"NOT_STARTED,IN_REVIEW,DRAFT,COMPLETED"`
	RevisionNumber int    `json:"revision_number"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type SubTopic struct {
	ID        string `json:"id"`
	StageID   string `json:"stage_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ImageRef points at stored image bytes; payloads never travel inline with
// checkpoint or ledger reads.
type ImageRef struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
}

// Response is one side of a checkpoint's answer pair. Answer is tri-state:
// nil means not answered yet.
type Response struct {
	Answer      *bool      `json:"answer"`
	Remark      string     `json:"remark,omitempty"`
	Images      []ImageRef `json:"images,omitempty"`
	RespondedBy string     `json:"responded_by,omitempty"`
	RespondedAt *string    `json:"responded_at,omitempty" format:"date-time"`
}

type Checkpoint struct {
	ID               string   `json:"id"`
	SubTopicID       string   `json:"subtopic_id"`
	Question         string   `json:"question"`
	CurrentStatus    string   `json:"current_status" enum:"PENDING,APPROVED,CHANGES_REQUIRED"`
	ExecutorResponse Response `json:"executor_response"`
	ReviewerResponse Response `json:"reviewer_response"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// LedgerEntry is the immutable record of one review pass over one
// checkpoint. Entries are never updated or deleted.
type LedgerEntry struct {
	ID               string   `json:"id"`
	CheckpointID     string   `json:"checkpoint_id"`
	Iteration        int      `json:"iteration"`
	Outcome          string   `json:"outcome" enum:"APPROVED,CHANGES_REQUIRED"`
	ExecutorResponse Response `json:"executor_response"`
	ReviewerResponse Response `json:"reviewer_response"`
	ExecutorID       string   `json:"executor_id"`
	ReviewerID       string   `json:"reviewer_id"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
}

type Image struct {
	ID           string `json:"id"`
	CheckpointID string `json:"checkpoint_id"`
	Side         string `json:"side" enum:"executor,reviewer"`
	ContentType  string `json:"content_type"`
	Data         []byte `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Template is a reusable inspection tree. The stage/subtopic/checkpoint
// structure is stored as one JSON payload; instantiation materializes it
// into real rows under a project.
type Template struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Stages    []TemplateStage `json:"stages"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type TemplateStage struct {
	Name      string             `json:"name" yaml:"name"`
	SubTopics []TemplateSubTopic `json:"sub_topics" yaml:"sub_topics"`
}

type TemplateSubTopic struct {
	Name        string   `json:"name" yaml:"name"`
	Checkpoints []string `json:"checkpoints" yaml:"checkpoints"`
}

type Membership struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role" enum:"sdh,executor,reviewer"`
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

// StageInfo is the read-only aggregate for one stage: the stage record,
// its subtopics, and every checkpoint with its full ledger history.
type StageInfo struct {
	Stage     Stage          `json:"stage"`
	SubTopics []SubTopicInfo `json:"sub_topics"`
}

type SubTopicInfo struct {
	SubTopic    SubTopic         `json:"subtopic"`
	Checkpoints []CheckpointInfo `json:"checkpoints"`
}

type CheckpointInfo struct {
	Checkpoint Checkpoint    `json:"checkpoint"`
	History    []LedgerEntry `json:"history"`
}

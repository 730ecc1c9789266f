package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID        string
	Name      string
	StartDate string
	EndDate   string
	ActorID   string
}

// CreateProject inserts a project in the pending state together with its
// default config.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, validationf("name is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:        opts.ID,
		Name:      opts.Name,
		Status:    domain.ProjectPending,
		StartDate: opts.StartDate,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.StartDate == "" {
		p.StartDate = now
	}
	if opts.EndDate != "" {
		p.EndDate = &opts.EndDate
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"name": p.Name, "status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CreateTemplate stores a named stage/subtopic/checkpoint tree.
func (e Engine) CreateTemplate(ctx context.Context, t domain.Template, actorID string) (domain.Template, error) {
	if t.Name == "" {
		return t, validationf("name is required")
	}
	if len(t.Stages) == 0 {
		return t, validationf("template has no stages")
	}
	for _, st := range t.Stages {
		if st.Name == "" {
			return t, validationf("template stage without a name")
		}
		for _, sub := range st.SubTopics {
			if sub.Name == "" {
				return t, validationf("template subtopic without a name in stage %q", st.Name)
			}
			for _, q := range sub.Checkpoints {
				if q == "" {
					return t, validationf("empty checkpoint question in subtopic %q", sub.Name)
				}
			}
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "template.created", "", "template", t.ID, actorID, events.EventPayload{"name": t.Name}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// InstantiateTemplate materializes a template under a pending project and
// flips the project to in_progress. The whole tree commits atomically.
func (e Engine) InstantiateTemplate(ctx context.Context, projectID, templateID, actorID string) ([]domain.Stage, error) {
	tmpl, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProjectPending {
		return nil, &TransitionError{Entity: "project", ID: p.ID, Current: p.Status, Requested: domain.ProjectInProgress}
	}
	now := e.now().UTC().Format(time.RFC3339)
	var stages []domain.Stage
	for _, ts := range tmpl.Stages {
		s := domain.Stage{
			ID:        uuid.New().String(),
			ProjectID: p.ID,
			Name:      ts.Name,
			Status:    domain.StageNotStarted,
			CreatedBy: actorID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
			return nil, err
		}
		for _, tsub := range ts.SubTopics {
			sub := domain.SubTopic{ID: uuid.New().String(), StageID: s.ID, Name: tsub.Name, CreatedAt: now}
			if err := e.Repo.InsertSubTopic(ctx, tx, sub); err != nil {
				return nil, err
			}
			for _, question := range tsub.Checkpoints {
				cp := domain.Checkpoint{
					ID:            uuid.New().String(),
					SubTopicID:    sub.ID,
					Question:      question,
					CurrentStatus: domain.CheckpointPending,
					CreatedAt:     now,
					UpdatedAt:     now,
				}
				if err := e.Repo.InsertCheckpoint(ctx, tx, cp); err != nil {
					return nil, err
				}
			}
		}
		stages = append(stages, s)
	}
	if err := e.Repo.MarkProjectInProgress(ctx, tx, p.ID); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectInstantiated, p.ID, "project", p.ID, actorID, events.EventPayload{
		"template_id": tmpl.ID,
		"stages":      len(stages),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stages, nil
}

// CreateStage adds an empty NOT_STARTED stage to an existing project.
func (e Engine) CreateStage(ctx context.Context, projectID, name, description, actorID string) (domain.Stage, error) {
	if name == "" {
		return domain.Stage{}, validationf("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return domain.Stage{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Stage{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Name:        name,
		Description: description,
		Status:      domain.StageNotStarted,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
		return domain.Stage{}, err
	}
	if err := e.Events.Append(ctx, tx, events.StageCreated, projectID, "stage", s.ID, actorID, events.EventPayload{"name": s.Name}); err != nil {
		return domain.Stage{}, err
	}
	return s, tx.Commit()
}

func (e Engine) CreateSubTopic(ctx context.Context, stageID, name, actorID string) (domain.SubTopic, error) {
	if name == "" {
		return domain.SubTopic{}, validationf("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SubTopic{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.SubTopic{}, err
	}
	sub := domain.SubTopic{
		ID:        uuid.New().String(),
		StageID:   s.ID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertSubTopic(ctx, tx, sub); err != nil {
		return domain.SubTopic{}, err
	}
	if err := e.Events.Append(ctx, tx, "subtopic.created", s.ProjectID, "subtopic", sub.ID, actorID, events.EventPayload{"name": sub.Name}); err != nil {
		return domain.SubTopic{}, err
	}
	return sub, tx.Commit()
}

func (e Engine) CreateCheckpoint(ctx context.Context, subTopicID, question, actorID string) (domain.Checkpoint, error) {
	if question == "" {
		return domain.Checkpoint{}, validationf("question is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	defer tx.Rollback()
	sub, err := e.Repo.GetSubTopicTx(ctx, tx, subTopicID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	s, err := e.Repo.GetStageTx(ctx, tx, sub.StageID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	cp := domain.Checkpoint{
		ID:            uuid.New().String(),
		SubTopicID:    sub.ID,
		Question:      question,
		CurrentStatus: domain.CheckpointPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertCheckpoint(ctx, tx, cp); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := e.Events.Append(ctx, tx, "checkpoint.created", s.ProjectID, "checkpoint", cp.ID, actorID, events.EventPayload{"question": cp.Question}); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, tx.Commit()
}

func (e Engine) RenameSubTopic(ctx context.Context, subTopicID, name, actorID string) (domain.SubTopic, error) {
	if name == "" {
		return domain.SubTopic{}, validationf("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SubTopic{}, err
	}
	defer tx.Rollback()
	sub, err := e.Repo.GetSubTopicTx(ctx, tx, subTopicID)
	if err != nil {
		return domain.SubTopic{}, err
	}
	s, err := e.Repo.GetStageTx(ctx, tx, sub.StageID)
	if err != nil {
		return domain.SubTopic{}, err
	}
	if err := e.Repo.RenameSubTopicTx(ctx, tx, sub.ID, name); err != nil {
		return domain.SubTopic{}, err
	}
	sub.Name = name
	if err := e.Events.Append(ctx, tx, "subtopic.updated", s.ProjectID, "subtopic", sub.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.SubTopic{}, err
	}
	return sub, tx.Commit()
}

// UpdateCheckpointQuestion rewrites the question text. Recorded responses
// and ledger entries keep whatever question was asked at the time.
func (e Engine) UpdateCheckpointQuestion(ctx context.Context, checkpointID, question, actorID string) (domain.Checkpoint, error) {
	if question == "" {
		return domain.Checkpoint{}, validationf("question is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	defer tx.Rollback()
	cp, err := e.Repo.GetCheckpointTx(ctx, tx, checkpointID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	sub, err := e.Repo.GetSubTopicTx(ctx, tx, cp.SubTopicID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	s, err := e.Repo.GetStageTx(ctx, tx, sub.StageID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	cp.Question = question
	cp.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateCheckpointResponses(ctx, tx, cp); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := e.Events.Append(ctx, tx, "checkpoint.updated", s.ProjectID, "checkpoint", cp.ID, actorID, events.EventPayload{"question": question}); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, tx.Commit()
}

// ImageUpload is one attachment supplied with a response update.
type ImageUpload struct {
	ContentType string
	Data        []byte
}

// ResponseUpdate carries a partial update for one side of a checkpoint's
// response pair. Nil fields leave the stored value alone; images append.
type ResponseUpdate struct {
	CheckpointID string
	Side         string
	Answer       *bool
	Remark       *string
	Images       []ImageUpload
	ActorID      string
}

// RecordExecutorResponse merges an update into the checkpoint's executor
// response and stamps responded_at.
func (e Engine) RecordExecutorResponse(ctx context.Context, upd ResponseUpdate) (domain.Checkpoint, error) {
	upd.Side = domain.RoleExecutor
	return e.recordResponse(ctx, upd)
}

// RecordReviewerResponse is the reviewer-side counterpart.
func (e Engine) RecordReviewerResponse(ctx context.Context, upd ResponseUpdate) (domain.Checkpoint, error) {
	upd.Side = domain.RoleReviewer
	return e.recordResponse(ctx, upd)
}

func (e Engine) recordResponse(ctx context.Context, upd ResponseUpdate) (domain.Checkpoint, error) {
	if e.Config == nil {
		return domain.Checkpoint{}, errors.New("config not loaded")
	}
	if len(upd.Images) > e.Config.Uploads.MaxFilesPerRequest {
		return domain.Checkpoint{}, validationf("too many images: %d supplied, at most %d per request", len(upd.Images), e.Config.Uploads.MaxFilesPerRequest)
	}
	for _, img := range upd.Images {
		if !e.Config.AllowsContentType(img.ContentType) {
			return domain.Checkpoint{}, validationf("content type %q not allowed", img.ContentType)
		}
		if int64(len(img.Data)) > e.Config.Uploads.MaxFileBytes {
			return domain.Checkpoint{}, validationf("image exceeds %d byte limit", e.Config.Uploads.MaxFileBytes)
		}
		if len(img.Data) == 0 {
			return domain.Checkpoint{}, validationf("empty image payload")
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	defer tx.Rollback()

	cp, err := e.Repo.GetCheckpointTx(ctx, tx, upd.CheckpointID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	sub, err := e.Repo.GetSubTopicTx(ctx, tx, cp.SubTopicID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	s, err := e.Repo.GetStageTx(ctx, tx, sub.StageID)
	if err != nil {
		return domain.Checkpoint{}, err
	}

	resp := &cp.ExecutorResponse
	if upd.Side == domain.RoleReviewer {
		resp = &cp.ReviewerResponse
	}
	now := e.now().UTC().Format(time.RFC3339)
	if upd.Answer != nil {
		resp.Answer = upd.Answer
	}
	if upd.Remark != nil {
		resp.Remark = *upd.Remark
	}
	for _, img := range upd.Images {
		stored := domain.Image{
			ID:           uuid.New().String(),
			CheckpointID: cp.ID,
			Side:         upd.Side,
			ContentType:  img.ContentType,
			Data:         img.Data,
			CreatedAt:    now,
		}
		if err := e.Repo.InsertImage(ctx, tx, stored); err != nil {
			return domain.Checkpoint{}, err
		}
		resp.Images = append(resp.Images, domain.ImageRef{ID: stored.ID, ContentType: stored.ContentType})
	}
	if upd.ActorID != "" {
		resp.RespondedBy = upd.ActorID
	}
	resp.RespondedAt = &now
	cp.UpdatedAt = now

	if err := e.Repo.UpdateCheckpointResponses(ctx, tx, cp); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CheckpointResponded, s.ProjectID, "checkpoint", cp.ID, upd.ActorID, events.EventPayload{
		"side":   upd.Side,
		"answer": resp.Answer,
		"images": len(upd.Images),
	}); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, tx.Commit()
}

// SubmitStageForReview moves a stage into IN_REVIEW. Allowed from
// NOT_STARTED, DRAFT (resubmission after rework) and COMPLETED
// (re-opening a finished stage); rejected while a review is active.
func (e Engine) SubmitStageForReview(ctx context.Context, stageID, actorID string) (domain.Stage, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.Stage{}, err
	}
	switch s.Status {
	case domain.StageNotStarted, domain.StageDraft, domain.StageCompleted:
	default:
		return domain.Stage{}, &TransitionError{Entity: "stage", ID: s.ID, Current: s.Status, Requested: domain.StageInReview}
	}
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.TransitionStage(ctx, tx, s.ID, s.Status, domain.StageInReview, s.RevisionNumber, now)
	if err != nil {
		return domain.Stage{}, err
	}
	if !ok {
		return domain.Stage{}, &ConflictError{Msg: "stage " + s.ID + " changed status concurrently"}
	}
	if err := e.Events.Append(ctx, tx, events.StageSubmitted, s.ProjectID, "stage", s.ID, actorID, events.EventPayload{
		"from": s.Status,
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	s.Status = domain.StageInReview
	s.UpdatedAt = now
	return s, nil
}

// DecideReview runs one full review pass over every checkpoint under the
// stage and applies the target status. All ledger entries and the stage
// transition commit together or not at all.
func (e Engine) DecideReview(ctx context.Context, stageID, reviewerID, targetStatus string) (domain.Stage, []domain.LedgerEntry, error) {
	if e.Config == nil {
		return domain.Stage{}, nil, errors.New("config not loaded")
	}
	if targetStatus != domain.StageDraft && targetStatus != domain.StageCompleted {
		return domain.Stage{}, nil, validationf("target status must be DRAFT or COMPLETED, got %q", targetStatus)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, nil, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.Stage{}, nil, err
	}
	if s.Status != domain.StageInReview {
		return domain.Stage{}, nil, &TransitionError{Entity: "stage", ID: s.ID, Current: s.Status, Requested: targetStatus}
	}
	subTopics, err := e.Repo.ListSubTopicsTx(ctx, tx, s.ID)
	if err != nil {
		return domain.Stage{}, nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	var (
		entries       []domain.LedgerEntry
		changesCount  int
		fallbackCount int
	)
	for _, sub := range subTopics {
		checkpoints, err := e.Repo.ListCheckpointsTx(ctx, tx, sub.ID)
		if err != nil {
			return domain.Stage{}, nil, err
		}
		for _, cp := range checkpoints {
			maxIter, err := e.Repo.MaxIterationTx(ctx, tx, cp.ID)
			if err != nil {
				return domain.Stage{}, nil, err
			}
			outcome := computeOutcome(cp.ExecutorResponse.Answer, cp.ReviewerResponse.Answer)
			if outcome == domain.OutcomeChanges {
				changesCount++
			}
			executorID := cp.ExecutorResponse.RespondedBy
			if executorID == "" {
				executorID = s.CreatedBy
				fallbackCount++
				e.logf("checkpoint %s: executor response has no recorded identity, falling back to stage creator %s", cp.ID, executorID)
			}
			entry := domain.LedgerEntry{
				ID:               ulid.Make().String(),
				CheckpointID:     cp.ID,
				Iteration:        maxIter + 1,
				Outcome:          outcome,
				ExecutorResponse: cp.ExecutorResponse,
				ReviewerResponse: cp.ReviewerResponse,
				ExecutorID:       executorID,
				ReviewerID:       reviewerID,
				CreatedAt:        now,
			}
			if err := e.Repo.InsertLedgerEntryTx(ctx, tx, entry); err != nil {
				return domain.Stage{}, nil, err
			}
			if err := e.Repo.SetCheckpointStatus(ctx, tx, cp.ID, outcome, now); err != nil {
				return domain.Stage{}, nil, err
			}
			entries = append(entries, entry)
		}
	}
	if targetStatus == domain.StageCompleted && e.Config.Review.RequireAllApproved && changesCount > 0 {
		return domain.Stage{}, nil, validationf("cannot complete stage %s: %d checkpoint(s) require changes", s.ID, changesCount)
	}
	revision := s.RevisionNumber
	if targetStatus == domain.StageDraft {
		revision++
	}
	ok, err := e.Repo.TransitionStage(ctx, tx, s.ID, domain.StageInReview, targetStatus, revision, now)
	if err != nil {
		return domain.Stage{}, nil, err
	}
	if !ok {
		return domain.Stage{}, nil, &ConflictError{Msg: "concurrent review decision on stage " + s.ID}
	}
	if err := e.Events.Append(ctx, tx, events.StageDecided, s.ProjectID, "stage", s.ID, reviewerID, events.EventPayload{
		"target":             targetStatus,
		"revision":           revision,
		"entries":            len(entries),
		"changes_required":   changesCount,
		"executor_fallbacks": fallbackCount,
	}); err != nil {
		return domain.Stage{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, nil, err
	}
	s.Status = targetStatus
	s.RevisionNumber = revision
	s.UpdatedAt = now
	return s, entries, nil
}

// computeOutcome compares only the boolean answers. Remarks and images do
// not participate.
func computeOutcome(executor, reviewer *bool) string {
	if executor != nil && reviewer != nil && *executor == *reviewer {
		return domain.OutcomeApproved
	}
	return domain.OutcomeChanges
}

// GetStageInfo assembles the stage, its subtopics, and every checkpoint
// with its full ledger history. Pure read; image bytes never travel here,
// responses carry refs only.
func (e Engine) GetStageInfo(ctx context.Context, stageID string) (domain.StageInfo, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return domain.StageInfo{}, err
	}
	subTopics, err := e.Repo.ListSubTopics(ctx, s.ID)
	if err != nil {
		return domain.StageInfo{}, err
	}
	info := domain.StageInfo{Stage: s, SubTopics: []domain.SubTopicInfo{}}
	for _, sub := range subTopics {
		checkpoints, err := e.Repo.ListCheckpoints(ctx, sub.ID)
		if err != nil {
			return domain.StageInfo{}, err
		}
		subInfo := domain.SubTopicInfo{SubTopic: sub, Checkpoints: []domain.CheckpointInfo{}}
		for _, cp := range checkpoints {
			history, err := e.Repo.ListLedgerEntries(ctx, cp.ID)
			if err != nil {
				return domain.StageInfo{}, err
			}
			if history == nil {
				history = []domain.LedgerEntry{}
			}
			subInfo.Checkpoints = append(subInfo.Checkpoints, domain.CheckpointInfo{Checkpoint: cp, History: history})
		}
		info.SubTopics = append(info.SubTopics, subInfo)
	}
	return info, nil
}

// GetCheckpointHistory returns the checkpoint's ledger entries ascending
// by iteration.
func (e Engine) GetCheckpointHistory(ctx context.Context, checkpointID string) ([]domain.LedgerEntry, error) {
	if _, err := e.Repo.GetCheckpoint(ctx, checkpointID); err != nil {
		return nil, err
	}
	entries, err := e.Repo.ListLedgerEntries(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return entries, nil
}

// AddMembership records a user/role on a project roster. Adding an
// existing triple is a no-op.
func (e Engine) AddMembership(ctx context.Context, projectID, userID, role, actorID string) (domain.Membership, error) {
	switch role {
	case domain.RoleSDH, domain.RoleExecutor, domain.RoleReviewer:
	default:
		return domain.Membership{}, validationf("unknown role %q", role)
	}
	if userID == "" {
		return domain.Membership{}, validationf("user id is required")
	}
	// Checked outside the transaction; the connection pool is size one.
	exists, err := e.Repo.HasMembership(ctx, projectID, userID, role)
	if err != nil {
		return domain.Membership{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return domain.Membership{}, err
	}
	m := domain.Membership{
		ProjectID: projectID,
		UserID:    userID,
		Role:      role,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.AddMembership(ctx, tx, m); err != nil {
		return domain.Membership{}, err
	}
	if !exists {
		if err := e.Events.Append(ctx, tx, events.MembershipAdded, projectID, "membership", userID, actorID, events.EventPayload{"role": role}); err != nil {
			return domain.Membership{}, err
		}
	}
	return m, tx.Commit()
}

func (e Engine) RemoveMembership(ctx context.Context, projectID, userID, role, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveMembership(ctx, tx, projectID, userID, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.MembershipRemoved, projectID, "membership", userID, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

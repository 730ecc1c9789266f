package engine_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", Name: "Plant refit", ActorID: "sdh-1"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// seedStage creates one stage with a subtopic and two checkpoints,
// returning the stage and checkpoint ids in creation order.
func seedStage(t *testing.T, env testEnv) (domain.Stage, []string) {
	t.Helper()
	s, err := env.Engine.CreateStage(env.Ctx, "proj-1", "Foundation", "", "sdh-1")
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	sub, err := env.Engine.CreateSubTopic(env.Ctx, s.ID, "Concrete works", "sdh-1")
	if err != nil {
		t.Fatalf("create subtopic: %v", err)
	}
	var ids []string
	for _, q := range []string{"Rebar spacing checked?", "Curing time respected?"} {
		cp, err := env.Engine.CreateCheckpoint(env.Ctx, sub.ID, q, "sdh-1")
		if err != nil {
			t.Fatalf("create checkpoint: %v", err)
		}
		ids = append(ids, cp.ID)
	}
	return s, ids
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func answer(t *testing.T, env testEnv, cpID string, side string, a *bool, actor string) {
	t.Helper()
	upd := engine.ResponseUpdate{CheckpointID: cpID, Answer: a, ActorID: actor}
	var err error
	if side == domain.RoleReviewer {
		_, err = env.Engine.RecordReviewerResponse(env.Ctx, upd)
	} else {
		_, err = env.Engine.RecordExecutorResponse(env.Ctx, upd)
	}
	if err != nil {
		t.Fatalf("record %s response: %v", side, err)
	}
}

func TestSubmitAndDecideLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s, cps := seedStage(t, env)
	if s.Status != domain.StageNotStarted || s.RevisionNumber != 0 {
		t.Fatalf("unexpected initial stage: %+v", s)
	}

	s, err := env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1")
	if err != nil || s.Status != domain.StageInReview {
		t.Fatalf("submit: %v status=%s", err, s.Status)
	}

	// first pass: answers disagree on the second checkpoint
	answer(t, env, cps[0], domain.RoleExecutor, boolPtr(true), "exec-1")
	answer(t, env, cps[0], domain.RoleReviewer, boolPtr(true), "rev-1")
	answer(t, env, cps[1], domain.RoleExecutor, boolPtr(true), "exec-1")
	answer(t, env, cps[1], domain.RoleReviewer, boolPtr(false), "rev-1")

	s, entries, err := env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", domain.StageDraft)
	if err != nil {
		t.Fatalf("decide draft: %v", err)
	}
	if s.Status != domain.StageDraft || s.RevisionNumber != 1 {
		t.Fatalf("after draft decision: status=%s revision=%d", s.Status, s.RevisionNumber)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Iteration != 1 {
			t.Fatalf("first pass iteration = %d", e.Iteration)
		}
	}

	// rework, resubmit, complete
	answer(t, env, cps[1], domain.RoleReviewer, boolPtr(true), "rev-1")
	s, err = env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1")
	if err != nil {
		t.Fatalf("resubmit from draft: %v", err)
	}
	s, entries, err = env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", domain.StageCompleted)
	if err != nil {
		t.Fatalf("decide completed: %v", err)
	}
	if s.Status != domain.StageCompleted || s.RevisionNumber != 1 {
		t.Fatalf("after completion: status=%s revision=%d", s.Status, s.RevisionNumber)
	}
	for _, e := range entries {
		if e.Iteration != 2 {
			t.Fatalf("second pass iteration = %d", e.Iteration)
		}
	}

	// ledger per checkpoint is contiguous from 1
	for _, cpID := range cps {
		history, err := env.Engine.GetCheckpointHistory(env.Ctx, cpID)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 history entries, got %d", len(history))
		}
		for i, e := range history {
			if e.Iteration != i+1 {
				t.Fatalf("iteration sequence broken: got %d at index %d", e.Iteration, i)
			}
			if e.CheckpointID != cpID {
				t.Fatalf("history contains foreign checkpoint %s", e.CheckpointID)
			}
		}
	}
}

func TestOutcomeComputation(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateStage(env.Ctx, "proj-1", "Outcomes", "", "sdh-1")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := env.Engine.CreateSubTopic(env.Ctx, s.ID, "Matrix", "sdh-1")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		executor *bool
		reviewer *bool
		want     string
	}{
		{boolPtr(true), boolPtr(true), domain.OutcomeApproved},
		{boolPtr(false), boolPtr(false), domain.OutcomeApproved},
		{boolPtr(true), boolPtr(false), domain.OutcomeChanges},
		{boolPtr(true), nil, domain.OutcomeChanges},
		{nil, nil, domain.OutcomeChanges},
	}
	var ids []string
	for i := range cases {
		cp, err := env.Engine.CreateCheckpoint(env.Ctx, sub.ID, "case?", "sdh-1")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, cp.ID)
		if cases[i].executor != nil {
			answer(t, env, cp.ID, domain.RoleExecutor, cases[i].executor, "exec-1")
		}
		if cases[i].reviewer != nil {
			answer(t, env, cp.ID, domain.RoleReviewer, cases[i].reviewer, "rev-1")
		}
	}
	if _, err := env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1"); err != nil {
		t.Fatal(err)
	}
	_, entries, err := env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", domain.StageDraft)
	if err != nil {
		t.Fatal(err)
	}
	byCheckpoint := map[string]string{}
	for _, e := range entries {
		byCheckpoint[e.CheckpointID] = e.Outcome
	}
	for i, c := range cases {
		if got := byCheckpoint[ids[i]]; got != c.want {
			t.Errorf("case %d: outcome = %s, want %s", i, got, c.want)
		}
		cp, err := env.Engine.Repo.GetCheckpoint(env.Ctx, ids[i])
		if err != nil {
			t.Fatal(err)
		}
		if cp.CurrentStatus != c.want {
			t.Errorf("case %d: current_status = %s, want %s", i, cp.CurrentStatus, c.want)
		}
	}
}

func TestSubmitRejectedWhileInReview(t *testing.T) {
	env := newTestEnv(t)
	s, _ := seedStage(t, env)
	if _, err := env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1")
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.Current != domain.StageInReview {
		t.Fatalf("transition error reports %s, want %s", te.Current, domain.StageInReview)
	}
}

func TestDecideRequiresInReview(t *testing.T) {
	env := newTestEnv(t)
	s, _ := seedStage(t, env)
	_, _, err := env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", domain.StageCompleted)
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.Current != domain.StageNotStarted {
		t.Fatalf("transition error reports %s", te.Current)
	}

	if _, err := env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1"); err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", "APPROVED")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for bad target, got %v", err)
	}
}

func TestConcurrentDecideSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	s, cps := seedStage(t, env)
	if _, err := env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", domain.StageDraft)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var te *engine.TransitionError
		var ce *engine.ConflictError
		if !errors.As(err, &te) && !errors.As(err, &ce) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning decision, got %d", wins)
	}
	for _, cpID := range cps {
		history, err := env.Engine.GetCheckpointHistory(env.Ctx, cpID)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 1 || history[0].Iteration != 1 {
			t.Fatalf("checkpoint %s: expected single iteration-1 entry, got %+v", cpID, history)
		}
	}
}

func TestResponseMergeSemantics(t *testing.T) {
	env := newTestEnv(t)
	_, cps := seedStage(t, env)

	cp, err := env.Engine.RecordExecutorResponse(env.Ctx, engine.ResponseUpdate{
		CheckpointID: cps[0],
		Answer:       boolPtr(true),
		ActorID:      "exec-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cp.ExecutorResponse.Answer == nil || !*cp.ExecutorResponse.Answer {
		t.Fatalf("answer not stored")
	}
	if cp.ExecutorResponse.RespondedAt == nil {
		t.Fatalf("responded_at not stamped")
	}

	// a remark-only update must not clear the answer
	cp, err = env.Engine.RecordExecutorResponse(env.Ctx, engine.ResponseUpdate{
		CheckpointID: cps[0],
		Remark:       strPtr("level tolerance 2mm"),
		Images:       []engine.ImageUpload{{ContentType: "image/png", Data: bytes.Repeat([]byte{0x1}, 64)}},
		ActorID:      "exec-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cp.ExecutorResponse.Answer == nil || !*cp.ExecutorResponse.Answer {
		t.Fatalf("answer lost on merge")
	}
	if cp.ExecutorResponse.Remark != "level tolerance 2mm" {
		t.Fatalf("remark = %q", cp.ExecutorResponse.Remark)
	}
	if len(cp.ExecutorResponse.Images) != 1 {
		t.Fatalf("expected 1 image ref, got %d", len(cp.ExecutorResponse.Images))
	}

	// images append, never replace
	cp, err = env.Engine.RecordExecutorResponse(env.Ctx, engine.ResponseUpdate{
		CheckpointID: cps[0],
		Images:       []engine.ImageUpload{{ContentType: "image/jpeg", Data: bytes.Repeat([]byte{0x2}, 64)}},
		ActorID:      "exec-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cp.ExecutorResponse.Images) != 2 {
		t.Fatalf("expected appended images, got %d refs", len(cp.ExecutorResponse.Images))
	}
	img, err := env.Engine.Repo.GetImage(env.Ctx, cp.ExecutorResponse.Images[1].ID)
	if err != nil {
		t.Fatalf("stored image: %v", err)
	}
	if img.ContentType != "image/jpeg" || len(img.Data) != 64 {
		t.Fatalf("unexpected stored image: %s %d bytes", img.ContentType, len(img.Data))
	}
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t)
	_, cps := seedStage(t, env)

	var ve *engine.ValidationError
	tooMany := make([]engine.ImageUpload, 6)
	for i := range tooMany {
		tooMany[i] = engine.ImageUpload{ContentType: "image/png", Data: []byte{0x1}}
	}
	_, err := env.Engine.RecordExecutorResponse(env.Ctx, engine.ResponseUpdate{CheckpointID: cps[0], Images: tooMany, ActorID: "exec-1"})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for file count, got %v", err)
	}

	_, err = env.Engine.RecordExecutorResponse(env.Ctx, engine.ResponseUpdate{
		CheckpointID: cps[0],
		Images:       []engine.ImageUpload{{ContentType: "application/pdf", Data: []byte{0x1}}},
		ActorID:      "exec-1",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for content type, got %v", err)
	}

	_, err = env.Engine.RecordExecutorResponse(env.Ctx, engine.ResponseUpdate{
		CheckpointID: cps[0],
		Images:       []engine.ImageUpload{{ContentType: "image/png", Data: bytes.Repeat([]byte{0x1}, int(env.Engine.Config.Uploads.MaxFileBytes)+1)}},
		ActorID:      "exec-1",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for oversize image, got %v", err)
	}
}

func TestExecutorIdentityFallback(t *testing.T) {
	env := newTestEnv(t)
	s, cps := seedStage(t, env)
	// the first checkpoint's executor answer carries no identity
	answer(t, env, cps[0], domain.RoleExecutor, boolPtr(true), "")
	answer(t, env, cps[1], domain.RoleExecutor, boolPtr(true), "exec-1")
	if _, err := env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1"); err != nil {
		t.Fatal(err)
	}
	_, entries, err := env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", domain.StageDraft)
	if err != nil {
		t.Fatal(err)
	}
	byCheckpoint := map[string]domain.LedgerEntry{}
	for _, e := range entries {
		byCheckpoint[e.CheckpointID] = e
	}
	if got := byCheckpoint[cps[0]].ExecutorID; got != s.CreatedBy {
		t.Fatalf("expected fallback to stage creator %s, got %s", s.CreatedBy, got)
	}
	if got := byCheckpoint[cps[1]].ExecutorID; got != "exec-1" {
		t.Fatalf("expected recorded identity, got %s", got)
	}
	for _, e := range entries {
		if e.ReviewerID != "rev-1" {
			t.Fatalf("reviewer id = %s", e.ReviewerID)
		}
	}
}

func TestRequireAllApprovedPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Review.RequireAllApproved = true
	s, cps := seedStage(t, env)
	answer(t, env, cps[0], domain.RoleExecutor, boolPtr(true), "exec-1")
	answer(t, env, cps[0], domain.RoleReviewer, boolPtr(true), "rev-1")
	// second checkpoint left unanswered: CHANGES_REQUIRED
	if _, err := env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1"); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", domain.StageCompleted)
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected policy rejection, got %v", err)
	}
	// the rejected pass must not leave ledger entries behind
	history, err := env.Engine.GetCheckpointHistory(env.Ctx, cps[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("rejected decision leaked %d ledger entries", len(history))
	}
	// DRAFT is still allowed
	s2, entries, err := env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", domain.StageDraft)
	if err != nil {
		t.Fatalf("decide draft under policy: %v", err)
	}
	if s2.Status != domain.StageDraft || len(entries) != 2 {
		t.Fatalf("draft decision: status=%s entries=%d", s2.Status, len(entries))
	}
}

func TestTemplateInstantiation(t *testing.T) {
	env := newTestEnv(t)
	tmpl, err := env.Engine.CreateTemplate(env.Ctx, domain.Template{
		Name: "Civil works",
		Stages: []domain.TemplateStage{
			{Name: "Foundation", SubTopics: []domain.TemplateSubTopic{
				{Name: "Concrete", Checkpoints: []string{"Mix ratio verified?", "Slump test done?"}},
			}},
			{Name: "Structure", SubTopics: []domain.TemplateSubTopic{
				{Name: "Steel", Checkpoints: []string{"Welds inspected?"}},
			}},
		},
	}, "sdh-1")
	if err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "Site B", ActorID: "sdh-1"})
	if err != nil {
		t.Fatal(err)
	}
	stages, err := env.Engine.InstantiateTemplate(env.Ctx, p.ID, tmpl.ID, "sdh-1")
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	p2, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Status != domain.ProjectInProgress {
		t.Fatalf("project status = %s", p2.Status)
	}
	info, err := env.Engine.GetStageInfo(env.Ctx, stages[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.SubTopics) != 1 || len(info.SubTopics[0].Checkpoints) != 2 {
		t.Fatalf("unexpected tree: %+v", info)
	}
	for _, cp := range info.SubTopics[0].Checkpoints {
		if cp.Checkpoint.CurrentStatus != domain.CheckpointPending {
			t.Fatalf("fresh checkpoint status = %s", cp.Checkpoint.CurrentStatus)
		}
	}
	// instantiating again is rejected: the project is no longer pending
	_, err = env.Engine.InstantiateTemplate(env.Ctx, p.ID, tmpl.ID, "sdh-1")
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestMembershipRoster(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddMembership(env.Ctx, "proj-1", "exec-1", domain.RoleExecutor, "sdh-1"); err != nil {
		t.Fatal(err)
	}
	// duplicate add is a no-op
	if _, err := env.Engine.AddMembership(env.Ctx, "proj-1", "exec-1", domain.RoleExecutor, "sdh-1"); err != nil {
		t.Fatal(err)
	}
	var ve *engine.ValidationError
	if _, err := env.Engine.AddMembership(env.Ctx, "proj-1", "exec-1", "manager", "sdh-1"); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for unknown role")
	}
	members, err := env.Engine.Repo.ListMemberships(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 membership, got %d", len(members))
	}
	var added int
	err = env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(1) FROM events WHERE type='membership.added' AND entity_id='exec-1'`).Scan(&added)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Fatalf("duplicate add logged %d membership.added events, want 1", added)
	}
	if err := env.Engine.RemoveMembership(env.Ctx, "proj-1", "exec-1", domain.RoleExecutor, "sdh-1"); err != nil {
		t.Fatal(err)
	}
}

func TestDecisionEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	s, cps := seedStage(t, env)
	answer(t, env, cps[0], domain.RoleExecutor, boolPtr(true), "exec-1")
	if _, err := env.Engine.SubmitStageForReview(env.Ctx, s.ID, "exec-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.DecideReview(env.Ctx, s.ID, "rev-1", domain.StageDraft); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, s.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		types[typ] = true
	}
	for _, want := range []string{"stage.created", "stage.submitted", "stage.review.decided"} {
		if !types[want] {
			t.Fatalf("missing event %s (got %v)", want, types)
		}
	}
}

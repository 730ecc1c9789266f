package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	token  string
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("plant-refit")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.CreateProject(context.Background(), engine.ProjectCreateOptions{
		ID:      cfg.Project.ID,
		Name:    "Plant refit",
		ActorID: "sdh-1",
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	token, err := signDevToken(testJWTSecret, "sdh-1", domain.RoleSDH)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		token:  token,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func (s *testServer) doJSON(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeAs[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

// seedStageTree creates a stage with one subtopic and two checkpoints over
// HTTP and returns their IDs.
func seedStageTree(t *testing.T, srv *testServer) (stageID, subTopicID string, checkpointIDs []string) {
	t.Helper()
	res, data := srv.doJSON(t, http.MethodPost, "/v0/projects/plant-refit/stages", map[string]any{
		"name": "Foundation",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stage: %d %s", res.StatusCode, string(data))
	}
	stage := decodeAs[domain.Stage](t, data)

	res, data = srv.doJSON(t, http.MethodPost, "/v0/stages/"+stage.ID+"/subtopics", map[string]any{
		"name": "Concrete works",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create subtopic: %d %s", res.StatusCode, string(data))
	}
	st := decodeAs[domain.SubTopic](t, data)

	for _, q := range []string{"Rebar spacing checked?", "Curing time respected?"} {
		res, data = srv.doJSON(t, http.MethodPost, "/v0/subtopics/"+st.ID+"/checkpoints", map[string]any{
			"question": q,
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create checkpoint: %d %s", res.StatusCode, string(data))
		}
		cp := decodeAs[domain.Checkpoint](t, data)
		checkpointIDs = append(checkpointIDs, cp.ID)
	}
	return stage.ID, st.ID, checkpointIDs
}

func TestReviewLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	stageID, _, cpIDs := seedStageTree(t, srv)

	// Answer both sides of every checkpoint: first approved, second mismatched.
	for i, cpID := range cpIDs {
		res, data := srv.doJSON(t, http.MethodPatch, "/v0/checkpoints/"+cpID+"/executor-response", map[string]any{
			"answer": true,
			"remark": "done",
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("executor response: %d %s", res.StatusCode, string(data))
		}
		reviewerAnswer := i == 0
		res, data = srv.doJSON(t, http.MethodPatch, "/v0/checkpoints/"+cpID+"/reviewer-response", map[string]any{
			"answer": reviewerAnswer,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("reviewer response: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := srv.doJSON(t, http.MethodPost, "/v0/stages/"+stageID+"/submit", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	submitted := decodeAs[domain.Stage](t, data)
	if submitted.Status != domain.StageInReview {
		t.Fatalf("expected IN_REVIEW, got %s", submitted.Status)
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/stages/"+stageID+"/decision", map[string]any{
		"target_status": domain.StageDraft,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision: %d %s", res.StatusCode, string(data))
	}
	decision := decodeAs[DecisionResponse](t, data)
	if decision.Stage.Status != domain.StageDraft {
		t.Fatalf("expected DRAFT, got %s", decision.Stage.Status)
	}
	if decision.Stage.RevisionNumber != 1 {
		t.Fatalf("expected revision 1, got %d", decision.Stage.RevisionNumber)
	}
	if len(decision.Entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(decision.Entries))
	}
	outcomes := map[string]string{}
	for _, entry := range decision.Entries {
		if entry.Iteration != 1 {
			t.Fatalf("expected iteration 1, got %d", entry.Iteration)
		}
		outcomes[entry.CheckpointID] = entry.Outcome
	}
	if outcomes[cpIDs[0]] != domain.OutcomeApproved {
		t.Fatalf("checkpoint 1 outcome %s", outcomes[cpIDs[0]])
	}
	if outcomes[cpIDs[1]] != domain.OutcomeChanges {
		t.Fatalf("checkpoint 2 outcome %s", outcomes[cpIDs[1]])
	}

	// History is readable per checkpoint.
	res, data = srv.doJSON(t, http.MethodGet, "/v0/checkpoints/"+cpIDs[0]+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	history := decodeAs[[]domain.LedgerEntry](t, data)
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}

	// Stage info aggregates the tree with history attached.
	res, data = srv.doJSON(t, http.MethodGet, "/v0/stages/"+stageID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get stage: %d %s", res.StatusCode, string(data))
	}
	info := decodeAs[domain.StageInfo](t, data)
	if len(info.SubTopics) != 1 || len(info.SubTopics[0].Checkpoints) != 2 {
		t.Fatalf("unexpected stage tree: %s", string(data))
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	stageID, _, _ := seedStageTree(t, srv)

	res, data := srv.doJSON(t, http.MethodPost, "/v0/stages/"+stageID+"/decision", map[string]any{
		"target_status": domain.StageCompleted,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v (%s)", err, string(data))
	}
	if envelope.Error.Code != "invalid_state_transition" {
		t.Fatalf("expected invalid_state_transition, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["current"] != domain.StageNotStarted {
		t.Fatalf("expected current NOT_STARTED, got %v", envelope.Error.Details["current"])
	}
}

func TestImageUploadAndDownload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, _, cpIDs := seedStageTree(t, srv)
	pixels := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02}

	res, data := srv.doJSON(t, http.MethodPatch, "/v0/checkpoints/"+cpIDs[0]+"/executor-response", map[string]any{
		"answer": true,
		"images": []map[string]any{
			{"content_type": "image/jpeg", "data": pixels},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload: %d %s", res.StatusCode, string(data))
	}
	cp := decodeAs[domain.Checkpoint](t, data)
	if len(cp.ExecutorResponse.Images) != 1 {
		t.Fatalf("expected 1 image ref, got %d", len(cp.ExecutorResponse.Images))
	}
	ref := cp.ExecutorResponse.Images[0]
	if ref.ContentType != "image/jpeg" {
		t.Fatalf("unexpected content type %s", ref.ContentType)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/images/"+ref.ID, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+srv.token)
	imgRes, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	defer imgRes.Body.Close()
	if imgRes.StatusCode != http.StatusOK {
		t.Fatalf("get image status %d", imgRes.StatusCode)
	}
	if ct := imgRes.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("unexpected content type %s", ct)
	}
	got, _ := io.ReadAll(imgRes.Body)
	if !bytes.Equal(got, pixels) {
		t.Fatalf("image bytes mismatch")
	}
}

func TestUploadRejectedByPolicy(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, _, cpIDs := seedStageTree(t, srv)
	res, data := srv.doJSON(t, http.MethodPatch, "/v0/checkpoints/"+cpIDs[0]+"/executor-response", map[string]any{
		"images": []map[string]any{
			{"content_type": "application/pdf", "data": []byte("%PDF-1.4")},
		},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "validation_error" {
		t.Fatalf("expected validation_error, got %s", envelope.Error.Code)
	}
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// Health stays open.
	healthRes, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", healthRes.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := srv.doJSON(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{
		"user_id": "rev-1",
		"role":    domain.RoleReviewer,
	}, map[string]string{"Authorization": ""})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	login := decodeAs[DevLoginResponse](t, data)
	if login.Token == "" {
		t.Fatal("expected token")
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/me", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+login.Token)
	meRes, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	defer meRes.Body.Close()
	meData, _ := io.ReadAll(meRes.Body)
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", meRes.StatusCode, string(meData))
	}
	me := decodeAs[WhoAmIResponse](t, meData)
	if me.UserID != "rev-1" || me.Role != domain.RoleReviewer {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestTemplateInstantiationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := srv.doJSON(t, http.MethodPost, "/v0/templates", map[string]any{
		"name": "Civil works inspection",
		"stages": []map[string]any{
			{
				"name": "Foundation",
				"sub_topics": []map[string]any{
					{"name": "Concrete works", "checkpoints": []string{"Rebar spacing checked?"}},
				},
			},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	tpl := decodeAs[domain.Template](t, data)

	res, data = srv.doJSON(t, http.MethodPost, "/v0/projects/plant-refit/instantiate", map[string]any{
		"template_id": tpl.ID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("instantiate: %d %s", res.StatusCode, string(data))
	}
	stages := decodeAs[[]domain.Stage](t, data)
	if len(stages) != 1 || stages[0].Name != "Foundation" {
		t.Fatalf("unexpected stages: %s", string(data))
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/projects/plant-refit", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d %s", res.StatusCode, string(data))
	}
	p := decodeAs[domain.Project](t, data)
	if p.Status != domain.ProjectInProgress {
		t.Fatalf("expected in_progress, got %s", p.Status)
	}

	// A second instantiation conflicts: the project left pending.
	res, data = srv.doJSON(t, http.MethodPost, "/v0/projects/plant-refit/instantiate", map[string]any{
		"template_id": tpl.ID,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestMembershipRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := srv.doJSON(t, http.MethodPost, "/v0/projects/plant-refit/memberships", map[string]any{
		"user_id": "exec-1",
		"role":    domain.RoleExecutor,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add membership: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/projects/plant-refit/memberships", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list memberships: %d %s", res.StatusCode, string(data))
	}
	items := decodeAs[[]domain.Membership](t, data)
	if len(items) != 1 || items[0].UserID != "exec-1" {
		t.Fatalf("unexpected roster: %s", string(data))
	}

	res, data = srv.doJSON(t, http.MethodDelete, "/v0/projects/plant-refit/memberships/exec-1/executor", nil, nil)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("remove membership: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodDelete, "/v0/projects/plant-refit/memberships/exec-1/executor", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	stageID, _, _ := seedStageTree(t, srv)
	res, data := srv.doJSON(t, http.MethodPost, "/v0/stages/"+stageID+"/submit", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/projects/plant-refit/events?type=stage.submitted", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	events := decodeAs[[]domain.Event](t, data)
	if len(events) != 1 {
		t.Fatalf("expected 1 stage.submitted event, got %d", len(events))
	}
	if events[0].EntityID != stageID {
		t.Fatalf("unexpected entity %s", events[0].EntityID)
	}
}

func TestWebhookDispatcherStopsOnShutdown(t *testing.T) {
	d := &webhookDispatcher{
		webhooks: []config.WebhookConfig{{URL: ""}},
		client:   &http.Client{},
		cursors:  make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on cancelled context")
	}
}

package stagegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/server"
)

func newBackend(t *testing.T) (string, func()) {
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
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: "test-secret"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	return "http://" + ln.Addr().String(), func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	}
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	body, err := json.Marshal(map[string]string{"user_id": "sdh-1", "role": domain.RoleSDH})
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.Post(baseURL+"/v0/auth/dev/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("dev login: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d", res.StatusCode)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&login); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	c := New(baseURL, "plant-refit")
	c.BearerToken = login.Token
	return c
}

func TestReviewLifecycleViaClient(t *testing.T) {
	baseURL, stop := newBackend(t)
	defer stop()
	c := newClient(t, baseURL)
	ctx := context.Background()

	s, err := c.CreateStage(ctx, "Foundation", "")
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	sub, err := c.CreateSubTopic(ctx, s.ID, "Concrete works")
	if err != nil {
		t.Fatalf("create subtopic: %v", err)
	}
	cp, err := c.CreateCheckpoint(ctx, sub.ID, "Rebar spacing per drawing?")
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}
	yes := true
	if _, err := c.RecordResponse(ctx, cp.ID, "executor", &yes, nil); err != nil {
		t.Fatalf("executor response: %v", err)
	}
	if _, err := c.RecordResponse(ctx, cp.ID, "reviewer", &yes, nil); err != nil {
		t.Fatalf("reviewer response: %v", err)
	}
	s, err = c.SubmitStage(ctx, s.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if s.Status != domain.StageInReview {
		t.Fatalf("status after submit = %s", s.Status)
	}
	dec, err := c.DecideStage(ctx, s.ID, domain.StageCompleted)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Stage.Status != domain.StageCompleted {
		t.Fatalf("status after decide = %s", dec.Stage.Status)
	}
	if len(dec.Entries) != 1 || dec.Entries[0].Outcome != domain.OutcomeApproved {
		t.Fatalf("unexpected ledger entries %+v", dec.Entries)
	}
	history, err := c.CheckpointHistory(ctx, cp.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Iteration != 1 {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestEventsDecodeWirePayload(t *testing.T) {
	baseURL, stop := newBackend(t)
	defer stop()
	c := newClient(t, baseURL)
	ctx := context.Background()

	s, err := c.CreateStage(ctx, "Foundation", "")
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	events, err := c.Events(ctx, 50)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	var created *Event
	for i := range events {
		if events[i].Type == "stage.created" && events[i].EntityID == s.ID {
			created = &events[i]
		}
	}
	if created == nil {
		t.Fatalf("stage.created for %s not in %+v", s.ID, events)
	}
	payload, err := created.PayloadMap()
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["name"] != "Foundation" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	baseURL, stop := newBackend(t)
	defer stop()
	c := newClient(t, baseURL)
	ctx := context.Background()

	s, err := c.CreateStage(ctx, "Foundation", "")
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	_, err = c.DecideStage(ctx, s.ID, domain.StageCompleted)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
}

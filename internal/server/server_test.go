package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sceneline/internal/config"
	"sceneline/internal/db"
	"sceneline/internal/domain"
	"sceneline/internal/engine"
	"sceneline/internal/generate"
	"sceneline/internal/migrate"
	"sceneline/internal/repo"
	"sceneline/internal/server"
	"sceneline/internal/signing"
	"sceneline/internal/tracker"
)

const testJWTSecret = "server-test-secret"

type fakeGenerator struct {
	mu     sync.Mutex
	nextID int
	jobs   map[string]generate.JobStatus
}

func (f *fakeGenerator) Submit(ctx context.Context, req generate.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	jobID := fmt.Sprintf("job-%d", f.nextID)
	f.jobs[jobID] = generate.JobStatus{JobID: jobID, State: generate.StatePending}
	return jobID, nil
}

func (f *fakeGenerator) Status(ctx context.Context, jobID string) (generate.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[jobID], nil
}

type fakeAuthority struct{}

func (fakeAuthority) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://media.test/" + key, nil
}

type serverEnv struct {
	Server *httptest.Server
	Engine engine.Engine
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	r := repo.Repo{DB: conn}
	trk := tracker.New(conn, r, &fakeGenerator{jobs: map[string]generate.JobStatus{}}, cfg)
	trk.BackoffBase = time.Nanosecond
	cache := signing.NewCache(fakeAuthority{}, cfg.SigningTTL(), cfg.SigningMargin())
	eng := engine.New(conn, cfg, trk, cache)

	ctx := context.Background()
	if _, err := eng.EnsureAccount(ctx, "tester", domain.AccountActive); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if _, err := eng.InitProject(ctx, "proj-1", "Test Film", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth: server.AuthConfig{
			JWTSecret:             testJWTSecret,
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &serverEnv{Server: ts, Engine: eng}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (env *serverEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.Server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := env.Server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(id string) map[string]string {
	return map[string]string{"X-User-Id": id}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func createSceneHTTP(t *testing.T, env *serverEnv, headers map[string]string) map[string]any {
	t.Helper()
	res, data := env.do(t, http.MethodPost, "/v0/projects/proj-1/scenes", map[string]any{
		"start_frame_key": "frames/start.png",
		"end_frame_key":   "frames/end.png",
		"shot_type":       "pan",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create scene: status %d: %s", res.StatusCode, data)
	}
	var scene map[string]any
	if err := json.Unmarshal(data, &scene); err != nil {
		t.Fatalf("decode scene: %v", err)
	}
	return scene
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newServerEnv(t)
	res, _ := env.do(t, http.MethodGet, "/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	env := newServerEnv(t)
	res, data := env.do(t, http.MethodGet, "/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var envl errorEnvelope
	if err := json.Unmarshal(data, &envl); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envl.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envl.Error.Code)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	env := newServerEnv(t)
	headers := map[string]string{"Authorization": "Bearer " + signToken(t, "tester")}
	scene := createSceneHTTP(t, env, headers)
	if scene["owner_id"] != "tester" {
		t.Fatalf("owner = %v", scene["owner_id"])
	}

	res, _ := env.do(t, http.MethodGet, "/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := newServerEnv(t)
	res, data := env.do(t, http.MethodPost, "/v0/apikeys", map[string]any{
		"account_id": "tester",
		"name":       "ci",
	}, asUser("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: status %d: %s", res.StatusCode, data)
	}
	var key struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("plaintext key not returned")
	}

	res, _ = env.do(t, http.MethodGet, "/v0/projects", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status = %d", res.StatusCode)
	}
	res, _ = env.do(t, http.MethodGet, "/v0/projects", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", res.StatusCode)
	}
}

func TestSceneLifecycleOverHTTP(t *testing.T) {
	env := newServerEnv(t)
	scene := createSceneHTTP(t, env, asUser("tester"))
	sceneID := scene["id"].(string)
	if scene["status"] != "processing" || scene["ordinal"].(float64) != 1 {
		t.Fatalf("created scene: %v", scene)
	}
	jobID := scene["job_id"].(string)

	res, data := env.do(t, http.MethodPost, "/v0/callbacks/generation", map[string]any{
		"scene_id":  sceneID,
		"job_id":    jobID,
		"state":     "completed",
		"media_key": "media/take-1.mp4",
	}, asUser("generator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("callback: status %d: %s", res.StatusCode, data)
	}

	res, data = env.do(t, http.MethodGet, "/v0/projects/proj-1/scenes/"+sceneID, nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get scene: status %d", res.StatusCode)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "ready" || got["version"].(float64) != 1 {
		t.Fatalf("after completion: %v", got)
	}

	res, data = env.do(t, http.MethodGet, "/v0/projects/proj-1/scenes/"+sceneID+"/versions", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("versions: status %d", res.StatusCode)
	}
	var versions []map[string]any
	if err := json.Unmarshal(data, &versions); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if len(versions) != 1 || versions[0]["media_key"] != "media/take-1.mp4" {
		t.Fatalf("versions: %v", versions)
	}
}

func TestCallbackIdempotent(t *testing.T) {
	env := newServerEnv(t)
	scene := createSceneHTTP(t, env, asUser("tester"))
	sceneID := scene["id"].(string)
	body := map[string]any{
		"scene_id":  sceneID,
		"job_id":    scene["job_id"].(string),
		"state":     "completed",
		"media_key": "media/take-1.mp4",
	}
	for i := 0; i < 2; i++ {
		res, data := env.do(t, http.MethodPost, "/v0/callbacks/generation", body, asUser("generator"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: status %d: %s", i+1, res.StatusCode, data)
		}
	}
	versions, err := env.Engine.ListVersions(context.Background(), sceneID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("duplicate callback produced %d versions", len(versions))
	}
}

func TestRegenerateConflictEnvelope(t *testing.T) {
	env := newServerEnv(t)
	scene := createSceneHTTP(t, env, asUser("tester"))
	sceneID := scene["id"].(string)
	res, data := env.do(t, http.MethodPost, "/v0/projects/proj-1/scenes/"+sceneID+"/regenerate", nil, asUser("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var envl errorEnvelope
	if err := json.Unmarshal(data, &envl); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envl.Error.Code != "conflict" {
		t.Fatalf("code = %q", envl.Error.Code)
	}
}

func TestUnknownSceneNotFound(t *testing.T) {
	env := newServerEnv(t)
	res, data := env.do(t, http.MethodGet, "/v0/projects/proj-1/scenes/missing", nil, asUser("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var envl errorEnvelope
	if err := json.Unmarshal(data, &envl); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envl.Error.Code != "not_found" {
		t.Fatalf("code = %q", envl.Error.Code)
	}
}

func TestUnknownShotTypeBadRequest(t *testing.T) {
	env := newServerEnv(t)
	res, data := env.do(t, http.MethodPost, "/v0/projects/proj-1/scenes", map[string]any{
		"start_frame_key": "frames/start.png",
		"shot_type":       "crane",
	}, asUser("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var envl errorEnvelope
	if err := json.Unmarshal(data, &envl); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envl.Error.Code != "bad_request" {
		t.Fatalf("code = %q", envl.Error.Code)
	}
}

func TestInactiveAccountForbidden(t *testing.T) {
	env := newServerEnv(t)
	res, data := env.do(t, http.MethodPost, "/v0/accounts", map[string]any{
		"id": "newbie",
	}, asUser("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ensure account: status %d: %s", res.StatusCode, data)
	}
	res, data = env.do(t, http.MethodPost, "/v0/projects/proj-1/scenes", map[string]any{
		"start_frame_key": "frames/start.png",
		"shot_type":       "static",
	}, asUser("newbie"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var envl errorEnvelope
	if err := json.Unmarshal(data, &envl); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envl.Error.Code != "forbidden" {
		t.Fatalf("code = %q", envl.Error.Code)
	}
}

func TestDeleteAndRestoreOverHTTP(t *testing.T) {
	env := newServerEnv(t)
	scene := createSceneHTTP(t, env, asUser("tester"))
	sceneID := scene["id"].(string)

	res, data := env.do(t, http.MethodDelete, "/v0/projects/proj-1/scenes/"+sceneID, nil, asUser("tester"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d: %s", res.StatusCode, data)
	}

	res, data = env.do(t, http.MethodGet, "/v0/projects/proj-1/scenes", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", res.StatusCode)
	}
	var scenes []map[string]any
	if err := json.Unmarshal(data, &scenes); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(scenes) != 0 {
		t.Fatalf("deleted scene still listed: %v", scenes)
	}

	res, data = env.do(t, http.MethodPost, "/v0/projects/proj-1/scenes/"+sceneID+"/restore", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("restore: status %d: %s", res.StatusCode, data)
	}
	var restored map[string]any
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("decode restore: %v", err)
	}
	if restored["deleted_at"] != nil {
		t.Fatalf("restored scene still deleted: %v", restored)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calveira/cpspflow/internal/manifest"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/pipeline"
	"github.com/calveira/cpspflow/internal/space"
	"github.com/calveira/cpspflow/internal/testutil"
)

type testEnv struct {
	db         *manifest.DB
	svc        *Service
	router     http.Handler
	inputRoot  string
	outputRoot string
}

// newTestEnv sets up a manifest DB, an engine over temp roots, and the
// router. authEnabled=false means disabled mode; authEnabled=true with a
// non-empty token means token mode.
func newTestEnv(t *testing.T, authEnabled bool, token string, sseHandler http.Handler) testEnv {
	t.Helper()

	db := testutil.TestManifest(t)
	inputRoot := t.TempDir()
	outputRoot := t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := pipeline.NewEngine(pipeline.Options{
		Manifest:   db,
		Logger:     logger,
		OutputRoot: outputRoot,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	svc := NewService(context.Background(), db, engine, inputRoot, models.RunConfig{})
	router := NewRouter(svc, outputRoot, authEnabled, token, sseHandler)
	return testEnv{db: db, svc: svc, router: router, inputRoot: inputRoot, outputRoot: outputRoot}
}

func seedRun(t *testing.T, db *manifest.DB, id, subjectID string, state models.RunState, startedAt time.Time) models.Run {
	t.Helper()
	run := models.Run{
		ID:        id,
		SubjectID: subjectID,
		State:     state,
		Config:    models.RunConfig{}.WithDefaults(),
		StartedAt: startedAt,
	}
	if state.Terminal() {
		fin := startedAt.Add(time.Minute)
		run.FinishedAt = &fin
	}
	if err := db.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	return run
}

func doJSON(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestListRunsEmpty(t *testing.T) {
	env := newTestEnv(t, false, "", nil)

	w := doJSON(t, env.router, http.MethodGet, "/api/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Runs  []models.Run `json:"runs"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Runs == nil || len(resp.Runs) != 0 || resp.Total != 0 {
		t.Errorf("empty list = %+v", resp)
	}
}

func TestListRunsFilterAndOrder(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	base := time.Now().UTC().Add(-time.Hour)
	seedRun(t, env.db, "r-1", "sub-01", models.StateCompleted, base)
	seedRun(t, env.db, "r-2", "sub-02", models.StateFailed, base.Add(time.Minute))
	seedRun(t, env.db, "r-3", "sub-03", models.StateCompleted, base.Add(2*time.Minute))

	w := doJSON(t, env.router, http.MethodGet, "/api/runs?state=completed", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var resp struct {
		Runs  []models.Run `json:"runs"`
		Total int          `json:"total"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.Runs) != 2 {
		t.Fatalf("filtered total = %d, runs = %d", resp.Total, len(resp.Runs))
	}
	// Newest first.
	if resp.Runs[0].ID != "r-3" || resp.Runs[1].ID != "r-1" {
		t.Errorf("order = %s, %s", resp.Runs[0].ID, resp.Runs[1].ID)
	}
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	seedRun(t, env.db, "r-get", "sub-01", models.StateCompleted, time.Now().UTC())

	w := doJSON(t, env.router, http.MethodGet, "/api/runs/r-get", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var run models.Run
	_ = json.Unmarshal(w.Body.Bytes(), &run)
	if run.ID != "r-get" || run.SubjectID != "sub-01" || run.State != models.StateCompleted {
		t.Errorf("run = %+v", run)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t, false, "", nil)

	w := doJSON(t, env.router, http.MethodGet, "/api/runs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing run = %d, want 404", w.Code)
	}
}

func TestOutcome_Report(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	seedRun(t, env.db, "r-ok", "sub-01", models.StateCompleted, time.Now().UTC())
	rep := models.OverlapReport{
		SubjectID:            "sub-01",
		RunID:                "r-ok",
		Threshold:            0.51,
		LesionVoxels:         32,
		TotalLesionVolumeMM3: 32,
		GeneratedAt:          time.Now().UTC(),
	}
	if err := env.db.SaveReport(rep); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	w := doJSON(t, env.router, http.MethodGet, "/api/runs/r-ok/report", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report = %d, body = %s", w.Code, w.Body.String())
	}
	var out OutcomeResponse
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Report == nil || out.Failure != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Report.LesionVoxels != 32 {
		t.Errorf("lesion voxels = %d", out.Report.LesionVoxels)
	}
}

func TestOutcome_Failure(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	seedRun(t, env.db, "r-bad", "sub-02", models.StateFailed, time.Now().UTC())
	rec := models.FailureRecord{
		SubjectID:   "sub-02",
		RunID:       "r-bad",
		FailedStage: "extract",
		ErrorKind:   "external-tool",
		LogExcerpt:  "CUDA out of memory",
		FailedAt:    time.Now().UTC(),
	}
	if err := env.db.SaveFailure(rec); err != nil {
		t.Fatalf("SaveFailure: %v", err)
	}

	w := doJSON(t, env.router, http.MethodGet, "/api/runs/r-bad/report", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report = %d", w.Code)
	}
	var out OutcomeResponse
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Failure == nil || out.Report != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Failure.FailedStage != "extract" || out.Failure.ErrorKind != "external-tool" {
		t.Errorf("failure = %+v", out.Failure)
	}
}

func TestOutcome_InFlight(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	seedRun(t, env.db, "r-mid", "sub-03", models.StateSegmenting, time.Now().UTC())

	w := doJSON(t, env.router, http.MethodGet, "/api/runs/r-mid/report", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("in-flight report = %d, want 404", w.Code)
	}
}

func TestArtifactsListAndDownload(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	seedRun(t, env.db, "r-art", "sub-01", models.StateCompleted, time.Now().UTC())

	path := filepath.Join(env.outputRoot, "sub-01", "subject_space_results", "lesion_msk.nii.gz")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("lesion-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	art := models.Artifact{
		RunID:     "r-art",
		SubjectID: "sub-01",
		Stage:     "segment",
		Role:      "lesion",
		Path:      path,
		Space:     space.WithinSubject,
		CreatedAt: time.Now().UTC(),
	}
	if err := env.db.RecordArtifact(art); err != nil {
		t.Fatalf("RecordArtifact: %v", err)
	}

	w := doJSON(t, env.router, http.MethodGet, "/api/runs/r-art/artifacts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list artifacts = %d", w.Code)
	}
	var resp struct {
		Artifacts []models.Artifact `json:"artifacts"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Artifacts) != 1 || resp.Artifacts[0].Role != "lesion" {
		t.Fatalf("artifacts = %+v", resp.Artifacts)
	}

	w = doJSON(t, env.router, http.MethodGet, "/api/runs/r-art/artifacts/lesion", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download = %d", w.Code)
	}
	if w.Body.String() != "lesion-bytes" {
		t.Errorf("download body = %q", w.Body.String())
	}

	w = doJSON(t, env.router, http.MethodGet, "/api/runs/r-art/artifacts/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown role = %d, want 404", w.Code)
	}
}

func TestArtifactDownload_OutsideRootBlocked(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	seedRun(t, env.db, "r-esc", "sub-01", models.StateCompleted, time.Now().UTC())

	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	art := models.Artifact{
		RunID:     "r-esc",
		SubjectID: "sub-01",
		Role:      "stolen",
		Path:      outside,
		Space:     space.Native,
		CreatedAt: time.Now().UTC(),
	}
	if err := env.db.RecordArtifact(art); err != nil {
		t.Fatalf("RecordArtifact: %v", err)
	}

	w := doJSON(t, env.router, http.MethodGet, "/api/runs/r-esc/artifacts/stolen", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("escaping path = %d, want 404", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("secret")) {
		t.Error("response leaked file content outside the output root")
	}
}

func TestArtifacts_UnknownRun(t *testing.T) {
	env := newTestEnv(t, false, "", nil)

	w := doJSON(t, env.router, http.MethodGet, "/api/runs/ghost/artifacts", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown run artifacts = %d, want 404", w.Code)
	}
}

func writeSubjectInputs(t *testing.T, inputRoot, id string) {
	t.Helper()
	dir := filepath.Join(inputRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, ch := range models.RequiredChannels {
		if err := os.WriteFile(filepath.Join(dir, ch+".nii.gz"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCreateRunAccepted(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	writeSubjectInputs(t, env.inputRoot, "sub-01")

	w := doJSON(t, env.router, http.MethodPost, "/api/runs", map[string]string{"subject_id": "sub-01"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("create = %d, body = %s", w.Code, w.Body.String())
	}
	var resp CreateRunResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RunID == "" || resp.SubjectID != "sub-01" || resp.State != "pending" {
		t.Fatalf("response = %+v", resp)
	}

	// The background run ends failed here (no tool chain on PATH); wait
	// for the terminal row so the goroutine finishes before cleanup.
	deadline := time.Now().Add(10 * time.Second)
	for {
		run, err := env.db.GetRun(resp.RunID)
		if err == nil && run.State.Terminal() {
			if run.SubjectID != "sub-01" {
				t.Errorf("terminal run subject = %s", run.SubjectID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never reached a terminal state")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateRun_UnknownSubject(t *testing.T) {
	env := newTestEnv(t, false, "", nil)

	w := doJSON(t, env.router, http.MethodPost, "/api/runs", map[string]string{"subject_id": "ghost"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown subject = %d, want 400", w.Code)
	}
}

func TestCreateRun_InvalidTransform(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	writeSubjectInputs(t, env.inputRoot, "sub-01")

	w := doJSON(t, env.router, http.MethodPost, "/api/runs", map[string]string{
		"subject_id":     "sub-01",
		"transform_type": "Banana",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid transform = %d, want 400", w.Code)
	}
}

func TestCreateRun_MissingSubjectID(t *testing.T) {
	env := newTestEnv(t, false, "", nil)

	w := doJSON(t, env.router, http.MethodPost, "/api/runs", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing subject_id = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	env := newTestEnv(t, true, "secret123", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	env := newTestEnv(t, true, "secret123", nil)

	w := doJSON(t, env.router, http.MethodGet, "/api/runs", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	env := newTestEnv(t, true, "secret123", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	env := newTestEnv(t, false, "", nil)

	w := doJSON(t, env.router, http.MethodGet, "/api/runs", nil)
	if w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

func TestHealthBypassesAuth(t *testing.T) {
	env := newTestEnv(t, true, "secret123", nil)

	for _, target := range []string{"/health/live", "/health/ready"} {
		w := doJSON(t, env.router, http.MethodGet, target, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200 without token", target, w.Code)
		}
	}
}

func TestReadyFailsOnClosedManifest(t *testing.T) {
	env := newTestEnv(t, false, "", nil)
	env.db.Close()

	w := doJSON(t, env.router, http.MethodGet, "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready on closed db = %d, want 503", w.Code)
	}
}

// SSE endpoint auth tests.

// stubSSE writes headers and blocks until the request context is done,
// close enough to the real broker for auth routing tests.
var stubSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	env := newTestEnv(t, true, "secret", stubSSE)

	w := doJSON(t, env.router, http.MethodGet, "/api/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthDisabled(t *testing.T) {
	env := newTestEnv(t, false, "", stubSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE should not require auth when disabled")
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	env := newTestEnv(t, true, "tok", stubSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

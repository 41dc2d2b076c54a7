package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/calveira/cpspflow/internal/manifest"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/pipeline"
	"github.com/calveira/cpspflow/internal/testutil"
)

func testServer(t *testing.T) (*Server, *manifest.DB, string) {
	t.Helper()

	db := testutil.TestManifest(t)
	inputRoot := t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := pipeline.NewEngine(pipeline.Options{
		Manifest:   db,
		Logger:     logger,
		OutputRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := New(context.Background(), db, engine, inputRoot, models.RunConfig{})
	return srv, db, inputRoot
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so we dispatch to the
	// handler functions directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "start_run":
		result, err = srv.startRun(ctx, req)
	case "get_run_status":
		result, err = srv.getRunStatus(ctx, req)
	case "get_report":
		result, err = srv.getReport(ctx, req)
	case "get_report_contract":
		result, err = srv.getReportContract(ctx, req)
	case "list_runs":
		result, err = srv.listRuns(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func seedRun(t *testing.T, db *manifest.DB, id, subjectID string, state models.RunState) {
	t.Helper()
	run := models.Run{
		ID:        id,
		SubjectID: subjectID,
		State:     state,
		Config:    models.RunConfig{}.WithDefaults(),
		StartedAt: time.Now().UTC(),
	}
	if err := db.SaveRun(run); err != nil {
		t.Fatal(err)
	}
}

func TestStartRunTool(t *testing.T) {
	srv, db, inputRoot := testServer(t)

	dir := filepath.Join(inputRoot, "sub-01")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, ch := range models.RequiredChannels {
		if err := os.WriteFile(filepath.Join(dir, ch+".nii.gz"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	r := callTool(t, srv, "start_run", map[string]interface{}{"subject_id": "sub-01"})
	if r.IsError {
		t.Fatalf("start_run error: %s", resultText(r))
	}
	text := resultText(r)
	if !strings.Contains(text, `"run_id"`) || !strings.Contains(text, `"sub-01"`) {
		t.Fatalf("start_run result = %q", text)
	}

	// Wait for the background run (it fails fast without the tool chain)
	// so the goroutine finishes before cleanup.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := db.ListRuns("", 10)
		if err == nil && len(runs) == 1 && runs[0].State.Terminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal state")
}

func TestStartRunToolMissingSubject(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "start_run", map[string]interface{}{"subject_id": "ghost"})
	if !r.IsError {
		t.Error("expected error for unknown subject")
	}
}

func TestStartRunToolBadThreshold(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "start_run", map[string]interface{}{
		"subject_id":        "sub-01",
		"overlap_threshold": "lots",
	})
	if !r.IsError {
		t.Error("expected error for unparseable threshold")
	}
}

func TestGetRunStatus(t *testing.T) {
	srv, db, _ := testServer(t)
	seedRun(t, db, "r-1", "sub-01", models.StateSegmenting)

	r := callTool(t, srv, "get_run_status", map[string]interface{}{"run_id": "r-1"})
	text := resultText(r)
	if !strings.Contains(text, `"segmenting"`) || !strings.Contains(text, `"sub-01"`) {
		t.Errorf("status = %q", text)
	}
}

func TestGetRunStatusMissing(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "get_run_status", map[string]interface{}{"run_id": "nope"})
	if !r.IsError {
		t.Error("expected error for missing run")
	}
}

func TestGetReportCompleted(t *testing.T) {
	srv, db, _ := testServer(t)
	seedRun(t, db, "r-ok", "sub-01", models.StateCompleted)
	rep := models.OverlapReport{
		SubjectID:    "sub-01",
		RunID:        "r-ok",
		Threshold:    0.51,
		LesionVoxels: 32,
		GeneratedAt:  time.Now().UTC(),
	}
	if err := db.SaveReport(rep); err != nil {
		t.Fatal(err)
	}

	r := callTool(t, srv, "get_report", map[string]interface{}{"run_id": "r-ok"})
	text := resultText(r)
	if !strings.Contains(text, `"report"`) || !strings.Contains(text, `"lesion_voxels": 32`) {
		t.Errorf("report = %q", text)
	}
	if strings.Contains(text, `"failure"`) {
		t.Error("completed run answered with a failure key")
	}
}

func TestGetReportFailed(t *testing.T) {
	srv, db, _ := testServer(t)
	seedRun(t, db, "r-bad", "sub-02", models.StateFailed)
	rec := models.FailureRecord{
		SubjectID:   "sub-02",
		RunID:       "r-bad",
		FailedStage: "extract",
		ErrorKind:   "external-tool",
		FailedAt:    time.Now().UTC(),
	}
	if err := db.SaveFailure(rec); err != nil {
		t.Fatal(err)
	}

	r := callTool(t, srv, "get_report", map[string]interface{}{"run_id": "r-bad"})
	text := resultText(r)
	if !strings.Contains(text, `"failure"`) || !strings.Contains(text, `"external-tool"`) {
		t.Errorf("failed report = %q", text)
	}
}

func TestGetReportInFlight(t *testing.T) {
	srv, db, _ := testServer(t)
	seedRun(t, db, "r-mid", "sub-03", models.StateRegistering)

	r := callTool(t, srv, "get_report", map[string]interface{}{"run_id": "r-mid"})
	if !r.IsError {
		t.Error("expected error while the run is in flight")
	}
}

func TestListRunsTool(t *testing.T) {
	srv, db, _ := testServer(t)
	seedRun(t, db, "r-1", "sub-01", models.StateCompleted)
	seedRun(t, db, "r-2", "sub-02", models.StateFailed)

	r := callTool(t, srv, "list_runs", map[string]interface{}{})
	text := resultText(r)
	if !strings.Contains(text, "r-1") || !strings.Contains(text, "r-2") {
		t.Errorf("list = %q", text)
	}

	r = callTool(t, srv, "list_runs", map[string]interface{}{"state": "failed"})
	text = resultText(r)
	if strings.Contains(text, "r-1") || !strings.Contains(text, "r-2") {
		t.Errorf("filtered list = %q", text)
	}
}

func TestListRunsToolEmpty(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "list_runs", map[string]interface{}{})
	if resultText(r) != "no runs found" {
		t.Errorf("empty list = %q", resultText(r))
	}
}

func TestReportContract(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "get_report_contract", map[string]interface{}{})
	text := resultText(r)
	for _, want := range []string{"threshold", "left_hemisphere_stats", "error_kind", "cpsp_results.csv"} {
		if !strings.Contains(text, want) {
			t.Errorf("contract missing %q", want)
		}
	}
}

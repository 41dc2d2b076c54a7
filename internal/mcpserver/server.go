// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes cpspflow runs for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/calveira/cpspflow/internal/manifest"
	"github.com/calveira/cpspflow/internal/models"
	"github.com/calveira/cpspflow/internal/pipeline"
)

// Server wraps the MCP server with cpspflow tools.
type Server struct {
	mcp    *server.MCPServer
	db     manifest.Store
	engine *pipeline.Engine

	inputRoot string
	runCfg    models.RunConfig
	base      context.Context
}

// New creates a new MCP server with all cpspflow tools registered. base is
// the lifetime context for tool-launched runs; runCfg the default config
// that start_run arguments override.
func New(base context.Context, db manifest.Store, engine *pipeline.Engine, inputRoot string, runCfg models.RunConfig) *Server {
	s := &Server{
		db:        db,
		engine:    engine,
		inputRoot: inputRoot,
		runCfg:    runCfg,
		base:      base,
	}

	s.mcp = server.NewMCPServer(
		"cpspflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("start_run",
		mcp.WithDescription("Start a pipeline run for a subject directory under the input root. "+
			"Returns the run ID immediately; poll get_run_status until the state is "+
			"completed or failed, then fetch the result with get_report."),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("Subject directory name (e.g. sub-001)")),
		mcp.WithString("transform_type", mcp.Description("Registration transform: Rigid, Affine, or SyN (default Affine)")),
		mcp.WithString("overlap_threshold", mcp.Description("Overlap decision threshold in (0,1], default 0.51")),
	), s.startRun)

	s.mcp.AddTool(mcp.NewTool("get_run_status",
		mcp.WithDescription("Get the current state of a run: its stage, retries, and error if it failed."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID returned by start_run")),
	), s.getRunStatus)

	s.mcp.AddTool(mcp.NewTool("get_report",
		mcp.WithDescription("Get the terminal product of a run: the overlap report for a completed run, "+
			"the failure record for a failed one. Read the cpspflow://report-format resource "+
			"or the get_report_contract tool for the interpretation rules."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID returned by start_run")),
	), s.getReport)

	s.mcp.AddTool(mcp.NewTool("get_report_contract",
		mcp.WithDescription("Returns the canonical report format contract. "+
			"Call this before interpreting overlap reports or failure records."),
	), s.getReportContract)

	s.mcp.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List pipeline runs, newest first."),
		mcp.WithString("state", mcp.Description("Optional state filter (pending, completed, failed, ...)")),
		mcp.WithString("limit", mcp.Description("Max results (default 100)")),
	), s.listRuns)

	// Resource: report format contract.
	s.mcp.AddResource(
		mcp.NewResource("cpspflow://report-format", "Report Format Contract",
			mcp.WithResourceDescription("Canonical overlap report and failure record format produced by runs."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readReportFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) startRun(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectID, err := req.RequireString("subject_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cfg := s.runCfg
	if v, tErr := req.RequireString("transform_type"); tErr == nil && v != "" {
		cfg.TransformType = v
	}
	if v, tErr := req.RequireString("overlap_threshold"); tErr == nil && v != "" {
		thr, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid overlap_threshold: %s", v)), nil
		}
		cfg.OverlapThreshold = thr
	}
	if err := cfg.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	subject, err := pipeline.LoadSubject(s.inputRoot, subjectID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := s.engine.Start(s.base, subject, cfg)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, _ := json.MarshalIndent(map[string]string{
		"run_id":     id,
		"subject_id": subjectID,
		"state":      string(models.StatePending),
	}, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getRunStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	run, err := s.db.GetRun(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	out, _ := json.MarshalIndent(run, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getReport(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.db.GetRun(id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	if rep, err := s.db.GetReport(id); err == nil {
		out, _ := json.MarshalIndent(map[string]any{"report": rep}, "", "  ")
		return mcp.NewToolResultText(string(out)), nil
	}
	if rec, err := s.db.GetFailure(id); err == nil {
		out, _ := json.MarshalIndent(map[string]any{"failure": rec}, "", "  ")
		return mcp.NewToolResultText(string(out)), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("run %s has no outcome yet; poll get_run_status", id)), nil
}

func (s *Server) listRuns(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := ""
	if v, err := req.RequireString("state"); err == nil {
		state = v
	}
	limit := 0
	if v, err := req.RequireString("limit"); err == nil && v != "" {
		limit, _ = strconv.Atoi(v)
	}

	runs, err := s.db.ListRuns(state, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("no runs found"), nil
	}
	out, _ := json.MarshalIndent(runs, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getReportContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ReportFormatContract), nil
}

func (s *Server) readReportFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "cpspflow://report-format",
			MIMEType: "text/markdown",
			Text:     ReportFormatContract,
		},
	}, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/runbooklabs/runbook/internal/diagram"
	"github.com/runbooklabs/runbook/internal/engine"
	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// handleRun executes a registered workflow document.
func (s *RunbookServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	documentName, err := req.RequireString("document_name")
	if err != nil {
		return mcp.NewToolResultError("document_name is required"), nil
	}
	version := extractInt(req.GetArguments(), "version", 0)

	rec, getErr := s.store.GetDocument(ctx, documentName, version)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("document lookup failed: %v", getErr)), nil
	}

	doc, parseErr := schema.ParseDocument(rec.Raw)
	if parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registered document does not parse: %v", parseErr)), nil
	}

	result, runErr := s.runner.Run(ctx, doc)
	if result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run rejected: %v", runErr)), nil
	}

	// A failed run still produces a result; its status, error, and rollback
	// fields tell the caller what happened.
	return marshalResult(result)
}

// handleValidate runs the full validation pipeline on a document object and
// reports every error and warning, not just the first.
func (s *RunbookServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, rawErr := documentArg(req)
	if rawErr != nil {
		return mcp.NewToolResultError(rawErr.Error()), nil
	}

	v, vErr := s.validator()
	if vErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validator unavailable: %v", vErr)), nil
	}

	_, result := v.ValidateBytes(raw)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handlePlan validates a document and reports the execution order it would
// run in, without invoking anything.
func (s *RunbookServer) handlePlan(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, rawErr := documentArg(req)
	if rawErr != nil {
		return mcp.NewToolResultError(rawErr.Error()), nil
	}

	v, vErr := s.validator()
	if vErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validator unavailable: %v", vErr)), nil
	}

	doc, result := v.ValidateBytes(raw)
	if !result.Valid() {
		issues, _ := json.Marshal(result.Errors)
		return mcp.NewToolResultError(fmt.Sprintf("document failed validation: %s", issues)), nil
	}

	plan, planErr := engine.BuildPlan(doc)
	if planErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan build failed: %v", planErr)), nil
	}
	return marshalResult(map[string]any{
		"document": doc.Metadata.Name,
		"order":    plan.Order,
		"levels":   plan.Levels,
	})
}

// handleRegister validates a document and stores it as the next version of
// the name in its workflow_metadata.
func (s *RunbookServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, rawErr := documentArg(req)
	if rawErr != nil {
		return mcp.NewToolResultError(rawErr.Error()), nil
	}

	v, vErr := s.validator()
	if vErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validator unavailable: %v", vErr)), nil
	}

	doc, result := v.ValidateBytes(raw)
	if !result.Valid() {
		issues, _ := json.Marshal(result.Errors)
		return mcp.NewToolResultError(fmt.Sprintf("document failed validation: %s", issues)), nil
	}

	rec, putErr := s.store.PutDocument(ctx, &store.DocumentRecord{
		Name: doc.Metadata.Name,
		Raw:  raw,
	})
	if putErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store document: %v", putErr)), nil
	}

	return marshalResult(map[string]any{
		"name":     rec.Name,
		"version":  rec.Version,
		"warnings": result.Warnings,
	})
}

// handleStatus returns a run and the current state of each of its steps.
func (s *RunbookServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, runErr := s.store.GetRun(ctx, runID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", runErr)), nil
	}
	steps, stepsErr := s.store.ListStepStates(ctx, runID)
	if stepsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step state lookup failed: %v", stepsErr)), nil
	}

	return marshalResult(map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// handleQuery lists runs, documents, events, or schedules based on filters.
func (s *RunbookServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "documents":
		return s.queryDocuments(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *RunbookServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := &store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if name, ok := filter["document_name"].(string); ok {
		rf.DocumentName = name
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *RunbookServer) queryDocuments(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if name, ok := filter["name"].(string); ok && name != "" {
		filtered := make([]*store.DocumentRecord, 0, 1)
		for _, d := range docs {
			if d.Name == name {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}
	return marshalResult(map[string]any{"documents": docs})
}

func (s *RunbookServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := &store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	// An unscoped event query would walk the whole log.
	if ef.RunID == "" && ef.EventType == "" {
		return mcp.NewToolResultError("event query requires either 'run_id' or 'event_type' in filter"), nil
	}

	events, err := s.store.GetEvents(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *RunbookServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := &store.ScheduleFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}
	if name, ok := filter["document_name"].(string); ok {
		sf.DocumentName = name
	}

	schedules, err := s.store.ListSchedules(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// --- Internal helpers ---

// documentArg extracts the document object argument and re-marshals it so the
// raw bytes can flow through structural validation.
func documentArg(req mcp.CallToolRequest) (json.RawMessage, error) {
	obj := mcp.ParseStringMap(req, "document", nil)
	if obj == nil {
		return nil, fmt.Errorf("document is required")
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("invalid document: %v", err)
	}
	return raw, nil
}

// extractInt safely extracts an integer from an argument or filter map.
func extractInt(m map[string]any, key string, defaultVal int) int {
	if m == nil {
		return defaultVal
	}
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// handleGraph renders a document's dependency graph as Mermaid flowchart
// syntax, optionally overlaid with the step states of a recorded run.
func (s *RunbookServer) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	documentName := req.GetString("document_name", "")
	runID := req.GetString("run_id", "")
	version := extractInt(req.GetArguments(), "version", 0)

	if documentName == "" && runID == "" {
		return mcp.NewToolResultError("at least one of document_name or run_id is required"), nil
	}

	var states []*store.StepState
	if runID != "" {
		run, runErr := s.store.GetRun(ctx, runID)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", runErr)), nil
		}
		if documentName == "" {
			documentName = run.DocumentName
		}
		if documentName == "" {
			return mcp.NewToolResultError(fmt.Sprintf("run %s has no registered document to draw", runID)), nil
		}
		if ss, ssErr := s.store.ListStepStates(ctx, runID); ssErr == nil {
			states = ss
		}
	}

	rec, getErr := s.store.GetDocument(ctx, documentName, version)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("document lookup failed: %v", getErr)), nil
	}
	doc, parseErr := schema.ParseDocument(rec.Raw)
	if parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registered document does not parse: %v", parseErr)), nil
	}

	model, buildErr := diagram.Build(doc, states)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

func graphTool() mcp.Tool {
	return mcp.NewTool("runbook.graph",
		mcp.WithDescription("Render a workflow document or run as a Mermaid flowchart"),
		mcp.WithString("document_name", mcp.Description("Registered document name (use with version for a specific version)")),
		mcp.WithNumber("version", mcp.Description("Document version (default: latest)")),
		mcp.WithString("run_id", mcp.Description("Run ID to draw; overlays each step's recorded state")),
	)
}

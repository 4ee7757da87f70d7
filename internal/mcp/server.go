package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mwarren/bugtrack/internal/lifecycle"
	"github.com/mwarren/bugtrack/internal/models"
	"github.com/mwarren/bugtrack/internal/store"
)

// Server wraps the bugtrack data layer and exposes it as MCP tools.
type Server struct {
	store     store.Store
	lifecycle *lifecycle.Coordinator
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store) *Server {
	return &Server{
		store:     s,
		lifecycle: lifecycle.New(s),
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("bugtrack", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listBugsTool())
	srv.AddTool(s.getBugTool())
	srv.AddTool(s.createBugTool())
	srv.AddTool(s.updateStatusTool())
	srv.AddTool(s.addStepTool())
	srv.AddTool(s.reorderStepsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// resolveUser maps the acting username of a mutating tool to a user id.
// MCP has no session, so tools name the actor explicitly.
func (s *Server) resolveUser(ctx context.Context, username string) (*models.User, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %q", username)
	}
	return u, nil
}

type bugOut struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	Severity    string `json:"severity"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	ClosedAt    string `json:"closed_at,omitempty"`
}

type stepOut struct {
	ID          string `json:"id"`
	Order       int    `json:"step_order"`
	Description string `json:"description"`
}

func toBugOut(b *models.Bug) bugOut {
	out := bugOut{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		CreatedBy:   b.CreatorName,
		AssignedTo:  b.AssigneeName,
		Severity:    string(b.Severity),
		Priority:    string(b.Priority),
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
	}
	if b.ClosedAt != nil {
		out.ClosedAt = b.ClosedAt.Format(time.RFC3339)
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// bug_list
func (s *Server) listBugsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bug_list",
		mcp.WithDescription("List bugs, optionally filtered by severity, priority, status, and/or free-text search. Returns a JSON array, newest first. Statuses: Open, In Progress, Resolved, Closed."),
		mcp.WithString("severity", mcp.Description("Severity filter: Trivial, Minor, Major, Critical")),
		mcp.WithString("priority", mcp.Description("Priority filter: Low, Medium, High")),
		mcp.WithString("status", mcp.Description("Status filter: Open, In Progress, Resolved, Closed")),
		mcp.WithString("search", mcp.Description("Case-insensitive substring match over name, description, creator and assignee usernames")),
	)
	return tool, s.handleListBugs
}

func (s *Server) handleListBugs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.BugListFilter{
		Severity: models.Severity(request.GetString("severity", "")),
		Priority: models.Priority(request.GetString("priority", "")),
		Status:   models.BugStatus(request.GetString("status", "")),
		Search:   request.GetString("search", ""),
	}

	bugs, err := s.store.ListBugs(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list bugs: %v", err)), nil
	}

	out := make([]bugOut, len(bugs))
	for i, b := range bugs {
		out[i] = toBugOut(b)
	}
	return jsonResult(out)
}

// bug_get
func (s *Server) getBugTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bug_get",
		mcp.WithDescription("Get one bug with its ordered reproduction steps."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Bug id")),
	)
	return tool, s.handleGetBug
}

func (s *Server) handleGetBug(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}

	b, err := s.store.GetBug(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("bug not found: %s", id)), nil
	}
	steps, err := s.store.ListSteps(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list steps: %v", err)), nil
	}

	stepsOut := make([]stepOut, len(steps))
	for i, st := range steps {
		stepsOut[i] = stepOut{ID: st.ID, Order: st.Order, Description: st.Description}
	}
	return jsonResult(map[string]any{
		"bug":   toBugOut(b),
		"steps": stepsOut,
	})
}

// bug_create
func (s *Server) createBugTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bug_create",
		mcp.WithDescription("Create a new bug report, optionally with initial reproduction steps. Returns the created bug as JSON."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Acting username (becomes the bug's creator)")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Bug name")),
		mcp.WithString("description", mcp.Required(), mcp.Description("Bug description")),
		mcp.WithString("severity", mcp.Description("Severity: Trivial, Minor, Major, Critical (default: Minor)")),
		mcp.WithString("priority", mcp.Description("Priority: Low, Medium, High (default: Medium)")),
		mcp.WithString("assign_to", mcp.Description("Username to assign the bug to")),
		mcp.WithString("steps", mcp.Description("Reproduction steps, one per line, in order")),
	)
	return tool, s.handleCreateBug
}

func (s *Server) handleCreateBug(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user"), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: name"), nil
	}
	description, err := request.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: description"), nil
	}

	actor, err := s.resolveUser(ctx, username)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	fields := store.BugFields{
		Name:        name,
		Description: description,
		Severity:    models.Severity(request.GetString("severity", string(models.SeverityMinor))),
		Priority:    models.Priority(request.GetString("priority", string(models.PriorityMedium))),
	}
	if assignTo := request.GetString("assign_to", ""); assignTo != "" {
		assignee, err := s.resolveUser(ctx, assignTo)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		fields.AssignedTo = assignee.ID
	}

	steps := splitSteps(request.GetString("steps", ""))

	b, err := s.lifecycle.CreateBugWithSteps(ctx, actor.ID, fields, steps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create bug: %v", err)), nil
	}

	created, err := s.store.GetBug(ctx, b.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load created bug: %v", err)), nil
	}
	return jsonResult(toBugOut(created))
}

// splitSteps parses a one-step-per-line string, dropping blank lines.
func splitSteps(raw string) []string {
	var steps []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			steps = append(steps, line)
		}
	}
	return steps
}

// bug_update_status
func (s *Server) updateStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bug_update_status",
		mcp.WithDescription("Transition a bug to a new status. Resolved/Closed stamp the closing date; any other status clears it. Returns the updated bug."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Bug id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status: Open, In Progress, Resolved, Closed")),
	)
	return tool, s.handleUpdateStatus
}

func (s *Server) handleUpdateStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}

	if err := s.lifecycle.TransitionStatus(ctx, id, models.BugStatus(status)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update status: %v", err)), nil
	}

	b, err := s.store.GetBug(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load bug: %v", err)), nil
	}
	return jsonResult(toBugOut(b))
}

// bug_add_step
func (s *Server) addStepTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bug_add_step",
		mcp.WithDescription("Append one reproduction step to a bug. The step gets the next order position."),
		mcp.WithString("bug_id", mcp.Required(), mcp.Description("Bug id")),
		mcp.WithString("description", mcp.Required(), mcp.Description("Step text")),
	)
	return tool, s.handleAddStep
}

func (s *Server) handleAddStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bugID, err := request.RequireString("bug_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: bug_id"), nil
	}
	description, err := request.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: description"), nil
	}

	st, err := s.store.AddStep(ctx, bugID, description)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add step: %v", err)), nil
	}
	return jsonResult(stepOut{ID: st.ID, Order: st.Order, Description: st.Description})
}

// bug_reorder_steps
func (s *Server) reorderStepsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bug_reorder_steps",
		mcp.WithDescription("Reorder a bug's reproduction steps. Takes step ids in the desired display order; ids that do not belong to the bug reject the whole operation."),
		mcp.WithString("bug_id", mcp.Required(), mcp.Description("Bug id")),
		mcp.WithString("ids", mcp.Required(), mcp.Description("Comma-separated step ids in desired order")),
	)
	return tool, s.handleReorderSteps
}

func (s *Server) handleReorderSteps(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bugID, err := request.RequireString("bug_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: bug_id"), nil
	}
	rawIDs, err := request.RequireString("ids")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: ids"), nil
	}

	var ids []string
	for _, id := range strings.Split(rawIDs, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}

	if err := s.lifecycle.ReorderSteps(ctx, bugID, ids); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reorder steps: %v", err)), nil
	}

	steps, err := s.store.ListSteps(ctx, bugID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list steps: %v", err)), nil
	}
	out := make([]stepOut, len(steps))
	for i, st := range steps {
		out[i] = stepOut{ID: st.ID, Order: st.Order, Description: st.Description}
	}
	return jsonResult(out)
}

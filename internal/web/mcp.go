package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"taskcal/internal/ics"
	"taskcal/internal/store"
)

// Version is reported to MCP clients.
var Version = "dev"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tasks TaskStore
	// Now overrides the clock for previews (tests).
	Now func() time.Time
}

// NewMCPServer exposes the task store as agent tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := server.NewMCPServer(
		"taskcal",
		Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("taskcal delivers stored prompts into conversations on an iCalendar schedule."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_scheduled_task",
			mcp.WithDescription("Schedule a prompt to be injected into a conversation. The schedule is a single VEVENT block with DTSTART and optional RRULE, RDATE and EXDATE."),
			mcp.WithString("conversation_id", mcp.Description("Conversation that receives the prompt"), mcp.Required()),
			mcp.WithString("user_prompt", mcp.Description("Prompt text delivered verbatim"), mcp.Required()),
			mcp.WithString("schedule_vevent", mcp.Description("BEGIN:VEVENT ... END:VEVENT block"), mcp.Required()),
		),
		mcpCreateTask(deps),
	)

	s.AddTool(
		mcp.NewTool("list_scheduled_tasks",
			mcp.WithDescription("List scheduled tasks, optionally for one conversation."),
			mcp.WithString("conversation_id", mcp.Description("Only return tasks for this conversation")),
		),
		mcpListTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_scheduled_task",
			mcp.WithDescription("Delete a scheduled task by id."),
			mcp.WithString("task_id", mcp.Description("Task id returned at creation"), mcp.Required()),
		),
		mcpDeleteTask(deps),
	)

	s.AddTool(
		mcp.NewTool("preview_schedule",
			mcp.WithDescription("Show the next occurrences of a VEVENT schedule without storing it."),
			mcp.WithString("schedule_vevent", mcp.Description("BEGIN:VEVENT ... END:VEVENT block"), mcp.Required()),
			mcp.WithNumber("count", mcp.Description("Number of occurrences (default 5, max 100)")),
		),
		mcpPreviewSchedule(deps),
	)

	return s
}

func mcpCreateTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		create := store.CreateRequest{
			ConversationID: req.GetString("conversation_id", ""),
			UserPrompt:     req.GetString("user_prompt", ""),
			ScheduleVEvent: req.GetString("schedule_vevent", ""),
		}
		task, err := deps.Tasks.Create(ctx, create)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create task: %v", err)), nil
		}
		return mcpJSON(task)
	}
}

func mcpListTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := deps.Tasks.List(ctx, req.GetString("conversation_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}
		return mcpJSON(tasks)
	}
}

func mcpDeleteTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		if err := deps.Tasks.Delete(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return mcpError(fmt.Sprintf("no task with id %s", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to delete task: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted task %s", id)), nil
	}
}

type previewResult struct {
	Kind        string      `json:"kind"`
	Start       time.Time   `json:"start"`
	Occurrences []time.Time `json:"occurrences"`
}

func mcpPreviewSchedule(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fragment, err := req.RequireString("schedule_vevent")
		if err != nil {
			return mcpError("schedule_vevent is required"), nil
		}
		sched, err := ics.ParseSchedule(fragment)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid schedule: %v", err)), nil
		}

		n := clamp(req.GetInt("count", defaultPreviewN), 1, maxPreviewN)
		occ := ics.Upcoming(sched, deps.Now().UTC(), n)
		if occ == nil {
			occ = []time.Time{}
		}
		return mcpJSON(previewResult{Kind: sched.Kind.String(), Start: sched.Start, Occurrences: occ})
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

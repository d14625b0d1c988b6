package web

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/afero"

	"taskcal/internal/model"
	"taskcal/internal/store"
)

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func testMCPDeps() MCPDeps {
	return MCPDeps{
		Tasks: store.NewFileStoreFs(afero.NewMemMapFs(), "/tasks.json"),
		Now:   func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) },
	}
}

func TestMCPCreateListDelete(t *testing.T) {
	deps := testMCPDeps()
	ctx := context.Background()

	result, err := mcpCreateTask(deps)(ctx, makeCallToolRequest("create_scheduled_task", map[string]interface{}{
		"conversation_id": "conv-1",
		"user_prompt":     "summarize yesterday",
		"schedule_vevent": dailyVEvent,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var created model.Task
	if err := json.Unmarshal([]byte(toolText(t, result)), &created); err != nil {
		t.Fatalf("result is not a task: %v", err)
	}

	result, _ = mcpListTasks(deps)(ctx, makeCallToolRequest("list_scheduled_tasks", map[string]interface{}{
		"conversation_id": "conv-1",
	}))
	var tasks []model.Task
	if err := json.Unmarshal([]byte(toolText(t, result)), &tasks); err != nil || len(tasks) != 1 {
		t.Fatalf("list = %s (%v)", toolText(t, result), err)
	}

	result, _ = mcpDeleteTask(deps)(ctx, makeCallToolRequest("delete_scheduled_task", map[string]interface{}{
		"task_id": created.ID,
	}))
	if result.IsError {
		t.Fatalf("delete failed: %s", toolText(t, result))
	}

	result, _ = mcpDeleteTask(deps)(ctx, makeCallToolRequest("delete_scheduled_task", map[string]interface{}{
		"task_id": created.ID,
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "no task") {
		t.Fatalf("second delete = %+v", result)
	}
}

func TestMCPCreateRejectsInvalid(t *testing.T) {
	deps := testMCPDeps()
	result, err := mcpCreateTask(deps)(context.Background(), makeCallToolRequest("create_scheduled_task", map[string]interface{}{
		"conversation_id": "conv-1",
		"user_prompt":     "x",
		"schedule_vevent": "every day at nine",
	}))
	if err != nil {
		t.Fatalf("protocol error for a bad argument: %v", err)
	}
	if !result.IsError {
		t.Fatalf("invalid schedule accepted: %s", toolText(t, result))
	}
}

func TestMCPPreviewSchedule(t *testing.T) {
	deps := testMCPDeps()
	result, err := mcpPreviewSchedule(deps)(context.Background(), makeCallToolRequest("preview_schedule", map[string]interface{}{
		"schedule_vevent": dailyVEvent,
		"count":           2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var got previewResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != "recurring" || len(got.Occurrences) != 2 {
		t.Fatalf("preview = %+v", got)
	}
	if !got.Occurrences[0].Equal(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("first occurrence = %s", got.Occurrences[0])
	}
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	s := NewMCPServer(testMCPDeps())
	if s == nil {
		t.Fatal("nil server")
	}
}

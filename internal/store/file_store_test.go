package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"taskcal/internal/model"
)

const testPath = "/data/scheduled_tasks.json"

const dailyVEvent = "BEGIN:VEVENT\nDTSTART:20240101T090000Z\nRRULE:FREQ=DAILY\nEND:VEVENT"

func setupTestStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	return NewFileStoreFs(fsys, testPath), fsys
}

func validRequest(conv string) CreateRequest {
	return CreateRequest{ConversationID: conv, UserPrompt: "check the build", ScheduleVEvent: dailyVEvent}
}

func TestCreateAndList(t *testing.T) {
	s, fsys := setupTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, validRequest("conv-a"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" || a.Status != model.StatusPending {
		t.Fatalf("unexpected task: %+v", a)
	}
	b, err := s.Create(ctx, validRequest("conv-b"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("ids collide: %s", a.ID)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List returned %d tasks", len(all))
	}

	onlyA, err := s.List(ctx, "conv-a")
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(onlyA) != 1 || onlyA[0].ID != a.ID {
		t.Fatalf("filtered list = %+v", onlyA)
	}

	raw, err := afero.ReadFile(fsys, testPath)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var onDisk []map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("file is not a JSON array: %v", err)
	}
	wantKeys := []string{"conversation_id", "id", "schedule_vevent", "status", "user_prompt"}
	for _, k := range wantKeys {
		if _, ok := onDisk[0][k]; !ok {
			t.Errorf("persisted record missing key %q", k)
		}
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	tests := []struct {
		name       string
		req        CreateRequest
		wantFields []string
	}{
		{
			name:       "missing fields",
			req:        CreateRequest{ScheduleVEvent: dailyVEvent},
			wantFields: []string{"conversation_id", "user_prompt"},
		},
		{
			name: "no markers",
			req:  CreateRequest{ConversationID: "c", UserPrompt: "p", ScheduleVEvent: "DTSTART:20240101T090000Z"},
		},
		{
			name: "missing end marker",
			req:  CreateRequest{ConversationID: "c", UserPrompt: "p", ScheduleVEvent: "BEGIN:VEVENT\nDTSTART:20240101T090000Z"},
		},
		{
			name: "unparseable start",
			req:  CreateRequest{ConversationID: "c", UserPrompt: "p", ScheduleVEvent: "BEGIN:VEVENT\nDTSTART:next tuesday\nEND:VEVENT"},
		},
		{
			name: "unparseable rule",
			req:  CreateRequest{ConversationID: "c", UserPrompt: "p", ScheduleVEvent: "BEGIN:VEVENT\nDTSTART:20240101T090000Z\nRRULE:FREQ=NEVER\nEND:VEVENT"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, fsys := setupTestStore(t)
			_, err := s.Create(context.Background(), tc.req)

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if tc.wantFields != nil && !reflect.DeepEqual(verr.Fields, tc.wantFields) {
				t.Errorf("Fields = %v, want %v", verr.Fields, tc.wantFields)
			}
			if exists, _ := afero.Exists(fsys, testPath); exists {
				t.Errorf("invalid request was persisted")
			}
		})
	}
}

func TestDelete(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, validRequest("conv"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var verr *ValidationError
	if err := s.Delete(ctx, ""); !errors.As(err, &verr) {
		t.Errorf("Delete(\"\") = %v, want *ValidationError", err)
	}
	if err := s.Delete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(unknown) = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, task.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestLoadEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		s, _ := setupTestStore(t)
		tasks, err := s.Load(ctx)
		if err != nil || len(tasks) != 0 {
			t.Fatalf("Load = %v, %v", tasks, err)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		s, fsys := setupTestStore(t)
		if err := afero.WriteFile(fsys, testPath, []byte("  \n"), 0o644); err != nil {
			t.Fatal(err)
		}
		tasks, err := s.Load(ctx)
		if err != nil || len(tasks) != 0 {
			t.Fatalf("Load = %v, %v", tasks, err)
		}
	})

	for name, content := range map[string]string{
		"invalid json": "[{",
		"not an array": `{"id":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			s, fsys := setupTestStore(t)
			if err := afero.WriteFile(fsys, testPath, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := s.Load(ctx)
			var ioErr *IOError
			if !errors.As(err, &ioErr) {
				t.Fatalf("Load = %v, want *IOError", err)
			}
			// A failed read must not let a write clobber the file.
			if _, err := s.Create(ctx, validRequest("c")); !errors.As(err, &ioErr) {
				t.Fatalf("Create on corrupt store = %v, want *IOError", err)
			}
			raw, _ := afero.ReadFile(fsys, testPath)
			if string(raw) != content {
				t.Fatalf("corrupt file was rewritten: %q", raw)
			}
		})
	}
}

func TestSetStatus(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	a, _ := s.Create(ctx, validRequest("c"))
	b, _ := s.Create(ctx, validRequest("c"))

	n, err := s.SetStatus(ctx, []string{a.ID, "unknown"}, model.StatusExhausted)
	if err != nil || n != 1 {
		t.Fatalf("SetStatus = %d, %v", n, err)
	}
	n, err = s.SetStatus(ctx, []string{a.ID}, model.StatusExhausted)
	if err != nil || n != 0 {
		t.Fatalf("repeated SetStatus = %d, %v", n, err)
	}

	got, _ := s.Get(ctx, a.ID)
	if got.Status != model.StatusExhausted {
		t.Errorf("status = %q", got.Status)
	}
	other, _ := s.Get(ctx, b.ID)
	if other.Status != model.StatusPending {
		t.Errorf("unrelated task changed: %q", other.Status)
	}
}

func TestConcurrentCreatesAreNotLost(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Create(ctx, validRequest("c")); err != nil {
				t.Errorf("Create: %v", err)
			}
		}()
	}
	wg.Wait()

	tasks, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tasks) != 20 {
		t.Fatalf("got %d tasks, want 20", len(tasks))
	}
}

func TestOnDiskStoreWithLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks", "scheduled_tasks.json")
	s := NewFileStore(path)
	ctx := context.Background()

	task, err := s.Create(ctx, validRequest("conv"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A second handle on the same file sees the write.
	other := NewFileStore(path)
	got, err := other.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get via second handle: %v", err)
	}
	if got.UserPrompt != task.UserPrompt {
		t.Fatalf("prompt = %q", got.UserPrompt)
	}

	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Errorf("lock file not created: %v", err)
	}
}

func TestWatchSignalsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduled_tasks.json")
	s := NewFileStore(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	started := make(chan error, 1)
	go func() {
		started <- s.Watch(ctx, 20*time.Millisecond, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	if _, err := s.Create(ctx, validRequest("conv")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case <-changed:
	case err := <-started:
		t.Fatalf("Watch returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestWatchUnsupportedOnMemFs(t *testing.T) {
	s, _ := setupTestStore(t)
	if err := s.Watch(context.Background(), 0, func() {}); !errors.Is(err, ErrWatchUnsupported) {
		t.Fatalf("Watch = %v, want ErrWatchUnsupported", err)
	}
}

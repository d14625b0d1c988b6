package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"taskcal/internal/config"
	"taskcal/internal/model"
	"taskcal/internal/store"
)

const dailyVEvent = "BEGIN:VEVENT\nDTSTART:20240101T090000Z\nRRULE:FREQ=DAILY\nEND:VEVENT"

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *store.FileStore) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	st := store.NewFileStoreFs(afero.NewMemMapFs(), "/tasks.json")
	s := NewServer(cfg, st)
	s.now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func createBody(conv, prompt, vevent string) string {
	b, _ := json.Marshal(store.CreateRequest{ConversationID: conv, UserPrompt: prompt, ScheduleVEvent: vevent})
	return string(b)
}

func TestTaskLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/tasks", "application/json", strings.NewReader(createBody("conv", "hi", dailyVEvent)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created model.Task
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if created.ID == "" || created.Status != model.StatusPending {
		t.Fatalf("created = %+v", created)
	}

	resp, err = http.Get(srv.URL + "/api/tasks?conversation_id=conv")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Tasks []model.Task `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(list.Tasks) != 1 || list.Tasks[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	resp, err = http.Get(srv.URL + "/api/tasks/" + created.ID + "/occurrences?count=3")
	if err != nil {
		t.Fatal(err)
	}
	var occ occurrencesResponse
	if err := json.NewDecoder(resp.Body).Decode(&occ); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(occ.Occurrences) != 3 || !occ.Occurrences[0].Equal(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("occurrences = %+v", occ)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/tasks/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/tasks/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
}

func TestCreateValidation(t *testing.T) {
	srv, st := newTestServer(t, nil)

	for name, body := range map[string]string{
		"malformed json": "{",
		"missing prompt": createBody("conv", "", dailyVEvent),
		"bad schedule":   createBody("conv", "hi", "DTSTART:20240101T090000Z"),
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/tasks", "application/json", strings.NewReader(body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	tasks, err := st.Load(context.Background())
	if err != nil || len(tasks) != 0 {
		t.Fatalf("invalid requests stored tasks: %v %v", tasks, err)
	}
}

type brokenStore struct{ TaskStore }

func (brokenStore) List(context.Context, string) ([]model.Task, error) {
	return nil, &store.IOError{Op: "read", Path: "/tasks.json", Err: errors.New("disk gone")}
}

func TestStoreFailureIs500(t *testing.T) {
	srv := httptest.NewServer(NewServer(config.DefaultConfig(), brokenStore{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	srv, _ := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status = %d, want 200 without auth", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/tasks", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

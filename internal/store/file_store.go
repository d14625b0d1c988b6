package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"taskcal/internal/ics"
	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

const lockRetryDelay = 50 * time.Millisecond

// CreateRequest carries the caller-supplied fields of a new task.
type CreateRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	UserPrompt     string `json:"user_prompt" validate:"required"`
	ScheduleVEvent string `json:"schedule_vevent" validate:"required"`
}

// FileStore persists the task collection as a JSON array in one file.
//
// Every operation loads the whole collection, mutates it in memory and
// writes it back atomically. Operations are serialized inside the process
// and, for on-disk stores, across processes via an advisory lock on
// <path>.lock.
type FileStore struct {
	fs   afero.Fs
	path string

	sem chan struct{}
	flk *flock.Flock // nil unless backed by the OS filesystem

	validate *validator.Validate
	newID    func() string
}

// NewFileStore opens a store backed by the OS filesystem.
func NewFileStore(path string) *FileStore {
	s := NewFileStoreFs(afero.NewOsFs(), path)
	s.flk = flock.New(path + ".lock")
	return s
}

// NewFileStoreFs opens a store on an arbitrary afero filesystem. No
// cross-process lock is taken.
func NewFileStoreFs(fsys afero.Fs, path string) *FileStore {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &FileStore{
		fs:       fsys,
		path:     path,
		sem:      make(chan struct{}, 1),
		validate: v,
		newID:    uuid.NewString,
	}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Create validates req and appends a new pending task.
func (s *FileStore) Create(ctx context.Context, req CreateRequest) (model.Task, error) {
	if err := s.validateCreate(req); err != nil {
		return model.Task{}, err
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return model.Task{}, err
	}
	defer unlock()

	tasks, err := s.readAll()
	if err != nil {
		return model.Task{}, err
	}

	task := model.Task{
		ID:             s.newID(),
		ConversationID: req.ConversationID,
		UserPrompt:     req.UserPrompt,
		ScheduleVEvent: req.ScheduleVEvent,
		Status:         model.StatusPending,
	}
	if err := s.writeAll(append(tasks, task)); err != nil {
		return model.Task{}, err
	}

	appLog.Info("task created", "task_id", task.ID, "conversation_id", task.ConversationID)
	return task, nil
}

// List returns all tasks, or only those of conversationID when non-empty.
func (s *FileStore) List(ctx context.Context, conversationID string) ([]model.Task, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tasks, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		return tasks, nil
	}
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Load returns the full collection in stored order.
func (s *FileStore) Load(ctx context.Context) ([]model.Task, error) {
	return s.List(ctx, "")
}

// Get returns the task with the given id.
func (s *FileStore) Get(ctx context.Context, id string) (model.Task, error) {
	tasks, err := s.Load(ctx)
	if err != nil {
		return model.Task{}, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return model.Task{}, &NotFoundError{ID: id}
}

// Delete removes the task with the given id.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Fields: []string{"id"}}
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	tasks, err := s.readAll()
	if err != nil {
		return err
	}
	idx := -1
	for i, t := range tasks {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &NotFoundError{ID: id}
	}
	tasks = append(tasks[:idx], tasks[idx+1:]...)
	if err := s.writeAll(tasks); err != nil {
		return err
	}

	appLog.Info("task deleted", "task_id", id)
	return nil
}

// SetStatus sets status on the given ids and reports how many records
// changed. Unknown ids are ignored. The file is only rewritten when
// something changed.
func (s *FileStore) SetStatus(ctx context.Context, ids []string, status string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	tasks, err := s.readAll()
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range tasks {
		if _, ok := want[tasks[i].ID]; ok && tasks[i].Status != status {
			tasks[i].Status = status
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.writeAll(tasks); err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *FileStore) validateCreate(req CreateRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return &ValidationError{Fields: fields, Err: err}
		}
		return &ValidationError{Reason: err.Error(), Err: err}
	}

	if !ics.HasStructure(req.ScheduleVEvent) {
		return &ValidationError{Reason: "schedule_vevent must contain BEGIN:VEVENT, END:VEVENT and DTSTART"}
	}
	if _, err := ics.ParseSchedule(req.ScheduleVEvent); err != nil {
		return &ValidationError{Reason: "schedule_vevent: " + err.Error(), Err: err}
	}
	return nil
}

// lock serializes access inside the process and, when configured, across
// processes. The returned func releases both.
func (s *FileStore) lock(ctx context.Context) (func(), error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.flk == nil {
		return func() { <-s.sem }, nil
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		<-s.sem
		return nil, &IOError{Op: "lock", Path: s.path, Err: err}
	}
	locked, err := s.flk.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		<-s.sem
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, &IOError{Op: "lock", Path: s.flk.Path(), Err: err}
	}
	return func() {
		if err := s.flk.Unlock(); err != nil {
			appLog.Warn("store unlock failed", "path", s.flk.Path(), "err", err.Error())
		}
		<-s.sem
	}, nil
}

// readAll loads the collection. A missing or empty file is an empty
// collection; anything that is not a JSON array of tasks is an IOError.
func (s *FileStore) readAll() ([]model.Task, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.Task{}, nil
		}
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []model.Task{}, nil
	}

	var tasks []model.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, &IOError{Op: "decode", Path: s.path, Err: err}
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return tasks, nil
}

// writeAll replaces the file atomically: temp file in the same directory,
// then rename.
func (s *FileStore) writeAll(tasks []model.Task) error {
	if tasks == nil {
		tasks = []model.Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return &IOError{Op: "encode", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Op: "write", Path: s.path, Err: err}
	}

	tmp, err := afero.TempFile(s.fs, dir, ".tasks-*.tmp")
	if err != nil {
		return &IOError{Op: "write", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return &IOError{Op: "write", Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return &IOError{Op: "write", Path: s.path, Err: err}
	}
	if err := s.fs.Chmod(tmpName, 0o644); err != nil {
		_ = s.fs.Remove(tmpName)
		return &IOError{Op: "write", Path: s.path, Err: err}
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)
		return &IOError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

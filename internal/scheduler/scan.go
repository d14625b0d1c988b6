package scheduler

import (
	"errors"
	"strings"
	"time"

	"taskcal/internal/ics"
	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// FiredLookup is the read side of the fired-once registry.
type FiredLookup interface {
	Fired(id string) bool
	LastDelivered(id string) (time.Time, bool)
}

// Skip records a task left out of a scan and why.
type Skip struct {
	TaskID string
	Err    error
}

// Report is the full outcome of evaluating a collection.
type Report struct {
	// Due tasks in store order.
	Due []model.DueTask
	// Exhausted holds ids that can never fire again.
	Exhausted []string
	// Skipped holds tasks with bad data or unparseable schedules.
	Skipped []Skip
}

// Scanner decides which tasks are due at a given instant.
type Scanner struct {
	Resolver ics.Resolver
	// Poll is the loop interval; a task is due when its occurrence is no
	// later than now + Poll/2.
	Poll     time.Duration
	Registry FiredLookup
}

// Scan returns the due tasks.
func (s *Scanner) Scan(tasks []model.Task, now time.Time) []model.DueTask {
	return s.Evaluate(tasks, now).Due
}

// Evaluate classifies every task. It never fails as a whole; bad records
// are logged and reported in Skipped.
func (s *Scanner) Evaluate(tasks []model.Task, now time.Time) Report {
	now = now.UTC()
	horizon := now.Add(s.Poll / 2)

	var rep Report
	skip := func(id string, err error) {
		rep.Skipped = append(rep.Skipped, Skip{TaskID: id, Err: err})
	}

	for _, t := range tasks {
		if t.Status == model.StatusExhausted {
			continue
		}
		if strings.TrimSpace(t.ScheduleVEvent) == "" {
			err := &DataError{TaskID: t.ID, Reason: "empty schedule"}
			appLog.Warn("skipping task", "task_id", t.ID, "err", err.Error())
			skip(t.ID, err)
			continue
		}

		sched, err := ics.ParseSchedule(t.ScheduleVEvent)
		if err != nil {
			if errors.Is(err, ics.ErrNoStart) {
				err = &DataError{TaskID: t.ID, Reason: "schedule has no DTSTART", Err: err}
				appLog.Warn("skipping task", "task_id", t.ID, "err", err.Error())
			} else {
				appLog.Error("schedule parse failed", err, "task_id", t.ID)
			}
			skip(t.ID, err)
			continue
		}

		if sched.OneOff() && s.Registry != nil && s.Registry.Fired(t.ID) {
			appLog.Debug("one-off already fired", "task_id", t.ID)
			rep.Exhausted = append(rep.Exhausted, t.ID)
			continue
		}

		occ, ok := s.Resolver.Next(sched, now)
		if ok && !sched.OneOff() && s.Registry != nil {
			if last, seen := s.Registry.LastDelivered(t.ID); seen && !occ.After(last) {
				occ, ok = s.Resolver.NextAfter(sched, last)
			}
		}
		if !ok {
			// An excluded RDATE yields none now while a later one may still fire.
			if later, more := s.Resolver.NextAfter(sched, now); more {
				appLog.Debug("no occurrence this cycle", "task_id", t.ID, "next", later)
				continue
			}
			appLog.Debug("no upcoming occurrence", "task_id", t.ID, "kind", sched.Kind.String())
			rep.Exhausted = append(rep.Exhausted, t.ID)
			continue
		}

		if occ.After(horizon) {
			continue
		}

		if t.ConversationID == "" || t.UserPrompt == "" {
			err := &DataError{TaskID: t.ID, Reason: "due task has no conversation_id or user_prompt"}
			appLog.Warn("skipping task", "task_id", t.ID, "err", err.Error())
			skip(t.ID, err)
			continue
		}

		appLog.Debug("task due", "task_id", t.ID, "occurrence", occ, "one_off", sched.OneOff())
		rep.Due = append(rep.Due, model.DueTask{
			ID:             t.ID,
			ConversationID: t.ConversationID,
			UserPrompt:     t.UserPrompt,
			Occurrence:     occ,
			OneOff:         sched.OneOff(),
		})
	}
	return rep
}

package model

import "time"

// Task status values. The scanner skips exhausted tasks; the resolver never
// reads status.
const (
	StatusPending   = "pending"
	StatusExhausted = "exhausted"
)

// Task is a durable scheduled-prompt record as persisted by the task store.
// JSON field names are part of the on-disk format shared with the agent
// tooling and must not change.
type Task struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	UserPrompt     string `json:"user_prompt"`

	// ScheduleVEvent is a single VEVENT block: DTSTART plus optional
	// RRULE / RDATE / EXDATE properties.
	ScheduleVEvent string `json:"schedule_vevent"`

	Status string `json:"status"`
}

// DueTask is a task selected for delivery in one poll cycle.
type DueTask struct {
	ID             string
	ConversationID string
	UserPrompt     string

	// Occurrence is the computed firing instant, in UTC.
	Occurrence time.Time

	// OneOff is true when the schedule has neither RRULE nor RDATE, i.e.
	// the task can fire at most once.
	OneOff bool
}

package domain

import "time"

// Reserved column identifiers. Boards may carry additional custom columns;
// only these three have special meaning.
const (
	ColumnToDo       = "todo"
	ColumnInProgress = "in_progress"
	ColumnDone       = "done"
)

// Column describes a board column.
type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// DefaultColumns returns the three columns every board starts with.
func DefaultColumns() []Column {
	return []Column{
		{ID: ColumnToDo, Title: "To Do"},
		{ID: ColumnInProgress, Title: "In Progress"},
		{ID: ColumnDone, Title: "Done"},
	}
}

// Task represents a single board item.
type Task struct {
	ID                string     `json:"id"`
	ColumnID          string     `json:"columnId"`
	Content           string     `json:"content"`
	Description       string     `json:"description,omitempty"`
	Tag               string     `json:"tag,omitempty"`
	Time              string     `json:"time,omitempty"`
	Deadline          *time.Time `json:"deadline,omitempty"`
	LinkedSOPIDs      []string   `json:"linkedSopIds,omitempty"`
	Score             int        `json:"score,omitempty"`
	ReviewNote        string     `json:"reviewNote,omitempty"`
	CompletionDate    *time.Time `json:"completionDate,omitempty"`
	IsImportant       bool       `json:"isImportant,omitempty"`
	ActualTimeSeconds int64      `json:"actualTimeSeconds,omitempty"`
	UpdatedAt         int64      `json:"updatedAt,omitempty"`
}

// TaskUpdate carries a partial update for a task. Nil fields are left
// untouched by Apply.
type TaskUpdate struct {
	ColumnID          *string    `json:"columnId,omitempty"`
	Content           *string    `json:"content,omitempty"`
	Description       *string    `json:"description,omitempty"`
	Tag               *string    `json:"tag,omitempty"`
	Time              *string    `json:"time,omitempty"`
	Deadline          *time.Time `json:"deadline,omitempty"`
	LinkedSOPIDs      []string   `json:"linkedSopIds,omitempty"`
	Score             *int       `json:"score,omitempty"`
	ReviewNote        *string    `json:"reviewNote,omitempty"`
	CompletionDate    *time.Time `json:"completionDate,omitempty"`
	IsImportant       *bool      `json:"isImportant,omitempty"`
	ActualTimeSeconds *int64     `json:"actualTimeSeconds,omitempty"`
	UpdatedAt         *int64     `json:"updatedAt,omitempty"`
}

// Apply merges the update into the task. The merge is shallow: only fields
// present in the update are replaced.
func (t *Task) Apply(u TaskUpdate) {
	if u.ColumnID != nil {
		t.ColumnID = *u.ColumnID
	}
	if u.Content != nil {
		t.Content = *u.Content
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Tag != nil {
		t.Tag = *u.Tag
	}
	if u.Time != nil {
		t.Time = *u.Time
	}
	if u.Deadline != nil {
		t.Deadline = u.Deadline
	}
	if u.LinkedSOPIDs != nil {
		t.LinkedSOPIDs = u.LinkedSOPIDs
	}
	if u.Score != nil {
		t.Score = *u.Score
	}
	if u.ReviewNote != nil {
		t.ReviewNote = *u.ReviewNote
	}
	if u.CompletionDate != nil {
		t.CompletionDate = u.CompletionDate
	}
	if u.IsImportant != nil {
		t.IsImportant = *u.IsImportant
	}
	if u.ActualTimeSeconds != nil {
		t.ActualTimeSeconds = *u.ActualTimeSeconds
	}
	if u.UpdatedAt != nil {
		t.UpdatedAt = *u.UpdatedAt
	}
}

// Empty reports whether the update carries no fields.
func (u TaskUpdate) Empty() bool {
	return u.ColumnID == nil && u.Content == nil && u.Description == nil &&
		u.Tag == nil && u.Time == nil && u.Deadline == nil &&
		u.LinkedSOPIDs == nil && u.Score == nil && u.ReviewNote == nil &&
		u.CompletionDate == nil && u.IsImportant == nil &&
		u.ActualTimeSeconds == nil && u.UpdatedAt == nil
}

// AnchorDate returns the timestamp used to compute the task's age for
// retention: the completion date if present, else the deadline. Tasks with
// neither have no anchor and never expire.
func (t *Task) AnchorDate() (time.Time, bool) {
	if t.CompletionDate != nil {
		return *t.CompletionDate, true
	}
	if t.Deadline != nil {
		return *t.Deadline, true
	}
	return time.Time{}, false
}

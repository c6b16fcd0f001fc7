package domain

import "time"

// SOP is a standard-operating-procedure note: a rich-text document that can
// be linked to tasks. SOPs are never subject to retention expiry.
type SOP struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Tags          []string  `json:"tags"`
	Folder        string    `json:"folder,omitempty"`
	LinkedTaskIDs []string  `json:"linkedTaskIds,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SOPUpdate carries a partial update for an SOP.
type SOPUpdate struct {
	Title         *string    `json:"title,omitempty"`
	Content       *string    `json:"content,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Folder        *string    `json:"folder,omitempty"`
	LinkedTaskIDs []string   `json:"linkedTaskIds,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

// Apply merges the update into the SOP, replacing only fields that are set.
func (s *SOP) Apply(u SOPUpdate) {
	if u.Title != nil {
		s.Title = *u.Title
	}
	if u.Content != nil {
		s.Content = *u.Content
	}
	if u.Tags != nil {
		s.Tags = u.Tags
	}
	if u.Folder != nil {
		s.Folder = *u.Folder
	}
	if u.LinkedTaskIDs != nil {
		s.LinkedTaskIDs = u.LinkedTaskIDs
	}
	if u.UpdatedAt != nil {
		s.UpdatedAt = *u.UpdatedAt
	}
}

// Empty reports whether the update carries no fields.
func (u SOPUpdate) Empty() bool {
	return u.Title == nil && u.Content == nil && u.Tags == nil &&
		u.Folder == nil && u.LinkedTaskIDs == nil && u.UpdatedAt == nil
}

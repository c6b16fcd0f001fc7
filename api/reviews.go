package api

import (
	"sync"

	"onlytask-api/domain"
)

// ReviewRegistry remembers, per user, the most recent task that landed in
// the done column and still awaits a review. The board asks for the prompt
// when a move completes the task; the submission arrives over the API and
// clears the entry.
type ReviewRegistry struct {
	mu      sync.Mutex
	pending map[string]domain.Task
}

// NewReviewRegistry creates an empty registry.
func NewReviewRegistry() *ReviewRegistry {
	return &ReviewRegistry{pending: make(map[string]domain.Task)}
}

// RequestReview records the task as awaiting review, replacing any earlier
// unanswered prompt for the user.
func (r *ReviewRegistry) RequestReview(userID string, task domain.Task) {
	r.mu.Lock()
	r.pending[userID] = task
	r.mu.Unlock()
}

// Pending returns the task awaiting review for the user, if any.
func (r *ReviewRegistry) Pending(userID string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.pending[userID]
	return task, ok
}

// Clear drops the pending prompt if it refers to the given task.
func (r *ReviewRegistry) Clear(userID, taskID string) {
	r.mu.Lock()
	if task, ok := r.pending[userID]; ok && task.ID == taskID {
		delete(r.pending, userID)
	}
	r.mu.Unlock()
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"onlytask-api/domain"
)

// How many about-to-expire tasks the warning banner shows before collapsing
// the rest into a remainder count.
const warningDisplayCap = 5

var (
	// ErrTaskNotFound is returned when a mutation names a task that is not
	// in the working set.
	ErrTaskNotFound = errors.New("task not found")
	// ErrEmptyContent rejects a create with no title before any mutation or
	// network call happens.
	ErrEmptyContent = errors.New("task content must not be empty")
	// ErrEmptyUpdate rejects an update carrying no fields.
	ErrEmptyUpdate = errors.New("update carries no fields")
	// ErrInvalidScore rejects review scores outside 1..10.
	ErrInvalidScore = errors.New("score must be between 1 and 10")
)

// TaskStore is the remote persistence surface the board needs. All calls are
// scoped by the owning user; row-level ownership is enforced by the store.
type TaskStore interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, userID string, t domain.Task) error
	UpdateTask(ctx context.Context, userID, id string, u domain.TaskUpdate) error
	DeleteTask(ctx context.Context, userID, id string) error
	DeleteTasks(ctx context.Context, userID string, ids []string) error
}

// ReviewPrompter is the collaborator invoked when a task lands in the done
// column. The submission, if any, comes back through SubmitReview.
type ReviewPrompter interface {
	RequestReview(userID string, task domain.Task)
}

// ExpiryWarning is the user-facing summary of tasks nearing deletion.
type ExpiryWarning struct {
	Tasks     []domain.Task `json:"tasks"`
	Remainder int           `json:"remainder"`
}

// TaskBoard owns one user's in-memory task working set. All mutations go
// through its methods; the in-memory update always completes before the
// method returns, while persistence runs out of band.
type TaskBoard struct {
	userID string

	mu       sync.Mutex
	premium  bool
	loaded   bool
	activeID string
	warned   []domain.Task

	tasks   *Collection[domain.Task, domain.TaskUpdate]
	columns []domain.Column
	store   TaskStore
	pool    *PersistPool
	reviews ReviewPrompter
	logger  *log.Logger
	now     func() time.Time
}

type taskPersister struct{ store TaskStore }

func (p taskPersister) Insert(ctx context.Context, userID string, t domain.Task) error {
	return p.store.InsertTask(ctx, userID, t)
}

func (p taskPersister) Update(ctx context.Context, userID, id string, u domain.TaskUpdate) error {
	return p.store.UpdateTask(ctx, userID, id, u)
}

func (p taskPersister) Delete(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 1 {
		return p.store.DeleteTask(ctx, userID, ids[0])
	}
	return p.store.DeleteTasks(ctx, userID, ids)
}

// NewTaskBoard creates an unloaded board for the user.
func NewTaskBoard(userID string, premium bool, store TaskStore, pool *PersistPool, reviews ReviewPrompter, logger *log.Logger, now func() time.Time) *TaskBoard {
	if now == nil {
		now = time.Now
	}
	b := &TaskBoard{
		userID:  userID,
		premium: premium,
		columns: domain.DefaultColumns(),
		store:   store,
		pool:    pool,
		reviews: reviews,
		logger:  logger,
		now:     now,
	}
	b.tasks = NewCollection[domain.Task, domain.TaskUpdate](
		"task", userID,
		func(t domain.Task) string { return t.ID },
		func(t *domain.Task, u domain.TaskUpdate) { t.Apply(u) },
		taskPersister{store: store}, pool,
	)
	return b
}

// Load fetches the user's tasks, sweeps expired ones out of the working set
// and queues their deletion as a single batch. The batch delete is best
// effort: a failure is logged and the expired tasks stay hidden client-side
// until a later load finds them again.
func (b *TaskBoard) Load(ctx context.Context) error {
	fetched, err := b.store.FetchTasks(ctx, b.userID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	live, expired := domain.PartitionExpired(fetched, b.premium, b.now())
	b.tasks.Reset(live)
	b.loaded = true
	b.refreshWarningsLocked()
	b.mu.Unlock()

	if len(expired) > 0 {
		b.logger.WithFields(log.Fields{"user": b.userID, "count": len(expired)}).Info("purging expired tasks")
		b.pool.Submit(persistJob{
			userID: b.userID,
			op:     "task.purge",
			fn: func(ctx context.Context) error {
				return b.store.DeleteTasks(ctx, b.userID, expired)
			},
		})
	}
	return nil
}

// Loaded reports whether Load has succeeded at least once.
func (b *TaskBoard) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// SetPremium records a tier change and recomputes the warning list right
// away, so an upgrade shrinks the banner without waiting for a fresh load.
func (b *TaskBoard) SetPremium(premium bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.premium == premium {
		return
	}
	b.premium = premium
	b.refreshWarningsLocked()
}

// Tasks returns the working set in order.
func (b *TaskBoard) Tasks() []domain.Task {
	return b.tasks.Snapshot()
}

// Columns returns the board columns.
func (b *TaskBoard) Columns() []domain.Column {
	return b.columns
}

// Task returns a single task by ID.
func (b *TaskBoard) Task(id string) (domain.Task, bool) {
	return b.tasks.Get(id)
}

// Add creates a task with a client-generated identifier, inserts it at the
// head of the working set and schedules the insert. opts may pre-set any
// optional field; the column defaults to todo.
func (b *TaskBoard) Add(content string, opts domain.TaskUpdate) (domain.Task, error) {
	if content == "" {
		return domain.Task{}, ErrEmptyContent
	}
	task := domain.Task{
		ID:       uuid.NewString(),
		ColumnID: domain.ColumnToDo,
		Content:  content,
	}
	task.Apply(opts)
	if task.ColumnID == "" {
		task.ColumnID = domain.ColumnToDo
	}
	task.UpdatedAt = nextStamp()

	b.mu.Lock()
	b.tasks.Insert(task)
	b.refreshWarningsLocked()
	b.mu.Unlock()
	return task, nil
}

// Update merges the partial update into the task synchronously and schedules
// a persist carrying only the changed fields plus a refreshed last-modified
// stamp. If the task is the currently focused one, the focused reference is
// the same record, so it observes the merge immediately.
func (b *TaskBoard) Update(id string, u domain.TaskUpdate) (domain.Task, error) {
	if u.Empty() {
		return domain.Task{}, ErrEmptyUpdate
	}
	stamp := nextStamp()
	u.UpdatedAt = &stamp

	b.mu.Lock()
	merged, ok := b.tasks.Patch(id, u)
	if !ok {
		b.mu.Unlock()
		return domain.Task{}, ErrTaskNotFound
	}
	b.refreshWarningsLocked()
	b.mu.Unlock()
	return merged, nil
}

// Move reorders the task in memory with remove-and-reinsert semantics and,
// when the destination column differs, persists only the column change.
// Intra-column ordering is deliberately session-scoped and does not survive
// a reload. Moving a task into done from any other column asks the review
// prompter exactly once; a repeated identical move is a no-op.
func (b *TaskBoard) Move(id, overID, columnID string) error {
	b.mu.Lock()
	prev, ok := b.tasks.Get(id)
	if !ok {
		b.mu.Unlock()
		return ErrTaskNotFound
	}
	b.tasks.Reorder(id, overID)

	columnChanged := prev.ColumnID != columnID
	var moved domain.Task
	if columnChanged {
		// Only the column membership goes to the remote store; ordering is
		// recomputed in memory and lost on reload.
		moved, _ = b.tasks.Patch(id, domain.TaskUpdate{ColumnID: &columnID})
		b.refreshWarningsLocked()
	}
	b.mu.Unlock()

	if columnChanged && columnID == domain.ColumnDone && b.reviews != nil {
		b.reviews.RequestReview(b.userID, moved)
	}
	return nil
}

// SubmitReview records the outcome of a review prompt: score, note and the
// completion timestamp are merged into the task as a normal update, which
// re-anchors the task's retention clock.
func (b *TaskBoard) SubmitReview(id string, score int, note string) (domain.Task, error) {
	if score < 1 || score > 10 {
		return domain.Task{}, ErrInvalidScore
	}
	completed := b.now()
	return b.Update(id, domain.TaskUpdate{
		Score:          &score,
		ReviewNote:     &note,
		CompletionDate: &completed,
	})
}

// Delete removes the task from memory and schedules the remote delete.
func (b *TaskBoard) Delete(id string) error {
	b.mu.Lock()
	ok := b.tasks.Remove(id)
	if ok {
		if b.activeID == id {
			b.activeID = ""
		}
		b.refreshWarningsLocked()
	}
	b.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	return nil
}

// SetActiveTask marks the task the user is focused on. An empty id clears
// the focus.
func (b *TaskBoard) SetActiveTask(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id != "" {
		if _, ok := b.tasks.Get(id); !ok {
			return ErrTaskNotFound
		}
	}
	b.activeID = id
	return nil
}

// ActiveTask returns the focused task, if any. It is read from the working
// set, so it always reflects the latest merge.
func (b *TaskBoard) ActiveTask() (domain.Task, bool) {
	b.mu.Lock()
	id := b.activeID
	b.mu.Unlock()
	if id == "" {
		return domain.Task{}, false
	}
	return b.tasks.Get(id)
}

// AboutToExpire returns the current warning list in source order.
func (b *TaskBoard) AboutToExpire() []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Task, len(b.warned))
	copy(out, b.warned)
	return out
}

// Warning returns the capped banner view of the warning list: the first
// five tasks plus a remainder count.
func (b *TaskBoard) Warning() ExpiryWarning {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := ExpiryWarning{}
	if len(b.warned) <= warningDisplayCap {
		w.Tasks = append(w.Tasks, b.warned...)
		return w
	}
	w.Tasks = append(w.Tasks, b.warned[:warningDisplayCap]...)
	w.Remainder = len(b.warned) - warningDisplayCap
	return w
}

// Stats summarizes completed work over the trailing window.
func (b *TaskBoard) Stats(window time.Duration) domain.Stats {
	return domain.Summarize(b.tasks.Snapshot(), window, b.now())
}

// refreshWarningsLocked recomputes the about-to-expire list. It runs after
// every working-set or tier change, under the board lock.
func (b *TaskBoard) refreshWarningsLocked() {
	b.warned = domain.AboutToExpire(b.tasks.Snapshot(), b.premium, b.now())
}

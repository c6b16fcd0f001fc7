package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"onlytask-api/domain"
)

// ErrEmptyTitle rejects an SOP create with no title.
var ErrEmptyTitle = errors.New("sop title must not be empty")

// ErrSOPNotFound is returned when a mutation names an unknown SOP.
var ErrSOPNotFound = errors.New("sop not found")

// SOPStore is the remote persistence surface for the SOP library.
type SOPStore interface {
	FetchSOPs(ctx context.Context, userID string) ([]domain.SOP, error)
	InsertSOP(ctx context.Context, userID string, s domain.SOP) error
	UpdateSOP(ctx context.Context, userID, id string, u domain.SOPUpdate) error
	DeleteSOP(ctx context.Context, userID, id string) error
}

// SOPLibrary owns one user's in-memory SOP working set. It reuses the same
// optimistic collection as the task board; SOPs carry no retention policy.
type SOPLibrary struct {
	userID string

	mu     sync.Mutex
	loaded bool

	sops   *Collection[domain.SOP, domain.SOPUpdate]
	store  SOPStore
	logger *log.Logger
	now    func() time.Time
}

type sopPersister struct{ store SOPStore }

func (p sopPersister) Insert(ctx context.Context, userID string, s domain.SOP) error {
	return p.store.InsertSOP(ctx, userID, s)
}

func (p sopPersister) Update(ctx context.Context, userID, id string, u domain.SOPUpdate) error {
	return p.store.UpdateSOP(ctx, userID, id, u)
}

func (p sopPersister) Delete(ctx context.Context, userID string, ids ...string) error {
	for _, id := range ids {
		if err := p.store.DeleteSOP(ctx, userID, id); err != nil {
			return err
		}
	}
	return nil
}

// NewSOPLibrary creates an unloaded library for the user.
func NewSOPLibrary(userID string, store SOPStore, pool *PersistPool, logger *log.Logger, now func() time.Time) *SOPLibrary {
	if now == nil {
		now = time.Now
	}
	l := &SOPLibrary{
		userID: userID,
		store:  store,
		logger: logger,
		now:    now,
	}
	l.sops = NewCollection[domain.SOP, domain.SOPUpdate](
		"sop", userID,
		func(s domain.SOP) string { return s.ID },
		func(s *domain.SOP, u domain.SOPUpdate) { s.Apply(u) },
		sopPersister{store: store}, pool,
	)
	return l
}

// Load fetches the user's SOPs into the working set.
func (l *SOPLibrary) Load(ctx context.Context) error {
	fetched, err := l.store.FetchSOPs(ctx, l.userID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sops.Reset(fetched)
	l.loaded = true
	l.mu.Unlock()
	return nil
}

// Loaded reports whether Load has succeeded at least once.
func (l *SOPLibrary) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// SOPs returns the working set in order.
func (l *SOPLibrary) SOPs() []domain.SOP {
	return l.sops.Snapshot()
}

// Get returns a single SOP by ID.
func (l *SOPLibrary) Get(id string) (domain.SOP, bool) {
	return l.sops.Get(id)
}

// Add creates an SOP with a client-generated identifier and inserts it at
// the head of the working set.
func (l *SOPLibrary) Add(title, content string, tags []string, opts domain.SOPUpdate) (domain.SOP, error) {
	if title == "" {
		return domain.SOP{}, ErrEmptyTitle
	}
	sop := domain.SOP{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		Tags:      tags,
		UpdatedAt: l.now(),
	}
	sop.Apply(opts)
	if sop.Tags == nil {
		sop.Tags = []string{}
	}
	l.sops.Insert(sop)
	return sop, nil
}

// Update merges the partial update synchronously, refreshing the
// last-updated timestamp, and persists only the changed fields.
func (l *SOPLibrary) Update(id string, u domain.SOPUpdate) (domain.SOP, error) {
	if u.Empty() {
		return domain.SOP{}, ErrEmptyUpdate
	}
	now := l.now()
	u.UpdatedAt = &now
	merged, ok := l.sops.Patch(id, u)
	if !ok {
		return domain.SOP{}, ErrSOPNotFound
	}
	return merged, nil
}

// Delete removes the SOP from memory and schedules the remote delete.
func (l *SOPLibrary) Delete(id string) error {
	if !l.sops.Remove(id) {
		return ErrSOPNotFound
	}
	return nil
}

// Search filters the working set by a free-text query over title and
// content and, optionally, an exact tag.
func (l *SOPLibrary) Search(query, tag string) []domain.SOP {
	all := l.sops.Snapshot()
	if query == "" && tag == "" {
		return all
	}
	q := strings.ToLower(query)
	out := make([]domain.SOP, 0, len(all))
	for _, s := range all {
		if q != "" && !strings.Contains(strings.ToLower(s.Title), q) && !strings.Contains(strings.ToLower(s.Content), q) {
			continue
		}
		if tag != "" && !hasTag(s.Tags, tag) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

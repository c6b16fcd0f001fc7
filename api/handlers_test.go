package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"onlytask-api/domain"
	"onlytask-api/session"
	"onlytask-api/storage"
)

type apiStore struct {
	mu    sync.Mutex
	tasks []domain.Task
	sops  []domain.SOP

	insertedTasks []domain.Task
	taskUpdates   map[string][]domain.TaskUpdate
	deletedTasks  []string
}

func newAPIStore() *apiStore {
	return &apiStore{taskUpdates: make(map[string][]domain.TaskUpdate)}
}

func (s *apiStore) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task(nil), s.tasks...), nil
}

func (s *apiStore) InsertTask(ctx context.Context, userID string, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertedTasks = append(s.insertedTasks, t)
	return nil
}

func (s *apiStore) UpdateTask(ctx context.Context, userID, id string, u domain.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskUpdates[id] = append(s.taskUpdates[id], u)
	return nil
}

func (s *apiStore) DeleteTask(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedTasks = append(s.deletedTasks, id)
	return nil
}

func (s *apiStore) DeleteTasks(ctx context.Context, userID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedTasks = append(s.deletedTasks, ids...)
	return nil
}

func (s *apiStore) FetchSOPs(ctx context.Context, userID string) ([]domain.SOP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SOP(nil), s.sops...), nil
}

func (s *apiStore) InsertSOP(ctx context.Context, userID string, sop domain.SOP) error {
	return nil
}

func (s *apiStore) UpdateSOP(ctx context.Context, userID, id string, u domain.SOPUpdate) error {
	return nil
}

func (s *apiStore) DeleteSOP(ctx context.Context, userID, id string) error {
	return nil
}

type stubProfiles struct {
	mu       sync.Mutex
	profiles map[string]domain.Profile
	byOrder  map[string]domain.Profile

	premiumSet []string
	events     []domain.PremiumEvent
}

func newStubProfiles() *stubProfiles {
	return &stubProfiles{
		profiles: make(map[string]domain.Profile),
		byOrder:  make(map[string]domain.Profile),
	}
}

func (s *stubProfiles) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *stubProfiles) FindProfileByOrderCode(ctx context.Context, orderCode string) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byOrder[orderCode]
	if !ok {
		return nil, storage.ErrOrderNotFound
	}
	return &p, nil
}

func (s *stubProfiles) SetPremium(ctx context.Context, userID string, premium bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.premiumSet = append(s.premiumSet, userID)
	p := s.profiles[userID]
	p.ID = userID
	p.IsPremium = premium
	s.profiles[userID] = p
	return nil
}

func (s *stubProfiles) EnqueuePremiumEvent(ctx context.Context, userID string, ev domain.PremiumEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	return "user", nil
}

type fixture struct {
	e        *echo.Echo
	store    *apiStore
	profiles *stubProfiles
	reviews  *ReviewRegistry
	pool     *session.PersistPool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	store := newAPIStore()
	profiles := newStubProfiles()
	reviews := NewReviewRegistry()
	pool := session.NewPersistPool(1, 16, time.Second, 10*time.Millisecond, logger)
	t.Cleanup(pool.Shutdown)

	sessions := session.NewManager(store, pool, reviews, logger, time.Now)

	e := echo.New()
	Register(e, Deps{
		Sessions:      sessions,
		Profiles:      profiles,
		Auth:          mockAuth{},
		Reviews:       reviews,
		Dedup:         nil,
		WebhookSecret: []byte("secret"),
		Logger:        logger,
	})
	return &fixture{e: e, store: store, profiles: profiles, reviews: reviews, pool: pool}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, rec.Body.String())
	}
	return v
}

func TestGetBoardReturnsWorkingSet(t *testing.T) {
	f := newFixture(t)
	f.store.tasks = []domain.Task{
		{ID: "t1", ColumnID: domain.ColumnToDo, Content: "first"},
		{ID: "t2", ColumnID: domain.ColumnDone, Content: "second"},
	}

	rec := f.do(t, http.MethodGet, "/api/board", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON[boardResponse](t, rec)
	if len(resp.Columns) != 3 {
		t.Fatalf("expected default columns, got %#v", resp.Columns)
	}
	if len(resp.Tasks) != 2 || resp.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected tasks: %#v", resp.Tasks)
	}
	if resp.IsPremium {
		t.Fatalf("expected free tier without a profile row")
	}
	if resp.PendingReview != nil {
		t.Fatalf("unexpected pending review: %#v", resp.PendingReview)
	}
}

func TestGetBoardRequiresAuth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/board", nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestGetBoardWarningReflectsTier(t *testing.T) {
	f := newFixture(t)
	deadline := time.Now().Add(-89 * 24 * time.Hour)
	f.store.tasks = []domain.Task{{ID: "old", ColumnID: domain.ColumnToDo, Content: "aging", Deadline: &deadline}}

	rec := f.do(t, http.MethodGet, "/api/board", nil)
	resp := decodeJSON[boardResponse](t, rec)
	if len(resp.ExpiryWarning.Tasks) != 1 || resp.ExpiryWarning.Tasks[0].ID != "old" {
		t.Fatalf("expected expiry warning on free tier: %#v", resp.ExpiryWarning)
	}

	f.profiles.profiles["user"] = domain.Profile{ID: "user", IsPremium: true}
	rec = f.do(t, http.MethodGet, "/api/board", nil)
	resp = decodeJSON[boardResponse](t, rec)
	if len(resp.ExpiryWarning.Tasks) != 0 {
		t.Fatalf("premium tier should clear the warning: %#v", resp.ExpiryWarning)
	}
	if !resp.IsPremium {
		t.Fatalf("expected premium flag in response")
	}
}

func TestPostTaskCreates(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"content": "  write report  ", "tag": "work"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	task := decodeJSON[domain.Task](t, rec)
	if task.ID == "" || task.Content != "write report" || task.Tag != "work" {
		t.Fatalf("unexpected task: %#v", task)
	}
	if task.ColumnID != domain.ColumnToDo {
		t.Fatalf("expected default column, got %q", task.ColumnID)
	}
}

func TestPostTaskRejectsEmptyContent(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"content": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestPostTaskRejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"content": "x", "bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestPatchTaskNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPatch, "/api/tasks/nope", map[string]any{"content": "renamed"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestPatchTaskMergesField(t *testing.T) {
	f := newFixture(t)
	f.store.tasks = []domain.Task{{ID: "t1", ColumnID: domain.ColumnToDo, Content: "orig", Tag: "keep"}}

	rec := f.do(t, http.MethodPatch, "/api/tasks/t1", map[string]any{"content": "renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	task := decodeJSON[domain.Task](t, rec)
	if task.Content != "renamed" || task.Tag != "keep" {
		t.Fatalf("merge lost fields: %#v", task)
	}
}

func TestMoveToDoneSurfacesPendingReview(t *testing.T) {
	f := newFixture(t)
	f.store.tasks = []domain.Task{{ID: "t1", ColumnID: domain.ColumnInProgress, Content: "ship it"}}

	rec := f.do(t, http.MethodPost, "/api/tasks/t1/move", map[string]any{"columnId": domain.ColumnDone})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	moved := decodeJSON[domain.Task](t, rec)
	if moved.ColumnID != domain.ColumnDone {
		t.Fatalf("expected done column, got %q", moved.ColumnID)
	}

	board := decodeJSON[boardResponse](t, f.do(t, http.MethodGet, "/api/board", nil))
	if board.PendingReview == nil || board.PendingReview.ID != "t1" {
		t.Fatalf("expected pending review for t1: %#v", board.PendingReview)
	}

	rec = f.do(t, http.MethodPost, "/api/tasks/t1/review", map[string]any{"score": 8, "note": "smooth"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	reviewed := decodeJSON[domain.Task](t, rec)
	if reviewed.Score != 8 || reviewed.ReviewNote != "smooth" || reviewed.CompletionDate == nil {
		t.Fatalf("review not merged: %#v", reviewed)
	}

	board = decodeJSON[boardResponse](t, f.do(t, http.MethodGet, "/api/board", nil))
	if board.PendingReview != nil {
		t.Fatalf("review submission should clear the prompt: %#v", board.PendingReview)
	}
}

func TestPostReviewValidatesScore(t *testing.T) {
	f := newFixture(t)
	f.store.tasks = []domain.Task{{ID: "t1", ColumnID: domain.ColumnDone, Content: "done"}}
	rec := f.do(t, http.MethodPost, "/api/tasks/t1/review", map[string]any{"score": 11})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	f := newFixture(t)
	f.store.tasks = []domain.Task{{ID: "t1", ColumnID: domain.ColumnToDo, Content: "gone soon"}}

	rec := f.do(t, http.MethodDelete, "/api/tasks/t1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	board := decodeJSON[boardResponse](t, f.do(t, http.MethodGet, "/api/board", nil))
	if len(board.Tasks) != 0 {
		t.Fatalf("task should be gone: %#v", board.Tasks)
	}
}

func TestPutActiveTaskUnknown(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/api/board/active", map[string]any{"taskId": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestActiveTaskRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.store.tasks = []domain.Task{{ID: "t1", ColumnID: domain.ColumnToDo, Content: "focus"}}

	rec := f.do(t, http.MethodPut, "/api/board/active", map[string]any{"taskId": "t1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	board := decodeJSON[boardResponse](t, f.do(t, http.MethodGet, "/api/board", nil))
	if board.ActiveTaskID != "t1" {
		t.Fatalf("expected active task t1, got %q", board.ActiveTaskID)
	}
}

func TestSOPLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sops", map[string]any{"title": "Deploy runbook", "content": "steps", "tags": []string{"ops"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeJSON[domain.SOP](t, rec)
	if created.ID == "" || created.Title != "Deploy runbook" {
		t.Fatalf("unexpected sop: %#v", created)
	}

	list := decodeJSON[[]domain.SOP](t, f.do(t, http.MethodGet, "/api/sops?query=runbook", nil))
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("search missed the sop: %#v", list)
	}
	empty := decodeJSON[[]domain.SOP](t, f.do(t, http.MethodGet, "/api/sops?query=unrelated", nil))
	if len(empty) != 0 {
		t.Fatalf("expected no match: %#v", empty)
	}

	rec = f.do(t, http.MethodPatch, "/api/sops/"+created.ID, map[string]any{"folder": "infra"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeJSON[domain.SOP](t, rec)
	if updated.Folder != "infra" || updated.Title != "Deploy runbook" {
		t.Fatalf("patch lost fields: %#v", updated)
	}

	rec = f.do(t, http.MethodDelete, "/api/sops/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
}

func TestGetProfileMissingReturnsMinimal(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/profile", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	profile := decodeJSON[domain.Profile](t, rec)
	if profile.ID != "user" || profile.IsPremium {
		t.Fatalf("unexpected profile: %#v", profile)
	}
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	recent := time.Now().Add(-2 * 24 * time.Hour)
	ancient := time.Now().Add(-90 * 24 * time.Hour)
	f.store.tasks = []domain.Task{
		{ID: "t1", ColumnID: domain.ColumnDone, Content: "a", CompletionDate: &recent, Score: 8, ActualTimeSeconds: 600},
		{ID: "t2", ColumnID: domain.ColumnDone, Content: "b", CompletionDate: &ancient, Score: 2},
	}

	rec := f.do(t, http.MethodGet, "/api/stats?days=7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	stats := decodeJSON[domain.Stats](t, rec)
	if stats.CompletedTasks != 1 || stats.TotalActualSeconds != 600 {
		t.Fatalf("unexpected stats: %#v", stats)
	}

	if rec := f.do(t, http.MethodGet, "/api/stats?days=zero", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid days, got %d", rec.Code)
	}
}

func TestPremiumCancellation(t *testing.T) {
	f := newFixture(t)
	f.profiles.profiles["user"] = domain.Profile{ID: "user", IsPremium: true}

	rec := f.do(t, http.MethodPost, "/api/profile/premium/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	profile := decodeJSON[domain.Profile](t, rec)
	if profile.IsPremium {
		t.Fatalf("expected free tier after cancellation: %#v", profile)
	}
	if len(f.profiles.events) != 1 || f.profiles.events[0].Type != domain.PremiumCancelled {
		t.Fatalf("expected cancellation event, got %#v", f.profiles.events)
	}
}

func TestBoardListsAboutToExpire(t *testing.T) {
	f := newFixture(t)
	deadline := time.Now().Add(-88 * 24 * time.Hour)
	f.store.tasks = []domain.Task{
		{ID: "aging", ColumnID: domain.ColumnToDo, Content: "old", Deadline: &deadline},
		{ID: "fresh", ColumnID: domain.ColumnToDo, Content: "new"},
	}

	board := decodeJSON[boardResponse](t, f.do(t, http.MethodGet, "/api/board", nil))
	if len(board.AboutToExpire) != 1 || board.AboutToExpire[0].ID != "aging" {
		t.Fatalf("unexpected about-to-expire list: %#v", board.AboutToExpire)
	}
	if len(board.Tasks) != 2 {
		t.Fatalf("warning must not remove tasks from the board: %#v", board.Tasks)
	}
}

func TestBoardReloadDropsSession(t *testing.T) {
	f := newFixture(t)
	f.store.tasks = []domain.Task{}

	board := decodeJSON[boardResponse](t, f.do(t, http.MethodGet, "/api/board", nil))
	if len(board.Tasks) != 0 {
		t.Fatalf("expected empty board")
	}

	f.store.mu.Lock()
	f.store.tasks = []domain.Task{{ID: "t1", ColumnID: domain.ColumnToDo, Content: "fresh"}}
	f.store.mu.Unlock()

	// Without a reload the session serves the loaded working set.
	board = decodeJSON[boardResponse](t, f.do(t, http.MethodGet, "/api/board", nil))
	if len(board.Tasks) != 0 {
		t.Fatalf("expected cached session, got %#v", board.Tasks)
	}

	if rec := f.do(t, http.MethodPost, "/api/board/reload", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	board = decodeJSON[boardResponse](t, f.do(t, http.MethodGet, "/api/board", nil))
	if len(board.Tasks) != 1 || board.Tasks[0].ID != "t1" {
		t.Fatalf("reload should refetch: %#v", board.Tasks)
	}
}

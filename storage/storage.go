package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"onlytask-api/domain"
)

// ErrOrderNotFound is returned when no profile carries the pending order
// code a payment notification references.
var ErrOrderNotFound = errors.New("no profile with pending order code")

// Azure table transactions accept at most 100 entities.
const batchLimit = 100

const edmInt64 = "Edm.Int64"

// Storage provides access to the tables and queues backing the service.
type Storage struct {
	taskTable    *aztables.Client
	sopTable     *aztables.Client
	profileTable *aztables.Client
	eventQueue   *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, sopsTable, profilesTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:    svc.NewClient(tasksTable),
		sopTable:     svc.NewClient(sopsTable),
		profileTable: svc.NewClient(profilesTable),
		eventQueue:   q,
	}, nil
}

type taskEntity struct {
	aztables.Entity
	ColumnID              string `json:"ColumnId"`
	Content               string `json:"Content"`
	Description           string `json:"Description,omitempty"`
	Tag                   string `json:"Tag,omitempty"`
	EstimatedTime         string `json:"EstimatedTime,omitempty"`
	Deadline              string `json:"Deadline,omitempty"`
	LinkedSOPIDs          string `json:"LinkedSopIds,omitempty"`
	Score                 int    `json:"Score,omitempty"`
	ReviewNote            string `json:"ReviewNote,omitempty"`
	CompletionDate        string `json:"CompletionDate,omitempty"`
	IsImportant           bool   `json:"IsImportant,omitempty"`
	ActualTimeSeconds     int64  `json:"ActualTimeSeconds,omitempty,string"`
	ActualTimeSecondsType string `json:"ActualTimeSeconds@odata.type,omitempty"`
	UpdatedAt             int64  `json:"UpdatedAt,omitempty,string"`
	UpdatedAtType         string `json:"UpdatedAt@odata.type,omitempty"`
}

type taskUpdateEntity struct {
	aztables.Entity
	ColumnID              *string `json:"ColumnId,omitempty"`
	Content               *string `json:"Content,omitempty"`
	Description           *string `json:"Description,omitempty"`
	Tag                   *string `json:"Tag,omitempty"`
	EstimatedTime         *string `json:"EstimatedTime,omitempty"`
	Deadline              *string `json:"Deadline,omitempty"`
	LinkedSOPIDs          *string `json:"LinkedSopIds,omitempty"`
	Score                 *int    `json:"Score,omitempty"`
	ReviewNote            *string `json:"ReviewNote,omitempty"`
	CompletionDate        *string `json:"CompletionDate,omitempty"`
	IsImportant           *bool   `json:"IsImportant,omitempty"`
	ActualTimeSeconds     *int64  `json:"ActualTimeSeconds,omitempty,string"`
	ActualTimeSecondsType *string `json:"ActualTimeSeconds@odata.type,omitempty"`
	UpdatedAt             *int64  `json:"UpdatedAt,omitempty,string"`
	UpdatedAtType         *string `json:"UpdatedAt@odata.type,omitempty"`
}

func encodeTask(userID string, t domain.Task) taskEntity {
	ent := taskEntity{
		Entity:        aztables.Entity{PartitionKey: userID, RowKey: t.ID},
		ColumnID:      t.ColumnID,
		Content:       t.Content,
		Description:   t.Description,
		Tag:           t.Tag,
		EstimatedTime: t.Time,
		Score:         t.Score,
		ReviewNote:    t.ReviewNote,
		IsImportant:   t.IsImportant,
	}
	if t.Deadline != nil {
		ent.Deadline = t.Deadline.UTC().Format(time.RFC3339Nano)
	}
	if t.CompletionDate != nil {
		ent.CompletionDate = t.CompletionDate.UTC().Format(time.RFC3339Nano)
	}
	if len(t.LinkedSOPIDs) > 0 {
		ent.LinkedSOPIDs = encodeStrings(t.LinkedSOPIDs)
	}
	if t.ActualTimeSeconds != 0 {
		ent.ActualTimeSeconds = t.ActualTimeSeconds
		ent.ActualTimeSecondsType = edmInt64
	}
	if t.UpdatedAt != 0 {
		ent.UpdatedAt = t.UpdatedAt
		ent.UpdatedAtType = edmInt64
	}
	return ent
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:                ent.RowKey,
		ColumnID:          ent.ColumnID,
		Content:           ent.Content,
		Description:       ent.Description,
		Tag:               ent.Tag,
		Time:              ent.EstimatedTime,
		Score:             ent.Score,
		ReviewNote:        ent.ReviewNote,
		IsImportant:       ent.IsImportant,
		ActualTimeSeconds: ent.ActualTimeSeconds,
		UpdatedAt:         ent.UpdatedAt,
	}
	if ent.Deadline != "" {
		if ts, err := time.Parse(time.RFC3339Nano, ent.Deadline); err == nil {
			t.Deadline = &ts
		}
	}
	if ent.CompletionDate != "" {
		if ts, err := time.Parse(time.RFC3339Nano, ent.CompletionDate); err == nil {
			t.CompletionDate = &ts
		}
	}
	if ent.LinkedSOPIDs != "" {
		t.LinkedSOPIDs = decodeStrings(ent.LinkedSOPIDs)
	}
	return t, nil
}

// FetchTasks retrieves all tasks for the provided user.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + escapeFilterValue(userID) + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// InsertTask stores a full task record.
func (s *Storage) InsertTask(ctx context.Context, userID string, t domain.Task) error {
	payload, err := json.Marshal(encodeTask(userID, t))
	if err == nil {
		_, err = s.taskTable.AddEntity(ctx, payload, nil)
	}
	return err
}

// UpdateTask merges only the changed fields into the stored task.
func (s *Storage) UpdateTask(ctx context.Context, userID, id string, u domain.TaskUpdate) error {
	ent := taskUpdateEntity{
		Entity:      aztables.Entity{PartitionKey: userID, RowKey: id},
		ColumnID:    u.ColumnID,
		Content:     u.Content,
		Description: u.Description,
		Tag:         u.Tag,
		Score:       u.Score,
		ReviewNote:  u.ReviewNote,
		IsImportant: u.IsImportant,
	}
	ent.EstimatedTime = u.Time
	if u.Deadline != nil {
		v := u.Deadline.UTC().Format(time.RFC3339Nano)
		ent.Deadline = &v
	}
	if u.CompletionDate != nil {
		v := u.CompletionDate.UTC().Format(time.RFC3339Nano)
		ent.CompletionDate = &v
	}
	if u.LinkedSOPIDs != nil {
		v := encodeStrings(u.LinkedSOPIDs)
		ent.LinkedSOPIDs = &v
	}
	if u.ActualTimeSeconds != nil {
		ent.ActualTimeSeconds = u.ActualTimeSeconds
		t := edmInt64
		ent.ActualTimeSecondsType = &t
	}
	if u.UpdatedAt != nil {
		ent.UpdatedAt = u.UpdatedAt
		t := edmInt64
		ent.UpdatedAtType = &t
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		et := azcore.ETagAny
		_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	}
	return err
}

// DeleteTask removes a single task. A row that is already gone is treated
// as deleted.
func (s *Storage) DeleteTask(ctx context.Context, userID, id string) error {
	_, err := s.taskTable.DeleteEntity(ctx, userID, id, nil)
	return ignoreNotFound(err)
}

// DeleteTasks removes the given tasks in batch transactions scoped to the
// user's partition.
func (s *Storage) DeleteTasks(ctx context.Context, userID string, ids []string) error {
	for start := 0; start < len(ids); start += batchLimit {
		end := start + batchLimit
		if end > len(ids) {
			end = len(ids)
		}
		actions := make([]aztables.TransactionAction, 0, end-start)
		for _, id := range ids[start:end] {
			payload, err := json.Marshal(aztables.Entity{PartitionKey: userID, RowKey: id})
			if err != nil {
				return err
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeDelete,
				Entity:     payload,
			})
		}
		if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
			return err
		}
	}
	return nil
}

type sopEntity struct {
	aztables.Entity
	Title         string `json:"Title"`
	Content       string `json:"Content,omitempty"`
	Tags          string `json:"Tags,omitempty"`
	Folder        string `json:"Folder,omitempty"`
	LinkedTaskIDs string `json:"LinkedTaskIds,omitempty"`
	UpdatedAt     string `json:"UpdatedAt,omitempty"`
}

type sopUpdateEntity struct {
	aztables.Entity
	Title         *string `json:"Title,omitempty"`
	Content       *string `json:"Content,omitempty"`
	Tags          *string `json:"Tags,omitempty"`
	Folder        *string `json:"Folder,omitempty"`
	LinkedTaskIDs *string `json:"LinkedTaskIds,omitempty"`
	UpdatedAt     *string `json:"UpdatedAt,omitempty"`
}

// FetchSOPs retrieves all SOP notes for the provided user.
func (s *Storage) FetchSOPs(ctx context.Context, userID string) ([]domain.SOP, error) {
	filter := "PartitionKey eq '" + escapeFilterValue(userID) + "'"
	pager := s.sopTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	sops := []domain.SOP{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent sopEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			sop := domain.SOP{
				ID:      ent.RowKey,
				Title:   ent.Title,
				Content: ent.Content,
				Tags:    []string{},
				Folder:  ent.Folder,
			}
			if ent.Tags != "" {
				sop.Tags = decodeStrings(ent.Tags)
			}
			if ent.LinkedTaskIDs != "" {
				sop.LinkedTaskIDs = decodeStrings(ent.LinkedTaskIDs)
			}
			if ent.UpdatedAt != "" {
				if ts, err := time.Parse(time.RFC3339Nano, ent.UpdatedAt); err == nil {
					sop.UpdatedAt = ts
				}
			}
			sops = append(sops, sop)
		}
	}
	return sops, nil
}

// InsertSOP stores a full SOP record.
func (s *Storage) InsertSOP(ctx context.Context, userID string, sop domain.SOP) error {
	ent := sopEntity{
		Entity:    aztables.Entity{PartitionKey: userID, RowKey: sop.ID},
		Title:     sop.Title,
		Content:   sop.Content,
		Folder:    sop.Folder,
		UpdatedAt: sop.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(sop.Tags) > 0 {
		ent.Tags = encodeStrings(sop.Tags)
	}
	if len(sop.LinkedTaskIDs) > 0 {
		ent.LinkedTaskIDs = encodeStrings(sop.LinkedTaskIDs)
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.sopTable.AddEntity(ctx, payload, nil)
	}
	return err
}

// UpdateSOP merges only the changed fields into the stored SOP.
func (s *Storage) UpdateSOP(ctx context.Context, userID, id string, u domain.SOPUpdate) error {
	ent := sopUpdateEntity{
		Entity:  aztables.Entity{PartitionKey: userID, RowKey: id},
		Title:   u.Title,
		Content: u.Content,
		Folder:  u.Folder,
	}
	if u.Tags != nil {
		v := encodeStrings(u.Tags)
		ent.Tags = &v
	}
	if u.LinkedTaskIDs != nil {
		v := encodeStrings(u.LinkedTaskIDs)
		ent.LinkedTaskIDs = &v
	}
	if u.UpdatedAt != nil {
		v := u.UpdatedAt.UTC().Format(time.RFC3339Nano)
		ent.UpdatedAt = &v
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		et := azcore.ETagAny
		_, err = s.sopTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	}
	return err
}

// DeleteSOP removes a single SOP note.
func (s *Storage) DeleteSOP(ctx context.Context, userID, id string) error {
	_, err := s.sopTable.DeleteEntity(ctx, userID, id, nil)
	return ignoreNotFound(err)
}

func encodeStrings(vals []string) string {
	data, err := json.Marshal(vals)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(raw string) []string {
	var vals []string
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return []string{}
	}
	return vals
}

func escapeFilterValue(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

func ignoreNotFound(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return nil
	}
	return err
}

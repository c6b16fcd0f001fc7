package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"onlytask-api/domain"
)

type profileEntity struct {
	aztables.Entity
	Email            string `json:"Email,omitempty"`
	DisplayName      string `json:"DisplayName,omitempty"`
	AvatarColor      string `json:"AvatarColor,omitempty"`
	AvatarURL        string `json:"AvatarUrl,omitempty"`
	IsPremium        bool   `json:"IsPremium"`
	PremiumHistory   string `json:"PremiumHistory,omitempty"`
	PendingOrderCode string `json:"PendingOrderCode,omitempty"`
	CreatedAt        string `json:"CreatedAt,omitempty"`
}

func decodeProfile(data []byte) (*domain.Profile, error) {
	var ent profileEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	p := &domain.Profile{
		ID:               ent.RowKey,
		Email:            ent.Email,
		DisplayName:      ent.DisplayName,
		AvatarColor:      ent.AvatarColor,
		AvatarURL:        ent.AvatarURL,
		IsPremium:        ent.IsPremium,
		PremiumHistory:   []domain.PremiumEvent{},
		PendingOrderCode: ent.PendingOrderCode,
	}
	if ent.PremiumHistory != "" {
		if err := json.Unmarshal([]byte(ent.PremiumHistory), &p.PremiumHistory); err != nil {
			p.PremiumHistory = []domain.PremiumEvent{}
		}
	}
	if ent.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, ent.CreatedAt); err == nil {
			p.CreatedAt = ts
		}
	}
	return p, nil
}

// GetProfile fetches the profile row for a user. A missing profile is not
// an error; the caller gets nil.
func (s *Storage) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	resp, err := s.profileTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		if ignoreNotFound(err) == nil {
			return nil, nil
		}
		return nil, err
	}
	return decodeProfile(resp.Value)
}

// UpsertProfile writes the full profile row, creating it when absent.
func (s *Storage) UpsertProfile(ctx context.Context, p domain.Profile) error {
	ent := profileEntity{
		Entity:           aztables.Entity{PartitionKey: p.ID, RowKey: p.ID},
		Email:            p.Email,
		DisplayName:      p.DisplayName,
		AvatarColor:      p.AvatarColor,
		AvatarURL:        p.AvatarURL,
		IsPremium:        p.IsPremium,
		PendingOrderCode: p.PendingOrderCode,
	}
	if len(p.PremiumHistory) > 0 {
		history, err := json.Marshal(p.PremiumHistory)
		if err != nil {
			return err
		}
		ent.PremiumHistory = string(history)
	}
	if !p.CreatedAt.IsZero() {
		ent.CreatedAt = p.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.profileTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge})
	}
	return err
}

// FindProfileByOrderCode locates the profile whose pending order code
// matches a payment notification. Returns ErrOrderNotFound when no row
// matches.
func (s *Storage) FindProfileByOrderCode(ctx context.Context, orderCode string) (*domain.Profile, error) {
	filter := "PendingOrderCode eq '" + escapeFilterValue(orderCode) + "'"
	pager := s.profileTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if len(resp.Entities) > 0 {
			return decodeProfile(resp.Entities[0])
		}
	}
	return nil, ErrOrderNotFound
}

// SetPremium flips the premium flag for a user, appends the matching
// history event and clears any pending order code.
func (s *Storage) SetPremium(ctx context.Context, userID string, premium bool, at time.Time) error {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	eventType := domain.PremiumCancelled
	if premium {
		eventType = domain.PremiumActivated
	}
	history := []domain.PremiumEvent{}
	if profile != nil {
		history = profile.PremiumHistory
	}
	history = append(history, domain.PremiumEvent{Type: eventType, Date: at.UTC()})
	encoded, err := json.Marshal(history)
	if err != nil {
		return err
	}
	ent := struct {
		aztables.Entity
		IsPremium        bool   `json:"IsPremium"`
		PremiumHistory   string `json:"PremiumHistory"`
		PendingOrderCode string `json:"PendingOrderCode"`
	}{
		Entity:         aztables.Entity{PartitionKey: userID, RowKey: userID},
		IsPremium:      premium,
		PremiumHistory: string(encoded),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.profileTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return err
}

type premiumEventMessage struct {
	UserID string `json:"userId"`
	Type   string `json:"type"`
	Date   string `json:"date"`
}

// EnqueuePremiumEvent publishes a premium tier change for downstream
// consumers.
func (s *Storage) EnqueuePremiumEvent(ctx context.Context, userID string, ev domain.PremiumEvent) error {
	payload, err := json.Marshal(premiumEventMessage{
		UserID: userID,
		Type:   ev.Type,
		Date:   ev.Date.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	_, err = s.eventQueue.EnqueueMessage(ctx, string(payload), nil)
	return err
}

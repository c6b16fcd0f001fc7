package domain

import "time"

// Premium history event types.
const (
	PremiumActivated = "activated"
	PremiumCancelled = "cancelled"
)

// PremiumEvent records a single subscription tier change. The history is
// append-only.
type PremiumEvent struct {
	Type string    `json:"type"`
	Date time.Time `json:"date"`
}

// Profile is the resolved identity of the account that owns every record.
// IsPremium selects the retention window for the user's tasks.
type Profile struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	DisplayName      string         `json:"displayName,omitempty"`
	AvatarColor      string         `json:"avatarColor,omitempty"`
	AvatarURL        string         `json:"avatarUrl,omitempty"`
	IsPremium        bool           `json:"isPremium"`
	PremiumHistory   []PremiumEvent `json:"premiumHistory,omitempty"`
	PendingOrderCode string         `json:"-"`
	CreatedAt        time.Time      `json:"createdAt"`
}

package api

import (
	"context"
	"time"

	"onlytask-api/domain"
)

// Profiles abstracts the account store handlers read tiers from and the
// payment webhook writes activations to.
type Profiles interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	FindProfileByOrderCode(ctx context.Context, orderCode string) (*domain.Profile, error)
	SetPremium(ctx context.Context, userID string, premium bool, at time.Time) error
	EnqueuePremiumEvent(ctx context.Context, userID string, ev domain.PremiumEvent) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of duplicate payment notifications.
type Deduper interface {
	// Add records the order code and returns true if it was newly added.
	Add(ctx context.Context, orderCode string) (bool, error)
	// Remove deletes a previously added code, used when downstream processing fails.
	Remove(ctx context.Context, orderCode string) error
}

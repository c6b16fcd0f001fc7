package domain

import "time"

const day = 24 * time.Hour

// Retention windows by subscription tier, plus the warning window during
// which a task is surfaced to the user before it is purged.
const (
	FreeRetentionWindow    = 90 * day
	PremiumRetentionWindow = 365 * day
	ExpiryWarningWindow    = 3 * day
)

// RetentionWindow returns the maximum task age for the given tier.
func RetentionWindow(premium bool) time.Duration {
	if premium {
		return PremiumRetentionWindow
	}
	return FreeRetentionWindow
}

// PartitionExpired splits tasks into the live working set and the IDs of
// tasks whose anchor age has reached the retention window for the current
// tier. Tasks without an anchor date pass through unchanged. Source order is
// preserved. Expiry is always evaluated against the tier in effect now, so a
// tier upgrade retroactively rescues tasks that were expired under the
// shorter window but not yet purged server-side.
func PartitionExpired(tasks []Task, premium bool, now time.Time) (live []Task, expiredIDs []string) {
	window := RetentionWindow(premium)
	live = make([]Task, 0, len(tasks))
	for _, t := range tasks {
		anchor, ok := t.AnchorDate()
		if ok && now.Sub(anchor) >= window {
			expiredIDs = append(expiredIDs, t.ID)
			continue
		}
		live = append(live, t)
	}
	return live, expiredIDs
}

// AboutToExpire returns the tasks within the warning window of deletion:
// window - warning <= age < window. A task old enough to be expired is never
// reported here; expiry takes precedence. The result keeps the input order.
func AboutToExpire(tasks []Task, premium bool, now time.Time) []Task {
	window := RetentionWindow(premium)
	var warned []Task
	for _, t := range tasks {
		anchor, ok := t.AnchorDate()
		if !ok {
			continue
		}
		age := now.Sub(anchor)
		if age >= window-ExpiryWarningWindow && age < window {
			warned = append(warned, t)
		}
	}
	return warned
}

package provenance

import (
	"context"
	"time"
)

// AuthorshipRepository stores field_authorship rows. Implementations must
// reject a second row for the same (key, version) with ErrVersionConflict and
// wrap every other failure in ErrStorageUnavailable.
type AuthorshipRepository interface {
	Insert(ctx context.Context, e *AuthorshipEntry) error
	// Latest returns the highest version for key, or nil when none exists.
	Latest(ctx context.Context, key FieldKey) (*AuthorshipEntry, error)
	// History returns entries newest first. limit <= 0 returns all of them.
	History(ctx context.Context, key FieldKey, limit, offset int) ([]*AuthorshipEntry, int, error)
}

// ValidationRepository stores consultation_validation rows under the same
// contract as AuthorshipRepository.
type ValidationRepository interface {
	Insert(ctx context.Context, e *ValidationEntry) error
	Latest(ctx context.Context, consultationID string) (*ValidationEntry, error)
	History(ctx context.Context, consultationID string, limit, offset int) ([]*ValidationEntry, int, error)
}

// Clock supplies entry timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// stamp returns now truncated to the millisecond precision that survives
// storage, never earlier than prev.
func stamp(c Clock, prev time.Time) time.Time {
	now := c.Now().UTC().Truncate(time.Millisecond)
	if now.Before(prev) {
		return prev
	}
	return now
}

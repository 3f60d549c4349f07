package core

import "errors"

var (
	// ErrInvalidPayload rejects a malformed activity event; nothing is applied.
	ErrInvalidPayload = errors.New("invalid activity payload")
	// ErrUserNotFound means the referenced participant has no stats record.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when registering a participant twice.
	ErrUserExists = errors.New("user already exists")
	// ErrConcurrencyConflict is transient contention on one participant's record.
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
	// ErrStoreUnavailable wraps infrastructure failures of the record store.
	ErrStoreUnavailable = errors.New("record store unavailable")
	// ErrActivityNotFound is returned for an unknown event id.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrSnapshotNotFound is returned when no snapshot exists for a period.
	ErrSnapshotNotFound = errors.New("leaderboard snapshot not found")
)

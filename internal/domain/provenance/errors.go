package provenance

import "errors"

var (
	// ErrVersionConflict means another writer took the version this append
	// tried to insert. Ledgers retry it internally.
	ErrVersionConflict = errors.New("version conflict")
	// ErrRetryExhausted wraps the last ErrVersionConflict once the retry
	// budget is spent.
	ErrRetryExhausted = errors.New("version conflict retries exhausted")
	ErrNotAuthorized  = errors.New("not authorized to validate")
	ErrEmptyContent   = errors.New("content has no populated fields")
	// ErrUnpersistedEntity is returned when a durable write targets a draft
	// record. Callers must buffer drafts and replay them after saving.
	ErrUnpersistedEntity  = errors.New("entity is not persisted")
	ErrStorageUnavailable = errors.New("ledger storage unavailable")
	ErrAlreadyValidating  = errors.New("validation already in progress")
	ErrInvalidInput       = errors.New("invalid input")
	// ErrFieldHasHistory is returned when a draft replay targets a field that
	// already has authorship versions.
	ErrFieldHasHistory = errors.New("field already has authorship history")
)

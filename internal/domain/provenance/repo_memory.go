package provenance

import (
	"context"
	"fmt"
	"sync"
)

type authorshipRepoMemory struct {
	mu      sync.RWMutex
	entries map[FieldKey][]*AuthorshipEntry // ascending by version
}

// NewAuthorshipRepoMemory returns a process-local AuthorshipRepository. It
// enforces (key, version) uniqueness under a mutex and is used by the memory
// storage driver and by tests.
func NewAuthorshipRepoMemory() AuthorshipRepository {
	return &authorshipRepoMemory{entries: make(map[FieldKey][]*AuthorshipEntry)}
}

func (r *authorshipRepoMemory) Insert(ctx context.Context, e *AuthorshipEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := e.Key()
	rows := r.entries[key]
	for _, existing := range rows {
		if existing.VersionNumber == e.VersionNumber {
			return fmt.Errorf("%w: %s v%d", ErrVersionConflict, key, e.VersionNumber)
		}
	}
	rows = append(rows, copyAuthorship(e))
	for i := len(rows) - 1; i > 0 && rows[i].VersionNumber < rows[i-1].VersionNumber; i-- {
		rows[i], rows[i-1] = rows[i-1], rows[i]
	}
	r.entries[key] = rows
	return nil
}

func (r *authorshipRepoMemory) Latest(ctx context.Context, key FieldKey) (*AuthorshipEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.entries[key]
	if len(rows) == 0 {
		return nil, nil
	}
	return copyAuthorship(rows[len(rows)-1]), nil
}

func (r *authorshipRepoMemory) History(ctx context.Context, key FieldKey, limit, offset int) ([]*AuthorshipEntry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.entries[key]
	total := len(rows)
	var items []*AuthorshipEntry
	for i := total - 1 - offset; i >= 0; i-- {
		if limit > 0 && len(items) == limit {
			break
		}
		items = append(items, copyAuthorship(rows[i]))
	}
	return items, total, nil
}

type validationRepoMemory struct {
	mu      sync.RWMutex
	entries map[string][]*ValidationEntry // ascending by version
}

// NewValidationRepoMemory returns a process-local ValidationRepository.
func NewValidationRepoMemory() ValidationRepository {
	return &validationRepoMemory{entries: make(map[string][]*ValidationEntry)}
}

func (r *validationRepoMemory) Insert(ctx context.Context, e *ValidationEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.entries[e.ConsultationID]
	for _, existing := range rows {
		if existing.Version == e.Version {
			return fmt.Errorf("%w: consultation %s v%d", ErrVersionConflict, e.ConsultationID, e.Version)
		}
	}
	cp := copyValidation(e)
	rows = append(rows, cp)
	for i := len(rows) - 1; i > 0 && rows[i].Version < rows[i-1].Version; i-- {
		rows[i], rows[i-1] = rows[i-1], rows[i]
	}
	r.entries[e.ConsultationID] = rows
	return nil
}

func (r *validationRepoMemory) Latest(ctx context.Context, consultationID string) (*ValidationEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.entries[consultationID]
	if len(rows) == 0 {
		return nil, nil
	}
	return copyValidation(rows[len(rows)-1]), nil
}

func (r *validationRepoMemory) History(ctx context.Context, consultationID string, limit, offset int) ([]*ValidationEntry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.entries[consultationID]
	total := len(rows)
	var items []*ValidationEntry
	for i := total - 1 - offset; i >= 0; i-- {
		if limit > 0 && len(items) == limit {
			break
		}
		items = append(items, copyValidation(rows[i]))
	}
	return items, total, nil
}

// copyValidation detaches the content snapshot so callers cannot mutate
// stored history.
func copyValidation(e *ValidationEntry) *ValidationEntry {
	cp := *e
	cp.ValidatedContent = e.ValidatedContent.Clone()
	return &cp
}

func copyAuthorship(e *AuthorshipEntry) *AuthorshipEntry {
	cp := *e
	if e.Actor != nil {
		a := *e.Actor
		cp.Actor = &a
	}
	if e.AIModel != nil {
		m := *e.AIModel
		cp.AIModel = &m
	}
	if e.AIConfidence != nil {
		c := *e.AIConfidence
		cp.AIConfidence = &c
	}
	if e.ContentSnapshot != nil {
		s := *e.ContentSnapshot
		cp.ContentSnapshot = &s
	}
	return &cp
}

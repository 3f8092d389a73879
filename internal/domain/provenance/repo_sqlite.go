package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// translateSQLite maps modernc constraint failures to ErrVersionConflict.
func translateSQLite(op string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", ErrVersionConflict, op)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

type authorshipRepoSQLite struct{ db *sql.DB }

// NewAuthorshipRepoSQLite stores authorship in an embedded SQLite database
// opened by sqlitedb.Open. Timestamps are kept as unix milliseconds.
func NewAuthorshipRepoSQLite(db *sql.DB) AuthorshipRepository {
	return &authorshipRepoSQLite{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *authorshipRepoSQLite) scanEntry(row rowScanner) (*AuthorshipEntry, error) {
	var e AuthorshipEntry
	var id string
	var userID, name, role *string
	var createdAt int64
	err := row.Scan(&id, &e.EntityType, &e.EntityID, &e.FieldName, &e.VersionNumber,
		&e.SourceType, &userID, &name, &role, &e.AIModel, &e.AIConfidence,
		&e.ContentSnapshot, &e.ContentHash, &createdAt)
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode entry id: %w", err)
	}
	if userID != nil {
		e.Actor = &Actor{UserID: *userID, Name: strVal(name), Role: strVal(role)}
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &e, nil
}

func (r *authorshipRepoSQLite) Insert(ctx context.Context, e *AuthorshipEntry) error {
	var userID, name, role *string
	if e.Actor != nil {
		userID, name, role = &e.Actor.UserID, strPtr(e.Actor.Name), strPtr(e.Actor.Role)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO field_authorship (`+authorshipCols+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), string(e.EntityType), e.EntityID, e.FieldName, e.VersionNumber,
		string(e.SourceType), userID, name, role, e.AIModel, e.AIConfidence,
		e.ContentSnapshot, e.ContentHash, e.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return translateSQLite("insert authorship", err)
	}
	return nil
}

func (r *authorshipRepoSQLite) Latest(ctx context.Context, key FieldKey) (*AuthorshipEntry, error) {
	e, err := r.scanEntry(r.db.QueryRowContext(ctx, `SELECT `+authorshipCols+` FROM field_authorship
WHERE entity_type = ? AND entity_id = ? AND field_name = ?
ORDER BY version_number DESC LIMIT 1`,
		string(key.EntityType), key.EntityID, key.FieldName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateSQLite("latest authorship", err)
	}
	return e, nil
}

func (r *authorshipRepoSQLite) History(ctx context.Context, key FieldKey, limit, offset int) ([]*AuthorshipEntry, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM field_authorship
WHERE entity_type = ? AND entity_id = ? AND field_name = ?`,
		string(key.EntityType), key.EntityID, key.FieldName).Scan(&total); err != nil {
		return nil, 0, translateSQLite("count authorship", err)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+authorshipCols+` FROM field_authorship
WHERE entity_type = ? AND entity_id = ? AND field_name = ?
ORDER BY version_number DESC LIMIT ? OFFSET ?`,
		string(key.EntityType), key.EntityID, key.FieldName, sqliteLimit(limit), offset)
	if err != nil {
		return nil, 0, translateSQLite("list authorship", err)
	}
	defer rows.Close()
	var items []*AuthorshipEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, translateSQLite("scan authorship", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translateSQLite("iterate authorship", err)
	}
	return items, total, nil
}

type validationRepoSQLite struct{ db *sql.DB }

// NewValidationRepoSQLite stores validations in an embedded SQLite database.
// The validated snapshot is kept as JSON text.
func NewValidationRepoSQLite(db *sql.DB) ValidationRepository {
	return &validationRepoSQLite{db: db}
}

func (r *validationRepoSQLite) scanEntry(row rowScanner) (*ValidationEntry, error) {
	var e ValidationEntry
	var id, content string
	var patientID, structureID *string
	var validatedAt int64
	err := row.Scan(&id, &e.ConsultationID, &patientID, &structureID, &e.Version,
		&e.ValidatorUserID, &e.ValidatorName, &e.ValidatorRole, &content,
		&e.ContentHash, &e.SignatureHash, &e.ValidationStatement, &validatedAt,
		&e.IPAddress, &e.UserAgent)
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode entry id: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &e.ValidatedContent); err != nil {
		return nil, fmt.Errorf("decode validated content: %w", err)
	}
	e.PatientID, e.StructureID = strVal(patientID), strVal(structureID)
	e.ValidatedAt = time.UnixMilli(validatedAt).UTC()
	return &e, nil
}

func (r *validationRepoSQLite) Insert(ctx context.Context, e *ValidationEntry) error {
	content, err := json.Marshal(e.ValidatedContent)
	if err != nil {
		return fmt.Errorf("%w: encode validated content: %w", ErrInvalidInput, err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO consultation_validation (`+validationCols+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.ConsultationID, strPtr(e.PatientID), strPtr(e.StructureID), e.Version,
		e.ValidatorUserID, e.ValidatorName, e.ValidatorRole, string(content),
		e.ContentHash, e.SignatureHash, e.ValidationStatement, e.ValidatedAt.UTC().UnixMilli(),
		e.IPAddress, e.UserAgent)
	if err != nil {
		return translateSQLite("insert validation", err)
	}
	return nil
}

func (r *validationRepoSQLite) Latest(ctx context.Context, consultationID string) (*ValidationEntry, error) {
	e, err := r.scanEntry(r.db.QueryRowContext(ctx, `SELECT `+validationCols+` FROM consultation_validation
WHERE consultation_id = ? ORDER BY version DESC LIMIT 1`, consultationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateSQLite("latest validation", err)
	}
	return e, nil
}

func (r *validationRepoSQLite) History(ctx context.Context, consultationID string, limit, offset int) ([]*ValidationEntry, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM consultation_validation WHERE consultation_id = ?`,
		consultationID).Scan(&total); err != nil {
		return nil, 0, translateSQLite("count validations", err)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+validationCols+` FROM consultation_validation
WHERE consultation_id = ? ORDER BY version DESC LIMIT ? OFFSET ?`,
		consultationID, sqliteLimit(limit), offset)
	if err != nil {
		return nil, 0, translateSQLite("list validations", err)
	}
	defer rows.Close()
	var items []*ValidationEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, translateSQLite("scan validation", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translateSQLite("iterate validations", err)
	}
	return items, total, nil
}

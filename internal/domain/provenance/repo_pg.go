package provenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omnisoin/ledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

func translatePG(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrVersionConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

type authorshipRepoPG struct{ pool *pgxpool.Pool }

func NewAuthorshipRepoPG(pool *pgxpool.Pool) AuthorshipRepository {
	return &authorshipRepoPG{pool: pool}
}

func (r *authorshipRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const authorshipCols = `id, entity_type, entity_id, field_name, version_number,
	source_type, actor_user_id, actor_name, actor_role, ai_model, ai_confidence,
	content_snapshot, content_hash, created_at`

func (r *authorshipRepoPG) scanEntry(row pgx.Row) (*AuthorshipEntry, error) {
	var e AuthorshipEntry
	var userID, name, role *string
	err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.FieldName, &e.VersionNumber,
		&e.SourceType, &userID, &name, &role, &e.AIModel, &e.AIConfidence,
		&e.ContentSnapshot, &e.ContentHash, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if userID != nil {
		e.Actor = &Actor{UserID: *userID, Name: strVal(name), Role: strVal(role)}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (r *authorshipRepoPG) Insert(ctx context.Context, e *AuthorshipEntry) error {
	var userID, name, role *string
	if e.Actor != nil {
		userID, name, role = &e.Actor.UserID, strPtr(e.Actor.Name), strPtr(e.Actor.Role)
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO field_authorship (`+authorshipCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.EntityType, e.EntityID, e.FieldName, e.VersionNumber,
		e.SourceType, userID, name, role, e.AIModel, e.AIConfidence,
		e.ContentSnapshot, e.ContentHash, e.CreatedAt)
	if err != nil {
		return translatePG("insert authorship", err)
	}
	return nil
}

func (r *authorshipRepoPG) Latest(ctx context.Context, key FieldKey) (*AuthorshipEntry, error) {
	e, err := r.scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+authorshipCols+` FROM field_authorship
		WHERE entity_type = $1 AND entity_id = $2 AND field_name = $3
		ORDER BY version_number DESC LIMIT 1`,
		key.EntityType, key.EntityID, key.FieldName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translatePG("latest authorship", err)
	}
	return e, nil
}

func (r *authorshipRepoPG) History(ctx context.Context, key FieldKey, limit, offset int) ([]*AuthorshipEntry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM field_authorship
		WHERE entity_type = $1 AND entity_id = $2 AND field_name = $3`,
		key.EntityType, key.EntityID, key.FieldName).Scan(&total); err != nil {
		return nil, 0, translatePG("count authorship", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+authorshipCols+` FROM field_authorship
		WHERE entity_type = $1 AND entity_id = $2 AND field_name = $3
		ORDER BY version_number DESC LIMIT $4 OFFSET $5`,
		key.EntityType, key.EntityID, key.FieldName, pgLimit(limit), offset)
	if err != nil {
		return nil, 0, translatePG("list authorship", err)
	}
	defer rows.Close()
	var items []*AuthorshipEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, translatePG("scan authorship", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translatePG("iterate authorship", err)
	}
	return items, total, nil
}

type validationRepoPG struct{ pool *pgxpool.Pool }

func NewValidationRepoPG(pool *pgxpool.Pool) ValidationRepository {
	return &validationRepoPG{pool: pool}
}

func (r *validationRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const validationCols = `id, consultation_id, patient_id, structure_id, version,
	validator_user_id, validator_name, validator_role, validated_content,
	content_hash, signature_hash, validation_statement, validated_at,
	ip_address, user_agent`

func (r *validationRepoPG) scanEntry(row pgx.Row) (*ValidationEntry, error) {
	var e ValidationEntry
	var patientID, structureID *string
	var content []byte
	err := row.Scan(&e.ID, &e.ConsultationID, &patientID, &structureID, &e.Version,
		&e.ValidatorUserID, &e.ValidatorName, &e.ValidatorRole, &content,
		&e.ContentHash, &e.SignatureHash, &e.ValidationStatement, &e.ValidatedAt,
		&e.IPAddress, &e.UserAgent)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &e.ValidatedContent); err != nil {
		return nil, fmt.Errorf("decode validated content: %w", err)
	}
	e.PatientID, e.StructureID = strVal(patientID), strVal(structureID)
	e.ValidatedAt = e.ValidatedAt.UTC()
	return &e, nil
}

func (r *validationRepoPG) Insert(ctx context.Context, e *ValidationEntry) error {
	content, err := json.Marshal(e.ValidatedContent)
	if err != nil {
		return fmt.Errorf("%w: encode validated content: %w", ErrInvalidInput, err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO consultation_validation (`+validationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.ConsultationID, strPtr(e.PatientID), strPtr(e.StructureID), e.Version,
		e.ValidatorUserID, e.ValidatorName, e.ValidatorRole, content,
		e.ContentHash, e.SignatureHash, e.ValidationStatement, e.ValidatedAt,
		e.IPAddress, e.UserAgent)
	if err != nil {
		return translatePG("insert validation", err)
	}
	return nil
}

func (r *validationRepoPG) Latest(ctx context.Context, consultationID string) (*ValidationEntry, error) {
	e, err := r.scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+validationCols+` FROM consultation_validation
		WHERE consultation_id = $1 ORDER BY version DESC LIMIT 1`, consultationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translatePG("latest validation", err)
	}
	return e, nil
}

func (r *validationRepoPG) History(ctx context.Context, consultationID string, limit, offset int) ([]*ValidationEntry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consultation_validation WHERE consultation_id = $1`,
		consultationID).Scan(&total); err != nil {
		return nil, 0, translatePG("count validations", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+validationCols+` FROM consultation_validation
		WHERE consultation_id = $1 ORDER BY version DESC LIMIT $2 OFFSET $3`,
		consultationID, pgLimit(limit), offset)
	if err != nil {
		return nil, 0, translatePG("list validations", err)
	}
	defer rows.Close()
	var items []*ValidationEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, translatePG("scan validation", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translatePG("iterate validations", err)
	}
	return items, total, nil
}

// pgLimit maps "no limit" to NULL, which LIMIT treats as ALL.
func pgLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

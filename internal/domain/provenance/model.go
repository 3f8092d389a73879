package provenance

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/omnisoin/ledger/pkg/contenthash"
)

// EntityType names a kind of record whose fields carry authorship. The set is
// open: any non-empty lowercase key is accepted.
type EntityType string

const (
	EntityConsultation EntityType = "consultation"
	EntityAnamnesis    EntityType = "anamnesis"
)

// draftID is the identifier clients send for a record that has not been
// saved yet.
const draftID = "new"

// EntityRef identifies a record that is either still a draft (no identifier
// yet) or persisted under a real identifier.
type EntityRef struct {
	Type EntityType
	id   string
}

// DraftRef refers to an unsaved record of type t.
func DraftRef(t EntityType) EntityRef { return EntityRef{Type: t} }

// PersistedRef refers to the saved record t/id.
func PersistedRef(t EntityType, id string) EntityRef { return EntityRef{Type: t, id: id} }

// ParseEntityRef builds a reference from path parameters. The identifier
// "new" yields a draft reference.
func ParseEntityRef(entityType, entityID string) (EntityRef, error) {
	t := EntityType(strings.TrimSpace(entityType))
	if err := t.validate(); err != nil {
		return EntityRef{}, err
	}
	id := strings.TrimSpace(entityID)
	switch id {
	case "":
		return EntityRef{}, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	case draftID:
		return DraftRef(t), nil
	}
	return PersistedRef(t, id), nil
}

// IsDraft reports whether the record has no identifier yet.
func (r EntityRef) IsDraft() bool { return r.id == "" }

// ID returns the persisted identifier, or false for a draft.
func (r EntityRef) ID() (string, bool) { return r.id, r.id != "" }

func (r EntityRef) String() string {
	if r.IsDraft() {
		return string(r.Type) + "/" + draftID
	}
	return string(r.Type) + "/" + r.id
}

// Field returns the ledger key of one field of a persisted record.
func (r EntityRef) Field(name string) (FieldKey, error) {
	if r.IsDraft() {
		return FieldKey{}, fmt.Errorf("%w: %s", ErrUnpersistedEntity, r)
	}
	return FieldKey{EntityType: r.Type, EntityID: r.id, FieldName: name}, nil
}

func (t EntityType) validate() error {
	if t == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	if strings.ToLower(string(t)) != string(t) {
		return fmt.Errorf("%w: entity type %q must be lowercase", ErrInvalidInput, t)
	}
	return checkText("entity type", string(t), maxRoleLen)
}

// SourceType tags who or what produced a version of a field.
type SourceType string

const (
	SourceAIGenerated   SourceType = "ai_generated"
	SourceHumanCreated  SourceType = "human_created"
	SourceHumanModified SourceType = "human_modified"
	SourceAIAssisted    SourceType = "ai_assisted"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceAIGenerated, SourceHumanCreated, SourceHumanModified, SourceAIAssisted:
		return true
	}
	return false
}

// InvolvesAI reports whether model metadata may accompany s.
func (s SourceType) InvolvesAI() bool {
	return s == SourceAIGenerated || s == SourceAIAssisted
}

// Actor is the human behind an authorship entry or a validation.
type Actor struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// FieldKey identifies one authorship ledger: a single field of a single
// persisted record.
type FieldKey struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	FieldName  string     `json:"field_name"`
}

func (k FieldKey) String() string {
	return string(k.EntityType) + "/" + k.EntityID + "#" + k.FieldName
}

func (k FieldKey) validate() error {
	if err := k.EntityType.validate(); err != nil {
		return err
	}
	id := strings.TrimSpace(k.EntityID)
	if id == draftID {
		return fmt.Errorf("%w: %s", ErrUnpersistedEntity, k)
	}
	if id == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(k.FieldName) == "" {
		return fmt.Errorf("%w: field name is required", ErrInvalidInput)
	}
	if err := checkText("entity id", k.EntityID, maxIdentifierLen); err != nil {
		return err
	}
	return checkText("field name", k.FieldName, maxIdentifierLen)
}

// Column widths shared by every store.
const (
	maxIdentifierLen = 255
	maxRoleLen       = 64
)

// checkText rejects text a store could not keep byte for byte: invalid
// UTF-8 is rewritten by JSON encoding and NUL is refused by Postgres, either
// of which would break the stored content hash. max counts characters; zero
// means unbounded.
func checkText(what, s string, max int) error {
	switch {
	case !utf8.ValidString(s):
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidInput, what)
	case strings.IndexByte(s, 0) >= 0:
		return fmt.Errorf("%w: %s contains a NUL character", ErrInvalidInput, what)
	case max > 0 && utf8.RuneCountInString(s) > max:
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidInput, what, max)
	}
	return nil
}

func (a Actor) validate() error {
	if err := checkText("actor user id", a.UserID, maxIdentifierLen); err != nil {
		return err
	}
	if err := checkText("actor name", a.Name, maxIdentifierLen); err != nil {
		return err
	}
	return checkText("actor role", a.Role, maxRoleLen)
}

// AuthorshipEntry maps to the field_authorship table. Rows are never updated.
type AuthorshipEntry struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	EntityType      EntityType `db:"entity_type" json:"entity_type"`
	EntityID        string     `db:"entity_id" json:"entity_id"`
	FieldName       string     `db:"field_name" json:"field_name"`
	VersionNumber   int        `db:"version_number" json:"version_number"`
	SourceType      SourceType `db:"source_type" json:"source_type"`
	Actor           *Actor     `json:"actor,omitempty"`
	AIModel         *string    `db:"ai_model" json:"ai_model,omitempty"`
	AIConfidence    *float64   `db:"ai_confidence" json:"ai_confidence,omitempty"`
	ContentSnapshot *string    `db:"content_snapshot" json:"content_snapshot,omitempty"`
	ContentHash     string     `db:"content_hash" json:"content_hash"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Key returns the ledger the entry belongs to.
func (e *AuthorshipEntry) Key() FieldKey {
	return FieldKey{EntityType: e.EntityType, EntityID: e.EntityID, FieldName: e.FieldName}
}

// ValidationEntry maps to the consultation_validation table. Rows are never
// updated.
type ValidationEntry struct {
	ID                  uuid.UUID          `db:"id" json:"id"`
	ConsultationID      string             `db:"consultation_id" json:"consultation_id"`
	PatientID           string             `db:"patient_id" json:"patient_id,omitempty"`
	StructureID         string             `db:"structure_id" json:"structure_id,omitempty"`
	Version             int                `db:"version" json:"version"`
	ValidatorUserID     string             `db:"validator_user_id" json:"validator_user_id"`
	ValidatorName       string             `db:"validator_name" json:"validator_name"`
	ValidatorRole       string             `db:"validator_role" json:"validator_role"`
	ValidatedContent    contenthash.Record `db:"validated_content" json:"validated_content"`
	ContentHash         string             `db:"content_hash" json:"content_hash"`
	SignatureHash       string             `db:"signature_hash" json:"signature_hash"`
	ValidationStatement string             `db:"validation_statement" json:"validation_statement"`
	ValidatedAt         time.Time          `db:"validated_at" json:"validated_at"`
	IPAddress           *string            `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent           *string            `db:"user_agent" json:"user_agent,omitempty"`
}

// SignatureValid recomputes the attestation binding from the stored content
// hash, validator and timestamp.
func (e *ValidationEntry) SignatureValid() bool {
	return contenthash.VerifySignature(e.ContentHash, e.ValidatorUserID, e.ValidatedAt, e.SignatureHash)
}

// ContentIntact reports whether the stored snapshot still hashes to the
// stored content hash.
func (e *ValidationEntry) ContentIntact() bool {
	return contenthash.Hash(e.ValidatedContent) == e.ContentHash
}

// Validator returns the validator identity recorded on the entry.
func (e *ValidationEntry) Validator() Actor {
	return Actor{UserID: e.ValidatorUserID, Name: e.ValidatorName, Role: e.ValidatorRole}
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

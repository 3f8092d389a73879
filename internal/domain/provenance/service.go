package provenance

import (
	"context"
	"fmt"

	"github.com/omnisoin/ledger/pkg/contenthash"
)

// ValidatorPolicy decides whether an actor holds the validator capability.
type ValidatorPolicy interface {
	CanValidate(ctx context.Context, validator Actor) bool
}

// ValidatorPolicyFunc adapts a function to ValidatorPolicy.
type ValidatorPolicyFunc func(ctx context.Context, validator Actor) bool

func (f ValidatorPolicyFunc) CanValidate(ctx context.Context, validator Actor) bool {
	return f(ctx, validator)
}

// Service combines the authorship and validation ledgers into the operations
// the UI layer calls.
type Service struct {
	authorship  *AuthorshipLedger
	validations *ValidationLedger
	policy      ValidatorPolicy
}

// NewService creates the provenance façade. A nil policy denies every
// validation.
func NewService(a *AuthorshipLedger, v *ValidationLedger, policy ValidatorPolicy) *Service {
	return &Service{authorship: a, validations: v, policy: policy}
}

func (s *Service) currentSource(ctx context.Context, key FieldKey) (SourceType, *Actor, error) {
	latest, err := s.authorship.Latest(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if latest == nil {
		return "", nil, nil
	}
	return latest.SourceType, latest.Actor, nil
}

// RecordFieldEdit appends a human edit of field, tagged through the
// transition table. Drafts must be buffered with Draft instead.
func (s *Service) RecordFieldEdit(ctx context.Context, ref EntityRef, field string, content *string, actor Actor) (*AuthorshipEntry, error) {
	key, err := ref.Field(field)
	if err != nil {
		return nil, err
	}
	current, _, err := s.currentSource(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.authorship.Append(ctx, AuthorshipAppend{
		Key:        key,
		SourceType: AfterHumanEdit(current),
		Content:    content,
		Actor:      &actor,
	})
}

// RecordAIFill appends AI-generated content for field with its model
// metadata. Regenerating an ai_assisted field keeps the human who shaped it
// as the actor, as a buffered draft does.
func (s *Service) RecordAIFill(ctx context.Context, ref EntityRef, field string, content *string, model string, confidence *float64) (*AuthorshipEntry, error) {
	key, err := ref.Field(field)
	if err != nil {
		return nil, err
	}
	current, actor, err := s.currentSource(ctx, key)
	if err != nil {
		return nil, err
	}
	in := AuthorshipAppend{
		Key:          key,
		SourceType:   AfterAIGeneration(current),
		Content:      content,
		AIModel:      model,
		AIConfidence: confidence,
	}
	if in.SourceType == SourceAIAssisted {
		in.Actor = actor
	}
	return s.authorship.Append(ctx, in)
}

// RecordAIAssistedEdit appends content a human accepted from an AI
// suggestion.
func (s *Service) RecordAIAssistedEdit(ctx context.Context, ref EntityRef, field string, content *string, actor Actor, model string, confidence *float64) (*AuthorshipEntry, error) {
	key, err := ref.Field(field)
	if err != nil {
		return nil, err
	}
	return s.authorship.Append(ctx, AuthorshipAppend{
		Key:          key,
		SourceType:   SourceAIAssisted,
		Content:      content,
		Actor:        &actor,
		AIModel:      model,
		AIConfidence: confidence,
	})
}

// BadgeState returns the most recent authorship of field. A nil entry with a
// nil error means no provenance exists and the UI hides the badge; drafts
// always report none.
func (s *Service) BadgeState(ctx context.Context, ref EntityRef, field string) (*AuthorshipEntry, error) {
	if ref.IsDraft() {
		return nil, nil
	}
	key, err := ref.Field(field)
	if err != nil {
		return nil, err
	}
	return s.authorship.Latest(ctx, key)
}

// FieldHistory returns the versions of field newest first.
func (s *Service) FieldHistory(ctx context.Context, ref EntityRef, field string, limit, offset int) ([]*AuthorshipEntry, int, error) {
	if ref.IsDraft() {
		return nil, 0, nil
	}
	key, err := ref.Field(field)
	if err != nil {
		return nil, 0, err
	}
	return s.authorship.History(ctx, key, limit, offset)
}

// CommitDraft replays the buffered tags of d against the now persisted
// entityID, one append per field in field-name order. Each tag becomes the
// field's first version: a field that already has history fails with
// ErrFieldHasHistory, since a buffered tag was never run through the
// transition table against that history. Replayed tags leave the draft, so a
// failed commit can be resumed with the same draft.
func (s *Service) CommitDraft(ctx context.Context, d *Draft, entityID string) ([]*AuthorshipEntry, error) {
	ref := PersistedRef(d.Type, entityID)
	var entries []*AuthorshipEntry
	for _, tag := range d.Pending() {
		key, err := ref.Field(tag.FieldName)
		if err != nil {
			return entries, err
		}
		e, err := s.authorship.Append(ctx, AuthorshipAppend{
			Key:          key,
			SourceType:   tag.SourceType,
			Content:      tag.Content,
			Actor:        tag.Actor,
			AIModel:      tag.AIModel,
			AIConfidence: tag.AIConfidence,
			FirstVersion: true,
		})
		if err != nil {
			return entries, fmt.Errorf("replay %s: %w", tag.FieldName, err)
		}
		d.drop(tag.FieldName)
		entries = append(entries, e)
	}
	return entries, nil
}

// ValidateConsultation records an attestation of req.Content by
// req.Validator. The capability check runs before anything else.
func (s *Service) ValidateConsultation(ctx context.Context, req ValidationAppend) (*ValidationEntry, error) {
	if s.policy == nil || !s.policy.CanValidate(ctx, req.Validator) {
		return nil, ErrNotAuthorized
	}
	if !req.Content.Populated() {
		return nil, ErrEmptyContent
	}
	return s.validations.Append(ctx, req)
}

// LatestValidation returns the current validation, or nil when the
// consultation is unvalidated.
func (s *Service) LatestValidation(ctx context.Context, consultationID string) (*ValidationEntry, error) {
	return s.validations.Latest(ctx, consultationID)
}

// ValidationHistory returns validations newest first.
func (s *Service) ValidationHistory(ctx context.Context, consultationID string, limit, offset int) ([]*ValidationEntry, int, error) {
	return s.validations.History(ctx, consultationID, limit, offset)
}

// VerifyValidation recomputes the signature binding of e.
func (s *Service) VerifyValidation(e *ValidationEntry) bool {
	return s.validations.Verify(e)
}

// ValidationStatus is the state of a consultation relative to its live
// content.
type ValidationStatus string

const (
	StatusUnvalidated ValidationStatus = "unvalidated"
	StatusValidated   ValidationStatus = "validated"
	// StatusStale means the latest validation covers content that differs
	// from the live content.
	StatusStale ValidationStatus = "stale"
)

// ValidationCheck compares the latest validation with live content.
type ValidationCheck struct {
	ConsultationID  string           `json:"consultation_id"`
	Status          ValidationStatus `json:"status"`
	LiveContentHash string           `json:"live_content_hash"`
	Latest          *ValidationEntry `json:"latest,omitempty"`
	SignatureValid  bool             `json:"signature_valid"`
	ContentIntact   bool             `json:"content_intact"`
	Diff            FieldDiff        `json:"diff"`
}

// CheckValidation reports whether live still matches what was last
// validated. Validations are never modified; staleness exists only in the
// returned report.
func (s *Service) CheckValidation(ctx context.Context, consultationID string, live contenthash.Record) (*ValidationCheck, error) {
	latest, err := s.validations.Latest(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	check := &ValidationCheck{
		ConsultationID:  consultationID,
		Status:          StatusUnvalidated,
		LiveContentHash: contenthash.Hash(live),
	}
	if latest == nil {
		return check, nil
	}
	check.Latest = latest
	check.SignatureValid = s.VerifyValidation(latest)
	check.ContentIntact = latest.ContentIntact()
	check.Diff = DiffRecords(latest.ValidatedContent, live)
	if latest.ContentHash == check.LiveContentHash {
		check.Status = StatusValidated
	} else {
		check.Status = StatusStale
	}
	return check, nil
}

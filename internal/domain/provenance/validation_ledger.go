package provenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/omnisoin/ledger/pkg/contenthash"
)

// ValidationAppend describes one attestation of a consultation's content.
type ValidationAppend struct {
	ConsultationID string
	PatientID      string
	StructureID    string
	Validator      Actor
	Content        contenthash.Record
	Statement      string
	IPAddress      *string
	UserAgent      *string
	// Exclusive fails the append with ErrAlreadyValidating while another
	// append for the same consultation is running in this process.
	Exclusive bool
}

func (a ValidationAppend) validate() error {
	id := strings.TrimSpace(a.ConsultationID)
	if id == draftID {
		return fmt.Errorf("%w: consultation/%s", ErrUnpersistedEntity, draftID)
	}
	if id == "" {
		return fmt.Errorf("%w: consultation id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(a.Validator.UserID) == "" {
		return fmt.Errorf("%w: validator user id is required", ErrInvalidInput)
	}
	if !a.Content.Populated() {
		return ErrEmptyContent
	}
	for what, v := range map[string]string{
		"consultation id": a.ConsultationID,
		"patient id":      a.PatientID,
		"structure id":    a.StructureID,
	} {
		if err := checkText(what, v, maxIdentifierLen); err != nil {
			return err
		}
	}
	if err := a.Validator.validate(); err != nil {
		return err
	}
	if err := checkText("validation statement", a.Statement, 0); err != nil {
		return err
	}
	if a.IPAddress != nil {
		if err := checkText("ip address", *a.IPAddress, maxRoleLen); err != nil {
			return err
		}
	}
	if a.UserAgent != nil {
		if err := checkText("user agent", *a.UserAgent, 0); err != nil {
			return err
		}
	}
	for name, v := range a.Content {
		if err := checkText("field name", name, 0); err != nil {
			return err
		}
		if v != nil {
			if err := checkText("field "+name, *v, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidationLedger is the append-only per-consultation attestation store.
type ValidationLedger struct {
	repo   ValidationRepository
	opts   Options
	tracer trace.Tracer

	mu       sync.Mutex
	inflight map[string]int
}

func NewValidationLedger(repo ValidationRepository, opts Options) *ValidationLedger {
	opts = opts.withDefaults()
	return &ValidationLedger{
		repo:     repo,
		opts:     opts,
		tracer:   opts.TracerProvider.Tracer(tracerName),
		inflight: make(map[string]int),
	}
}

func (l *ValidationLedger) begin(consultationID string, exclusive bool) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exclusive && l.inflight[consultationID] > 0 {
		return nil, fmt.Errorf("%w: consultation %s", ErrAlreadyValidating, consultationID)
	}
	l.inflight[consultationID]++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.inflight[consultationID]--
		if l.inflight[consultationID] <= 0 {
			delete(l.inflight, consultationID)
		}
	}, nil
}

// Append hashes in.Content, binds the hash to the validator and the current
// time, and writes it as the next version for the consultation.
func (l *ValidationLedger) Append(ctx context.Context, in ValidationAppend) (*ValidationEntry, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	done, err := l.begin(in.ConsultationID, in.Exclusive)
	if err != nil {
		return nil, err
	}
	defer done()

	content := in.Content.Clone()
	contentHash := contenthash.Hash(content)
	statement := strings.TrimSpace(in.Statement)
	if statement == "" {
		statement = l.opts.DefaultStatement
	}

	ctx, span := l.tracer.Start(ctx, "ValidationLedger.Append", trace.WithAttributes(
		attribute.String("ledger.consultation_id", in.ConsultationID),
		attribute.String("ledger.content_hash", contentHash),
	))
	entry, err := appendWithRetry(ctx, l.opts.Retry, l.opts.Logger, "validation", func(ctx context.Context) (*ValidationEntry, error) {
		latest, err := l.repo.Latest(ctx, in.ConsultationID)
		if err != nil {
			return nil, err
		}
		next, prev := 1, time.Time{}
		if latest != nil {
			next, prev = latest.Version+1, latest.ValidatedAt
		}
		at := stamp(l.opts.Clock, prev)
		e := &ValidationEntry{
			ID:                  uuid.New(),
			ConsultationID:      in.ConsultationID,
			PatientID:           in.PatientID,
			StructureID:         in.StructureID,
			Version:             next,
			ValidatorUserID:     in.Validator.UserID,
			ValidatorName:       in.Validator.Name,
			ValidatorRole:       in.Validator.Role,
			ValidatedContent:    content,
			ContentHash:         contentHash,
			SignatureHash:       contenthash.Sign(contentHash, in.Validator.UserID, at),
			ValidationStatement: statement,
			ValidatedAt:         at,
			IPAddress:           in.IPAddress,
			UserAgent:           in.UserAgent,
		}
		if err := l.repo.Insert(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	})
	if err == nil {
		span.SetAttributes(attribute.Int("ledger.version", entry.Version))
	}
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	l.opts.Logger.Info().
		Str("event", "validation_appended").
		Str("consultation_id", entry.ConsultationID).
		Int("version", entry.Version).
		Str("validator_user_id", entry.ValidatorUserID).
		Str("content_hash", entry.ContentHash).
		Msg("validation appended")
	return entry, nil
}

// Latest returns the current validation, or nil for an unvalidated
// consultation.
func (l *ValidationLedger) Latest(ctx context.Context, consultationID string) (*ValidationEntry, error) {
	if strings.TrimSpace(consultationID) == "" {
		return nil, fmt.Errorf("%w: consultation id is required", ErrInvalidInput)
	}
	return l.repo.Latest(ctx, consultationID)
}

// History returns validations newest first. limit <= 0 returns all.
func (l *ValidationLedger) History(ctx context.Context, consultationID string, limit, offset int) ([]*ValidationEntry, int, error) {
	if strings.TrimSpace(consultationID) == "" {
		return nil, 0, fmt.Errorf("%w: consultation id is required", ErrInvalidInput)
	}
	if offset < 0 {
		offset = 0
	}
	return l.repo.History(ctx, consultationID, limit, offset)
}

// Verify recomputes the signature binding of e.
func (l *ValidationLedger) Verify(e *ValidationEntry) bool {
	return e != nil && e.SignatureValid()
}

package provenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/omnisoin/ledger/pkg/contenthash"
)

// AuthorshipAppend describes one new version of a field.
type AuthorshipAppend struct {
	Key        FieldKey
	SourceType SourceType
	// Content is the field text at this version; nil records an explicit
	// null.
	Content      *string
	Actor        *Actor
	AIModel      string
	AIConfidence *float64
	// FirstVersion fails the append with ErrFieldHasHistory unless it would
	// write version 1. The check is repeated on every retry.
	FirstVersion bool
}

func (a AuthorshipAppend) validate() error {
	if err := a.Key.validate(); err != nil {
		return err
	}
	if !a.SourceType.Valid() {
		return fmt.Errorf("%w: unknown source type %q", ErrInvalidInput, a.SourceType)
	}
	switch a.SourceType {
	case SourceHumanCreated, SourceHumanModified:
		if a.Actor == nil || strings.TrimSpace(a.Actor.UserID) == "" {
			return fmt.Errorf("%w: %s requires an actor", ErrInvalidInput, a.SourceType)
		}
	}
	if !a.SourceType.InvolvesAI() && (a.AIModel != "" || a.AIConfidence != nil) {
		return fmt.Errorf("%w: model metadata on %s content", ErrInvalidInput, a.SourceType)
	}
	if c := a.AIConfidence; c != nil && (*c < 0 || *c > 1) {
		return fmt.Errorf("%w: ai confidence %v outside [0,1]", ErrInvalidInput, *c)
	}
	if a.Actor != nil {
		if err := a.Actor.validate(); err != nil {
			return err
		}
	}
	if a.Content != nil {
		if err := checkText("content", *a.Content, 0); err != nil {
			return err
		}
	}
	return checkText("ai model", a.AIModel, maxIdentifierLen)
}

// AuthorshipLedger is the append-only per-field version store. It stores
// whatever source type the caller supplies; the transition table is applied
// by Service.
type AuthorshipLedger struct {
	repo   AuthorshipRepository
	opts   Options
	tracer trace.Tracer
}

func NewAuthorshipLedger(repo AuthorshipRepository, opts Options) *AuthorshipLedger {
	opts = opts.withDefaults()
	return &AuthorshipLedger{repo: repo, opts: opts, tracer: opts.TracerProvider.Tracer(tracerName)}
}

// Append writes the next version for in.Key. Concurrent appends to the same
// key are serialized by the store's (key, version) constraint and retried.
func (l *AuthorshipLedger) Append(ctx context.Context, in AuthorshipAppend) (*AuthorshipEntry, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	ctx, span := l.tracer.Start(ctx, "AuthorshipLedger.Append", trace.WithAttributes(
		attribute.String("ledger.entity_type", string(in.Key.EntityType)),
		attribute.String("ledger.field", in.Key.FieldName),
		attribute.String("ledger.source_type", string(in.SourceType)),
	))
	entry, err := appendWithRetry(ctx, l.opts.Retry, l.opts.Logger, "authorship", func(ctx context.Context) (*AuthorshipEntry, error) {
		latest, err := l.repo.Latest(ctx, in.Key)
		if err != nil {
			return nil, err
		}
		next, prev := 1, time.Time{}
		if latest != nil {
			if in.FirstVersion {
				return nil, fmt.Errorf("%s: %w", in.Key, ErrFieldHasHistory)
			}
			next, prev = latest.VersionNumber+1, latest.CreatedAt
		}
		e := &AuthorshipEntry{
			ID:              uuid.New(),
			EntityType:      in.Key.EntityType,
			EntityID:        in.Key.EntityID,
			FieldName:       in.Key.FieldName,
			VersionNumber:   next,
			SourceType:      in.SourceType,
			AIModel:         strPtr(in.AIModel),
			AIConfidence:    in.AIConfidence,
			ContentSnapshot: in.Content,
			ContentHash:     contenthash.Field(in.Key.FieldName, in.Content),
			CreatedAt:       stamp(l.opts.Clock, prev),
		}
		if in.Actor != nil {
			a := *in.Actor
			e.Actor = &a
		}
		if err := l.repo.Insert(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	})
	if err == nil {
		span.SetAttributes(attribute.Int("ledger.version", entry.VersionNumber))
	}
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	l.opts.Logger.Info().
		Str("event", "authorship_appended").
		Str("entity_type", string(entry.EntityType)).
		Str("entity_id", entry.EntityID).
		Str("field", entry.FieldName).
		Int("version", entry.VersionNumber).
		Str("source_type", string(entry.SourceType)).
		Msg("authorship appended")
	return entry, nil
}

// Latest returns the current version of key, or nil when the field has no
// recorded authorship.
func (l *AuthorshipLedger) Latest(ctx context.Context, key FieldKey) (*AuthorshipEntry, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	return l.repo.Latest(ctx, key)
}

// History returns versions of key newest first. limit <= 0 returns all.
func (l *AuthorshipLedger) History(ctx context.Context, key FieldKey, limit, offset int) ([]*AuthorshipEntry, int, error) {
	if err := key.validate(); err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	return l.repo.History(ctx, key, limit, offset)
}

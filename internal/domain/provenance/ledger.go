package provenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/omnisoin/ledger/internal/domain/provenance"

// DefaultValidationStatement is recorded when a validator leaves the
// statement blank.
const DefaultValidationStatement = "I have reviewed this consultation and attest that its content is accurate and complete."

// RetryPolicy bounds the read-max/insert loop run on version conflicts.
type RetryPolicy struct {
	// MaxTries counts the first attempt. Zero means 3.
	MaxTries uint
	// InitialInterval of zero retries immediately.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries a conflicting append twice with short jittered
// pauses.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        3,
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     50 * time.Millisecond,
}

func (p RetryPolicy) tries() uint {
	if p.MaxTries == 0 {
		return 3
	}
	return p.MaxTries
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Options configures both ledgers. Zero values fall back to defaults.
type Options struct {
	Clock            Clock
	Retry            RetryPolicy
	DefaultStatement string
	Logger           *zerolog.Logger
	TracerProvider   trace.TracerProvider
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Retry == (RetryPolicy{}) {
		o.Retry = DefaultRetryPolicy
	}
	if o.DefaultStatement == "" {
		o.DefaultStatement = DefaultValidationStatement
	}
	if o.Logger == nil {
		l := zerolog.Nop()
		o.Logger = &l
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	return o
}

// appendWithRetry runs attempt until it succeeds, fails with something other
// than ErrVersionConflict, or the retry budget runs out. Each attempt must
// re-read the current maximum version.
func appendWithRetry[T any](ctx context.Context, p RetryPolicy, log *zerolog.Logger, what string, attempt func(context.Context) (T, error)) (T, error) {
	tries := 0
	op := func() (T, error) {
		tries++
		v, err := attempt(ctx)
		if err != nil && !errors.Is(err, ErrVersionConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.tries()),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("ledger", what).Int("attempt", tries).Dur("backoff", next).Msg("version conflict, retrying")
		}),
	)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return v, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, tries, err)
		}
		return v, err
	}
	return v, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

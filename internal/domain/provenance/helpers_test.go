package provenance

import (
	"context"
	"sync"
	"time"

	"github.com/omnisoin/ledger/pkg/contenthash"
)

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC), step: time.Second}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

var testRetry = RetryPolicy{MaxTries: 100}

func testOptions() Options {
	return Options{Clock: newStepClock(), Retry: testRetry}
}

var allowAll = ValidatorPolicyFunc(func(context.Context, Actor) bool { return true })

func newTestService() *Service {
	opts := testOptions()
	return NewService(
		NewAuthorshipLedger(NewAuthorshipRepoMemory(), opts),
		NewValidationLedger(NewValidationRepoMemory(), opts),
		allowAll,
	)
}

var (
	drMartin = Actor{UserID: "u-martin", Name: "Dr Martin", Role: "physician"}
	drLeroy  = Actor{UserID: "u-leroy", Name: "Dr Leroy", Role: "physician"}
	nurseAli = Actor{UserID: "u-ali", Name: "Ali", Role: "nurse"}
)

func text(s string) *string { return contenthash.Text(s) }

func confidence(f float64) *float64 { return &f }

func consultationField(id, field string) FieldKey {
	return FieldKey{EntityType: EntityConsultation, EntityID: id, FieldName: field}
}

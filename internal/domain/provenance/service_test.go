package provenance

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/omnisoin/ledger/pkg/contenthash"
)

func TestService_HumanEditOfAIContentDegrades(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	ref := PersistedRef(EntityConsultation, "c-1")

	e, err := svc.RecordAIFill(ctx, ref, "conclusion", text("likely angina"), "clinical-llm", confidence(0.82))
	if err != nil {
		t.Fatalf("ai fill: %v", err)
	}
	if e.SourceType != SourceAIGenerated || e.Actor != nil {
		t.Fatalf("expected actorless ai_generated entry, got %s %+v", e.SourceType, e.Actor)
	}
	if strVal(e.AIModel) != "clinical-llm" || *e.AIConfidence != 0.82 {
		t.Errorf("expected model metadata, got %v %v", e.AIModel, e.AIConfidence)
	}

	for i := 0; i < 2; i++ {
		e, err = svc.RecordFieldEdit(ctx, ref, "conclusion", text(fmt.Sprintf("stable angina %d", i)), drMartin)
		if err != nil {
			t.Fatalf("edit: %v", err)
		}
		if e.SourceType != SourceHumanModified {
			t.Errorf("edit %d: expected human_modified, got %s", i, e.SourceType)
		}
	}

	e, err = svc.RecordAIFill(ctx, ref, "conclusion", text("regenerated"), "clinical-llm", nil)
	if err != nil {
		t.Fatalf("ai fill: %v", err)
	}
	if e.SourceType != SourceAIGenerated || e.VersionNumber != 4 {
		t.Errorf("expected ai_generated v4, got %s v%d", e.SourceType, e.VersionNumber)
	}
}

func TestService_HumanOnlyFieldStaysHumanCreated(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	ref := PersistedRef(EntityAnamnesis, "a-1")
	for i := 0; i < 3; i++ {
		e, err := svc.RecordFieldEdit(ctx, ref, "history", text(fmt.Sprint(i)), nurseAli)
		if err != nil {
			t.Fatalf("edit: %v", err)
		}
		if e.SourceType != SourceHumanCreated {
			t.Errorf("expected human_created, got %s", e.SourceType)
		}
		if e.Actor == nil || *e.Actor != nurseAli {
			t.Errorf("expected actor %+v, got %+v", nurseAli, e.Actor)
		}
	}
}

func TestService_AIAssistedSurvivesRegeneration(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	ref := PersistedRef(EntityConsultation, "c-1")

	e, err := svc.RecordAIAssistedEdit(ctx, ref, "motif", text("chest pain"), drMartin, "clinical-llm", confidence(0.6))
	if err != nil {
		t.Fatalf("assisted edit: %v", err)
	}
	if e.SourceType != SourceAIAssisted {
		t.Fatalf("expected ai_assisted, got %s", e.SourceType)
	}
	e, err = svc.RecordAIFill(ctx, ref, "motif", text("chest pain, exertional"), "clinical-llm", nil)
	if err != nil {
		t.Fatalf("ai fill: %v", err)
	}
	if e.SourceType != SourceAIAssisted {
		t.Errorf("expected ai_assisted to persist, got %s", e.SourceType)
	}
	if e.Actor == nil || *e.Actor != drMartin {
		t.Errorf("expected the assisting human to stay the actor, got %+v", e.Actor)
	}

	draft, err := RestoreDraft(EntityConsultation, []PendingTag{
		{FieldName: "motif", SourceType: SourceAIAssisted, Content: text("chest pain"), Actor: &drMartin, AIModel: "clinical-llm"},
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	draft.RecordAIFill("motif", text("chest pain, exertional"), "clinical-llm", nil)
	if tag, _ := draft.BadgeState("motif"); tag.Actor == nil || *tag.Actor != *e.Actor {
		t.Errorf("draft and ledger must agree on the regenerated actor, got %+v", tag.Actor)
	}
	e, err = svc.RecordFieldEdit(ctx, ref, "motif", text("chest pain"), drMartin)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if e.SourceType != SourceHumanModified {
		t.Errorf("expected human_modified, got %s", e.SourceType)
	}
}

func TestService_BadgeState(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	e, err := svc.BadgeState(ctx, PersistedRef(EntityConsultation, "c-1"), "motif")
	if err != nil || e != nil {
		t.Fatalf("expected no provenance, got %v, %v", e, err)
	}
	e, err = svc.BadgeState(ctx, DraftRef(EntityConsultation), "motif")
	if err != nil || e != nil {
		t.Fatalf("expected drafts to report no provenance, got %v, %v", e, err)
	}

	if _, err := svc.RecordFieldEdit(ctx, PersistedRef(EntityConsultation, "c-1"), "motif", text("a"), drMartin); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if _, err := svc.RecordAIFill(ctx, PersistedRef(EntityConsultation, "c-1"), "motif", text("b"), "m", nil); err != nil {
		t.Fatalf("ai fill: %v", err)
	}
	e, err = svc.BadgeState(ctx, PersistedRef(EntityConsultation, "c-1"), "motif")
	if err != nil {
		t.Fatalf("badge: %v", err)
	}
	if e.VersionNumber != 2 || e.SourceType != SourceAIGenerated {
		t.Errorf("expected latest ai_generated v2, got %s v%d", e.SourceType, e.VersionNumber)
	}
}

func TestService_WritesToDraftAreRejected(t *testing.T) {
	svc := newTestService()
	_, err := svc.RecordFieldEdit(context.Background(), DraftRef(EntityConsultation), "motif", text("a"), drMartin)
	if !errors.Is(err, ErrUnpersistedEntity) {
		t.Errorf("expected ErrUnpersistedEntity, got %v", err)
	}
	_, err = svc.RecordAIFill(context.Background(), DraftRef(EntityConsultation), "motif", text("a"), "m", nil)
	if !errors.Is(err, ErrUnpersistedEntity) {
		t.Errorf("expected ErrUnpersistedEntity, got %v", err)
	}
}

func TestService_DraftReplayOnPersistence(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	draft := NewDraft(EntityConsultation)
	draft.RecordFieldEdit("motif", text("chest pain"), drMartin)
	draft.RecordAIFill("conclusion", text("likely angina"), "clinical-llm", confidence(0.7))

	if tag, ok := draft.BadgeState("conclusion"); !ok || tag.SourceType != SourceAIGenerated {
		t.Fatalf("expected buffered ai_generated tag, got %+v", tag)
	}
	if e, _ := svc.BadgeState(ctx, draft.Ref(), "motif"); e != nil {
		t.Fatal("expected nothing in the ledger before persistence")
	}

	entries, err := svc.CommitDraft(ctx, draft, "c-1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(entries) != 2 || draft.Len() != 0 {
		t.Fatalf("expected 2 replayed entries and an empty draft, got %d and %d", len(entries), draft.Len())
	}

	ref := PersistedRef(EntityConsultation, "c-1")
	for field, want := range map[string]SourceType{"motif": SourceHumanCreated, "conclusion": SourceAIGenerated} {
		history, total, err := svc.FieldHistory(ctx, ref, field, 0, 0)
		if err != nil {
			t.Fatalf("history %s: %v", field, err)
		}
		if total != 1 || len(history) != 1 {
			t.Fatalf("%s: expected exactly one entry, got %d", field, len(history))
		}
		if history[0].VersionNumber != 1 || history[0].SourceType != want {
			t.Errorf("%s: expected %s v1, got %s v%d", field, want, history[0].SourceType, history[0].VersionNumber)
		}
	}
}

func TestDraft_TransitionsWhileBuffered(t *testing.T) {
	draft := NewDraft(EntityConsultation)
	draft.RecordAIFill("conclusion", text("ai text"), "m", confidence(0.5))
	draft.RecordFieldEdit("conclusion", text("edited"), drMartin)

	tag, _ := draft.BadgeState("conclusion")
	if tag.SourceType != SourceHumanModified {
		t.Errorf("expected human_modified, got %s", tag.SourceType)
	}
	if tag.AIModel != "" || tag.AIConfidence != nil {
		t.Error("expected model metadata to be dropped once a human edits")
	}
	if *tag.Content != "edited" {
		t.Errorf("expected latest content, got %q", *tag.Content)
	}

	pending := draft.Pending()
	if len(pending) != 1 || pending[0].FieldName != "conclusion" {
		t.Errorf("unexpected pending tags %+v", pending)
	}
}

// flakyAuthorshipRepo fails inserts for one field.
type flakyAuthorshipRepo struct {
	AuthorshipRepository
	failField string
}

func (r *flakyAuthorshipRepo) Insert(ctx context.Context, e *AuthorshipEntry) error {
	if e.FieldName == r.failField {
		return fmt.Errorf("%w: disk full", ErrStorageUnavailable)
	}
	return r.AuthorshipRepository.Insert(ctx, e)
}

func TestService_CommitDraftCanResume(t *testing.T) {
	repo := &flakyAuthorshipRepo{AuthorshipRepository: NewAuthorshipRepoMemory(), failField: "motif"}
	svc := NewService(NewAuthorshipLedger(repo, testOptions()), NewValidationLedger(NewValidationRepoMemory(), testOptions()), allowAll)
	ctx := context.Background()

	draft := NewDraft(EntityConsultation)
	draft.RecordFieldEdit("anamnesis", text("smoker"), drMartin)
	draft.RecordFieldEdit("motif", text("chest pain"), drMartin)

	entries, err := svc.CommitDraft(ctx, draft, "c-9")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if len(entries) != 1 || entries[0].FieldName != "anamnesis" {
		t.Fatalf("expected anamnesis to be written first, got %+v", entries)
	}
	if _, ok := draft.BadgeState("motif"); !ok {
		t.Fatal("expected the failed tag to stay buffered")
	}

	repo.failField = ""
	entries, err = svc.CommitDraft(ctx, draft, "c-9")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(entries) != 1 || entries[0].FieldName != "motif" || entries[0].VersionNumber != 1 {
		t.Errorf("expected motif v1 on resume, got %+v", entries)
	}
}

func TestService_CommitDraftRejectsFieldWithHistory(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	ref := PersistedRef(EntityConsultation, "c-1")

	if _, err := svc.RecordAIFill(ctx, ref, "conclusion", text("likely angina"), "clinical-llm", confidence(0.7)); err != nil {
		t.Fatalf("ai fill: %v", err)
	}

	draft, err := RestoreDraft(EntityConsultation, []PendingTag{
		{FieldName: "conclusion", SourceType: SourceHumanCreated, Content: text("likely angina"), Actor: &drMartin},
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	entries, err := svc.CommitDraft(ctx, draft, "c-1")
	if !errors.Is(err, ErrFieldHasHistory) {
		t.Fatalf("expected ErrFieldHasHistory, got %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected nothing written, got %+v", entries)
	}

	badge, err := svc.BadgeState(ctx, ref, "conclusion")
	if err != nil {
		t.Fatalf("badge: %v", err)
	}
	if badge.VersionNumber != 1 || badge.SourceType != SourceAIGenerated {
		t.Errorf("AI provenance must be untouched, got %s v%d", badge.SourceType, badge.VersionNumber)
	}
}

func TestRestoreDraft_Validates(t *testing.T) {
	if _, err := RestoreDraft(EntityConsultation, []PendingTag{{FieldName: "motif", SourceType: SourceHumanCreated}}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected human tag without actor to be rejected, got %v", err)
	}
	if _, err := RestoreDraft(EntityConsultation, []PendingTag{
		{FieldName: "motif", SourceType: SourceAIGenerated},
		{FieldName: "motif", SourceType: SourceAIGenerated},
	}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected duplicate field to be rejected, got %v", err)
	}
	d, err := RestoreDraft(EntityConsultation, []PendingTag{{FieldName: "motif", SourceType: SourceAIGenerated, AIModel: "m"}})
	if err != nil || d.Len() != 1 {
		t.Errorf("expected a valid draft, got %v", err)
	}
}

func TestService_ValidationHistoryScenario(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	first, err := svc.ValidateConsultation(ctx, ValidationAppend{ConsultationID: "c-1", Validator: drMartin, Content: contenthash.Record{"motif": text("chest pain")}})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	second, err := svc.ValidateConsultation(ctx, ValidationAppend{ConsultationID: "c-1", Validator: drLeroy, Content: contenthash.Record{"motif": text("chest pain, resolved")}, Statement: "Reviewed after follow-up."})
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}

	history, total, err := svc.ValidationHistory(ctx, "c-1", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 2 || len(history) != 2 {
		t.Fatalf("expected 2 validations, got %d", len(history))
	}
	if history[0].Version != 2 || history[1].Version != 1 {
		t.Errorf("expected versions [2 1], got [%d %d]", history[0].Version, history[1].Version)
	}
	if history[0].ContentHash == history[1].ContentHash {
		t.Error("expected distinct content hashes")
	}
	if history[0].ID != second.ID || history[1].ID != first.ID {
		t.Error("expected history to return the appended entries")
	}
	if history[0].ValidationStatement != "Reviewed after follow-up." {
		t.Errorf("unexpected statement %q", history[0].ValidationStatement)
	}
	for _, e := range history {
		if !svc.VerifyValidation(e) {
			t.Errorf("version %d does not verify", e.Version)
		}
	}

	latest, err := svc.LatestValidation(ctx, "c-1")
	if err != nil || latest.Version != 2 || latest.ValidatorUserID != drLeroy.UserID {
		t.Errorf("expected latest v2 by %s, got %+v (%v)", drLeroy.UserID, latest, err)
	}
	if none, err := svc.LatestValidation(ctx, "c-2"); err != nil || none != nil {
		t.Errorf("expected unvalidated consultation, got %+v (%v)", none, err)
	}
}

func TestService_ValidateChecksCapabilityFirst(t *testing.T) {
	deny := ValidatorPolicyFunc(func(_ context.Context, a Actor) bool { return a.Role == "physician" })
	svc := NewService(
		NewAuthorshipLedger(NewAuthorshipRepoMemory(), testOptions()),
		NewValidationLedger(NewValidationRepoMemory(), testOptions()),
		deny,
	)
	ctx := context.Background()

	_, err := svc.ValidateConsultation(ctx, ValidationAppend{ConsultationID: "c-1", Validator: nurseAli, Content: contenthash.Record{}})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized before content checks, got %v", err)
	}
	_, err = svc.ValidateConsultation(ctx, ValidationAppend{ConsultationID: "c-1", Validator: drMartin, Content: contenthash.Record{"motif": nil}})
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
	if e, _ := svc.LatestValidation(ctx, "c-1"); e != nil {
		t.Error("expected no validation after rejected attempts")
	}

	nilPolicy := NewService(nil, NewValidationLedger(NewValidationRepoMemory(), testOptions()), nil)
	if _, err := nilPolicy.ValidateConsultation(ctx, ValidationAppend{ConsultationID: "c-1", Validator: drMartin, Content: contenthash.Record{"motif": text("x")}}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected a nil policy to deny, got %v", err)
	}
}

func TestService_CheckValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	validated := contenthash.Record{"motif": text("chest pain"), "conclusion": text("angina"), "notes": nil}

	check, err := svc.CheckValidation(ctx, "c-1", validated)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Status != StatusUnvalidated || check.Latest != nil {
		t.Errorf("expected unvalidated, got %s", check.Status)
	}

	if _, err := svc.ValidateConsultation(ctx, ValidationAppend{ConsultationID: "c-1", Validator: drMartin, Content: validated}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	check, err = svc.CheckValidation(ctx, "c-1", validated.Clone())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Status != StatusValidated || !check.SignatureValid || !check.ContentIntact || !check.Diff.Empty() {
		t.Errorf("expected a clean validated check, got %+v", check)
	}

	live := contenthash.Record{"motif": text("chest pain "), "notes": text(""), "plan": text("ECG")}
	check, err = svc.CheckValidation(ctx, "c-1", live)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Status != StatusStale {
		t.Errorf("expected stale, got %s", check.Status)
	}
	if !check.SignatureValid {
		t.Error("a stale validation still carries a valid signature")
	}
	want := FieldDiff{Changed: []string{"motif", "notes"}, Added: []string{"plan"}, Removed: []string{"conclusion"}}
	if !reflect.DeepEqual(check.Diff, want) {
		t.Errorf("expected diff %+v, got %+v", want, check.Diff)
	}

	latest, _ := svc.LatestValidation(ctx, "c-1")
	if latest.Version != 1 || latest.ContentHash != contenthash.Hash(validated) {
		t.Error("checking must not modify validation history")
	}
}

package provenance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/omnisoin/ledger/internal/platform/auth"
)

// testServer routes requests through the real route table. The caller's
// identity comes from the X-Test-* headers.
func testServer(t *testing.T) *echo.Echo {
	t.Helper()
	opts := testOptions()
	validators := auth.NewRoleChecker("physician", "practitioner")
	svc := NewService(
		NewAuthorshipLedger(NewAuthorshipRepoMemory(), opts),
		NewValidationLedger(NewValidationRepoMemory(), opts),
		ValidatorPolicyFunc(func(ctx context.Context, a Actor) bool {
			return validators.Allowed(ctx, a.UserID)
		}),
	)

	identity := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			var roles []string
			if v := r.Header.Get("X-Test-Roles"); v != "" {
				roles = strings.Split(v, ",")
			}
			ctx := auth.WithIdentity(r.Context(), r.Header.Get("X-Test-User"), r.Header.Get("X-Test-Name"), roles)
			c.SetRequest(r.WithContext(ctx))
			return next(c)
		}
	}

	e := echo.New()
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1", identity), e.Group("/fhir", identity))
	return e
}

func do(t *testing.T, e *echo.Echo, as Actor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set("X-Test-User", as.UserID)
	req.Header.Set("X-Test-Name", as.Name)
	req.Header.Set("X-Test-Roles", as.Role)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_RecordFieldEdit(t *testing.T) {
	e := testServer(t)

	rec := do(t, e, drMartin, http.MethodPost, "/api/v1/authorship/consultation/c-1/fields/motif/edits", `{"content":"chest pain"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry AuthorshipEntry
	decode(t, rec, &entry)
	if entry.SourceType != SourceHumanCreated || entry.VersionNumber != 1 {
		t.Errorf("expected human_created v1, got %s v%d", entry.SourceType, entry.VersionNumber)
	}
	if entry.Actor == nil || *entry.Actor != drMartin {
		t.Errorf("expected actor from the authenticated context, got %+v", entry.Actor)
	}

	rec = do(t, e, drMartin, http.MethodGet, "/api/v1/authorship/consultation/c-1/fields/motif", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var badge struct {
		Provenance *AuthorshipEntry `json:"provenance"`
	}
	decode(t, rec, &badge)
	if badge.Provenance == nil || badge.Provenance.ID != entry.ID {
		t.Errorf("expected badge state to be the appended entry, got %+v", badge.Provenance)
	}
}

func TestHandler_BadgeStateWithoutHistory(t *testing.T) {
	e := testServer(t)
	rec := do(t, e, drMartin, http.MethodGet, "/api/v1/authorship/consultation/c-1/fields/motif", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"provenance":null}` {
		t.Errorf("expected null provenance, got %s", got)
	}
}

func TestHandler_DraftWritesRejected(t *testing.T) {
	e := testServer(t)
	rec := do(t, e, drMartin, http.MethodPost, "/api/v1/authorship/consultation/new/fields/motif/edits", `{"content":"x"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}

func TestHandler_AIFillAndHistory(t *testing.T) {
	e := testServer(t)
	base := "/api/v1/authorship/consultation/c-1/fields/conclusion"

	rec := do(t, e, drMartin, http.MethodPost, base+"/ai-fills", `{"content":"likely angina","model":"clinical-llm","confidence":0.8}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, drMartin, http.MethodPost, base+"/edits", `{"content":"stable angina"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = do(t, e, drMartin, http.MethodGet, base+"/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data  []AuthorshipEntry `json:"data"`
		Total int               `json:"total"`
	}
	decode(t, rec, &page)
	if page.Total != 2 || len(page.Data) != 2 {
		t.Fatalf("expected 2 entries, got %d/%d", len(page.Data), page.Total)
	}
	if page.Data[0].SourceType != SourceHumanModified || page.Data[0].VersionNumber != 2 {
		t.Errorf("expected newest human_modified v2 first, got %s v%d", page.Data[0].SourceType, page.Data[0].VersionNumber)
	}
	if page.Data[1].SourceType != SourceAIGenerated || page.Data[1].Actor != nil {
		t.Errorf("expected ai_generated v1 without actor, got %s %+v", page.Data[1].SourceType, page.Data[1].Actor)
	}
}

func TestHandler_InvalidConfidence(t *testing.T) {
	e := testServer(t)
	rec := do(t, e, drMartin, http.MethodPost, "/api/v1/authorship/consultation/c-1/fields/conclusion/ai-fills", `{"content":"x","confidence":1.5}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_OverlongIdentifiersAreBadRequests(t *testing.T) {
	e := testServer(t)
	paths := []string{
		"/api/v1/authorship/consultation/c-1/fields/" + strings.Repeat("f", 256) + "/edits",
		"/api/v1/authorship/consultation/" + strings.Repeat("c", 256) + "/fields/motif/edits",
	}
	for _, path := range paths {
		rec := do(t, e, drMartin, http.MethodPost, path, `{"content":"chest pain"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
	}
}

func TestHandler_RoleRequired(t *testing.T) {
	e := testServer(t)
	billing := Actor{UserID: "u-bill", Name: "Bill", Role: "billing"}
	rec := do(t, e, billing, http.MethodGet, "/api/v1/authorship/consultation/c-1/fields/motif", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_ReplayDraft(t *testing.T) {
	e := testServer(t)
	body := `{"tags":[
		{"field_name":"motif","source_type":"human_created","content":"chest pain","actor":{"user_id":"someone-else"}},
		{"field_name":"conclusion","source_type":"ai_generated","content":"likely angina","ai_model":"clinical-llm"}
	]}`
	rec := do(t, e, drMartin, http.MethodPost, "/api/v1/authorship/consultation/c-9/replay", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Entries []AuthorshipEntry `json:"entries"`
	}
	decode(t, rec, &out)
	if len(out.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out.Entries))
	}
	for _, entry := range out.Entries {
		if entry.EntityID != "c-9" || entry.VersionNumber != 1 {
			t.Errorf("expected c-9 v1, got %s v%d", entry.EntityID, entry.VersionNumber)
		}
		switch entry.FieldName {
		case "motif":
			if entry.Actor == nil || entry.Actor.UserID != drMartin.UserID {
				t.Errorf("human tag must be attributed to the caller, got %+v", entry.Actor)
			}
		case "conclusion":
			if entry.Actor != nil {
				t.Errorf("ai_generated tag must not carry an actor, got %+v", entry.Actor)
			}
		}
	}

	rec = do(t, e, drMartin, http.MethodPost, "/api/v1/authorship/consultation/new/replay", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("replay onto a draft: expected 422, got %d", rec.Code)
	}

	rec = do(t, e, drMartin, http.MethodPost, "/api/v1/authorship/consultation/c-9/replay", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("repeated replay: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ReplayCannotRelabelExistingField(t *testing.T) {
	e := testServer(t)
	rec := do(t, e, drMartin, http.MethodPost, "/api/v1/authorship/consultation/c-1/fields/conclusion/ai-fills",
		`{"content":"likely angina","model":"clinical-llm","confidence":0.7}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ai fill: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, drMartin, http.MethodPost, "/api/v1/authorship/consultation/c-1/replay",
		`{"tags":[{"field_name":"conclusion","source_type":"human_created","content":"likely angina"}]}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, drMartin, http.MethodGet, "/api/v1/authorship/consultation/c-1/fields/conclusion", "")
	var badge struct {
		Provenance *AuthorshipEntry `json:"provenance"`
	}
	decode(t, rec, &badge)
	if badge.Provenance == nil || badge.Provenance.SourceType != SourceAIGenerated || badge.Provenance.VersionNumber != 1 {
		t.Errorf("expected ai_generated v1 to remain current, got %+v", badge.Provenance)
	}
}

func TestHandler_ValidateConsultation(t *testing.T) {
	e := testServer(t)
	base := "/api/v1/consultations/c-1/validations"

	rec := do(t, e, drMartin, http.MethodGet, base+"/latest", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unvalidated consultation: expected 404, got %d", rec.Code)
	}

	rec = do(t, e, drMartin, http.MethodPost, base, `{"patient_id":"p-1","content":{"motif":"chest pain","conclusion":null}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry ValidationEntry
	decode(t, rec, &entry)
	if entry.Version != 1 || entry.ValidatorUserID != drMartin.UserID {
		t.Errorf("unexpected entry: v%d by %s", entry.Version, entry.ValidatorUserID)
	}
	if !entry.SignatureValid() || !entry.ContentIntact() {
		t.Error("returned entry must verify")
	}
	if entry.ValidationStatement != DefaultValidationStatement {
		t.Errorf("expected default statement, got %q", entry.ValidationStatement)
	}
	if entry.IPAddress == nil {
		t.Error("expected client address to be recorded")
	}

	rec = do(t, e, drMartin, http.MethodGet, base+"/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(t, e, drMartin, http.MethodPost, base+"/check", `{"content":{"motif":"chest pain, radiating","conclusion":null}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var check ValidationCheck
	decode(t, rec, &check)
	if check.Status != StatusStale || !check.SignatureValid {
		t.Errorf("expected stale with valid signature, got %s %v", check.Status, check.SignatureValid)
	}
	if len(check.Diff.Changed) != 1 || check.Diff.Changed[0] != "motif" {
		t.Errorf("expected motif changed, got %+v", check.Diff)
	}

	rec = do(t, e, drMartin, http.MethodGet, base, "")
	var page struct {
		Data  []ValidationEntry `json:"data"`
		Total int               `json:"total"`
	}
	decode(t, rec, &page)
	if page.Total != 1 {
		t.Errorf("expected 1 validation, got %d", page.Total)
	}
}

func TestHandler_ValidateConsultationErrors(t *testing.T) {
	e := testServer(t)
	base := "/api/v1/consultations/c-1/validations"

	rec := do(t, e, nurseAli, http.MethodPost, base, `{"content":{"motif":"chest pain"}}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("nurse: expected 403, got %d", rec.Code)
	}

	rec = do(t, e, drMartin, http.MethodPost, base, `{"content":{"motif":null}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty content: expected 422, got %d", rec.Code)
	}

	rec = do(t, e, drMartin, http.MethodPost, "/api/v1/consultations/new/validations", `{"content":{"motif":"x"}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("draft consultation: expected 422, got %d", rec.Code)
	}

	rec = do(t, e, drMartin, http.MethodPost, base, `{"content":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestHandler_SearchFHIR(t *testing.T) {
	e := testServer(t)

	rec := do(t, e, drMartin, http.MethodGet, "/fhir/Provenance", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing target: expected 400, got %d", rec.Code)
	}
	var outcome map[string]interface{}
	decode(t, rec, &outcome)
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", outcome["resourceType"])
	}

	do(t, e, drMartin, http.MethodPost, "/api/v1/consultations/c-1/validations", `{"content":{"motif":"chest pain"}}`)
	do(t, e, drMartin, http.MethodPost, "/api/v1/authorship/consultation/c-1/fields/motif/edits", `{"content":"chest pain"}`)

	rec = do(t, e, drMartin, http.MethodGet, "/fhir/Provenance?target=Consultation/c-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var bundle struct {
		Type  string `json:"type"`
		Total int    `json:"total"`
		Entry []struct {
			Resource map[string]interface{} `json:"resource"`
		} `json:"entry"`
	}
	decode(t, rec, &bundle)
	if bundle.Type != "searchset" || bundle.Total != 1 || len(bundle.Entry) != 1 {
		t.Fatalf("expected one validation, got %+v", bundle)
	}
	if _, ok := bundle.Entry[0].Resource["signature"]; !ok {
		t.Error("validation provenance must carry a signature")
	}

	rec = do(t, e, drMartin, http.MethodGet, "/fhir/Provenance?target=Consultation/c-1&field=motif", "")
	decode(t, rec, &bundle)
	if bundle.Total != 1 {
		t.Fatalf("expected one authorship entry, got %d", bundle.Total)
	}
	if _, ok := bundle.Entry[0].Resource["signature"]; ok {
		t.Error("authorship provenance must not carry a signature")
	}

	rec = do(t, e, drMartin, http.MethodGet, "/fhir/Provenance?target=Anamnesis/a-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-consultation validations: expected 400, got %d", rec.Code)
	}
}

func TestHandler_Metadata(t *testing.T) {
	e := testServer(t)
	rec := do(t, e, Actor{}, http.MethodGet, "/fhir/metadata", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cs map[string]interface{}
	decode(t, rec, &cs)
	if cs["resourceType"] != "CapabilityStatement" {
		t.Errorf("expected CapabilityStatement, got %v", cs["resourceType"])
	}
}

package provenance

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/omnisoin/ledger/internal/platform/auth"
	"github.com/omnisoin/ledger/internal/platform/fhir"
	"github.com/omnisoin/ledger/pkg/contenthash"
	"github.com/omnisoin/ledger/pkg/pagination"
)

// Handler provides HTTP handlers for the provenance ledgers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new provenance handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the authorship, validation and FHIR routes.
// Validation writes are further gated by the service's validator policy.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	role := auth.RequireRole("admin", "physician", "practitioner", "nurse")

	authorship := api.Group("/authorship/:entityType/:entityId", role)
	authorship.GET("/fields/:field", h.GetBadgeState)
	authorship.GET("/fields/:field/history", h.GetFieldHistory)
	authorship.POST("/fields/:field/edits", h.RecordFieldEdit)
	authorship.POST("/fields/:field/ai-fills", h.RecordAIFill)
	authorship.POST("/replay", h.ReplayDraft)

	validations := api.Group("/consultations/:id/validations", role)
	validations.GET("", h.ListValidations)
	validations.GET("/latest", h.GetLatestValidation)
	validations.POST("", h.ValidateConsultation)
	validations.POST("/check", h.CheckValidation)

	fhirGroup.GET("/metadata", fhir.MetadataHandler(capabilityStatement))
	fhirRead := fhirGroup.Group("", role)
	fhirRead.GET("/Provenance", h.SearchFHIR)
}

var capabilityStatement = fhir.NewCapabilityStatement("/fhir", "Clinical provenance and validation ledger",
	fhir.SearchOnly("Provenance",
		fhir.CSSearchParam{Name: "target", Type: "reference", Documentation: "Consultation/<id> lists validations; other entity types need field"},
		fhir.CSSearchParam{Name: "field", Type: "string", Documentation: "restricts the search to one field's authorship history"},
	),
)

// httpError maps ledger errors to HTTP statuses.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrEmptyContent), errors.Is(err, ErrUnpersistedEntity):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyValidating), errors.Is(err, ErrRetryExhausted), errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrFieldHasHistory):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStorageUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// actorFromContext reads the authenticated user as a ledger actor. The
// first role is recorded as the actor's role.
func actorFromContext(c echo.Context) Actor {
	ctx := c.Request().Context()
	a := Actor{UserID: auth.UserIDFromContext(ctx), Name: auth.UserNameFromContext(ctx)}
	if roles := auth.RolesFromContext(ctx); len(roles) > 0 {
		a.Role = roles[0]
	}
	return a
}

func entityRef(c echo.Context) (EntityRef, error) {
	return ParseEntityRef(c.Param("entityType"), c.Param("entityId"))
}

// -- Authorship --

type fieldEditRequest struct {
	Content *string `json:"content"`
	// AIAssisted marks content the user accepted from an AI suggestion.
	AIAssisted   bool     `json:"ai_assisted"`
	AIModel      string   `json:"ai_model"`
	AIConfidence *float64 `json:"ai_confidence"`
}

func (h *Handler) RecordFieldEdit(c echo.Context) error {
	ref, err := entityRef(c)
	if err != nil {
		return httpError(err)
	}
	var req fieldEditRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	actor := actorFromContext(c)
	var entry *AuthorshipEntry
	if req.AIAssisted {
		entry, err = h.svc.RecordAIAssistedEdit(ctx, ref, c.Param("field"), req.Content, actor, req.AIModel, req.AIConfidence)
	} else {
		entry, err = h.svc.RecordFieldEdit(ctx, ref, c.Param("field"), req.Content, actor)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

type aiFillRequest struct {
	Content    *string  `json:"content"`
	Model      string   `json:"model"`
	Confidence *float64 `json:"confidence"`
}

func (h *Handler) RecordAIFill(c echo.Context) error {
	ref, err := entityRef(c)
	if err != nil {
		return httpError(err)
	}
	var req aiFillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry, err := h.svc.RecordAIFill(c.Request().Context(), ref, c.Param("field"), req.Content, req.Model, req.Confidence)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) GetBadgeState(c echo.Context) error {
	ref, err := entityRef(c)
	if err != nil {
		return httpError(err)
	}
	entry, err := h.svc.BadgeState(c.Request().Context(), ref, c.Param("field"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"provenance": entry})
}

func (h *Handler) GetFieldHistory(c echo.Context) error {
	ref, err := entityRef(c)
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.FieldHistory(c.Request().Context(), ref, c.Param("field"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*AuthorshipEntry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type replayRequest struct {
	Tags []PendingTag `json:"tags"`
}

// ReplayDraft writes the tags a client buffered while the record was a
// draft. Human tags are attributed to the caller rather than to whatever
// actor the client sent.
func (h *Handler) ReplayDraft(c echo.Context) error {
	ref, err := entityRef(c)
	if err != nil {
		return httpError(err)
	}
	id, ok := ref.ID()
	if !ok {
		return httpError(ErrUnpersistedEntity)
	}
	var req replayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := actorFromContext(c)
	for i := range req.Tags {
		if req.Tags[i].SourceType != SourceAIGenerated {
			a := actor
			req.Tags[i].Actor = &a
		} else {
			req.Tags[i].Actor = nil
		}
	}
	draft, err := RestoreDraft(ref.Type, req.Tags)
	if err != nil {
		return httpError(err)
	}
	entries, err := h.svc.CommitDraft(c.Request().Context(), draft, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"entries": entries})
}

// -- Validation --

type validateRequest struct {
	PatientID   string             `json:"patient_id"`
	StructureID string             `json:"structure_id"`
	Content     contenthash.Record `json:"content"`
	Statement   string             `json:"statement"`
	Exclusive   bool               `json:"exclusive"`
}

func (h *Handler) ValidateConsultation(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ip := c.RealIP()
	ua := c.Request().UserAgent()
	entry, err := h.svc.ValidateConsultation(c.Request().Context(), ValidationAppend{
		ConsultationID: c.Param("id"),
		PatientID:      req.PatientID,
		StructureID:    req.StructureID,
		Validator:      actorFromContext(c),
		Content:        req.Content,
		Statement:      req.Statement,
		IPAddress:      strPtr(ip),
		UserAgent:      strPtr(ua),
		Exclusive:      req.Exclusive,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) GetLatestValidation(c echo.Context) error {
	entry, err := h.svc.LatestValidation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if entry == nil {
		return echo.NewHTTPError(http.StatusNotFound, "consultation is not validated")
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) ListValidations(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ValidationHistory(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*ValidationEntry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type checkRequest struct {
	Content contenthash.Record `json:"content"`
}

func (h *Handler) CheckValidation(c echo.Context) error {
	var req checkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	check, err := h.svc.CheckValidation(c.Request().Context(), c.Param("id"), req.Content)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, check)
}

// -- FHIR --

func fhirError(c echo.Context, err error) error {
	status := httpError(err).Code
	return c.JSON(status, fhir.StatusOutcome(status, err.Error()))
}

// SearchFHIR answers Provenance?target=Consultation/<id> with the
// consultation's validations, or with one field's authorship when a field
// parameter is also given.
func (h *Handler) SearchFHIR(c echo.Context) error {
	resourceType, id, ok := strings.Cut(c.QueryParam("target"), "/")
	if !ok || resourceType == "" || id == "" {
		return c.JSON(http.StatusBadRequest, fhir.StatusOutcome(http.StatusBadRequest, "target search parameter of the form Type/id is required"))
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	resources := []map[string]interface{}{}
	var total int
	if field := c.QueryParam("field"); field != "" {
		ref, err := ParseEntityRef(strings.ToLower(resourceType), id)
		if err != nil {
			return fhirError(c, err)
		}
		items, n, err := h.svc.FieldHistory(ctx, ref, field, pg.Limit, pg.Offset)
		if err != nil {
			return fhirError(c, err)
		}
		for _, item := range items {
			resources = append(resources, item.ToFHIR())
		}
		total = n
	} else {
		if resourceType != resourceName(EntityConsultation) {
			return c.JSON(http.StatusBadRequest, fhir.StatusOutcome(http.StatusBadRequest, "validations exist only for Consultation targets"))
		}
		items, n, err := h.svc.ValidationHistory(ctx, id, pg.Limit, pg.Offset)
		if err != nil {
			return fhirError(c, err)
		}
		for _, item := range items {
			resources = append(resources, item.ToFHIR())
		}
		total = n
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources,
		fhir.SearchParamsFromContext(c, "/fhir/Provenance", pg.Limit, pg.Offset, total)))
}

package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/omnisoin/ledger/internal/platform/auth"
)

// AuditEntry captures who touched which ledger, when, from where and how.
// It never carries field content.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Ledger     string // authorship, validation, fhir
	EntityType string
	EntityID   string
	Field      string
	Action     string // read, append, check
	IPAddress  string
	UserAgent  string
	Route      string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// Audit logs every /api/v1/ and /fhir/ access as a structured event of
// type ledger_audit.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := newAuditEntry(c)
			status := entry.StatusCode
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			evt := logger.Info()
			if status == http.StatusForbidden || status == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "ledger_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("tenant_id", entry.TenantID).
				Str("ledger", entry.Ledger).
				Str("entity_type", entry.EntityType).
				Str("entity_id", entry.EntityID).
				Str("field", entry.Field).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Str("remote_ip", entry.IPAddress).
				Int("status", status).
				Msg("ledger_access")

			return err
		}
	}
}

func newAuditEntry(c echo.Context) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	entry := AuditEntry{
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Route:      c.Path(),
		Method:     req.Method,
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
		Timestamp:  time.Now().UTC(),
		StatusCode: c.Response().Status,
	}
	entry.TenantID, _ = c.Get("tenant_id").(string)
	if entry.TenantID == "" {
		entry.TenantID, _ = c.Get("jwt_tenant_id").(string)
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.Ledger, entry.Action = classify(req.URL.Path, req.Method)

	switch entry.Ledger {
	case "authorship":
		entry.EntityType = c.Param("entityType")
		entry.EntityID = c.Param("entityId")
		entry.Field = c.Param("field")
	case "validation":
		entry.EntityType = "consultation"
		entry.EntityID = c.Param("id")
	case "fhir":
		entry.EntityType, entry.EntityID, _ = strings.Cut(c.QueryParam("target"), "/")
		entry.Field = c.QueryParam("field")
	}
	return entry
}

// isAuditablePath returns true if the path is under /fhir/ or /api/v1/.
func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/fhir/") || strings.HasPrefix(path, "/api/v1/")
}

// classify names the ledger a request touches and what it does to it.
func classify(path, method string) (ledger, action string) {
	switch {
	case strings.HasPrefix(path, "/fhir/"):
		ledger = "fhir"
	case strings.HasPrefix(path, "/api/v1/authorship/"):
		ledger = "authorship"
	case strings.HasPrefix(path, "/api/v1/consultations/"):
		ledger = "validation"
	default:
		ledger = "unknown"
	}

	switch {
	case method == http.MethodGet || method == http.MethodHead:
		action = "read"
	case strings.HasSuffix(path, "/check"):
		action = "check"
	case method == http.MethodPost:
		action = "append"
	default:
		action = strings.ToLower(method)
	}
	return ledger, action
}

package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var (
	tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

	errSearchPath = errors.New("set tenant search_path")
)

// TenantMiddleware resolves the caller's tenant and binds a connection whose
// search_path points at that tenant's ledgers for the rest of the request.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := resolveTenant(c, defaultTenant)
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx, conn, err := AcquireTenantConn(c.Request().Context(), pool, tenantID)
			switch {
			case errors.Is(err, errSearchPath):
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			case err != nil:
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

// AcquireTenantConn takes a connection from pool, points its search_path at
// the tenant's schema and returns a context carrying both. The caller must
// release the connection.
func AcquireTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, *pgxpool.Conn, error) {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return ctx, nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SET search_path TO "+schema+", shared, public"); err != nil {
		conn.Release()
		return ctx, nil, fmt.Errorf("%w: %w", errSearchPath, err)
	}
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	return context.WithValue(ctx, DBConnKey, conn), conn, nil
}

// resolveTenant picks the tenant from the token claim, then the X-Tenant-ID
// header, then the tenant_id query parameter.
func resolveTenant(c echo.Context, fallback string) string {
	claim, _ := c.Get("jwt_tenant_id").(string)
	for _, tid := range []string{
		claim,
		c.Request().Header.Get("X-Tenant-ID"),
		c.QueryParam("tenant_id"),
	} {
		if tid != "" {
			return tid
		}
	}
	return fallback
}

// ConnFromContext returns the tenant-bound connection, or nil outside a
// tenant-scoped request.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// SchemaName returns the Postgres schema holding a tenant's ledgers.
func SchemaName(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	return "tenant_" + tenantID, nil
}

// CreateTenantSchema creates the tenant's schema if needed and applies the
// ledger migrations in fsys to it. A nil fsys only creates the schema.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, fsys fs.FS) error {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if fsys == nil {
		return nil
	}
	if _, err := NewMigrator(pool, fsys).Up(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s: %w", schema, err)
	}
	return nil
}

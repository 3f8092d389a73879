package auth

import "github.com/labstack/echo/v4"

// AuthSkipper lets probes and the capability statement through without a
// token. It matches on the registered route, so path parameters never make a
// ledger route public.
func AuthSkipper(c echo.Context) bool {
	switch c.Path() {
	case "/health", "/health/db", "/fhir/metadata":
		return true
	}
	return false
}

package fhir

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode     string       `json:"mode"`
	Resource []CSResource `json:"resource"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Interaction []CSInteraction `json:"interaction"`
	SearchParam []CSSearchParam `json:"searchParam,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSSearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

// NewCapabilityStatement describes a read-only server for the given resources.
func NewCapabilityStatement(baseURL, description string, resources ...CSResource) *CapabilityStatement {
	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"json"},
		Implementation: &CSImplementation{
			Description: description,
			URL:         baseURL,
		},
		Rest: []CSRest{{Mode: "server", Resource: resources}},
	}
}

// SearchOnly describes a resource that supports search-type and nothing else.
func SearchOnly(resourceType string, params ...CSSearchParam) CSResource {
	return CSResource{
		Type:        resourceType,
		Interaction: []CSInteraction{{Code: "search-type"}},
		SearchParam: params,
	}
}

// MetadataHandler serves cs at GET /metadata.
func MetadataHandler(cs *CapabilityStatement) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, cs)
	}
}

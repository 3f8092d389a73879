package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL string
	// Query holds the search parameters other than _count and _offset.
	Query  url.Values
	Count  int
	Offset int
	Total  int
}

// NewSearchBundle creates a searchset Bundle with self, next and previous links.
func NewSearchBundle(resources []map[string]interface{}, params SearchBundleParams) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		raw, _ := json.Marshal(r)
		entries[i] = BundleEntry{
			FullURL:  fullURL(r),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
	}

	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         buildPaginationLinks(params),
		Entry:        entries,
	}
}

// SearchParamsFromContext copies the request's search parameters, minus the
// paging ones, for use in bundle links.
func SearchParamsFromContext(c echo.Context, baseURL string, count, offset, total int) SearchBundleParams {
	q := url.Values{}
	for k, v := range c.QueryParams() {
		switch k {
		case "_count", "_offset", "limit", "offset":
			continue
		}
		q[k] = v
	}
	return SearchBundleParams{BaseURL: baseURL, Query: q, Count: count, Offset: offset, Total: total}
}

// fullURL builds a relative fullUrl from a resource's resourceType and id.
func fullURL(m map[string]interface{}) string {
	rt, _ := m["resourceType"].(string)
	id, _ := m["id"].(string)
	if rt != "" && id != "" {
		return FormatReference(rt, id)
	}
	return ""
}

// buildPaginationLinks creates self, next, and previous links for searchset bundles.
func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	page := func(offset int) string {
		q := url.Values{}
		for k, v := range params.Query {
			q[k] = v
		}
		q.Set("_count", fmt.Sprint(params.Count))
		q.Set("_offset", fmt.Sprint(offset))
		return params.BaseURL + "?" + q.Encode()
	}

	links := []BundleLink{{Relation: "self", URL: page(params.Offset)}}

	if next := params.Offset + params.Count; params.Count > 0 && next < params.Total {
		links = append(links, BundleLink{Relation: "next", URL: page(next)})
	}

	if params.Offset > 0 {
		prev := params.Offset - params.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: page(prev)})
	}

	return links
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// Package query answers read requests against the local store.
package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
)

// Request describes a collection read.
type Request struct {
	Kind   resource.Kind
	Offset int
	// Range limits the page size; zero means unbounded.
	Range int
	// Criteria holds equality filters on the searchable attributes.
	Criteria              map[string]string
	NameContains          string
	Session               string
	IndividualParticipant string
	Child                 string
}

// ParseRequest reads paging, filters and join parameters from query values.
func ParseRequest(kind resource.Kind, values url.Values) (Request, error) {
	offset, err := parseCount(values, "offset")
	if err != nil {
		return Request{}, err
	}
	pageRange, err := parseCount(values, "range")
	if err != nil {
		return Request{}, err
	}

	request := Request{
		Kind:                  kind,
		Offset:                offset,
		Range:                 pageRange,
		Criteria:              make(map[string]string),
		NameContains:          strings.TrimSpace(values.Get("name_contains")),
		Session:               strings.TrimSpace(values.Get("session")),
		IndividualParticipant: strings.TrimSpace(values.Get("individual_participant")),
		Child:                 strings.TrimSpace(values.Get("child")),
	}
	for _, field := range resource.SearchFields {
		if value := values.Get(field); value != "" {
			request.Criteria[field] = value
		}
	}
	return request, nil
}

func parseCount(values url.Values, key string) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, apperr.BadRequestf("invalid %s %q", key, raw)
	}
	return parsed, nil
}

// SplitIDs splits a comma-separated id list, dropping blanks and duplicates.
func SplitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

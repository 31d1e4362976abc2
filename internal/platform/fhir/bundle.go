package fhir

import (
	"fmt"
	"time"
)

// Bundle entry search modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
	SearchModeOutcome = "outcome"
)

// NewBundle builds an empty Bundle of the given type.
func NewBundle(bundleType string) Resource {
	return Resource{
		"resourceType": "Bundle",
		"type":         bundleType,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry":        []interface{}{},
	}
}

// AppendEntry appends an entry to a bundle in place.
func AppendEntry(bundle Resource, entry map[string]interface{}) {
	entries, _ := bundle["entry"].([]interface{})
	bundle["entry"] = append(entries, entry)
}

// BundleEntries returns the entry array of a bundle.
func BundleEntries(bundle Resource) []interface{} {
	entries, _ := bundle["entry"].([]interface{})
	return entries
}

// SetTotal sets Bundle.total.
func SetTotal(bundle Resource, total int) {
	bundle["total"] = float64(total)
}

// AddSelfLink records the self link used to reconstruct the search.
func AddSelfLink(bundle Resource, url string) {
	links, _ := bundle["link"].([]interface{})
	bundle["link"] = append(links, map[string]interface{}{
		"relation": "self",
		"url":      url,
	})
}

// SearchEntry builds a searchset entry for a matched or included resource.
func SearchEntry(baseURL string, res Resource, mode string) map[string]interface{} {
	return map[string]interface{}{
		"fullUrl":  fmt.Sprintf("%s/%s/%s", baseURL, ResourceType(res), ResourceID(res)),
		"resource": res,
		"search":   map[string]interface{}{"mode": mode},
	}
}

// NewSearchBundle builds a searchset from matches and includes. The total
// counts matches only, per the search specification.
func NewSearchBundle(baseURL, selfURL string, matches, includes []Resource) Resource {
	bundle := NewBundle("searchset")
	SetTotal(bundle, len(matches))
	if selfURL != "" {
		AddSelfLink(bundle, selfURL)
	}
	for _, res := range matches {
		AppendEntry(bundle, SearchEntry(baseURL, res, SearchModeMatch))
	}
	for _, res := range includes {
		AppendEntry(bundle, SearchEntry(baseURL, res, SearchModeInclude))
	}
	return bundle
}

// ResponseEntry builds a batch/transaction response entry.
func ResponseEntry(status int, location string, res Resource, outcome Resource) map[string]interface{} {
	response := map[string]interface{}{
		"status": fmt.Sprintf("%d %s", status, StatusText(status)),
	}
	if location != "" {
		response["location"] = location
	}
	if outcome != nil {
		response["outcome"] = outcome
	}
	entry := map[string]interface{}{"response": response}
	if res != nil {
		entry["resource"] = res
	}
	return entry
}

// Package fhir holds the wire-level FHIR building blocks shared by every
// engine layer: the map-based resource representation, OperationOutcome and
// Bundle models, the FHIRPath expression engine, and serialization helpers.
package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resources are handled as generic JSON trees so that a single engine can
// serve every resource type across FHIR versions.
type Resource = map[string]interface{}

// ResourceType returns the resourceType tag, or "".
func ResourceType(res Resource) string {
	if res == nil {
		return ""
	}
	rt, _ := res["resourceType"].(string)
	return rt
}

// ResourceID returns the logical id, or "".
func ResourceID(res Resource) string {
	if res == nil {
		return ""
	}
	id, _ := res["id"].(string)
	return id
}

// SetResourceID assigns the logical id in place.
func SetResourceID(res Resource, id string) {
	res["id"] = id
}

// QualifiedID returns "Type/id" for a resource, the key form used by
// protected sets, dedupe sets and the eviction queue.
func QualifiedID(res Resource) string {
	return ResourceType(res) + "/" + ResourceID(res)
}

// VersionID returns meta.versionId, or "".
func VersionID(res Resource) string {
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		return ""
	}
	v, _ := meta["versionId"].(string)
	return v
}

// LastUpdated parses meta.lastUpdated. The zero time is returned when the
// field is absent or unparseable.
func LastUpdated(res Resource) time.Time {
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		return time.Time{}
	}
	s, _ := meta["lastUpdated"].(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// StampMeta sets meta.versionId and meta.lastUpdated in place, preserving
// any other meta fields the client sent.
func StampMeta(res Resource, versionID string, at time.Time) {
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		res["meta"] = meta
	}
	meta["versionId"] = versionID
	meta["lastUpdated"] = at.UTC().Format(time.RFC3339Nano)
}

// NextVersion parses the previous versionId as a decimal and increments it.
// Unparseable or empty versions restart at "1".
func NextVersion(previous string) string {
	n, err := strconv.ParseInt(previous, 10, 64)
	if err != nil || n < 1 {
		return "1"
	}
	return strconv.FormatInt(n+1, 10)
}

// CanonicalURL returns the top-level url field carried by canonical
// resources (ValueSet, SubscriptionTopic, SearchParameter, ...), or "".
func CanonicalURL(res Resource) string {
	u, _ := res["url"].(string)
	return u
}

// IdentifierKey is the "system|value" form used by the identifier index.
func IdentifierKey(system, value string) string {
	return system + "|" + value
}

// Identifiers extracts the (system, value) pairs from a resource's
// identifier field, tolerating both a single object and an array.
func Identifiers(res Resource) [][2]string {
	raw, ok := res["identifier"]
	if !ok {
		return nil
	}
	var out [][2]string
	add := func(v interface{}) {
		m, ok := v.(map[string]interface{})
		if !ok {
			return
		}
		system, _ := m["system"].(string)
		value, _ := m["value"].(string)
		if value != "" {
			out = append(out, [2]string{system, value})
		}
	}
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			add(item)
		}
	case map[string]interface{}:
		add(v)
	}
	return out
}

// DeepCopy clones a resource tree. Mutations of the copy never alias the
// original; used to snapshot the previous version before an update.
func DeepCopy(res Resource) Resource {
	if res == nil {
		return nil
	}
	return deepCopyMap(res)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		arr := make([]interface{}, len(val))
		for i, item := range val {
			arr[i] = deepCopyValue(item)
		}
		return arr
	default:
		return val
	}
}

// ParseReference splits a reference string into (type, id). It accepts
// relative references ("Patient/p1"), absolute URLs
// ("https://host/base/Patient/p1"), and version-specific references
// ("Patient/p1/_history/2", version dropped).
func ParseReference(ref string) (resourceType, id string, ok bool) {
	if ref == "" {
		return "", "", false
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	id = parts[len(parts)-1]
	resourceType = parts[len(parts)-2]
	if id == "" || resourceType == "" || !isUpperFirst(resourceType) {
		return "", "", false
	}
	return resourceType, id, true
}

func isUpperFirst(s string) bool {
	return len(s) > 0 && s[0] >= 'A' && s[0] <= 'Z'
}

// ReferenceString pulls the literal reference out of an element that may be
// a Reference object or a plain string.
func ReferenceString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		s, _ := val["reference"].(string)
		return s
	}
	return ""
}

// ReferenceResolver resolves a literal reference into a resource, or nil.
// The tenant engine supplies an implementation that dispatches into the
// owning store for the referenced type.
type ReferenceResolver func(reference string) Resource

// ParseJSON decodes a wire-format JSON blob into a resource tree.
func ParseJSON(data []byte) (Resource, error) {
	var res Resource
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}
	if ResourceType(res) == "" {
		return nil, fmt.Errorf("parse resource: missing resourceType")
	}
	return normalizeNumbers(res).(Resource), nil
}

// normalizeNumbers converts json.Number leaves to float64 so the search and
// FHIRPath layers see one numeric representation.
func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	default:
		return v
	}
}

// MarshalJSON serializes a resource, optionally indented.
func MarshalJSON(res Resource, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(res, "", "  ")
	}
	return json.Marshal(res)
}

// SummaryMode selects the serialization filter requested via _summary.
type SummaryMode string

const (
	SummaryNone  SummaryMode = ""
	SummaryTrue  SummaryMode = "true"
	SummaryText  SummaryMode = "text"
	SummaryData  SummaryMode = "data"
	SummaryCount SummaryMode = "count"
	SummaryFalse SummaryMode = "false"
)

// summaryTopLevel is the set of top-level fields retained by _summary=true.
var summaryTopLevel = map[string]bool{
	"resourceType": true, "id": true, "meta": true, "implicitRules": true,
	"identifier": true, "status": true, "code": true, "subject": true,
	"url": true, "version": true, "name": true, "type": true,
}

// ApplySummary returns a copy of the resource filtered per the summary mode.
// SummaryNone and SummaryFalse return the resource unchanged.
func ApplySummary(res Resource, mode SummaryMode) Resource {
	switch mode {
	case SummaryNone, SummaryFalse:
		return res
	case SummaryText:
		out := Resource{"resourceType": res["resourceType"]}
		for _, k := range []string{"id", "meta", "text"} {
			if v, ok := res[k]; ok {
				out[k] = deepCopyValue(v)
			}
		}
		tagSubsetted(out)
		return out
	case SummaryData:
		out := DeepCopy(res)
		delete(out, "text")
		tagSubsetted(out)
		return out
	case SummaryTrue:
		out := Resource{}
		for k, v := range res {
			if summaryTopLevel[k] {
				out[k] = deepCopyValue(v)
			}
		}
		tagSubsetted(out)
		return out
	default:
		return res
	}
}

// ApplyElements returns a copy containing only the requested top-level
// elements (plus the mandatory resourceType/id/meta).
func ApplyElements(res Resource, elements []string) Resource {
	if len(elements) == 0 {
		return res
	}
	keep := map[string]bool{"resourceType": true, "id": true, "meta": true}
	for _, e := range elements {
		keep[strings.TrimSpace(e)] = true
	}
	out := Resource{}
	for k, v := range res {
		if keep[k] {
			out[k] = deepCopyValue(v)
		}
	}
	tagSubsetted(out)
	return out
}

func tagSubsetted(res Resource) {
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		res["meta"] = meta
	}
	tags, _ := meta["tag"].([]interface{})
	tags = append(tags, map[string]interface{}{
		"system": "http://terminology.hl7.org/CodeSystem/v3-ObservationValue",
		"code":   "SUBSETTED",
	})
	meta["tag"] = tags
}

// Package topic compiles SubscriptionTopic resources into the executable
// trigger form evaluated on every resource mutation. Topics arrive natively
// in R4B/R5 and wrapped in a tagged Basic resource on R4 tenants.
package topic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/lantern/internal/platform/fhir"
	"github.com/ehr/lantern/internal/platform/search"
)

// Interaction codes a trigger can enable.
const (
	InteractionCreate = "create"
	InteractionUpdate = "update"
	InteractionDelete = "delete"
)

// The Basic wrapper tag and payload extension used to carry topics on R4
// tenants, where SubscriptionTopic is not a native resource type.
const (
	BasicTopicTagSystem = "http://hl7.org/fhir/fhir-types"
	BasicTopicTagCode   = "SubscriptionTopic"
	BasicTopicExtension = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic"
)

// QueryTrigger is one compiled query-shape trigger. Previous and Current are
// pre-parsed parameter conjunctions; the auto flags substitute for the test
// whose node does not exist on create/delete.
type QueryTrigger struct {
	Previous        []*search.Parameter
	Current         []*search.Parameter
	ResultForCreate bool // previous-test verdict when there is no previous
	ResultForDelete bool // current-test verdict when there is no current
	RequireBoth     bool
}

// ResourceTrigger is the compiled trigger set for one resource type.
type ResourceTrigger struct {
	OnCreate bool
	OnUpdate bool
	OnDelete bool
	// Criteria is the compiled FHIRPath gate, or nil.
	Criteria *fhir.Expression
	// QueryTriggers are the compiled query-shape gates.
	QueryTriggers []*QueryTrigger
}

// InteractionOnly reports whether the trigger has no predicate beyond its
// interaction flags.
func (t *ResourceTrigger) InteractionOnly() bool {
	return t.Criteria == nil && len(t.QueryTriggers) == 0
}

// Enables reports whether the trigger covers the interaction code.
func (t *ResourceTrigger) Enables(interaction string) bool {
	switch interaction {
	case InteractionCreate:
		return t.OnCreate
	case InteractionUpdate:
		return t.OnUpdate
	case InteractionDelete:
		return t.OnDelete
	}
	return false
}

// NotificationShape lists the include directives that extend a
// notification's focus with related resources.
type NotificationShape struct {
	Includes    []string
	RevIncludes []string
}

// Topic is the compiled, executable form of one subscription topic.
type Topic struct {
	ID     string
	URL    string
	Title  string
	Status string
	// Triggers maps resource type → compiled triggers. A topic whose types
	// are all unknown to the tenant stays registered but never executes.
	Triggers map[string][]*ResourceTrigger
	// Shapes maps resource type → notification shape.
	Shapes map[string]NotificationShape
}

// ResourceTypes returns the resource types the topic triggers on.
func (t *Topic) ResourceTypes() []string {
	out := make([]string, 0, len(t.Triggers))
	for rt := range t.Triggers {
		out = append(out, rt)
	}
	return out
}

// defsFor supplies the search parameter definitions of a resource type so
// query triggers compile against the tenant's current definitions.
type defsFor func(resourceType string) map[string]*search.ParamDef

// Parse compiles a SubscriptionTopic resource (or a tagged Basic wrapper)
// into its executable form.
func Parse(res fhir.Resource, defs defsFor) (*Topic, error) {
	if fhir.ResourceType(res) == "Basic" {
		unwrapped, err := unwrapBasic(res)
		if err != nil {
			return nil, err
		}
		res = unwrapped
	}
	if fhir.ResourceType(res) != "SubscriptionTopic" {
		return nil, fmt.Errorf("not a subscription topic: %s", fhir.ResourceType(res))
	}
	url := fhir.CanonicalURL(res)
	if url == "" {
		return nil, fmt.Errorf("subscription topic requires a canonical url")
	}
	t := &Topic{
		ID:       fhir.ResourceID(res),
		URL:      url,
		Triggers: map[string][]*ResourceTrigger{},
		Shapes:   map[string]NotificationShape{},
	}
	t.Title, _ = res["title"].(string)
	t.Status, _ = res["status"].(string)

	triggers, _ := res["resourceTrigger"].([]interface{})
	if len(triggers) == 0 {
		return nil, fmt.Errorf("subscription topic %s has no resource triggers", url)
	}
	for _, raw := range triggers {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		resourceType := triggerResourceType(m)
		if resourceType == "" {
			return nil, fmt.Errorf("subscription topic %s: trigger missing resource", url)
		}
		trigger, err := parseTrigger(m, resourceType, defs)
		if err != nil {
			return nil, fmt.Errorf("subscription topic %s: %w", url, err)
		}
		t.Triggers[resourceType] = append(t.Triggers[resourceType], trigger)
	}

	shapes, _ := res["notificationShape"].([]interface{})
	for _, raw := range shapes {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		resourceType, _ := m["resource"].(string)
		if resourceType == "" {
			continue
		}
		shape := NotificationShape{}
		for _, inc := range stringList(m["include"]) {
			shape.Includes = append(shape.Includes, inc)
		}
		for _, inc := range stringList(m["revInclude"]) {
			shape.RevIncludes = append(shape.RevIncludes, inc)
		}
		t.Shapes[resourceType] = shape
	}
	return t, nil
}

// IsBasicWrapper reports whether a Basic resource carries the topic tag.
func IsBasicWrapper(res fhir.Resource) bool {
	code, _ := res["code"].(map[string]interface{})
	codings, _ := code["coding"].([]interface{})
	for _, c := range codings {
		m, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := m["system"].(string)
		cc, _ := m["code"].(string)
		if cc == BasicTopicTagCode && (system == "" || system == BasicTopicTagSystem) {
			return true
		}
	}
	return false
}

// unwrapBasic extracts the JSON-encoded topic payload from the wrapper's
// extension.
func unwrapBasic(res fhir.Resource) (fhir.Resource, error) {
	if !IsBasicWrapper(res) {
		return nil, fmt.Errorf("basic resource does not carry the subscription topic tag")
	}
	exts, _ := res["extension"].([]interface{})
	for _, raw := range exts {
		ext, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if u, _ := ext["url"].(string); u != BasicTopicExtension {
			continue
		}
		payload, _ := ext["valueString"].(string)
		if payload == "" {
			return nil, fmt.Errorf("topic wrapper extension has no payload")
		}
		inner, err := fhir.ParseJSON([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("topic wrapper payload: %w", err)
		}
		if fhir.ResourceID(inner) == "" && fhir.ResourceID(res) != "" {
			fhir.SetResourceID(inner, fhir.ResourceID(res))
		}
		return inner, nil
	}
	return nil, fmt.Errorf("topic wrapper missing the %s extension", BasicTopicExtension)
}

// WrapBasic builds the R4 wrapper form of a topic resource, used by the
// tests.
func WrapBasic(topicRes fhir.Resource) (fhir.Resource, error) {
	payload, err := json.Marshal(topicRes)
	if err != nil {
		return nil, err
	}
	wrapper := fhir.Resource{
		"resourceType": "Basic",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": BasicTopicTagSystem, "code": BasicTopicTagCode},
			},
		},
		"extension": []interface{}{
			map[string]interface{}{"url": BasicTopicExtension, "valueString": string(payload)},
		},
	}
	if id := fhir.ResourceID(topicRes); id != "" {
		fhir.SetResourceID(wrapper, id)
	}
	return wrapper, nil
}

func triggerResourceType(m map[string]interface{}) string {
	rt, _ := m["resource"].(string)
	// R5 carries the full canonical ("http://hl7.org/fhir/StructureDefinition/Encounter").
	if i := strings.LastIndexByte(rt, '/'); i >= 0 {
		rt = rt[i+1:]
	}
	return rt
}

func parseTrigger(m map[string]interface{}, resourceType string, defs defsFor) (*ResourceTrigger, error) {
	trigger := &ResourceTrigger{}
	interactions := stringList(m["supportedInteraction"])
	if len(interactions) == 0 {
		// No declared interactions means the trigger applies to all.
		trigger.OnCreate, trigger.OnUpdate, trigger.OnDelete = true, true, true
	}
	for _, code := range interactions {
		switch code {
		case InteractionCreate:
			trigger.OnCreate = true
		case InteractionUpdate:
			trigger.OnUpdate = true
		case InteractionDelete:
			trigger.OnDelete = true
		default:
			return nil, fmt.Errorf("unknown interaction %q", code)
		}
	}

	if criteria, _ := m["fhirPathCriteria"].(string); criteria != "" {
		expr, err := fhir.Compile(criteria)
		if err != nil {
			return nil, fmt.Errorf("fhirPathCriteria: %w", err)
		}
		trigger.Criteria = expr
	}

	if qc, ok := m["queryCriteria"].(map[string]interface{}); ok {
		qt := &QueryTrigger{}
		var paramDefs map[string]*search.ParamDef
		if defs != nil {
			paramDefs = defs(resourceType)
		}
		if prev, _ := qc["previous"].(string); prev != "" {
			qt.Previous = search.ParseQuery(prev, paramDefs).Predicates()
		}
		if cur, _ := qc["current"].(string); cur != "" {
			qt.Current = search.ParseQuery(cur, paramDefs).Predicates()
		}
		qt.ResultForCreate = boolField(qc, "resultForCreate", "test-passes")
		qt.ResultForDelete = boolField(qc, "resultForDelete", "test-passes")
		qt.RequireBoth, _ = qc["requireBoth"].(bool)
		if len(qt.Previous) > 0 || len(qt.Current) > 0 {
			trigger.QueryTriggers = append(trigger.QueryTriggers, qt)
		}
	}
	return trigger, nil
}

// boolField reads either the R5 code form ("test-passes"/"test-fails") or a
// plain boolean.
func boolField(m map[string]interface{}, key, passCode string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == passCode
	}
	return false
}

func stringList(v interface{}) []string {
	arr, _ := v.([]interface{})
	var out []string
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

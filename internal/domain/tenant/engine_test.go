package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/lantern/internal/platform/fhir"
	"github.com/ehr/lantern/internal/platform/notification"
)

// captureDispatcher records every send for assertions.
type captureDispatcher struct {
	mu    sync.Mutex
	sends []capturedSend
	ch    chan capturedSend
}

type capturedSend struct {
	channel notification.Channel
	bundle  fhir.Resource
}

func newCaptureDispatcher() *captureDispatcher {
	return &captureDispatcher{ch: make(chan capturedSend, 32)}
}

func (d *captureDispatcher) Send(_ context.Context, ch notification.Channel, body []byte) (int, error) {
	var bundle fhir.Resource
	_ = json.Unmarshal(body, &bundle)
	s := capturedSend{channel: ch, bundle: bundle}
	d.mu.Lock()
	d.sends = append(d.sends, s)
	d.mu.Unlock()
	d.ch <- s
	return 200, nil
}

func (d *captureDispatcher) wait(t *testing.T) capturedSend {
	t.Helper()
	select {
	case s := <-d.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch observed")
		return capturedSend{}
	}
}

func (d *captureDispatcher) expectNone(t *testing.T) {
	t.Helper()
	select {
	case <-d.ch:
		t.Fatal("unexpected dispatch")
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestEngine(t *testing.T, maxResources int) (*Engine, *captureDispatcher) {
	t.Helper()
	dispatcher := newCaptureDispatcher()
	engine := NewEngine(Config{
		Name:         "t",
		BaseURL:      "http://example.org/t",
		Version:      R4B,
		MaxResources: maxResources,
	}, zerolog.Nop(), dispatcher)
	return engine, dispatcher
}

func mustCreate(t *testing.T, e *Engine, res fhir.Resource) fhir.Resource {
	t.Helper()
	result := e.Create(fhir.ResourceType(res), res, true, "")
	if result.Status != http.StatusCreated {
		t.Fatalf("create %s: %d %s", fhir.ResourceType(res), result.Status, fhir.OutcomeDiagnostics(result.Outcome))
	}
	return result.Resource
}

func encounterTopicResource() fhir.Resource {
	return fhir.Resource{
		"resourceType": "SubscriptionTopic",
		"id":           "enc-topic",
		"url":          "http://example.org/topics/encounter",
		"status":       "active",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":             "Encounter",
				"supportedInteraction": []interface{}{"create"},
			},
		},
		"notificationShape": []interface{}{
			map[string]interface{}{
				"resource": "Encounter",
				"include":  []interface{}{"Encounter:subject"},
			},
		},
	}
}

func restHookSubscription(id string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "Subscription",
		"id":           id,
		"status":       "requested",
		"topic":        "http://example.org/topics/encounter",
		"channelType":  map[string]interface{}{"code": "rest-hook"},
		"endpoint":     "http://example.org/x",
		"contentType":  "application/fhir+json",
		"content":      "full-resource",
	}
}

// Scenario: create a topic triggering on Encounter create, a rest-hook
// subscription, then an Encounter. The dispatcher receives the handshake and
// exactly one event notification with eventNumber 1.
func TestTopicSubscriptionEncounterFlow(t *testing.T) {
	engine, dispatcher := newTestEngine(t, 0)
	mustCreate(t, engine, encounterTopicResource())
	mustCreate(t, engine, restHookSubscription("sub1"))

	handshake := dispatcher.wait(t)
	if typ := notificationType(t, handshake.bundle); typ != "handshake" {
		t.Fatalf("first dispatch type = %q, want handshake", typ)
	}
	sub := engine.Registry().Subscription("sub1")
	if sub == nil || sub.Status() != "active" {
		t.Fatal("subscription did not activate after handshake")
	}

	mustCreate(t, engine, fhir.Resource{"resourceType": "Encounter", "id": "e1", "status": "planned"})
	event := dispatcher.wait(t)
	if typ := notificationType(t, event.bundle); typ != "event-notification" {
		t.Fatalf("dispatch type = %q", typ)
	}
	if num := firstEventNumber(t, event.bundle); num != "1" {
		t.Errorf("eventNumber = %q, want 1", num)
	}
	if event.channel.Endpoint != "http://example.org/x" {
		t.Errorf("endpoint = %q", event.channel.Endpoint)
	}
	dispatcher.expectNone(t)
}

// Scenario: delete the only subscription of a topic, then mutate a matching
// resource — no dispatcher call.
func TestDeletedSubscriptionStopsNotifications(t *testing.T) {
	engine, dispatcher := newTestEngine(t, 0)
	mustCreate(t, engine, encounterTopicResource())
	mustCreate(t, engine, restHookSubscription("sub1"))
	dispatcher.wait(t) // handshake

	if result := engine.Delete("Subscription", "sub1"); result.Status != http.StatusNoContent {
		t.Fatalf("delete subscription: %d", result.Status)
	}
	mustCreate(t, engine, fhir.Resource{"resourceType": "Encounter", "id": "e1", "status": "planned"})
	dispatcher.expectNone(t)
}

// Scenario: notification shape includes Encounter:subject; the event carries
// the referenced Patient as additional context.
func TestNotificationShapeIncludesContext(t *testing.T) {
	engine, dispatcher := newTestEngine(t, 0)
	mustCreate(t, engine, fhir.Resource{"resourceType": "Patient", "id": "p1"})
	mustCreate(t, engine, encounterTopicResource())
	mustCreate(t, engine, restHookSubscription("sub1"))
	dispatcher.wait(t) // handshake

	mustCreate(t, engine, fhir.Resource{
		"resourceType": "Encounter",
		"id":           "e1",
		"status":       "planned",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	})
	event := dispatcher.wait(t)
	entries := fhir.BundleEntries(event.bundle)
	// SubscriptionStatus + focus + included patient.
	if len(entries) != 3 {
		t.Fatalf("bundle entries = %d, want 3", len(entries))
	}
	var sawPatient bool
	for _, raw := range entries[1:] {
		res, _ := raw.(map[string]interface{})["resource"].(map[string]interface{})
		if res != nil && res["resourceType"] == "Patient" && res["id"] == "p1" {
			sawPatient = true
		}
	}
	if !sawPatient {
		t.Error("included patient missing from notification")
	}
}

// Scenario: capacity cap 2; creating a, b, c evicts the oldest.
func TestCapacityEviction(t *testing.T) {
	engine, _ := newTestEngine(t, 2)
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, engine, fhir.Resource{"resourceType": "Patient", "id": id})
	}
	engine.CheckUsage()

	if result := engine.Read("Patient", "a"); result.Status != http.StatusNotFound {
		t.Errorf("evicted resource still readable: %d", result.Status)
	}
	for _, id := range []string{"b", "c"} {
		if result := engine.Read("Patient", id); result.Status != http.StatusOK {
			t.Errorf("surviving resource %s: %d", id, result.Status)
		}
	}
	if n := engine.Store("Patient").Count(); n != 2 {
		t.Errorf("store count = %d, want 2", n)
	}
}

func TestCapacityEvictionSkipsProtected(t *testing.T) {
	engine, _ := newTestEngine(t, 2)
	mustCreate(t, engine, fhir.Resource{"resourceType": "Patient", "id": "keep"})
	engine.Protect("Patient/keep")
	mustCreate(t, engine, fhir.Resource{"resourceType": "Patient", "id": "b"})
	mustCreate(t, engine, fhir.Resource{"resourceType": "Patient", "id": "c"})
	engine.CheckUsage()

	if result := engine.Read("Patient", "keep"); result.Status != http.StatusOK {
		t.Error("protected resource was evicted")
	}
	if result := engine.Read("Patient", "b"); result.Status != http.StatusNotFound {
		t.Error("oldest unprotected resource survived")
	}
}

// Scenario: search with _revinclude returns the match plus the referencing
// resource flagged mode=include.
func TestRevIncludeSearch(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	mustCreate(t, engine, fhir.Resource{"resourceType": "Patient", "id": "p1"})
	mustCreate(t, engine, fhir.Resource{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	})

	bundle, result := engine.TypeSearch("Patient", "_id=p1&_revinclude=Observation:subject")
	if result.Status != http.StatusOK {
		t.Fatalf("search: %d", result.Status)
	}
	entries := fhir.BundleEntries(bundle)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	modes := map[string]string{}
	for _, raw := range entries {
		entry := raw.(map[string]interface{})
		res := entry["resource"].(map[string]interface{})
		mode := entry["search"].(map[string]interface{})["mode"].(string)
		modes[res["id"].(string)] = mode
	}
	if modes["p1"] != "match" || modes["o1"] != "include" {
		t.Errorf("modes = %v", modes)
	}
	if total, _ := bundle["total"].(float64); total != 1 {
		t.Errorf("total = %v, want 1 (matches only)", bundle["total"])
	}
}

func TestIncludeSearch(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	mustCreate(t, engine, fhir.Resource{"resourceType": "Patient", "id": "p1"})
	mustCreate(t, engine, fhir.Resource{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	})
	bundle, result := engine.TypeSearch("Observation", "_include=Observation:subject")
	if result.Status != http.StatusOK {
		t.Fatalf("search: %d", result.Status)
	}
	if entries := fhir.BundleEntries(bundle); len(entries) != 2 {
		t.Errorf("entries = %d, want 2", len(entries))
	}
}

func TestIncludeIterate(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	mustCreate(t, engine, fhir.Resource{"resourceType": "Organization", "id": "org1"})
	mustCreate(t, engine, fhir.Resource{
		"resourceType":         "Patient",
		"id":                   "p1",
		"managingOrganization": map[string]interface{}{"reference": "Organization/org1"},
	})
	mustCreate(t, engine, fhir.Resource{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	})
	bundle, _ := engine.TypeSearch("Observation",
		"_include=Observation:subject&_include:iterate=Patient:organization")
	if entries := fhir.BundleEntries(bundle); len(entries) != 3 {
		t.Errorf("entries = %d, want 3 (match + patient + organization)", len(entries))
	}
}

// A topic naming a resource type the tenant does not serve registers but
// never fires.
func TestTopicForUnknownTypeIsInert(t *testing.T) {
	engine, dispatcher := newTestEngine(t, 0)
	topicRes := encounterTopicResource()
	topicRes["resourceTrigger"].([]interface{})[0].(map[string]interface{})["resource"] = "InventoryItem"
	mustCreate(t, engine, topicRes)
	mustCreate(t, engine, restHookSubscription("sub1"))
	dispatcher.wait(t) // handshake

	mustCreate(t, engine, fhir.Resource{"resourceType": "Encounter", "id": "e1", "status": "planned"})
	dispatcher.expectNone(t)

	if engine.Registry().Topic("http://example.org/topics/encounter") == nil {
		t.Error("inert topic was not registered")
	}
}

func TestSearchParameterRegistration(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	capBefore := engine.Capability()
	mustCreate(t, engine, fhir.Resource{
		"resourceType": "SearchParameter",
		"id":           "sp1",
		"url":          "http://example.org/sp/maiden",
		"code":         "maiden-name",
		"base":         []interface{}{"Patient"},
		"type":         "string",
		"expression":   "Patient.name.where(use = 'maiden').family",
		"status":       "active",
	})
	mustCreate(t, engine, fhir.Resource{
		"resourceType": "Patient",
		"id":           "p1",
		"name": []interface{}{
			map[string]interface{}{"use": "maiden", "family": "Original"},
		},
	})

	bundle, _ := engine.TypeSearch("Patient", "maiden-name=orig")
	if entries := fhir.BundleEntries(bundle); len(entries) != 1 {
		t.Errorf("custom parameter search entries = %d, want 1", len(entries))
	}

	capAfter := engine.Capability()
	if countAdvertisedParams(capBefore, "Patient") >= countAdvertisedParams(capAfter, "Patient") {
		t.Error("capability statement was not refreshed with the new parameter")
	}
}

func countAdvertisedParams(capability fhir.Resource, resourceType string) int {
	rest := capability["rest"].([]interface{})[0].(map[string]interface{})
	for _, raw := range rest["resource"].([]interface{}) {
		res := raw.(map[string]interface{})
		if res["type"] == resourceType {
			params, _ := res["searchParam"].([]interface{})
			return len(params)
		}
	}
	return 0
}

func TestValueSetBackedTokenSearch(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	mustCreate(t, engine, fhir.Resource{
		"resourceType": "ValueSet",
		"id":           "labs",
		"url":          "http://example.org/vs/labs",
		"status":       "active",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{
					"system": "http://loinc.org",
					"concept": []interface{}{
						map[string]interface{}{"code": "1234-5"},
					},
				},
			},
		},
	})
	mustCreate(t, engine, fhir.Resource{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "1234-5"},
			},
		},
	})

	bundle, _ := engine.TypeSearch("Observation", "code:in=http://example.org/vs/labs")
	if entries := fhir.BundleEntries(bundle); len(entries) != 1 {
		t.Errorf("value-set search entries = %d, want 1", len(entries))
	}
}

func TestTransactionRollback(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	mustCreate(t, engine, fhir.Resource{"resourceType": "Patient", "id": "existing"})

	tx := fhir.Resource{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{"resourceType": "Patient", "id": "new1"},
				"request":  map[string]interface{}{"method": "POST", "url": "Patient"},
			},
			map[string]interface{}{
				// Delete of a missing id fails the transaction.
				"request": map[string]interface{}{"method": "DELETE", "url": "Patient/ghost"},
			},
		},
	}
	_, result := engine.ProcessBundle(tx)
	if result.Status < 400 {
		t.Fatalf("transaction unexpectedly succeeded: %d", result.Status)
	}
	if read := engine.Read("Patient", "new1"); read.Status != http.StatusNotFound {
		t.Error("rolled-back create is still visible")
	}
	if read := engine.Read("Patient", "existing"); read.Status != http.StatusOK {
		t.Error("pre-existing resource lost in rollback")
	}
}

func TestBatchIndependence(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	batch := fhir.Resource{
		"resourceType": "Bundle",
		"type":         "batch",
		"entry": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{"resourceType": "Patient", "id": "ok"},
				"request":  map[string]interface{}{"method": "POST", "url": "Patient"},
			},
			map[string]interface{}{
				"request": map[string]interface{}{"method": "DELETE", "url": "Patient/ghost"},
			},
		},
	}
	response, result := engine.ProcessBundle(batch)
	if result.Status != http.StatusOK {
		t.Fatalf("batch: %d", result.Status)
	}
	entries := fhir.BundleEntries(response)
	if len(entries) != 2 {
		t.Fatalf("response entries = %d", len(entries))
	}
	if read := engine.Read("Patient", "ok"); read.Status != http.StatusOK {
		t.Error("successful batch entry not applied")
	}
}

func TestReceivedNotificationPruning(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	current := base
	engine.SetClock(func() time.Time { return current })

	engine.RecordReceived("Subscription/s1")
	current = base.Add(5 * time.Minute)
	engine.RecordReceived("Subscription/s1")
	if n := engine.ReceivedCount("Subscription/s1"); n != 2 {
		t.Fatalf("received count = %d", n)
	}

	// Advance past the window for the first tick only.
	current = base.Add(11 * time.Minute)
	engine.CheckUsage()
	if n := engine.ReceivedCount("Subscription/s1"); n != 1 {
		t.Errorf("received count after prune = %d, want 1", n)
	}

	// All ticks aged out: the reference itself is dropped.
	current = base.Add(time.Hour)
	engine.CheckUsage()
	if n := engine.ReceivedCount("Subscription/s1"); n != 0 {
		t.Errorf("received count after full prune = %d, want 0", n)
	}
}

func notificationType(t *testing.T, bundle fhir.Resource) string {
	t.Helper()
	entries := fhir.BundleEntries(bundle)
	if len(entries) == 0 {
		t.Fatal("empty notification bundle")
	}
	status, _ := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if status == nil {
		t.Fatal("no status entry")
	}
	typ, _ := status["type"].(string)
	return typ
}

func firstEventNumber(t *testing.T, bundle fhir.Resource) string {
	t.Helper()
	entries := fhir.BundleEntries(bundle)
	status := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	events, _ := status["notificationEvent"].([]interface{})
	if len(events) == 0 {
		t.Fatal("no notification events")
	}
	num, _ := events[0].(map[string]interface{})["eventNumber"].(string)
	return num
}

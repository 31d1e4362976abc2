package subscription

import (
	"fmt"
	"testing"
	"time"

	"github.com/ehr/lantern/internal/platform/fhir"
	"github.com/ehr/lantern/internal/platform/search"
)

func defsFor(resourceType string) map[string]*search.ParamDef {
	return search.BuiltinParams(resourceType)
}

func r4Subscription() fhir.Resource {
	return fhir.Resource{
		"resourceType": "Subscription",
		"id":           "sub1",
		"status":       "requested",
		"criteria":     "http://example.org/topics/encounter-start",
		"channel": map[string]interface{}{
			"type":     "rest-hook",
			"endpoint": "http://example.org/hook",
			"payload":  "application/fhir+json",
			"header":   []interface{}{"Authorization: Bearer secret", "X-Extra: 1"},
			"extension": []interface{}{
				map[string]interface{}{
					"url":              "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-heartbeat-period",
					"valueUnsignedInt": float64(30),
				},
				map[string]interface{}{
					"url":         "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-filter-criteria",
					"valueString": "Encounter?status=in-progress",
				},
			},
		},
	}
}

func r5Subscription() fhir.Resource {
	return fhir.Resource{
		"resourceType": "Subscription",
		"id":           "sub2",
		"status":       "requested",
		"topic":        "http://example.org/topics/encounter-start",
		"channelType":  map[string]interface{}{"code": "rest-hook"},
		"endpoint":     "http://example.org/hook2",
		"contentType":  "application/fhir+json",
		"content":      "id-only",
		"heartbeatPeriod": float64(60),
		"parameter": []interface{}{
			map[string]interface{}{"name": "Authorization", "value": "Bearer r5"},
		},
		"filterBy": []interface{}{
			map[string]interface{}{
				"resourceType":    "Encounter",
				"filterParameter": "status",
				"value":           "in-progress",
			},
		},
	}
}

func TestParseR4Subscription(t *testing.T) {
	sub, err := Parse(r4Subscription(), defsFor)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sub.TopicURL != "http://example.org/topics/encounter-start" {
		t.Errorf("topic = %q", sub.TopicURL)
	}
	if sub.ChannelType != ChannelRestHook || sub.Endpoint != "http://example.org/hook" {
		t.Errorf("channel: %s %s", sub.ChannelType, sub.Endpoint)
	}
	if sub.HeartbeatSeconds != 30 {
		t.Errorf("heartbeat = %d", sub.HeartbeatSeconds)
	}
	if got := sub.Headers["Authorization"]; len(got) != 1 || got[0] != "Bearer secret" {
		t.Errorf("headers: %v", sub.Headers)
	}
	if len(sub.Filters["Encounter"]) != 1 {
		t.Errorf("filters: %v", sub.Filters)
	}
	if sub.Status() != StatusRequested {
		t.Errorf("status = %q", sub.Status())
	}
}

func TestParseR5Subscription(t *testing.T) {
	sub, err := Parse(r5Subscription(), defsFor)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sub.ChannelType != ChannelRestHook || sub.Endpoint != "http://example.org/hook2" {
		t.Errorf("channel: %s %s", sub.ChannelType, sub.Endpoint)
	}
	if sub.Content != "id-only" || sub.HeartbeatSeconds != 60 {
		t.Errorf("content=%q heartbeat=%d", sub.Content, sub.HeartbeatSeconds)
	}
	if len(sub.Filters["Encounter"]) != 1 {
		t.Errorf("filters: %v", sub.Filters)
	}
}

func TestParseChatWebhookChannel(t *testing.T) {
	res := r5Subscription()
	res["channelType"] = map[string]interface{}{"code": "chat-webhook"}
	res["endpoint"] = "https://chat.example.org"
	sub, err := Parse(res, defsFor)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sub.ChannelType != ChannelChatWebhook {
		t.Errorf("channel type = %q, want %q", sub.ChannelType, ChannelChatWebhook)
	}

	// The deprecated "zulip" wire name normalizes to the canonical code.
	legacy := r4Subscription()
	legacy["channel"].(map[string]interface{})["type"] = "zulip"
	sub, err = Parse(legacy, defsFor)
	if err != nil {
		t.Fatalf("Parse legacy: %v", err)
	}
	if sub.ChannelType != ChannelChatWebhook {
		t.Errorf("legacy channel type = %q, want %q", sub.ChannelType, ChannelChatWebhook)
	}
}

func TestParseSubscriptionErrors(t *testing.T) {
	noTopic := r5Subscription()
	delete(noTopic, "topic")
	if _, err := Parse(noTopic, defsFor); err == nil {
		t.Error("expected missing topic to error")
	}

	noEndpoint := r5Subscription()
	delete(noEndpoint, "endpoint")
	if _, err := Parse(noEndpoint, defsFor); err == nil {
		t.Error("expected rest-hook without endpoint to error")
	}

	if _, err := Parse(fhir.Resource{"resourceType": "Patient"}, defsFor); err == nil {
		t.Error("expected non-subscription to error")
	}
}

func TestEventNumbering(t *testing.T) {
	sub := &Subscription{ID: "s"}
	for want := int64(1); want <= 5; want++ {
		if got := sub.NextEventNumber(); got != want {
			t.Fatalf("event number = %d, want %d", got, want)
		}
	}
	if sub.EventCount() != 5 {
		t.Errorf("event count = %d", sub.EventCount())
	}
}

func TestErrorListBounded(t *testing.T) {
	sub := &Subscription{ID: "s"}
	for i := 0; i < 25; i++ {
		sub.RecordError(fmt.Sprintf("failure %d", i))
	}
	errs := sub.Errors()
	if len(errs) != 10 {
		t.Fatalf("error list length = %d, want 10", len(errs))
	}
	if errs[len(errs)-1] != "failure 24" {
		t.Errorf("newest error = %q", errs[len(errs)-1])
	}
	if errs[0] != "failure 15" {
		t.Errorf("oldest retained error = %q", errs[0])
	}
}

func TestTouchResetsFailures(t *testing.T) {
	sub := &Subscription{ID: "s"}
	sub.RecordError("one")
	sub.RecordError("two")
	sub.Touch(time.Now())
	if n := sub.RecordError("three"); n != 1 {
		t.Errorf("consecutive failures after touch = %d, want 1", n)
	}
}

func TestBuildNotificationBundleShapes(t *testing.T) {
	focus := fhir.Resource{"resourceType": "Encounter", "id": "e1", "status": "in-progress"}
	base := "http://example.org/t"

	for _, tt := range []struct {
		content     string
		wantEntries int
		wantBody    bool
	}{
		{"full-resource", 2, true},
		{"id-only", 2, false},
		{"empty", 1, false},
	} {
		sub := &Subscription{ID: "s1", TopicURL: "http://example.org/topics/x", Content: tt.content, status: StatusActive}
		ev := &Event{SubscriptionID: "s1", EventNumber: sub.NextEventNumber(), Focus: focus}
		bundle := BuildNotificationBundle(sub, NotificationEvent, []*Event{ev}, base)

		entries := fhir.BundleEntries(bundle)
		if len(entries) != tt.wantEntries {
			t.Errorf("content=%s: %d entries, want %d", tt.content, len(entries), tt.wantEntries)
			continue
		}
		statusEntry := entries[0].(map[string]interface{})
		statusRes := statusEntry["resource"].(map[string]interface{})
		if statusRes["resourceType"] != "SubscriptionStatus" {
			t.Errorf("first entry is %v", statusRes["resourceType"])
		}
		events := statusRes["notificationEvent"].([]interface{})
		if events[0].(map[string]interface{})["eventNumber"] != "1" {
			t.Errorf("eventNumber = %v", events[0])
		}
		if tt.wantEntries > 1 {
			focusEntry := entries[1].(map[string]interface{})
			_, hasBody := focusEntry["resource"]
			if hasBody != tt.wantBody {
				t.Errorf("content=%s: body present=%v, want %v", tt.content, hasBody, tt.wantBody)
			}
		}
	}
}

func TestHeartbeatBundleHasNoEvents(t *testing.T) {
	sub := &Subscription{ID: "s1", status: StatusActive}
	bundle := BuildNotificationBundle(sub, NotificationHeartbeat, nil, "http://example.org/t")
	entries := fhir.BundleEntries(bundle)
	if len(entries) != 1 {
		t.Fatalf("heartbeat entries = %d, want 1", len(entries))
	}
	statusRes := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if _, ok := statusRes["notificationEvent"]; ok {
		t.Error("heartbeat carries notification events")
	}
	if statusRes["type"] != NotificationHeartbeat {
		t.Errorf("type = %v", statusRes["type"])
	}
}

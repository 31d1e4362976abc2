package subscription

import (
	"strconv"
	"time"

	"github.com/ehr/lantern/internal/platform/fhir"
)

// Notification types carried in the SubscriptionStatus entry.
const (
	NotificationEvent     = "event-notification"
	NotificationHeartbeat = "heartbeat"
	NotificationHandshake = "handshake"
)

// Event is one matched mutation for one subscription.
type Event struct {
	SubscriptionID    string
	TopicURL          string
	EventNumber       int64
	Focus             fhir.Resource
	AdditionalContext []fhir.Resource
	Timestamp         time.Time
}

// BuildNotificationBundle assembles the subscription-notification bundle for
// a batch of events (empty for heartbeats and handshakes). The first entry is
// the SubscriptionStatus; focus and context entries follow, shaped by the
// subscription's content mode.
func BuildNotificationBundle(sub *Subscription, notificationType string, events []*Event, baseURL string) fhir.Resource {
	status := fhir.Resource{
		"resourceType":                 "SubscriptionStatus",
		"status":                       sub.Status(),
		"type":                         notificationType,
		"eventsSinceSubscriptionStart": strconv.FormatInt(sub.EventCount(), 10),
		"subscription": map[string]interface{}{
			"reference": baseURL + "/Subscription/" + sub.ID,
		},
	}
	if sub.TopicURL != "" {
		status["topic"] = sub.TopicURL
	}
	var notificationEvents []interface{}
	for _, ev := range events {
		entry := map[string]interface{}{
			"eventNumber": strconv.FormatInt(ev.EventNumber, 10),
		}
		if ev.Focus != nil {
			entry["focus"] = map[string]interface{}{
				"reference": fhir.QualifiedID(ev.Focus),
			}
		}
		notificationEvents = append(notificationEvents, entry)
	}
	if len(notificationEvents) > 0 {
		status["notificationEvent"] = notificationEvents
	}

	bundle := fhir.NewBundle("subscription-notification")
	fhir.AppendEntry(bundle, map[string]interface{}{
		"fullUrl":  baseURL + "/Subscription/" + sub.ID + "/$status",
		"resource": status,
	})

	for _, ev := range events {
		if ev.Focus == nil {
			continue
		}
		appendEventEntry(bundle, sub, baseURL, ev.Focus)
		for _, ctx := range ev.AdditionalContext {
			appendEventEntry(bundle, sub, baseURL, ctx)
		}
	}
	return bundle
}

// appendEventEntry appends a focus or context entry honoring the content
// mode: empty omits entries entirely, id-only carries fullUrl references,
// full-resource embeds the resource.
func appendEventEntry(bundle fhir.Resource, sub *Subscription, baseURL string, res fhir.Resource) {
	switch sub.Content {
	case "empty":
		return
	case "id-only":
		fhir.AppendEntry(bundle, map[string]interface{}{
			"fullUrl": baseURL + "/" + fhir.QualifiedID(res),
		})
	default: // full-resource
		fhir.AppendEntry(bundle, map[string]interface{}{
			"fullUrl":  baseURL + "/" + fhir.QualifiedID(res),
			"resource": res,
		})
	}
}

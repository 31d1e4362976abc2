package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/lantern/internal/domain/topic"
	"github.com/ehr/lantern/internal/platform/fhir"
	"github.com/ehr/lantern/internal/platform/search"
)

// SendFunc delivers a serialized notification to a subscription's channel
// and returns the transport status code. The manager wires this to the
// dispatcher; tests substitute a recorder.
type SendFunc func(ctx context.Context, sub *Subscription, body []byte, contentType string) (int, error)

// ContextBuilder resolves a topic's notification shape (include and
// revinclude directives) against a focus resource.
type ContextBuilder func(shape topic.NotificationShape, focus fhir.Resource) []fhir.Resource

// defaultSendTimeout caps one delivery attempt.
const defaultSendTimeout = 30 * time.Second

// errorStatusThreshold is the consecutive-failure count that flips a
// subscription into error status.
const errorStatusThreshold = 3

// Evaluator fires the compiled trigger pipeline on every mutation and fans
// matched events out to the dispatcher. Evaluation errors are recorded
// against the owning subscriptions and never fail the mutation.
type Evaluator struct {
	Log      zerolog.Logger
	Registry *Registry
	Tester   *search.Tester
	// Resolver dispatches literal references into the tenant's stores for
	// FHIRPath resolve() and reference filters.
	Resolver fhir.ReferenceResolver
	// MemberOf backs FHIRPath memberOf() during trigger evaluation.
	MemberOf func(system, code, valueSetURL string) bool
	// BuildContext assembles a notification's additional context.
	BuildContext ContextBuilder
	// Send performs one delivery; nil disables delivery (tests).
	Send SendFunc
	// BaseURL is the tenant base used in notification references.
	BaseURL string

	// Now is the evaluator's clock, replaceable in tests.
	Now func() time.Time
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// OnChange evaluates one mutation against every topic registered for the
// resource type. Each subscription fires at most once per mutation even when
// several of its topics match.
func (e *Evaluator) OnChange(resourceType, interaction string, current, previous fhir.Resource) {
	if e.Registry == nil {
		return
	}
	focus := current
	if focus == nil {
		focus = previous
	}
	if focus == nil {
		return
	}

	notified := map[string]bool{}
	for _, t := range e.Registry.TopicsForType(resourceType) {
		matched := false
		for _, trigger := range t.Triggers[resourceType] {
			ok, err := e.triggerMatches(trigger, interaction, current, previous)
			if err != nil {
				e.recordTopicError(t, resourceType, err)
				continue
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		e.fanOut(t, resourceType, focus, notified)
	}
}

// triggerMatches runs the three gates in order: interaction, path
// expression, query shape.
func (e *Evaluator) triggerMatches(trigger *topic.ResourceTrigger, interaction string, current, previous fhir.Resource) (bool, error) {
	if !trigger.Enables(interaction) {
		return false, nil
	}
	if trigger.InteractionOnly() {
		return true, nil
	}

	if trigger.Criteria != nil {
		node := current
		if node == nil {
			node = previous
		}
		opts := &fhir.EvalOptions{
			Vars: map[string]interface{}{
				"current":  varValue(current),
				"previous": varValue(previous),
			},
			Resolver: e.Resolver,
			MemberOf: e.MemberOf,
		}
		coll, err := trigger.Criteria.Evaluate(node, opts)
		if err != nil {
			return false, fmt.Errorf("fhirpath criteria: %w", err)
		}
		// A non-empty result whose first element is boolean true matches.
		if len(coll) > 0 {
			if b, ok := coll[0].(bool); ok && b {
				return true, nil
			}
		}
	}

	for _, qt := range trigger.QueryTriggers {
		prevPass := qt.ResultForCreate
		if previous != nil {
			prevPass = e.Tester.Matches(previous, qt.Previous)
		}
		curPass := qt.ResultForDelete
		if current != nil {
			curPass = e.Tester.Matches(current, qt.Current)
		}
		if qt.RequireBoth {
			if prevPass && curPass {
				return true, nil
			}
		} else if prevPass || curPass {
			return true, nil
		}
	}
	return false, nil
}

func varValue(res fhir.Resource) interface{} {
	if res == nil {
		return nil
	}
	return interface{}(res)
}

// fanOut applies subscriber filters and pushes one event per newly matched
// subscription.
func (e *Evaluator) fanOut(t *topic.Topic, resourceType string, focus fhir.Resource, notified map[string]bool) {
	for _, sub := range e.Registry.SubscriptionsForTopic(t.URL) {
		if sub.Status() != StatusActive {
			continue
		}
		if notified[sub.ID] {
			continue
		}
		filters := sub.Filters[resourceType]
		if len(filters) > 0 && !e.Tester.Matches(focus, filters) {
			continue
		}
		notified[sub.ID] = true

		event := &Event{
			SubscriptionID: sub.ID,
			TopicURL:       t.URL,
			EventNumber:    sub.NextEventNumber(),
			Focus:          fhir.DeepCopy(focus),
			Timestamp:      e.now(),
		}
		if shape, ok := t.Shapes[resourceType]; ok && e.BuildContext != nil {
			event.AdditionalContext = e.BuildContext(shape, focus)
		}
		e.Deliver(sub, NotificationEvent, []*Event{event})
	}
}

// recordTopicError logs a trigger evaluation failure and surfaces it into
// the error list of every subscription bound to the topic.
func (e *Evaluator) recordTopicError(t *topic.Topic, resourceType string, err error) {
	e.Log.Error().Err(err).
		Str("topic", t.URL).
		Str("resourceType", resourceType).
		Msg("subscription trigger evaluation failed")
	for _, sub := range e.Registry.SubscriptionsForTopic(t.URL) {
		sub.RecordError(fmt.Sprintf("trigger evaluation: %v", err))
	}
}

// Deliver builds and ships a notification asynchronously. A request that
// caused the notification completes before delivery is guaranteed; failures
// are recorded against the subscription, never propagated.
func (e *Evaluator) Deliver(sub *Subscription, notificationType string, events []*Event) {
	bundle := BuildNotificationBundle(sub, notificationType, events, e.BaseURL)
	body, err := fhir.MarshalJSON(bundle, false)
	if err != nil {
		sub.RecordError("serialize notification: " + err.Error())
		return
	}
	if e.Send == nil {
		return
	}
	go e.send(sub, body)
}

func (e *Evaluator) send(sub *Subscription, body []byte) {
	timeout := defaultSendTimeout
	if sub.TimeoutSeconds > 0 {
		timeout = time.Duration(sub.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	status, err := e.Send(ctx, sub, body, sub.ContentType)
	if err == nil && deliverySuccess(status) {
		sub.Touch(e.now())
		return
	}
	msg := fmt.Sprintf("notification to %s failed: status %d", sub.Endpoint, status)
	if err != nil {
		msg = fmt.Sprintf("notification to %s failed: %v", sub.Endpoint, err)
	}
	failures := sub.RecordError(msg)
	e.Log.Warn().
		Str("subscription", sub.ID).
		Int("consecutiveFailures", failures).
		Msg(msg)
	if failures >= errorStatusThreshold {
		sub.SetStatus(StatusError)
	}
}

// Handshake sends the registration handshake synchronously and transitions
// the subscription off → requested → active, or requested → error on any
// failure. The synchronous send keeps the active transition ordered before
// the first heartbeat can observe the subscription.
func (e *Evaluator) Handshake(sub *Subscription) error {
	sub.SetStatus(StatusRequested)
	if e.Send == nil {
		sub.SetStatus(StatusActive)
		sub.Touch(e.now())
		return nil
	}
	bundle := BuildNotificationBundle(sub, NotificationHandshake, nil, e.BaseURL)
	body, err := fhir.MarshalJSON(bundle, false)
	if err != nil {
		sub.SetStatus(StatusError)
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	status, err := e.Send(ctx, sub, body, sub.ContentType)
	if err != nil || !deliverySuccess(status) {
		sub.SetStatus(StatusError)
		if err == nil {
			err = fmt.Errorf("handshake returned status %d", status)
		}
		sub.RecordError("handshake: " + err.Error())
		return err
	}
	sub.SetStatus(StatusActive)
	sub.Touch(e.now())
	return nil
}

// HeartbeatTick emits heartbeat notifications for every active subscription
// whose heartbeat period has elapsed. Called from the manager's 2 s timer.
func (e *Evaluator) HeartbeatTick(now time.Time) {
	for _, sub := range e.Registry.Subscriptions() {
		if sub.Status() != StatusActive || sub.HeartbeatSeconds <= 0 {
			continue
		}
		last := sub.LastCommunication()
		if !last.IsZero() && now.Sub(last) < time.Duration(sub.HeartbeatSeconds)*time.Second {
			continue
		}
		sub.Touch(now)
		e.Deliver(sub, NotificationHeartbeat, nil)
	}
}

func deliverySuccess(status int) bool {
	switch status {
	case 200, 202, 204:
		return true
	}
	return false
}

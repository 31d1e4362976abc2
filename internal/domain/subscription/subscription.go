// Package subscription implements the parsed subscription model and the
// evaluation pipeline fired on every resource mutation: trigger matching,
// per-subscriber filters, event numbering, delivery status accounting,
// heartbeats and handshakes.
package subscription

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehr/lantern/internal/platform/fhir"
	"github.com/ehr/lantern/internal/platform/search"
)

// Subscription status codes.
const (
	StatusOff       = "off"
	StatusRequested = "requested"
	StatusActive    = "active"
	StatusError     = "error"
)

// Channel type codes the engine recognizes. "zulip" is the deprecated old
// name of the chat-webhook channel and is normalized during parsing.
const (
	ChannelRestHook    = "rest-hook"
	ChannelChatWebhook = "chat-webhook"
	ChannelWebsocket   = "websocket"
	ChannelEmail       = "email"

	channelZulipLegacy = "zulip"
)

// maxRecordedErrors bounds each subscription's error list.
const maxRecordedErrors = 10

// Backport extension URLs used by the R4 subscription shape.
const (
	extHeartbeatPeriod = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-heartbeat-period"
	extTimeout         = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-timeout"
	extFilterCriteria  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-filter-criteria"
)

// Subscription is the immutable parsed form of a subscription resource plus
// its mutable runtime state (status, event counter, error accounting).
type Subscription struct {
	ID               string
	TopicURL         string
	ChannelType      string
	Endpoint         string
	ContentType      string
	Content          string // empty | id-only | full-resource
	HeartbeatSeconds int
	TimeoutSeconds   int
	Headers          map[string][]string
	// Filters groups the subscriber's filter conjunctions by resource type.
	Filters map[string][]*search.Parameter

	eventCounter atomic.Int64

	mu                  sync.Mutex
	status              string
	lastCommunication   time.Time
	errors              []string
	consecutiveFailures int
}

// Status returns the current lifecycle status.
func (s *Subscription) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus transitions the lifecycle status.
func (s *Subscription) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// NextEventNumber atomically increments and returns the event counter;
// the first event is 1.
func (s *Subscription) NextEventNumber() int64 {
	return s.eventCounter.Add(1)
}

// EventCount returns the number of events produced so far.
func (s *Subscription) EventCount() int64 {
	return s.eventCounter.Load()
}

// Touch records a successful communication at the given instant and resets
// the consecutive failure count.
func (s *Subscription) Touch(at time.Time) {
	s.mu.Lock()
	s.lastCommunication = at
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// LastCommunication returns the last successful communication instant.
func (s *Subscription) LastCommunication() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommunication
}

// RecordError appends to the bounded error list and returns the consecutive
// failure count after the append.
func (s *Subscription) RecordError(msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
	if len(s.errors) > maxRecordedErrors {
		s.errors = s.errors[len(s.errors)-maxRecordedErrors:]
	}
	s.consecutiveFailures++
	return s.consecutiveFailures
}

// Errors returns a copy of the recorded error list.
func (s *Subscription) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.errors))
	copy(out, s.errors)
	return out
}

// Parse builds a Subscription from either the R4 (channel + backport
// extensions) or the R5 (flat) resource shape. defs supplies search
// parameter definitions per resource type for filter compilation.
func Parse(res fhir.Resource, defs func(resourceType string) map[string]*search.ParamDef) (*Subscription, error) {
	if fhir.ResourceType(res) != "Subscription" {
		return nil, fmt.Errorf("not a subscription: %s", fhir.ResourceType(res))
	}
	sub := &Subscription{
		ID:      fhir.ResourceID(res),
		Headers: map[string][]string{},
		Filters: map[string][]*search.Parameter{},
		status:  StatusOff,
	}
	if st, _ := res["status"].(string); st != "" {
		sub.status = st
	}

	if channel, ok := res["channel"].(map[string]interface{}); ok {
		if err := parseR4(res, channel, sub, defs); err != nil {
			return nil, err
		}
	} else {
		if err := parseR5(res, sub, defs); err != nil {
			return nil, err
		}
	}

	if sub.TopicURL == "" {
		return nil, fmt.Errorf("subscription requires a topic")
	}
	if sub.ChannelType == channelZulipLegacy {
		sub.ChannelType = ChannelChatWebhook
	}
	if sub.ChannelType == "" {
		return nil, fmt.Errorf("subscription requires a channel type")
	}
	if sub.ChannelType == ChannelRestHook && sub.Endpoint == "" {
		return nil, fmt.Errorf("rest-hook subscription requires an endpoint")
	}
	if sub.ContentType == "" {
		sub.ContentType = "application/fhir+json"
	}
	if sub.Content == "" {
		sub.Content = "full-resource"
	}
	return sub, nil
}

func parseR4(res fhir.Resource, channel map[string]interface{}, sub *Subscription, defs func(string) map[string]*search.ParamDef) error {
	// In the backport shape, criteria carries the topic canonical and the
	// filter criteria live in extensions.
	sub.TopicURL, _ = res["criteria"].(string)
	sub.ChannelType, _ = channel["type"].(string)
	sub.Endpoint, _ = channel["endpoint"].(string)
	sub.ContentType, _ = channel["payload"].(string)
	for _, h := range stringList(channel["header"]) {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		sub.Headers[name] = append(sub.Headers[name], strings.TrimSpace(value))
	}
	for _, ext := range extensions(channel["extension"], res["extension"]) {
		url, _ := ext["url"].(string)
		switch url {
		case extHeartbeatPeriod:
			sub.HeartbeatSeconds = intValue(ext)
		case extTimeout:
			sub.TimeoutSeconds = intValue(ext)
		case extFilterCriteria:
			if crit, _ := ext["valueString"].(string); crit != "" {
				if err := addFilterCriteria(sub, crit, defs); err != nil {
					return err
				}
			}
		}
	}
	if payloadExt, ok := channel["_payload"].(map[string]interface{}); ok {
		for _, ext := range extensions(payloadExt["extension"]) {
			if u, _ := ext["url"].(string); strings.HasSuffix(u, "backport-payload-content") {
				if c, _ := ext["valueCode"].(string); c != "" {
					sub.Content = c
				}
			}
		}
	}
	return nil
}

func parseR5(res fhir.Resource, sub *Subscription, defs func(string) map[string]*search.ParamDef) error {
	sub.TopicURL, _ = res["topic"].(string)
	switch ct := res["channelType"].(type) {
	case string:
		sub.ChannelType = ct
	case map[string]interface{}:
		sub.ChannelType, _ = ct["code"].(string)
	}
	sub.Endpoint, _ = res["endpoint"].(string)
	sub.ContentType, _ = res["contentType"].(string)
	sub.Content, _ = res["content"].(string)
	if hb, ok := numberValue(res["heartbeatPeriod"]); ok {
		sub.HeartbeatSeconds = hb
	}
	if to, ok := numberValue(res["timeout"]); ok {
		sub.TimeoutSeconds = to
	}
	params, _ := res["parameter"].([]interface{})
	for _, raw := range params {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		value, _ := m["value"].(string)
		if name != "" {
			sub.Headers[name] = append(sub.Headers[name], value)
		}
	}
	filters, _ := res["filterBy"].([]interface{})
	for _, raw := range filters {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		resourceType, _ := m["resourceType"].(string)
		if resourceType == "" {
			resourceType, _ = m["resource"].(string)
		}
		param, _ := m["filterParameter"].(string)
		value, _ := m["value"].(string)
		if resourceType == "" || param == "" {
			continue
		}
		key := param
		if mod, _ := m["modifier"].(string); mod != "" && mod != "eq" {
			key = param + ":" + mod
		}
		if err := addFilterCriteria(sub, resourceType+"?"+key+"="+value, defs); err != nil {
			return err
		}
	}
	return nil
}

// addFilterCriteria parses "ResourceType?name=value&..." into the filter
// conjunction for that type.
func addFilterCriteria(sub *Subscription, criteria string, defs func(string) map[string]*search.ParamDef) error {
	resourceType, query, ok := strings.Cut(criteria, "?")
	if !ok || resourceType == "" {
		return fmt.Errorf("invalid filter criteria %q", criteria)
	}
	var paramDefs map[string]*search.ParamDef
	if defs != nil {
		paramDefs = defs(resourceType)
	}
	parsed := search.ParseQuery(query, paramDefs).Predicates()
	if len(parsed) == 0 {
		return fmt.Errorf("filter criteria %q has no usable parameters", criteria)
	}
	sub.Filters[resourceType] = append(sub.Filters[resourceType], parsed...)
	return nil
}

func extensions(lists ...interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for _, list := range lists {
		arr, _ := list.([]interface{})
		for _, raw := range arr {
			if m, ok := raw.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func intValue(ext map[string]interface{}) int {
	for _, key := range []string{"valueUnsignedInt", "valuePositiveInt", "valueInteger"} {
		if n, ok := numberValue(ext[key]); ok {
			return n
		}
	}
	return 0
}

func numberValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
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

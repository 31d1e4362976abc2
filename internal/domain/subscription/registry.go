package subscription

import (
	"sync"

	"github.com/ehr/lantern/internal/domain/topic"
)

// Registry is the tenant-wide concurrent registry of compiled topics and
// parsed subscriptions. Each mutation is a single put/remove; there are no
// cross-key invariants to guard.
type Registry struct {
	topics sync.Map // topic URL -> *topic.Topic
	subs   sync.Map // subscription id -> *Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterTopic stores or replaces a compiled topic.
func (r *Registry) RegisterTopic(t *topic.Topic) {
	r.topics.Store(t.URL, t)
}

// RemoveTopic drops a topic by canonical URL.
func (r *Registry) RemoveTopic(url string) {
	r.topics.Delete(url)
}

// Topic returns a compiled topic by canonical URL, or nil.
func (r *Registry) Topic(url string) *topic.Topic {
	v, ok := r.topics.Load(url)
	if !ok {
		return nil
	}
	return v.(*topic.Topic)
}

// TopicsForType returns the topics carrying a trigger for the resource type.
func (r *Registry) TopicsForType(resourceType string) []*topic.Topic {
	var out []*topic.Topic
	r.topics.Range(func(_, v interface{}) bool {
		t := v.(*topic.Topic)
		if _, ok := t.Triggers[resourceType]; ok {
			out = append(out, t)
		}
		return true
	})
	return out
}

// Topics returns every registered topic.
func (r *Registry) Topics() []*topic.Topic {
	var out []*topic.Topic
	r.topics.Range(func(_, v interface{}) bool {
		out = append(out, v.(*topic.Topic))
		return true
	})
	return out
}

// RegisterSubscription stores or replaces a parsed subscription.
func (r *Registry) RegisterSubscription(s *Subscription) {
	r.subs.Store(s.ID, s)
}

// RemoveSubscription drops a subscription by id.
func (r *Registry) RemoveSubscription(id string) {
	r.subs.Delete(id)
}

// Subscription returns a parsed subscription by id, or nil.
func (r *Registry) Subscription(id string) *Subscription {
	v, ok := r.subs.Load(id)
	if !ok {
		return nil
	}
	return v.(*Subscription)
}

// SubscriptionsForTopic returns the subscriptions bound to a topic URL.
func (r *Registry) SubscriptionsForTopic(topicURL string) []*Subscription {
	var out []*Subscription
	r.subs.Range(func(_, v interface{}) bool {
		s := v.(*Subscription)
		if s.TopicURL == topicURL {
			out = append(out, s)
		}
		return true
	})
	return out
}

// Subscriptions returns every registered subscription.
func (r *Registry) Subscriptions() []*Subscription {
	var out []*Subscription
	r.subs.Range(func(_, v interface{}) bool {
		out = append(out, v.(*Subscription))
		return true
	})
	return out
}

package tenant

import (
	"github.com/ehr/lantern/internal/platform/fhir"
)

// trackCreated enqueues a freshly created resource for capacity accounting.
// Producers are the request handlers; the capacity timer is the single
// consumer.
func (e *Engine) trackCreated(resourceType, id string) {
	if e.cfg.MaxResources <= 0 {
		return
	}
	e.createdMu.Lock()
	e.created = append(e.created, resourceType+"/"+id)
	e.createdMu.Unlock()
}

// CheckUsage enforces the tenant's resource cap: when the creation queue
// exceeds the cap, the oldest non-protected identifiers are evicted from
// their stores. Also prunes aged received-notification bookkeeping. Called
// from the manager's 30 s timer and from tests directly.
func (e *Engine) CheckUsage() {
	e.pruneReceived()
	if e.cfg.MaxResources <= 0 {
		return
	}

	e.createdMu.Lock()
	// Drop queue entries that no longer exist (client deletes).
	live := e.created[:0]
	for _, qid := range e.created {
		rt, id, ok := fhir.ParseReference(qid)
		if !ok {
			continue
		}
		if s := e.stores[rt]; s != nil && s.Get(id) != nil {
			live = append(live, qid)
		}
	}
	e.created = live

	var evict []string
	for over := len(e.created) - e.cfg.MaxResources; over > 0; {
		idx := -1
		for i, qid := range e.created {
			if !e.isProtected(qid) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		evict = append(evict, e.created[idx])
		e.created = append(e.created[:idx], e.created[idx+1:]...)
		over--
	}
	e.createdMu.Unlock()

	for _, qid := range evict {
		rt, id, ok := fhir.ParseReference(qid)
		if !ok {
			continue
		}
		if s := e.stores[rt]; s != nil {
			result := s.Delete(id)
			e.log.Info().Str("resource", qid).Int("status", result.Status).Msg("capacity eviction")
		}
	}
}

// pruneReceived drops received-notification ticks older than the retention
// window; subscription references left empty are removed.
func (e *Engine) pruneReceived() {
	cutoff := e.now().Add(-receivedNotificationTTL)
	e.receivedMu.Lock()
	defer e.receivedMu.Unlock()
	for ref, ticks := range e.received {
		kept := ticks[:0]
		for _, t := range ticks {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(e.received, ref)
			continue
		}
		e.received[ref] = kept
	}
}

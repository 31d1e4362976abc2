package tenant

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/ehr/lantern/internal/domain/store"
	"github.com/ehr/lantern/internal/platform/fhir"
)

// transactionBarrier is the advisory write barrier for transaction
// bundles: entries execute without interleaved transactions, and rollback
// restores per-store snapshots taken under the barrier.
var transactionBarrier sync.Mutex

// bundleEntry is one parsed request entry.
type bundleEntry struct {
	method   string
	url      string
	resource fhir.Resource
	fullURL  string
}

// ProcessBundle executes a batch or transaction bundle and returns the
// response bundle. Batch entries are independent; transaction entries are
// all-or-nothing.
func (e *Engine) ProcessBundle(bundle fhir.Resource) (fhir.Resource, store.Result) {
	bundleType, _ := bundle["type"].(string)
	switch bundleType {
	case "batch", "transaction":
	default:
		return nil, store.Result{
			Status:  http.StatusBadRequest,
			Outcome: fhir.BadRequestOutcome(fmt.Sprintf("unsupported bundle type %q", bundleType)),
		}
	}

	entries, err := parseBundleEntries(bundle)
	if err != nil {
		return nil, store.Result{Status: http.StatusBadRequest, Outcome: fhir.BadRequestOutcome(err.Error())}
	}

	if bundleType == "batch" {
		response := fhir.NewBundle("batch-response")
		for _, entry := range entries {
			status, location, res, outcome := e.executeEntry(entry)
			fhir.AppendEntry(response, fhir.ResponseEntry(status, location, res, outcome))
		}
		return response, store.Result{Status: http.StatusOK, Outcome: fhir.OkOutcome("batch processed")}
	}

	return e.processTransaction(entries)
}

func (e *Engine) processTransaction(entries []bundleEntry) (fhir.Resource, store.Result) {
	transactionBarrier.Lock()
	defer transactionBarrier.Unlock()

	// Validate intent up front: every entry must name a supported type.
	for _, entry := range entries {
		resourceType, _, err := splitEntryURL(entry.url)
		if err != nil {
			return nil, store.Result{Status: http.StatusBadRequest, Outcome: fhir.BadRequestOutcome(err.Error())}
		}
		if e.stores[resourceType] == nil {
			return nil, store.Result{
				Status:  http.StatusBadRequest,
				Outcome: fhir.BadRequestOutcome(fmt.Sprintf("transaction references unsupported type %q", resourceType)),
			}
		}
	}

	// Snapshot the stores the transaction touches for rollback.
	snapshots := map[string][]snapshotEntry{}
	for _, entry := range entries {
		resourceType, _, _ := splitEntryURL(entry.url)
		if _, ok := snapshots[resourceType]; !ok {
			snapshots[resourceType] = e.snapshotStore(resourceType)
		}
	}

	response := fhir.NewBundle("transaction-response")
	for _, entry := range entries {
		status, location, res, outcome := e.executeEntry(entry)
		if status >= 400 {
			e.restoreSnapshots(snapshots)
			diag := fmt.Sprintf("transaction aborted at %s %s: %s", entry.method, entry.url, fhir.OutcomeDiagnostics(outcome))
			return nil, store.Result{Status: status, Outcome: fhir.ErrorOutcome(diag)}
		}
		fhir.AppendEntry(response, fhir.ResponseEntry(status, location, res, outcome))
	}
	return response, store.Result{Status: http.StatusOK, Outcome: fhir.OkOutcome("transaction processed")}
}

type snapshotEntry struct {
	id  string
	res fhir.Resource
}

func (e *Engine) snapshotStore(resourceType string) []snapshotEntry {
	s := e.stores[resourceType]
	var out []snapshotEntry
	s.ForEach(func(res fhir.Resource) bool {
		out = append(out, snapshotEntry{id: fhir.ResourceID(res), res: fhir.DeepCopy(res)})
		return true
	})
	return out
}

// restoreSnapshots rolls touched stores back to their pre-transaction
// content without firing change hooks.
func (e *Engine) restoreSnapshots(snapshots map[string][]snapshotEntry) {
	for resourceType, entries := range snapshots {
		want := make(map[string]fhir.Resource, len(entries))
		for _, se := range entries {
			want[se.id] = se.res
		}
		e.stores[resourceType].ReplaceAll(want)
	}
}

// executeEntry runs one entry and reports (status, location, resource,
// outcome).
func (e *Engine) executeEntry(entry bundleEntry) (int, string, fhir.Resource, fhir.Resource) {
	resourceType, id, err := splitEntryURL(entry.url)
	if err != nil {
		return http.StatusBadRequest, "", nil, fhir.BadRequestOutcome(err.Error())
	}
	switch entry.method {
	case http.MethodGet, http.MethodHead:
		var result store.Result
		if id == "" {
			rawQuery := ""
			if i := strings.IndexByte(entry.url, '?'); i >= 0 {
				rawQuery = entry.url[i+1:]
			}
			bundle, r := e.TypeSearch(resourceType, rawQuery)
			if r.Status >= 400 {
				return r.Status, "", nil, r.Outcome
			}
			return r.Status, "", bundle, r.Outcome
		}
		result = e.Read(resourceType, id)
		return result.Status, result.Location, result.Resource, result.Outcome
	case http.MethodPost:
		result := e.Create(resourceType, entry.resource, true, "")
		return result.Status, result.Location, result.Resource, result.Outcome
	case http.MethodPut:
		if id != "" && fhir.ResourceID(entry.resource) == "" {
			fhir.SetResourceID(entry.resource, id)
		}
		result := e.Update(resourceType, entry.resource, "", "")
		return result.Status, result.Location, result.Resource, result.Outcome
	case http.MethodDelete:
		result := e.Delete(resourceType, id)
		return result.Status, "", nil, result.Outcome
	case http.MethodPatch:
		return http.StatusNotImplemented, "", nil, fhir.NotSupportedOutcome("PATCH entries are not supported")
	default:
		return http.StatusBadRequest, "", nil, fhir.BadRequestOutcome(fmt.Sprintf("unsupported method %q", entry.method))
	}
}

func parseBundleEntries(bundle fhir.Resource) ([]bundleEntry, error) {
	raw, _ := bundle["entry"].([]interface{})
	var out []bundleEntry
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("entry %d is not an object", i)
		}
		request, _ := m["request"].(map[string]interface{})
		if request == nil {
			return nil, fmt.Errorf("entry %d has no request", i)
		}
		method, _ := request["method"].(string)
		url, _ := request["url"].(string)
		if method == "" || url == "" {
			return nil, fmt.Errorf("entry %d request requires method and url", i)
		}
		entry := bundleEntry{method: strings.ToUpper(method), url: url}
		entry.fullURL, _ = m["fullUrl"].(string)
		if res, ok := m["resource"].(map[string]interface{}); ok {
			entry.resource = res
		}
		out = append(out, entry)
	}
	return out, nil
}

// splitEntryURL parses "Type", "Type/id", or "Type?query".
func splitEntryURL(url string) (resourceType, id string, err error) {
	path := url
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", "", fmt.Errorf("entry url %q has no resource type", url)
		}
		return parts[0], "", nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("entry url %q is not Type or Type/id", url)
	}
}

// Package store implements the per-(tenant, resource type) in-memory store:
// a locked map of resource trees with versioning, conditional preconditions,
// secondary indexes for canonical URLs and identifiers, and the change hook
// feeding the subscription evaluator.
package store

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lantern/internal/platform/fhir"
	"github.com/ehr/lantern/internal/platform/search"
)

// Result is the uniform outcome of every public store operation. Outcome is
// always populated with a human-readable diagnostic.
type Result struct {
	Resource     fhir.Resource
	Outcome      fhir.Resource
	Status       int
	VersionID    string
	LastModified time.Time
	Location     string
}

// Interaction codes reported to the change hook.
const (
	InteractionCreate = "create"
	InteractionUpdate = "update"
	InteractionDelete = "delete"
)

// Hooks let the owning engine attach special-type behavior without the
// store knowing about topics, subscriptions, or terminology.
type Hooks struct {
	// Prepare validates and compiles special payloads (SubscriptionTopic,
	// Subscription, SearchParameter, ValueSet) before the write is applied.
	// An error rejects the write with a 400 outcome.
	Prepare func(res fhir.Resource) error
	// Applied observes every successful mutation after the store lock is
	// released and before the operation returns. The engine runs
	// registration side effects and the subscription evaluation here.
	Applied func(interaction string, current, previous fhir.Resource)
	// IsProtected guards identifiers loaded with protection enabled.
	IsProtected func(qualifiedID string) bool
}

// Store holds every resource of one type for one tenant.
type Store struct {
	resourceType string
	baseURL      string
	hooks        Hooks

	mu             sync.RWMutex
	resources      map[string]fhir.Resource
	canonicalToID  map[string]string
	identifierToID map[string]string
	defs           map[string]*search.ParamDef

	tester *search.Tester
	now    func() time.Time
	newID  func() string
}

// New creates an empty store for a resource type. baseURL feeds Location
// headers; the definitions map seeds the type's search parameters and is
// extended when SearchParameter resources are created.
func New(resourceType, baseURL string, defs map[string]*search.ParamDef, tester *search.Tester, hooks Hooks) *Store {
	if defs == nil {
		defs = search.BuiltinParams(resourceType)
	}
	if tester == nil {
		tester = &search.Tester{}
	}
	return &Store{
		resourceType:   resourceType,
		baseURL:        baseURL,
		hooks:          hooks,
		resources:      make(map[string]fhir.Resource),
		canonicalToID:  make(map[string]string),
		identifierToID: make(map[string]string),
		defs:           defs,
		tester:         tester,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.NewString() },
	}
}

// ResourceType returns the type this store holds.
func (s *Store) ResourceType() string { return s.resourceType }

// SetClock replaces the store clock; tests pin time with it.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// SetIDGenerator replaces the server-assigned id source.
func (s *Store) SetIDGenerator(gen func() string) { s.newID = gen }

// Defs returns the live search parameter definitions map. Reads during
// query parsing race only with AddDef, which copies on write.
func (s *Store) Defs() map[string]*search.ParamDef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defs
}

// AddDef registers an additional search parameter definition, replacing the
// definitions map so in-flight readers keep a consistent view.
func (s *Store) AddDef(def *search.ParamDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*search.ParamDef, len(s.defs)+1)
	for k, v := range s.defs {
		next[k] = v
	}
	next[def.Name] = def
	s.defs = next
}

// Count returns the number of stored resources.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

// ---------------------------------------------------------------------------
// create
// ---------------------------------------------------------------------------

// Create inserts a resource. Server-assigned ids are used unless
// allowClientID is set and the source carries one; an existing id conflicts.
func (s *Store) Create(source fhir.Resource, allowClientID bool) Result {
	if rt := fhir.ResourceType(source); rt != s.resourceType {
		return errorResult(http.StatusBadRequest,
			fhir.BadRequestOutcome(fmt.Sprintf("resource type %q does not match store type %q", rt, s.resourceType)))
	}
	if s.hooks.Prepare != nil {
		if err := s.hooks.Prepare(source); err != nil {
			return errorResult(http.StatusBadRequest,
				fhir.BadRequestOutcome(fmt.Sprintf("%s cannot be processed: %v", s.resourceType, err)))
		}
	}

	id := fhir.ResourceID(source)
	if !allowClientID || id == "" {
		id = s.newID()
		fhir.SetResourceID(source, id)
	}

	s.mu.Lock()
	if _, exists := s.resources[id]; exists {
		s.mu.Unlock()
		return errorResult(http.StatusConflict,
			fhir.ConflictOutcome(fmt.Sprintf("%s/%s already exists", s.resourceType, id)))
	}
	now := s.now()
	fhir.StampMeta(source, "1", now)
	stored := fhir.DeepCopy(source)
	s.resources[id] = stored
	s.index(stored, id)
	s.mu.Unlock()

	if s.hooks.Applied != nil {
		s.hooks.Applied(InteractionCreate, stored, nil)
	}
	return Result{
		Resource:     fhir.DeepCopy(stored),
		Outcome:      fhir.OkOutcome(fmt.Sprintf("created %s/%s", s.resourceType, id)),
		Status:       http.StatusCreated,
		VersionID:    "1",
		LastModified: now,
		Location:     s.location(id),
	}
}

// ---------------------------------------------------------------------------
// read
// ---------------------------------------------------------------------------

// Read returns a copy of a resource by id.
func (s *Store) Read(id string) Result {
	s.mu.RLock()
	res, ok := s.resources[id]
	s.mu.RUnlock()
	if !ok {
		return errorResult(http.StatusNotFound, fhir.NotFoundOutcome(s.resourceType, id))
	}
	return Result{
		Resource:     fhir.DeepCopy(res),
		Outcome:      fhir.OkOutcome(fmt.Sprintf("read %s/%s", s.resourceType, id)),
		Status:       http.StatusOK,
		VersionID:    fhir.VersionID(res),
		LastModified: fhir.LastUpdated(res),
	}
}

// Get returns the live stored tree, or nil. Used by the engine's reference
// resolver; callers must not mutate the result.
func (s *Store) Get(id string) fhir.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources[id]
}

// ResolveCanonical maps a canonical URL to its id via the secondary index.
func (s *Store) ResolveCanonical(url string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.canonicalToID[url]
	return id, ok
}

// ResolveIdentifier maps a "system|value" key to an id.
func (s *Store) ResolveIdentifier(system, value string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identifierToID[fhir.IdentifierKey(system, value)]
	return id, ok
}

// ---------------------------------------------------------------------------
// update
// ---------------------------------------------------------------------------

// Update replaces a resource, honoring the conditional precondition matrix
// and protected identifiers. With allowCreate, an unknown id creates at
// version 1 (upsert).
func (s *Store) Update(source fhir.Resource, allowCreate bool, ifMatch, ifNoneMatch string) Result {
	if rt := fhir.ResourceType(source); rt != s.resourceType {
		return errorResult(http.StatusBadRequest,
			fhir.BadRequestOutcome(fmt.Sprintf("resource type %q does not match store type %q", rt, s.resourceType)))
	}
	id := fhir.ResourceID(source)
	if id == "" {
		return errorResult(http.StatusBadRequest, fhir.BadRequestOutcome("update requires a resource id"))
	}
	if s.isProtected(id) {
		return errorResult(http.StatusUnauthorized,
			fhir.UnauthorizedOutcome(fmt.Sprintf("%s/%s is protected and cannot be modified", s.resourceType, id)))
	}
	if s.hooks.Prepare != nil {
		if err := s.hooks.Prepare(source); err != nil {
			return errorResult(http.StatusBadRequest,
				fhir.BadRequestOutcome(fmt.Sprintf("%s cannot be processed: %v", s.resourceType, err)))
		}
	}

	s.mu.Lock()
	previous := s.resources[id]
	if outcome := checkPreconditions(previous, ifMatch, ifNoneMatch); outcome != nil {
		s.mu.Unlock()
		return errorResult(http.StatusPreconditionFailed, outcome)
	}

	interaction := InteractionUpdate
	version := "1"
	var prevCopy fhir.Resource
	if previous == nil {
		if !allowCreate {
			s.mu.Unlock()
			return errorResult(http.StatusBadRequest,
				fhir.BadRequestOutcome(fmt.Sprintf("%s/%s does not exist; update cannot create", s.resourceType, id)))
		}
		interaction = InteractionCreate
	} else {
		version = fhir.NextVersion(fhir.VersionID(previous))
		prevCopy = fhir.DeepCopy(previous)
		s.unindex(previous, id)
	}

	now := s.now()
	fhir.StampMeta(source, version, now)
	stored := fhir.DeepCopy(source)
	s.resources[id] = stored
	s.index(stored, id)
	s.mu.Unlock()

	if s.hooks.Applied != nil {
		s.hooks.Applied(interaction, stored, prevCopy)
	}
	status := http.StatusOK
	if interaction == InteractionCreate {
		status = http.StatusCreated
	}
	return Result{
		Resource:     fhir.DeepCopy(stored),
		Outcome:      fhir.OkOutcome(fmt.Sprintf("updated %s/%s to version %s", s.resourceType, id, version)),
		Status:       status,
		VersionID:    version,
		LastModified: now,
		Location:     s.location(id),
	}
}

// checkPreconditions applies the If-None-Match / If-Match matrix. A non-nil
// outcome means 412.
func checkPreconditions(previous fhir.Resource, ifMatch, ifNoneMatch string) fhir.Resource {
	if previous != nil {
		version := fhir.VersionID(previous)
		if ifNoneMatch == "*" {
			return fhir.PreconditionOutcome("If-None-Match: * failed: the resource already exists")
		}
		if ifNoneMatch != "" && etagVersion(ifNoneMatch) == version {
			return fhir.PreconditionOutcome(fmt.Sprintf("If-None-Match failed: version %s exists", version))
		}
		if ifMatch != "" && etagVersion(ifMatch) != version {
			return fhir.PreconditionOutcome(fmt.Sprintf("If-Match version %s does not match stored version %s", etagVersion(ifMatch), version))
		}
	}
	return nil
}

// etagVersion strips the weak ETag wrapper: W/"3" → 3.
func etagVersion(etag string) string {
	v := etag
	if len(v) >= 2 && v[:2] == "W/" {
		v = v[2:]
	}
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	return v
}

// ---------------------------------------------------------------------------
// delete
// ---------------------------------------------------------------------------

// Delete removes a resource and its index entries.
func (s *Store) Delete(id string) Result {
	if s.isProtected(id) {
		return errorResult(http.StatusUnauthorized,
			fhir.UnauthorizedOutcome(fmt.Sprintf("%s/%s is protected and cannot be deleted", s.resourceType, id)))
	}
	s.mu.Lock()
	previous, ok := s.resources[id]
	if !ok {
		s.mu.Unlock()
		return errorResult(http.StatusNotFound, fhir.NotFoundOutcome(s.resourceType, id))
	}
	delete(s.resources, id)
	s.unindex(previous, id)
	s.mu.Unlock()

	if s.hooks.Applied != nil {
		s.hooks.Applied(InteractionDelete, nil, previous)
	}
	return Result{
		Outcome: fhir.OkOutcome(fmt.Sprintf("deleted %s/%s", s.resourceType, id)),
		Status:  http.StatusNoContent,
	}
}

// ---------------------------------------------------------------------------
// search
// ---------------------------------------------------------------------------

// Search returns copies of every resource matching the parameter
// conjunction. Enumeration order is unspecified.
func (s *Store) Search(params []*search.Parameter) []fhir.Resource {
	s.mu.RLock()
	candidates := make([]fhir.Resource, 0, len(s.resources))
	for _, res := range s.resources {
		candidates = append(candidates, res)
	}
	s.mu.RUnlock()

	var out []fhir.Resource
	for _, res := range candidates {
		if s.tester.Matches(res, params) {
			out = append(out, fhir.DeepCopy(res))
		}
	}
	return out
}

// ReplaceAll swaps the store content for a snapshot, rebuilding the
// secondary indexes. No hooks fire: transaction rollback must not emit
// subscription events for writes that never happened.
func (s *Store) ReplaceAll(snapshot map[string]fhir.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = make(map[string]fhir.Resource, len(snapshot))
	s.canonicalToID = make(map[string]string)
	s.identifierToID = make(map[string]string)
	for id, res := range snapshot {
		stored := fhir.DeepCopy(res)
		s.resources[id] = stored
		s.index(stored, id)
	}
}

// ForEach visits every stored resource under the read lock. The callback
// must not mutate or retain the tree.
func (s *Store) ForEach(fn func(res fhir.Resource) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, res := range s.resources {
		if !fn(res) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (s *Store) isProtected(id string) bool {
	return s.hooks.IsProtected != nil && s.hooks.IsProtected(s.resourceType+"/"+id)
}

func (s *Store) location(id string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, s.resourceType, id)
}

// index records the canonical URL and identifier entries for a resource;
// callers hold the write lock, so creates expose the resource and its
// secondary indexes atomically.
func (s *Store) index(res fhir.Resource, id string) {
	if url := fhir.CanonicalURL(res); url != "" {
		s.canonicalToID[url] = id
	}
	for _, pair := range fhir.Identifiers(res) {
		s.identifierToID[fhir.IdentifierKey(pair[0], pair[1])] = id
	}
}

func (s *Store) unindex(res fhir.Resource, id string) {
	if url := fhir.CanonicalURL(res); url != "" && s.canonicalToID[url] == id {
		delete(s.canonicalToID, url)
	}
	for _, pair := range fhir.Identifiers(res) {
		key := fhir.IdentifierKey(pair[0], pair[1])
		if s.identifierToID[key] == id {
			delete(s.identifierToID, key)
		}
	}
}

func errorResult(status int, outcome fhir.Resource) Result {
	return Result{Outcome: outcome, Status: status}
}

package tenant

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/lantern/internal/domain/store"
	"github.com/ehr/lantern/internal/domain/subscription"
	"github.com/ehr/lantern/internal/domain/topic"
	"github.com/ehr/lantern/internal/platform/fhir"
	"github.com/ehr/lantern/internal/platform/notification"
	"github.com/ehr/lantern/internal/platform/search"
	"github.com/ehr/lantern/internal/platform/terminology"
)

// includeIterationDepth bounds _include:iterate expansion; the dedupe set
// additionally stops at a fixed point. The bound is surfaced in the
// capability statement documentation.
const includeIterationDepth = 5

// receivedNotificationTTL is the retention window for received-notification
// bookkeeping.
const receivedNotificationTTL = 10 * time.Minute

// Config describes one tenant.
type Config struct {
	Name          string
	BaseURL       string
	Version       Version
	LoadDir       string
	MaxResources  int // 0 = unbounded
	SmartRequired bool
	Formats       []string
	ProtectLoaded bool
}

// Engine is one isolated tenant: its stores, subscription machinery,
// terminology index, and background bookkeeping.
type Engine struct {
	cfg Config
	log zerolog.Logger

	stores      map[string]*store.Store // fixed at construction
	registry    *subscription.Registry
	evaluator   *subscription.Evaluator
	terminology *terminology.Index
	tester      *search.Tester
	dispatcher  notification.Dispatcher

	protected sync.Map // qualified id -> struct{}

	createdMu sync.Mutex
	created   []string // eviction queue of qualified ids, oldest first

	receivedMu sync.Mutex
	received   map[string][]time.Time // subscription reference -> arrival ticks

	capMu          sync.Mutex
	capability     fhir.Resource
	capabilityOK   bool

	now func() time.Time
}

// NewEngine builds a tenant engine with one store per supported type.
func NewEngine(cfg Config, log zerolog.Logger, dispatcher notification.Dispatcher) *Engine {
	e := &Engine{
		cfg:         cfg,
		log:         log.With().Str("tenant", cfg.Name).Logger(),
		stores:      map[string]*store.Store{},
		registry:    subscription.NewRegistry(),
		terminology: terminology.NewIndex(),
		dispatcher:  dispatcher,
		received:    map[string][]time.Time{},
		now:         func() time.Time { return time.Now().UTC() },
	}
	e.tester = &search.Tester{
		Terminology: e.terminology,
		Resolver:    e.Resolve,
	}
	e.evaluator = &subscription.Evaluator{
		Log:          e.log,
		Registry:     e.registry,
		Tester:       e.tester,
		Resolver:     e.Resolve,
		MemberOf: func(system, code, valueSetURL string) bool {
			return e.terminology.Contains(valueSetURL, system, code)
		},
		BuildContext: e.buildShapeContext,
		Send:         e.sendNotification,
		BaseURL:      cfg.BaseURL,
	}
	hooks := store.Hooks{
		IsProtected: e.isProtected,
	}
	for _, rt := range SupportedTypes(cfg.Version) {
		resourceType := rt
		h := hooks
		h.Prepare = func(res fhir.Resource) error { return e.prepare(resourceType, res) }
		h.Applied = func(interaction string, current, previous fhir.Resource) {
			e.applied(resourceType, interaction, current, previous)
		}
		e.stores[resourceType] = store.New(resourceType, cfg.BaseURL, search.BuiltinParams(resourceType), e.tester, h)
	}
	return e
}

// Config returns the tenant configuration.
func (e *Engine) Config() Config { return e.cfg }

// Registry exposes the subscription registry (status operations, tests).
func (e *Engine) Registry() *subscription.Registry { return e.registry }

// Evaluator exposes the subscription evaluator (timers, tests).
func (e *Engine) Evaluator() *subscription.Evaluator { return e.evaluator }

// Store returns the store for a resource type, or nil when the tenant does
// not serve the type.
func (e *Engine) Store(resourceType string) *store.Store {
	return e.stores[resourceType]
}

// SupportedTypeNames returns the resource types this tenant serves.
func (e *Engine) SupportedTypeNames() []string {
	return SupportedTypes(e.cfg.Version)
}

// SetClock pins the engine clock (and every store's) for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.evaluator.Now = now
	for _, s := range e.stores {
		s.SetClock(now)
	}
}

// ---------------------------------------------------------------------------
// interactions
// ---------------------------------------------------------------------------

// Read performs an instance read.
func (e *Engine) Read(resourceType, id string) store.Result {
	s := e.stores[resourceType]
	if s == nil {
		return unknownType(resourceType)
	}
	return s.Read(id)
}

// Create performs a type-level create. ifNoneExist carries the
// If-None-Exist conditional-create criteria, empty for plain creates.
func (e *Engine) Create(resourceType string, res fhir.Resource, allowClientID bool, ifNoneExist string) store.Result {
	s := e.stores[resourceType]
	if s == nil {
		return unknownType(resourceType)
	}
	if ifNoneExist != "" {
		query := search.ParseQuery(ifNoneExist, s.Defs())
		matches := s.Search(query.Predicates())
		switch len(matches) {
		case 0:
			// fall through to create
		case 1:
			existing := matches[0]
			return store.Result{
				Resource:     existing,
				Outcome:      fhir.OkOutcome("a resource matching If-None-Exist already exists"),
				Status:       http.StatusOK,
				VersionID:    fhir.VersionID(existing),
				LastModified: fhir.LastUpdated(existing),
			}
		default:
			return store.Result{
				Outcome: fhir.PreconditionOutcome("multiple resources match the If-None-Exist criteria"),
				Status:  http.StatusPreconditionFailed,
			}
		}
	}
	result := s.Create(res, allowClientID)
	if result.Status == http.StatusCreated {
		e.trackCreated(resourceType, fhir.ResourceID(result.Resource))
	}
	return result
}

// Update performs an instance update (upsert allowed per FHIR update
// semantics) honoring the conditional headers.
func (e *Engine) Update(resourceType string, res fhir.Resource, ifMatch, ifNoneMatch string) store.Result {
	s := e.stores[resourceType]
	if s == nil {
		return unknownType(resourceType)
	}
	result := s.Update(res, true, ifMatch, ifNoneMatch)
	if result.Status == http.StatusCreated {
		e.trackCreated(resourceType, fhir.ResourceID(result.Resource))
	}
	return result
}

// Delete removes an instance.
func (e *Engine) Delete(resourceType, id string) store.Result {
	s := e.stores[resourceType]
	if s == nil {
		return unknownType(resourceType)
	}
	return s.Delete(id)
}

func unknownType(resourceType string) store.Result {
	return store.Result{
		Outcome: fhir.NotFoundOutcome(resourceType, "*"),
		Status:  http.StatusNotFound,
	}
}

// ---------------------------------------------------------------------------
// search
// ---------------------------------------------------------------------------

// TypeSearch executes a type-level search with include and revinclude
// resolution and returns the searchset bundle.
func (e *Engine) TypeSearch(resourceType, rawQuery string) (fhir.Resource, store.Result) {
	s := e.stores[resourceType]
	if s == nil {
		r := unknownType(resourceType)
		return nil, r
	}
	query := search.ParseQuery(rawQuery, s.Defs())
	matches := s.Search(query.Predicates())

	// _sort / _count shaping before include resolution so includes follow
	// the returned page.
	matches = applySort(matches, query.Result.Sort)
	total := len(matches)
	if query.Result.CountSet {
		if query.Result.Offset < len(matches) {
			matches = matches[query.Result.Offset:]
		} else {
			matches = nil
		}
		if query.Result.Count < len(matches) {
			matches = matches[:query.Result.Count]
		}
	}

	seen := map[string]bool{}
	for _, m := range matches {
		seen[fhir.QualifiedID(m)] = true
	}
	includes := e.resolveIncludes(matches, query.Result.Includes, seen, includeIterationDepth)
	includes = append(includes, e.resolveRevIncludes(matches, query.Result.RevIncludes, seen)...)

	if query.Result.Summary == "count" {
		bundle := fhir.NewBundle("searchset")
		fhir.SetTotal(bundle, total)
		return bundle, store.Result{Status: http.StatusOK, Outcome: fhir.OkOutcome("count-only search")}
	}

	matches = shapeResources(matches, query)
	includes = shapeResources(includes, query)

	selfURL := e.cfg.BaseURL + "/" + resourceType
	if q := query.SelfLinkQuery(); q != "" {
		selfURL += "?" + q
	}
	bundle := fhir.NewSearchBundle(e.cfg.BaseURL, selfURL, matches, includes)
	fhir.SetTotal(bundle, total)
	return bundle, store.Result{Status: http.StatusOK, Outcome: fhir.OkOutcome("search complete")}
}

// SystemSearch searches across types; _type restricts the set.
func (e *Engine) SystemSearch(rawQuery string) (fhir.Resource, store.Result) {
	var types []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if name, value, ok := strings.Cut(pair, "="); ok && name == "_type" {
			for _, t := range strings.Split(value, ",") {
				if t = strings.TrimSpace(t); t != "" {
					types = append(types, t)
				}
			}
		}
	}
	if len(types) == 0 {
		types = e.SupportedTypeNames()
	}
	bundle := fhir.NewBundle("searchset")
	total := 0
	for _, rt := range types {
		s := e.stores[rt]
		if s == nil {
			continue
		}
		query := search.ParseQuery(rawQuery, s.Defs())
		for _, res := range s.Search(query.Predicates()) {
			fhir.AppendEntry(bundle, fhir.SearchEntry(e.cfg.BaseURL, res, fhir.SearchModeMatch))
			total++
		}
	}
	fhir.SetTotal(bundle, total)
	return bundle, store.Result{Status: http.StatusOK, Outcome: fhir.OkOutcome("search complete")}
}

func applySort(matches []fhir.Resource, keys []search.SortKey) []fhir.Resource {
	if len(keys) == 0 {
		return matches
	}
	// Only _lastUpdated and id sorts are supported; others keep map order.
	less := func(a, b fhir.Resource) bool { return false }
	key := keys[0]
	switch key.Param {
	case "_lastUpdated":
		less = func(a, b fhir.Resource) bool { return fhir.LastUpdated(a).Before(fhir.LastUpdated(b)) }
	case "_id":
		less = func(a, b fhir.Resource) bool { return fhir.ResourceID(a) < fhir.ResourceID(b) }
	default:
		return matches
	}
	sorted := make([]fhir.Resource, len(matches))
	copy(sorted, matches)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0; j-- {
			a, b := sorted[j-1], sorted[j]
			swap := less(b, a)
			if key.Descending {
				swap = less(a, b)
			}
			if !swap {
				break
			}
			sorted[j-1], sorted[j] = b, a
		}
	}
	return sorted
}

func shapeResources(resources []fhir.Resource, query *search.Query) []fhir.Resource {
	mode := fhir.SummaryMode(query.Result.Summary)
	if mode == fhir.SummaryNone && len(query.Result.Elements) == 0 {
		return resources
	}
	out := make([]fhir.Resource, len(resources))
	for i, res := range resources {
		shaped := fhir.ApplySummary(res, mode)
		if len(query.Result.Elements) > 0 {
			shaped = fhir.ApplyElements(shaped, query.Result.Elements)
		}
		out[i] = shaped
	}
	return out
}

// resolveIncludes walks the include directives over the matched set. The
// dedupe set spans the whole search; iterate directives recurse over the
// just-added nodes until the depth bound or a fixed point.
func (e *Engine) resolveIncludes(focuses []fhir.Resource, directives []search.IncludeDirective, seen map[string]bool, depth int) []fhir.Resource {
	if len(directives) == 0 || len(focuses) == 0 || depth <= 0 {
		return nil
	}
	var added []fhir.Resource
	for _, dir := range directives {
		srcStore := e.stores[dir.Source]
		if srcStore == nil {
			continue
		}
		def := srcStore.Defs()[dir.Param]
		if def == nil || def.Type != search.TypeReference {
			continue
		}
		expr, err := def.Compiled()
		if err != nil {
			continue
		}
		for _, focus := range focuses {
			if fhir.ResourceType(focus) != dir.Source {
				continue
			}
			elements, err := expr.Evaluate(focus, nil)
			if err != nil {
				continue
			}
			for _, el := range elements {
				ref := fhir.ReferenceString(el)
				refType, refID, ok := fhir.ParseReference(ref)
				if !ok {
					continue
				}
				if dir.Target != "" && refType != dir.Target {
					continue
				}
				key := refType + "/" + refID
				if seen[key] {
					continue
				}
				target := e.lookup(refType, refID)
				if target == nil {
					continue
				}
				seen[key] = true
				added = append(added, target)
			}
		}
	}
	// Recurse over what this pass added for :iterate directives.
	var iterating []search.IncludeDirective
	for _, dir := range directives {
		if dir.Iterate {
			iterating = append(iterating, dir)
		}
	}
	if len(iterating) > 0 && len(added) > 0 {
		added = append(added, e.resolveIncludes(added, iterating, seen, depth-1)...)
	}
	return added
}

// resolveRevIncludes locates resources in the named reverse stores whose
// reference parameter points at a focus.
func (e *Engine) resolveRevIncludes(focuses []fhir.Resource, directives []search.IncludeDirective, seen map[string]bool) []fhir.Resource {
	if len(directives) == 0 || len(focuses) == 0 {
		return nil
	}
	var added []fhir.Resource
	for _, dir := range directives {
		revStore := e.stores[dir.Source]
		if revStore == nil {
			continue
		}
		defs := revStore.Defs()
		def := defs[dir.Param]
		if def == nil || def.Type != search.TypeReference {
			continue
		}
		for _, focus := range focuses {
			param := &search.Parameter{
				Name:   dir.Param,
				Def:    def,
				Values: []search.Value{{Comparator: search.CompEq, Raw: fhir.QualifiedID(focus)}},
			}
			for _, res := range revStore.Search([]*search.Parameter{param}) {
				key := fhir.QualifiedID(res)
				if seen[key] {
					continue
				}
				seen[key] = true
				added = append(added, res)
			}
		}
	}
	return added
}

// lookup returns a copy of a stored resource by type and id.
func (e *Engine) lookup(resourceType, id string) fhir.Resource {
	s := e.stores[resourceType]
	if s == nil {
		return nil
	}
	res := s.Get(id)
	if res == nil {
		return nil
	}
	return fhir.DeepCopy(res)
}

// Resolve dispatches a literal reference into the owning store. It backs
// FHIRPath resolve(), reference search, and include resolution.
func (e *Engine) Resolve(reference string) fhir.Resource {
	resourceType, id, ok := fhir.ParseReference(reference)
	if !ok {
		return nil
	}
	return e.lookup(resourceType, id)
}

// buildShapeContext resolves a topic's notification shape against a focus.
func (e *Engine) buildShapeContext(shape topic.NotificationShape, focus fhir.Resource) []fhir.Resource {
	seen := map[string]bool{fhir.QualifiedID(focus): true}
	var includes []search.IncludeDirective
	for _, raw := range shape.Includes {
		if dir, ok := search.ParseInclude(raw); ok {
			includes = append(includes, dir)
		}
	}
	var revIncludes []search.IncludeDirective
	for _, raw := range shape.RevIncludes {
		if dir, ok := search.ParseInclude(raw); ok {
			revIncludes = append(revIncludes, dir)
		}
	}
	focuses := []fhir.Resource{focus}
	out := e.resolveIncludes(focuses, includes, seen, includeIterationDepth)
	out = append(out, e.resolveRevIncludes(focuses, revIncludes, seen)...)
	return out
}

// sendNotification routes a serialized notification through the dispatcher.
func (e *Engine) sendNotification(ctx context.Context, sub *subscription.Subscription, body []byte, contentType string) (int, error) {
	if e.dispatcher == nil {
		return 0, fmt.Errorf("no dispatcher configured")
	}
	return e.dispatcher.Send(ctx, notification.Channel{
		Type:        sub.ChannelType,
		Endpoint:    sub.Endpoint,
		Headers:     sub.Headers,
		ContentType: contentType,
	}, body)
}

// ---------------------------------------------------------------------------
// special-type hooks
// ---------------------------------------------------------------------------

// prepare validates and compiles special payloads before the store applies
// the write.
func (e *Engine) prepare(resourceType string, res fhir.Resource) error {
	switch resourceType {
	case "SubscriptionTopic":
		_, err := topic.Parse(res, e.defsFor)
		return err
	case "Basic":
		if topic.IsBasicWrapper(res) {
			_, err := topic.Parse(res, e.defsFor)
			return err
		}
	case "Subscription":
		_, err := subscription.Parse(res, e.defsFor)
		return err
	case "SearchParameter":
		_, _, err := search.ParseDefinition(res)
		return err
	case "ValueSet":
		if fhir.CanonicalURL(res) == "" {
			return fmt.Errorf("value set requires a url")
		}
	}
	return nil
}

// applied runs the registration side effects and the subscription
// evaluation for every successful mutation.
func (e *Engine) applied(resourceType, interaction string, current, previous fhir.Resource) {
	switch resourceType {
	case "SubscriptionTopic":
		e.topicApplied(interaction, current, previous)
	case "Basic":
		isWrapper := (current != nil && topic.IsBasicWrapper(current)) ||
			(previous != nil && topic.IsBasicWrapper(previous))
		if isWrapper {
			e.topicApplied(interaction, current, previous)
		}
	case "Subscription":
		e.subscriptionApplied(interaction, current, previous)
	case "SearchParameter":
		e.searchParameterApplied(interaction, current)
	case "ValueSet":
		e.valueSetApplied(interaction, current, previous)
	}
	e.evaluator.OnChange(resourceType, interaction, current, previous)
}

func (e *Engine) topicApplied(interaction string, current, previous fhir.Resource) {
	if interaction == store.InteractionDelete {
		if previous != nil {
			if t, err := topic.Parse(previous, e.defsFor); err == nil {
				e.registry.RemoveTopic(t.URL)
			}
		}
		return
	}
	t, err := topic.Parse(current, e.defsFor)
	if err != nil {
		// Prepare already validated; a failure here means the definitions
		// changed underneath us. Log and keep the stored resource.
		e.log.Error().Err(err).Msg("topic registration failed after store")
		return
	}
	// A topic whose types are unknown to this tenant registers but will
	// never be consulted: the evaluator only asks per mutated type.
	e.registry.RegisterTopic(t)
	e.log.Info().Str("topic", t.URL).Strs("types", t.ResourceTypes()).Msg("subscription topic registered")
}

func (e *Engine) subscriptionApplied(interaction string, current, previous fhir.Resource) {
	if interaction == store.InteractionDelete {
		if previous != nil {
			e.registry.RemoveSubscription(fhir.ResourceID(previous))
			e.dropReceived("Subscription/" + fhir.ResourceID(previous))
		}
		return
	}
	sub, err := subscription.Parse(current, e.defsFor)
	if err != nil {
		e.log.Error().Err(err).Msg("subscription registration failed after store")
		return
	}
	if existing := e.registry.Subscription(sub.ID); existing != nil {
		// Carry the status and event counter across updates so event
		// numbers continue from where they were.
		sub.SetStatus(existing.Status())
		for sub.EventCount() < existing.EventCount() {
			sub.NextEventNumber()
		}
		e.registry.RegisterSubscription(sub)
		return
	}
	e.registry.RegisterSubscription(sub)
	if err := e.evaluator.Handshake(sub); err != nil {
		e.log.Warn().Err(err).Str("subscription", sub.ID).Msg("subscription handshake failed")
	}
}

func (e *Engine) searchParameterApplied(interaction string, current fhir.Resource) {
	if interaction == store.InteractionDelete {
		e.invalidateCapability()
		return
	}
	def, bases, err := search.ParseDefinition(current)
	if err != nil {
		e.log.Error().Err(err).Msg("search parameter registration failed after store")
		return
	}
	for _, base := range bases {
		if s := e.stores[base]; s != nil {
			s.AddDef(def)
		}
	}
	e.invalidateCapability()
	e.log.Info().Str("param", def.Name).Strs("base", bases).Msg("search parameter registered")
}

func (e *Engine) valueSetApplied(interaction string, current, previous fhir.Resource) {
	if interaction == store.InteractionDelete {
		if previous != nil {
			e.terminology.Remove(fhir.CanonicalURL(previous))
		}
		return
	}
	if err := e.terminology.Register(current); err != nil {
		e.log.Error().Err(err).Msg("value set registration failed after store")
	}
}

// defsFor supplies a type's current search parameter definitions to the
// topic and subscription compilers.
func (e *Engine) defsFor(resourceType string) map[string]*search.ParamDef {
	if s := e.stores[resourceType]; s != nil {
		return s.Defs()
	}
	return search.BuiltinParams(resourceType)
}

// ---------------------------------------------------------------------------
// protection and received notifications
// ---------------------------------------------------------------------------

// Protect marks a qualified id as immutable for the life of the tenant.
func (e *Engine) Protect(qualifiedID string) {
	e.protected.Store(qualifiedID, struct{}{})
}

func (e *Engine) isProtected(qualifiedID string) bool {
	_, ok := e.protected.Load(qualifiedID)
	return ok
}

// RecordReceived notes the arrival of a notification bundle referencing a
// subscription; entries age out after the retention window.
func (e *Engine) RecordReceived(subscriptionRef string) {
	e.receivedMu.Lock()
	e.received[subscriptionRef] = append(e.received[subscriptionRef], e.now())
	e.receivedMu.Unlock()
}

// ReceivedCount returns the retained notification count for a subscription
// reference.
func (e *Engine) ReceivedCount(subscriptionRef string) int {
	e.receivedMu.Lock()
	defer e.receivedMu.Unlock()
	return len(e.received[subscriptionRef])
}

func (e *Engine) dropReceived(subscriptionRef string) {
	e.receivedMu.Lock()
	delete(e.received, subscriptionRef)
	e.receivedMu.Unlock()
}

package search

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/lantern/internal/platform/fhir"
	"github.com/ehr/lantern/internal/platform/terminology"
)

// Tester decides whether a resource tree matches a conjunction of parsed
// parameters. Token value-set modifiers defer to the terminology index and
// reference parameters may resolve through the element resolver; both are
// optional.
type Tester struct {
	Terminology *terminology.Index
	Resolver    fhir.ReferenceResolver
}

// Matches reports whether the resource satisfies every parameter. Ignored
// parameters contribute no predicate. Evaluation errors fail the parameter
// closed (no match) rather than erroring the search.
func (t *Tester) Matches(res fhir.Resource, params []*Parameter) bool {
	for _, p := range params {
		if p.Ignored {
			continue
		}
		if !t.matchParam(res, p) {
			return false
		}
	}
	return true
}

// MatchesQuery applies the predicate portion of a parsed query.
func (t *Tester) MatchesQuery(res fhir.Resource, q *Query) bool {
	return t.Matches(res, q.Predicates())
}

func (t *Tester) matchParam(res fhir.Resource, p *Parameter) bool {
	def := p.Def
	if def == nil {
		return false
	}
	expr, err := def.Compiled()
	if err != nil {
		return false
	}
	opts := &fhir.EvalOptions{Resolver: t.Resolver}
	elements, err := expr.Evaluate(res, opts)
	if err != nil {
		return false
	}

	if p.Modifier == "missing" {
		wantMissing := len(p.Values) > 0 && p.Values[0].Raw == "true"
		return (len(elements) == 0) == wantMissing
	}

	// Disjunction across the comma-separated values, then the not modifier
	// negates the disjunction-level result.
	matched := false
	for _, v := range p.Values {
		if t.matchValue(def, p.Modifier, elements, v) {
			matched = true
			break
		}
	}
	if p.Modifier == "not" {
		return !matched
	}
	return matched
}

// matchValue tests one disjunct against the extracted elements; any element
// satisfying the typed test matches.
func (t *Tester) matchValue(def *ParamDef, modifier string, elements []interface{}, v Value) bool {
	for _, el := range elements {
		var ok bool
		switch def.Type {
		case TypeString:
			ok = matchString(el, modifier, v.Raw)
		case TypeToken:
			ok = t.matchToken(el, modifier, v.Raw)
		case TypeReference:
			ok = t.matchReference(el, modifier, v.Raw)
		case TypeDate:
			ok = matchDate(el, v)
		case TypeNumber:
			ok = matchNumber(el, v)
		case TypeQuantity:
			ok = matchQuantity(el, v)
		case TypeURI:
			ok = matchURI(el, modifier, v.Raw)
		case TypeComposite:
			ok = t.matchComposite(def, el, v.Raw)
		default:
			ok = strings.EqualFold(elementString(el), v.Raw)
		}
		if ok {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// string
// ---------------------------------------------------------------------------

func matchString(el interface{}, modifier, value string) bool {
	for _, s := range stringCandidates(el) {
		ls, lv := strings.ToLower(s), strings.ToLower(value)
		switch modifier {
		case "exact":
			if s == value {
				return true
			}
		case "contains":
			if strings.Contains(ls, lv) {
				return true
			}
		default:
			if strings.HasPrefix(ls, lv) {
				return true
			}
		}
	}
	return false
}

// stringCandidates collects the searchable strings of a string-typed
// element: plain strings, and the component parts of HumanName and Address.
func stringCandidates(el interface{}) []string {
	switch v := el.(type) {
	case string:
		return []string{v}
	case map[string]interface{}:
		var out []string
		for _, field := range []string{"text", "family", "name", "city", "state", "postalCode", "country", "district"} {
			if s, ok := v[field].(string); ok {
				out = append(out, s)
			}
		}
		for _, field := range []string{"given", "prefix", "suffix", "line"} {
			if arr, ok := v[field].([]interface{}); ok {
				for _, item := range arr {
					if s, ok := item.(string); ok {
						out = append(out, s)
					}
				}
			}
		}
		return out
	}
	return nil
}

// ---------------------------------------------------------------------------
// token
// ---------------------------------------------------------------------------

func (t *Tester) matchToken(el interface{}, modifier, value string) bool {
	switch modifier {
	case "text":
		lv := strings.ToLower(value)
		for _, s := range tokenTexts(el) {
			if strings.Contains(strings.ToLower(s), lv) {
				return true
			}
		}
		return false
	case "in", "not-in":
		if t.Terminology == nil {
			return false
		}
		member := false
		for _, c := range tokenCodings(el) {
			if t.Terminology.Contains(value, c[0], c[1]) {
				member = true
				break
			}
		}
		if modifier == "not-in" {
			return !member
		}
		return member
	case "above", "below":
		// Subsumption defers to the value-set index hierarchy; membership
		// itself also qualifies.
		if t.Terminology == nil {
			return false
		}
		system, code := splitTokenValue(value)
		for _, c := range tokenCodings(el) {
			if c[1] == code && (system == "" || c[0] == system) {
				return true
			}
			vsURL := system
			if modifier == "above" && t.Terminology.Subsumes(vsURL, c[0], c[1], code) {
				return true
			}
			if modifier == "below" && t.Terminology.Subsumes(vsURL, c[0], code, c[1]) {
				return true
			}
		}
		return false
	case "of-type":
		// value form: type-system|type-code|value
		parts := strings.SplitN(value, "|", 3)
		if len(parts) != 3 {
			return false
		}
		m, ok := el.(map[string]interface{})
		if !ok {
			return false
		}
		idValue, _ := m["value"].(string)
		if idValue != parts[2] {
			return false
		}
		typ, _ := m["type"].(map[string]interface{})
		for _, c := range tokenCodings(typ) {
			if c[0] == parts[0] && c[1] == parts[1] {
				return true
			}
		}
		return false
	}

	// With a pipe, the system part is asserted exactly; "|code" demands a
	// system-less coding. Without a pipe any system carrying the code
	// matches.
	if i := strings.IndexByte(value, '|'); i >= 0 {
		system, code := value[:i], value[i+1:]
		for _, c := range tokenCodings(el) {
			if code != "" && c[1] != code {
				continue
			}
			if c[0] == system {
				return true
			}
		}
		return false
	}
	for _, c := range tokenCodings(el) {
		if c[1] == value {
			return true
		}
	}
	return false
}

// splitTokenValue splits "system|code", "|code", "system|", or "code".
func splitTokenValue(value string) (system, code string) {
	if i := strings.IndexByte(value, '|'); i >= 0 {
		return value[:i], value[i+1:]
	}
	return "", value
}

// tokenCodings extracts (system, code) pairs from any token-shaped element:
// code strings, booleans, Coding, CodeableConcept, Identifier, ContactPoint.
func tokenCodings(el interface{}) [][2]string {
	switch v := el.(type) {
	case string:
		return [][2]string{{"", v}}
	case bool:
		if v {
			return [][2]string{{"", "true"}}
		}
		return [][2]string{{"", "false"}}
	case float64:
		return [][2]string{{"", strconv.FormatFloat(v, 'f', -1, 64)}}
	case map[string]interface{}:
		if codings, ok := v["coding"].([]interface{}); ok {
			var out [][2]string
			for _, c := range codings {
				out = append(out, tokenCodings(c)...)
			}
			return out
		}
		system, _ := v["system"].(string)
		if code, ok := v["code"].(string); ok && code != "" {
			return [][2]string{{system, code}}
		}
		if value, ok := v["value"].(string); ok && value != "" {
			return [][2]string{{system, value}}
		}
	}
	return nil
}

// tokenTexts extracts the display/text strings for the :text modifier.
func tokenTexts(el interface{}) []string {
	m, ok := el.(map[string]interface{})
	if !ok {
		return nil
	}
	var out []string
	if s, ok := m["text"].(string); ok {
		out = append(out, s)
	}
	if s, ok := m["display"].(string); ok {
		out = append(out, s)
	}
	if codings, ok := m["coding"].([]interface{}); ok {
		for _, c := range codings {
			out = append(out, tokenTexts(c)...)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// reference
// ---------------------------------------------------------------------------

func (t *Tester) matchReference(el interface{}, modifier, value string) bool {
	ref := fhir.ReferenceString(el)
	if ref == "" {
		return false
	}
	if modifier == "identifier" {
		// Match against the identifier of the resolvable target.
		if t.Resolver == nil {
			return false
		}
		target := t.Resolver(ref)
		if target == nil {
			return false
		}
		system, idValue := splitTokenValue(value)
		for _, pair := range fhir.Identifiers(target) {
			if pair[1] == idValue && (system == "" || pair[0] == system) {
				return true
			}
		}
		return false
	}

	if ref == value {
		return true
	}
	refType, refID, ok := fhir.ParseReference(ref)
	if !ok {
		return false
	}
	// Type modifier restricts the target type (subject:Patient=p1).
	if isUpperFirst(modifier) && refType != modifier {
		return false
	}
	if value == refType+"/"+refID || value == refID {
		return true
	}
	// Absolute URL on either side reduces to Type/id.
	if vt, vid, ok := fhir.ParseReference(value); ok && vt == refType && vid == refID {
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// date
// ---------------------------------------------------------------------------

// dateRange is the implicit interval of a partial date ("2024" spans the
// whole year).
type dateRange struct {
	start time.Time
	end   time.Time
}

func parseDateRange(s string) (dateRange, bool) {
	s = strings.TrimSpace(s)
	layouts := []struct {
		layout string
		span   func(t time.Time) time.Time
	}{
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04:05Z07:00", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Millisecond) }},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return dateRange{start: t, end: l.span(t)}, true
		}
	}
	return dateRange{}, false
}

// elementDateRange derives the interval of a date-shaped element: a date
// string, or a Period with start/end.
func elementDateRange(el interface{}) (dateRange, bool) {
	switch v := el.(type) {
	case string:
		return parseDateRange(v)
	case time.Time:
		return dateRange{start: v, end: v.Add(time.Millisecond)}, true
	case map[string]interface{}:
		startS, _ := v["start"].(string)
		endS, _ := v["end"].(string)
		if startS == "" && endS == "" {
			return dateRange{}, false
		}
		r := dateRange{start: time.Time{}, end: maxTime}
		if startS != "" {
			if sr, ok := parseDateRange(startS); ok {
				r.start = sr.start
			}
		}
		if endS != "" {
			if er, ok := parseDateRange(endS); ok {
				r.end = er.end
			}
		}
		return r, true
	}
	return dateRange{}, false
}

var maxTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

func matchDate(el interface{}, v Value) bool {
	target, ok := parseDateRange(v.Raw)
	if !ok {
		return false
	}
	r, ok := elementDateRange(el)
	if !ok {
		return false
	}
	switch v.Comparator {
	case CompEq:
		return r.start.Before(target.end) && r.end.After(target.start)
	case CompNe:
		return !(r.start.Before(target.end) && r.end.After(target.start))
	case CompGt:
		return r.end.After(target.end)
	case CompLt:
		return r.start.Before(target.start)
	case CompGe:
		return !r.end.Before(target.end) || (r.start.Before(target.end) && r.end.After(target.start))
	case CompLe:
		return !r.start.After(target.start) || (r.start.Before(target.end) && r.end.After(target.start))
	case CompSa:
		return !r.start.Before(target.end)
	case CompEb:
		return !r.end.After(target.start)
	case CompAp:
		// Widen the target by 10% of its span, minimum one day.
		pad := time.Duration(float64(target.end.Sub(target.start)) * 0.1)
		if pad < 24*time.Hour {
			pad = 24 * time.Hour
		}
		lo, hi := target.start.Add(-pad), target.end.Add(pad)
		return r.start.Before(hi) && r.end.After(lo)
	}
	return false
}

// ---------------------------------------------------------------------------
// number / quantity
// ---------------------------------------------------------------------------

func matchNumber(el interface{}, v Value) bool {
	target, err := strconv.ParseFloat(v.Raw, 64)
	if err != nil {
		return false
	}
	f, ok := elementNumber(el)
	if !ok {
		return false
	}
	return compareFloat(f, target, v.Comparator)
}

func elementNumber(el interface{}) (float64, bool) {
	switch v := el.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case map[string]interface{}:
		if val, ok := v["value"]; ok {
			return elementNumber(val)
		}
	}
	return 0, false
}

func compareFloat(f, target float64, comp Comparator) bool {
	switch comp {
	case CompEq:
		return f == target
	case CompNe:
		return f != target
	case CompGt, CompSa:
		return f > target
	case CompLt, CompEb:
		return f < target
	case CompGe:
		return f >= target
	case CompLe:
		return f <= target
	case CompAp:
		return math.Abs(f-target) <= math.Abs(target)*0.1
	}
	return false
}

func matchQuantity(el interface{}, v Value) bool {
	// Value form: number|system|code (system and code optional).
	parts := strings.Split(v.Raw, "|")
	target, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return false
	}
	m, ok := el.(map[string]interface{})
	if !ok {
		return false
	}
	f, ok := elementNumber(m["value"])
	if !ok {
		return false
	}
	if !compareFloat(f, target, v.Comparator) {
		return false
	}
	if len(parts) >= 3 && parts[2] != "" {
		code, _ := m["code"].(string)
		unit, _ := m["unit"].(string)
		if code != parts[2] && unit != parts[2] {
			return false
		}
	}
	if len(parts) >= 2 && parts[1] != "" {
		system, _ := m["system"].(string)
		if system != parts[1] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// uri
// ---------------------------------------------------------------------------

func matchURI(el interface{}, modifier, value string) bool {
	s, ok := el.(string)
	if !ok {
		return false
	}
	switch modifier {
	case "above":
		// Matches when the parameter value is underneath the element.
		return strings.HasPrefix(value, s)
	case "below":
		return strings.HasPrefix(s, value)
	default:
		return s == value
	}
}

// ---------------------------------------------------------------------------
// composite
// ---------------------------------------------------------------------------

// matchComposite requires every $-joined component to hold on the same
// extracted element.
func (t *Tester) matchComposite(def *ParamDef, el interface{}, value string) bool {
	parts := strings.Split(value, "$")
	if len(parts) != len(def.Components) {
		return false
	}
	root, ok := el.(map[string]interface{})
	if !ok {
		return false
	}
	for i, comp := range def.Components {
		expr, err := comp.Compiled()
		if err != nil {
			return false
		}
		elements, err := expr.Evaluate(root, nil)
		if err != nil {
			return false
		}
		if !t.matchValue(comp, "", elements, parseValue(parts[i], comp)) {
			return false
		}
	}
	return true
}

func elementString(el interface{}) string {
	if s, ok := el.(string); ok {
		return s
	}
	return ""
}

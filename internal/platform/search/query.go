package search

import (
	"net/url"
	"strconv"
	"strings"
)

// Comparator is the value prefix of an ordered search value.
type Comparator string

const (
	CompEq Comparator = "eq"
	CompNe Comparator = "ne"
	CompGt Comparator = "gt"
	CompLt Comparator = "lt"
	CompGe Comparator = "ge"
	CompLe Comparator = "le"
	CompSa Comparator = "sa" // starts after
	CompEb Comparator = "eb" // ends before
	CompAp Comparator = "ap" // approximately
)

var comparators = map[Comparator]bool{
	CompEq: true, CompNe: true, CompGt: true, CompLt: true,
	CompGe: true, CompLe: true, CompSa: true, CompEb: true, CompAp: true,
}

// Modifiers the engine understands; anything else marks the parameter
// ignored (retained for the self link, contributing no predicate).
var knownModifiers = map[string]bool{
	"missing": true, "exact": true, "contains": true, "text": true,
	"not": true, "above": true, "below": true, "in": true, "not-in": true,
	"of-type": true, "identifier": true, "iterate": true,
}

// Value is one disjunct of a parameter occurrence.
type Value struct {
	Comparator Comparator
	Raw        string
}

// Parameter is one parsed key=value occurrence. Occurrences of the same name
// AND together; the Values within one occurrence OR together.
type Parameter struct {
	Name     string
	Modifier string
	Values   []Value
	Def      *ParamDef
	// Ignored parameters parsed but contribute no predicate: unknown names,
	// unknown modifiers. They are kept so the self link can be rebuilt.
	Ignored bool
	// RawKey/RawValue reproduce the original pair for the self link.
	RawKey   string
	RawValue string
}

// IncludeDirective is one _include / _revinclude directive.
type IncludeDirective struct {
	Source  string // source resource type
	Param   string // search parameter name, or "*"
	Target  string // optional target type restriction
	Iterate bool
	Raw     string
}

// SortKey is one _sort component.
type SortKey struct {
	Param      string
	Descending bool
}

// ResultParameters collects the parameters shaping the result rather than
// filtering it.
type ResultParameters struct {
	Includes      []IncludeDirective
	RevIncludes   []IncludeDirective
	Sort          []SortKey
	Count         int
	CountSet      bool
	Offset        int
	Total         string
	Summary       string
	Elements      []string
	Contained     string
	ContainedType string
}

// Query is the parsed form of a search request's query string.
type Query struct {
	Parameters []*Parameter
	Result     ResultParameters
	Raw        string
}

// resultKeys are consumed into ResultParameters instead of the predicate
// list.
var resultKeys = map[string]bool{
	"_include": true, "_revinclude": true, "_sort": true, "_count": true,
	"_offset": true, "_total": true, "_summary": true, "_elements": true,
	"_contained": true, "_containedType": true, "_format": true,
	"_pretty": true,
}

// crossResourceKeys are recognized underscore keys that still act as
// predicates. Keys outside this set and the definitions map are ignored.
var crossResourceKeys = map[string]bool{
	"_id": true, "_lastUpdated": true, "_tag": true, "_profile": true,
	"_security": true, "_source": true, "_text": true, "_content": true,
	"_list": true, "_has": true, "_type": true, "_filter": true, "_query": true,
}

// ParseQuery tokenizes a raw query string ("name=value&..." form) against a
// type's parameter definitions. Pairs keep their original order. A "+" is
// decoded as space per form encoding and restored on the self link.
func ParseQuery(raw string, defs map[string]*ParamDef) *Query {
	q := &Query{Raw: raw, Result: ResultParameters{Count: -1}}
	if raw == "" {
		return q
	}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			key = kv[0]
		}
		value := ""
		if len(kv) == 2 {
			if v, err := url.QueryUnescape(kv[1]); err == nil {
				value = v
			} else {
				value = kv[1]
			}
		}
		if resultKeys[key] || strings.HasPrefix(key, "_include:") || strings.HasPrefix(key, "_revinclude:") {
			parseResultParam(&q.Result, key, value)
			continue
		}
		q.Parameters = append(q.Parameters, parseParameter(key, value, defs))
	}
	return q
}

// parseParameter builds one predicate parameter, resolving the definition
// and validating the modifier.
func parseParameter(key, value string, defs map[string]*ParamDef) *Parameter {
	name, modifier := key, ""
	if i := strings.IndexByte(key, ':'); i >= 0 {
		name, modifier = key[:i], key[i+1:]
	}
	p := &Parameter{Name: name, Modifier: modifier, RawKey: key, RawValue: value}

	var def *ParamDef
	if defs != nil {
		def = defs[name]
	}
	p.Def = def

	known := def != nil || crossResourceKeys[name]
	if !known {
		p.Ignored = true
		return p
	}
	if modifier != "" && !knownModifiers[modifier] && !isUpperFirst(modifier) {
		// A capitalized modifier names a reference target type
		// (subject:Patient=...); anything else unknown is ignored.
		p.Ignored = true
		return p
	}
	// _text/_content/_list/_has/_filter/_query parse but are not executed;
	// _type is consumed by the system-search layer. All stay visible in the
	// self link without predicating.
	switch name {
	case "_text", "_content", "_list", "_has", "_filter", "_query", "_type":
		p.Ignored = true
		return p
	}

	for _, raw := range strings.Split(value, ",") {
		p.Values = append(p.Values, parseValue(raw, def))
	}
	return p
}

// parseValue splits a leading comparator off ordered-type values.
func parseValue(raw string, def *ParamDef) Value {
	ordered := def == nil || def.Type == TypeDate || def.Type == TypeNumber || def.Type == TypeQuantity
	if ordered && len(raw) > 2 {
		prefix := Comparator(raw[:2])
		if comparators[prefix] {
			rest := raw[2:]
			// Comparators precede digits or date starts, never bare
			// strings like "eberly".
			if len(rest) > 0 && (rest[0] >= '0' && rest[0] <= '9' || rest[0] == '-') {
				return Value{Comparator: prefix, Raw: rest}
			}
		}
	}
	return Value{Comparator: CompEq, Raw: raw}
}

func parseResultParam(rp *ResultParameters, key, value string) {
	base, modifier := key, ""
	if i := strings.IndexByte(key, ':'); i >= 0 {
		base, modifier = key[:i], key[i+1:]
	}
	switch base {
	case "_include":
		dir, ok := parseIncludeDirective(value, modifier == "iterate")
		if !ok {
			return
		}
		rp.Includes = append(rp.Includes, dir)
	case "_revinclude":
		dir, ok := parseIncludeDirective(value, modifier == "iterate" || modifier == "reverse")
		if !ok {
			return
		}
		rp.RevIncludes = append(rp.RevIncludes, dir)
	case "_sort":
		for _, k := range strings.Split(value, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			sk := SortKey{Param: k}
			if strings.HasPrefix(k, "-") {
				sk = SortKey{Param: k[1:], Descending: true}
			}
			rp.Sort = append(rp.Sort, sk)
		}
	case "_count":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			rp.Count = n
			rp.CountSet = true
		}
	case "_offset":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			rp.Offset = n
		}
	case "_total":
		rp.Total = value
	case "_summary":
		switch value {
		case "true", "text", "data", "count", "false":
			rp.Summary = value
		}
	case "_elements":
		for _, e := range strings.Split(value, ",") {
			if e = strings.TrimSpace(e); e != "" {
				rp.Elements = append(rp.Elements, e)
			}
		}
	case "_contained":
		rp.Contained = value
	case "_containedType":
		rp.ContainedType = value
	}
}

// parseIncludeDirective parses "SourceType:param[:TargetType]" optionally
// suffixed with ":iterate".
func parseIncludeDirective(value string, iterate bool) (IncludeDirective, bool) {
	raw := value
	if strings.HasSuffix(value, ":iterate") {
		iterate = true
		value = strings.TrimSuffix(value, ":iterate")
	}
	parts := strings.Split(value, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return IncludeDirective{}, false
	}
	dir := IncludeDirective{Source: parts[0], Param: parts[1], Iterate: iterate, Raw: raw}
	if len(parts) >= 3 {
		dir.Target = parts[2]
	}
	return dir, true
}

// ParseInclude parses a standalone "SourceType:param[:TargetType]"
// directive, as carried by topic notification shapes.
func ParseInclude(value string) (IncludeDirective, bool) {
	return parseIncludeDirective(value, false)
}

// SelfLinkQuery rebuilds the query string for the searchset self link,
// re-encoding every predicate pair (ignored ones included) and the
// _include/_revinclude directives; the other result parameters (_count,
// _sort, _summary and the like) are not carried.
func (q *Query) SelfLinkQuery() string {
	var parts []string
	for _, p := range q.Parameters {
		parts = append(parts, url.QueryEscape(p.RawKey)+"="+url.QueryEscape(p.RawValue))
	}
	for _, inc := range q.Result.Includes {
		parts = append(parts, "_include="+url.QueryEscape(inc.Raw))
	}
	for _, inc := range q.Result.RevIncludes {
		parts = append(parts, "_revinclude="+url.QueryEscape(inc.Raw))
	}
	return strings.Join(parts, "&")
}

// Predicates returns the non-ignored parameters in order.
func (q *Query) Predicates() []*Parameter {
	var out []*Parameter
	for _, p := range q.Parameters {
		if !p.Ignored {
			out = append(out, p)
		}
	}
	return out
}

func isUpperFirst(s string) bool {
	return len(s) > 0 && s[0] >= 'A' && s[0] <= 'Z'
}

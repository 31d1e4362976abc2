// Package terminology maintains the tenant-wide value-set index that backs
// the token search modifiers (in, not-in, above, below) and the FHIRPath
// memberOf() function.
package terminology

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ehr/lantern/internal/platform/fhir"
)

// Coding is a (system, code) pair in a value set expansion.
type Coding struct {
	System  string
	Code    string
	Display string
}

// valueSet holds a registered ValueSet's flattened expansion plus the
// parent/child relations declared via concept nesting, used for the
// above/below subsumption tests.
type valueSet struct {
	url      string
	version  string
	name     string
	codes    map[string]Coding // keyed system|code
	parents  map[string]string // child system|code -> parent system|code
}

// Index is a concurrent registry of value sets keyed by canonical URL.
type Index struct {
	mu        sync.RWMutex
	valueSets map[string]*valueSet
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{valueSets: make(map[string]*valueSet)}
}

// Register parses a ValueSet resource and indexes its composed codes. The
// expansion is taken from compose.include (concept lists) and, when present,
// expansion.contains. Includes without an enumerated concept list register
// the system for by-system membership.
func (ix *Index) Register(res fhir.Resource) error {
	url := fhir.CanonicalURL(res)
	if url == "" {
		return fmt.Errorf("value set has no url")
	}
	vs := &valueSet{
		url:     url,
		codes:   make(map[string]Coding),
		parents: make(map[string]string),
	}
	vs.version, _ = res["version"].(string)
	vs.name, _ = res["name"].(string)

	if compose, ok := res["compose"].(map[string]interface{}); ok {
		includes, _ := compose["include"].([]interface{})
		for _, inc := range includes {
			m, ok := inc.(map[string]interface{})
			if !ok {
				continue
			}
			system, _ := m["system"].(string)
			concepts, _ := m["concept"].([]interface{})
			if len(concepts) == 0 && system != "" {
				// Whole-system include.
				vs.codes[system+"|*"] = Coding{System: system, Code: "*"}
				continue
			}
			indexConcepts(vs, system, "", concepts)
		}
	}
	if expansion, ok := res["expansion"].(map[string]interface{}); ok {
		contains, _ := expansion["contains"].([]interface{})
		indexContains(vs, "", contains)
	}

	ix.mu.Lock()
	ix.valueSets[url] = vs
	ix.mu.Unlock()
	return nil
}

func indexConcepts(vs *valueSet, system, parent string, concepts []interface{}) {
	for _, c := range concepts {
		m, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		code, _ := m["code"].(string)
		if code == "" {
			continue
		}
		display, _ := m["display"].(string)
		key := system + "|" + code
		vs.codes[key] = Coding{System: system, Code: code, Display: display}
		if parent != "" {
			vs.parents[key] = parent
		}
		if nested, ok := m["concept"].([]interface{}); ok {
			indexConcepts(vs, system, key, nested)
		}
	}
}

func indexContains(vs *valueSet, parent string, contains []interface{}) {
	for _, c := range contains {
		m, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := m["system"].(string)
		code, _ := m["code"].(string)
		if code == "" {
			continue
		}
		display, _ := m["display"].(string)
		key := system + "|" + code
		vs.codes[key] = Coding{System: system, Code: code, Display: display}
		if parent != "" {
			vs.parents[key] = parent
		}
		if nested, ok := m["contains"].([]interface{}); ok {
			indexContains(vs, key, nested)
		}
	}
}

// Remove drops a value set, typically on resource delete.
func (ix *Index) Remove(url string) {
	ix.mu.Lock()
	delete(ix.valueSets, url)
	ix.mu.Unlock()
}

// Contains reports whether (system, code) is a member of the value set. An
// empty system matches any system carrying the code.
func (ix *Index) Contains(valueSetURL, system, code string) bool {
	ix.mu.RLock()
	vs := ix.valueSets[stripVersion(valueSetURL)]
	ix.mu.RUnlock()
	if vs == nil {
		return false
	}
	if system != "" {
		if _, ok := vs.codes[system+"|"+code]; ok {
			return true
		}
		if _, ok := vs.codes[system+"|*"]; ok {
			return true
		}
		return false
	}
	for key := range vs.codes {
		if strings.HasSuffix(key, "|"+code) {
			return true
		}
	}
	return false
}

// Subsumes reports whether ancestor transitively subsumes descendant within
// the value set's declared concept hierarchy.
func (ix *Index) Subsumes(valueSetURL, system, ancestor, descendant string) bool {
	ix.mu.RLock()
	vs := ix.valueSets[stripVersion(valueSetURL)]
	ix.mu.RUnlock()
	if vs == nil {
		return false
	}
	key := system + "|" + descendant
	target := system + "|" + ancestor
	for i := 0; i < len(vs.parents)+1; i++ {
		parent, ok := vs.parents[key]
		if !ok {
			return false
		}
		if parent == target {
			return true
		}
		key = parent
	}
	return false
}

// Expand returns the enumerated codes of a value set, or nil when unknown.
func (ix *Index) Expand(valueSetURL string) []Coding {
	ix.mu.RLock()
	vs := ix.valueSets[stripVersion(valueSetURL)]
	ix.mu.RUnlock()
	if vs == nil {
		return nil
	}
	out := make([]Coding, 0, len(vs.codes))
	for _, c := range vs.codes {
		if c.Code != "*" {
			out = append(out, c)
		}
	}
	return out
}

// Known reports whether the URL names a registered value set.
func (ix *Index) Known(valueSetURL string) bool {
	ix.mu.RLock()
	_, ok := ix.valueSets[stripVersion(valueSetURL)]
	ix.mu.RUnlock()
	return ok
}

// stripVersion drops the "|version" suffix of a versioned canonical.
func stripVersion(url string) string {
	if i := strings.LastIndex(url, "|"); i > 0 && !strings.Contains(url[i:], "/") {
		return url[:i]
	}
	return url
}

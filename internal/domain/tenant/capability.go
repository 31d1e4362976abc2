package tenant

import (
	"fmt"
	"sort"
	"time"

	"github.com/ehr/lantern/internal/platform/fhir"
)

// Capability returns the tenant's capability statement. The document is
// generated on demand and cached until a SearchParameter registration (or
// removal) invalidates it.
func (e *Engine) Capability() fhir.Resource {
	e.capMu.Lock()
	defer e.capMu.Unlock()
	if e.capabilityOK {
		return fhir.DeepCopy(e.capability)
	}
	e.capability = e.buildCapability()
	e.capabilityOK = true
	return fhir.DeepCopy(e.capability)
}

func (e *Engine) invalidateCapability() {
	e.capMu.Lock()
	e.capabilityOK = false
	e.capMu.Unlock()
}

func (e *Engine) buildCapability() fhir.Resource {
	types := e.SupportedTypeNames()
	sort.Strings(types)

	var resources []interface{}
	for _, rt := range types {
		s := e.stores[rt]
		if s == nil {
			continue
		}
		defs := s.Defs()
		names := make([]string, 0, len(defs))
		for name := range defs {
			names = append(names, name)
		}
		sort.Strings(names)
		var searchParams []interface{}
		for _, name := range names {
			def := defs[name]
			sp := map[string]interface{}{
				"name": def.Name,
				"type": string(def.Type),
			}
			if def.Description != "" {
				sp["documentation"] = def.Description
			}
			searchParams = append(searchParams, sp)
		}
		resources = append(resources, map[string]interface{}{
			"type": rt,
			"interaction": []interface{}{
				map[string]interface{}{"code": "read"},
				map[string]interface{}{"code": "create"},
				map[string]interface{}{"code": "update"},
				map[string]interface{}{"code": "delete"},
				map[string]interface{}{"code": "search-type"},
			},
			"versioning":  "versioned",
			"searchParam": searchParams,
		})
	}

	formats := e.cfg.Formats
	if len(formats) == 0 {
		formats = []string{"application/fhir+json", "application/fhir+xml"}
	}
	formatValues := make([]interface{}, len(formats))
	for i, f := range formats {
		formatValues[i] = f
	}

	rest := map[string]interface{}{
		"mode":     "server",
		"resource": resources,
		"interaction": []interface{}{
			map[string]interface{}{"code": "transaction"},
			map[string]interface{}{"code": "batch"},
			map[string]interface{}{"code": "search-system"},
		},
		"documentation": fmt.Sprintf("_include:iterate expansion is bounded to a depth of %d.", includeIterationDepth),
	}
	if e.cfg.SmartRequired {
		rest["security"] = map[string]interface{}{
			"cors": true,
			"service": []interface{}{
				map[string]interface{}{
					"coding": []interface{}{
						map[string]interface{}{
							"system": "http://terminology.hl7.org/CodeSystem/restful-security-service",
							"code":   "SMART-on-FHIR",
						},
					},
				},
			},
		}
	}

	return fhir.Resource{
		"resourceType": "CapabilityStatement",
		"id":           "metadata",
		"status":       "active",
		"date":         e.now().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  e.cfg.Version.FHIRVersionNumber(),
		"format":       formatValues,
		"implementation": map[string]interface{}{
			"description": fmt.Sprintf("Lantern in-memory FHIR server, tenant %q", e.cfg.Name),
			"url":         e.cfg.BaseURL,
		},
		"rest": []interface{}{rest},
	}
}

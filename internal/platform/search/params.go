// Package search implements the query side of the engine: parsing raw query
// strings into typed parameters, the per-type search parameter definitions,
// and the in-memory match tester applied to resource trees.
package search

import (
	"fmt"
	"sync"

	"github.com/ehr/lantern/internal/platform/fhir"
)

// ParamType enumerates the FHIR search parameter types the tester supports.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeReference ParamType = "reference"
	TypeDate      ParamType = "date"
	TypeNumber    ParamType = "number"
	TypeQuantity  ParamType = "quantity"
	TypeURI       ParamType = "uri"
	TypeComposite ParamType = "composite"
)

// ParamDef is one search parameter definition: its name, the FHIRPath
// expression extracting candidate elements, the value type, and (for
// reference parameters) the allowed target types.
type ParamDef struct {
	Name        string
	Description string
	Expression  string
	Type        ParamType
	Targets     []string
	// Components holds sub-definitions for composite parameters; each
	// component's Expression is evaluated relative to the extracted element.
	Components []*ParamDef

	compileOnce sync.Once
	compiled    *fhir.Expression
	compileErr  error
}

// Compiled returns the cached compiled form of the definition's expression.
func (d *ParamDef) Compiled() (*fhir.Expression, error) {
	d.compileOnce.Do(func() {
		d.compiled, d.compileErr = fhir.Compile(d.Expression)
	})
	if d.compileErr != nil {
		return nil, fmt.Errorf("search parameter %s: %w", d.Name, d.compileErr)
	}
	return d.compiled, nil
}

// ParseDefinition builds a ParamDef from a SearchParameter resource. The
// returned base list names the resource types the definition applies to.
func ParseDefinition(res fhir.Resource) (*ParamDef, []string, error) {
	code, _ := res["code"].(string)
	if code == "" {
		code, _ = res["name"].(string)
	}
	expression, _ := res["expression"].(string)
	typ, _ := res["type"].(string)
	if code == "" || expression == "" || typ == "" {
		return nil, nil, fmt.Errorf("search parameter requires code, expression, and type")
	}
	def := &ParamDef{
		Name:       code,
		Expression: expression,
		Type:       ParamType(typ),
	}
	def.Description, _ = res["description"].(string)
	if targets, ok := res["target"].([]interface{}); ok {
		for _, t := range targets {
			if s, ok := t.(string); ok {
				def.Targets = append(def.Targets, s)
			}
		}
	}
	var bases []string
	if baseArr, ok := res["base"].([]interface{}); ok {
		for _, b := range baseArr {
			if s, ok := b.(string); ok {
				bases = append(bases, s)
			}
		}
	}
	if _, err := def.Compiled(); err != nil {
		return nil, nil, err
	}
	if len(bases) == 0 {
		return nil, nil, fmt.Errorf("search parameter %s has no base types", code)
	}
	return def, bases, nil
}

// commonParams are the cross-resource parameters available on every type.
func commonParams() map[string]*ParamDef {
	return map[string]*ParamDef{
		"_id":          {Name: "_id", Type: TypeToken, Expression: "id", Description: "Logical id of this artifact"},
		"_lastUpdated": {Name: "_lastUpdated", Type: TypeDate, Expression: "meta.lastUpdated", Description: "When the resource version last changed"},
		"_tag":         {Name: "_tag", Type: TypeToken, Expression: "meta.tag", Description: "Tags applied to this resource"},
		"_profile":     {Name: "_profile", Type: TypeURI, Expression: "meta.profile", Description: "Profiles this resource claims to conform to"},
		"_security":    {Name: "_security", Type: TypeToken, Expression: "meta.security", Description: "Security labels applied to this resource"},
		"_source":      {Name: "_source", Type: TypeURI, Expression: "meta.source", Description: "Identifies where the resource comes from"},
	}
}

// builtinParams is the per-type baseline, mirroring the normative search
// parameter definitions for the types the engine exercises most. Tenants
// extend these at runtime by creating SearchParameter resources.
var builtinParams = map[string][]*ParamDef{
	"Patient": {
		{Name: "identifier", Type: TypeToken, Expression: "Patient.identifier"},
		{Name: "name", Type: TypeString, Expression: "Patient.name.family | Patient.name.given | Patient.name.text"},
		{Name: "family", Type: TypeString, Expression: "Patient.name.family"},
		{Name: "given", Type: TypeString, Expression: "Patient.name.given"},
		{Name: "birthdate", Type: TypeDate, Expression: "Patient.birthDate"},
		{Name: "gender", Type: TypeToken, Expression: "Patient.gender"},
		{Name: "active", Type: TypeToken, Expression: "Patient.active"},
		{Name: "organization", Type: TypeReference, Expression: "Patient.managingOrganization", Targets: []string{"Organization"}},
	},
	"Observation": {
		{Name: "identifier", Type: TypeToken, Expression: "Observation.identifier"},
		{Name: "status", Type: TypeToken, Expression: "Observation.status"},
		{Name: "code", Type: TypeToken, Expression: "Observation.code"},
		{Name: "category", Type: TypeToken, Expression: "Observation.category"},
		{Name: "subject", Type: TypeReference, Expression: "Observation.subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
		{Name: "patient", Type: TypeReference, Expression: "Observation.subject", Targets: []string{"Patient"}},
		{Name: "encounter", Type: TypeReference, Expression: "Observation.encounter", Targets: []string{"Encounter"}},
		{Name: "date", Type: TypeDate, Expression: "Observation.effective"},
		{Name: "value-quantity", Type: TypeQuantity, Expression: "Observation.value.ofType(Quantity)"},
		{Name: "value-concept", Type: TypeToken, Expression: "Observation.value.ofType(CodeableConcept)"},
		{Name: "code-value-quantity", Type: TypeComposite, Expression: "Observation",
			Components: []*ParamDef{
				{Name: "code", Type: TypeToken, Expression: "code"},
				{Name: "value-quantity", Type: TypeQuantity, Expression: "value.ofType(Quantity)"},
			}},
	},
	"Encounter": {
		{Name: "identifier", Type: TypeToken, Expression: "Encounter.identifier"},
		{Name: "status", Type: TypeToken, Expression: "Encounter.status"},
		{Name: "class", Type: TypeToken, Expression: "Encounter.class"},
		{Name: "subject", Type: TypeReference, Expression: "Encounter.subject", Targets: []string{"Patient", "Group"}},
		{Name: "patient", Type: TypeReference, Expression: "Encounter.subject", Targets: []string{"Patient"}},
		{Name: "date", Type: TypeDate, Expression: "Encounter.period"},
	},
	"Condition": {
		{Name: "identifier", Type: TypeToken, Expression: "Condition.identifier"},
		{Name: "code", Type: TypeToken, Expression: "Condition.code"},
		{Name: "clinical-status", Type: TypeToken, Expression: "Condition.clinicalStatus"},
		{Name: "subject", Type: TypeReference, Expression: "Condition.subject", Targets: []string{"Patient", "Group"}},
		{Name: "patient", Type: TypeReference, Expression: "Condition.subject", Targets: []string{"Patient"}},
	},
	"Practitioner": {
		{Name: "identifier", Type: TypeToken, Expression: "Practitioner.identifier"},
		{Name: "name", Type: TypeString, Expression: "Practitioner.name.family | Practitioner.name.given | Practitioner.name.text"},
	},
	"Organization": {
		{Name: "identifier", Type: TypeToken, Expression: "Organization.identifier"},
		{Name: "name", Type: TypeString, Expression: "Organization.name"},
		{Name: "active", Type: TypeToken, Expression: "Organization.active"},
	},
	"Procedure": {
		{Name: "identifier", Type: TypeToken, Expression: "Procedure.identifier"},
		{Name: "code", Type: TypeToken, Expression: "Procedure.code"},
		{Name: "status", Type: TypeToken, Expression: "Procedure.status"},
		{Name: "subject", Type: TypeReference, Expression: "Procedure.subject", Targets: []string{"Patient", "Group"}},
		{Name: "patient", Type: TypeReference, Expression: "Procedure.subject", Targets: []string{"Patient"}},
	},
	"MedicationRequest": {
		{Name: "identifier", Type: TypeToken, Expression: "MedicationRequest.identifier"},
		{Name: "status", Type: TypeToken, Expression: "MedicationRequest.status"},
		{Name: "intent", Type: TypeToken, Expression: "MedicationRequest.intent"},
		{Name: "subject", Type: TypeReference, Expression: "MedicationRequest.subject", Targets: []string{"Patient", "Group"}},
		{Name: "patient", Type: TypeReference, Expression: "MedicationRequest.subject", Targets: []string{"Patient"}},
	},
	"DiagnosticReport": {
		{Name: "identifier", Type: TypeToken, Expression: "DiagnosticReport.identifier"},
		{Name: "status", Type: TypeToken, Expression: "DiagnosticReport.status"},
		{Name: "code", Type: TypeToken, Expression: "DiagnosticReport.code"},
		{Name: "subject", Type: TypeReference, Expression: "DiagnosticReport.subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
		{Name: "patient", Type: TypeReference, Expression: "DiagnosticReport.subject", Targets: []string{"Patient"}},
	},
	"ServiceRequest": {
		{Name: "identifier", Type: TypeToken, Expression: "ServiceRequest.identifier"},
		{Name: "status", Type: TypeToken, Expression: "ServiceRequest.status"},
		{Name: "code", Type: TypeToken, Expression: "ServiceRequest.code"},
		{Name: "subject", Type: TypeReference, Expression: "ServiceRequest.subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
		{Name: "patient", Type: TypeReference, Expression: "ServiceRequest.subject", Targets: []string{"Patient"}},
	},
	"AllergyIntolerance": {
		{Name: "identifier", Type: TypeToken, Expression: "AllergyIntolerance.identifier"},
		{Name: "code", Type: TypeToken, Expression: "AllergyIntolerance.code"},
		{Name: "clinical-status", Type: TypeToken, Expression: "AllergyIntolerance.clinicalStatus"},
		{Name: "patient", Type: TypeReference, Expression: "AllergyIntolerance.patient", Targets: []string{"Patient"}},
	},
	"Immunization": {
		{Name: "identifier", Type: TypeToken, Expression: "Immunization.identifier"},
		{Name: "status", Type: TypeToken, Expression: "Immunization.status"},
		{Name: "vaccine-code", Type: TypeToken, Expression: "Immunization.vaccineCode"},
		{Name: "patient", Type: TypeReference, Expression: "Immunization.patient", Targets: []string{"Patient"}},
		{Name: "date", Type: TypeDate, Expression: "Immunization.occurrence"},
	},
	"CarePlan": {
		{Name: "identifier", Type: TypeToken, Expression: "CarePlan.identifier"},
		{Name: "status", Type: TypeToken, Expression: "CarePlan.status"},
		{Name: "subject", Type: TypeReference, Expression: "CarePlan.subject", Targets: []string{"Patient", "Group"}},
		{Name: "patient", Type: TypeReference, Expression: "CarePlan.subject", Targets: []string{"Patient"}},
	},
	"Location": {
		{Name: "identifier", Type: TypeToken, Expression: "Location.identifier"},
		{Name: "name", Type: TypeString, Expression: "Location.name"},
		{Name: "status", Type: TypeToken, Expression: "Location.status"},
	},
	"Device": {
		{Name: "identifier", Type: TypeToken, Expression: "Device.identifier"},
		{Name: "status", Type: TypeToken, Expression: "Device.status"},
		{Name: "patient", Type: TypeReference, Expression: "Device.patient", Targets: []string{"Patient"}},
	},
	"Group": {
		{Name: "identifier", Type: TypeToken, Expression: "Group.identifier"},
		{Name: "type", Type: TypeToken, Expression: "Group.type"},
	},
	"ValueSet": {
		{Name: "url", Type: TypeURI, Expression: "ValueSet.url"},
		{Name: "name", Type: TypeString, Expression: "ValueSet.name"},
		{Name: "status", Type: TypeToken, Expression: "ValueSet.status"},
		{Name: "version", Type: TypeToken, Expression: "ValueSet.version"},
	},
	"CodeSystem": {
		{Name: "url", Type: TypeURI, Expression: "CodeSystem.url"},
		{Name: "name", Type: TypeString, Expression: "CodeSystem.name"},
		{Name: "status", Type: TypeToken, Expression: "CodeSystem.status"},
	},
	"SearchParameter": {
		{Name: "url", Type: TypeURI, Expression: "SearchParameter.url"},
		{Name: "code", Type: TypeToken, Expression: "SearchParameter.code"},
		{Name: "base", Type: TypeToken, Expression: "SearchParameter.base"},
	},
	"SubscriptionTopic": {
		{Name: "url", Type: TypeURI, Expression: "SubscriptionTopic.url"},
		{Name: "status", Type: TypeToken, Expression: "SubscriptionTopic.status"},
	},
	"Subscription": {
		{Name: "status", Type: TypeToken, Expression: "Subscription.status"},
		{Name: "url", Type: TypeURI, Expression: "Subscription.endpoint"},
		{Name: "topic", Type: TypeURI, Expression: "Subscription.topic"},
	},
	"Basic": {
		{Name: "identifier", Type: TypeToken, Expression: "Basic.identifier"},
		{Name: "code", Type: TypeToken, Expression: "Basic.code"},
	},
}

// BuiltinParams returns a fresh name→definition map for a resource type,
// merging the cross-resource parameters. The map is owned by the caller
// (stores mutate it when SearchParameter resources are created).
func BuiltinParams(resourceType string) map[string]*ParamDef {
	defs := commonParams()
	for _, d := range builtinParams[resourceType] {
		defs[d.Name] = d
	}
	return defs
}

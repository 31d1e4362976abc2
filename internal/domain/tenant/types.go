// Package tenant composes the per-type stores into one isolated engine:
// interaction routing, include and revinclude resolution, bundle
// processing, the capability statement, capacity enforcement, and startup
// content loading. The process-wide Manager owns the tenant map and the
// background timers.
package tenant

// Version is the FHIR protocol version a tenant speaks.
type Version string

const (
	R4  Version = "R4"
	R4B Version = "R4B"
	R5  Version = "R5"
)

// FHIRVersionNumber returns the published version string advertised in the
// capability statement.
func (v Version) FHIRVersionNumber() string {
	switch v {
	case R4B:
		return "4.3.0"
	case R5:
		return "5.0.0"
	default:
		return "4.0.1"
	}
}

// coreTypes are served by every tenant regardless of version.
var coreTypes = []string{
	"Patient", "Practitioner", "Organization", "Location", "Device", "Group",
	"Encounter", "Observation", "Condition", "Procedure", "AllergyIntolerance",
	"Immunization", "CarePlan", "MedicationRequest", "DiagnosticReport",
	"ServiceRequest",
	"Basic", "SearchParameter", "ValueSet", "CodeSystem", "Subscription",
}

// SupportedTypes lists the resource types a tenant of the given version
// serves. SubscriptionTopic is native only from R4B on; R4 tenants carry
// topics in tagged Basic wrappers.
func SupportedTypes(v Version) []string {
	types := make([]string, len(coreTypes))
	copy(types, coreTypes)
	if v == R4B || v == R5 {
		types = append(types, "SubscriptionTopic")
	}
	return types
}

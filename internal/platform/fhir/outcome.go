package fhir

import "net/http"

// NewOperationOutcome builds an OperationOutcome resource with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) Resource {
	return Resource{
		"resourceType": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity":    severity,
				"code":        code,
				"diagnostics": diagnostics,
			},
		},
	}
}

// OutcomeDiagnostics returns the first issue's diagnostics string.
func OutcomeDiagnostics(outcome Resource) string {
	issues, _ := outcome["issue"].([]interface{})
	if len(issues) == 0 {
		return ""
	}
	issue, _ := issues[0].(map[string]interface{})
	d, _ := issue["diagnostics"].(string)
	return d
}

// Outcome constructors, one per error kind the engine reports.

func OkOutcome(diagnostics string) Resource {
	return NewOperationOutcome("information", "informational", diagnostics)
}

func ErrorOutcome(diagnostics string) Resource {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func BadRequestOutcome(diagnostics string) Resource {
	return NewOperationOutcome("error", "invalid", diagnostics)
}

func NotFoundOutcome(resourceType, id string) Resource {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

func ConflictOutcome(diagnostics string) Resource {
	return NewOperationOutcome("error", "duplicate", diagnostics)
}

func PreconditionOutcome(diagnostics string) Resource {
	return NewOperationOutcome("error", "conflict", diagnostics)
}

func UnauthorizedOutcome(diagnostics string) Resource {
	return NewOperationOutcome("error", "security", diagnostics)
}

func NotSupportedOutcome(diagnostics string) Resource {
	return NewOperationOutcome("error", "not-supported", diagnostics)
}

// StatusText maps an HTTP status to the phrase used in bundle response
// entries ("201 Created").
func StatusText(status int) string {
	return http.StatusText(status)
}

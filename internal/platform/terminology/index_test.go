package terminology

import (
	"testing"

	"github.com/ehr/lantern/internal/platform/fhir"
)

func labValueSet() fhir.Resource {
	return fhir.Resource{
		"resourceType": "ValueSet",
		"id":           "labs",
		"url":          "http://example.org/vs/labs",
		"version":      "1.0.0",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{
					"system": "http://loinc.org",
					"concept": []interface{}{
						map[string]interface{}{
							"code":    "chem",
							"display": "Chemistry",
							"concept": []interface{}{
								map[string]interface{}{"code": "1234-5", "display": "Glucose"},
							},
						},
					},
				},
			},
		},
	}
}

func TestIndexRegisterAndContains(t *testing.T) {
	ix := NewIndex()
	if err := ix.Register(labValueSet()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tests := []struct {
		system string
		code   string
		want   bool
	}{
		{"http://loinc.org", "1234-5", true},
		{"http://loinc.org", "chem", true},
		{"http://loinc.org", "9999", false},
		{"http://snomed.info/sct", "1234-5", false},
		{"", "1234-5", true}, // system-less lookup matches any system
	}
	for _, tt := range tests {
		if got := ix.Contains("http://example.org/vs/labs", tt.system, tt.code); got != tt.want {
			t.Errorf("Contains(%q, %q) = %v, want %v", tt.system, tt.code, got, tt.want)
		}
	}
	if ix.Contains("http://example.org/vs/unknown", "http://loinc.org", "1234-5") {
		t.Error("unknown value set matched")
	}
	// Versioned canonical resolves to the same set.
	if !ix.Contains("http://example.org/vs/labs|1.0.0", "http://loinc.org", "1234-5") {
		t.Error("versioned canonical did not resolve")
	}
}

func TestIndexSubsumes(t *testing.T) {
	ix := NewIndex()
	if err := ix.Register(labValueSet()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !ix.Subsumes("http://example.org/vs/labs", "http://loinc.org", "chem", "1234-5") {
		t.Error("parent should subsume nested child")
	}
	if ix.Subsumes("http://example.org/vs/labs", "http://loinc.org", "1234-5", "chem") {
		t.Error("child must not subsume parent")
	}
}

func TestIndexWholeSystemInclude(t *testing.T) {
	ix := NewIndex()
	err := ix.Register(fhir.Resource{
		"resourceType": "ValueSet",
		"url":          "http://example.org/vs/all-loinc",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{"system": "http://loinc.org"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !ix.Contains("http://example.org/vs/all-loinc", "http://loinc.org", "anything") {
		t.Error("whole-system include did not match")
	}
	if ix.Contains("http://example.org/vs/all-loinc", "http://other.org", "anything") {
		t.Error("whole-system include matched foreign system")
	}
}

func TestIndexRemove(t *testing.T) {
	ix := NewIndex()
	if err := ix.Register(labValueSet()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ix.Remove("http://example.org/vs/labs")
	if ix.Known("http://example.org/vs/labs") {
		t.Error("value set survived Remove")
	}
}

func TestRegisterRequiresURL(t *testing.T) {
	ix := NewIndex()
	if err := ix.Register(fhir.Resource{"resourceType": "ValueSet"}); err == nil {
		t.Error("expected missing url to error")
	}
}

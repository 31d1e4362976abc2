package search

import (
	"testing"

	"github.com/ehr/lantern/internal/platform/fhir"
	"github.com/ehr/lantern/internal/platform/terminology"
)

func testPatient() fhir.Resource {
	return fhir.Resource{
		"resourceType": "Patient",
		"id":           "p1",
		"gender":       "female",
		"birthDate":    "1980-03-15",
		"active":       true,
		"name": []interface{}{
			map[string]interface{}{
				"family": "Chalmers",
				"given":  []interface{}{"Peter"},
			},
		},
		"identifier": []interface{}{
			map[string]interface{}{"system": "http://example.org/mrn", "value": "12345"},
		},
		"managingOrganization": map[string]interface{}{"reference": "Organization/org1"},
	}
}

func testObservation() fhir.Resource {
	return fhir.Resource{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "1234-5", "display": "Glucose"},
			},
			"text": "Glucose measurement",
		},
		"subject": map[string]interface{}{"reference": "Patient/p1"},
		"valueQuantity": map[string]interface{}{
			"value":  float64(100),
			"unit":   "mg/dL",
			"system": "http://unitsofmeasure.org",
			"code":   "mg/dL",
		},
		"effectiveDateTime": "2024-06-01T10:00:00Z",
	}
}

func matchOne(t *testing.T, tester *Tester, res fhir.Resource, resourceType, rawQuery string) bool {
	t.Helper()
	q := ParseQuery(rawQuery, BuiltinParams(resourceType))
	return tester.Matches(res, q.Predicates())
}

func TestTesterString(t *testing.T) {
	tester := &Tester{}
	pat := testPatient()
	tests := []struct {
		query string
		want  bool
	}{
		{"name=chal", true},       // case-insensitive starts-with
		{"name=halmers", false},   // not a prefix
		{"name=peter", true},      // given name
		{"name:exact=Chalmers", true},
		{"name:exact=chalmers", false},
		{"name:contains=halm", true},
		{"name:contains=zzz", false},
		{"family=Chal", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, tester, pat, "Patient", tt.query); got != tt.want {
				t.Errorf("match(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestTesterToken(t *testing.T) {
	tester := &Tester{}
	obs := testObservation()
	tests := []struct {
		query string
		want  bool
	}{
		{"status=final", true},
		{"status=preliminary", false},
		{"code=1234-5", true},
		{"code=http://loinc.org|1234-5", true},
		{"code=http://other.org|1234-5", false},
		{"code=http://loinc.org|", true},
		{"code=|1234-5", false}, // bare-code form requires empty system
		{"code:text=glucose", true},
		{"code:not=9999", true},
		{"code:not=1234-5", false},
		{"status:missing=false", true},
		{"status:missing=true", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, tester, obs, "Observation", tt.query); got != tt.want {
				t.Errorf("match(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestTesterTokenValueSet(t *testing.T) {
	ix := terminology.NewIndex()
	err := ix.Register(fhir.Resource{
		"resourceType": "ValueSet",
		"url":          "http://example.org/vs/labs",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{
					"system": "http://loinc.org",
					"concept": []interface{}{
						map[string]interface{}{"code": "1234-5"},
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	tester := &Tester{Terminology: ix}
	obs := testObservation()
	if !matchOne(t, tester, obs, "Observation", "code:in=http://example.org/vs/labs") {
		t.Error("code:in did not match value set member")
	}
	if matchOne(t, tester, obs, "Observation", "code:not-in=http://example.org/vs/labs") {
		t.Error("code:not-in matched a member")
	}
	if matchOne(t, tester, obs, "Observation", "code:in=http://example.org/vs/other") {
		t.Error("code:in matched an unknown value set")
	}
}

func TestTesterReference(t *testing.T) {
	resolver := func(ref string) fhir.Resource {
		if ref == "Patient/p1" {
			return testPatient()
		}
		return nil
	}
	tester := &Tester{Resolver: resolver}
	obs := testObservation()
	tests := []struct {
		query string
		want  bool
	}{
		{"subject=Patient/p1", true},
		{"subject=p1", true},
		{"subject=Patient/p2", false},
		{"subject:Patient=p1", true},
		{"subject:Group=p1", false},
		{"patient=Patient/p1", true},
		{"subject:identifier=http://example.org/mrn|12345", true},
		{"subject:identifier=http://example.org/mrn|99999", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, tester, obs, "Observation", tt.query); got != tt.want {
				t.Errorf("match(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestTesterDate(t *testing.T) {
	tester := &Tester{}
	pat := testPatient()
	tests := []struct {
		query string
		want  bool
	}{
		{"birthdate=1980-03-15", true},
		{"birthdate=1980", true}, // partial date spans the year
		{"birthdate=1981", false},
		{"birthdate=ge1980-01-01", true},
		{"birthdate=lt1980-01-01", false},
		{"birthdate=gt1990-01-01", false},
		{"birthdate=le1980-03-15", true},
		{"birthdate=ne1999-01-01", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, tester, pat, "Patient", tt.query); got != tt.want {
				t.Errorf("match(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestTesterQuantity(t *testing.T) {
	tester := &Tester{}
	obs := testObservation()
	tests := []struct {
		query string
		want  bool
	}{
		{"value-quantity=100", true},
		{"value-quantity=ge99", true},
		{"value-quantity=gt100", false},
		{"value-quantity=lt101", true},
		{"value-quantity=ap105", true},  // within 10%
		{"value-quantity=ap150", false}, // outside 10%
		{"value-quantity=100|http://unitsofmeasure.org|mg/dL", true},
		{"value-quantity=100|http://unitsofmeasure.org|mmol/L", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, tester, obs, "Observation", tt.query); got != tt.want {
				t.Errorf("match(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestTesterURI(t *testing.T) {
	tester := &Tester{}
	vs := fhir.Resource{
		"resourceType": "ValueSet",
		"id":           "vs1",
		"url":          "http://example.org/fhir/ValueSet/labs",
		"status":       "active",
	}
	tests := []struct {
		query string
		want  bool
	}{
		{"url=http://example.org/fhir/ValueSet/labs", true},
		{"url=http://example.org/fhir", false},
		{"url:below=http://example.org/fhir", true},
		{"url:above=http://example.org/fhir/ValueSet/labs/extra", true},
		{"url:above=http://other.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, tester, vs, "ValueSet", tt.query); got != tt.want {
				t.Errorf("match(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestTesterComposite(t *testing.T) {
	tester := &Tester{}
	obs := testObservation()
	if !matchOne(t, tester, obs, "Observation", "code-value-quantity=1234-5$100") {
		t.Error("composite did not match")
	}
	if matchOne(t, tester, obs, "Observation", "code-value-quantity=1234-5$999") {
		t.Error("composite matched with wrong value component")
	}
	if matchOne(t, tester, obs, "Observation", "code-value-quantity=9999$100") {
		t.Error("composite matched with wrong code component")
	}
}

func TestTesterConjunction(t *testing.T) {
	tester := &Tester{}
	obs := testObservation()
	if !matchOne(t, tester, obs, "Observation", "status=final&code=1234-5") {
		t.Error("conjunction of matching parameters failed")
	}
	if matchOne(t, tester, obs, "Observation", "status=final&code=none") {
		t.Error("conjunction with one failing parameter matched")
	}
	// Disjunction within one occurrence.
	if !matchOne(t, tester, obs, "Observation", "status=preliminary,final") {
		t.Error("value disjunction failed")
	}
}

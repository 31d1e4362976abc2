package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/lantern/internal/domain/tenant"
	"github.com/ehr/lantern/internal/platform/fhir"
)

func newTestServer(t *testing.T) (*Server, *tenant.Manager) {
	t.Helper()
	manager := tenant.NewManager(zerolog.Nop(), nil)
	if _, err := manager.AddTenant(tenant.Config{
		Name:    "t",
		BaseURL: "http://example.org/t",
		Version: tenant.R4B,
	}); err != nil {
		t.Fatalf("AddTenant: %v", err)
	}
	if _, err := manager.AddTenant(tenant.Config{
		Name:          "secure",
		BaseURL:       "http://example.org/secure",
		Version:       tenant.R4,
		SmartRequired: true,
	}); err != nil {
		t.Fatalf("AddTenant: %v", err)
	}
	return New(manager, zerolog.Nop()), manager
}

func doRequest(s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestCreateReadLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/t/Patient", `{"resourceType":"Patient","id":"p1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != "http://example.org/t/Patient/p1" {
		t.Errorf("Location = %q", got)
	}
	if got := rec.Header().Get("ETag"); got != `W/"1"` {
		t.Errorf("ETag = %q", got)
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("no Last-Modified")
	}

	rec = doRequest(s, http.MethodGet, "/t/Patient/p1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read = %d", rec.Code)
	}
	var res fhir.Resource
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("body: %v", err)
	}
	if fhir.ResourceID(res) != "p1" {
		t.Errorf("read id = %q", fhir.ResourceID(res))
	}
}

func TestIfMatchPreconditionFailure(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(s, http.MethodPost, "/t/Patient", `{"resourceType":"Patient","id":"p1"}`, nil)

	rec := doRequest(s, http.MethodPut, "/t/Patient/p1",
		`{"resourceType":"Patient","id":"p1"}`,
		map[string]string{"If-Match": `W/"2"`})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("update = %d, want 412", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "If-Match") {
		t.Errorf("outcome diagnostic missing If-Match: %s", rec.Body.String())
	}
}

func TestDeleteThenGet(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(s, http.MethodPost, "/t/Patient", `{"resourceType":"Patient","id":"p1"}`, nil)

	rec := doRequest(s, http.MethodDelete, "/t/Patient/p1", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("delete response has a body")
	}
	rec = doRequest(s, http.MethodGet, "/t/Patient/p1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("read after delete = %d, want 404", rec.Code)
	}
}

func TestUpdateIDMismatch(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(s, http.MethodPost, "/t/Patient", `{"resourceType":"Patient","id":"p1"}`, nil)
	rec := doRequest(s, http.MethodPut, "/t/Patient/p1",
		`{"resourceType":"Patient","id":"other"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("mismatched id = %d, want 422", rec.Code)
	}
}

func TestUnknownTenantAndType(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := doRequest(s, http.MethodGet, "/nope/Patient/p1", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown tenant = %d", rec.Code)
	}
	if rec := doRequest(s, http.MethodGet, "/t/InventoryItem/x", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown type = %d", rec.Code)
	}
}

func TestMetadata(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/t/metadata", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata = %d", rec.Code)
	}
	var capability fhir.Resource
	if err := json.Unmarshal(rec.Body.Bytes(), &capability); err != nil {
		t.Fatalf("body: %v", err)
	}
	if fhir.ResourceType(capability) != "CapabilityStatement" {
		t.Errorf("resourceType = %q", fhir.ResourceType(capability))
	}
	if capability["fhirVersion"] != "4.3.0" {
		t.Errorf("fhirVersion = %v", capability["fhirVersion"])
	}
}

func TestSearchWithRevInclude(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(s, http.MethodPost, "/t/Patient", `{"resourceType":"Patient","id":"p1"}`, nil)
	doRequest(s, http.MethodPost, "/t/Observation",
		`{"resourceType":"Observation","id":"o1","status":"final","subject":{"reference":"Patient/p1"}}`, nil)

	rec := doRequest(s, http.MethodGet, "/t/Patient?_id=p1&_revinclude=Observation:subject", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search = %d", rec.Code)
	}
	var bundle fhir.Resource
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("body: %v", err)
	}
	entries := fhir.BundleEntries(bundle)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestSmartGate(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/secure/Patient/p1", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/secure/Patient/p1", "",
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d, want 401", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "tester"}).
		SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec = doRequest(s, http.MethodGet, "/secure/Patient/p1", "",
		map[string]string{"Authorization": "Bearer " + token})
	// Passes the gate; the resource itself does not exist.
	if rec.Code != http.StatusNotFound {
		t.Errorf("valid token = %d, want 404", rec.Code)
	}

	// Metadata stays open for discovery.
	if rec := doRequest(s, http.MethodGet, "/secure/metadata", "", nil); rec.Code != http.StatusOK {
		t.Errorf("metadata behind gate = %d, want 200", rec.Code)
	}
}

func TestXMLFormat(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(s, http.MethodPost, "/t/Patient", `{"resourceType":"Patient","id":"p1"}`, nil)

	rec := doRequest(s, http.MethodGet, "/t/Patient/p1?_format=xml", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("xml read = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `<Patient xmlns="http://hl7.org/fhir">`) {
		t.Errorf("body is not FHIR XML: %s", rec.Body.String())
	}
}

func TestPreferMinimal(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/t/Patient",
		`{"resourceType":"Patient","id":"p1"}`,
		map[string]string{"Prefer": "return=minimal"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("minimal response has body: %s", rec.Body.String())
	}
}

func TestBatchBundlePost(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"resourceType":"Bundle","type":"batch","entry":[
		{"resource":{"resourceType":"Patient","id":"p1"},"request":{"method":"POST","url":"Patient"}}
	]}`
	rec := doRequest(s, http.MethodPost, "/t", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch = %d: %s", rec.Code, rec.Body.String())
	}
	if rec2 := doRequest(s, http.MethodGet, "/t/Patient/p1", "", nil); rec2.Code != http.StatusOK {
		t.Errorf("batch-created resource read = %d", rec2.Code)
	}
}

func TestNotificationBundleReceipt(t *testing.T) {
	s, m := newTestServer(t)
	body := `{"resourceType":"Bundle","type":"subscription-notification","entry":[
		{"resource":{"resourceType":"SubscriptionStatus","type":"event-notification",
		 "subscription":{"reference":"Subscription/s1"}}}
	]}`
	rec := doRequest(s, http.MethodPost, "/t", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("notification receipt = %d: %s", rec.Code, rec.Body.String())
	}
	if n := m.Tenant("t").ReceivedCount("Subscription/s1"); n != 1 {
		t.Errorf("received count = %d, want 1", n)
	}
}

func TestUnsupportedMediaType(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/t/Patient", strings.NewReader("<csv>"))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("csv body = %d, want 415", rec.Code)
	}
}

func TestSubscriptionStatusOperation(t *testing.T) {
	s, m := newTestServer(t)
	// Register the topic and subscription over HTTP. The engine has no
	// dispatcher here, so the handshake fails and the subscription lands in
	// error. Check the $status surface regardless.
	doRequest(s, http.MethodPost, "/t/SubscriptionTopic", `{
		"resourceType":"SubscriptionTopic","id":"tp","url":"http://example.org/topics/enc",
		"status":"active",
		"resourceTrigger":[{"resource":"Encounter","supportedInteraction":["create"]}]}`, nil)
	doRequest(s, http.MethodPost, "/t/Subscription", `{
		"resourceType":"Subscription","id":"s1","status":"requested",
		"topic":"http://example.org/topics/enc",
		"channelType":{"code":"rest-hook"},"endpoint":"http://example.org/x"}`, nil)

	if m.Tenant("t").Registry().Subscription("s1") == nil {
		t.Fatal("subscription not registered")
	}
	rec := doRequest(s, http.MethodGet, "/t/Subscription/s1/$status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("$status = %d: %s", rec.Code, rec.Body.String())
	}
	var status fhir.Resource
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("body: %v", err)
	}
	if status["resourceType"] != "SubscriptionStatus" || status["type"] != "query-status" {
		t.Errorf("status resource: %v", status)
	}

	rec = doRequest(s, http.MethodGet, "/t/Subscription/s1/$events", "", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("$events = %d, want 501", rec.Code)
	}
}

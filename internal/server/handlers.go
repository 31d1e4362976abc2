package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/lantern/internal/domain/tenant"
	"github.com/ehr/lantern/internal/platform/fhir"
)

// engineFor resolves the tenant engine or writes a not-found outcome.
func (s *Server) engineFor(c echo.Context) (*tenant.Engine, bool) {
	name := c.Param("tenant")
	engine := s.manager.Tenant(name)
	if engine == nil {
		_ = writeResource(c, http.StatusNotFound,
			fhir.NewOperationOutcome("error", "not-found", "tenant "+name+" is not configured"))
		return nil, false
	}
	return engine, true
}

func (s *Server) metadata(c echo.Context) error {
	engine, ok := s.engineFor(c)
	if !ok {
		return nil
	}
	return writeResource(c, http.StatusOK, engine.Capability())
}

func (s *Server) read(c echo.Context) error {
	engine, ok := s.engineFor(c)
	if !ok {
		return nil
	}
	result := engine.Read(c.Param("type"), c.Param("id"))
	if result.Status == http.StatusOK {
		if since := c.Request().Header.Get("If-Modified-Since"); since != "" {
			if t, err := http.ParseTime(since); err == nil && !result.LastModified.After(t) {
				return c.NoContent(http.StatusNotModified)
			}
		}
	}
	return writeResult(c, result)
}

func (s *Server) create(c echo.Context) error {
	engine, ok := s.engineFor(c)
	if !ok {
		return nil
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return writeResource(c, http.StatusBadRequest, fhir.BadRequestOutcome("request body is required"))
	}
	res, outcome, status := parseBody(c, body)
	if outcome != nil {
		return writeResource(c, status, outcome)
	}
	resourceType := c.Param("type")
	if rt := fhir.ResourceType(res); rt != resourceType {
		return writeResource(c, http.StatusUnprocessableEntity,
			fhir.NewOperationOutcome("error", "invalid",
				"body resource type "+rt+" does not match URL type "+resourceType))
	}
	ifNoneExist := c.Request().Header.Get("If-None-Exist")
	return writeResult(c, engine.Create(resourceType, res, true, ifNoneExist))
}

func (s *Server) update(c echo.Context) error {
	engine, ok := s.engineFor(c)
	if !ok {
		return nil
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return writeResource(c, http.StatusBadRequest, fhir.BadRequestOutcome("request body is required"))
	}
	res, outcome, status := parseBody(c, body)
	if outcome != nil {
		return writeResource(c, status, outcome)
	}
	resourceType, id := c.Param("type"), c.Param("id")
	if rt := fhir.ResourceType(res); rt != resourceType {
		return writeResource(c, http.StatusUnprocessableEntity,
			fhir.NewOperationOutcome("error", "invalid",
				"body resource type "+rt+" does not match URL type "+resourceType))
	}
	if bodyID := fhir.ResourceID(res); bodyID == "" {
		fhir.SetResourceID(res, id)
	} else if bodyID != id {
		return writeResource(c, http.StatusUnprocessableEntity,
			fhir.NewOperationOutcome("error", "invalid",
				"body id "+bodyID+" does not match URL id "+id))
	}
	ifMatch := c.Request().Header.Get("If-Match")
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	return writeResult(c, engine.Update(resourceType, res, ifMatch, ifNoneMatch))
}

func (s *Server) delete(c echo.Context) error {
	engine, ok := s.engineFor(c)
	if !ok {
		return nil
	}
	return writeResult(c, engine.Delete(c.Param("type"), c.Param("id")))
}

func (s *Server) typeSearch(c echo.Context) error {
	engine, ok := s.engineFor(c)
	if !ok {
		return nil
	}
	rawQuery := c.QueryString()
	if c.Request().Method == http.MethodPost {
		if body, err := io.ReadAll(c.Request().Body); err == nil && len(body) > 0 {
			if rawQuery != "" {
				rawQuery += "&"
			}
			rawQuery += string(body)
		}
	}
	bundle, result := engine.TypeSearch(c.Param("type"), rawQuery)
	if result.Status >= 400 {
		return writeResult(c, result)
	}
	return writeResource(c, result.Status, bundle)
}

func (s *Server) systemSearch(c echo.Context) error {
	engine, ok := s.engineFor(c)
	if !ok {
		return nil
	}
	bundle, result := engine.SystemSearch(c.QueryString())
	if result.Status >= 400 {
		return writeResult(c, result)
	}
	return writeResource(c, result.Status, bundle)
}

// postBundle accepts batch/transaction bundles at the tenant root, plus
// subscription-notification bundles whose receipt the tenant tracks.
func (s *Server) postBundle(c echo.Context) error {
	engine, ok := s.engineFor(c)
	if !ok {
		return nil
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return writeResource(c, http.StatusBadRequest, fhir.BadRequestOutcome("request body is required"))
	}
	res, outcome, status := parseBody(c, body)
	if outcome != nil {
		return writeResource(c, status, outcome)
	}
	if fhir.ResourceType(res) != "Bundle" {
		return writeResource(c, http.StatusBadRequest,
			fhir.BadRequestOutcome("the tenant root accepts Bundle resources"))
	}
	if bt, _ := res["type"].(string); bt == "subscription-notification" || bt == "history" {
		if ref := notificationSubscriptionRef(res); ref != "" {
			engine.RecordReceived(ref)
			return writeResource(c, http.StatusOK,
				fhir.OkOutcome("notification received for "+ref))
		}
		return writeResource(c, http.StatusBadRequest,
			fhir.BadRequestOutcome("notification bundle carries no subscription reference"))
	}
	response, result := engine.ProcessBundle(res)
	if result.Status >= 400 {
		return writeResult(c, result)
	}
	return writeResource(c, result.Status, response)
}

// notificationSubscriptionRef pulls the subscription reference out of a
// notification bundle's SubscriptionStatus entry.
func notificationSubscriptionRef(bundle fhir.Resource) string {
	for _, raw := range fhir.BundleEntries(bundle) {
		entry, _ := raw.(map[string]interface{})
		if entry == nil {
			continue
		}
		res, _ := entry["resource"].(map[string]interface{})
		if res == nil || res["resourceType"] != "SubscriptionStatus" {
			continue
		}
		if sub, ok := res["subscription"].(map[string]interface{}); ok {
			ref, _ := sub["reference"].(string)
			return ref
		}
	}
	return ""
}

// instanceOperation dispatches $-operations; only the subscription status
// surface is served.
func (s *Server) instanceOperation(c echo.Context) error {
	engine, ok := s.engineFor(c)
	if !ok {
		return nil
	}
	resourceType, id, op := c.Param("type"), c.Param("id"), c.Param("op")
	if resourceType != "Subscription" {
		return writeResource(c, http.StatusNotFound,
			fhir.NotFoundOutcome(resourceType+"/"+id, op))
	}
	sub := engine.Registry().Subscription(id)
	if sub == nil {
		return writeResource(c, http.StatusNotFound, fhir.NotFoundOutcome("Subscription", id))
	}
	switch op {
	case "$status":
		return writeResource(c, http.StatusOK, fhir.Resource{
			"resourceType":                 "SubscriptionStatus",
			"status":                       sub.Status(),
			"type":                         "query-status",
			"eventsSinceSubscriptionStart": strconv.FormatInt(sub.EventCount(), 10),
			"subscription": map[string]interface{}{
				"reference": engine.Config().BaseURL + "/Subscription/" + sub.ID,
			},
			"topic": sub.TopicURL,
		})
	case "$events":
		// Regenerating historical event bundles is not supported; report
		// that explicitly instead of silently returning nothing.
		return writeResource(c, http.StatusNotImplemented,
			fhir.NotSupportedOutcome("historical event replay ($events) is not implemented"))
	default:
		return writeResource(c, http.StatusNotFound,
			fhir.NotFoundOutcome("Subscription/"+id, op))
	}
}

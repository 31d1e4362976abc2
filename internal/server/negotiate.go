// Package server exposes the tenant engines over HTTP: content negotiation,
// conditional headers, the SMART gate, and the tenant-scoped REST routes.
package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/lantern/internal/domain/store"
	"github.com/ehr/lantern/internal/platform/fhir"
)

// wireFormat is the negotiated response encoding.
type wireFormat int

const (
	formatJSON wireFormat = iota
	formatXML
	formatUnsupported
)

// negotiateFormat resolves the response format: the _format query parameter
// overrides Accept. A "+" arriving as a space is restored first.
func negotiateFormat(c echo.Context) wireFormat {
	if f := c.QueryParam("_format"); f != "" {
		return mediaTypeFormat(strings.ReplaceAll(f, " ", "+"))
	}
	accept := c.Request().Header.Get(echo.HeaderAccept)
	if accept == "" || accept == "*/*" {
		return formatJSON
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt == "*/*" {
			return formatJSON
		}
		if f := mediaTypeFormat(mt); f != formatUnsupported {
			return f
		}
	}
	return formatUnsupported
}

func mediaTypeFormat(mediaType string) wireFormat {
	switch strings.ToLower(mediaType) {
	case "json", "application/json", "application/fhir+json", "text/json":
		return formatJSON
	case "xml", "application/xml", "application/fhir+xml", "text/xml":
		return formatXML
	default:
		return formatUnsupported
	}
}

// parseBody decodes a request body per its Content-Type.
func parseBody(c echo.Context, body []byte) (fhir.Resource, fhir.Resource, int) {
	contentType := strings.ToLower(strings.SplitN(c.Request().Header.Get(echo.HeaderContentType), ";", 2)[0])
	switch mediaTypeFormat(strings.TrimSpace(contentType)) {
	case formatXML:
		res, err := fhir.ParseXML(body)
		if err != nil {
			return nil, fhir.BadRequestOutcome(err.Error()), http.StatusBadRequest
		}
		return res, nil, 0
	case formatJSON:
		res, err := fhir.ParseJSON(body)
		if err != nil {
			return nil, fhir.BadRequestOutcome(err.Error()), http.StatusBadRequest
		}
		return res, nil, 0
	default:
		if contentType == "" {
			res, err := fhir.ParseJSON(body)
			if err != nil {
				return nil, fhir.BadRequestOutcome(err.Error()), http.StatusBadRequest
			}
			return res, nil, 0
		}
		return nil, fhir.NotSupportedOutcome("unsupported media type " + contentType), http.StatusUnsupportedMediaType
	}
}

// writeResource serializes a resource in the negotiated format, honoring
// _pretty and _summary.
func writeResource(c echo.Context, status int, res fhir.Resource) error {
	if res == nil {
		return c.NoContent(status)
	}
	format := negotiateFormat(c)
	if format == formatUnsupported {
		format = formatJSON
		status = http.StatusNotAcceptable
		res = fhir.NotSupportedOutcome("no supported format in Accept header")
	}
	pretty := c.QueryParam("_pretty") == "true"
	if mode := fhir.SummaryMode(c.QueryParam("_summary")); mode != fhir.SummaryNone && fhir.ResourceType(res) != "Bundle" && fhir.ResourceType(res) != "OperationOutcome" {
		res = fhir.ApplySummary(res, mode)
	}

	switch format {
	case formatXML:
		data, err := fhir.MarshalXML(res, pretty)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
		}
		return c.Blob(status, "application/fhir+xml", data)
	default:
		data, err := fhir.MarshalJSON(res, pretty)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
		}
		return c.Blob(status, "application/fhir+json", data)
	}
}

// writeResult emits a store result with the write-response headers and the
// Prefer-selected body.
func writeResult(c echo.Context, result store.Result) error {
	h := c.Response().Header()
	if result.VersionID != "" {
		h.Set("ETag", `W/"`+result.VersionID+`"`)
	}
	if !result.LastModified.IsZero() {
		h.Set("Last-Modified", result.LastModified.UTC().Format(http.TimeFormat))
	}
	if result.Location != "" {
		h.Set("Location", result.Location)
	}

	if result.Status >= 400 {
		return writeResource(c, result.Status, result.Outcome)
	}
	if result.Status == http.StatusNoContent {
		return c.NoContent(result.Status)
	}
	switch preferReturn(c) {
	case "minimal":
		return c.NoContent(result.Status)
	case "OperationOutcome":
		return writeResource(c, result.Status, result.Outcome)
	default:
		if result.Resource != nil {
			return writeResource(c, result.Status, result.Resource)
		}
		return writeResource(c, result.Status, result.Outcome)
	}
}

// preferReturn extracts the return preference from the Prefer header;
// representation is the default.
func preferReturn(c echo.Context) string {
	for _, part := range strings.Split(c.Request().Header.Get("Prefer"), ",") {
		part = strings.TrimSpace(part)
		if value, ok := strings.CutPrefix(part, "return="); ok {
			return value
		}
	}
	return "representation"
}

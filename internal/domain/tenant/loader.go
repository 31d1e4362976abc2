package tenant

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ehr/lantern/internal/platform/fhir"
)

// LoadDirectory walks a directory recursively and creates every *.json and
// *.xml resource it finds, keeping client-assigned ids. With protect set,
// each loaded identifier joins the protected set so no runtime mutation can
// change it.
func (e *Engine) LoadDirectory(dir string, protect bool) (int, error) {
	loaded := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		var res fhir.Resource
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			res, err = fhir.ParseJSON(data)
			if err != nil {
				e.log.Warn().Str("file", path).Err(err).Msg("skipping unparseable load file")
				return nil
			}
		case ".xml":
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			res, err = fhir.ParseXML(data)
			if err != nil {
				e.log.Warn().Str("file", path).Err(err).Msg("skipping unparseable load file")
				return nil
			}
		default:
			return nil
		}

		resourceType := fhir.ResourceType(res)
		if e.stores[resourceType] == nil {
			e.log.Warn().Str("file", path).Str("resourceType", resourceType).Msg("skipping unsupported resource type")
			return nil
		}
		result := e.Create(resourceType, res, true, "")
		if result.Status != http.StatusCreated {
			e.log.Warn().
				Str("file", path).
				Int("status", result.Status).
				Str("diagnostics", fhir.OutcomeDiagnostics(result.Outcome)).
				Msg("load file rejected")
			return nil
		}
		if protect {
			e.Protect(fhir.QualifiedID(result.Resource))
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("load directory %s: %w", dir, err)
	}
	e.log.Info().Str("dir", dir).Int("resources", loaded).Bool("protected", protect).Msg("tenant content loaded")
	return loaded, nil
}

// Package fixtures seeds indices from embedded fixture directories and from
// generated documents.
//
// A fixture directory is named after its index and may contain _mapping.json,
// _settings.json and any number of *.yml document files. Documents may carry
// an _id field; it is used as the document ID and stripped from the body.
package fixtures

import (
	"embed"
	"encoding/json"

	"github.com/DeafMist/plugin-smoke/internal/opensearch"
)

// Names of the embedded fixtures.
const (
	KCBEmployees     = "kcb-employees"
	KCBProducts      = "kcb-products"
	KCBCustomers     = "kcb-customers"
	SQLEmployees     = "sql-test-employees"
	KNNDocuments     = "knn-documents"
	KNNDistance      = "knn-distance"
	ConnectionSample = "test-connection"
)

//go:embed data
var embedded embed.FS

// Fixture is one parsed index directory.
type Fixture struct {
	Name      string
	Mapping   json.RawMessage
	Settings  json.RawMessage
	Documents []opensearch.Document
}

// CreateBody renders the create-index request body, or nil when the fixture
// defines neither mapping nor settings.
func (f *Fixture) CreateBody() map[string]json.RawMessage {
	if f.Mapping == nil && f.Settings == nil {
		return nil
	}
	body := make(map[string]json.RawMessage, 2)
	if f.Mapping != nil {
		body["mappings"] = f.Mapping
	}
	if f.Settings != nil {
		body["settings"] = f.Settings
	}
	return body
}

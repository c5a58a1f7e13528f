// Package openapi serves the caseflow API description and validates incoming
// requests against it.
package openapi

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

//go:embed caseflow.yaml
var specYAML []byte

// Operation is one indexed API operation.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
}

// Document is the parsed API description together with a router that maps
// requests onto its operations.
type Document struct {
	doc        *openapi3.T
	router     routers.Router
	operations map[string]Operation
}

// Load parses and validates the embedded API description.
func Load(ctx context.Context) (*Document, error) {
	return Parse(ctx, specYAML)
}

// Parse builds a Document from raw OpenAPI YAML or JSON.
func Parse(ctx context.Context, data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: building router: %w", err)
	}

	ops := make(map[string]Operation)
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			ops[op.OperationID] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
			}
		}
	}

	return &Document{doc: doc, router: router, operations: ops}, nil
}

// Operation returns the operation with the given operationId.
func (d *Document) Operation(operationID string) (Operation, bool) {
	op, ok := d.operations[operationID]
	return op, ok
}

// OperationIDs returns every operationId, sorted.
func (d *Document) OperationIDs() []string {
	ids := make([]string, 0, len(d.operations))
	for id := range d.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Title returns info.title and info.version.
func (d *Document) Title() (title, version string) {
	if d.doc.Info == nil {
		return "", ""
	}
	return d.doc.Info.Title, d.doc.Info.Version
}

// Handler serves the embedded description as YAML.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(specYAML)
	}
}

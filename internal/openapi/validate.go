package openapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"

	"github.com/pitabwire/caseflow/model"
)

// ValidateRequest checks r against the operation it routes to. Requests
// that match no documented operation are not validated and return nil.
// The request body is restored after validation.
func (d *Document) ValidateRequest(r *http.Request) error {
	route, params, err := d.router.FindRoute(r)
	if err != nil {
		return nil
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: params,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			MultiError:         true,
		},
	}
	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return toEnvelope(err)
	}
	return nil
}

// Middleware rejects requests that do not satisfy the API description. The
// write function renders the resulting error envelope.
func (d *Document) Middleware(write func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := d.ValidateRequest(r); err != nil {
				write(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func toEnvelope(err error) error {
	var details []model.FieldError
	collect(err, &details)
	if len(details) == 0 {
		details = append(details, model.FieldError{Field: "body", Code: "invalid", Message: err.Error()})
	}
	return model.NewValidationError(details)
}

func collect(err error, out *[]model.FieldError) {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			collect(e, out)
		}
		return
	}

	var reqErr *openapi3filter.RequestError
	if !errors.As(err, &reqErr) {
		*out = append(*out, model.FieldError{Field: "request", Code: "invalid", Message: err.Error()})
		return
	}

	field := "body"
	if reqErr.Parameter != nil {
		field = reqErr.Parameter.Name
	}

	// Schema errors nested under the request error carry the JSON path.
	var nested openapi3.MultiError
	if errors.As(reqErr.Err, &nested) {
		for _, e := range nested {
			*out = append(*out, schemaField(field, e))
		}
		return
	}
	if reqErr.Err != nil {
		*out = append(*out, schemaField(field, reqErr.Err))
		return
	}
	*out = append(*out, model.FieldError{Field: field, Code: "invalid", Message: reqErr.Reason})
}

func schemaField(field string, err error) model.FieldError {
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 && field == "body" {
			field = strings.Join(ptr, ".")
		}
		return model.FieldError{Field: field, Code: "schema", Message: schemaErr.Reason}
	}
	var parseErr *openapi3filter.ParseError
	if errors.As(err, &parseErr) {
		return model.FieldError{Field: field, Code: "malformed", Message: parseErr.Error()}
	}
	return model.FieldError{Field: field, Code: "invalid", Message: err.Error()}
}

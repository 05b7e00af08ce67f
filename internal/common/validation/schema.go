// Package validation checks inbound requests with struct tags and outbound
// event payloads with JSON schemas.
package validation

import (
	"fmt"
	"strings"
	"sync"

	apperrors "valuation-pipeline/internal/common/errors"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Struct validates v against its `validate` tags. Failures come back as a
// VALIDATION_ERROR listing every offending field.
func Struct(v interface{}) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.NewValidationError(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed '%s'", fe.Namespace(), fe.Tag()))
	}
	return apperrors.NewValidationError(strings.Join(msgs, "; "))
}

// SchemaSet holds compiled JSON schemas keyed by name.
type SchemaSet struct {
	schemas map[string]*gojsonschema.Schema
}

// CompileSchemas compiles every schema document up front so a bad schema
// fails at startup rather than on first use.
func CompileSchemas(docs map[string]string) (*SchemaSet, error) {
	set := &SchemaSet{schemas: make(map[string]*gojsonschema.Schema, len(docs))}
	for name, doc := range docs {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.schemas[name] = s
	}
	return set, nil
}

// Validate checks a serialized document against the named schema and
// returns a SCHEMA_ERROR on mismatch.
func (s *SchemaSet) Validate(name string, body []byte) error {
	schema, ok := s.schemas[name]
	if !ok {
		return apperrors.NewSchemaError(fmt.Sprintf("no schema registered for %q", name))
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return apperrors.NewSchemaError(err.Error())
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return apperrors.NewSchemaError(strings.Join(msgs, "; "))
	}
	return nil
}

package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaJSON is the normative wire format for policy manifests. Structural
// invariants that JSON Schema cannot express (semver sanity, regex
// compilation, date ordering) live in Validate.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://podium.schemas.local/policy-manifest.schema.json",
  "type": "object",
  "required": ["id", "name", "version", "precedence", "rules"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9-]+$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "pattern": "^\\d+\\.\\d+\\.\\d+$"},
    "description": {"type": "string"},
    "precedence": {"enum": ["internal", "industry", "legal"]},
    "status": {"enum": ["active", "disabled"]},
    "enforcementMode": {"enum": ["enforce", "warn", "monitor"]},
    "scope": {
      "type": "object",
      "properties": {
        "orchestras": {"$ref": "#/$defs/stringSet"},
        "tenants": {"$ref": "#/$defs/stringSet"},
        "roles": {"$ref": "#/$defs/stringSet"},
        "actions": {"$ref": "#/$defs/stringSet"},
        "resources": {"$ref": "#/$defs/stringSet"}
      },
      "additionalProperties": false
    },
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/rule"}
    },
    "effectiveDate": {"type": "string", "format": "date-time"},
    "expirationDate": {"type": "string", "format": "date-time"},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "stringSet": {
      "type": "array",
      "items": {"type": "string"}
    },
    "rule": {
      "type": "object",
      "required": ["id", "effect"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "conditions": {
          "type": "array",
          "items": {"$ref": "#/$defs/condition"}
        },
        "effect": {"enum": ["allow", "deny"]}
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": {"type": "string", "minLength": 1},
        "operator": {
          "enum": ["eq", "ne", "gt", "lt", "gte", "lte", "in", "nin", "contains", "regex"]
        },
        "value": {}
      },
      "additionalProperties": false
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		const url = "https://podium.schemas.local/policy-manifest.schema.json"
		if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
	})
	return compiledSchema, schemaErr
}

// ValidateJSON checks a raw manifest document against the wire-format
// schema. Violations are returned as ValidationErrors with JSON-pointer
// field paths.
func ValidateJSON(raw []byte) error {
	schema, err := compiled()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ValidationErrors{{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)}}
	}

	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return flattenSchemaError(verr)
		}
		return ValidationErrors{{Field: "body", Reason: err.Error()}}
	}
	return nil
}

// Parse decodes, schema-validates, and structurally validates a raw
// manifest document in one step.
func Parse(raw []byte) (*Manifest, error) {
	if err := ValidateJSON(raw); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ValidationErrors{{Field: "body", Reason: fmt.Sprintf("decode failed: %v", err)}}
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	m.Normalize()
	return &m, nil
}

func flattenSchemaError(verr *jsonschema.ValidationError) ValidationErrors {
	var errs ValidationErrors
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := e.InstanceLocation
			if field == "" {
				field = "body"
			}
			errs = append(errs, ValidationError{Field: field, Reason: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	if len(errs) == 0 {
		errs = append(errs, ValidationError{Field: "body", Reason: verr.Message})
	}
	return errs
}

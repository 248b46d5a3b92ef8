package aaps

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// irSchemaJSON is the structural contract for IR documents supplied by
// clients (script updates carrying a pre-built ir). Parse output satisfies
// it by construction; this guards the other direction.
const irSchemaJSON = `{
  "type": "object",
  "required": ["kind", "version", "tasks"],
  "properties": {
    "kind": {"const": "autoappdev_ir"},
    "version": {"const": 1},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "title", "steps"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "meta": {"type": "object"},
          "steps": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "title", "block", "actions"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "title": {"type": "string", "minLength": 1},
                "block": {"enum": ["plan", "work", "debug", "fix", "summary", "commit_push"]},
                "meta": {"type": "object"},
                "actions": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["id", "kind"],
                    "properties": {
                      "id": {"type": "string", "minLength": 1},
                      "kind": {"type": "string", "minLength": 1},
                      "params": {"type": "object"},
                      "meta": {"type": "object"}
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var (
	irSchemaOnce sync.Once
	irSchema     *jsonschema.Schema
	irSchemaErr  error
)

func compiledIRSchema() (*jsonschema.Schema, error) {
	irSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("autoappdev_ir.json", strings.NewReader(irSchemaJSON)); err != nil {
			irSchemaErr = err
			return
		}
		irSchema, irSchemaErr = c.Compile("autoappdev_ir.json")
	})
	return irSchema, irSchemaErr
}

// ValidateIRDocument checks a raw JSON document against the IR v1 schema and
// decodes it. Returns a typed invalid_ir error on any violation.
func ValidateIRDocument(raw json.RawMessage) (*IR, error) {
	schema, err := compiledIRSchema()
	if err != nil {
		return nil, fmt.Errorf("aaps: compile ir schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &CodegenError{Code: "invalid_ir", Detail: "ir must be a JSON document: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &CodegenError{Code: "invalid_ir", Detail: err.Error()}
	}
	var ir IR
	if err := json.Unmarshal(raw, &ir); err != nil {
		return nil, &CodegenError{Code: "invalid_ir", Detail: err.Error()}
	}
	return &ir, nil
}

package policyloader

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema is the structural contract for policy documents. Shape
// lives here; cross-reference and parameter semantics live in validate().
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["policy_id", "version", "mode", "default_token_ttl"],
  "additionalProperties": false,
  "properties": {
    "policy_id": {"$ref": "#/$defs/id"},
    "version": {"type": "string", "minLength": 1},
    "mode": {"enum": ["strict", "permissive"]},
    "default_token_ttl": {"type": "string", "minLength": 2},
    "escalation_threshold": {"$ref": "#/$defs/level"},
    "actions": {"type": "array", "items": {"$ref": "#/$defs/actionTerm"}},
    "actors": {"type": "array", "items": {"$ref": "#/$defs/actorTerm"}},
    "data_classes": {"type": "array", "items": {"$ref": "#/$defs/dataClassTerm"}},
    "permits": {"type": "array", "items": {"$ref": "#/$defs/permit"}},
    "forbids": {"type": "array", "items": {"$ref": "#/$defs/forbid"}},
    "requires": {"type": "array", "items": {"$ref": "#/$defs/require"}},
    "implies": {"type": "array", "items": {"$ref": "#/$defs/implication"}}
  },
  "$defs": {
    "id": {"type": "string", "pattern": "^[A-Za-z0-9_./:-]{1,128}$"},
    "pattern": {"type": "string", "pattern": "^(\\*|[A-Za-z0-9_./:-]{1,128})$"},
    "level": {"type": "integer", "minimum": 1, "maximum": 5},
    "scalar": {"type": ["string", "integer", "boolean"]},
    "actionTerm": {
      "type": "object",
      "required": ["id"],
      "additionalProperties": false,
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "description": {"type": "string"},
        "risk_level": {"$ref": "#/$defs/level"}
      }
    },
    "actorTerm": {
      "type": "object",
      "required": ["id"],
      "additionalProperties": false,
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "description": {"type": "string"},
        "trust_level": {"$ref": "#/$defs/level"}
      }
    },
    "dataClassTerm": {
      "type": "object",
      "required": ["id"],
      "additionalProperties": false,
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "description": {"type": "string"},
        "sensitivity": {"$ref": "#/$defs/level"}
      }
    },
    "condition": {
      "type": "object",
      "required": ["kind"],
      "additionalProperties": false,
      "properties": {
        "kind": {"enum": [
          "time_window", "rate_limit", "approval_present",
          "context_equals", "context_in",
          "data_sensitivity_at_most", "actor_trust_at_least"
        ]},
        "escalate_on_fail": {"type": "boolean"},
        "start": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
        "end": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
        "tz": {"type": "string"},
        "days": {
          "type": "array",
          "minItems": 1,
          "uniqueItems": true,
          "items": {"enum": ["sun", "mon", "tue", "wed", "thu", "fri", "sat"]}
        },
        "key": {"enum": ["actor", "action", "tenant", "actor_action"]},
        "max": {"type": "integer", "minimum": 1},
        "window": {"type": "string", "minLength": 2},
        "approver_role": {"type": "string", "minLength": 1},
        "field": {"type": "string", "minLength": 1},
        "value": {"$ref": "#/$defs/scalar"},
        "values": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/scalar"}},
        "level": {"$ref": "#/$defs/level"}
      }
    },
    "permit": {
      "type": "object",
      "required": ["id", "actor", "action"],
      "additionalProperties": false,
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "actor": {"$ref": "#/$defs/pattern"},
        "action": {"$ref": "#/$defs/pattern"},
        "data_class": {"$ref": "#/$defs/pattern"},
        "conditions": {"type": "array", "items": {"$ref": "#/$defs/condition"}}
      }
    },
    "forbid": {
      "type": "object",
      "required": ["id", "actor", "action", "reason"],
      "additionalProperties": false,
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "actor": {"$ref": "#/$defs/pattern"},
        "action": {"$ref": "#/$defs/pattern"},
        "data_class": {"$ref": "#/$defs/pattern"},
        "reason": {"type": "string", "minLength": 1}
      }
    },
    "require": {
      "type": "object",
      "required": ["id", "action"],
      "additionalProperties": false,
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "action": {"$ref": "#/$defs/pattern"},
        "conditions": {"type": "array", "items": {"$ref": "#/$defs/condition"}}
      }
    },
    "implication": {
      "type": "object",
      "required": ["id", "action", "implies"],
      "additionalProperties": false,
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "action": {"$ref": "#/$defs/pattern"},
        "implies": {"$ref": "#/$defs/id"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// compiledSchema compiles the document schema once.
func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://verdict.schemas.local/policy-document.schema.json"
		if err := c.AddResource(url, strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("policyloader: schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(url)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("policyloader: schema compile failed: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

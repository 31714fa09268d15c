package credential

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/certainly-param/vac-protocol/pkg/vacerr"
)

// factSchemaURL is a synthetic resource name for the compiler; no network
// fetch ever happens, the schema text is embedded below.
const factSchemaURL = "https://vac-protocol.local/schema/vac_facts.schema.json"

const factSchemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["fact"],
    "properties": {
      "fact": { "type": "string", "minLength": 1 },
      "args": { "type": "array" }
    },
    "additionalProperties": false
  }
}`

var (
	factSchema     *jsonschema.Schema
	factSchemaOnce sync.Once
	factSchemaErr  error
)

func compiledFactSchema() (*jsonschema.Schema, error) {
	factSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(factSchemaURL, strings.NewReader(factSchemaText)); err != nil {
			factSchemaErr = fmt.Errorf("credential: load fact schema: %w", err)
			return
		}
		factSchema, factSchemaErr = c.Compile(factSchemaURL)
	})
	return factSchema, factSchemaErr
}

// ValidateFacts checks that facts conforms to the vac_facts shape before it
// is trusted into policy evaluation: every entry must carry a non-empty
// fact name, and args, if present, must be an array.
func ValidateFacts(facts []VACFact) error {
	schema, err := compiledFactSchema()
	if err != nil {
		return vacerr.Wrap(vacerr.InternalError, "fact schema unavailable", err)
	}

	raw, err := json.Marshal(facts)
	if err != nil {
		return vacerr.Wrap(vacerr.InternalError, "facts not serializable", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return vacerr.Wrap(vacerr.InternalError, "facts not decodable", err)
	}
	if doc == nil {
		return nil
	}

	if err := schema.Validate(doc); err != nil {
		return vacerr.Wrap(vacerr.InvalidTokenFormat, "vac_facts failed schema validation", err)
	}
	return nil
}

package protocol

import (
	"encoding/json"
	"sync"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator compiles and caches JSON schemas used to validate action
// params and completable-queue bodies/responses (§4.6, §4.9).
//
// Grounded on validatePayloadJSONAgainstSchema in the teacher's registry
// service: unmarshal schema and payload, compile with jsonschema.NewCompiler,
// validate. Generalized with a compiled-schema cache keyed by call site, so
// a hot action path doesn't recompile its schema on every invocation.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator returns an empty validator ready for use.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks payload against schemaJSON, identified by id for caching
// purposes. A nil or empty schemaJSON is a no-op, matching the teacher's "no
// schema to validate against" shortcut: most actions and queues have none.
func (v *SchemaValidator) Validate(id string, schemaJSON []byte, payload json.RawMessage) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	schema, err := v.compile(id, schemaJSON)
	if err != nil {
		return actorerr.InternalErr(err)
	}

	var payloadDoc any
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if err := json.Unmarshal(payload, &payloadDoc); err != nil {
		return actorerr.InvalidParamsErr(err)
	}
	if err := schema.Validate(payloadDoc); err != nil {
		return actorerr.InvalidParamsErr(err)
	}
	return nil
}

func (v *SchemaValidator) compile(id string, schemaJSON []byte) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[id]; ok {
		return s, nil
	}

	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, doc); err != nil {
		return nil, err
	}
	schema, err := c.Compile(id)
	if err != nil {
		return nil, err
	}
	v.cache[id] = schema
	return schema, nil
}

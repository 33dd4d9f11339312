package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// SchemaSet holds the compiled request-body schemas. Compiled once at
// startup and shared by all handlers.
type SchemaSet struct {
	Claim       *jsonschema.Schema
	Challenge   *jsonschema.Schema
	AgentCreate *jsonschema.Schema
	GangCreate  *jsonschema.Schema
	GangJoin    *jsonschema.Schema
	Deposit     *jsonschema.Schema
}

func CompileSchemas() (*SchemaSet, error) {
	compile := func(name string) (*jsonschema.Schema, error) {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		return s, nil
	}

	var (
		set SchemaSet
		err error
	)
	if set.Claim, err = compile("claim.schema.json"); err != nil {
		return nil, err
	}
	if set.Challenge, err = compile("challenge.schema.json"); err != nil {
		return nil, err
	}
	if set.AgentCreate, err = compile("agent_create.schema.json"); err != nil {
		return nil, err
	}
	if set.GangCreate, err = compile("gang_create.schema.json"); err != nil {
		return nil, err
	}
	if set.GangJoin, err = compile("gang_join.schema.json"); err != nil {
		return nil, err
	}
	if set.Deposit, err = compile("deposit.schema.json"); err != nil {
		return nil, err
	}
	return &set, nil
}

// ValidateJSON checks raw against schema and decodes it into dst.
// Schema violations come back as E_BAD_REQUEST.
func ValidateJSON(schema *jsonschema.Schema, raw []byte, dst any) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Errorf(ErrBadRequest, "invalid JSON body")
	}
	if err := schema.Validate(v); err != nil {
		return Errorf(ErrBadRequest, "invalid request body: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return Errorf(ErrBadRequest, "invalid request body")
	}
	return nil
}

package rulestate

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed ledger.schema.json
var ledgerSchemaJSON []byte

var (
	ledgerSchemaOnce sync.Once
	ledgerSchema     *jsonschema.Schema
	ledgerSchemaErr  error
)

func compiledLedgerSchema() (*jsonschema.Schema, error) {
	ledgerSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(ledgerSchemaJSON))
		if err != nil {
			ledgerSchemaErr = fmt.Errorf("parse ledger schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("ledger.schema.json", doc); err != nil {
			ledgerSchemaErr = fmt.Errorf("add ledger schema: %w", err)
			return
		}
		ledgerSchema, ledgerSchemaErr = c.Compile("ledger.schema.json")
	})
	return ledgerSchema, ledgerSchemaErr
}

// ValidateLedgerJSON checks a serialized ledger document against the ledger
// schema.
func ValidateLedgerJSON(data []byte) error {
	schema, err := compiledLedgerSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Field: "ledger", Reason: err.Error()}
	}
	if err := schema.Validate(inst); err != nil {
		return &ValidationError{Field: "ledger", Reason: err.Error()}
	}
	return nil
}

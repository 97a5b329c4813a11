package researchsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Remote rows and feed payloads are validated before they reach the
// snapshot; a malformed row is skipped by the caller, never fatal to the
// batch it arrived in.
const workItemSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "ownerId", "status", "createdAt"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"ownerId": {"type": "string", "minLength": 1},
		"status": {"enum": ["pending", "active", "completed"]},
		"createdAt": {"type": "string", "format": "date-time"},
		"payload": {}
	}
}`

var workItemSchema = mustCompileWorkItemSchema()

func mustCompileWorkItemSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workItemSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("work item schema is invalid JSON: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("workitem.json", doc); err != nil {
		panic(fmt.Sprintf("work item schema resource: %v", err))
	}
	schema, err := compiler.Compile("workitem.json")
	if err != nil {
		panic(fmt.Sprintf("work item schema compile: %v", err))
	}
	return schema
}

// decodeWorkItem validates raw against the work-item schema and decodes it.
func decodeWorkItem(raw json.RawMessage) (WorkItem, error) {
	if len(raw) == 0 {
		return WorkItem{}, fmt.Errorf("%w: empty work item row", ErrInvalidInput)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return WorkItem{}, err
	}
	if err := workItemSchema.Validate(instance); err != nil {
		return WorkItem{}, err
	}
	var item WorkItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return WorkItem{}, err
	}
	return item, nil
}

// workItemID pulls just the id out of a row, for delete events whose rows may
// carry nothing else.
func workItemID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var partial struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	return strings.TrimSpace(partial.ID)
}

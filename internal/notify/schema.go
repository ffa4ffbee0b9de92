package notify

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchema guards field types on the inbound payload; unknown fields
// pass through untouched. Content-level checks (id-or-message, timestamp
// parsing) live in normalization.
const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"id":          {"type": "string"},
		"type":        {"type": "string"},
		"sender_id":   {"type": "string"},
		"sender_name": {"type": "string"},
		"message":     {"type": "string"},
		"created_at":  {"type": "string"},
		"read":        {"type": "boolean"}
	}
}`

func compileEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		panic("notify: bad embedded schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.schema.json", doc); err != nil {
		panic("notify: bad embedded schema: " + err.Error())
	}
	return c.MustCompile("event.schema.json")
}

package fleetapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validatorSet compiles the fixed set of request schemas used across routes
// (spec §4.G/§6), the same santhosh-tekuri/jsonschema/v6 compile-once-use-
// many-times pattern the teacher's StructuredValidator follows for agent
// response validation.
type validatorSet struct {
	schemas map[string]*jsonschema.Schema
}

// handlePattern matches handles, team names, and swarm names: 1-50 chars of
// letters, digits, underscore, or dash.
const handlePattern = `^[A-Za-z0-9_-]{1,50}$`

var rawSchemas = map[string]string{
	"auth": `{
		"type": "object",
		"required": ["teamName", "handle", "agentType"],
		"properties": {
			"teamName": {"type": "string", "pattern": "` + handlePattern + `"},
			"handle": {"type": "string", "pattern": "` + handlePattern + `"},
			"agentType": {"type": "string", "minLength": 1, "maxLength": 50}
		}
	}`,
	"chatCreate": `{
		"type": "object",
		"required": ["participants"],
		"properties": {
			"participants": {"type": "array", "items": {"type": "string"}, "minItems": 2}
		}
	}`,
	"messageCreate": `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1, "maxLength": 20000},
			"metadata": {"type": "object"}
		}
	}`,
	"taskCreate": `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1, "maxLength": 500},
			"description": {"type": "string"},
			"priority": {"type": "integer", "minimum": 1, "maximum": 5},
			"assignedTo": {"type": "string"},
			"batchId": {"type": "string"},
			"blockedBy": {"type": "array", "items": {"type": "string"}},
			"metadata": {"type": "object"}
		}
	}`,
	"taskPatch": `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "blocked", "cancelled", "open", "resolved"]},
			"assignedTo": {"type": "string"}
		}
	}`,
	"spawnRequest": `{
		"type": "object",
		"required": ["targetAgentType"],
		"properties": {
			"targetAgentType": {"type": "string", "minLength": 1, "maxLength": 50},
			"depthLevel": {"type": "integer", "minimum": 0, "maximum": 10},
			"swarmId": {"type": "string"},
			"priority": {"type": "integer", "minimum": 1, "maximum": 5},
			"dependsOn": {"type": "array", "items": {"type": "string"}},
			"workingDir": {"type": "string"},
			"initialPrompt": {"type": "string"},
			"model": {"type": "string"}
		}
	}`,
	"blackboardPost": `{
		"type": "object",
		"required": ["swarmId", "messageType", "payload"],
		"properties": {
			"swarmId": {"type": "string", "minLength": 1},
			"messageType": {"type": "string", "enum": ["request", "response", "status", "directive", "checkpoint"]},
			"priority": {"type": "string", "enum": ["low", "normal", "high", "critical"]},
			"payload": {},
			"targetHandle": {"type": "string"}
		}
	}`,
	"checkpointCreate": `{
		"type": "object",
		"required": ["workerHandle", "goal"],
		"properties": {
			"workerHandle": {"type": "string", "minLength": 1},
			"fromHandle": {"type": "string"},
			"toHandle": {"type": "string"},
			"goal": {"type": "string", "minLength": 1},
			"now": {"type": "string"},
			"test": {"type": "string"},
			"doneThisSession": {"type": "array"},
			"blockers": {"type": "array"},
			"questions": {"type": "array"},
			"next": {"type": "array"}
		}
	}`,
	"swarmCreate": `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "pattern": "` + handlePattern + `"},
			"maxAgents": {"type": "integer", "minimum": 1, "maximum": 100}
		}
	}`,
	"scheduleCreate": `{
		"type": "object",
		"required": ["name", "cronExpr", "taskTemplateIds"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"cronExpr": {"type": "string", "minLength": 1},
			"taskTemplateIds": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"repository": {"type": "string"},
			"enabled": {"type": "boolean"}
		}
	}`,
	"tldrUpsert": `{
		"type": "object",
		"required": ["scope", "refId", "contentHash", "summary"],
		"properties": {
			"scope": {"type": "string", "pattern": "` + handlePattern + `"},
			"refId": {"type": "string", "minLength": 1, "maxLength": 100},
			"contentHash": {"type": "string", "minLength": 1, "maxLength": 128},
			"summary": {"type": "string", "minLength": 1, "maxLength": 50000}
		}
	}`,
	"templateCreate": `{
		"type": "object",
		"required": ["name", "role", "promptTemplate"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"category": {"type": "string"},
			"role": {"type": "string", "minLength": 1},
			"promptTemplate": {"type": "string", "minLength": 1},
			"estimatedMinutes": {"type": "integer"},
			"requiredContext": {"type": "array", "items": {"type": "string"}}
		}
	}`,
}

// newValidatorSet compiles every entry of rawSchemas once at server start,
// panicking on a malformed literal schema the same way the teacher treats a
// compile failure of a schema it owns as a programmer error, not a runtime one.
func newValidatorSet() *validatorSet {
	vs := &validatorSet{schemas: make(map[string]*jsonschema.Schema, len(rawSchemas))}
	for name, raw := range rawSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("fleetapi: schema %q: unmarshal: %v", name, err))
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".json", doc); err != nil {
			panic(fmt.Sprintf("fleetapi: schema %q: add resource: %v", name, err))
		}
		schema, err := c.Compile(name + ".json")
		if err != nil {
			panic(fmt.Sprintf("fleetapi: schema %q: compile: %v", name, err))
		}
		vs.schemas[name] = schema
	}
	return vs
}

// decode reads the request body, validates it against schemaName, and on
// success unmarshals it into out via the standard encoding/json (the schema
// validation already ran over jsonschema's own json.Number-preserving
// decode, so a second, ordinary unmarshal into the caller's typed struct is
// safe and simpler than threading jsonschema's decoded value through).
func (vs *validatorSet) decode(r *http.Request, schemaName string, out any) *apiError {
	schema, ok := vs.schemas[schemaName]
	if !ok {
		return errInternal("unknown validation schema " + schemaName)
	}
	raw, err := jsonschema.UnmarshalJSON(r.Body)
	if err != nil {
		return errBadRequest("invalid JSON body: " + err.Error())
	}
	if err := schema.Validate(raw); err != nil {
		return errBadRequest("validation failed: " + err.Error())
	}
	reencoded, err := json.Marshal(raw)
	if err != nil {
		return errInternal("re-encode validated body failed")
	}
	if err := json.Unmarshal(reencoded, out); err != nil {
		return errBadRequest("body does not match expected shape: " + err.Error())
	}
	return nil
}

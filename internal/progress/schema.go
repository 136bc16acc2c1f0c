package progress

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["config", "entities"],
  "properties": {
    "startTime": {"type": "string"},
    "runId": {"type": "string"},
    "lastUpdated": {"type": "string"},
    "config": {
      "type": "object",
      "required": ["historyWindowYears", "chunkSpanDays", "includeExtendedHours"],
      "properties": {
        "historyWindowYears": {"type": "integer", "minimum": 0},
        "chunkSpanDays": {"type": "integer", "minimum": 0},
        "includeExtendedHours": {"type": "boolean"}
      }
    },
    "entities": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["entityId", "lastFetchedPointer", "targetStartPointer", "completed", "totalRecords"],
        "properties": {
          "entityId": {"type": "string", "minLength": 1},
          "label": {"type": "string"},
          "validFrom": {"type": "string"},
          "validUntil": {"type": "string"},
          "lastFetchedPointer": {"type": "string", "minLength": 1},
          "targetStartPointer": {"type": "string", "minLength": 1},
          "completed": {"type": "boolean"},
          "totalRecords": {"type": "integer", "minimum": 0},
          "csvPath": {"type": "string"},
          "lastUpdated": {"type": "string"},
          "unfetchable": {"type": "boolean"},
          "lastError": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("progress.json", strings.NewReader(fileSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("progress.json")
	})
	return schemaCompiled, schemaErr
}

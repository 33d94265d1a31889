package handlers

import "github.com/xeipuuv/gojsonschema"

var SubmitMP3RequestSchemaDefinition = `{
	"type": "object",
	"properties": {
		"url": {
			"type": "string",
			"minLength": 1,
			"pattern": "^https?://"
		},
		"urls": {
			"type": "array",
			"minItems": 1,
			"maxItems": 100,
			"items": {
				"type": "string",
				"minLength": 1,
				"pattern": "^https?://"
			}
		}
	},
	"oneOf": [
		{"required": ["url"]},
		{"required": ["urls"]}
	],
	"additionalProperties": false
}`

var inputSchemas map[string]string = map[string]string{
	"SubmitMP3": SubmitMP3RequestSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// rase panic on program start
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

// Run compile step on program start:
var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()

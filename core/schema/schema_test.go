package schema_test

import (
	"testing"
	"testing/fstest"

	"github.com/relabs-tech/pulse/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	refID = `{ "$id": "http://pulse.local/refs/id.json",
	           "type": "string", "minLength": 1 }`

	sampleSchema = `
	{ "$id": "http://pulse.local/sample.json",
	  "type": "object",
	  "required": ["id", "value"],
	  "properties": {
	    "id": { "$ref": "http://pulse.local/refs/id.json" },
	    "value": { "type": "integer" }
	  }
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{sampleSchema}, []string{refID})
	require.NoError(t, err)

	schemaID := "http://pulse.local/sample.json"
	assert.NoError(t, v.ValidateString(`{"id":"a","value":3}`, schemaID))
	assert.Error(t, v.ValidateString(`{"id":"","value":3}`, schemaID))
	assert.Error(t, v.ValidateString(`{"id":"a","value":"3"}`, schemaID))
	assert.Error(t, v.ValidateBytes([]byte(`{"value":3}`), schemaID))
	assert.Error(t, v.ValidateString(`{"id":"a","value":3}`, "http://pulse.local/unknown.json"))
}

func TestValidateStruct(t *testing.T) {
	v, err := schema.NewValidator([]string{sampleSchema}, []string{refID})
	require.NoError(t, err)

	type sample struct {
		ID    string `json:"id"`
		Value int    `json:"value"`
	}
	type wrong struct {
		ID string `json:"identifier"`
	}
	assert.NoError(t, v.ValidateStruct(sample{"a", 1}, "http://pulse.local/sample.json"))
	assert.Error(t, v.ValidateStruct(wrong{"a"}, "http://pulse.local/sample.json"))
}

func TestMissingID(t *testing.T) {
	_, err := schema.NewValidator([]string{`{"type":"object"}`}, nil)
	assert.Error(t, err)
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/sample.json":  {Data: []byte(sampleSchema)},
		"schemas/README.md":    {Data: []byte("ignored")},
		"schemas/refs/id.json": {Data: []byte(refID)},
	}
	v, err := schema.NewValidatorFromFS(fsys, "schemas")
	require.NoError(t, err)
	assert.True(t, v.HasSchema("http://pulse.local/sample.json"))
	assert.False(t, v.HasSchema("http://pulse.local/refs/id.json"))
	assert.NoError(t, v.ValidateString(`{"id":"a","value":3}`, "http://pulse.local/sample.json"))

	// refs are optional
	noRefs := fstest.MapFS{
		"schemas/plain.json": {Data: []byte(`{"$id":"http://pulse.local/plain.json","type":"integer"}`)},
	}
	v, err = schema.NewValidatorFromFS(noRefs, "schemas")
	require.NoError(t, err)
	assert.True(t, v.HasSchema("http://pulse.local/plain.json"))

	_, err = schema.NewValidatorFromFS(noRefs, "missing")
	assert.Error(t, err)
}

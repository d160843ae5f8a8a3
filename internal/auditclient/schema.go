package auditclient

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

var (
	jobSchema      = mustCompile("job.json")
	documentSchema = mustCompile("document.json")
	answerSchema   = mustCompile("answer.json")
)

func mustCompile(name string) *jsonschema.Schema {
	b, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		panic(fmt.Errorf("add schema %s: %w", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Errorf("compile schema %s: %w", name, err))
	}
	return schema
}

package tasks

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// compileSchema compiles a task's output JSON Schema.
func compileSchema(raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: output schema is not JSON: %w", ErrInvalidArgument, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output.json", doc); err != nil {
		return nil, fmt.Errorf("%w: output schema: %w", ErrInvalidArgument, err)
	}
	sch, err := c.Compile("output.json")
	if err != nil {
		return nil, fmt.Errorf("%w: output schema: %w", ErrInvalidArgument, err)
	}
	return sch, nil
}

// validateOutput checks output against the schema and returns one message
// per failing location. It returns the decoded output when valid.
func validateOutput(sch *jsonschema.Schema, output []byte) (any, []string) {
	if len(bytes.TrimSpace(output)) == 0 {
		return nil, []string{"output is required by the task schema"}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(output))
	if err != nil {
		return nil, []string{"output is not valid JSON: " + err.Error()}
	}
	err = sch.Validate(inst)
	if err == nil {
		return inst, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, []string{err.Error()}
	}
	return nil, flatten(ve, nil)
}

func flatten(ve *jsonschema.ValidationError, out []string) []string {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		return append(out, loc+": "+ve.ErrorKind.LocalizedString(printer))
	}
	for _, c := range ve.Causes {
		out = flatten(c, out)
	}
	return out
}

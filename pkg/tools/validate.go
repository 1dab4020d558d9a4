package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// ValidationError describes a parameter validation failure in terms the
// model can act on: it lists the expected fields.
type ValidationError struct {
	ServerID string
	Action   string
	Reason   string
	Expected []protocol.Parameter
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid parameters for %s.%s: %s.", e.ServerID, e.Action, e.Reason)
	if len(e.Expected) > 0 {
		b.WriteString(" Expected fields:")
		for _, p := range e.Expected {
			fmt.Fprintf(&b, " %s (%s", p.Name, p.Type)
			if p.Required {
				b.WriteString(", required")
			}
			b.WriteString(")")
		}
	}
	return b.String()
}

// capabilitySchema renders a capability's parameter declarations as a
// JSON schema document.
func capabilitySchema(cap *protocol.Capability) (string, error) {
	properties := make(map[string]any, len(cap.Parameters))
	var required []string

	for _, p := range cap.Parameters {
		prop := map[string]any{}
		if t := normalizeType(p.Type); t != "" {
			prop["type"] = t
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func normalizeType(t string) string {
	switch strings.ToLower(t) {
	case "string", "str":
		return "string"
	case "integer", "int":
		return "integer"
	case "number", "float":
		return "number"
	case "boolean", "bool":
		return "boolean"
	case "object", "dict", "map":
		return "object"
	case "array", "list":
		return "array"
	}
	return ""
}

// ValidateParams checks params against the capability's declarations
// and fills declared defaults for absent optional parameters. The
// returned map is a copy; the input is never mutated.
func ValidateParams(cap *protocol.Capability, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}

	filled := make(map[string]any, len(params))
	for k, v := range params {
		filled[k] = v
	}
	for _, p := range cap.Parameters {
		if _, present := filled[p.Name]; !present && p.Default != nil {
			filled[p.Name] = p.Default
		}
	}

	schemaDoc, err := capabilitySchema(cap)
	if err != nil {
		return nil, NewOrchestratorError("Validator", "ValidateParams", "failed to render schema", err)
	}

	schema, err := jsonschema.CompileString(cap.ServerID+"/"+cap.Action+".json", schemaDoc)
	if err != nil {
		return nil, NewOrchestratorError("Validator", "ValidateParams", "failed to compile schema", err)
	}

	// The validator works on generic JSON values; round-trip to get them.
	raw, err := json.Marshal(filled)
	if err != nil {
		return nil, &ValidationError{
			ServerID: cap.ServerID,
			Action:   cap.Action,
			Reason:   "parameters are not JSON-serializable",
			Expected: cap.Parameters,
		}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &ValidationError{
			ServerID: cap.ServerID,
			Action:   cap.Action,
			Reason:   "parameters are not a JSON object",
			Expected: cap.Parameters,
		}
	}

	if err := schema.Validate(generic); err != nil {
		return nil, &ValidationError{
			ServerID: cap.ServerID,
			Action:   cap.Action,
			Reason:   validationReason(err),
			Expected: cap.Parameters,
		}
	}

	return filled, nil
}

func validationReason(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		return leaf.Message
	}
	return err.Error()
}

package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

func executeCapability() *protocol.Capability {
	return &protocol.Capability{
		ServerID:    "microsandbox",
		Action:      "microsandbox_execute",
		Description: "Run Python code",
		Parameters: []protocol.Parameter{
			{Name: "code", Type: "string", Required: true},
			{Name: "timeout", Type: "integer", Default: 30},
		},
	}
}

func TestValidateParams_OK(t *testing.T) {
	filled, err := ValidateParams(executeCapability(), map[string]any{"code": "print(1)"})
	require.NoError(t, err)

	assert.Equal(t, "print(1)", filled["code"])
	assert.Equal(t, 30, filled["timeout"], "declared default must be filled")
}

func TestValidateParams_MissingRequired(t *testing.T) {
	_, err := ValidateParams(executeCapability(), map[string]any{"timeout": 5})
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "code (string, required)")
}

func TestValidateParams_WrongType(t *testing.T) {
	_, err := ValidateParams(executeCapability(), map[string]any{"code": 42})
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "microsandbox", ve.ServerID)
}

func TestValidateParams_InputNotMutated(t *testing.T) {
	in := map[string]any{"code": "x"}
	_, err := ValidateParams(executeCapability(), in)
	require.NoError(t, err)

	_, hasDefault := in["timeout"]
	assert.False(t, hasDefault)
}

func TestValidateParams_NilParams(t *testing.T) {
	cap := &protocol.Capability{
		ServerID: "s", Action: "a",
		Parameters: []protocol.Parameter{{Name: "q", Type: "string"}},
	}
	filled, err := ValidateParams(cap, nil)
	require.NoError(t, err)
	assert.Empty(t, filled)
}

package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

func dirWith(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	return dir
}

func TestDetectProjectType(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  protocol.ProjectType
	}{
		{"node", []string{"package.json"}, protocol.ProjectNode},
		{"typescript wins over node", []string{"package.json", "tsconfig.json"}, protocol.ProjectTS},
		{"python pyproject", []string{"pyproject.toml"}, protocol.ProjectPython},
		{"python requirements", []string{"requirements.txt"}, protocol.ProjectPython},
		{"rust", []string{"Cargo.toml"}, protocol.ProjectRust},
		{"go", []string{"go.mod"}, protocol.ProjectGo},
		{"node wins over python", []string{"package.json", "requirements.txt"}, protocol.ProjectNode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectProjectType(dirWith(t, tt.files...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectProjectType_Unknown(t *testing.T) {
	_, err := DetectProjectType(t.TempDir())
	require.ErrorIs(t, err, ErrUnknownProjectType)
}

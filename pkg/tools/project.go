package tools

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// ErrUnknownProjectType is returned when no detection rule matches.
var ErrUnknownProjectType = fmt.Errorf("unknown_project_type")

// DetectProjectType classifies a server source tree. Rules run in
// priority order; the first match wins.
func DetectProjectType(dir string) (protocol.ProjectType, error) {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}

	switch {
	case exists("package.json") && exists("tsconfig.json"):
		return protocol.ProjectTS, nil
	case exists("package.json"):
		return protocol.ProjectNode, nil
	case exists("pyproject.toml") || exists("requirements.txt"):
		return protocol.ProjectPython, nil
	case exists("Cargo.toml"):
		return protocol.ProjectRust, nil
	case exists("go.mod"):
		return protocol.ProjectGo, nil
	}

	return "", ErrUnknownProjectType
}

// installCommands returns the dependency installation steps for a
// project type. Each entry is argv form.
func installCommands(projectType protocol.ProjectType, dir string) [][]string {
	switch projectType {
	case protocol.ProjectPython:
		venv := filepath.Join(dir, ".venv")
		cmds := [][]string{{"python3", "-m", "venv", venv}}
		if _, err := os.Stat(filepath.Join(dir, "requirements.txt")); err == nil {
			cmds = append(cmds, []string{filepath.Join(venv, "bin", "pip"), "install", "-r", "requirements.txt"})
		} else {
			cmds = append(cmds, []string{filepath.Join(venv, "bin", "pip"), "install", "."})
		}
		return cmds
	case protocol.ProjectNode, protocol.ProjectTS:
		return [][]string{{"npm", "install", "--omit=dev"}}
	case protocol.ProjectRust:
		return [][]string{{"cargo", "build", "--release"}}
	case protocol.ProjectGo:
		return [][]string{{"go", "build", "-o", "server", "."}}
	}
	return nil
}

// launchCommand returns the default launch argv for a project type.
func launchCommand(projectType protocol.ProjectType, dir string) []string {
	switch projectType {
	case protocol.ProjectPython:
		python := filepath.Join(dir, ".venv", "bin", "python")
		return []string{python, entrypoint(dir, "main.py", "server.py", "app.py")}
	case protocol.ProjectNode:
		return []string{"node", entrypoint(dir, "index.js", "server.js", "main.js")}
	case protocol.ProjectTS:
		return []string{"npx", "ts-node", entrypoint(dir, "index.ts", "server.ts", "main.ts")}
	case protocol.ProjectRust:
		return []string{filepath.Join(dir, "target", "release", filepath.Base(dir))}
	case protocol.ProjectGo:
		return []string{filepath.Join(dir, "server")}
	}
	return nil
}

// entrypoint picks the first existing candidate file, defaulting to the
// first candidate when none exist.
func entrypoint(dir string, candidates ...string) string {
	for _, name := range candidates {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return name
		}
	}
	return candidates[0]
}

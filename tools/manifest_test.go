/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package tools

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PivotLLM/Conduit/faults"
)

const yamlManifest = `
tools:
  - name: pr_violations
    description: Check a pull request for policy violations
    command: /usr/local/bin/pr-violations
    args: ["--pr", "{{pr_url}}", "--format", "json"]
    env:
      REVIEW_MODE: "{{mode}}"
    timeout: 2m
    max_output_bytes: 4096
    read_only: true
  - name: summarize
    description: Summarize text from stdin
    command: wc -w
    shell: true
    stdin: text
`

const jsoncManifest = `{
  // review tools
  "tools": [
    {
      "name": "code_review",
      "command": "review.sh",
      "args": ["{{path}}"],
      "input_schema": {
        "type": "object",
        "required": ["path"],
        "properties": {"path": {"type": "string"}, "depth": {"type": "integer"}}
      },
    },
  ],
}`

const tomlManifest = `
[[tools]]
name = "grep_repo"
command = "grep -rn {{pattern}} ."
shell = true
working_dir = "/srv/repo"
destructive = false
`

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadManifestFormats(t *testing.T) {
	tests := []struct {
		file  string
		body  string
		names []string
	}{
		{"tools.yaml", yamlManifest, []string{"pr_violations", "summarize"}},
		{"tools.yml", yamlManifest, []string{"pr_violations", "summarize"}},
		{"tools.jsonc", jsoncManifest, []string{"code_review"}},
		{"tools.json", `{"tools":[{"name":"lint","command":"golangci-lint","args":["run"]}]}`, []string{"lint"}},
		{"tools.toml", tomlManifest, []string{"grep_repo"}},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			m, err := LoadManifest(writeManifest(t, tt.file, tt.body))
			require.NoError(t, err)

			var names []string
			for _, mt := range m.Tools {
				names = append(names, mt.Name)
			}
			assert.Equal(t, tt.names, names)

			c := NewCatalog(nil)
			require.NoError(t, m.Register(c))
			assert.Equal(t, tt.names, c.Names())
		})
	}
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unsupported extension", "tools.ini", "x=1"},
		{"missing name", "tools.json", `{"tools":[{"command":"x"}]}`},
		{"missing command", "tools.json", `{"tools":[{"name":"x"}]}`},
		{"bad timeout", "tools.json", `{"tools":[{"name":"x","command":"y","timeout":"soon"}]}`},
		{"timeout too long", "tools.json", `{"tools":[{"name":"x","command":"y","timeout":"48h"}]}`},
		{"shell with args", "tools.json", `{"tools":[{"name":"x","command":"y","shell":true,"args":["z"]}]}`},
		{"malformed", "tools.yaml", "tools: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadManifest(writeManifest(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestManifestToolBuild(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, "tools.yaml", yamlManifest))
	require.NoError(t, err)
	c := NewCatalog(nil)
	require.NoError(t, m.Register(c))

	pr, ok := c.Get("pr_violations")
	require.True(t, ok)
	assert.Equal(t, KindCommand, pr.Kind)
	assert.Equal(t, 2*time.Minute, pr.Timeout)
	assert.Equal(t, int64(4096), pr.MaxOutputBytes)
	assert.True(t, pr.ReadOnly)

	// inferred schema requires every placeholder
	assert.Equal(t, faults.CodeValidationFailed, faultCode(t, c.Validate("pr_violations", map[string]any{"pr_url": "x"})))
	args := map[string]any{"pr_url": "https://example.com/pr/1", "mode": "strict"}
	require.NoError(t, c.Validate("pr_violations", args))

	spec, err := pr.Command(args)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/pr-violations", spec.Program)
	assert.Equal(t, []string{"--pr", "https://example.com/pr/1", "--format", "json"}, spec.Args)
	assert.Equal(t, []string{"REVIEW_MODE=strict"}, spec.Env)
	assert.Equal(t, 2*time.Minute, spec.Timeout)
	assert.False(t, spec.Shell)

	sum, _ := c.Get("summarize")
	spec, err = sum.Command(map[string]any{"text": "one two three"})
	require.NoError(t, err)
	assert.True(t, spec.Shell)
	assert.Equal(t, "wc -w", spec.Program)
	assert.Equal(t, "one two three", spec.Stdin)
}

func TestShellSubstitutionIsQuoted(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, "tools.toml", tomlManifest))
	require.NoError(t, err)
	tool, err := m.Tools[0].Tool()
	require.NoError(t, err)

	spec, err := tool.Command(map[string]any{"pattern": "it's; rm -rf /"})
	require.NoError(t, err)
	assert.Equal(t, `grep -rn 'it'"'"'s; rm -rf /' .`, spec.Program)
	assert.Equal(t, "/srv/repo", spec.Dir)
}

func TestExplicitSchemaWins(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, "tools.jsonc", jsoncManifest))
	require.NoError(t, err)
	c := NewCatalog(nil)
	require.NoError(t, m.Register(c))

	assert.NoError(t, c.Validate("code_review", map[string]any{"path": "main.go", "depth": 2}))
	assert.Equal(t, faults.CodeValidationFailed, faultCode(t, c.Validate("code_review", map[string]any{"path": "main.go", "depth": "deep"})))
}

func TestArgString(t *testing.T) {
	assert.Equal(t, "", argString(nil))
	assert.Equal(t, "x", argString("x"))
	assert.Equal(t, "3", argString(float64(3)))
	assert.Equal(t, "true", argString(true))
	assert.Equal(t, `["a","b"]`, argString([]any{"a", "b"}))
}

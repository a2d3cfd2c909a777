/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/runner"
)

// placeholderRe matches {{name}} argument placeholders
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ManifestTool declares a script-backed command tool
type ManifestTool struct {
	Name           string            `json:"name" yaml:"name" toml:"name"`
	Description    string            `json:"description" yaml:"description" toml:"description"`
	Command        string            `json:"command" yaml:"command" toml:"command"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Shell          bool              `json:"shell,omitempty" yaml:"shell,omitempty" toml:"shell,omitempty"`
	Stdin          string            `json:"stdin,omitempty" yaml:"stdin,omitempty" toml:"stdin,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty" toml:"working_dir,omitempty"`
	Timeout        string            `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	MaxOutputBytes int64             `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty" toml:"max_output_bytes,omitempty"`
	InputSchema    map[string]any    `json:"input_schema,omitempty" yaml:"input_schema,omitempty" toml:"input_schema,omitempty"`
	ReadOnly       bool              `json:"read_only,omitempty" yaml:"read_only,omitempty" toml:"read_only,omitempty"`
	Destructive    bool              `json:"destructive,omitempty" yaml:"destructive,omitempty" toml:"destructive,omitempty"`
}

// Manifest is a file of tool declarations
type Manifest struct {
	Tools []ManifestTool `json:"tools" yaml:"tools" toml:"tools"`
}

// LoadManifest reads a manifest. The format follows the file extension:
// .yaml/.yml, .json, .jsonc or .toml.
func LoadManifest(path string) (*Manifest, error) {
	path = global.ExpandHomePath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool manifest: %w", err)
	}

	var m Manifest
	switch format := global.FileFormat(path); format {
	case "yaml":
		err = yaml.Unmarshal(data, &m)
	case "json":
		err = json.Unmarshal(data, &m)
	case "jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &m)
	case "toml":
		err = toml.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("unsupported tool manifest format: %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse tool manifest %s: %w", path, err)
	}

	for i := range m.Tools {
		if err := m.Tools[i].validate(); err != nil {
			return nil, fmt.Errorf("tool manifest %s, entry %d: %w", path, i+1, err)
		}
	}
	return &m, nil
}

func (mt *ManifestTool) validate() error {
	if strings.TrimSpace(mt.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(mt.Command) == "" {
		return fmt.Errorf("tool %s: command is required", mt.Name)
	}
	if mt.Timeout != "" {
		d, err := time.ParseDuration(mt.Timeout)
		if err != nil {
			return fmt.Errorf("tool %s: invalid timeout: %w", mt.Name, err)
		}
		if _, err := global.ValidateTimeout(d, 0); err != nil {
			return fmt.Errorf("tool %s: %w", mt.Name, err)
		}
	}
	if mt.Shell && len(mt.Args) > 0 {
		return fmt.Errorf("tool %s: shell tools take a single command line, not args", mt.Name)
	}
	if mt.MaxOutputBytes < 0 {
		return fmt.Errorf("tool %s: max_output_bytes must not be negative", mt.Name)
	}
	return nil
}

// Register adds every manifest tool to c
func (m *Manifest) Register(c *Catalog) error {
	for i := range m.Tools {
		t, err := m.Tools[i].Tool()
		if err != nil {
			return err
		}
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Tool converts the declaration into a command tool
func (mt *ManifestTool) Tool() (*Tool, error) {
	schema := mt.InputSchema
	if schema == nil {
		schema = mt.inferSchema()
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: invalid input_schema: %w", mt.Name, err)
	}

	var timeout time.Duration
	if mt.Timeout != "" {
		timeout, _ = time.ParseDuration(mt.Timeout)
	}

	decl := *mt
	return &Tool{
		Name:           mt.Name,
		Description:    mt.Description,
		Kind:           KindCommand,
		InputSchema:    raw,
		ReadOnly:       mt.ReadOnly,
		Destructive:    mt.Destructive,
		Timeout:        timeout,
		MaxOutputBytes: mt.MaxOutputBytes,
		Command:        decl.build,
	}, nil
}

// placeholders returns the argument names referenced by the declaration
func (mt *ManifestTool) placeholders() []string {
	seen := map[string]bool{}
	var names []string
	add := func(s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	add(mt.Command)
	for _, a := range mt.Args {
		add(a)
	}
	for _, v := range mt.Env {
		add(v)
	}
	if mt.Stdin != "" && !seen[mt.Stdin] {
		seen[mt.Stdin] = true
		names = append(names, mt.Stdin)
	}
	sort.Strings(names)
	return names
}

// inferSchema builds a schema requiring every referenced argument as a string
func (mt *ManifestTool) inferSchema() map[string]any {
	names := mt.placeholders()
	props := make(map[string]any, len(names))
	for _, n := range names {
		props[n] = map[string]any{"type": "string"}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(names) > 0 {
		schema["required"] = names
	}
	return schema
}

// build substitutes arguments into the declaration
func (mt ManifestTool) build(args map[string]any) (runner.Spec, error) {
	spec := runner.Spec{
		Program:        substitute(mt.Command, args, mt.Shell),
		Shell:          mt.Shell,
		Dir:            global.ExpandHomePath(mt.WorkingDir),
		MaxOutputBytes: mt.MaxOutputBytes,
	}
	if mt.Timeout != "" {
		spec.Timeout, _ = time.ParseDuration(mt.Timeout)
	}

	for _, a := range mt.Args {
		spec.Args = append(spec.Args, substitute(a, args, false))
	}

	keys := make([]string, 0, len(mt.Env))
	for k := range mt.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		spec.Env = append(spec.Env, k+"="+substitute(mt.Env[k], args, false))
	}

	if mt.Stdin != "" {
		spec.Stdin = argString(args[mt.Stdin])
	}
	return spec, nil
}

// substitute replaces {{name}} placeholders. Values substituted into a shell
// command line are single-quoted.
func substitute(s string, args map[string]any, quote bool) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v := argString(args[name])
		if quote {
			return shellQuote(v)
		}
		return v
	})
}

func argString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool, float64, int, int64:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

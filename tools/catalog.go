/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package tools holds the tool catalog: descriptors, argument validation,
// built-in handlers and script-backed tools loaded from a manifest.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Conduit/faults"
	"github.com/PivotLLM/Conduit/logging"
	"github.com/PivotLLM/Conduit/runner"
)

// Kind says how a tool executes
type Kind string

const (
	// KindFunc tools run in-process
	KindFunc Kind = "func"
	// KindCommand tools run as a subprocess and always stream
	KindCommand Kind = "command"
)

// Handler is an in-process tool. progress emits a chunk of output.
type Handler func(ctx context.Context, args map[string]any, progress func(string)) (any, error)

// CommandBuilder turns validated arguments into a subprocess spec
type CommandBuilder func(args map[string]any) (runner.Spec, error)

// Tool is a registered tool
type Tool struct {
	Name           string
	Description    string
	Kind           Kind
	InputSchema    json.RawMessage
	ReadOnly       bool
	Destructive    bool
	Timeout        time.Duration
	MaxOutputBytes int64

	Handler Handler
	Command CommandBuilder
}

// Descriptor returns the MCP descriptor advertised by tools/list
func (t *Tool) Descriptor() mcp.Tool {
	tool := mcp.NewToolWithRawSchema(t.Name, t.Description, t.InputSchema)
	tool.Annotations = mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(t.ReadOnly),
		DestructiveHint: mcp.ToBoolPtr(t.Destructive),
		OpenWorldHint:   mcp.ToBoolPtr(t.Kind == KindCommand),
	}
	return tool
}

// Catalog is the set of tools a server exposes
type Catalog struct {
	logger    *logging.Logger
	validator *Validator

	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewCatalog creates an empty catalog
func NewCatalog(logger *logging.Logger) *Catalog {
	return &Catalog{
		logger:    logger,
		validator: NewValidator(logger),
		tools:     make(map[string]*Tool),
	}
}

// Register adds a tool. Names must be unique and the tool must carry the
// implementation its kind requires.
func (c *Catalog) Register(t *Tool) error {
	if t == nil || strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}

	switch t.Kind {
	case KindFunc:
		if t.Handler == nil {
			return fmt.Errorf("tool %s: func tool has no handler", t.Name)
		}
	case KindCommand:
		if t.Command == nil {
			return fmt.Errorf("tool %s: command tool has no command builder", t.Name)
		}
	default:
		return fmt.Errorf("tool %s: unknown kind %q", t.Name, t.Kind)
	}

	if len(t.InputSchema) == 0 {
		t.InputSchema = json.RawMessage(`{"type":"object"}`)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tools[t.Name]; exists {
		return fmt.Errorf("tool %s is already registered", t.Name)
	}
	if err := c.validator.Compile(t.Name, t.InputSchema); err != nil {
		return err
	}

	c.tools[t.Name] = t
	c.order = append(c.order, t.Name)
	c.logger.Debugf("Registered %s tool %s", t.Kind, t.Name)
	return nil
}

// Get returns a tool by name
func (c *Catalog) Get(name string) (*Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// Names returns tool names in registration order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// List returns MCP descriptors in registration order
func (c *Catalog) List() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]mcp.Tool, 0, len(c.order))
	for _, name := range c.order {
		list = append(list, c.tools[name].Descriptor())
	}
	return list
}

// Len returns the number of registered tools
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Validate checks args against the named tool's input schema. An unknown tool
// is InvalidParams, a schema violation is ValidationFailed.
func (c *Catalog) Validate(name string, args map[string]any) error {
	if _, ok := c.Get(name); !ok {
		return faults.Newf(faults.CodeInvalidParams, "unknown tool: %s", name)
	}

	result, err := c.validator.Validate(name, args)
	if err != nil {
		return faults.Wrap(faults.CodeInternal, err, "failed to validate arguments")
	}
	if !result.Valid {
		return faults.Newf(faults.CodeValidationFailed, "invalid arguments for %s: %s", name, strings.Join(result.Errors, "; ")).
			WithDetail("errors", result.Errors)
	}
	return nil
}

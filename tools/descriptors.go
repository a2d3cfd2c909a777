/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package tools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Conduit/global"
)

// Resources returns the static resource descriptors. Only descriptors are
// served; resources/read is not implemented.
func Resources() []mcp.Resource {
	return []mcp.Resource{
		mcp.NewResource(global.ResourceToolCatalog, "Tool catalog",
			mcp.WithResourceDescription("Tools registered with this server"),
			mcp.WithMIMEType("application/json"),
		),
		mcp.NewResource(global.ResourceServerConfig, "Server configuration",
			mcp.WithResourceDescription("Effective limits for sessions and executions"),
			mcp.WithMIMEType("application/json"),
		),
	}
}

// Prompts returns the static prompt descriptors
func Prompts() []mcp.Prompt {
	return []mcp.Prompt{
		mcp.NewPrompt(global.PromptPRReview,
			mcp.WithPromptDescription("Review a pull request for correctness and style"),
			mcp.WithArgument("pr_url",
				mcp.ArgumentDescription("URL of the pull request"),
				mcp.RequiredArgument(),
			),
		),
	}
}

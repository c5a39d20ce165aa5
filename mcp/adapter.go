package mcp

import (
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolContextFrom maps official-SDK call params into the surface-neutral
// ToolContext. The API key travels in _meta, since MCP transports carry no
// request headers.
func ToolContextFrom(params *mcpsdk.CallToolParams, apiKeyMetaKey string) ToolContext {
	args, _ := params.Arguments.(map[string]any)
	meta := map[string]any(params.Meta)

	apiKey := ""
	if meta != nil {
		if v, ok := meta[apiKeyMetaKey].(string); ok {
			apiKey = v
		}
	}
	return ToolContext{
		ToolName:  params.Name,
		Arguments: args,
		Meta:      meta,
		APIKey:    apiKey,
	}
}

// ToSDKResult maps a ToolResult into the official SDK result shape.
func ToSDKResult(r ToolResult) *mcpsdk.CallToolResult {
	content := make([]mcpsdk.Content, 0, len(r.Content))
	for _, item := range r.Content {
		content = append(content, &mcpsdk.TextContent{Text: item.Text})
	}
	out := &mcpsdk.CallToolResult{
		Content:           content,
		IsError:           r.IsError,
		StructuredContent: r.StructuredContent,
	}
	if r.Meta != nil {
		out.Meta = mcpsdk.Meta(r.Meta)
	}
	return out
}

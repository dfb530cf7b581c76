package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/chapohq/chapo/internal/tools"
)

// bridgeTool exposes one remote MCP tool through the tools.Tool interface.
// The registry sees it like any built-in; Execute proxies the call over the
// server connection.
type bridgeTool struct {
	server     string
	client     *mcpclient.Client
	def        mcpgo.Tool
	prefix     string
	timeoutSec int
	connected  *atomic.Bool
}

func newBridgeTool(server string, def mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *bridgeTool {
	return &bridgeTool{
		server:     server,
		client:     client,
		def:        def,
		prefix:     prefix,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (b *bridgeTool) Name() string {
	if b.prefix != "" {
		return b.prefix + b.def.Name
	}
	return b.def.Name
}

// OriginalName is the tool's name on the remote server, without prefix.
func (b *bridgeTool) OriginalName() string { return b.def.Name }

func (b *bridgeTool) Description() string {
	if b.def.Description != "" {
		return b.def.Description
	}
	return fmt.Sprintf("Tool %s on MCP server %s", b.def.Name, b.server)
}

func (b *bridgeTool) Parameters() map[string]any {
	// The MCP schema is already JSON Schema; round-trip it into the generic
	// map shape the provider layer sends to the model.
	data, err := json.Marshal(b.def.InputSchema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil || params == nil {
		return map[string]any{"type": "object"}
	}
	if _, ok := params["type"]; !ok {
		params["type"] = "object"
	}
	return params
}

func (b *bridgeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", b.server))
	}

	timeout := time.Duration(b.timeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.def.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call %s/%s failed: %v", b.server, b.def.Name, err))
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %s reported an error", b.def.Name)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(empty result)"
	}
	return tools.NewResult(text)
}

// flattenContent joins the text parts of an MCP result. Non-text parts are
// summarized by type so the model knows something was there.
func flattenContent(content []mcpgo.Content) string {
	out := ""
	for _, c := range content {
		if out != "" {
			out += "\n"
		}
		switch v := c.(type) {
		case mcpgo.TextContent:
			out += v.Text
		case *mcpgo.TextContent:
			out += v.Text
		case mcpgo.ImageContent:
			out += fmt.Sprintf("[image: %s]", v.MIMEType)
		default:
			out += fmt.Sprintf("[%T]", c)
		}
	}
	return out
}

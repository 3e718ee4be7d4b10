// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcp connects to MCP stdio servers and surfaces their tools as
// registry descriptors, so remote tools run through the same invocation
// pipeline as built-ins.
package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/maestro/pkg/errors"
)

// DefaultCallTimeout bounds individual tool calls to an MCP server.
const DefaultCallTimeout = 30 * time.Second

// Config describes one MCP stdio server.
type Config struct {
	// Name namespaces the server's tools, e.g. "github" yields
	// "github.list_repos".
	Name string

	// Command is the server executable; Args and Env are passed through
	// to the subprocess.
	Command string
	Args    []string
	Env     []string

	// Timeout bounds each tool call, DefaultCallTimeout when zero.
	Timeout time.Duration
}

// Server is a live connection to one MCP stdio server.
type Server struct {
	name    string
	client  *client.Client
	timeout time.Duration
}

// Connect starts the server subprocess and performs the MCP initialize
// handshake.
func Connect(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, &errors.ConfigError{Key: "name", Reason: "mcp server name is required"}
	}
	if cfg.Command == "" {
		return nil, &errors.ConfigError{Key: "command", Reason: "mcp server command is required"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, &errors.TransportError{Op: "connect", Message: "failed to create mcp client", Cause: err}
	}
	if err := c.Start(ctx); err != nil {
		return nil, &errors.TransportError{Op: "connect", Message: "failed to start mcp client", Cause: err}
	}

	s := &Server{name: cfg.Name, client: c, timeout: timeout}
	if err := s.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "maestro",
				Version: "0.1.0",
			},
		},
	}
	if _, err := s.client.Initialize(ctx, req); err != nil {
		return &errors.TransportError{Op: "initialize", Message: "mcp initialize failed", Cause: err}
	}
	return nil
}

// Name returns the server's namespace.
func (s *Server) Name() string { return s.name }

// Tools lists the server's tool definitions.
func (s *Server) Tools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &errors.TransportError{Op: "list-tools", Message: "mcp tools/list failed", Cause: err}
	}
	return result.Tools, nil
}

// Call invokes one tool by its unqualified name.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, &errors.TransportError{Op: "call-tool", Message: "mcp tools/call failed for " + name, Cause: err}
	}
	return flattenResult(name, result)
}

// Close shuts down the server subprocess.
func (s *Server) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// flattenResult converts MCP content into the pipeline's map-shaped
// tool output. A single text block that parses as a JSON object passes
// through structurally; otherwise text lands under "result".
func flattenResult(tool string, result *mcp.CallToolResult) (map[string]any, error) {
	if result.IsError {
		msg := "tool execution failed"
		for _, content := range result.Content {
			if tc, ok := mcp.AsTextContent(content); ok && tc.Text != "" {
				msg = tc.Text
				break
			}
		}
		return nil, errors.New("mcp tool " + tool + ": " + msg)
	}

	if len(result.Content) == 1 {
		if tc, ok := mcp.AsTextContent(result.Content[0]); ok {
			var obj map[string]any
			if err := json.Unmarshal([]byte(tc.Text), &obj); err == nil {
				return obj, nil
			}
			return map[string]any{"result": tc.Text}, nil
		}
	}

	items := make([]map[string]any, 0, len(result.Content))
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			items = append(items, map[string]any{"type": "text", "text": tc.Text})
			continue
		}
		if ic, ok := mcp.AsImageContent(content); ok {
			items = append(items, map[string]any{
				"type":     "image",
				"data":     ic.Data,
				"mimeType": ic.MIMEType,
			})
		}
	}
	return map[string]any{"content": items}, nil
}

package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/photoverse/internal/engine"
	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/internal/tools"
)

// FlowToolPrefix prefixes the MCP tool name of every flow.
const FlowToolPrefix = "flow."

// ListToolName is the MCP tool that lists flows and backend tools.
const ListToolName = "photoverse.flows"

// FlowInvoker runs flows. Satisfied by *engine.Executor.
type FlowInvoker interface {
	Invoke(ctx context.Context, flow string, input any) (any, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Invoker FlowInvoker
	Flows   *engine.FlowRegistry
	Tools   *tools.Registry
	Version string
	Logger  *slog.Logger
}

// Server exposes every registered flow as an MCP tool.
type Server struct {
	invoker   FlowInvoker
	flows     *engine.FlowRegistry
	tools     *tools.Registry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with one tool per flow registered at the time
// of the call, plus the listing tool.
func NewServer(deps ServerDeps) *Server {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	if deps.Flows == nil {
		deps.Flows = engine.NewFlowRegistry()
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}

	s := &Server{
		invoker: deps.Invoker,
		flows:   deps.Flows,
		tools:   deps.Tools,
		logger:  logging.OrDefault(deps.Logger),
	}

	mcpSrv := server.NewMCPServer(
		"photoverse",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Photoverse turns photos into poems and songs and narrates poems. Call photoverse.flows to list the flows, then call flow.<name> with the flow's input, for example flow.photoToPoem with {\"photoUrls\": [\"data:image/jpeg;base64,...\"]}."),
	)

	mcpSrv.AddTools(s.serverTools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) serverTools() []server.ServerTool {
	out := []server.ServerTool{{Tool: listTool(), Handler: s.handleList}}
	for _, info := range s.flows.List() {
		flow, err := s.flows.Get(info.Name)
		if err != nil {
			continue
		}
		tool, err := flowTool(flow.Definition)
		if err != nil {
			s.logger.Warn("flow not exposed over MCP", slog.String("flow", info.Name), slog.String("error", err.Error()))
			continue
		}
		out = append(out, server.ServerTool{Tool: tool, Handler: s.flowHandler(info.Name)})
	}
	return out
}

func listTool() mcp.Tool {
	return mcp.NewTool(ListToolName,
		mcp.WithDescription("List the registered flows and the tools their backends may call"),
	)
}

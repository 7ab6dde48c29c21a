package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tapirtools/bridge/internal/catalog"
	"github.com/tapirtools/bridge/internal/dispatch"
	"github.com/tapirtools/bridge/internal/instances"
	"github.com/tapirtools/bridge/internal/search"
	"github.com/tapirtools/bridge/internal/session"
	"github.com/tapirtools/bridge/pkg/mcp"
)

// Server is the stdio JSON-RPC surface the agent talks to. Instead of
// exposing the full command catalog as individual tools, it serves a small
// set of meta-tools for discovery, dispatch and handle manipulation.
type Server struct {
	transport  *mcp.Transport
	catalog    *catalog.Catalog
	index      *search.Index
	directory  instances.Directory
	dispatcher *dispatch.Dispatcher
	handles    *session.Store
	ctx        context.Context
}

// Deps bundles the collaborators a server needs.
type Deps struct {
	Catalog    *catalog.Catalog
	Index      *search.Index
	Directory  instances.Directory
	Dispatcher *dispatch.Dispatcher
	Handles    *session.Store
}

// New creates a server reading stdin and writing stdout.
func New(ctx context.Context, deps Deps) *Server {
	return &Server{
		transport:  mcp.NewTransport(os.Stdin, os.Stdout),
		catalog:    deps.Catalog,
		index:      deps.Index,
		directory:  deps.Directory,
		dispatcher: deps.Dispatcher,
		handles:    deps.Handles,
		ctx:        ctx,
	}
}

// Run processes requests until stdin closes or the context is cancelled.
func (s *Server) Run() error {
	logf("serving %d catalog tools behind %d meta-tools", s.catalog.Len(), len(s.metaTools()))

	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		req, err := s.transport.ReadMessage()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			logf("error reading message: %v", err)
			continue
		}

		resp := s.handleRequest(req)
		if resp != nil {
			if err := s.transport.WriteResponse(resp); err != nil {
				logf("error writing response: %v", err)
			}
		}
	}
}

func (s *Server) handleRequest(req *mcp.Request) *mcp.Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.handleListTools(req)
	case "tools/call":
		return s.handleCallTool(req)
	case "resources/list":
		return s.handleListResources(req)
	case "resources/read":
		return s.handleReadResource(req)
	case "ping":
		resp, _ := mcp.NewResponse(req.ID, map[string]any{})
		return resp
	default:
		return mcp.NewErrorResponse(req.ID, mcp.MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(req *mcp.Request) *mcp.Response {
	result := mcp.InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{ListChanged: false},
			Resources: &mcp.ResourcesCapability{ListChanged: false},
		},
		ServerInfo: mcp.ServerInfo{
			Name:    "tapir-bridge",
			Version: "1.0.0",
		},
		Instructions: s.buildInstructions(),
	}

	resp, err := mcp.NewResponse(req.ID, result)
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error())
	}
	return resp
}

func (s *Server) handleListTools(req *mcp.Request) *mcp.Response {
	resp, err := mcp.NewResponse(req.ID, mcp.ListToolsResult{Tools: s.metaTools()})
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error())
	}
	return resp
}

func (s *Server) handleCallTool(req *mcp.Request) *mcp.Response {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "Invalid params: "+err.Error())
	}

	result, err := s.handleMetaTool(params.Name, params.Arguments)
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error())
	}

	resp, err := mcp.NewResponse(req.ID, result)
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error())
	}
	return resp
}

func (s *Server) buildInstructions() string {
	return fmt.Sprintf(
		"Bridge to running CAD instances.\n\n"+
			"Instead of loading all %d commands, use the meta-tools:\n"+
			"- discover_tools: find relevant commands by free-text query\n"+
			"- list_instances: find the port of a running instance\n"+
			"- call_tool: execute a discovered command against an instance\n\n"+
			"Large results come back as a handle summary; use handle_get, handle_filter,\n"+
			"handle_transform, handle_merge and handle_assemble to work with them, and\n"+
			"handle_release when done. Paginated calls return a nextCursor; pass it back\n"+
			"as page_token to continue.\n",
		s.catalog.Len())
}

func logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[tapir-bridge] "+format+"\n", args...)
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tapirtools/bridge/internal/dispatch"
	"github.com/tapirtools/bridge/internal/paginate"
	"github.com/tapirtools/bridge/internal/schema"
	"github.com/tapirtools/bridge/internal/session"
	"github.com/tapirtools/bridge/pkg/mcp"
)

// metaTools lists the tools exposed to the agent.
func (s *Server) metaTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "discover_tools",
			Description: "Search the command catalog by free-text query and return ranked candidate tools. Use this before call_tool.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Free-text search query (e.g. 'create layer')"},
					"limit": {"type": "integer", "description": "Max results (default: 10)", "default": 10}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "list_instances",
			Description: "List actively running CAD instances the bridge can reach. Returns the port to target with call_tool.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "call_tool",
			Description: "Execute a catalog command against one instance. Arguments are validated against the command's schema before anything is sent. Oversized results return a handle summary; paginated results return a page and a nextCursor.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "Tool name from discover_tools"},
					"port": {"type": "integer", "description": "Target instance port from list_instances"},
					"params": {"type": "object", "description": "Command parameters (see the tool's schema)"},
					"page_token": {"type": "string", "description": "Cursor from a previous page of this call"}
				},
				"required": ["name"]
			}`),
		},
		{
			Name:        "handle_get",
			Description: "Read rows from a cached dataset by handle.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"handle": {"type": "string"},
					"offset": {"type": "integer", "default": 0},
					"limit": {"type": "integer", "description": "Max rows (default: 50)", "default": 50}
				},
				"required": ["handle"]
			}`),
		},
		{
			Name:        "handle_filter",
			Description: "Create a new handle holding the rows matching a predicate expression (e.g. \"layer == 'A-WALL'\"). The source handle is unchanged.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"handle": {"type": "string"},
					"where": {"type": "string", "description": "Predicate over row fields"}
				},
				"required": ["handle", "where"]
			}`),
		},
		{
			Name:        "handle_transform",
			Description: "Create a new handle with a field added or replaced by a per-row expression (e.g. field=\"area_m2\", expr=\"area / 1000000\").",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"handle": {"type": "string"},
					"field": {"type": "string", "description": "Target field name"},
					"expr": {"type": "string", "description": "Expression over row fields"}
				},
				"required": ["handle", "field", "expr"]
			}`),
		},
		{
			Name:        "handle_merge",
			Description: "Create a new handle holding the inner join of two cached datasets on a shared field.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"left": {"type": "string"},
					"right": {"type": "string"},
					"on": {"type": "string", "description": "Join field present in both datasets"}
				},
				"required": ["left", "right", "on"]
			}`),
		},
		{
			Name:        "handle_assemble",
			Description: "Create a new handle by projecting fields from several same-length datasets into one table, optionally validated against a catalog tool's result shape.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"handles": {"type": "array", "items": {"type": "string"}},
					"mappings": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"target": {"type": "string"},
								"source": {"type": "integer", "description": "Index into handles"},
								"field": {"type": "string"}
							},
							"required": ["target", "source", "field"]
						}
					},
					"shape": {"type": "string", "description": "Optional tool name whose result shape the output must match"}
				},
				"required": ["handles", "mappings"]
			}`),
		},
		{
			Name:        "handle_release",
			Description: "Drop a cached dataset. Its handle becomes invalid immediately.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"handle": {"type": "string"}},
				"required": ["handle"]
			}`),
		},
	}
}

func (s *Server) handleMetaTool(name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "discover_tools":
		result, err = s.handleDiscover(args)
	case "list_instances":
		result, err = s.handleListInstances()
	case "call_tool":
		result, err = s.handleCall(args)
	case "handle_get":
		result, err = s.handleGet(args)
	case "handle_filter":
		result, err = s.handleFilter(args)
	case "handle_transform":
		result, err = s.handleTransform(args)
	case "handle_merge":
		result, err = s.handleMerge(args)
	case "handle_assemble":
		result, err = s.handleAssemble(args)
	case "handle_release":
		result, err = s.handleRelease(args)
	default:
		return mcp.ErrorResult(fmt.Sprintf("Tool '%s' not found. Use discover_tools and call_tool.", name)), nil
	}

	// Expected dispatch-time failures go back as structured tool errors so
	// the agent can read them and correct its call.
	if err != nil && isDomainError(err) {
		return mcp.ErrorResult(err.Error()), nil
	}
	return result, err
}

func (s *Server) handleDiscover(args json.RawMessage) (*mcp.CallToolResult, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if p.Query == "" {
		return mcp.ErrorResult("query is required"), nil
	}

	matches, err := s.index.Search(s.ctx, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(map[string]any{"tools": matches})
}

func (s *Server) handleListInstances() (*mcp.CallToolResult, error) {
	refs, err := s.directory.List(s.ctx)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(map[string]any{"instances": refs})
}

func (s *Server) handleCall(args json.RawMessage) (*mcp.CallToolResult, error) {
	var p struct {
		Name      string          `json:"name"`
		Port      int             `json:"port"`
		Params    json.RawMessage `json:"params"`
		PageToken string          `json:"page_token"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if p.Name == "" {
		return mcp.ErrorResult("name is required"), nil
	}
	if p.Port == 0 && p.PageToken == "" {
		return mcp.ErrorResult("port is required; use list_instances to find one"), nil
	}

	res, err := s.dispatcher.Dispatch(s.ctx, p.Name, p.Port, p.Params, p.PageToken)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(res)
}

func (s *Server) handleGet(args json.RawMessage) (*mcp.CallToolResult, error) {
	var p struct {
		Handle string `json:"handle"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}

	table, err := s.handles.Get(p.Handle)
	if err != nil {
		return nil, err
	}

	total := len(table.Rows)
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + p.Limit
	if end > total {
		end = total
	}

	return mcp.TextResult(map[string]any{
		"fields": table.Fields,
		"rows":   table.Rows[offset:end],
		"offset": offset,
		"total":  total,
	})
}

func (s *Server) handleFilter(args json.RawMessage) (*mcp.CallToolResult, error) {
	var p struct {
		Handle string `json:"handle"`
		Where  string `json:"where"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error()), nil
	}

	info, err := s.handles.Filter(p.Handle, p.Where)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(info)
}

func (s *Server) handleTransform(args json.RawMessage) (*mcp.CallToolResult, error) {
	var p struct {
		Handle string `json:"handle"`
		Field  string `json:"field"`
		Expr   string `json:"expr"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error()), nil
	}

	info, err := s.handles.Transform(p.Handle, p.Field, p.Expr)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(info)
}

func (s *Server) handleMerge(args json.RawMessage) (*mcp.CallToolResult, error) {
	var p struct {
		Left  string `json:"left"`
		Right string `json:"right"`
		On    string `json:"on"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error()), nil
	}

	info, err := s.handles.Merge(p.Left, p.Right, p.On)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(info)
}

func (s *Server) handleAssemble(args json.RawMessage) (*mcp.CallToolResult, error) {
	var p struct {
		Handles  []string               `json:"handles"`
		Mappings []session.FieldMapping `json:"mappings"`
		Shape    string                 `json:"shape"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error()), nil
	}

	var target *schema.Shape
	if p.Shape != "" {
		desc, ok := s.catalog.Get(p.Shape)
		if !ok {
			return mcp.ErrorResult(fmt.Sprintf("unknown tool %q for target shape", p.Shape)), nil
		}
		target = desc.Result
	}

	info, err := s.handles.Assemble(p.Handles, p.Mappings, target)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(info)
}

func (s *Server) handleRelease(args json.RawMessage) (*mcp.CallToolResult, error) {
	var p struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error()), nil
	}

	if err := s.handles.Release(p.Handle); err != nil {
		return nil, err
	}
	return mcp.TextResult(map[string]any{"released": p.Handle})
}

// isDomainError reports whether an error belongs to the dispatch-time
// taxonomy surfaced to the agent rather than to the operator.
func isDomainError(err error) bool {
	var (
		unknownTool  *dispatch.UnknownToolError
		validation   *dispatch.ValidationError
		unreachable  *dispatch.UnreachableInstanceError
		upstream     *dispatch.UpstreamCommandError
		cursor       *paginate.CursorExpiredError
		notFound     *session.HandleNotFoundError
		invalidExpr  *session.InvalidExpressionError
		mismatch     *session.SchemaMismatchError
		cachePressed *session.CachePressureError
	)
	return errors.As(err, &unknownTool) ||
		errors.As(err, &validation) ||
		errors.As(err, &unreachable) ||
		errors.As(err, &upstream) ||
		errors.As(err, &cursor) ||
		errors.As(err, &notFound) ||
		errors.As(err, &invalidExpr) ||
		errors.As(err, &mismatch) ||
		errors.As(err, &cachePressed)
}

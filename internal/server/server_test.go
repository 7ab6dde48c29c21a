package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapirtools/bridge/internal/catalog"
	"github.com/tapirtools/bridge/internal/dispatch"
	"github.com/tapirtools/bridge/internal/instances"
	"github.com/tapirtools/bridge/internal/paginate"
	"github.com/tapirtools/bridge/internal/schema"
	"github.com/tapirtools/bridge/internal/search"
	"github.com/tapirtools/bridge/internal/session"
	"github.com/tapirtools/bridge/pkg/mcp"
)

type stubDirectory struct {
	refs      []instances.InstanceRef
	responses map[string]json.RawMessage
}

func (f *stubDirectory) List(_ context.Context) ([]instances.InstanceRef, error) {
	return f.refs, nil
}

func (f *stubDirectory) Send(_ context.Context, port int, command string, _ json.RawMessage) (json.RawMessage, error) {
	if resp, ok := f.responses[command]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

func newTestServer(t *testing.T) (*Server, *stubDirectory) {
	t.Helper()
	doc, err := schema.ParseDocument([]byte(`{
		"types": {},
		"commands": [
			{
				"name": "CreateLayer",
				"category": "Layer Commands",
				"description": "Creates a new layer.",
				"parameters": {
					"type": "object",
					"properties": {"layerName": {"type": "string"}},
					"required": ["layerName"]
				}
			},
			{
				"name": "GetProjectInfo",
				"category": "Project Commands",
				"description": "Returns project info."
			}
		]
	}`))
	require.NoError(t, err)
	cat, err := catalog.Build(doc)
	require.NoError(t, err)

	index, err := search.Build(context.Background(), cat, nil, nil)
	require.NoError(t, err)

	dir := &stubDirectory{
		refs: []instances.InstanceRef{
			{Port: 19723, ProjectName: "Tower A", Mode: instances.ModeSolo},
		},
		responses: map[string]json.RawMessage{},
	}
	pages := paginate.NewManager(0, time.Minute, 0)
	handles := session.NewStore(0, 0, 0)

	srv := &Server{
		catalog:    cat,
		index:      index,
		directory:  dir,
		dispatcher: dispatch.New(cat, dir, pages, handles, 0),
		handles:    handles,
		ctx:        context.Background(),
	}
	return srv, dir
}

func callResultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	return res.Content[0].Text
}

func TestInitialize(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := srv.handleRequest(&mcp.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize"})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "tapir-bridge", result.ServerInfo.Name)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.NotNil(t, result.Capabilities.Resources)
	assert.Contains(t, result.Instructions, "discover_tools")
}

func TestListToolsExposesOnlyMetaTools(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := srv.handleRequest(&mcp.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	names := map[string]bool{}
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"discover_tools", "list_instances", "call_tool", "handle_get", "handle_filter", "handle_transform", "handle_merge", "handle_assemble", "handle_release"} {
		assert.True(t, names[want], "missing meta-tool %s", want)
	}
	// Catalog tools never appear in tools/list.
	assert.False(t, names["layers_create_layer"])
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := srv.handleRequest(&mcp.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "bogus/method"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.MethodNotFound, resp.Error.Code)
}

func TestDiscoverTools(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.handleMetaTool("discover_tools", json.RawMessage(`{"query": "create layer"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, callResultText(t, res), "layers_create_layer")
}

func TestListInstances(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.handleMetaTool("list_instances", json.RawMessage(`{}`))
	require.NoError(t, err)
	text := callResultText(t, res)
	assert.Contains(t, text, "19723")
	assert.Contains(t, text, "Tower A")
}

func TestCallToolSuccess(t *testing.T) {
	srv, dir := newTestServer(t)
	dir.responses["CreateLayer"] = json.RawMessage(`{"layerIndex": 3}`)

	res, err := srv.handleMetaTool("call_tool", json.RawMessage(`{
		"name": "layers_create_layer",
		"port": 19723,
		"params": {"layerName": "Walls"}
	}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, callResultText(t, res), "layerIndex")
}

func TestCallToolValidationFailureIsToolError(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.handleMetaTool("call_tool", json.RawMessage(`{
		"name": "layers_create_layer",
		"port": 19723,
		"params": {"layerName": 42}
	}`))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Contains(t, callResultText(t, res), "layerName")
}

func TestCallToolUnknownToolIsToolError(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.handleMetaTool("call_tool", json.RawMessage(`{"name": "nope", "port": 19723}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestCallToolUnreachableInstanceIsToolError(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.handleMetaTool("call_tool", json.RawMessage(`{
		"name": "layers_create_layer",
		"port": 19799,
		"params": {"layerName": "Walls"}
	}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, callResultText(t, res), "19799")
}

func TestHandleLifecycleThroughMetaTools(t *testing.T) {
	srv, _ := newTestServer(t)

	info, err := srv.handles.Put(session.NewTable([]map[string]any{
		{"guid": "e-1", "layer": "A-WALL"},
		{"guid": "e-2", "layer": "A-SLAB"},
	}))
	require.NoError(t, err)

	getArgs, _ := json.Marshal(map[string]any{"handle": info.Handle})
	res, err := srv.handleMetaTool("handle_get", getArgs)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, callResultText(t, res), "e-1")

	filterArgs, _ := json.Marshal(map[string]any{"handle": info.Handle, "where": `layer == "A-WALL"`})
	res, err = srv.handleMetaTool("handle_filter", filterArgs)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, callResultText(t, res), `"rows": 1`)

	releaseArgs, _ := json.Marshal(map[string]any{"handle": info.Handle})
	res, err = srv.handleMetaTool("handle_release", releaseArgs)
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = srv.handleMetaTool("handle_get", getArgs)
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestUnknownMetaTool(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.handleMetaTool("bogus", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

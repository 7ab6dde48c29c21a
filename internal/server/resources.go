package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tapirtools/bridge/pkg/mcp"
)

// Full tool schemas are served as resources under tool://<name>, so an
// agent can read the complete parameter and result shapes of a tool that
// discovery surfaced only as a one-line summary.

const toolURIPrefix = "tool://"

type listResourcesResult struct {
	Resources []resource `json:"resources"`
}

type resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type readResourceResult struct {
	Contents []mcp.ContentBlock `json:"contents"`
}

func (s *Server) handleListResources(req *mcp.Request) *mcp.Response {
	descs := s.catalog.List()
	res := make([]resource, 0, len(descs))
	for _, d := range descs {
		res = append(res, resource{
			URI:         toolURIPrefix + d.Name,
			Name:        d.Name,
			Description: d.Description,
			MimeType:    "application/json",
		})
	}

	resp, err := mcp.NewResponse(req.ID, listResourcesResult{Resources: res})
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error())
	}
	return resp
}

func (s *Server) handleReadResource(req *mcp.Request) *mcp.Response {
	var params readResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "Invalid params: "+err.Error())
	}
	name, ok := strings.CutPrefix(params.URI, toolURIPrefix)
	if !ok || name == "" {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, fmt.Sprintf("Unsupported resource URI: %s", params.URI))
	}

	desc, ok := s.catalog.Get(name)
	if !ok {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "Resource not found")
	}

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error())
	}

	result := readResourceResult{Contents: []mcp.ContentBlock{{Type: "text", Text: string(data), URI: params.URI}}}
	resp, err := mcp.NewResponse(req.ID, result)
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error())
	}
	return resp
}

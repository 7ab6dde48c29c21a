package instances

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Default port range scanned for running instances. CAD instances bind
// consecutive ports starting at the base when several run at once.
const (
	DefaultBasePort = 19723
	DefaultPortSpan = 20
)

// HTTPDirectory talks to CAD instances over their local HTTP command port
// using add-on command envelopes.
type HTTPDirectory struct {
	client   *http.Client
	host     string
	basePort int
	span     int
}

// HTTPConfig configures an HTTPDirectory. Zero values select defaults.
type HTTPConfig struct {
	Host     string
	BasePort int
	PortSpan int
	Timeout  time.Duration
}

// NewHTTPDirectory creates a directory scanning the configured port range.
func NewHTTPDirectory(cfg HTTPConfig) *HTTPDirectory {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.PortSpan == 0 {
		cfg.PortSpan = DefaultPortSpan
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPDirectory{
		client:   &http.Client{Timeout: cfg.Timeout},
		host:     cfg.Host,
		basePort: cfg.BasePort,
		span:     cfg.PortSpan,
	}
}

// commandEnvelope is the wire form of one add-on command request.
type commandEnvelope struct {
	Command    string `json:"command"`
	Parameters struct {
		AddOnCommandID struct {
			CommandNamespace string `json:"commandNamespace"`
			CommandName      string `json:"commandName"`
		} `json:"addOnCommandId"`
		AddOnCommandParameters json.RawMessage `json:"addOnCommandParameters,omitempty"`
	} `json:"parameters"`
}

type commandReply struct {
	Succeeded bool `json:"succeeded"`
	Result    struct {
		AddOnCommandResponse json.RawMessage `json:"addOnCommandResponse"`
	} `json:"result"`
	Error json.RawMessage `json:"error"`
}

// List probes every port in the range concurrently and returns the
// instances that answered a project-info query, ordered by port.
func (d *HTTPDirectory) List(ctx context.Context) ([]InstanceRef, error) {
	refs := make([]*InstanceRef, d.span)

	var wg sync.WaitGroup
	for i := 0; i < d.span; i++ {
		port := d.basePort + i
		wg.Add(1)
		go func(idx, port int) {
			defer wg.Done()
			if ref, ok := d.probe(ctx, port); ok {
				refs[idx] = ref
			}
		}(i, port)
	}
	wg.Wait()

	out := make([]InstanceRef, 0, len(refs))
	for _, ref := range refs {
		if ref != nil {
			out = append(out, *ref)
		}
	}
	return out, nil
}

type projectInfo struct {
	ProjectName   string `json:"projectName"`
	ProjectPath   string `json:"projectPath"`
	ServerAddress string `json:"serverAddress"`
	IsTeamwork    bool   `json:"isTeamwork"`
	IsUntitled    bool   `json:"isUntitled"`
	Version       string `json:"version"`
}

func (d *HTTPDirectory) probe(ctx context.Context, port int) (*InstanceRef, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := d.Send(probeCtx, port, "GetProjectInfo", nil)
	if err != nil {
		return nil, false
	}
	var info projectInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, false
	}

	ref := &InstanceRef{
		Port:        port,
		ProjectName: info.ProjectName,
		Version:     info.Version,
	}
	switch {
	case info.IsTeamwork:
		ref.Mode = ModeTeamwork
		// Render without embedded credentials.
		host := strings.TrimPrefix(info.ServerAddress, "https://")
		host = strings.TrimPrefix(host, "http://")
		ref.ProjectPath = fmt.Sprintf("teamwork://%s/%s", host, strings.TrimPrefix(info.ProjectPath, "/"))
	case info.IsUntitled:
		ref.Mode = ModeUntitled
	default:
		ref.Mode = ModeSolo
		ref.ProjectPath = info.ProjectPath
	}
	if ref.ProjectName == "" {
		ref.ProjectName = "Untitled"
	}
	return ref, true
}

// Send posts one add-on command to the instance and unwraps the reply.
func (d *HTTPDirectory) Send(ctx context.Context, port int, command string, params json.RawMessage) (json.RawMessage, error) {
	var env commandEnvelope
	env.Command = "API.ExecuteAddOnCommand"
	env.Parameters.AddOnCommandID.CommandNamespace = "TapirCommand"
	env.Parameters.AddOnCommandID.CommandName = command
	env.Parameters.AddOnCommandParameters = params

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %s: %w", command, err)
	}

	url := fmt.Sprintf("http://%s:%d", d.host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach instance on port %d: %w", port, err)
	}
	defer resp.Body.Close()

	var reply commandReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("failed to decode reply from port %d: %w", port, err)
	}
	if !reply.Succeeded {
		payload := reply.Error
		if len(payload) == 0 {
			payload = json.RawMessage(`{"message":"command failed with no error payload"}`)
		}
		return nil, &CommandError{Command: command, Payload: payload}
	}

	// Add-on level errors arrive inside a succeeded API reply.
	var inner struct {
		Error json.RawMessage `json:"error"`
	}
	response := reply.Result.AddOnCommandResponse
	if json.Unmarshal(response, &inner) == nil && len(inner.Error) > 0 && string(inner.Error) != "null" {
		return nil, &CommandError{Command: command, Payload: inner.Error}
	}
	return response, nil
}

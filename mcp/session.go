package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// sessionHTTPTimeout bounds individual MCP HTTP requests.
const sessionHTTPTimeout = 2 * time.Minute

// dialStreamable connects over Streamable HTTP using the MCP SDK.
func dialStreamable(ctx context.Context, cfg ServerConfig) (Session, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "palaver",
		Version: "1.0.0",
	}, nil)

	httpClient := &http.Client{Timeout: sessionHTTPTimeout}
	if len(cfg.Headers) > 0 {
		httpClient.Transport = &headerTransport{
			base:    http.DefaultTransport,
			headers: cfg.Headers,
		}
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClient,
	}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return &sdkSession{session: session}, nil
}

// headerTransport injects configured headers (auth tokens mostly) into every
// request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		if v == "" {
			continue
		}
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}

// sdkSession adapts an SDK client session to the Session interface.
type sdkSession struct {
	session *mcp.ClientSession
}

func (s *sdkSession) ListTools(ctx context.Context) ([]ToolSpec, error) {
	result, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}

	tools := make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := make(map[string]any)
		if t.InputSchema != nil {
			if m, ok := t.InputSchema.(map[string]any); ok {
				schema = m
			}
		}
		tools = append(tools, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	return tools, nil
}

func (s *sdkSession) CallTool(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return Result{}, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	result, err := s.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Content: formatContent(result.Content),
		IsError: result.IsError,
	}, nil
}

func (s *sdkSession) Close() error {
	return s.session.Close()
}

// formatContent converts MCP content blocks to a string.
func formatContent(content []mcp.Content) string {
	var result string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			result += v.Text
		default:
			if data, err := json.Marshal(c); err == nil {
				result += string(data)
			}
		}
	}
	return result
}

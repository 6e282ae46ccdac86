package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/livetrack/tracking/service"
)

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// apiResponse is the envelope every REST route answers with.
type apiResponse struct {
	OK     bool                    `json:"ok"`
	Error  string                  `json:"error,omitempty"`
	Code   string                  `json:"code,omitempty"`
	KM     float64                 `json:"km,omitempty"`
	Latest *service.PositionRecord `json:"latest,omitempty"`
	Owner  *service.Session        `json:"owner,omitempty"`
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL, version string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer(version)
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer(version string) {
	c.mcpServer = server.NewMCPServer(
		"Live Tracker",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`Live Tracker - MCP Interface

This is a thin client that proxies all requests to the REST API server.

An owner creates a session and receives a 4-digit code, then reports status
and GPS positions under that code. Observers follow the code live.

AVAILABLE TOOLS:
- create_session: Create a session and get its code
- update_status: Set the free-form status of a session
- report_location: Report a latitude/longitude for a session
- get_latest: Get the latest position and session metadata
- distance_from: Distance in km from a point to the latest position

Latitude must be within [-90, 90] and longitude within [-180, 180].`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	codeProperty := map[string]interface{}{
		"type":        "string",
		"description": "Session code returned by create_session",
	}
	latProperty := map[string]interface{}{
		"type":        "number",
		"minimum":     -90,
		"maximum":     90,
		"description": "Latitude in degrees",
	}
	lngProperty := map[string]interface{}{
		"type":        "number",
		"minimum":     -180,
		"maximum":     180,
		"description": "Longitude in degrees",
	}

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "create_session",
		Description: "Create a new tracking session and return its code",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Display name of the owner (optional, defaults to \"owner\")",
				},
				"status": map[string]interface{}{
					"type":        "string",
					"description": "Initial status (optional, defaults to \"created\")",
				},
			},
		},
	}, c.handleCreateSession)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "update_status",
		Description: "Overwrite the status of a session; observers are notified",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"code": codeProperty,
				"status": map[string]interface{}{
					"type":        "string",
					"description": "New status, e.g. \"en route\"",
				},
			},
			Required: []string{"code", "status"},
		},
	}, c.handleUpdateStatus)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "report_location",
		Description: "Append a GPS position to a session; observers are notified",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"code": codeProperty,
				"lat":  latProperty,
				"lng":  lngProperty,
			},
			Required: []string{"code", "lat", "lng"},
		},
	}, c.handleReportLocation)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_latest",
		Description: "Get the latest position and metadata of a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"code": codeProperty,
			},
			Required: []string{"code"},
		},
	}, c.handleGetLatest)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "distance_from",
		Description: "Great-circle distance in km from a point to the latest position of a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"code": codeProperty,
				"lat":  latProperty,
				"lng":  lngProperty,
			},
			Required: []string{"code", "lat", "lng"},
		},
	}, c.handleDistanceFrom)
}

// GetMCPServer returns the underlying MCP server
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// apiCall makes an HTTP call to the REST API
func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}) (*apiResponse, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode >= 400 {
		if decodeErr == nil && out.Error != "" {
			return nil, fmt.Errorf("%s", out.Error)
		}
		return nil, fmt.Errorf("API error: %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return &out, nil
}

// Tool handlers

func (c *Client) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := map[string]string{
		"name":   request.GetString("name", ""),
		"status": request.GetString("status", ""),
	}

	resp, err := c.apiCall(ctx, "POST", "/generate", body)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Created session: %s\n", resp.Code)), nil
}

func (c *Client) handleUpdateStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	body := map[string]string{"code": code, "status": status}
	if _, err := c.apiCall(ctx, "POST", "/status", body); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session %s status: %s\n", code, status)), nil
}

func (c *Client) handleReportLocation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, lat, lng, err := pointArgs(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	body := map[string]interface{}{"code": code, "lat": lat, "lng": lng}
	if _, err := c.apiCall(ctx, "POST", "/location", body); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session %s at %.6f, %.6f\n", code, lat, lng)), nil
}

func (c *Client) handleGetLatest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := c.apiCall(ctx, "GET", "/latest/"+url.PathEscape(code), nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatSnapshot(code, resp.Owner, resp.Latest)), nil
}

func (c *Client) handleDistanceFrom(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, lat, lng, err := pointArgs(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	query := url.Values{}
	query.Set("lat", fmt.Sprint(lat))
	query.Set("lng", fmt.Sprint(lng))

	resp, err := c.apiCall(ctx, "GET", "/distance/"+url.PathEscape(code)+"?"+query.Encode(), nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session %s is %.3f km away\n", code, resp.KM)), nil
}

func pointArgs(request mcp.CallToolRequest) (string, float64, float64, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return "", 0, 0, err
	}
	lat, err := request.RequireFloat("lat")
	if err != nil {
		return "", 0, 0, err
	}
	lng, err := request.RequireFloat("lng")
	if err != nil {
		return "", 0, 0, err
	}
	return code, lat, lng, nil
}

func formatSnapshot(code string, owner *service.Session, latest *service.PositionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", code)

	if owner == nil {
		b.WriteString("Owner: unknown session\n")
	} else {
		fmt.Fprintf(&b, "Owner: %s\n", owner.Name)
		fmt.Fprintf(&b, "Status: %s", owner.Status)
		if owner.StatusUpdatedAt != nil {
			fmt.Fprintf(&b, " (updated %s)", owner.StatusUpdatedAt.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}

	if latest == nil {
		b.WriteString("Latest position: none\n")
	} else {
		fmt.Fprintf(&b, "Latest position: %.6f, %.6f at %s\n",
			latest.Lat, latest.Lng, latest.Timestamp.Format(time.RFC3339))
	}
	return b.String()
}

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Forwarded method names
const (
	MethodPing      = "ping"
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

// Caller forwards requests to upstream servers. ClientPool implements it.
type Caller interface {
	Call(ctx context.Context, srv Server, method string, params json.RawMessage) (json.RawMessage, error)
	Stream(ctx context.Context, srv Server, method string, params json.RawMessage, emit func(json.RawMessage) error) error
}

// ClientPool keeps one initialized MCP client per upstream server and
// implements both Prober and Caller.
type ClientPool struct {
	mu         sync.Mutex
	clients    map[string]*pooledClient
	clientInfo mcp.Implementation
	logger     *zap.Logger

	// lifetime of long-lived transports (SSE streams)
	ctx    context.Context
	cancel context.CancelFunc
}

type pooledClient struct {
	client  *client.Client
	address string
}

// NewClientPool creates an empty pool.
func NewClientPool(logger *zap.Logger, version string) *ClientPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientPool{
		clients: make(map[string]*pooledClient),
		clientInfo: mcp.Implementation{
			Name:    "mcpgateway",
			Version: version,
		},
		logger: logger.Named("client-pool"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// credentialHeaders maps the server's credential mode to request headers.
func credentialHeaders(srv Server) map[string]string {
	headers := make(map[string]string)
	switch srv.CredentialMode {
	case CredentialAPIKey:
		headers["X-API-Key"] = srv.Secret
	case CredentialOAuth:
		headers["Authorization"] = "Bearer " + srv.Secret
	}
	if srv.Workspace != "" {
		headers["X-Workspace"] = srv.Workspace
	}
	return headers
}

func newTransport(srv Server) (transport.Interface, error) {
	headers := credentialHeaders(srv)
	switch srv.Protocol {
	case ProtocolSSE:
		return transport.NewSSE(srv.Address, transport.WithHeaders(headers))
	case ProtocolStreamableHTTP, "":
		return transport.NewStreamableHTTP(srv.Address, transport.WithHTTPHeaders(headers))
	default:
		return nil, fmt.Errorf("unsupported protocol %q", srv.Protocol)
	}
}

// get returns an initialized client, connecting on first use.
func (p *ClientPool) get(ctx context.Context, srv Server) (*client.Client, error) {
	p.mu.Lock()
	pc, ok := p.clients[srv.ID]
	if ok && pc.address == srv.Address {
		p.mu.Unlock()
		return pc.client, nil
	}
	p.mu.Unlock()

	tr, err := newTransport(srv)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for %s: %w", srv.ID, err)
	}

	c := client.NewClient(tr)
	if err := c.Start(p.ctx); err != nil {
		return nil, fmt.Errorf("failed to start client for %s: %w", srv.ID, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = p.clientInfo
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	result, err := c.Initialize(ctx, initRequest)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize %s: %w", srv.ID, err)
	}

	p.logger.Debug("Connected to upstream",
		zap.String("id", srv.ID),
		zap.String("server_name", result.ServerInfo.Name),
		zap.String("server_version", result.ServerInfo.Version))

	p.mu.Lock()
	if existing, ok := p.clients[srv.ID]; ok {
		// Lost a connect race or the address changed
		if existing.address == srv.Address {
			p.mu.Unlock()
			_ = c.Close()
			return existing.client, nil
		}
		_ = existing.client.Close()
	}
	p.clients[srv.ID] = &pooledClient{client: c, address: srv.Address}
	p.mu.Unlock()

	return c, nil
}

// drop closes and forgets a client so the next use reconnects.
func (p *ClientPool) drop(id string) {
	p.mu.Lock()
	pc, ok := p.clients[id]
	delete(p.clients, id)
	p.mu.Unlock()

	if ok {
		if err := pc.client.Close(); err != nil {
			p.logger.Debug("Error closing upstream client", zap.String("id", id), zap.Error(err))
		}
	}
}

// Probe pings the server, connecting first when needed.
func (p *ClientPool) Probe(ctx context.Context, srv Server) error {
	c, err := p.get(ctx, srv)
	if err != nil {
		return err
	}
	if err := c.Ping(ctx); err != nil {
		p.drop(srv.ID)
		return fmt.Errorf("ping %s: %w", srv.ID, err)
	}
	return nil
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Call forwards one unary request and returns the JSON encoded result.
func (p *ClientPool) Call(ctx context.Context, srv Server, method string, params json.RawMessage) (json.RawMessage, error) {
	c, err := p.get(ctx, srv)
	if err != nil {
		return nil, err
	}

	var result any
	switch method {
	case MethodPing:
		if err := c.Ping(ctx); err != nil {
			p.drop(srv.ID)
			return nil, err
		}
		result = map[string]any{}
	case MethodToolsList:
		res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, err
		}
		result = res
	case MethodToolsCall:
		res, err := p.callTool(ctx, c, params)
		if err != nil {
			return nil, err
		}
		result = res
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", method, err)
	}
	return data, nil
}

func (p *ClientPool) callTool(ctx context.Context, c *client.Client, params json.RawMessage) (*mcp.CallToolResult, error) {
	var cp callParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	if cp.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidParams)
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = cp.Name
	request.Params.Arguments = cp.Arguments
	return c.CallTool(ctx, request)
}

// Stream forwards a tools/call and emits every content item of the result
// as its own chunk, in order.
func (p *ClientPool) Stream(ctx context.Context, srv Server, method string, params json.RawMessage, emit func(json.RawMessage) error) error {
	if method != MethodToolsCall {
		data, err := p.Call(ctx, srv, method, params)
		if err != nil {
			return err
		}
		return emit(data)
	}

	c, err := p.get(ctx, srv)
	if err != nil {
		return err
	}
	res, err := p.callTool(ctx, c, params)
	if err != nil {
		return err
	}
	if res.IsError {
		return fmt.Errorf("%w: %s", ErrToolFailed, firstText(res))
	}

	for _, content := range res.Content {
		data, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("failed to encode content: %w", err)
		}
		if err := emit(data); err != nil {
			return err
		}
	}
	return nil
}

func firstText(res *mcp.CallToolResult) string {
	for _, content := range res.Content {
		if text, ok := content.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return "unknown error"
}

// Remove closes the client of a deregistered server.
func (p *ClientPool) Remove(id string) {
	p.drop(id)
}

// Close closes every client.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*pooledClient)
	p.mu.Unlock()

	var err error
	for id, pc := range clients {
		if cerr := pc.client.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", id, cerr))
		}
	}
	p.cancel()
	return err
}

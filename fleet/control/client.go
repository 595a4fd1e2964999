// Package control queries a running node's control plane for its identity.
// Nodes listen on 127.0.0.1:<rpc_port> and answer GET /node/info with their
// peer id once they are ready to serve.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnreachable is returned when a node never answered an identity query.
var ErrUnreachable = errors.New("node control plane unreachable")

// NodeInfo is a node's answer to an identity query.
type NodeInfo struct {
	PeerID  string `json:"peer_id"`
	Version string `json:"version,omitempty"`
}

// Client queries one node.
type Client interface {
	NodeInfo(ctx context.Context) (NodeInfo, error)
}

// Dialer creates a Client for the node listening on addr ("host:port").
type Dialer func(addr string) Client

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	// Secret signs the bearer token sent with each query. Queries are sent
	// without authentication when it is empty.
	Secret []byte
	// RequestTimeout bounds a single query (default: 2s).
	RequestTimeout time.Duration
	// TokenTTL is the lifetime of each bearer token (default: 1m).
	TokenTTL time.Duration
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	addr   string
	config HTTPConfig
	client *http.Client
}

// NewHTTPClient creates an HTTPClient for the node at addr.
func NewHTTPClient(addr string, config HTTPConfig) *HTTPClient {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 2 * time.Second
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = time.Minute
	}
	return &HTTPClient{
		addr:   addr,
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
	}
}

// NewHTTPDialer returns a Dialer that builds HTTPClients sharing config.
func NewHTTPDialer(config HTTPConfig) Dialer {
	return func(addr string) Client {
		return NewHTTPClient(addr, config)
	}
}

// NodeInfo asks the node for its identity. A node that answers without a
// peer id is treated as not ready.
func (c *HTTPClient) NodeInfo(ctx context.Context) (NodeInfo, error) {
	url := fmt.Sprintf("http://%s/node/info", c.addr)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("failed to create node info request for %s: %w", c.addr, err)
	}
	if len(c.config.Secret) > 0 {
		token, err := SignToken(c.config.Secret, c.addr, c.config.TokenTTL)
		if err != nil {
			return NodeInfo{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("node info request for %s failed: %w", c.addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return NodeInfo{}, fmt.Errorf("node info for %s returned status %s: %s", c.addr, resp.Status, body)
	}

	var info NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return NodeInfo{}, fmt.Errorf("failed to decode node info from %s: %w", c.addr, err)
	}
	if info.PeerID == "" {
		return NodeInfo{}, fmt.Errorf("node at %s has no peer id yet", c.addr)
	}
	return info, nil
}

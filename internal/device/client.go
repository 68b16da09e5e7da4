package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const rpcPath = "/api/rpc/v1/com.ifm.efector/"

var (
	ErrHostRequired = errors.New("device: host required")
	ErrFault        = errors.New("device: rpc fault")
	ErrBadResponse  = errors.New("device: unexpected rpc response")
)

// Client reads and writes the device JSON configuration.
type Client interface {
	Get(ctx context.Context, paths []string) (json.RawMessage, error)
	Set(ctx context.Context, doc json.RawMessage) error
	SoftwareVersion(ctx context.Context) (map[string]string, error)
}

type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
	// HTTPClient overrides the per-call client; Timeout is ignored then.
	HTTPClient *http.Client
}

func DefaultConfig() Config {
	return Config{Timeout: 3 * time.Second}
}

// Endpoint returns the RPC URL for cfg.
func (cfg Config) Endpoint() string {
	host := strings.TrimSpace(cfg.Host)
	if cfg.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	}
	return "http://" + host + rpcPath
}

// XMLRPCClient talks to the device configuration service over XML-RPC.
type XMLRPCClient struct {
	endpoint string
	http     *http.Client
}

var _ Client = (*XMLRPCClient)(nil)

func NewXMLRPCClient(cfg Config) (*XMLRPCClient, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, ErrHostRequired
	}
	hc := cfg.HTTPClient
	if hc == nil {
		if cfg.Timeout <= 0 {
			cfg.Timeout = DefaultConfig().Timeout
		}
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &XMLRPCClient{endpoint: cfg.Endpoint(), http: hc}, nil
}

// Get returns the configuration subtree for paths as JSON. An empty
// path selects the whole document.
func (c *XMLRPCClient) Get(ctx context.Context, paths []string) (json.RawMessage, error) {
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	v, err := c.call(ctx, "get", args)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: get returned %T", ErrBadResponse, v)
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: get returned invalid json", ErrBadResponse)
	}
	return json.RawMessage(s), nil
}

func (c *XMLRPCClient) Set(ctx context.Context, doc json.RawMessage) error {
	_, err := c.call(ctx, "set", []any{string(doc)})
	return err
}

func (c *XMLRPCClient) SoftwareVersion(ctx context.Context) (map[string]string, error) {
	v, err := c.call(ctx, "getSWVersion", nil)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: getSWVersion returned %T", ErrBadResponse, v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(val)
	}
	return out, nil
}

func (c *XMLRPCClient) call(ctx context.Context, method string, params []any) (any, error) {
	body, err := encodeCall(method, params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: http status %d", ErrBadResponse, method, resp.StatusCode)
	}
	v, err := decodeResponse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("device: %s: %w", method, err)
	}
	return v, nil
}

package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"luki-gateway/internal/config"
)

// Downstream service names, used as circuit breaker and health monitor keys.
const (
	ServiceAgent     = "agent"
	ServiceMemory    = "memory"
	ServiceCognitive = "cognitive"
	ServiceSecurity  = "security"
	ServiceWallet    = "wallet"
)

// Downstream is a bounded-timeout JSON passthrough client for one backend
// microservice. The gateway shapes requests and responses; it never
// interprets the payloads beyond routing them.
type Downstream struct {
	name    string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewDownstream(name, baseURL string, timeout time.Duration, logger *zap.Logger) *Downstream {
	return &Downstream{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (d *Downstream) Name() string    { return d.name }
func (d *Downstream) BaseURL() string { return d.baseURL }

// Response is a downstream reply, opaque to the gateway.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do forwards a request to the downstream service. Transport errors are
// returned as errors; HTTP error statuses are returned in the Response so
// the handler can relay them to the caller.
func (d *Downstream) Do(ctx context.Context, method, path string, query url.Values, body []byte) (*Response, error) {
	u := d.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", d.name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", d.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", d.name, err)
	}

	d.logger.Debug("downstream call completed",
		zap.String("service", d.name),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	return &Response{StatusCode: resp.StatusCode, Body: payload}, nil
}

// Services bundles the five downstream clients behind the gateway.
type Services struct {
	Agent     *Downstream
	Memory    *Downstream
	Cognitive *Downstream
	Security  *Downstream
	Wallet    *Downstream
}

func NewServices(cfg config.ServicesConfig, logger *zap.Logger) *Services {
	return &Services{
		Agent:     NewDownstream(ServiceAgent, cfg.AgentURL, cfg.Timeout, logger),
		Memory:    NewDownstream(ServiceMemory, cfg.MemoryURL, cfg.Timeout, logger),
		Cognitive: NewDownstream(ServiceCognitive, cfg.CognitiveURL, cfg.Timeout, logger),
		Security:  NewDownstream(ServiceSecurity, cfg.SecurityURL, cfg.Timeout, logger),
		Wallet:    NewDownstream(ServiceWallet, cfg.WalletURL, cfg.Timeout, logger),
	}
}

// All returns name -> base URL for health monitor registration.
func (s *Services) All() map[string]string {
	return map[string]string{
		ServiceAgent:     s.Agent.BaseURL(),
		ServiceMemory:    s.Memory.BaseURL(),
		ServiceCognitive: s.Cognitive.BaseURL(),
		ServiceSecurity:  s.Security.BaseURL(),
		ServiceWallet:    s.Wallet.BaseURL(),
	}
}

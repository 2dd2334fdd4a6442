package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// GatewayClient talks to the SMS/voice provider's REST API
type GatewayClient struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *fasthttp.Client
}

type gatewayResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewGatewayClient(baseURL, token string) *GatewayClient {
	return &GatewayClient{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 10 * time.Second,
		Client: &fasthttp.Client{
			Name:                "crm-lifecycle",
			MaxConnsPerHost:     64,
			ReadTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

func (g *GatewayClient) post(ctx context.Context, path string, payload interface{}) (*gatewayResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(g.BaseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	req.SetBody(body)

	timeout := g.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if err := g.Client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}

	var out gatewayResponse
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, fmt.Errorf("invalid gateway response (status %d): %w", resp.StatusCode(), err)
		}
	}

	if resp.StatusCode() >= 300 {
		msg := out.Error
		if msg == "" {
			msg = string(resp.Body())
		}
		return &out, fmt.Errorf("gateway returned %d: %s", resp.StatusCode(), msg)
	}
	return &out, nil
}

package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/gateway"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

// maxErrorBody bounds how much of a failed reply ends up in the error text.
const maxErrorBody = 512

// Client talks to an Evolution-API style WhatsApp gateway.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client from gateway config.
func NewClient(cfg config.GatewayConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// SendText posts a text message from the given instance.
func (c *Client) SendText(ctx context.Context, instanceName, to, text string) (gateway.SendResult, error) {
	started := time.Now()
	payload, err := json.Marshal(map[string]string{"number": to, "text": text})
	if err != nil {
		return gateway.SendResult{}, fmt.Errorf("evolution: marshal send: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(instanceName), payload)
	if err != nil {
		return gateway.SendResult{Duration: time.Since(started)}, err
	}

	id := gjson.GetBytes(body, "key.id")
	if !id.Exists() || id.String() == "" {
		return gateway.SendResult{Duration: time.Since(started)},
			fmt.Errorf("evolution: send reply without key.id: %w", apperrors.ErrProvider)
	}
	return gateway.SendResult{MessageID: id.String(), Duration: time.Since(started)}, nil
}

// ConnectionState reads the instance's current connection state.
func (c *Client) ConnectionState(ctx context.Context, instanceName string) (domain.InstanceStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(instanceName), nil)
	if err != nil {
		return domain.InstanceStatusDisconnected, err
	}
	state := gjson.GetBytes(body, "instance.state")
	if !state.Exists() {
		state = gjson.GetBytes(body, "state")
	}
	if !state.Exists() {
		return domain.InstanceStatusDisconnected,
			fmt.Errorf("evolution: connection state missing: %w", apperrors.ErrProvider)
	}
	return gateway.NormalizeState(state.String()), nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("evolution: build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("evolution: %s %s: %w", method, path, errors.Join(apperrors.ErrProvider, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("evolution: read body: %w", errors.Join(apperrors.ErrProvider, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		msg := gjson.GetBytes(body, "response.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(snippet))
		}
		return nil, fmt.Errorf("evolution: %s %s: status %d: %s: %w", method, path, resp.StatusCode, msg, apperrors.ErrProvider)
	}
	return body, nil
}

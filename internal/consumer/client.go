// Package consumer talks to the control bus HTTP API: it can submit commands
// and it can act as the polling consumer that executes them.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/withmartian/ares/controlbus/internal/broker"
)

var (
	// ErrUnauthorized means the server rejected the token.
	ErrUnauthorized = errors.New("authentication failed - check token")
	// ErrUnknownRequest means the result arrived after the submitter gave up.
	ErrUnknownRequest = errors.New("request not found (may have timed out)")
)

// Client is a thin HTTP client for the control bus.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL, e.g. "http://127.0.0.1:8083".
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		// Submit blocks for both deadlines, so no short client timeout here.
		HTTPClient: &http.Client{Timeout: time.Minute},
	}
}

// Submit sends a command and waits for its outcome.
func (c *Client) Submit(ctx context.Context, command string, params json.RawMessage) (broker.Response, error) {
	var resp broker.Response
	_, err := c.do(ctx, http.MethodPost, "/submit", broker.Command{Command: command, Params: params}, &resp)
	return resp, err
}

// Poll asks for the next pending command. It returns nil when there is none.
func (c *Client) Poll(ctx context.Context) (*broker.PendingCommand, error) {
	body, err := c.do(ctx, http.MethodGet, "/poll", nil, nil)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, nil
	}
	cmd := &broker.PendingCommand{
		ID:      parsed.Get("request_id").String(),
		Command: parsed.Get("command").String(),
	}
	if p := parsed.Get("params"); p.Exists() {
		cmd.Params = json.RawMessage(p.Raw)
	}
	return cmd, nil
}

// PostResult reports the result for a polled command.
func (c *Client) PostResult(ctx context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/result", broker.ResultRequest{ID: id, Result: raw}, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusNotFound:
		return nil, ErrUnknownRequest
	default:
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return data, nil
}

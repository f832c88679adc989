package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/me/flround/pkg/model"
)

// Client talks to the coordinator API on behalf of one federated client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	clientID   int
}

// NewClient creates an API client with connection pooling.
func NewClient(baseURL string, clientID int) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:  baseURL,
		clientID: clientID,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// ClientID returns the id this client acts for.
func (c *Client) ClientID() int {
	return c.clientID
}

// Register announces the client, its speed (seconds per epoch) and its
// sample count. Registering again refreshes both.
func (c *Client) Register(ctx context.Context, speed float64, samples int) (*model.Client, error) {
	body, err := json.Marshal(map[string]any{
		"id":      c.clientID,
		"speed":   speed,
		"samples": samples,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/clients", body)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	var rec model.Client
	if err := decodeResponseData(resp, &rec); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &rec, nil
}

// Heartbeat keeps the client reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/api/v1/clients/%d/heartbeat", c.clientID), nil)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Checkout fetches the assignment for the open round. Returns nil if the
// client was not selected (204).
func (c *Client) Checkout(ctx context.Context) (*model.Assignment, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/clients/%d/work", c.clientID), nil)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, nil
	}

	var a model.Assignment
	if err := decodeResponseData(resp, &a); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	return &a, nil
}

// Report sends the result of an assignment.
func (c *Client) Report(ctx context.Context, rep model.Report) error {
	rep.ClientID = c.clientID
	body, err := json.Marshal(rep)
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/api/v1/clients/%d/report", c.clientID), body)
	if err != nil {
		return fmt.Errorf("report round %d: %w", rep.Round, err)
	}
	resp.Body.Close()
	return nil
}

// doRequest executes an HTTP request and returns the response. Error
// statuses are decoded from the envelope into *model.APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
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

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var envelope model.Response[json.RawMessage]
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, envelope.Error)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}

	return resp, nil
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope model.Response[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := envelope.Err(); err != nil {
		return err
	}

	return json.Unmarshal(envelope.Data, dest)
}

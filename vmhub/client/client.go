// Package client is a Go client for the vmhub HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tomyedwab/vmhub/vmhub/api"
	"github.com/tomyedwab/vmhub/vmhub/audit"
	"github.com/tomyedwab/vmhub/vmhub/processes"
	"github.com/tomyedwab/vmhub/vmhub/registry"
)

// Client talks to a vmhub server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption represents a functional option for configuring the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the timeout of the default HTTP client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient returns a client for the given base URL (e.g. http://127.0.0.1:8080).
func NewClient(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// BaseURL returns the client's base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is returned for responses with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vmhub API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, int, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	data, status, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// LaunchVM creates a VM via POST /launch-vm.
func (c *Client) LaunchVM(ctx context.Context, name, instanceType, region string) (*api.LaunchVMResponse, error) {
	data, status, err := c.do(ctx, http.MethodPost, "/launch-vm", nil, api.LaunchVMRequest{
		Name:         name,
		InstanceType: instanceType,
		Region:       region,
	})
	if err != nil {
		return nil, err
	}

	var out api.LaunchVMResponse
	if err := json.Unmarshal(data, &out); err != nil {
		if status != http.StatusOK {
			return nil, &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if status != http.StatusOK || !out.Success {
		return nil, &APIError{StatusCode: status, Message: out.Message}
	}
	return &out, nil
}

// ListVMs returns all VMs via GET /list-vms.
func (c *Client) ListVMs(ctx context.Context) ([]registry.InstanceRecord, error) {
	var out []registry.InstanceRecord
	if err := c.getJSON(ctx, "/list-vms", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteVM deletes a VM via DELETE /delete-vm. A VM that does not exist is
// reported as an APIError with status 404; see IsNotFound.
func (c *Client) DeleteVM(ctx context.Context, id string) (string, error) {
	data, status, err := c.do(ctx, http.MethodDelete, "/delete-vm", nil, api.DeleteVMRequest{ID: id})
	if err != nil {
		return "", err
	}
	message := strings.TrimSpace(string(data))
	if status != http.StatusOK {
		return "", &APIError{StatusCode: status, Message: message}
	}
	return message, nil
}

// VMStatus returns a VM with its guest SSH probe via GET /vm-status.
func (c *Client) VMStatus(ctx context.Context, id string) (*api.VMStatusResponse, error) {
	var out api.VMStatusResponse
	if err := c.getJSON(ctx, "/vm-status", url.Values{"id": {id}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VMLogs returns console lines newer than afterID via GET /vm-logs.
func (c *Client) VMLogs(ctx context.Context, id string, afterID int64) ([]processes.ConsoleEntry, error) {
	var out []processes.ConsoleEntry
	query := url.Values{"id": {id}, "after": {strconv.FormatInt(afterID, 10)}}
	if err := c.getJSON(ctx, "/vm-logs", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AuditEvents returns recorded lifecycle events via GET /audit-events,
// newest first. An empty instanceID returns events of all instances.
func (c *Client) AuditEvents(ctx context.Context, instanceID string, limit int) ([]audit.AuditEvent, error) {
	query := url.Values{}
	if instanceID != "" {
		query.Set("instance_id", instanceID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []audit.AuditEvent
	if err := c.getJSON(ctx, "/audit-events", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

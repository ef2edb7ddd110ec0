package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/iglood/internal/consent"
	"github.com/fentz26/iglood/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the iglood daemon API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an API client for the daemon at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListPrompts fetches the pending consent prompts.
func (c *Client) ListPrompts() ([]consent.Prompt, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/v1/prompts")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var prompts []consent.Prompt
	if err := json.NewDecoder(resp.Body).Decode(&prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}

// Resolve answers a pending prompt.
func (c *Client) Resolve(requestID string, res consent.Resolution) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(
		c.baseURL+"/v1/prompts/"+requestID+"/resolve", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(msg))
	}
	return nil
}

// ListRules fetches the permission rules for an app ("" for all).
func (c *Client) ListRules(app string) ([]models.PermissionRule, error) {
	url := c.baseURL + "/v1/permissions"
	if app != "" {
		url += "?app=" + app
	}
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var rules []models.PermissionRule
	if err := json.NewDecoder(resp.Body).Decode(&rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// Health reports whether the daemon answers its health endpoint.
func (c *Client) Health() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// apiClient wraps the daemon endpoints the CLI subcommands need.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 70 * time.Second, // above the server's max blocking wait
		},
	}
}

func (c *apiClient) postJSON(path string, in any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(msg))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *apiClient) postJSONInto(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) getJSON(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return errNoResult
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(msg))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

var errNoResult = fmt.Errorf("no result")

// provider issues a blocking query call and returns the result row.
func (c *apiClient) provider(authority string, timeout time.Duration, args ...string) (map[string]string, error) {
	v := url.Values{}
	for _, a := range args {
		v.Add("arg", a)
	}
	v.Set("caller", "iglood-cli")
	v.Set("timeout_ms", fmt.Sprint(timeout.Milliseconds()))

	var row map[string]string
	if err := c.getJSON("/v1/provider/"+authority+"?"+v.Encode(), &row); err != nil {
		return nil, err
	}
	return row, nil
}

package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fentz26/iglood/internal/models"
)

// HTTPService talks to a threshold-signing coordinator over HTTP. The
// coordinator is a black box reachable by event id or target public key.
type HTTPService struct {
	baseURL string
	client  *http.Client
	ready   atomic.Bool
}

// NewHTTPService creates a service link for the coordinator at baseURL.
func NewHTTPService(baseURL string) *HTTPService {
	return &HTTPService{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Connect probes the coordinator's readiness endpoint.
func (s *HTTPService) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/ready", nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.ready.Store(false)
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		s.ready.Store(false)
		return fmt.Errorf("connect: coordinator returned %d", resp.StatusCode)
	}
	s.ready.Store(true)
	return nil
}

// Ready reports the last observed link state.
func (s *HTTPService) Ready() bool {
	return s.ready.Load()
}

// Sign submits one batched signing call.
func (s *HTTPService) Sign(ctx context.Context, eventIDs []string) ([]models.SignatureEntry, error) {
	var out struct {
		Signatures []models.SignatureEntry `json:"signatures"`
	}
	in := map[string]any{"event_ids": eventIDs}
	if err := s.post(ctx, "/v1/sign", in, &out); err != nil {
		return nil, err
	}
	return out.Signatures, nil
}

// ECDH derives the shared secret against pubkey.
func (s *HTTPService) ECDH(ctx context.Context, pubkey string) (string, error) {
	var out struct {
		SharedSecret string `json:"shared_secret"`
	}
	in := map[string]any{"pubkey": pubkey}
	if err := s.post(ctx, "/v1/ecdh", in, &out); err != nil {
		return "", err
	}
	return out.SharedSecret, nil
}

// PublicKey fetches the coordinator's signing public key.
func (s *HTTPService) PublicKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/pubkey", nil)
	if err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.ready.Store(false)
		return "", fmt.Errorf("public key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public key: coordinator returned %d", resp.StatusCode)
	}
	var out struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("public key: decode: %w", err)
	}
	return out.Pubkey, nil
}

func (s *HTTPService) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("post %s: encode: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.ready.Store(false)
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("post %s: coordinator returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("post %s: decode: %w", path, err)
	}
	return nil
}

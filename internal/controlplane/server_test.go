package controlplane

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/iglood/internal/audit"
	"github.com/fentz26/iglood/internal/bridge"
	"github.com/fentz26/iglood/internal/broker"
	"github.com/fentz26/iglood/internal/consent"
	"github.com/fentz26/iglood/internal/dedup"
	"github.com/fentz26/iglood/internal/models"
	"github.com/fentz26/iglood/internal/policy"
	"github.com/fentz26/iglood/internal/queue"
	"github.com/fentz26/iglood/internal/store"
)

type testServer struct {
	http   *httptest.Server
	policy *policy.Engine
	center *consent.Center
}

func newTestServer(t *testing.T) *testServer {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng := policy.New(st, nil)
	center := consent.NewCenter(nil)
	aw := audit.NewWriter(st, nil)

	qcfg := queue.DefaultConfig()
	qcfg.Tick = 5 * time.Millisecond
	qcfg.NormalWindow = 10 * time.Millisecond

	bcfg := broker.DefaultConfig()
	bcfg.PromptTimeout = 30 * time.Second

	br, _ := broker.NewPipeline(bcfg, qcfg, dedup.New(0), eng, signerStub{}, bridge.New(nil), center, aw, nil)
	br.Start()
	t.Cleanup(br.Stop)

	srv := NewServer(br, eng, center, aw, st, "127.0.0.1:0", nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{http: ts, policy: eng, center: center}
}

// signerStub answers every service call instantly.
type signerStub struct{}

func (signerStub) RequestSignature(_ context.Context, key string) (models.SignatureEntry, error) {
	return models.SignatureEntry{EventID: key, Signature: "sig-" + key}, nil
}

func (signerStub) SharedSecret(context.Context, string) (string, error) {
	return strings.Repeat("ab", 32), nil
}

func (signerStub) PublicKey(context.Context) (string, error) {
	return "groupkey", nil
}

const eventJSON = `{"kind":1,"content":"hello","created_at":1700000000,"tags":[]}`

func providerURL(base, authority string, args ...string) string {
	v := url.Values{}
	for _, a := range args {
		v.Add("arg", a)
	}
	v.Set("caller", "app.test")
	v.Set("timeout_ms", "2000")
	return base + "/v1/provider/" + authority + "?" + v.Encode()
}

func TestProvider_SignEventAllowed(t *testing.T) {
	ts := newTestServer(t)
	ts.policy.Grant("app.test", models.OpSignEvent, models.AnyKind(), true)

	resp, err := http.Get(providerURL(ts.http.URL, "com.test.signer.SIGN_EVENT", eventJSON))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var row map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if row["result"] == "" || row["event"] == "" {
		t.Errorf("Expected result and event columns, got %v", row)
	}
	if _, has := row["rejected"]; has {
		t.Error("Success row must not carry a rejected column")
	}
}

func TestProvider_DeniedReturnsRejectedColumn(t *testing.T) {
	ts := newTestServer(t)
	ts.policy.Grant("app.test", models.OpSignEvent, models.AnyKind(), false)

	resp, err := http.Get(providerURL(ts.http.URL, "com.test.signer.SIGN_EVENT", eventJSON))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var row map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if row["rejected"] != "true" {
		t.Errorf("Expected rejected column, got %v", row)
	}
	if _, has := row["result"]; has {
		t.Error("Denial row must carry only the rejected column")
	}
}

func TestProvider_TimeoutReturnsNoContent(t *testing.T) {
	ts := newTestServer(t)
	// No rule and nobody resolving prompts: the short budget expires first.

	v := url.Values{}
	v.Add("arg", eventJSON)
	v.Set("caller", "app.test")
	v.Set("timeout_ms", "100")
	resp, err := http.Get(ts.http.URL + "/v1/provider/com.test.signer.SIGN_EVENT?" + v.Encode())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204 on timeout, got %d", resp.StatusCode)
	}
}

func TestProvider_Ping(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/v1/provider/ping")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var row map[string]string
	json.NewDecoder(resp.Body).Decode(&row)
	if row["result"] != "pong" {
		t.Errorf("Expected pong, got %v", row)
	}
}

func TestProvider_LegacyDataForm(t *testing.T) {
	ts := newTestServer(t)
	ts.policy.Grant("app.test", models.OpSignEvent, models.AnyKind(), true)

	payload := base64.StdEncoding.EncodeToString([]byte(
		`{"host":"app.test","type":"sign_event","id":"r1","event":` + eventJSON + `}`))
	v := url.Values{}
	v.Set("data", payload)
	v.Set("timeout_ms", "2000")
	resp, err := http.Get(ts.http.URL + "/v1/provider/sign_event?" + v.Encode())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var row map[string]string
	json.NewDecoder(resp.Body).Decode(&row)
	if row["result"] == "" {
		t.Errorf("Expected result column, got %v", row)
	}
	if row["success"] != "true" {
		t.Errorf("Expected success=true column, got %v", row)
	}
	if _, present := row["rejected"]; present {
		t.Errorf("Legacy form must not use the rejected column, got %v", row)
	}
}

func TestProvider_LegacyDataFormDenied(t *testing.T) {
	ts := newTestServer(t)
	ts.policy.Grant("app.test", models.OpSignEvent, models.AnyKind(), false)

	payload := base64.StdEncoding.EncodeToString([]byte(
		`{"host":"app.test","type":"sign_event","id":"r1","event":` + eventJSON + `}`))
	v := url.Values{}
	v.Set("data", payload)
	v.Set("timeout_ms", "2000")
	resp, err := http.Get(ts.http.URL + "/v1/provider/sign_event?" + v.Encode())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var row map[string]string
	json.NewDecoder(resp.Body).Decode(&row)
	if row["success"] != "false" {
		t.Errorf("Expected success=false column, got %v", row)
	}
	if row["error"] == "" {
		t.Errorf("Expected error column on denial, got %v", row)
	}
}

func TestProvider_BadAuthority(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/v1/provider/com.test.signer.NOT_AN_OP?timeout_ms=100")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}
	var row map[string]string
	json.NewDecoder(resp.Body).Decode(&row)
	if row["rejected"] != "true" || row["reason"] != "unsupported_type" {
		t.Errorf("Unexpected error row: %v", row)
	}
}

func TestAsyncSubmitAndPoll(t *testing.T) {
	ts := newTestServer(t)
	ts.policy.Grant("app.test", models.OpSignEvent, models.AnyKind(), true)

	body, _ := json.Marshal(submitRequest{
		URI:    "nostrsigner:" + url.QueryEscape(eventJSON),
		Extras: map[string]string{"type": "sign_event", "id": "r1", "package": "app.test"},
	})
	resp, err := http.Post(ts.http.URL+"/v1/requests", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var ticket broker.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("Decode ticket failed: %v", err)
	}
	if ticket.ID != "r1" || ticket.Fingerprint == "" {
		t.Fatalf("Unexpected ticket: %+v", ticket)
	}

	poll, err := http.Get(ts.http.URL + "/v1/results/" + ticket.Fingerprint + "?timeout_ms=2000")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	defer poll.Body.Close()

	if poll.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", poll.StatusCode)
	}
	var result models.Response
	if err := json.NewDecoder(poll.Body).Decode(&result); err != nil {
		t.Fatalf("Decode result failed: %v", err)
	}
	if result.Rejected || result.Result == "" {
		t.Errorf("Unexpected result: %+v", result)
	}
}

func TestPermissionsCRUD(t *testing.T) {
	ts := newTestServer(t)

	// Grant
	body, _ := json.Marshal(ruleRequest{App: "app.test", Operation: "sign_event", Kind: "1", Allowed: true})
	resp, err := http.Post(ts.http.URL+"/v1/permissions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	// List
	resp, err = http.Get(ts.http.URL + "/v1/permissions?app=app.test")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var rules []models.PermissionRule
	json.NewDecoder(resp.Body).Decode(&rules)
	resp.Body.Close()
	if len(rules) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(rules))
	}

	// Revoke
	req, _ := http.NewRequest(http.MethodDelete,
		ts.http.URL+"/v1/permissions?app=app.test&operation=sign_event&kind=1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	rules, _ = ts.policy.List("app.test")
	if len(rules) != 0 {
		t.Errorf("Expected no rules after revoke, got %d", len(rules))
	}
}

func TestPermissionsBulkAndRevokeAll(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{
		"app": "app.test",
		"allowed": true,
		"selections": [
			{"operation": "sign_event", "kind": "22242"},
			{"operation": "nip44_encrypt"}
		]
	}`)
	resp, err := http.Post(ts.http.URL+"/v1/permissions/bulk", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Bulk failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	rules, _ := ts.policy.List("app.test")
	if len(rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(rules))
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.http.URL+"/v1/apps/app.test", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Revoke all failed: %v", err)
	}
	resp.Body.Close()

	rules, _ = ts.policy.List("app.test")
	if len(rules) != 0 {
		t.Errorf("Expected no rules after revoke all, got %d", len(rules))
	}
}

func TestPromptListAndResolve(t *testing.T) {
	ts := newTestServer(t)

	// Submit a request with no rule: it parks as a pending prompt.
	body, _ := json.Marshal(submitRequest{
		URI:    "nostrsigner:" + url.QueryEscape(eventJSON),
		Extras: map[string]string{"type": "sign_event", "id": "r1", "package": "app.test"},
	})
	resp, err := http.Post(ts.http.URL+"/v1/requests", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	var ticket broker.Ticket
	json.NewDecoder(resp.Body).Decode(&ticket)
	resp.Body.Close()

	// Wait for the prompt to surface.
	var prompts []consent.Prompt
	deadline := time.Now().Add(2 * time.Second)
	for {
		pr, err := http.Get(ts.http.URL + "/v1/prompts")
		if err != nil {
			t.Fatalf("List prompts failed: %v", err)
		}
		json.NewDecoder(pr.Body).Decode(&prompts)
		pr.Body.Close()
		if len(prompts) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Prompt never surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if prompts[0].Request.ID != "r1" {
		t.Fatalf("Unexpected prompt: %+v", prompts[0])
	}

	// Approve it.
	res, _ := json.Marshal(consent.Resolution{Approved: true})
	rr, err := http.Post(ts.http.URL+"/v1/prompts/r1/resolve", "application/json", bytes.NewReader(res))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	rr.Body.Close()
	if rr.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.StatusCode)
	}

	poll, err := http.Get(ts.http.URL + "/v1/results/" + ticket.Fingerprint + "?timeout_ms=2000")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	defer poll.Body.Close()
	var result models.Response
	json.NewDecoder(poll.Body).Decode(&result)
	if result.Rejected {
		t.Errorf("Approved request delivered a rejection: %+v", result)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/health")
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

// Package controlplane provides the HTTP API for iglood: the two inbound
// request transports, permission management, consent prompt resolution, and
// the audit feed.
package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/iglood/internal/audit"
	"github.com/fentz26/iglood/internal/broker"
	"github.com/fentz26/iglood/internal/consent"
	"github.com/fentz26/iglood/internal/models"
	"github.com/fentz26/iglood/internal/nip55"
	"github.com/fentz26/iglood/internal/policy"
	"github.com/fentz26/iglood/internal/store"
)

const (
	defaultWait = 15 * time.Second
	maxWait     = 60 * time.Second
)

// Server provides the HTTP API for the broker daemon.
type Server struct {
	broker *broker.Broker
	policy *policy.Engine
	center *consent.Center
	audit  *audit.Writer
	store  *store.Store
	logger *slog.Logger

	addr   string
	server *http.Server
}

// NewServer creates the API server. center may be nil when consent is
// resolved elsewhere (headless static approver).
func NewServer(b *broker.Broker, p *policy.Engine, center *consent.Center, aw *audit.Writer, st *store.Store, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		broker: b,
		policy: p,
		center: center,
		audit:  aw,
		store:  st,
		logger: logger,
		addr:   addr,
	}
}

// Handler builds the route table. Split out from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Inbound transports
	mux.HandleFunc("/v1/requests", s.handleRequests)
	mux.HandleFunc("/v1/results/", s.handleResult)
	mux.HandleFunc("/v1/provider/", s.handleProvider)

	// Permission management
	mux.HandleFunc("/v1/permissions", s.handlePermissions)
	mux.HandleFunc("/v1/permissions/bulk", s.handleBulk)
	mux.HandleFunc("/v1/apps/", s.handleApp)

	// Consent prompts
	mux.HandleFunc("/v1/prompts", s.handlePrompts)
	mux.HandleFunc("/v1/prompts/", s.handlePromptResolve)

	// Audit feed
	mux.HandleFunc("/v1/audit", s.handleAudit)

	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: maxWait + 10*time.Second,
	}

	s.logger.Info("starting iglood daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Inbound transports ---

type submitRequest struct {
	URI    string            `json:"uri"`
	Extras map[string]string `json:"extras"`
	Caller string            `json:"caller"`
}

// handleRequests is the async intent transport: accept, return a ticket,
// deliver the result out-of-band via /v1/results.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	parsed, err := nip55.ParseIntent(req.URI, req.Extras, req.Caller)
	if err != nil {
		writeParseError(w, err)
		return
	}

	ticket := s.broker.Submit(parsed)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(ticket)
}

// handleResult long-polls the terminal response for a ticket fingerprint.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/v1/results/")
	if key == "" {
		http.Error(w, "fingerprint required", http.StatusBadRequest)
		return
	}

	resp, ok := s.broker.Result(key, waitBudget(r))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleProvider is the blocking query transport. The path segment after
// /v1/provider/ is the query authority ("<namespace>.<OPERATION_NAME>", or
// a bare operation name for the legacy base64 form). Results use the
// provider column convention: result/event on success, a single rejected
// column on denial, no content on timeout.
func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	authority := strings.TrimPrefix(r.URL.Path, "/v1/provider/")
	if authority == "" {
		http.Error(w, "authority required", http.StatusBadRequest)
		return
	}

	// Availability probe, answered without touching the pipeline.
	if authority == "ping" || strings.HasSuffix(authority, ".ping") {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"pong"}`))
		return
	}

	caller := r.URL.Query().Get("caller")

	var parsed *models.Request
	var err error
	legacy := false
	if data := r.URL.Query().Get("data"); data != "" {
		legacy = true
		parsed, err = nip55.ParseData(data, caller)
	} else {
		parsed, err = nip55.ParseQuery(authority, r.URL.Query()["arg"], caller)
	}
	if err != nil {
		writeParseError(w, err)
		return
	}

	resp, ok := s.broker.SubmitAndWait(parsed, waitBudget(r))
	if !ok {
		// Timeout: no result row.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if legacy {
		// The legacy form keeps its original column convention:
		// result/success on completion, success=false with an error column
		// on denial.
		if resp.Rejected {
			row := map[string]string{"success": "false"}
			if resp.Reason != "" {
				row["error"] = resp.Reason
			}
			json.NewEncoder(w).Encode(row)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"result":  resp.Result,
			"success": "true",
		})
		return
	}
	if resp.Rejected {
		json.NewEncoder(w).Encode(map[string]string{"rejected": "true"})
		return
	}
	row := map[string]string{"result": resp.Result}
	if resp.Event != "" {
		row["event"] = resp.Event
	}
	json.NewEncoder(w).Encode(row)
}

// --- Permission management ---

type ruleRequest struct {
	App       string `json:"app"`
	Operation string `json:"operation"`
	Kind      string `json:"kind"`
	Allowed   bool   `json:"allowed"`
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRules(w, r)
	case http.MethodPost:
		s.grantRule(w, r)
	case http.MethodDelete:
		s.revokeRule(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.policy.List(r.URL.Query().Get("app"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rules == nil {
		rules = []models.PermissionRule{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rules)
}

func (s *Server) grantRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	op, kind, ok := parseRuleTriple(w, req.Operation, req.Kind)
	if !ok {
		return
	}
	if err := s.policy.Grant(req.App, op, kind, req.Allowed); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.audit.Event("perms.grant", req.App, "ok", req.Operation+"/"+kind.String())

	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) revokeRule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	op, kind, ok := parseRuleTriple(w, q.Get("operation"), q.Get("kind"))
	if !ok {
		return
	}
	app := q.Get("app")
	if err := s.policy.Revoke(app, op, kind); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.audit.Event("perms.revoke", app, "ok", q.Get("operation")+"/"+kind.String())

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"revoked"}`))
}

type bulkRequest struct {
	App        string `json:"app"`
	Allowed    bool   `json:"allowed"`
	Selections []struct {
		Operation string `json:"operation"`
		Kind      string `json:"kind"`
	} `json:"selections"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	selections := make([]models.Selection, 0, len(req.Selections))
	for _, sel := range req.Selections {
		op, kind, ok := parseRuleTriple(w, sel.Operation, sel.Kind)
		if !ok {
			return
		}
		selections = append(selections, models.Selection{Operation: op, Kind: kind})
	}

	if err := s.policy.BulkSet(req.App, selections, req.Allowed); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.audit.Event("perms.bulk", req.App, "ok", strconv.Itoa(len(selections))+" selections")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleApp handles DELETE /v1/apps/{appID}: revoke every rule for an app.
func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	appID := strings.TrimPrefix(r.URL.Path, "/v1/apps/")
	if appID == "" {
		http.Error(w, "app id required", http.StatusBadRequest)
		return
	}
	if err := s.policy.RevokeAll(appID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.audit.Event("perms.revoke_all", appID, "ok", "")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"revoked"}`))
}

// --- Consent prompts ---

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.center == nil {
		http.Error(w, "consent center not attached", http.StatusServiceUnavailable)
		return
	}
	pending := s.center.Pending()
	if pending == nil {
		pending = []consent.Prompt{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pending)
}

// handlePromptResolve handles POST /v1/prompts/{id}/resolve.
func (s *Server) handlePromptResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.center == nil {
		http.Error(w, "consent center not attached", http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/prompts/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resolve" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var res consent.Resolution
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.center.Resolve(parts[0], res); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"resolved"}`))
}

// --- Audit & health ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.audit.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// --- Helpers ---

// waitBudget reads the caller's wait budget, clamped to keep a single
// request from pinning a handler for minutes.
func waitBudget(r *http.Request) time.Duration {
	ms, err := strconv.Atoi(r.URL.Query().Get("timeout_ms"))
	if err != nil || ms <= 0 {
		return defaultWait
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxWait {
		return maxWait
	}
	return d
}

func parseRuleTriple(w http.ResponseWriter, operation, kind string) (models.OperationKind, models.KindFilter, bool) {
	op, ok := models.ParseOperation(operation)
	if !ok {
		http.Error(w, "unknown operation", http.StatusBadRequest)
		return "", models.KindFilter{}, false
	}
	filter := models.AnyKind()
	if kind != "" {
		parsed, err := models.ParseKindFilter(kind)
		if err != nil {
			http.Error(w, "bad kind", http.StatusBadRequest)
			return "", models.KindFilter{}, false
		}
		filter = parsed
	}
	return op, filter, true
}

func writeParseError(w http.ResponseWriter, err error) {
	code := models.ParseInvalidJSON
	if perr, ok := models.IsParseError(err); ok {
		code = perr.Code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{
		"rejected": "true",
		"reason":   string(code),
		"detail":   err.Error(),
	})
}

// Package broker wires the request pipeline: dedup, permission check,
// consent, the ingestion queue, the signing batch client, and result
// delivery through the blocking bridge.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/iglood/internal/audit"
	"github.com/fentz26/iglood/internal/bridge"
	"github.com/fentz26/iglood/internal/cipher"
	"github.com/fentz26/iglood/internal/consent"
	"github.com/fentz26/iglood/internal/dedup"
	"github.com/fentz26/iglood/internal/models"
	"github.com/fentz26/iglood/internal/policy"
	"github.com/fentz26/iglood/internal/queue"
	"github.com/fentz26/iglood/internal/signer"
)

// Config defines the pipeline-level parameters.
type Config struct {
	// PromptTimeout bounds how long a PromptRequired request waits for the
	// user before it is denied.
	PromptTimeout time.Duration `mapstructure:"prompt_timeout"`
	// DispatchParallelism caps concurrent operations per flushed batch.
	DispatchParallelism int `mapstructure:"dispatch_parallelism"`
}

// DefaultConfig returns the default pipeline parameters.
func DefaultConfig() Config {
	return Config{
		PromptTimeout:       60 * time.Second,
		DispatchParallelism: 8,
	}
}

// Signer is the slice of the batch client the broker needs.
type Signer interface {
	RequestSignature(ctx context.Context, key string) (models.SignatureEntry, error)
	SharedSecret(ctx context.Context, pubkey string) (string, error)
	PublicKey(ctx context.Context) (string, error)
}

var _ Signer = (*signer.BatchClient)(nil)

// Ticket is the immediate answer to an async submission. Results are
// delivered under the fingerprint, so retried submissions with regenerated
// ids converge on one outcome.
type Ticket struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Duplicate   bool   `json:"duplicate"`
}

// Broker drives requests from admission to delivery.
type Broker struct {
	cfg      Config
	dedup    *dedup.Deduplicator
	policy   *policy.Engine
	queue    *queue.Queue
	signer   Signer
	bridge   *bridge.Bridge
	approver consent.Approver
	audit    *audit.Writer
	logger   *slog.Logger

	pkMu     sync.Mutex
	groupKey string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a broker. The queue must be constructed with the broker's
// Dispatch as its flush callback (see NewPipeline for the usual wiring).
func New(cfg Config, d *dedup.Deduplicator, p *policy.Engine, s Signer, b *bridge.Bridge, approver consent.Approver, aw *audit.Writer, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:      cfg,
		dedup:    d,
		policy:   p,
		signer:   s,
		bridge:   b,
		approver: approver,
		audit:    aw,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// NewPipeline assembles a broker together with its ingestion queue, wired
// back-to-back.
func NewPipeline(cfg Config, qcfg queue.Config, d *dedup.Deduplicator, p *policy.Engine, s Signer, b *bridge.Bridge, approver consent.Approver, aw *audit.Writer, logger *slog.Logger) (*Broker, *queue.Queue) {
	br := New(cfg, d, p, s, b, approver, aw, logger)
	q := queue.New(qcfg, br.Dispatch, br, logger)
	br.queue = q
	return br, q
}

var _ queue.Sweeper = (*Broker)(nil)

// Sweep purges stale admission state: fingerprints older than maxAge in the
// recent-set, and resolved correlation slots nobody claimed within maxAge.
// The queue's cleanup pass calls this on its cadence.
func (b *Broker) Sweep(maxAge time.Duration) int {
	n := b.dedup.Sweep(maxAge)
	n += b.bridge.Sweep(maxAge)
	return n
}

// Start launches the ingestion queue.
func (b *Broker) Start() {
	if b.queue != nil {
		b.queue.Start()
	}
}

// Stop drains the queue and halts background admission work.
func (b *Broker) Stop() {
	if b.queue != nil {
		b.queue.Flush()
		b.queue.Stop()
	}
	b.cancel()
	b.wg.Wait()
}

// Submit admits a request and returns immediately. The admission pipeline
// (permission check, consent, enqueue) continues in the background; the
// terminal response lands in the bridge under the ticket's fingerprint.
func (b *Broker) Submit(r *models.Request) Ticket {
	fp := dedup.Fingerprint(r)
	ticket := Ticket{ID: r.ID, Fingerprint: fp}

	if !b.dedup.AdmitFingerprint(fp) {
		// Already seen: the caller shares the original outcome.
		ticket.Duplicate = true
		b.audit.Request("request.duplicate", r, "collapsed", fp)
		return ticket
	}

	b.audit.Request("request.admit", r, "admitted", fp)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.process(r, fp)
	}()
	return ticket
}

// SubmitAndWait admits a request and blocks until its terminal response or
// the timeout. Timeout yields ok=false; the caller reports "no result".
func (b *Broker) SubmitAndWait(r *models.Request, timeout time.Duration) (*models.Response, bool) {
	ticket := b.Submit(r)
	payload, ok := b.bridge.WaitForResult(ticket.Fingerprint, timeout)
	if !ok {
		return nil, false
	}
	var resp models.Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		b.logger.Error("malformed stored response", "fingerprint", ticket.Fingerprint, "error", err)
		return nil, false
	}
	return &resp, true
}

// Result blocks until the response for a previously issued ticket
// fingerprint arrives, or the timeout elapses.
func (b *Broker) Result(fingerprint string, timeout time.Duration) (*models.Response, bool) {
	payload, ok := b.bridge.WaitForResult(fingerprint, timeout)
	if !ok {
		return nil, false
	}
	var resp models.Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// process runs the admission pipeline for one request.
func (b *Broker) process(r *models.Request, fp string) {
	kind := eventKind(r)

	verdict := b.policy.Check(r.CallingApp, r.Operation, kind)
	switch verdict.Decision {
	case models.DecisionDenied:
		b.audit.Request("request.verdict", r, "denied", "")
		b.deliver(r, fp, &models.Response{ID: r.ID, Rejected: true, Reason: "denied"})
		return
	case models.DecisionPrompt:
		if !b.resolvePrompt(r, fp, kind) {
			return
		}
	case models.DecisionAllowed:
		b.audit.Request("request.verdict", r, "allowed", "")
	}

	// get_public_key never needs a service round trip once the group key
	// is known; answer directly.
	if r.Operation == models.OpGetPublicKey {
		b.answerPublicKey(r, fp)
		return
	}

	item := &queue.Item{
		Request:     r,
		Fingerprint: fp,
		Priority:    priorityOf(r),
		EnqueuedAt:  r.ReceivedAt,
	}
	if !b.queue.Enqueue(item) {
		b.audit.Request("request.enqueue", r, "rejected", "queue full or stale")
		b.deliver(r, fp, &models.Response{
			ID: r.ID, Rejected: true, Reason: models.ErrQueueFull.Error(),
		})
	}
}

// resolvePrompt blocks on the consent collaborator and applies any remember
// or bulk grant. Returns false when the request is denied (response already
// delivered).
func (b *Broker) resolvePrompt(r *models.Request, fp string, kind models.KindFilter) bool {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.PromptTimeout)
	defer cancel()

	res, err := b.approver.Ask(ctx, consent.Prompt{
		Request:   r,
		Kind:      kind,
		CreatedAt: time.Now(),
	})
	if err != nil {
		b.logger.Warn("consent prompt failed", "request", r.ID, "error", err)
		res = consent.Resolution{Approved: false}
	}

	if res.Remember {
		if err := b.policy.Grant(r.CallingApp, r.Operation, kind, res.Approved); err != nil {
			b.logger.Warn("failed to persist remembered decision", "request", r.ID, "error", err)
		}
	}
	if len(res.Bulk) > 0 {
		if err := b.policy.BulkSet(r.CallingApp, res.Bulk, res.Approved); err != nil {
			b.logger.Warn("failed to persist bulk decision", "request", r.ID, "error", err)
		}
	}

	outcome := "denied"
	if res.Approved {
		outcome = "approved"
	}
	b.audit.Request("request.consent", r, outcome, "")

	if !res.Approved {
		b.deliver(r, fp, &models.Response{ID: r.ID, Rejected: true, Reason: "denied"})
		return false
	}
	return true
}

// Dispatch executes one flushed batch. It is the queue's flush callback.
func (b *Broker) Dispatch(items []*queue.Item) {
	g, ctx := errgroup.WithContext(b.ctx)
	g.SetLimit(b.cfg.DispatchParallelism)
	for _, item := range items {
		it := item
		g.Go(func() error {
			b.execute(ctx, it)
			return nil
		})
	}
	g.Wait()
}

// execute performs one operation against the signing service and delivers
// the terminal response.
func (b *Broker) execute(ctx context.Context, item *queue.Item) {
	r := item.Request
	resp, err := b.perform(ctx, r)
	if err != nil {
		b.audit.Request("request.execute", r, "failed", err.Error())
		resp = &models.Response{ID: r.ID, Rejected: true, Reason: reasonOf(err)}
	} else {
		b.audit.Request("request.execute", r, "completed", "")
	}
	b.deliver(r, item.Fingerprint, resp)
}

func (b *Broker) perform(ctx context.Context, r *models.Request) (*models.Response, error) {
	switch r.Operation {
	case models.OpSignEvent:
		return b.performSign(ctx, r)
	case models.OpNIP04Encrypt, models.OpNIP44Encrypt:
		return b.performSeal(ctx, r, true)
	case models.OpNIP04Decrypt, models.OpNIP44Decrypt:
		return b.performSeal(ctx, r, false)
	case models.OpDecryptZapEvent:
		return b.performZap(ctx, r)
	default:
		return nil, fmt.Errorf("unexpected operation %s past admission", r.Operation)
	}
}

func (b *Broker) performSign(ctx context.Context, r *models.Request) (*models.Response, error) {
	var evt nostr.Event
	if err := json.Unmarshal([]byte(r.Param("event")), &evt); err != nil {
		return nil, fmt.Errorf("sign: parse event: %w", err)
	}
	eventID := evt.ID
	if eventID == "" {
		eventID = evt.GetID()
	}

	entry, err := b.signer.RequestSignature(ctx, eventID)
	if err != nil {
		return nil, err
	}

	evt.ID = eventID
	evt.Sig = entry.Signature
	signed, err := evt.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("sign: marshal signed event: %w", err)
	}
	return &models.Response{ID: r.ID, Result: entry.Signature, Event: string(signed)}, nil
}

func (b *Broker) performSeal(ctx context.Context, r *models.Request, encrypt bool) (*models.Response, error) {
	secret, err := b.signer.SharedSecret(ctx, r.Param("pubkey"))
	if err != nil {
		return nil, err
	}

	var out string
	switch {
	case encrypt && r.Operation == models.OpNIP04Encrypt:
		out, err = cipher.NIP04Encrypt(r.Param("plaintext"), secret)
	case encrypt:
		out, err = cipher.NIP44Encrypt(r.Param("plaintext"), secret)
	case r.Operation == models.OpNIP04Decrypt:
		out, err = cipher.NIP04Decrypt(r.Param("ciphertext"), secret)
	default:
		out, err = cipher.NIP44Decrypt(r.Param("ciphertext"), secret)
	}
	if err != nil {
		return nil, err
	}
	return &models.Response{ID: r.ID, Result: out}, nil
}

func (b *Broker) performZap(ctx context.Context, r *models.Request) (*models.Response, error) {
	eventJSON := r.Param("event")
	sender, err := cipher.ZapSender(eventJSON)
	if err != nil {
		return nil, err
	}
	secret, err := b.signer.SharedSecret(ctx, sender)
	if err != nil {
		return nil, err
	}
	out, err := cipher.DecryptZapEvent(eventJSON, secret)
	if err != nil {
		return nil, err
	}
	return &models.Response{ID: r.ID, Result: out}, nil
}

// answerPublicKey serves get_public_key from the cached group key, fetching
// it once from the service.
func (b *Broker) answerPublicKey(r *models.Request, fp string) {
	b.pkMu.Lock()
	key := b.groupKey
	b.pkMu.Unlock()

	if key == "" {
		ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
		defer cancel()
		fetched, err := b.signer.PublicKey(ctx)
		if err != nil {
			b.audit.Request("request.execute", r, "failed", err.Error())
			b.deliver(r, fp, &models.Response{ID: r.ID, Rejected: true, Reason: reasonOf(err)})
			return
		}
		b.pkMu.Lock()
		b.groupKey = fetched
		b.pkMu.Unlock()
		key = fetched
	}

	b.audit.Request("request.execute", r, "completed", "")
	b.deliver(r, fp, &models.Response{ID: r.ID, Result: key})
}

// deliver stores the terminal response under both the fingerprint and the
// request id, then forgets the correlation lazily via the bridge sweep.
func (b *Broker) deliver(r *models.Request, fp string, resp *models.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("failed to encode response", "request", r.ID, "error", err)
		return
	}
	b.bridge.SetResult(fp, string(payload))
	if r.ID != fp {
		b.bridge.SetResult(r.ID, string(payload))
	}
	b.logger.Debug("response delivered",
		"request", r.ID, "fingerprint", fp, "rejected", resp.Rejected)
}

// eventKind extracts the kind filter for the permission check. Only
// sign-event carries a kind; everything else checks the wildcard.
func eventKind(r *models.Request) models.KindFilter {
	if r.Operation != models.OpSignEvent {
		return models.AnyKind()
	}
	var evt struct {
		Kind *int `json:"kind"`
	}
	if err := json.Unmarshal([]byte(r.Param("event")), &evt); err != nil || evt.Kind == nil {
		return models.AnyKind()
	}
	return models.KindOf(*evt.Kind)
}

// priorityOf maps a request onto a queue tier: a blocked caller is
// latency-sensitive, an async caller is not, and callers can downgrade
// themselves explicitly.
func priorityOf(r *models.Request) models.Priority {
	if r.Param("priority") == "low" {
		return models.PriorityLow
	}
	if r.EntryPoint == models.EntryBlocking {
		return models.PriorityHigh
	}
	return models.PriorityNormal
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, models.ErrSignTimeout):
		return "timeout"
	case errors.Is(err, models.ErrConnectivity):
		return "connectivity"
	case errors.Is(err, models.ErrSigningQueueFull), errors.Is(err, models.ErrQueueFull):
		return "queue full"
	case errors.Is(err, models.ErrNotFound):
		return "not found"
	default:
		return err.Error()
	}
}

// Package signer implements the batch client in front of the external
// signing service.
//
// The client owns the only link to the service. Callers ask for a signature
// by event id; the client collapses concurrent asks for the same id onto one
// job, gathers concurrently-arriving ids for a short collection delay, and
// issues a single batched call. A short-TTL result cache absorbs immediate
// retries without another round trip.
package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fentz26/iglood/internal/models"
)

// Service is the signing service link. Implementations must be safe for
// concurrent use.
type Service interface {
	// Connect (re)establishes the link.
	Connect(ctx context.Context) error
	// Ready reports the link's own view of its health. A true answer is a
	// hint, not a guarantee; calls still carry their own timeout.
	Ready() bool
	// Sign signs the given event ids in one call. The response list may be
	// in any order; entries are matched back by event id.
	Sign(ctx context.Context, eventIDs []string) ([]models.SignatureEntry, error)
	// ECDH derives the shared secret between the signing key and pubkey.
	ECDH(ctx context.Context, pubkey string) (string, error)
	// PublicKey returns the service's signing public key.
	PublicKey(ctx context.Context) (string, error)
}

// Config defines the batch client parameters.
type Config struct {
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	CollectDelay     time.Duration `mapstructure:"collect_delay"`
	PendingCap       int           `mapstructure:"pending_cap"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ReconnectTimeout time.Duration `mapstructure:"reconnect_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// DefaultConfig returns the default batch client parameters.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         5 * time.Second,
		CollectDelay:     50 * time.Millisecond,
		PendingCap:       10,
		FailureThreshold: 2,
		ReconnectTimeout: 5 * time.Second,
		CallTimeout:      8 * time.Second,
	}
}

type outcome struct {
	entry models.SignatureEntry
	err   error
}

type job struct {
	key     string
	waiters []chan outcome
}

type cached struct {
	entry models.SignatureEntry
	at    time.Time
}

// BatchClient batches, deduplicates, and health-gates signature requests.
type BatchClient struct {
	cfg    Config
	svc    Service
	logger *slog.Logger

	mu        sync.Mutex
	pending   map[string]*job
	cache     map[string]cached
	failures  int
	scheduled bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatchClient creates a batch client over the given service link.
func NewBatchClient(cfg Config, svc Service, logger *slog.Logger) *BatchClient {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BatchClient{
		cfg:     cfg,
		svc:     svc,
		logger:  logger,
		pending: make(map[string]*job),
		cache:   make(map[string]cached),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RequestSignature resolves key to a SignatureEntry. Concurrent calls for the
// same key share one service call and one result. It blocks until the batched
// call completes, the client stops, or ctx is done.
func (c *BatchClient) RequestSignature(ctx context.Context, key string) (models.SignatureEntry, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return models.SignatureEntry{}, fmt.Errorf("request signature: client stopped: %w", models.ErrConnectivity)
	}

	if hit, ok := c.cache[key]; ok {
		if time.Since(hit.at) <= c.cfg.CacheTTL {
			c.mu.Unlock()
			return hit.entry, nil
		}
		delete(c.cache, key)
	}

	ch := make(chan outcome, 1)
	if j, outstanding := c.pending[key]; outstanding {
		j.waiters = append(j.waiters, ch)
	} else {
		if len(c.pending) >= c.cfg.PendingCap {
			c.mu.Unlock()
			return models.SignatureEntry{}, fmt.Errorf("request signature %s: %w", key, models.ErrSigningQueueFull)
		}
		c.pending[key] = &job{key: key, waiters: []chan outcome{ch}}
		if !c.scheduled {
			c.scheduled = true
			c.wg.Add(1)
			go c.collectAndDispatch()
		}
	}
	c.mu.Unlock()

	select {
	case out := <-ch:
		return out.entry, out.err
	case <-ctx.Done():
		return models.SignatureEntry{}, ctx.Err()
	}
}

// SharedSecret derives the ECDH shared secret for pubkey, with the same
// health gate and per-call timeout as signature calls. ECDH is cheap and
// rare, so it is not batched.
func (c *BatchClient) SharedSecret(ctx context.Context, pubkey string) (string, error) {
	if err := c.ensureLink(ctx); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	secret, err := c.svc.ECDH(callCtx, pubkey)
	if err != nil {
		c.noteFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("ecdh %s: %w", pubkey, models.ErrSignTimeout)
		}
		return "", fmt.Errorf("ecdh %s: %w", pubkey, err)
	}
	c.noteSuccess()
	return secret, nil
}

// PublicKey fetches the service's signing public key.
func (c *BatchClient) PublicKey(ctx context.Context) (string, error) {
	if err := c.ensureLink(ctx); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	pk, err := c.svc.PublicKey(callCtx)
	if err != nil {
		c.noteFailure()
		return "", fmt.Errorf("public key: %w", err)
	}
	c.noteSuccess()
	return pk, nil
}

// Stop cancels in-flight work and rejects every pending waiter. Safe to call
// more than once and on a client that never dispatched.
func (c *BatchClient) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	jobs := c.takePending()
	failJobs(jobs, fmt.Errorf("client stopped: %w", models.ErrConnectivity))
}

// collectAndDispatch sleeps for the collection delay, then issues one batched
// call covering every key pending at that moment.
func (c *BatchClient) collectAndDispatch() {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.CollectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		return
	}

	jobs := c.takePending()
	if len(jobs) == 0 {
		return
	}
	keys := make([]string, 0, len(jobs))
	for _, j := range jobs {
		keys = append(keys, j.key)
	}

	if err := c.ensureLink(c.ctx); err != nil {
		c.logger.Warn("signing link unavailable, rejecting batch", "keys", len(keys), "error", err)
		failJobs(jobs, err)
		return
	}

	callCtx, cancel := context.WithTimeout(c.ctx, c.cfg.CallTimeout)
	defer cancel()

	entries, err := c.svc.Sign(callCtx, keys)
	if err != nil {
		c.noteFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("sign batch of %d: %w", len(keys), models.ErrSignTimeout)
		} else {
			err = fmt.Errorf("sign batch of %d: %w", len(keys), err)
		}
		failJobs(jobs, err)
		return
	}
	c.noteSuccess()

	byID := make(map[string]models.SignatureEntry, len(entries))
	for _, e := range entries {
		byID[e.EventID] = e
	}

	now := time.Now()
	c.mu.Lock()
	for id := range c.cache {
		if now.Sub(c.cache[id].at) > c.cfg.CacheTTL {
			delete(c.cache, id)
		}
	}
	for _, j := range jobs {
		if _, ok := byID[j.key]; ok {
			c.cache[j.key] = cached{entry: byID[j.key], at: now}
		}
	}
	c.mu.Unlock()

	for _, j := range jobs {
		entry, ok := byID[j.key]
		out := outcome{entry: entry}
		if !ok {
			// The service answered but skipped this key; leaving the
			// waiters pending would hang them past every deadline.
			out = outcome{err: fmt.Errorf("sign %s: %w", j.key, models.ErrNotFound)}
		}
		for _, ch := range j.waiters {
			ch <- out
		}
	}
}

// takePending detaches and returns every pending job, clearing the schedule
// flag so the next RequestSignature starts a fresh collection window.
func (c *BatchClient) takePending() []*job {
	c.mu.Lock()
	defer c.mu.Unlock()
	jobs := make([]*job, 0, len(c.pending))
	for _, j := range c.pending {
		jobs = append(jobs, j)
	}
	c.pending = make(map[string]*job)
	c.scheduled = false
	return jobs
}

// ensureLink gates a service call on link health: when the link reports
// not-ready, or consecutive failures reached the threshold, it polls for a
// bounded reconnect first and refuses the call if that fails.
func (c *BatchClient) ensureLink(ctx context.Context) error {
	c.mu.Lock()
	failures := c.failures
	c.mu.Unlock()

	if c.svc.Ready() && failures < c.cfg.FailureThreshold {
		return nil
	}

	c.logger.Info("signing link suspect, reconnecting", "ready", c.svc.Ready(), "failures", failures)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = c.cfg.ReconnectTimeout

	err := backoff.Retry(func() error {
		if err := c.svc.Connect(ctx); err != nil {
			return err
		}
		if !c.svc.Ready() {
			return errors.New("connected but not ready")
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("reconnect failed: %w", models.ErrConnectivity)
	}

	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	return nil
}

func (c *BatchClient) noteFailure() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

func (c *BatchClient) noteSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

// Failures returns the consecutive-failure count, for observability.
func (c *BatchClient) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func failJobs(jobs []*job, err error) {
	for _, j := range jobs {
		for _, ch := range j.waiters {
			ch <- outcome{err: err}
		}
	}
}

// Package consent holds requests that need an explicit user decision.
//
// The pipeline parks a PromptRequired request here and blocks on its
// resolution; a UI (the terminal consent view or the HTTP API) lists pending
// prompts and resolves them. An unresolved prompt times out as a denial.
package consent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/iglood/internal/models"
)

// Prompt is one request awaiting a user decision.
type Prompt struct {
	Request   *models.Request   `json:"request"`
	Kind      models.KindFilter `json:"kind"`
	CreatedAt time.Time         `json:"created_at"`
}

// Resolution is the user's answer to a prompt.
type Resolution struct {
	Approved bool `json:"approved"`
	// Remember persists the single decision as a permission rule.
	Remember bool `json:"remember"`
	// Bulk, when non-empty, grants or denies the listed selections in one
	// write instead of just the prompted triple.
	Bulk []models.Selection `json:"bulk,omitempty"`
}

// Approver is what the pipeline blocks on for PromptRequired requests.
type Approver interface {
	Ask(ctx context.Context, p Prompt) (Resolution, error)
}

type pendingPrompt struct {
	prompt   Prompt
	resolved chan Resolution
}

// Center queues prompts for an external UI and fans resolutions back.
type Center struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingPrompt
}

// NewCenter creates an empty prompt center.
func NewCenter(logger *slog.Logger) *Center {
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{
		logger:  logger,
		pending: make(map[string]*pendingPrompt),
	}
}

// Ask parks the prompt until Resolve is called for its request id or ctx
// expires. Expiry counts as a denial, not an error the caller must branch on.
func (c *Center) Ask(ctx context.Context, p Prompt) (Resolution, error) {
	c.mu.Lock()
	if _, dup := c.pending[p.Request.ID]; dup {
		c.mu.Unlock()
		return Resolution{}, fmt.Errorf("prompt for request %s already pending", p.Request.ID)
	}
	pp := &pendingPrompt{prompt: p, resolved: make(chan Resolution, 1)}
	c.pending[p.Request.ID] = pp
	c.mu.Unlock()

	c.logger.Info("consent prompt pending",
		"request", p.Request.ID, "app", p.Request.CallingApp, "operation", p.Request.Operation)

	defer func() {
		c.mu.Lock()
		delete(c.pending, p.Request.ID)
		c.mu.Unlock()
	}()

	select {
	case res := <-pp.resolved:
		return res, nil
	case <-ctx.Done():
		c.logger.Info("consent prompt expired, denying", "request", p.Request.ID)
		return Resolution{Approved: false}, nil
	}
}

// Resolve answers the pending prompt for requestID. It returns ErrNotFound
// when no such prompt is pending (already resolved or expired).
func (c *Center) Resolve(requestID string, res Resolution) error {
	c.mu.Lock()
	pp, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("resolve prompt %s: %w", requestID, models.ErrNotFound)
	}
	pp.resolved <- res
	return nil
}

// Pending lists unresolved prompts, oldest first.
func (c *Center) Pending() []Prompt {
	c.mu.Lock()
	out := make([]Prompt, 0, len(c.pending))
	for _, pp := range c.pending {
		out = append(out, pp.prompt)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// StaticApprover answers every prompt the same way, without user
// interaction. Used for headless setups and tests.
type StaticApprover struct {
	Approved bool
	Remember bool
}

func (s StaticApprover) Ask(context.Context, Prompt) (Resolution, error) {
	return Resolution{Approved: s.Approved, Remember: s.Remember}, nil
}

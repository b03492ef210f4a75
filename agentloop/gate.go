package agentloop

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// ConfirmationKind distinguishes tool approvals from loop checkpoints.
type ConfirmationKind string

const (
	ConfirmTool           ConfirmationKind = "tool"
	ConfirmLoopCheckpoint ConfirmationKind = "loop_checkpoint"
)

// Risk grades a gated action.
type Risk string

const (
	RiskCriticalPath     Risk = "critical_path"
	RiskStandardMutating Risk = "standard_mutating"
)

// DecisionState is the resolution state of a confirmation request.
type DecisionState string

const (
	DecisionPending  DecisionState = "pending"
	DecisionApproved DecisionState = "approved"
	DecisionDenied   DecisionState = "denied"
)

// Decision is the answer to a confirmation request.
type Decision struct {
	State  DecisionState `json:"state"`
	Reason string        `json:"reason,omitempty"`
}

// Approve returns an approving decision.
func Approve() Decision { return Decision{State: DecisionApproved} }

// Deny returns a denying decision with reason.
func Deny(reason string) Decision { return Decision{State: DecisionDenied, Reason: reason} }

// Approved reports whether d approves.
func (d Decision) Approved() bool { return d.State == DecisionApproved }

// ConfirmationRequest asks the operator to approve one gated action.
type ConfirmationRequest struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Kind        ConfirmationKind `json:"kind"`
	Description string           `json:"description"`
	Tool        string           `json:"tool,omitempty"`
	Target      string           `json:"target,omitempty"`
	Targets     []string         `json:"targets,omitempty"`
	Arguments   map[string]any   `json:"arguments,omitempty"`
	Risk        Risk             `json:"risk"`
	Iteration   int              `json:"iteration"`
	Decision    Decision         `json:"decision"`
	Auto        bool             `json:"auto"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Approver obtains operator decisions. RequestApproval blocks until the
// operator answers or ctx ends.
type Approver interface {
	RequestApproval(ctx context.Context, req ConfirmationRequest) (Decision, error)
}

// ApproverFunc adapts a synchronous prompt to the Approver interface.
type ApproverFunc func(ctx context.Context, req ConfirmationRequest) (Decision, error)

func (f ApproverFunc) RequestApproval(ctx context.Context, req ConfirmationRequest) (Decision, error) {
	return f(ctx, req)
}

// ConfirmationBroker is an asynchronous Approver. Requests wait in a pending
// map until Resolve delivers an answer.
type ConfirmationBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingConfirmation
}

type pendingConfirmation struct {
	req      ConfirmationRequest
	ch       chan Decision
	resolved bool
}

// pendingRegistrar is implemented by approvers that must record a request
// before it is announced, so an answer sent in reaction to the
// confirmation_required event always finds it.
type pendingRegistrar interface {
	register(req ConfirmationRequest)
}

// NewConfirmationBroker creates an empty broker.
func NewConfirmationBroker() *ConfirmationBroker {
	return &ConfirmationBroker{pending: make(map[string]*pendingConfirmation)}
}

func (b *ConfirmationBroker) register(req ConfirmationRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[req.ID]; !ok {
		b.pending[req.ID] = &pendingConfirmation{req: req, ch: make(chan Decision, 1)}
	}
}

func (b *ConfirmationBroker) RequestApproval(ctx context.Context, req ConfirmationRequest) (Decision, error) {
	b.register(req)
	b.mu.Lock()
	p := b.pending[req.ID]
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	select {
	case d := <-p.ch:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve answers a pending request. Each request can be answered once.
func (b *ConfirmationBroker) Resolve(requestID string, d Decision) error {
	if d.State != DecisionApproved && d.State != DecisionDenied {
		return fmt.Errorf("decision must be approved or denied, got %q", d.State)
	}
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok || p.resolved {
		b.mu.Unlock()
		return ErrRequestNotFound
	}
	p.resolved = true
	b.mu.Unlock()
	p.ch <- d
	return nil
}

// Pending lists waiting requests, oldest first. A non-empty sessionID
// restricts the list to that session.
func (b *ConfirmationBroker) Pending(sessionID string) []ConfirmationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ConfirmationRequest
	for _, p := range b.pending {
		if p.resolved {
			continue
		}
		if sessionID == "" || p.req.SessionID == sessionID {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ProtectedPaths matches targets against operator-configured glob patterns.
// A pattern ending in "/**" covers a whole subtree, a pattern without a slash
// matches base names, and anything else is matched against the full path.
type ProtectedPaths struct {
	patterns []string
}

// NewProtectedPaths compiles patterns.
func NewProtectedPaths(patterns []string) (*ProtectedPaths, error) {
	for _, p := range patterns {
		if err := validatePattern(p); err != nil {
			return nil, fmt.Errorf("protected path %q: %w", p, err)
		}
	}
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = filepath.ToSlash(p)
	}
	return &ProtectedPaths{patterns: out}, nil
}

func validatePattern(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("empty pattern")
	}
	_, err := path.Match(strings.TrimSuffix(filepath.ToSlash(p), "/**"), "")
	return err
}

// Patterns returns the configured patterns.
func (pp *ProtectedPaths) Patterns() []string {
	if pp == nil {
		return nil
	}
	return append([]string(nil), pp.patterns...)
}

// Match reports whether target falls under any protected pattern.
func (pp *ProtectedPaths) Match(target string) bool {
	if pp == nil || target == "" {
		return false
	}
	t := path.Clean(filepath.ToSlash(target))
	base := path.Base(t)
	for _, p := range pp.patterns {
		if dir, ok := strings.CutSuffix(p, "/**"); ok {
			dir = path.Clean(dir)
			if t == dir || strings.HasPrefix(t, dir+"/") ||
				(!path.IsAbs(dir) && strings.Contains("/"+t+"/", "/"+dir+"/")) {
				return true
			}
			continue
		}
		if !strings.Contains(p, "/") {
			if ok, _ := path.Match(p, base); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(path.Clean(p), t); ok {
			return true
		}
	}
	return false
}

// MatchAny returns the first protected target, if any.
func (pp *ProtectedPaths) MatchAny(targets ...string) (string, bool) {
	for _, t := range targets {
		if pp.Match(t) {
			return t, true
		}
	}
	return "", false
}

// Gate decides whether gated actions may proceed.
type Gate struct {
	approver    Approver
	autoApprove bool
	protected   *ProtectedPaths
	timeout     time.Duration
	emit        func(Event)
	logger      *zap.Logger
}

// GateOptions configures a Gate.
type GateOptions struct {
	Approver    Approver
	AutoApprove bool
	Protected   *ProtectedPaths
	Timeout     time.Duration
	Emit        func(Event)
	Logger      *zap.Logger
}

// NewGate creates a gate.
func NewGate(opts GateOptions) *Gate {
	g := &Gate{
		approver:    opts.Approver,
		autoApprove: opts.AutoApprove,
		protected:   opts.Protected,
		timeout:     opts.Timeout,
		emit:        opts.Emit,
		logger:      opts.Logger,
	}
	if g.emit == nil {
		g.emit = func(Event) {}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g
}

// Gated reports whether an action needs a decision: mutating tools always do,
// and so does any tool with a protected target.
func (g *Gate) Gated(mutating bool, targets ...string) bool {
	if mutating {
		return true
	}
	_, protected := g.protected.MatchAny(targets...)
	return protected
}

// Require resolves req. Tool requests are auto-approved only when
// auto-approve is on and the target is not protected; everything else waits
// for the Approver. A timeout or cancelled ctx counts as a denial.
func (g *Gate) Require(ctx context.Context, req *ConfirmationRequest) Decision {
	if req.ID == "" {
		req.ID = xid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	hit, protected := g.protected.MatchAny(append([]string{req.Target}, req.Targets...)...)
	req.Risk = RiskStandardMutating
	if protected {
		req.Risk = RiskCriticalPath
		req.Target = hit
	}

	if req.Kind == ConfirmTool && g.autoApprove && !protected {
		req.Auto = true
		req.Decision = Approve()
		return req.Decision
	}

	req.Decision = Decision{State: DecisionPending}
	if r, ok := g.approver.(pendingRegistrar); ok {
		r.register(*req)
	}
	g.emit(Event{Kind: EventConfirmationRequired, Confirmation: &ConfirmationData{Request: *req}})
	log := g.logger.With(zap.String("request_id", req.ID), zap.String("tool", req.Tool), zap.String("risk", string(req.Risk)))
	log.Info("awaiting confirmation", zap.String("kind", string(req.Kind)), zap.String("target", req.Target))

	req.Decision = g.wait(ctx, *req)

	log.Info("confirmation resolved", zap.String("decision", string(req.Decision.State)), zap.String("reason", req.Decision.Reason))
	g.emit(Event{Kind: EventConfirmationResolved, Confirmation: &ConfirmationData{Request: *req}})
	return req.Decision
}

func (g *Gate) wait(ctx context.Context, req ConfirmationRequest) Decision {
	if g.approver == nil {
		return Deny("no approver configured")
	}
	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	d, err := g.approver.RequestApproval(waitCtx, req)
	switch {
	case ctx.Err() != nil:
		return Deny("aborted while awaiting confirmation")
	case errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() != nil:
		return Deny(fmt.Sprintf("no decision within %s", g.timeout))
	case err != nil:
		return Deny(fmt.Sprintf("approver failed: %v", err))
	case d.State != DecisionApproved && d.State != DecisionDenied:
		return Deny(fmt.Sprintf("invalid decision %q", d.State))
	}
	return d
}

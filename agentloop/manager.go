package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Deps are the collaborators shared by every session of a Manager. Client
// and Catalog are required; everything else has a default.
type Deps struct {
	Client    Completer
	Catalog   *ToolCatalog
	Publisher *Publisher

	// Approver answers confirmation requests. When nil a ConfirmationBroker
	// is created and requests are answered through ResolveConfirmation.
	Approver Approver

	Embedder     Embedder
	Summarizer   Summarizer
	Counter      TokenCounter
	Similarity   SimilarityFunc
	Preprocessor Preprocessor
	Classifier   IntentClassifier
	Selector     ModelSelector
	Logger       *zap.Logger
}

// Manager is the inbound API of the orchestration loop. It owns sessions and
// runs each active run on its own worker goroutine.
type Manager struct {
	cfg    SessionConfig
	env    *sessionEnv
	broker *ConfirmationBroker
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager validates cfg and wires deps.
func NewManager(cfg SessionConfig, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if deps.Client == nil {
		return nil, errors.New("agentloop: Deps.Client is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("agentloop: Deps.Catalog is required")
	}
	protected, err := NewProtectedPaths(cfg.ProtectedPaths)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = NewPublisher(0, logger)
	}
	var broker *ConfirmationBroker
	approver := deps.Approver
	if approver == nil {
		broker = NewConfirmationBroker()
		approver = broker
	} else if b, ok := approver.(*ConfirmationBroker); ok {
		broker = b
	}
	counter := deps.Counter
	if counter == nil {
		counter = HeuristicCounter{}
	}
	pre := deps.Preprocessor
	if pre == nil {
		pre = TrimPreprocessor{}
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = GeneralClassifier{}
	}
	selector := deps.Selector
	if selector == nil {
		selector = StaticSelector{Default: ModelProfile{Provider: cfg.Provider, Model: cfg.Model}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		broker: broker,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		env: &sessionEnv{
			gateway:      NewModelGateway(deps.Client, cfg.Retry, cfg.RoleTimeouts, logger),
			catalog:      deps.Catalog,
			publisher:    publisher,
			approver:     approver,
			embedder:     deps.Embedder,
			summarizer:   deps.Summarizer,
			counter:      counter,
			preprocessor: pre,
			classifier:   classifier,
			selector:     selector,
			similarity:   deps.Similarity,
			protected:    protected,
			logger:       logger,
		},
		sessions: make(map[string]*Session),
	}
	return m, nil
}

// Publisher returns the event publisher shared by all sessions.
func (m *Manager) Publisher() *Publisher { return m.env.publisher }

// Broker returns the confirmation broker, or nil when a custom Approver
// answers requests.
func (m *Manager) Broker() *ConfirmationBroker { return m.broker }

// Subscribe registers an event subscriber. An empty sessionID receives the
// events of every session.
func (m *Manager) Subscribe(sessionID string) *Subscription {
	return m.env.publisher.Subscribe(sessionID)
}

// StartSession creates a session and starts its first run. The run is not
// bound to ctx, which only covers preprocessing; use Abort to stop it.
func (m *Manager) StartSession(ctx context.Context, instruction string, opts SessionOptions) (string, error) {
	text, err := m.env.preprocessor.Preprocess(ctx, instruction)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrManagerClosed
	}
	s := newSession(uuid.New().String(), m.env, m.cfg, opts)
	if err := s.beginRun(m.ctx); err != nil {
		return "", err
	}
	m.sessions[s.id] = s
	m.launch(s, text, false)
	return s.id, nil
}

// ResumeSession starts a follow-up run on an idle session, keeping its
// conversation and iteration counter.
func (m *Manager) ResumeSession(ctx context.Context, id, instruction string) error {
	text, err := m.env.preprocessor.Preprocess(ctx, instruction)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.beginRun(m.ctx); err != nil {
		return err
	}
	m.launch(s, text, true)
	return nil
}

// launch must be called with m.mu held.
func (m *Manager) launch(s *Session, instruction string, resumed bool) {
	m.group.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("session worker panicked", zap.String("session_id", s.id), zap.Any("panic", r))
				s.finish("", runErr(KindGatewayError, nil, "internal error: %v", r))
			}
		}()
		s.run(m.ctx, instruction, resumed)
		return nil
	})
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Session returns the session with id.
func (m *Manager) Session(id string) (*Session, error) { return m.session(id) }

// Abort stops the session's current run at the next boundary. Aborting an
// idle session is a no-op.
func (m *Manager) Abort(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if s.State().Active() {
		s.Abort()
	}
	return nil
}

// ResolveConfirmation answers a pending confirmation request.
func (m *Manager) ResolveConfirmation(requestID string, d Decision) error {
	if m.broker == nil {
		return ErrRequestNotFound
	}
	return m.broker.Resolve(requestID, d)
}

// Pending lists confirmation requests awaiting an answer. An empty
// sessionID lists every session's requests.
func (m *Manager) Pending(sessionID string) []ConfirmationRequest {
	if m.broker == nil {
		return nil
	}
	return m.broker.Pending(sessionID)
}

// Wait blocks until the session's current run ends and returns its terminal
// error (a *RunError) or nil after a final answer.
func (m *Manager) Wait(ctx context.Context, id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	select {
	case <-s.Done():
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the session.
func (m *Manager) Status(id string) (SessionStatus, error) {
	s, err := m.session(id)
	if err != nil {
		return SessionStatus{}, err
	}
	return s.Status(), nil
}

// Sessions returns snapshots of all sessions, oldest first.
func (m *Manager) Sessions() []SessionStatus {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]SessionStatus, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close aborts any active run, waits for it to end and removes the session.
// A run resumed while Close waits is aborted in turn.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	for {
		done, closed := s.markClosed()
		if closed {
			break
		}
		s.Abort()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.logger.Info("session closed", zap.String("session_id", id))
	return nil
}

// Shutdown aborts every run and waits for the workers. If ctx ends first the
// in-flight model and tool calls are cancelled and ctx's error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	for _, s := range list {
		s.Abort()
	}

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()
	defer m.cancel()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

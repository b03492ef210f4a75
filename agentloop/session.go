package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/martinemde/conductor/unifiedllm"
	"go.uber.org/zap"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StateIdle                 SessionState = "idle"
	StateRunning              SessionState = "running"
	StateAwaitingConfirmation SessionState = "awaiting_confirmation"
	StateCompleted            SessionState = "completed"
	StateFailed               SessionState = "failed"
	StateClosed               SessionState = "closed"
)

// Active reports whether a run is in progress.
func (s SessionState) Active() bool {
	return s == StateRunning || s == StateAwaitingConfirmation
}

// Phase is the orchestration state machine position of the current run.
type Phase string

const (
	PhaseStart          Phase = "start"
	PhasePreprocess     Phase = "preprocess"
	PhaseClassifyIntent Phase = "classify_intent"
	PhaseSelectModel    Phase = "select_model"
	PhaseIterate        Phase = "iterate"
	PhaseEnd            Phase = "end"
	PhaseFailed         Phase = "failed"
)

// ToolCallRecord is the completed history of one tool invocation.
type ToolCallRecord struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Arguments    map[string]any       `json:"arguments"`
	Mutating     bool                 `json:"mutating"`
	Iteration    int                  `json:"iteration"`
	Outcome      ToolOutcome          `json:"outcome"`
	Confirmation *ConfirmationRequest `json:"confirmation,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	Duration     time.Duration        `json:"duration"`
}

// SessionStatus is a point-in-time snapshot of a session.
type SessionStatus struct {
	ID    string       `json:"id"`
	State SessionState `json:"state"`
	Phase Phase        `json:"phase"`
	// Iteration counts model calls over the session's lifetime and is never
	// reset, so after a resume it can exceed MaxIterations. RunIterations
	// counts the current run only and is the value MaxIterations caps.
	Iteration     int `json:"iteration"`
	RunIterations int `json:"run_iterations"`
	MaxIterations int `json:"max_iterations"`
	Messages      int          `json:"messages"`
	ToolCalls     int          `json:"tool_calls"`
	Model         string       `json:"model,omitempty"`
	Intent        Intent       `json:"intent,omitempty"`
	AutoApprove   bool         `json:"auto_approve"`
	FinalAnswer   string       `json:"final_answer,omitempty"`
	ErrorKind     ErrorKind    `json:"error_kind,omitempty"`
	Error         string       `json:"error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// sessionEnv holds the collaborators every session of a Manager shares.
type sessionEnv struct {
	gateway      *ModelGateway
	catalog      *ToolCatalog
	publisher    *Publisher
	approver     Approver
	embedder     Embedder
	summarizer   Summarizer
	counter      TokenCounter
	preprocessor Preprocessor
	classifier   IntentClassifier
	selector     ModelSelector
	similarity   SimilarityFunc
	protected    *ProtectedPaths
	logger       *zap.Logger
}

// Session is one conversation driven by the orchestration loop. At most one
// run is active at a time; the worker running it is the only writer.
type Session struct {
	id         string
	env        *sessionEnv
	cfg        SessionConfig
	opts       SessionOptions
	log        *zap.Logger
	dispatcher *Dispatcher
	detector   *Detector
	gate       *Gate
	budget     *ContextBudget
	aborted    atomic.Bool

	// Run-scoped; set by beginRun.
	gateCtx    context.Context
	gateCancel context.CancelFunc
	deadline   time.Time
	warned     bool

	mu        sync.Mutex
	conv      Conversation
	state     SessionState
	phase     Phase
	counter   int
	runBase   int
	records   []ToolCallRecord
	profile   ModelProfile
	intent    Intent
	final     string
	lastErr   error
	done      chan struct{}
	createdAt time.Time
	updatedAt time.Time
}

func newSession(id string, env *sessionEnv, cfg SessionConfig, opts SessionOptions) *Session {
	if opts.AutoApprove != nil {
		cfg.AutoApprove = *opts.AutoApprove
	}
	if opts.MaxIterations > 0 {
		cfg.MaxIterations = opts.MaxIterations
	}
	now := time.Now()
	s := &Session{
		id:         id,
		env:        env,
		cfg:        cfg,
		opts:       opts,
		log:        env.logger.With(zap.String("session_id", id)),
		dispatcher: NewDispatcher(env.catalog),
		detector:   NewDetector(cfg.LoopWindow, cfg.SimilarityThreshold, env.similarity),
		state:      StateIdle,
		phase:      PhaseStart,
		createdAt:  now,
		updatedAt:  now,
	}
	s.gate = NewGate(GateOptions{
		Approver:    env.approver,
		AutoApprove: cfg.AutoApprove,
		Protected:   env.protected,
		Timeout:     cfg.GateTimeout,
		Emit:        s.emit,
		Logger:      s.log,
	})
	done := make(chan struct{})
	close(done)
	s.done = done
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns a copy of the conversation.
func (s *Session) Conversation() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewConversation(s.conv.messages...)
}

// Records returns the tool call records of every run.
func (s *Session) Records() []ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolCallRecord(nil), s.records...)
}

// Status returns a snapshot of the session.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		ID:            s.id,
		State:         s.state,
		Phase:         s.phase,
		Iteration:     s.counter,
		RunIterations: s.counter - s.runBase,
		MaxIterations: s.cfg.MaxIterations,
		Messages:      s.conv.Len(),
		ToolCalls:     len(s.records),
		Model:         s.profile.Model,
		Intent:        s.intent,
		AutoApprove:   s.cfg.AutoApprove,
		FinalAnswer:   s.final,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
		st.ErrorKind = KindOf(s.lastErr)
	}
	return st
}

// Abort asks the current run to stop at the next boundary and cancels any
// pending confirmation wait. A tool that is already executing finishes.
func (s *Session) Abort() {
	s.aborted.Store(true)
	s.mu.Lock()
	cancel := s.gateCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the current run ends.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// markClosed closes an idle session. While a run is active it returns the
// run's done channel and false instead.
func (s *Session) markClosed() (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Active() {
		return s.done, false
	}
	s.state = StateClosed
	s.updatedAt = time.Now()
	return nil, true
}

// Err returns the terminal error of the last run, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// beginRun prepares a run. It is called before the worker starts so that an
// Abort issued right after StartSession returns is not lost.
func (s *Session) beginRun(base context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed:
		return ErrSessionClosed
	case s.state.Active():
		return ErrSessionBusy
	}
	s.aborted.Store(false)
	s.state = StateRunning
	s.phase = PhasePreprocess
	s.runBase = s.counter
	s.final = ""
	s.lastErr = nil
	s.warned = false
	s.done = make(chan struct{})
	s.deadline = time.Time{}
	s.gateCtx, s.gateCancel = context.WithCancel(base)
	if s.cfg.MaxRunDuration > 0 {
		s.deadline = time.Now().Add(s.cfg.MaxRunDuration)
		var cancel context.CancelFunc
		s.gateCtx, cancel = context.WithDeadline(s.gateCtx, s.deadline)
		parent := s.gateCancel
		s.gateCancel = func() { cancel(); parent() }
	}
	s.updatedAt = time.Now()
	return nil
}

// run executes one run to completion and emits its single terminal event.
func (s *Session) run(ctx context.Context, instruction string, resumed bool) {
	final, err := s.execute(ctx, instruction, resumed)
	s.finish(final, err)
}

func (s *Session) finish(final string, err error) {
	var re *RunError
	if err != nil && !errors.As(err, &re) {
		re = &RunError{Kind: KindOf(err), Message: err.Error(), Err: err}
		if re.Kind == "" {
			re.Kind = KindGatewayError
		}
		err = re
	}

	s.mu.Lock()
	if err != nil {
		s.state, s.phase, s.lastErr = StateFailed, PhaseFailed, err
	} else {
		s.state, s.phase, s.final = StateCompleted, PhaseEnd, final
	}
	cancel := s.gateCancel
	done := s.done
	s.updatedAt = time.Now()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("run failed", zap.String("kind", string(re.Kind)), zap.Error(err))
		s.emit(Event{Kind: EventError, Error: &ErrorData{Kind: re.Kind, Message: re.Error()}})
	} else {
		s.log.Info("run completed", zap.Int("iteration", s.counter))
		s.emit(Event{Kind: EventFinalAnswer, FinalAnswer: &FinalAnswerData{Text: final}})
	}
	if cancel != nil {
		cancel()
	}
	close(done)
}

func (s *Session) execute(ctx context.Context, instruction string, resumed bool) (string, error) {
	s.setPhase(PhaseClassifyIntent)
	intent, err := s.env.classifier.Classify(ctx, instruction)
	if err != nil {
		s.log.Warn("intent classification failed, using general", zap.Error(err))
		intent = IntentGeneral
	}

	s.setPhase(PhaseSelectModel)
	profile, err := s.env.selector.Select(ctx, intent)
	if err != nil {
		return "", runErr(KindGatewayError, err, "model selection failed: %v", err)
	}
	if s.opts.Provider != "" {
		profile.Provider = s.opts.Provider
	}
	if s.opts.Model != "" {
		profile.Model = s.opts.Model
	}

	window := s.cfg.ContextWindow
	if window <= 0 {
		window = profile.ContextWindow
	}
	if window <= 0 {
		window = unifiedllm.ContextWindowFor(profile.Model)
	}
	summarizer := s.env.summarizer
	if summarizer == nil {
		sp := profile
		if s.cfg.SummarizerModel != "" {
			sp.Model = s.cfg.SummarizerModel
		}
		summarizer = ModelSummarizer{Gateway: s.env.gateway, Profile: sp}
	}
	systemPrompt := BuildSystemPrompt(s.cfg.SystemPrompt, profile, intent, s.opts.WorkDir)
	tools := s.env.catalog.Definitions()

	s.budget = NewContextBudget(BudgetOptions{
		Window:         window,
		Threshold:      s.cfg.SummarizeThreshold,
		PreserveRecent: s.cfg.PreserveRecent,
		Counter:        s.env.counter,
		Summarizer:     summarizer,
		Overhead:       EstimateRequestOverhead(s.env.counter, systemPrompt, tools),
	})
	for _, m := range s.conv.messages {
		s.budget.AccountMessage(m)
	}

	s.mu.Lock()
	s.profile, s.intent = profile, intent
	s.mu.Unlock()
	s.appendMessage(OperatorMessage(instruction))

	s.emit(Event{Kind: EventSessionStart, SessionStart: &SessionStartData{
		Instruction: instruction,
		Provider:    profile.Provider,
		Model:       profile.Model,
		Intent:      intent,
		Resumed:     resumed,
	}})
	s.log.Info("run started", zap.String("model", profile.Model), zap.Bool("resumed", resumed), zap.Int("context_window", window))

	s.setPhase(PhaseIterate)
	for {
		if err := s.checkBoundary(); err != nil {
			return "", err
		}
		if s.budget.ShouldSummarize() {
			if err := s.summarize(ctx); err != nil {
				return "", err
			}
		}

		s.mu.Lock()
		s.counter++
		s.updatedAt = time.Now()
		s.mu.Unlock()
		s.emit(Event{Kind: EventIteration})

		out, err := s.env.gateway.Request(ctx, GatewayRequest{
			Profile:  profile,
			Role:     GatewayPrimary,
			Messages: s.conv.ToLLMMessages(systemPrompt),
			Tools:    tools,
		})
		if err != nil {
			if ierr := s.checkInterrupt(); ierr != nil {
				return "", ierr
			}
			return "", runErr(KindGatewayError, err, "%v", err)
		}

		raw := make([]unifiedllm.ToolCall, len(out.ToolCalls))
		for i, inv := range out.ToolCalls {
			raw[i] = inv.Raw
			raw[i].ID = inv.ID
		}
		s.appendMessage(AssistantMessage(out.Text, raw))
		s.budget.AccountFor(out.Usage)
		s.checkContextUsage()

		if out.Final() {
			return out.Text, nil
		}

		for i, inv := range out.ToolCalls {
			if err := s.checkInterrupt(); err != nil {
				s.skipToolCalls(out.ToolCalls[i:], err)
				return "", err
			}
			if err := s.handleToolCall(ctx, inv, i, len(out.ToolCalls)); err != nil {
				s.skipToolCalls(out.ToolCalls[i+1:], err)
				return "", err
			}
		}
	}
}

// checkBoundary runs at the top of every iteration: abort, deadline, then
// the iteration cap.
func (s *Session) checkBoundary() error {
	if err := s.checkInterrupt(); err != nil {
		return err
	}
	if s.counter-s.runBase >= s.cfg.MaxIterations {
		return runErr(KindIterationCapExceeded, nil, "reached the limit of %d iterations without a final answer", s.cfg.MaxIterations)
	}
	return nil
}

// checkInterrupt reports an abort or an expired run deadline.
func (s *Session) checkInterrupt() error {
	if s.aborted.Load() {
		return runErr(KindAborted, nil, "session aborted by operator")
	}
	if !s.deadline.IsZero() && !time.Now().Before(s.deadline) {
		return timeoutErr(s.cfg.MaxRunDuration)
	}
	return nil
}

func (s *Session) summarize(ctx context.Context) error {
	before := s.budget.Used()
	n := s.conv.Len()
	conv, err := s.budget.Summarize(ctx, s.conv)
	if err != nil {
		var overflow *ContextOverflowError
		if errors.As(err, &overflow) {
			return &RunError{Kind: KindContextOverflow, Message: overflow.Error(), Err: err}
		}
		if ierr := s.checkInterrupt(); ierr != nil {
			return ierr
		}
		return runErr(KindGatewayError, err, "summarization failed: %v", err)
	}

	s.mu.Lock()
	s.conv = conv
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.warned = false

	kept := conv.Len() - 1
	s.log.Info("conversation summarized",
		zap.Int("replaced", n-kept),
		zap.Int("tokens_before", before),
		zap.Int("tokens_after", s.budget.Used()))
	s.emit(Event{Kind: EventSummarized, Summarized: &SummarizedData{
		ReplacedMessages: n - kept,
		KeptMessages:     kept,
		TokensBefore:     before,
		TokensAfter:      s.budget.Used(),
	}})
	return nil
}

// checkContextUsage warns once per crossing of the warn threshold.
func (s *Session) checkContextUsage() {
	frac := s.budget.Fraction()
	if frac < s.cfg.WarnThreshold {
		s.warned = false
		return
	}
	if s.warned {
		return
	}
	s.warned = true
	s.emit(Event{Kind: EventWarning, Warning: &WarningData{
		Message: fmt.Sprintf("context usage at ~%d%% of the %d token window", int(frac*100), s.budget.Window()),
	}})
}

func (s *Session) handleToolCall(ctx context.Context, inv ToolInvocation, index, total int) error {
	rec := ToolCallRecord{
		ID:        inv.ID,
		Name:      inv.Name,
		Arguments: inv.Arguments,
		Iteration: s.counter,
		StartedAt: time.Now(),
	}
	s.emit(Event{Kind: EventToolCall, ToolCall: &ToolCallData{
		CallID:    inv.ID,
		Name:      inv.Name,
		Arguments: inv.Arguments,
		Index:     index,
		Total:     total,
	}})
	log := s.log.With(zap.String("tool", inv.Name), zap.Int("iteration", s.counter))

	if inv.Err != nil {
		kind := KindOf(inv.Err)
		if kind == "" {
			kind = KindToolExecutionError
		}
		log.Warn("invalid tool call", zap.Error(inv.Err))
		outcome := failed(kind, "%v", inv.Err)
		s.completeToolCall(&rec, nil, outcome)
		return s.observe(ctx, rec, outcome)
	}

	handle, err := s.dispatcher.Resolve(inv.Name)
	if err != nil {
		kind := KindOf(err)
		if kind == "" {
			kind = KindToolExecutionError
		}
		outcome := failed(kind, "%v", err)
		s.completeToolCall(&rec, nil, outcome)
		return s.observe(ctx, rec, outcome)
	}
	spec := handle.Spec
	rec.Mutating = spec.Mutating

	targets := spec.Targets(inv.Arguments)
	if s.gate.Gated(spec.Mutating, targets...) {
		var target string
		if len(targets) > 0 {
			target = targets[0]
		}
		req := &ConfirmationRequest{
			SessionID:   s.id,
			Kind:        ConfirmTool,
			Description: describeCall(inv.Name, inv.Arguments),
			Tool:        inv.Name,
			Target:      target,
			Targets:     targets,
			Arguments:   inv.Arguments,
			Iteration:   s.counter,
		}
		d := s.requireConfirmation(req)
		rec.Confirmation = req

		if !d.Approved() {
			if err := s.checkInterrupt(); err != nil {
				s.completeToolCall(&rec, spec, failed(KindOf(err), "%s was not run: %v", inv.Name, err))
				return err
			}
			log.Info("tool call declined", zap.String("reason", d.Reason))
			outcome := failed(KindConfirmationDenied, "the operator declined this call: %s", d.Reason)
			s.completeToolCall(&rec, spec, outcome)

			policy := s.cfg.DenialPolicy
			if spec.OnDenied != "" {
				policy = spec.OnDenied
			}
			switch policy {
			case DenyFail:
				return runErr(KindConfirmationDenied, nil, "operator declined %s: %s", inv.Name, d.Reason)
			case DenyAlternative:
				s.appendMessage(OperatorMessage(fmt.Sprintf(
					"I declined the %s call (%s). Do not retry it; propose a different approach.", inv.Name, d.Reason)))
			}
			return s.observe(ctx, rec, outcome)
		}
	}

	outcome := s.dispatcher.Invoke(ctx, handle, inv.Arguments)
	if !outcome.Success {
		log.Info("tool failed", zap.String("message", outcome.Message))
	}
	s.completeToolCall(&rec, spec, outcome)
	return s.observe(ctx, rec, outcome)
}

func (s *Session) requireConfirmation(req *ConfirmationRequest) Decision {
	s.setState(StateAwaitingConfirmation)
	d := s.gate.Require(s.gateCtx, req)
	s.setState(StateRunning)
	return d
}

// completeToolCall appends the tool result, emits tool_result with the full
// output and stores the record.
func (s *Session) completeToolCall(rec *ToolCallRecord, spec *ToolSpec, outcome ToolOutcome) {
	rec.Outcome = outcome
	rec.Duration = time.Since(rec.StartedAt)

	content := truncateForConversation(spec, outcome.Text(), s.cfg.MaxToolOutputChars)
	msg := ToolMessage(rec.ID, rec.Name, content, !outcome.Success)
	s.appendMessage(msg)

	data := &ToolResultData{CallID: rec.ID, Name: rec.Name, Success: outcome.Success}
	if outcome.Success {
		data.Payload = outcome.Value
	} else {
		data.Kind, data.Error = outcome.Kind, outcome.Message
	}
	s.emit(Event{Kind: EventToolResult, ToolResult: data})

	s.mu.Lock()
	s.records = append(s.records, *rec)
	s.mu.Unlock()
}

// observe feeds the call to the loop detector and raises a checkpoint when
// the session is stuck.
func (s *Session) observe(ctx context.Context, rec ToolCallRecord, outcome ToolOutcome) error {
	sig := NewLoopSignature(rec.Name, rec.Arguments, outcome.Text())
	if s.env.embedder != nil {
		ectx, cancel := context.WithTimeout(ctx, s.cfg.RoleTimeouts.Embedder)
		vec, err := s.env.embedder.Embed(ectx, sig.Text()+"\n"+TruncateOutput(outcome.Text(), 2000, TruncateHeadTail))
		cancel()
		if err != nil {
			s.log.Debug("embedding failed", zap.String("tool", rec.Name), zap.Error(err))
		} else {
			sig.Embedding = vec
		}
	}

	if s.detector.Observe(sig) != Stuck {
		return nil
	}

	s.log.Warn("loop detected", zap.String("tool", rec.Name), zap.Int("window", s.cfg.LoopWindow))
	s.emit(Event{Kind: EventLoopDetected, Loop: &LoopData{Tool: rec.Name, Window: s.cfg.LoopWindow}})

	req := &ConfirmationRequest{
		SessionID: s.id,
		Kind:      ConfirmLoopCheckpoint,
		Description: fmt.Sprintf("The last %d tool calls (%s) look the same and returned the same result. Let the agent continue?",
			s.cfg.LoopWindow, rec.Name),
		Tool:      rec.Name,
		Arguments: rec.Arguments,
		Iteration: s.counter,
	}
	d := s.requireConfirmation(req)
	if d.Approved() {
		s.detector.Reset()
		return nil
	}
	if err := s.checkInterrupt(); err != nil {
		return err
	}
	return runErr(KindLoopDetected, nil, "loop checkpoint declined after %d repeated %s calls: %s", s.cfg.LoopWindow, rec.Name, d.Reason)
}

// skipToolCalls answers calls that will not run so the conversation stays
// well formed for a later resume.
func (s *Session) skipToolCalls(invs []ToolInvocation, cause error) {
	for _, inv := range invs {
		s.appendMessage(ToolMessage(inv.ID, inv.Name, fmt.Sprintf("Error (%s): not run: %v", KindOf(cause), cause), true))
	}
}

// appendMessage adds m to the conversation and to the budget estimate. The
// assistant message estimate is replaced by reported usage right after.
func (s *Session) appendMessage(m Message) {
	s.mu.Lock()
	s.conv.Append(m)
	s.updatedAt = time.Now()
	s.mu.Unlock()
	if s.budget != nil {
		s.budget.AccountMessage(m)
	}
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.id
	ev.Iteration = s.counter
	s.env.publisher.Publish(ev)
}

func describeCall(name string, args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return name
	}
	return name + " " + TruncateOutput(string(b), 200, TruncateHeadTail)
}

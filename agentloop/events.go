package agentloop

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart         EventKind = "session_start"
	EventIteration            EventKind = "iteration"
	EventToolCall             EventKind = "tool_call"
	EventToolResult           EventKind = "tool_result"
	EventFinalAnswer          EventKind = "final_answer"
	EventError                EventKind = "error"
	EventConfirmationRequired EventKind = "confirmation_required"
	EventConfirmationResolved EventKind = "confirmation_resolved"
	EventLoopDetected         EventKind = "loop_detected"
	EventSummarized           EventKind = "summarized"
	EventWarning              EventKind = "warning"
)

// Event is a typed event emitted by a session. Exactly one payload pointer,
// selected by Kind, is set.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`

	SessionStart *SessionStartData `json:"session_start,omitempty"`
	ToolCall     *ToolCallData     `json:"tool_call,omitempty"`
	ToolResult   *ToolResultData   `json:"tool_result,omitempty"`
	FinalAnswer  *FinalAnswerData  `json:"final_answer,omitempty"`
	Error        *ErrorData        `json:"error,omitempty"`
	Confirmation *ConfirmationData `json:"confirmation,omitempty"`
	Loop         *LoopData         `json:"loop,omitempty"`
	Summarized   *SummarizedData   `json:"summarized,omitempty"`
	Warning      *WarningData      `json:"warning,omitempty"`
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Kind == EventFinalAnswer || e.Kind == EventError
}

type SessionStartData struct {
	Instruction string `json:"instruction"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model"`
	Intent      Intent `json:"intent"`
	Resumed     bool   `json:"resumed"`
}

type ToolCallData struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Index     int            `json:"index"`
	Total     int            `json:"total"`
}

// ToolResultData carries the full, untruncated tool output.
type ToolResultData struct {
	CallID  string    `json:"call_id"`
	Name    string    `json:"name"`
	Success bool      `json:"success"`
	Payload string    `json:"payload,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type FinalAnswerData struct {
	Text string `json:"text"`
}

type ErrorData struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type ConfirmationData struct {
	Request ConfirmationRequest `json:"request"`
}

type LoopData struct {
	Tool   string `json:"tool"`
	Window int    `json:"window"`
}

type SummarizedData struct {
	ReplacedMessages int `json:"replaced_messages"`
	KeptMessages     int `json:"kept_messages"`
	TokensBefore     int `json:"tokens_before"`
	TokensAfter      int `json:"tokens_after"`
}

type WarningData struct {
	Message string `json:"message"`
}

// Publisher fans events out to subscribers. Each subscriber has its own
// bounded queue; Publish never blocks, and a full queue drops its oldest
// event.
type Publisher struct {
	buffer int
	logger *zap.Logger

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

// NewPublisher creates a Publisher whose subscriber queues hold buffer events.
func NewPublisher(buffer int, logger *zap.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{buffer: buffer, logger: logger, subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber. With a non-empty sessionID only that
// session's events are delivered.
func (p *Publisher) Subscribe(sessionID string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &Subscription{
		id:        p.nextID,
		sessionID: sessionID,
		ch:        make(chan Event, p.buffer),
		p:         p,
	}
	p.nextID++
	if p.closed {
		close(sub.ch)
		return sub
	}
	p.subs[sub.id] = sub
	return sub
}

// Publish assigns the next sequence number and timestamp and delivers ev to
// every matching subscriber.
func (p *Publisher) Publish(ev Event) Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ev
	}
	p.seq++
	ev.Seq = p.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, sub := range p.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		sub.deliver(ev)
	}
	return ev
}

// Close closes every subscription channel. Later publishes are discarded.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.subs {
		close(sub.ch)
		delete(p.subs, id)
	}
}

// Subscription is one subscriber's event queue.
type Subscription struct {
	id        uint64
	sessionID string
	ch        chan Event
	dropped   atomic.Uint64
	p         *Publisher
}

// Events returns the subscriber's channel. It is closed by Close or when the
// Publisher closes.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if _, ok := s.p.subs[s.id]; !ok {
		return
	}
	delete(s.p.subs, s.id)
	close(s.ch)
}

// deliver runs under the publisher lock, so this is the only writer.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			s.p.logger.Warn("event subscriber falling behind",
				zap.String("session_id", s.sessionID),
				zap.Uint64("dropped", n))
		}
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/conductor/agentloop"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// StreamName is the JetStream stream holding every session's events.
const StreamName = "conductor_events"

const subjectRoot = "conductor"

// SubjectForEvent returns the subject for one event kind of a session, for
// example "conductor.<session>.tool_call".
func SubjectForEvent(sessionID string, kind agentloop.EventKind) string {
	return fmt.Sprintf("%s.%s.%s", subjectRoot, token(sessionID), kind)
}

// SubjectForSession returns the wildcard subject for all events of a session.
func SubjectForSession(sessionID string) string {
	return fmt.Sprintf("%s.%s.>", subjectRoot, token(sessionID))
}

// token keeps a session id usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// SetupStream creates or updates the events stream.
func SetupStream(ctx context.Context, js jetstream.JetStream, memory bool, maxAge time.Duration) (jetstream.Stream, error) {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	storage := jetstream.FileStorage
	if memory {
		storage = jetstream.MemoryStorage
	}
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectRoot + ".>"},
		Storage:  storage,
		MaxAge:   maxAge,
	})
}

// Bridge publishes events from a subscription to JetStream.
type Bridge struct {
	js      jetstream.JetStream
	logger  *zap.Logger
	timeout time.Duration
}

// NewBridge creates a bridge publishing through js.
func NewBridge(js jetstream.JetStream, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{js: js, logger: logger, timeout: 5 * time.Second}
}

// Publish writes one event to its subject.
func (b *Bridge) Publish(ctx context.Context, ev agentloop.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if _, err := b.js.Publish(ctx, SubjectForEvent(ev.SessionID, ev.Kind), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	return nil
}

// Run forwards events until sub is closed or ctx ends. Publish failures are
// logged and skipped so one bad event does not stop the bridge.
func (b *Bridge) Run(ctx context.Context, sub *agentloop.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := b.Publish(ctx, ev); err != nil {
				b.logger.Warn("event bridge publish failed",
					zap.String("session_id", ev.SessionID),
					zap.Uint64("seq", ev.Seq),
					zap.Error(err))
			}
		}
	}
}

// History replays the stored events of a session in publish order.
func History(ctx context.Context, stream jetstream.Stream, sessionID string) ([]agentloop.Event, error) {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     SubjectForSession(sessionID),
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	defer func() {
		_ = stream.DeleteConsumer(context.WithoutCancel(ctx), consumer.CachedInfo().Name)
	}()

	const batchSize = 500
	var events []agentloop.Event
	for {
		msgs, err := consumer.FetchNoWait(batchSize)
		if err != nil {
			// nothing left to read
			return events, nil
		}
		n := 0
		for msg := range msgs.Messages() {
			n++
			var ev agentloop.Event
			if err := json.Unmarshal(msg.Data(), &ev); err == nil {
				events = append(events, ev)
			}
			_ = msg.Ack()
		}
		if n < batchSize {
			return events, nil
		}
	}
}

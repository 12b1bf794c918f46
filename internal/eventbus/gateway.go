package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/metrics"
)

// Gateway is the Event Bus Gateway (C1): typed publish/subscribe over the
// fixed topic taxonomy, durable consumer groups, and DLQ routing. Grounded
// on cmd/semspec/app.go's startNATS (embedded-or-external JetStream
// connection) and processor/task-generator/component.go's consumer setup.
type Gateway struct {
	js            jetstream.JetStream
	dlqAttemptCap int
	metrics       *metrics.Registry
}

// New wraps an already-connected JetStream context. dlqAttemptCap is the
// message-attempt ceiling (spec default 5) beyond which a message is routed
// to the dlq topic instead of redelivered.
func New(js jetstream.JetStream, dlqAttemptCap int) *Gateway {
	if dlqAttemptCap <= 0 {
		dlqAttemptCap = 5
	}
	return &Gateway{js: js, dlqAttemptCap: dlqAttemptCap}
}

// WithMetrics attaches a metrics registry, injected into the constructor
// the way *slog.Logger is.
func (g *Gateway) WithMetrics(reg *metrics.Registry) *Gateway {
	g.metrics = reg
	return g
}

// EnsureTopology creates or updates the five fixed streams. It is safe to
// call on every startup, mirroring the CreateOrUpdateKeyValue idiom for
// idempotent provisioning used by statestore.EnsureBucket.
func (g *Gateway) EnsureTopology(ctx context.Context) error {
	for _, t := range allTopics {
		cfg := jetstream.StreamConfig{
			Name:      streamName(t),
			Subjects:  []string{wildcardSubject(t)},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   jetstream.FileStorage,
		}
		if t == TopicDLQ {
			cfg.MaxAge = 30 * 24 * time.Hour
		}
		if _, err := g.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, classifyBusErr(err))
		}
	}
	return nil
}

// Publish marshals payload and publishes it keyed on the topic's partition
// key field (source_id for raw-items, workflow_id for claims/alerts, and so
// on).
func (g *Gateway) Publish(ctx context.Context, topic Topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.NewStageError(domain.KindValidation, "serialize message", err)
	}
	subj := subject(topic, key)
	if subj == "" {
		return domain.NewStageError(domain.KindValidation, fmt.Sprintf("unknown topic %q", topic), nil)
	}
	if _, err := g.js.Publish(ctx, subj, data); err != nil {
		return classifyBusErr(err)
	}
	g.metrics.RecordPublish(string(topic))
	return nil
}

// ConsumerConfig configures a durable consumer group subscription.
type ConsumerConfig struct {
	Durable string
	// AckWait bounds how long JetStream waits for an Ack before considering
	// the message unacknowledged and eligible for redelivery.
	AckWait time.Duration
	// FetchBatch is the number of messages pulled per Fetch call.
	FetchBatch int
	// FetchWait bounds how long a Fetch call blocks for new messages.
	FetchWait time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.AckWait <= 0 {
		c.AckWait = 60 * time.Second
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	return c
}

// Message is handed to a Handler; it owns Ack/Nak of the underlying
// JetStream message and carries the message's wire bytes verbatim as
// Payload, alongside metadata the Gateway derives from the subject and
// delivery count rather than from any on-wire wrapper — raw-items,
// claims, alerts, and notifications all travel as the flat JSON shape
// their own type defines, with no envelope wrapping applied by Publish.
// Handlers decode Payload into their topic's own type directly.
type Message struct {
	raw     jetstream.Msg
	Topic   Topic
	Key     string
	Payload json.RawMessage
	Attempt int
}

// Ack acknowledges durable processing. Callers must only Ack after the
// resulting state transition has been checkpointed.
func (m *Message) Ack() error { return m.raw.Ack() }

// Nak requests redelivery, optionally after delay (used for backoff between
// node-runtime retries that span message redeliveries).
func (m *Message) Nak(delay time.Duration) error {
	if delay <= 0 {
		return m.raw.Nak()
	}
	return m.raw.NakWithDelay(delay)
}

// Term marks the message as permanently failed with no further redelivery,
// used once a message has been routed to DLQ.
func (m *Message) Term() error { return m.raw.Term() }

// Handler processes one Message. Returning an error leaves the message
// unacknowledged so JetStream will redeliver it (subject to MaxDeliver);
// the Gateway's Consume loop routes exhausted redeliveries to the DLQ
// automatically before ever invoking Handler again for that message.
type Handler func(ctx context.Context, msg *Message) error

// Consume binds (creating if absent) a durable consumer group on topic and
// pulls messages in a loop until ctx is cancelled, grounded on
// processor/context-builder/component.go's consumeLoop (Fetch +
// range over Messages() + per-message ctx check). Messages whose delivery
// count has exceeded dlqAttemptCap are routed to the dlq topic and
// terminated instead of being handed to handler.
func (g *Gateway) Consume(ctx context.Context, topic Topic, cfg ConsumerConfig, handler Handler) error {
	cfg = cfg.withDefaults()
	stream, err := g.js.Stream(ctx, streamName(topic))
	if err != nil {
		return fmt.Errorf("bind stream %s: %w", streamName(topic), classifyBusErr(err))
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: wildcardSubject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    g.dlqAttemptCap + 1,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s/%s: %w", streamName(topic), cfg.Durable, classifyBusErr(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := consumer.Fetch(cfg.FetchBatch, jetstream.FetchMaxWait(cfg.FetchWait))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return classifyBusErr(err)
		}

		for msg := range batch.Messages() {
			select {
			case <-ctx.Done():
				_ = msg.Nak()
				return nil
			default:
			}
			g.dispatch(ctx, topic, msg, handler)
		}

		if berr := batch.Error(); berr != nil && !errors.Is(berr, context.DeadlineExceeded) {
			return classifyBusErr(berr)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, topic Topic, raw jetstream.Msg, handler Handler) {
	meta, err := raw.Metadata()
	attempt := 1
	if err == nil && meta != nil {
		attempt = int(meta.NumDelivered)
	}

	if attempt > g.dlqAttemptCap {
		g.routeToDLQ(ctx, topic, raw, attempt, errors.New("exhausted redelivery attempts"))
		return
	}

	m := &Message{
		raw:     raw,
		Topic:   topic,
		Key:     keyFromSubject(topic, raw.Subject()),
		Payload: json.RawMessage(raw.Data()),
		Attempt: attempt,
	}
	if err := handler(ctx, m); err != nil {
		if attempt >= g.dlqAttemptCap {
			g.routeToDLQ(ctx, topic, raw, attempt, err)
			return
		}
		g.metrics.RecordConsume(string(topic), "nacked")
		_ = m.Nak(0)
		return
	}
	g.metrics.RecordConsume(string(topic), "acked")
}

// classifyBusErr maps a deadline, no-responders, or closed-connection
// error to BusUnavailable. No error is classified as AuthError; anything
// else is left as-is for the caller's own domain.Classify to handle as
// Retryable.
func classifyBusErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrConnectionClosed) {
		return domain.NewStageError(domain.KindBusUnavailable, "event bus unreachable", err)
	}
	return err
}

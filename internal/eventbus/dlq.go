package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/veriflow/internal/domain"
)

// DLQEnvelope is the poison-message record published to the dlq topic.
type DLQEnvelope struct {
	OriginalTopic Topic `json:"original_topic"`
	// OriginalPartition is the keyed subject the message arrived on, the
	// JetStream counterpart of a partition.
	OriginalPartition string    `json:"original_partition"`
	OriginalOffset    uint64    `json:"original_offset"`
	FirstSeenAt       time.Time `json:"first_seen_at"`
	LastError         LastError `json:"last_error"`
	Attempts          int       `json:"attempts"`
}

// LastError is the {kind, detail} pair carried in a DLQ envelope.
type LastError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// routeToDLQ publishes a DLQEnvelope for a message that has exhausted its
// attempt budget or failed to deserialize, then terminates the original
// message so JetStream stops redelivering it. Failures to publish the DLQ
// entry itself are logged, not retried: routing to dlq is already the last
// resort and only requires attempts >= dlq_attempt_cap, not that the dlq
// publish itself be guaranteed.
func (g *Gateway) routeToDLQ(ctx context.Context, topic Topic, raw jetstream.Msg, attempts int, cause error) {
	var seq uint64
	firstSeen := time.Now()
	if meta, err := raw.Metadata(); err == nil && meta != nil {
		seq = meta.Sequence.Stream
		if !meta.Timestamp.IsZero() {
			firstSeen = meta.Timestamp
		}
	}

	kind := domain.Classify(cause)
	var stageErr *domain.StageError
	if errors.As(cause, &stageErr) {
		kind = stageErr.Kind
	}

	env := DLQEnvelope{
		OriginalTopic:     topic,
		OriginalPartition: raw.Subject(),
		OriginalOffset:    seq,
		FirstSeenAt:       firstSeen,
		LastError:         LastError{Kind: string(kind), Detail: cause.Error()},
		Attempts:          attempts,
	}

	if err := g.Publish(ctx, TopicDLQ, string(topic), env); err != nil {
		slog.Error("failed to publish dlq envelope", "topic", topic, "error", err)
	}
	g.metrics.RecordDLQ(string(topic))
	g.metrics.RecordConsume(string(topic), "dlq")
	if err := raw.Term(); err != nil {
		slog.Warn("failed to terminate poisoned message", "topic", topic, "error", err)
	}
}

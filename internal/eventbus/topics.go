// Package eventbus implements the Event Bus Gateway: typed publish/subscribe
// over JetStream streams, durable consumer groups, and dead-letter routing.
// Grounded on the consumer-config idiom repeated across
// processor/task-generator/component.go, processor/explorer/component.go,
// and processor/planner/component.go (FilterSubject + AckExplicitPolicy +
// AckWait + MaxDeliver), and on cmd/semspec/app.go's embedded/external NATS
// connection split.
package eventbus

import (
	"fmt"
	"strings"
)

// Topic names the five fixed JetStream streams. The taxonomy is closed:
// there is no dynamic topic creation.
type Topic string

const (
	TopicRawItems      Topic = "raw-items"
	TopicClaims        Topic = "claims"
	TopicAlerts        Topic = "alerts"
	TopicNotifications Topic = "notifications"
	TopicDLQ           Topic = "dlq"
)

// streamName maps a Topic to its JetStream stream name. Streams are
// capitalized per JetStream convention (teacher's streams, where named,
// follow the same pattern e.g. "GRAPH_INGEST").
func streamName(t Topic) string {
	switch t {
	case TopicRawItems:
		return "RAW_ITEMS"
	case TopicClaims:
		return "CLAIMS"
	case TopicAlerts:
		return "ALERTS"
	case TopicNotifications:
		return "NOTIFICATIONS"
	case TopicDLQ:
		return "DLQ"
	default:
		return ""
	}
}

// subject returns the publish subject for a topic. raw-items and claims are
// keyed (source_id / workflow_id respectively) so per-key ordering is
// preserved within the stream's single partition-equivalent subject space;
// JetStream does not expose Kafka-style partitions directly, so ordering is
// achieved by routing all messages for a key to the same durable consumer
// via FilterSubject matching, so per-key ordering is preserved within a
// partition.
func subject(t Topic, key string) string {
	switch t {
	case TopicRawItems:
		return fmt.Sprintf("veriflow.raw-items.%s", key)
	case TopicClaims:
		return fmt.Sprintf("veriflow.claims.%s", key)
	case TopicAlerts:
		return fmt.Sprintf("veriflow.alerts.%s", key)
	case TopicNotifications:
		return fmt.Sprintf("veriflow.notifications.%s", key)
	case TopicDLQ:
		return fmt.Sprintf("veriflow.dlq.%s", key)
	default:
		return ""
	}
}

// wildcardSubject returns the subject filter that matches every message on
// a topic, used both for stream subject binding and for consumers that want
// every key (e.g. the DLQ consumer, or an Observer Plane fan-out consumer).
func wildcardSubject(t Topic) string {
	switch t {
	case TopicRawItems:
		return "veriflow.raw-items.*"
	case TopicClaims:
		return "veriflow.claims.*"
	case TopicAlerts:
		return "veriflow.alerts.*"
	case TopicNotifications:
		return "veriflow.notifications.*"
	case TopicDLQ:
		return "veriflow.dlq.*"
	default:
		return ""
	}
}

// keyFromSubject recovers the partition key Publish encoded into subj for
// topic, the inverse of subject(t, key). Used by dispatch to recover Key
// without relying on any on-wire wrapper.
func keyFromSubject(t Topic, subj string) string {
	prefix := fmt.Sprintf("veriflow.%s.", t)
	return strings.TrimPrefix(subj, prefix)
}

// allTopics enumerates the fixed taxonomy, used by Gateway.EnsureTopology.
var allTopics = []Topic{TopicRawItems, TopicClaims, TopicAlerts, TopicNotifications, TopicDLQ}

package eventfabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisSubscriber republishes matching envelopes onto a Redis Pub/Sub
// channel for downstream observability consumers. It is an external
// collaborator, not core state — a Redis outage degrades fan-out, never
// the authority itself.
type RedisSubscriber struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisSubscriber creates a RedisSubscriber publishing to channel.
func NewRedisSubscriber(rdb *redis.Client, channel string, logger *slog.Logger) *RedisSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSubscriber{rdb: rdb, channel: channel, logger: logger}
}

// Attach registers the subscriber on fabric under id with filter.
func (r *RedisSubscriber) Attach(fabric *Fabric, id string, filter Filter) {
	fabric.Subscribe(id, filter, r.handle)
}

func (r *RedisSubscriber) handle(e Envelope) error {
	payload, err := json.Marshal(wireEnvelope{
		Id:                e.Id,
		Type:              string(e.Type),
		Priority:          e.Priority.String(),
		OriginatingSystem: e.OriginatingSystem,
		CorrelationId:     e.Correlation.Id,
		RootCorrelationId: e.Correlation.Root,
		RetryCount:        e.RetryCount,
		Tags:              e.Tags,
	})
	if err != nil {
		return fmt.Errorf("marshaling envelope for redis: %w", err)
	}

	ctx := context.Background()
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing envelope to redis: %w", err)
	}
	return nil
}

// wireEnvelope is the JSON shape published to Redis: a flattened,
// transport-friendly projection of Envelope that omits the untyped
// Payload field (domain-specific, serialized by the caller if needed).
type wireEnvelope struct {
	Id                uint64   `json:"id"`
	Type              string   `json:"type"`
	Priority          string   `json:"priority"`
	OriginatingSystem string   `json:"originating_system"`
	CorrelationId     string   `json:"correlation_id"`
	RootCorrelationId string   `json:"root_correlation_id"`
	RetryCount        int      `json:"retry_count"`
	Tags              []string `json:"tags,omitempty"`
}

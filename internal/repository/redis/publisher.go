package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/infra"
)

// EventPublisher транслирует записанные события в Redis Pub/Sub.
// Каждое событие уходит в общий канал и в канал своего компонента.
type EventPublisher struct {
	rdb    goredis.UniversalClient
	logger *zap.Logger
}

func NewEventPublisher(rdb goredis.UniversalClient, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{rdb: rdb, logger: logger.Named("event-publisher")}
}

type message struct {
	channel string
	payload []byte
}

// Publish реализует journal.Publisher. Пачка отправляется одним pipeline.
func (p *EventPublisher) Publish(ctx context.Context, events []domain.Event) error {
	msgs, err := encode(events)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := p.rdb.Pipeline()
	for _, m := range msgs {
		pipe.Publish(ctx, m.channel, m.payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %d events: %w", len(events), err)
	}
	p.logger.Debug("events published", zap.Int("events", len(events)))
	return nil
}

func encode(events []domain.Event) ([]message, error) {
	out := make([]message, 0, len(events)*2)
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("redis: encode event %s: %w", e.ID, err)
		}
		out = append(out, message{channel: infra.RedisChanEvents, payload: payload})
		if e.Source != "" {
			out = append(out, message{channel: infra.GetEventChannel(e.Source), payload: payload})
		}
	}
	return out, nil
}

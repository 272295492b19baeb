package journal

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/domain"
)

// LogStore пишет события в лог. Используется, когда база не настроена.
type LogStore struct {
	logger *zap.Logger
}

func NewLogStore(logger *zap.Logger) *LogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStore{logger: logger.Named("events")}
}

func (s *LogStore) WriteBatch(_ context.Context, events []domain.Event) error {
	for _, e := range events {
		s.logger.Info(string(e.Type),
			zap.String("id", e.ID),
			zap.String("source", e.Source),
			zap.String("commitment_id", e.CommitmentID),
			zap.String("actor", e.Actor),
			zap.Int64("amount", e.Amount),
			zap.Time("timestamp", e.Timestamp),
		)
	}
	return nil
}

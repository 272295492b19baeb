package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Цели аварийного стопа
const (
	TargetAll        = "all"
	TargetRegistry   = "registry"
	TargetCollateral = "collateral"
)

// PauseSignal: разобранная команда "target:state"
type PauseSignal struct {
	Target string
	Paused bool
}

// ParsePauseSignal разбирает формат "target:state", state: on/off или true/false.
func ParsePauseSignal(payload string) (PauseSignal, error) {
	parts := strings.Split(strings.TrimSpace(payload), ":")
	if len(parts) != 2 {
		return PauseSignal{}, fmt.Errorf("invalid signal format %q", payload)
	}
	target := parts[0]
	switch target {
	case TargetAll, TargetRegistry, TargetCollateral:
	default:
		return PauseSignal{}, fmt.Errorf("unknown pause target %q", target)
	}
	switch parts[1] {
	case "on", "true":
		return PauseSignal{Target: target, Paused: true}, nil
	case "off", "false":
		return PauseSignal{Target: target, Paused: false}, nil
	}
	return PauseSignal{}, fmt.Errorf("unknown pause state %q", parts[1])
}

// ListenPauseSignals: «живучая» подписка на канал аварийного стопа.
// Переподключается при обрыве, пока не закрыт ctx. onReconnect вызывается
// после каждой успешной подписки (сверка состояния), может быть nil.
func ListenPauseSignals(
	ctx context.Context,
	rdb goredis.UniversalClient,
	logger *zap.Logger,
	channel string,
	onReconnect func(),
	onSignal func(PauseSignal),
) {
	logger = logger.With(zap.String("mod", "pause-listener"), zap.String("chan", channel))
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		logger.Info("pause listener subscribed")
		if onReconnect != nil {
			onReconnect()
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				logger.Info("pause listener stopping by context")
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // канал закрыт, идём на переподключение
				}
				sig, err := ParsePauseSignal(msg.Payload)
				if err != nil {
					logger.Error("invalid pause signal", zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				logger.Warn("pause signal received", zap.String("target", sig.Target), zap.Bool("paused", sig.Paused))
				onSignal(sig)
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

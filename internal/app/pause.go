package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/commitment-vault/internal/domain"
	redisrepo "github.com/xela07ax/commitment-vault/internal/repository/redis"
)

// ApplyPause исполняет аварийный стоп от имени администратора.
// Повторный сигнал в то же состояние не считается ошибкой.
func (c *Core) ApplyPause(ctx context.Context, admin string, sig redisrepo.PauseSignal) error {
	type pausable interface {
		Pause(ctx context.Context, caller string) error
		Unpause(ctx context.Context, caller string) error
	}
	var targets []pausable
	switch sig.Target {
	case redisrepo.TargetAll:
		targets = []pausable{c.Registry, c.Collateral}
	case redisrepo.TargetRegistry:
		targets = []pausable{c.Registry}
	case redisrepo.TargetCollateral:
		targets = []pausable{c.Collateral}
	default:
		return fmt.Errorf("unknown pause target %q", sig.Target)
	}

	var errs []error
	for _, t := range targets {
		var err error
		if sig.Paused {
			err = t.Pause(ctx, admin)
		} else {
			err = t.Unpause(ctx, admin)
		}
		if err != nil && !errors.Is(err, domain.ErrPaused) && !errors.Is(err, domain.ErrNotPaused) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

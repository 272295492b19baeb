package custody

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

type account struct {
	addr  string
	asset string
}

// Vault: книга балансов в памяти. Для разработки и тестов.
type Vault struct {
	mu       sync.Mutex
	balances map[account]int64
	logger   *zap.Logger
}

func NewVault(logger *zap.Logger) *Vault {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		balances: make(map[account]int64),
		logger:   logger.With(zap.String("mod", "vault")),
	}
}

// Deposit зачисляет средства извне (сидинг, faucet)
func (v *Vault) Deposit(addr, asset string, amount int64) error {
	if addr == "" || amount <= 0 {
		return ErrInvalidTransfer
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	key := account{addr, asset}
	if v.balances[key] > math.MaxInt64-amount {
		return fmt.Errorf("%w: balance overflow", ErrInvalidTransfer)
	}
	v.balances[key] += amount
	return nil
}

func (v *Vault) Balance(addr, asset string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[account{addr, asset}]
}

func (v *Vault) Transfer(ctx context.Context, from, to string, amount int64, asset string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from == "" || to == "" || amount <= 0 {
		return ErrInvalidTransfer
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	src, dst := account{from, asset}, account{to, asset}
	if v.balances[src] < amount {
		return fmt.Errorf("%w: %s has %d %s, needs %d", ErrInsufficientFunds, from, v.balances[src], asset, amount)
	}
	if from != to && v.balances[dst] > math.MaxInt64-amount {
		return fmt.Errorf("%w: balance overflow", ErrInvalidTransfer)
	}
	v.balances[src] -= amount
	v.balances[dst] += amount

	v.logger.Debug("transfer",
		zap.String("from", from),
		zap.String("to", to),
		zap.Int64("amount", amount),
		zap.String("asset", asset),
	)
	return nil
}

package app

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xela07ax/commitment-vault/internal/custody"
)

// SeedVault зачисляет стартовые балансы dev-кастодиану. Формат записи: "addr:asset:amount".
func SeedVault(v *custody.Vault, seeds []string) error {
	for _, s := range seeds {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return fmt.Errorf("seed %q: want addr:asset:amount", s)
		}
		amount, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return fmt.Errorf("seed %q: %w", s, err)
		}
		if err := v.Deposit(parts[0], parts[1], amount); err != nil {
			return fmt.Errorf("seed %q: %w", s, err)
		}
	}
	return nil
}

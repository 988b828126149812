package routines

import (
	"context"
	"time"
)

// BankExpansion buys a bank slot expansion when pooled gold comfortably
// covers the next tier. The check is rate-limited so five idle characters
// do not all race the same purchase every tick.
type BankExpansion struct {
	lastCheck time.Time
}

func (*BankExpansion) Name() string  { return "bank_expansion" }
func (*BankExpansion) Priority() int { return 45 }

func (r *BankExpansion) CanRun(_ context.Context, d *Deps) bool {
	s := d.Char.Settings().Expansion
	if !s.Enabled {
		return false
	}
	now := d.Clock.Now()
	if !r.lastCheck.IsZero() && now.Sub(r.lastCheck) < time.Duration(s.CheckIntervalMs)*time.Millisecond {
		return false
	}
	r.lastCheck = now

	cost := d.Ledger.NextExpansionCost()
	if cost <= 0 {
		return false
	}
	total := d.Char.Get().Gold + d.Ledger.BankGold()
	if total-s.GoldBuffer < cost {
		return false
	}
	// Never sink more than the configured share of total gold into slots.
	return float64(cost) <= s.MaxGoldPct*float64(total)
}

func (r *BankExpansion) Execute(ctx context.Context, d *Deps) error {
	cost := d.Ledger.NextExpansionCost()
	if shortfall := cost - d.Char.Get().Gold; shortfall > 0 {
		if err := d.Bank.WithdrawGold(ctx, d.Char, shortfall); err != nil {
			return err
		}
	}
	return d.Bank.BuyExpansion(ctx, d.Char)
}

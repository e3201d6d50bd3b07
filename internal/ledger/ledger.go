// Package ledger tracks the spendable spark balance of a learner.
package ledger

import (
	"time"

	"frenchmentor/internal/models"
)

// Policy holds the per-tier economy settings.
type Policy struct {
	FreeCost   int           `json:"free_cost"`
	ProCost    int           `json:"pro_cost"`
	FreeCap    int           `json:"free_cap"`
	ProCap     int           `json:"pro_cap"`
	FreeWindow time.Duration `json:"free_window"`
	ProWindow  time.Duration `json:"pro_window"`
}

// DefaultPolicy returns the economy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		FreeCost:   2,
		ProCost:    1,
		FreeCap:    10,
		ProCap:     999,
		FreeWindow: 24 * time.Hour,
		ProWindow:  30 * 24 * time.Hour,
	}
}

func (p Policy) cost(t models.Tier) int {
	if t == models.TierPro {
		return p.ProCost
	}
	return p.FreeCost
}

func (p Policy) capFor(t models.Tier) int {
	if t == models.TierPro {
		return p.ProCap
	}
	return p.FreeCap
}

func (p Policy) window(t models.Tier) time.Duration {
	if t == models.TierPro {
		return p.ProWindow
	}
	return p.FreeWindow
}

// State is the serializable form of a Ledger.
type State struct {
	Balance      int         `json:"balance"`
	LastRefillAt time.Time   `json:"last_refill_at"`
	Tier         models.Tier `json:"tier"`
}

// Ledger owns the balance. It is not safe for concurrent use; the session
// orchestrator serializes access.
type Ledger struct {
	policy       Policy
	balance      int
	lastRefillAt time.Time
	tier         models.Tier
}

// New returns an unseeded ledger; the first Tick fills it to the tier cap.
func New(policy Policy, tier models.Tier) *Ledger {
	if !tier.Valid() {
		tier = models.TierFree
	}
	return &Ledger{policy: policy, tier: tier}
}

// Restore rebuilds a ledger from a snapshot.
func Restore(policy Policy, st State) *Ledger {
	l := New(policy, st.Tier)
	l.balance = st.Balance
	if l.balance < 0 {
		l.balance = 0
	}
	l.lastRefillAt = st.LastRefillAt
	return l
}

// State returns the serializable state.
func (l *Ledger) State() State {
	return State{Balance: l.balance, LastRefillAt: l.lastRefillAt, Tier: l.tier}
}

func (l *Ledger) Balance() int { return l.balance }

func (l *Ledger) Tier() models.Tier { return l.tier }

// Cost is the per-message price for the current tier.
func (l *Ledger) Cost() int { return l.policy.cost(l.tier) }

// Cap is the refill ceiling for the current tier.
func (l *Ledger) Cap() int { return l.policy.capFor(l.tier) }

func (l *Ledger) LastRefillAt() time.Time { return l.lastRefillAt }

// TryDebit subtracts cost when the balance covers it. A rejected debit leaves
// the ledger untouched.
func (l *Ledger) TryDebit(cost int) bool {
	if cost < 0 || l.balance < cost {
		return false
	}
	l.balance -= cost
	return true
}

// Refund gives amount back. Only cancelled turns are refunded.
func (l *Ledger) Refund(amount int) {
	if amount <= 0 {
		return
	}
	l.balance += amount
}

// Tick applies a refill when the tier window has elapsed since the last one.
// An unseeded ledger is seeded to the cap instead. Returns true when the
// balance or refill time changed.
func (l *Ledger) Tick(now time.Time) bool {
	if l.lastRefillAt.IsZero() {
		l.lastRefillAt = now
		l.balance = l.Cap()
		return true
	}
	if now.Sub(l.lastRefillAt) < l.policy.window(l.tier) {
		return false
	}
	if l.balance >= l.Cap() {
		return false
	}
	l.balance = l.Cap()
	l.lastRefillAt = now
	return true
}

// ChangeTier switches tier and grants a one-time credit up to the new cap,
// regardless of the refill window.
func (l *Ledger) ChangeTier(tier models.Tier, now time.Time) bool {
	if !tier.Valid() || tier == l.tier {
		return false
	}
	l.tier = tier
	if c := l.Cap(); l.balance < c {
		l.balance = c
	}
	l.lastRefillAt = now
	return true
}

package model

import "time"

// Credit pack sources. Bonus packs are consumed before purchased ones.
const (
	PackSourcePurchased = "purchased"
	PackSourceBonus     = "bonus"
)

// Period cap intervals. Unlimited and unset caps always allow.
const (
	CapIntervalDaily     = "daily"
	CapIntervalWeekly    = "weekly"
	CapIntervalUnlimited = "unlimited"
)

// Ledger entry reason codes.
const (
	LedgerReasonDeduction         = "deduction"
	LedgerReasonSubscriptionGrant = "subscription_grant"
	LedgerReasonSubscriptionSweep = "subscription_sweep"
	LedgerReasonOnboardingGrant   = "onboarding_grant"
	LedgerReasonPackGrant         = "pack_grant"
	LedgerReasonAdjustment        = "adjustment"
)

// BudgetPool is the per-organization credit state: three ordered
// sub-balances plus cap and pause controls. The pool balances are a cache;
// the ledger is the audit source of truth.
type BudgetPool struct {
	OrgID               string       `json:"org_id"`
	SubscriptionCredits int64        `json:"subscription_credits"`
	OnboardingCredits   int64        `json:"onboarding_credits"`
	Packs               []CreditPack `json:"packs,omitempty"`
	Paused              bool         `json:"paused"`
	Cap                 PeriodCap    `json:"cap"`
	OnboardingGranted   bool         `json:"onboarding_granted"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Balance is the aggregate of the three pools.
func (p BudgetPool) Balance() int64 {
	total := p.SubscriptionCredits + p.OnboardingCredits
	for _, pack := range p.Packs {
		total += pack.CreditsRemaining
	}
	return total
}

// CreditPack is one purchased or bonus credit grant, drained FIFO.
type CreditPack struct {
	ID               string     `json:"id"`
	CreditsRemaining int64      `json:"credits_remaining"`
	Source           string     `json:"source"`
	PurchasedAt      time.Time  `json:"purchased_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// PeriodCap tracks spend against an optional daily/weekly ceiling.
type PeriodCap struct {
	Interval    string    `json:"interval,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	PeriodSpent int64     `json:"period_spent"`
	NextResetAt time.Time `json:"next_reset_at,omitempty"`
}

// Limited reports whether the cap actually constrains spend.
func (c PeriodCap) Limited() bool {
	switch c.Interval {
	case CapIntervalDaily, CapIntervalWeekly:
		return true
	}
	return false
}

// LedgerEntry is an immutable record of one grant, deduction, expiry, or
// adjustment against an organization's pools. Replaying all entries in
// timestamp order reproduces the current balance exactly.
type LedgerEntry struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	ActorID      string    `json:"actor_id,omitempty"`
	ActionRef    string    `json:"action_ref,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// BudgetUsage is the check result surfaced to callers.
type BudgetUsage struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	Balance     int64  `json:"balance"`
	PeriodSpent int64  `json:"period_spent"`
	CapAmount   int64  `json:"cap_amount,omitempty"`
}

// Package budget implements the per-organization multi-pool credit ledger:
// ordered all-or-nothing deduction, period caps, grants, and the expiry
// sweeps that keep the cycle honest.
package budget

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

// Guard is the budget guard. All mutations against one organization are
// serialized by a per-org mutex so concurrent deductions can never both
// observe a stale balance.
type Guard struct {
	ledger  LedgerStore
	metrics *observability.Metrics

	mu    sync.Mutex
	pools map[string]*model.BudgetPool
	locks map[string]*sync.Mutex
}

// NewGuard creates a Guard writing audit entries to the given ledger store.
func NewGuard(ledger LedgerStore) *Guard {
	return &Guard{
		ledger: ledger,
		pools:  make(map[string]*model.BudgetPool),
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetMetrics attaches the Prometheus instruments.
func (g *Guard) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

// Check is the pre-flight spend check: a hard pause denies unconditionally,
// a daily/weekly cap denies when the period spend would exceed it, and an
// insufficient aggregate balance denies. Unlimited and unset caps allow.
func (g *Guard) Check(ctx context.Context, orgID string, cost int64) model.BudgetUsage {
	lock := g.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	pool := g.loadOrCreate(orgID)
	usage := model.BudgetUsage{
		Balance:     pool.Balance(),
		PeriodSpent: pool.Cap.PeriodSpent,
		CapAmount:   pool.Cap.Amount,
	}

	switch {
	case pool.Paused:
		usage.Reason = "paused"
	case pool.Cap.Limited() && pool.Cap.PeriodSpent+cost > pool.Cap.Amount:
		usage.Reason = "period_cap"
	case usage.Balance < cost:
		usage.Reason = "insufficient_balance"
	default:
		usage.Allowed = true
	}
	if !usage.Allowed {
		g.metrics.RecordBudgetDenied(usage.Reason)
	}
	return usage
}

// Deduct spends credits in strict pool order: subscription, then
// onboarding, then packs FIFO with bonus packs before purchased ones and
// older purchases first. The deduction is all-or-nothing: if the aggregate
// balance is short the call fails before any pool is touched and no ledger
// entry is written. On success exactly one ledger entry records the spend.
func (g *Guard) Deduct(ctx context.Context, orgID string, amount int64, actionRef, actorID string) (int64, error) {
	if amount <= 0 {
		return 0, model.NewBadRequestError("deduction amount must be positive")
	}

	lock := g.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	pool := g.loadOrCreate(orgID)
	if pool.Balance() < amount {
		g.metrics.RecordBudgetDenied("insufficient_balance")
		return 0, model.NewInsufficientFundsError(
			fmt.Sprintf("organization %s has %d credits, needs %d", orgID, pool.Balance(), amount),
		)
	}

	remaining := amount

	take := func(balance int64) int64 {
		taken := min64(balance, remaining)
		remaining -= taken
		return balance - taken
	}

	pool.SubscriptionCredits = take(pool.SubscriptionCredits)
	pool.OnboardingCredits = take(pool.OnboardingCredits)

	if remaining > 0 {
		for _, pack := range packDrainOrder(pool.Packs) {
			pack.CreditsRemaining = take(pack.CreditsRemaining)
			if remaining == 0 {
				break
			}
		}
	}

	pool.Cap.PeriodSpent += amount
	pool.UpdatedAt = time.Now().UTC()

	balance := pool.Balance()
	if err := g.append(ctx, orgID, -amount, balance, model.LedgerReasonDeduction, actorID, actionRef); err != nil {
		return 0, err
	}
	g.metrics.RecordBudgetDeduction(orgID)
	return balance, nil
}

// GrantSubscription resets the subscription pool to the billing period's
// grant. Called on cycle renewal.
func (g *Guard) GrantSubscription(ctx context.Context, orgID string, grant int64, actorID string) error {
	lock := g.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	pool := g.loadOrCreate(orgID)
	delta := grant - pool.SubscriptionCredits
	pool.SubscriptionCredits = grant
	pool.UpdatedAt = time.Now().UTC()
	return g.append(ctx, orgID, delta, pool.Balance(), model.LedgerReasonSubscriptionGrant, actorID, "")
}

// ExpireSubscription sweeps unused subscription credits at cycle end.
// A no-op (and no ledger entry) when nothing remains.
func (g *Guard) ExpireSubscription(ctx context.Context, orgID string, actorID string) error {
	lock := g.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	pool := g.loadOrCreate(orgID)
	if pool.SubscriptionCredits == 0 {
		return nil
	}
	expired := pool.SubscriptionCredits
	pool.SubscriptionCredits = 0
	pool.UpdatedAt = time.Now().UTC()
	return g.append(ctx, orgID, -expired, pool.Balance(), model.LedgerReasonSubscriptionSweep, actorID, "")
}

// GrantOnboarding applies the one-time onboarding grant, guarded by the
// idempotency flag. A repeat call is a CONFLICT and writes nothing.
func (g *Guard) GrantOnboarding(ctx context.Context, orgID string, grant int64, actorID string) error {
	lock := g.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	pool := g.loadOrCreate(orgID)
	if pool.OnboardingGranted {
		return model.NewConflictError(
			fmt.Sprintf("organization %s already received its onboarding grant", orgID),
		)
	}
	pool.OnboardingGranted = true
	pool.OnboardingCredits += grant
	pool.UpdatedAt = time.Now().UTC()
	return g.append(ctx, orgID, grant, pool.Balance(), model.LedgerReasonOnboardingGrant, actorID, "")
}

// AddPack appends a purchased or bonus credit pack.
func (g *Guard) AddPack(ctx context.Context, orgID string, pack model.CreditPack, actorID string) error {
	if pack.Source != model.PackSourcePurchased && pack.Source != model.PackSourceBonus {
		return model.NewBadRequestError(fmt.Sprintf("unknown pack source %q", pack.Source))
	}

	lock := g.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	if pack.ID == "" {
		pack.ID = uuid.New().String()
	}
	if pack.PurchasedAt.IsZero() {
		pack.PurchasedAt = time.Now().UTC()
	}

	pool := g.loadOrCreate(orgID)
	pool.Packs = append(pool.Packs, pack)
	pool.UpdatedAt = time.Now().UTC()
	return g.append(ctx, orgID, pack.CreditsRemaining, pool.Balance(), model.LedgerReasonPackGrant, actorID, pack.ID)
}

// SetCap configures the organization's period cap.
func (g *Guard) SetCap(orgID string, interval string, amount int64, nextReset time.Time) error {
	switch interval {
	case model.CapIntervalDaily, model.CapIntervalWeekly, model.CapIntervalUnlimited, "":
	default:
		return model.NewBadRequestError(fmt.Sprintf("unknown cap interval %q", interval))
	}

	lock := g.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	pool := g.loadOrCreate(orgID)
	pool.Cap.Interval = interval
	pool.Cap.Amount = amount
	pool.Cap.NextResetAt = nextReset
	pool.UpdatedAt = time.Now().UTC()
	return nil
}

// SetPaused flips the hard pause flag.
func (g *Guard) SetPaused(orgID string, paused bool) {
	lock := g.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	pool := g.loadOrCreate(orgID)
	pool.Paused = paused
	pool.UpdatedAt = time.Now().UTC()
}

// ResetPeriodCaps advances every cap whose reset time has passed, zeroing
// the period spend. Idempotent: a cap already reset for the current period
// is left untouched.
func (g *Guard) ResetPeriodCaps(ctx context.Context, now time.Time) int {
	g.mu.Lock()
	orgIDs := make([]string, 0, len(g.pools))
	for orgID := range g.pools {
		orgIDs = append(orgIDs, orgID)
	}
	g.mu.Unlock()

	reset := 0
	for _, orgID := range orgIDs {
		lock := g.orgLock(orgID)
		lock.Lock()
		pool := g.loadOrCreate(orgID)
		if pool.Cap.Limited() && !pool.Cap.NextResetAt.IsZero() && !now.Before(pool.Cap.NextResetAt) {
			pool.Cap.PeriodSpent = 0
			pool.Cap.NextResetAt = nextReset(pool.Cap.Interval, pool.Cap.NextResetAt, now)
			pool.UpdatedAt = now
			reset++
		}
		lock.Unlock()
	}
	return reset
}

// Snapshot returns a copy of the organization's pool.
func (g *Guard) Snapshot(orgID string) model.BudgetPool {
	lock := g.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	pool := g.loadOrCreate(orgID)
	copied := *pool
	copied.Packs = make([]model.CreditPack, len(pool.Packs))
	copy(copied.Packs, pool.Packs)
	return copied
}

// Replay reconstructs the organization's balance from the ledger alone.
// The audit invariant is that this equals the cached pool aggregate.
func (g *Guard) Replay(ctx context.Context, orgID string) (int64, error) {
	entries, err := g.ledger.List(ctx, orgID)
	if err != nil {
		return 0, err
	}
	var balance int64
	for _, entry := range entries {
		balance += entry.Amount
	}
	return balance, nil
}

// --- internals ---

func (g *Guard) append(ctx context.Context, orgID string, amount, balanceAfter int64, reason, actorID, actionRef string) error {
	return g.ledger.Append(ctx, model.LedgerEntry{
		ID:           uuid.New().String(),
		OrgID:        orgID,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reason:       reason,
		ActorID:      actorID,
		ActionRef:    actionRef,
		Timestamp:    time.Now().UTC(),
	})
}

// packDrainOrder returns pointers to the packs in deduction order: bonus
// before purchased, then oldest purchase first.
func packDrainOrder(packs []model.CreditPack) []*model.CreditPack {
	ordered := make([]*model.CreditPack, 0, len(packs))
	for i := range packs {
		ordered = append(ordered, &packs[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if (ordered[i].Source == model.PackSourceBonus) != (ordered[j].Source == model.PackSourceBonus) {
			return ordered[i].Source == model.PackSourceBonus
		}
		return ordered[i].PurchasedAt.Before(ordered[j].PurchasedAt)
	})
	return ordered
}

func nextReset(interval string, from, now time.Time) time.Time {
	var period time.Duration
	switch interval {
	case model.CapIntervalDaily:
		period = 24 * time.Hour
	case model.CapIntervalWeekly:
		period = 7 * 24 * time.Hour
	default:
		return from
	}
	next := from
	for !now.Before(next) {
		next = next.Add(period)
	}
	return next
}

func (g *Guard) loadOrCreate(orgID string) *model.BudgetPool {
	g.mu.Lock()
	defer g.mu.Unlock()
	pool, ok := g.pools[orgID]
	if !ok {
		pool = &model.BudgetPool{OrgID: orgID, UpdatedAt: time.Now().UTC()}
		g.pools[orgID] = pool
	}
	return pool
}

func (g *Guard) orgLock(orgID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[orgID]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[orgID] = lock
	}
	return lock
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

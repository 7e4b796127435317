package models

import "time"

// Tier is a subscription level governing feature access and credit allocation.
type Tier string

const (
	TierFree  Tier = "FREE"
	TierJive  Tier = "JIVE"
	TierJigga Tier = "JIGGA"
)

// Subscription statuses.
const (
	SubscriptionStatusPending   = "pending"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
)

// TierPlan describes the allocation attached to a tier.
type TierPlan struct {
	Rank           int
	MonthlyCredits int64
	ImagesLimit    int64
}

// tierPlans is the single source of truth for tier ordering and allocations.
// Both entitlement checks and the low-credit scan read from it.
var tierPlans = map[Tier]TierPlan{
	TierFree:  {Rank: 0, MonthlyCredits: 0, ImagesLimit: 50},
	TierJive:  {Rank: 1, MonthlyCredits: 500_000, ImagesLimit: 200},
	TierJigga: {Rank: 2, MonthlyCredits: 2_000_000, ImagesLimit: 1_000},
}

// ParseTier normalises a tier name, reporting whether it is known.
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierFree, TierJive, TierJigga:
		return Tier(s), true
	}
	return "", false
}

// Plan returns the allocation table entry for the tier. Unknown tiers map to
// the FREE plan.
func (t Tier) Plan() TierPlan {
	if plan, ok := tierPlans[t]; ok {
		return plan
	}
	return tierPlans[TierFree]
}

// Rank returns the ordering of the tier: FREE(0) < JIVE(1) < JIGGA(2).
func (t Tier) Rank() int { return t.Plan().Rank }

// AtLeast reports whether the tier ranks at or above min.
func (t Tier) AtLeast(min Tier) bool { return t.Rank() >= min.Rank() }

// Subscription is the per-user entitlement ledger row. Each User owns exactly
// one, created lazily with FREE defaults on first access.
type Subscription struct {
	BaseModel

	UserID string `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Tier   Tier   `gorm:"not null;default:FREE" json:"tier"`
	Status string `gorm:"not null;default:active;index" json:"status"`

	// Credits is the purchased balance; it persists across billing cycles.
	// MonthlyCredits is the recurring allocation reset each cycle.
	Credits        int64 `gorm:"default:0" json:"credits"`
	MonthlyCredits int64 `gorm:"default:0" json:"monthly_credits"`
	CreditsUsed    int64 `gorm:"default:0" json:"credits_used"`

	ImagesUsed  int64 `gorm:"default:0" json:"images_used"`
	ImagesLimit int64 `gorm:"default:50" json:"images_limit"`

	NextBilling *time.Time `json:"next_billing"`
	LastReset   *time.Time `json:"last_reset"`
}

// Available returns the spendable credit balance, clamped at zero.
func (s *Subscription) Available() int64 {
	available := s.Credits + s.MonthlyCredits - s.CreditsUsed
	if available < 0 {
		return 0
	}
	return available
}

// IsActive reports whether the subscription is in the active status.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// PercentRemaining computes the remaining share of the tier's monthly
// allocation. Tiers without a monthly allocation always report zero.
func (s *Subscription) PercentRemaining() float64 {
	allocation := s.Tier.Plan().MonthlyCredits
	if allocation <= 0 {
		return 0
	}
	return float64(s.Available()) / float64(allocation) * 100
}

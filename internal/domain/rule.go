package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingType selects the amount-check algorithm for a rule.
// The set is closed: an unrecognized tag is a validation failure, never a pass.
type PricingType string

const (
	// PricingFixed requires the amount to equal FixedAmount exactly.
	PricingFixed PricingType = "FIXED"

	// PricingRange requires MinAmount <= amount <= MaxAmount, either bound optional.
	PricingRange PricingType = "RANGE"

	// PricingCeiling requires amount <= MaxAmount, no lower bound.
	PricingCeiling PricingType = "CEILING"
)

// PricingRule defines the expected pricing for a (vendor code, service) pair.
// Amounts are fixed-point decimals; only the fields required by PricingType
// are populated.
type PricingRule struct {
	ID          string          `json:"id"`
	VendorCode  string          `json:"vendorCode"`
	ServiceName string          `json:"serviceName"`
	PricingType PricingType     `json:"pricingType"`
	FixedAmount *decimal.Decimal `json:"fixedAmount,omitempty"`
	MinAmount   *decimal.Decimal `json:"minAmount,omitempty"`
	MaxAmount   *decimal.Decimal `json:"maxAmount,omitempty"`
	Currency    string          `json:"currency"`

	// Guard is an optional CEL expression evaluated against the invoice
	// after the amount check. Empty means no extra constraint.
	Guard string `json:"guard,omitempty"`

	// Activation window. EffectiveTo nil means open-ended.
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
	Active        bool       `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InWindow reports whether now falls inside the rule's activation window.
func (r *PricingRule) InWindow(now time.Time) bool {
	if !r.EffectiveFrom.IsZero() && now.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && now.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// LookupStatus classifies the result of a rule lookup. "Not found",
// "inactive" and "not in effect" are deliberately distinct so validation
// reasons stay unambiguous.
type LookupStatus string

const (
	LookupFound       LookupStatus = "FOUND"
	LookupNotFound    LookupStatus = "NOT_FOUND"
	LookupInactive    LookupStatus = "INACTIVE"
	LookupNotInEffect LookupStatus = "NOT_IN_EFFECT"
)

// RuleLookup is the explicit result of resolving a rule, never a bare nil.
type RuleLookup struct {
	Rule   *PricingRule `json:"rule,omitempty"`
	Status LookupStatus `json:"status"`
}

// ValidationOutcome is produced once per record by the rule validator.
type ValidationOutcome struct {
	Valid  bool         `json:"valid"`
	Reason string       `json:"reason"`
	Rule   *PricingRule `json:"rule,omitempty"`

	// ExpectedAmount is the bound the record violated, when one exists,
	// so callers can display expected vs actual.
	ExpectedAmount *decimal.Decimal `json:"expectedAmount,omitempty"`

	// Degraded marks approvals granted by a fail-open fallback rather than
	// a genuine rule check.
	Degraded bool `json:"degraded,omitempty"`
}

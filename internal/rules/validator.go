package rules

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Validator checks invoice amounts against pricing rules. Business
// rejections are outcomes, not errors; the error return is reserved for
// backing-store faults so callers can apply resilience fallbacks to them.
type Validator struct {
	store *Store
	guard *GuardEngine
}

// NewValidator creates a validator over the given rule store.
func NewValidator(store *Store, guard *GuardEngine) *Validator {
	return &Validator{store: store, guard: guard}
}

// Validate resolves the pricing rule for the record's vendor and service
// and applies the amount check for the rule's pricing type.
func (v *Validator) Validate(ctx context.Context, rec *domain.InvoiceRecord) (*domain.ValidationOutcome, error) {
	lookup, err := v.store.Resolve(ctx, rec.VendorCode, rec.Service)
	if err != nil {
		return nil, err
	}

	switch lookup.Status {
	case domain.LookupNotFound:
		return &domain.ValidationOutcome{
			Valid:  false,
			Reason: fmt.Sprintf("no rule found for vendor %s and service %s", rec.VendorCode, rec.Service),
		}, nil
	case domain.LookupInactive:
		return &domain.ValidationOutcome{
			Valid:  false,
			Rule:   lookup.Rule,
			Reason: "rule is inactive",
		}, nil
	case domain.LookupNotInEffect:
		return &domain.ValidationOutcome{
			Valid:  false,
			Rule:   lookup.Rule,
			Reason: "rule not in effect",
		}, nil
	}

	outcome := checkAmount(lookup.Rule, rec.Amount)
	if !outcome.Valid {
		return outcome, nil
	}

	if lookup.Rule.Guard != "" && v.guard != nil {
		ok, err := v.guard.Eval(lookup.Rule.Guard, rec)
		if err != nil {
			return &domain.ValidationOutcome{
				Valid:  false,
				Rule:   lookup.Rule,
				Reason: fmt.Sprintf("guard evaluation error: %v", err),
			}, nil
		}
		if !ok {
			return &domain.ValidationOutcome{
				Valid:  false,
				Rule:   lookup.Rule,
				Reason: "guard expression not satisfied",
			}, nil
		}
	}

	return outcome, nil
}

func checkAmount(rule *domain.PricingRule, amount decimal.Decimal) *domain.ValidationOutcome {
	switch rule.PricingType {
	case domain.PricingFixed:
		if rule.FixedAmount != nil && amount.Equal(*rule.FixedAmount) {
			return passed(rule)
		}
		return &domain.ValidationOutcome{
			Valid:          false,
			Rule:           rule,
			ExpectedAmount: rule.FixedAmount,
			Reason:         fmt.Sprintf("amount %s does not match fixed price %s", amount, amountOrDash(rule.FixedAmount)),
		}

	case domain.PricingRange:
		if rule.MinAmount != nil && amount.LessThan(*rule.MinAmount) {
			return &domain.ValidationOutcome{
				Valid:          false,
				Rule:           rule,
				ExpectedAmount: rule.MinAmount,
				Reason:         rangeReason(rule, amount),
			}
		}
		if rule.MaxAmount != nil && amount.GreaterThan(*rule.MaxAmount) {
			return &domain.ValidationOutcome{
				Valid:          false,
				Rule:           rule,
				ExpectedAmount: rule.MaxAmount,
				Reason:         rangeReason(rule, amount),
			}
		}
		return passed(rule)

	case domain.PricingCeiling:
		if rule.MaxAmount != nil && amount.LessThanOrEqual(*rule.MaxAmount) {
			return passed(rule)
		}
		return &domain.ValidationOutcome{
			Valid:          false,
			Rule:           rule,
			ExpectedAmount: rule.MaxAmount,
			Reason:         fmt.Sprintf("amount %s exceeds maximum price %s", amount, amountOrDash(rule.MaxAmount)),
		}

	default:
		return &domain.ValidationOutcome{
			Valid:  false,
			Rule:   rule,
			Reason: fmt.Sprintf("unknown pricing type: %s", rule.PricingType),
		}
	}
}

func passed(rule *domain.PricingRule) *domain.ValidationOutcome {
	return &domain.ValidationOutcome{
		Valid:  true,
		Rule:   rule,
		Reason: "amount validation passed",
	}
}

func rangeReason(rule *domain.PricingRule, amount decimal.Decimal) string {
	return fmt.Sprintf("amount %s outside allowed range [%s, %s]",
		amount, amountOrDash(rule.MinAmount), amountOrDash(rule.MaxAmount))
}

func amountOrDash(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

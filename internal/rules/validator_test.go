package rules

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestValidator(t *testing.T, seed ...*domain.PricingRule) *Validator {
	t.Helper()
	guard, err := NewGuardEngine()
	if err != nil {
		t.Fatalf("failed to create guard engine: %v", err)
	}
	repo := newFakeRepo()
	for _, rule := range seed {
		if err := repo.SaveRule(context.Background(), rule); err != nil {
			t.Fatalf("seed rule failed: %v", err)
		}
	}
	store := NewStore(repo, cache.NewLRUCache(100), guard, time.Hour)
	return NewValidator(store, guard)
}

func record(vendorCode, service, amount string) *domain.InvoiceRecord {
	return &domain.InvoiceRecord{
		InvoiceNumber: "INV-001",
		Vendor:        "Acme Corp",
		VendorCode:    vendorCode,
		Service:       service,
		Date:          time.Now().UTC(),
		Amount:        decimal.RequireFromString(amount),
	}
}

func TestValidateFixed(t *testing.T) {
	v := newTestValidator(t, fixedRule("ACME", "cleaning", "150.00"))
	ctx := context.Background()

	t.Run("ExactMatchPasses", func(t *testing.T) {
		outcome, err := v.Validate(ctx, record("ACME", "cleaning", "150.00"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if !outcome.Valid {
			t.Errorf("expected valid, got rejection: %s", outcome.Reason)
		}
	})

	t.Run("EqualValueDifferentScalePasses", func(t *testing.T) {
		outcome, err := v.Validate(ctx, record("ACME", "cleaning", "150"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if !outcome.Valid {
			t.Errorf("expected 150 to equal 150.00, got rejection: %s", outcome.Reason)
		}
	})

	t.Run("MismatchRejected", func(t *testing.T) {
		outcome, err := v.Validate(ctx, record("ACME", "cleaning", "150.01"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if outcome.Valid {
			t.Fatal("expected rejection for amount mismatch")
		}
		if !strings.Contains(outcome.Reason, "does not match fixed price") {
			t.Errorf("unexpected reason: %s", outcome.Reason)
		}
		if outcome.ExpectedAmount == nil || !outcome.ExpectedAmount.Equal(decimal.RequireFromString("150.00")) {
			t.Errorf("expected ExpectedAmount 150.00, got %v", outcome.ExpectedAmount)
		}
	})
}

func TestValidateRange(t *testing.T) {
	min := decimal.RequireFromString("100.00")
	max := decimal.RequireFromString("200.00")
	rule := &domain.PricingRule{
		ID:            "rule-range",
		VendorCode:    "GLOBEX",
		ServiceName:   "consulting",
		PricingType:   domain.PricingRange,
		MinAmount:     &min,
		MaxAmount:     &max,
		Currency:      "USD",
		EffectiveFrom: time.Now().UTC().Add(-time.Hour),
		Active:        true,
	}
	v := newTestValidator(t, rule)
	ctx := context.Background()

	cases := []struct {
		name   string
		amount string
		valid  bool
	}{
		{"AtMinimum", "100.00", true},
		{"AtMaximum", "200.00", true},
		{"Inside", "157.32", true},
		{"BelowMinimum", "99.99", false},
		{"AboveMaximum", "200.01", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := v.Validate(ctx, record("GLOBEX", "consulting", tc.amount))
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if outcome.Valid != tc.valid {
				t.Errorf("amount %s: expected valid=%v, got %v (%s)", tc.amount, tc.valid, outcome.Valid, outcome.Reason)
			}
			if !tc.valid {
				if !strings.Contains(outcome.Reason, "outside allowed range") {
					t.Errorf("unexpected reason: %s", outcome.Reason)
				}
				if !strings.Contains(outcome.Reason, tc.amount) {
					t.Errorf("reason should cite actual amount %s: %s", tc.amount, outcome.Reason)
				}
				if outcome.ExpectedAmount == nil {
					t.Error("expected ExpectedAmount to cite the violated bound")
				}
			}
		})
	}

	t.Run("OpenLowerBound", func(t *testing.T) {
		half := &domain.PricingRule{
			ID:            "rule-half",
			VendorCode:    "GLOBEX",
			ServiceName:   "audit",
			PricingType:   domain.PricingRange,
			MaxAmount:     &max,
			Currency:      "USD",
			EffectiveFrom: time.Now().UTC().Add(-time.Hour),
			Active:        true,
		}
		v := newTestValidator(t, half)

		outcome, err := v.Validate(ctx, record("GLOBEX", "audit", "0.01"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if !outcome.Valid {
			t.Errorf("expected open lower bound to accept small amount: %s", outcome.Reason)
		}
	})
}

func TestValidateCeiling(t *testing.T) {
	max := decimal.RequireFromString("500.00")
	rule := &domain.PricingRule{
		ID:            "rule-ceiling",
		VendorCode:    "INITECH",
		ServiceName:   "support",
		PricingType:   domain.PricingCeiling,
		MaxAmount:     &max,
		Currency:      "USD",
		EffectiveFrom: time.Now().UTC().Add(-time.Hour),
		Active:        true,
	}
	v := newTestValidator(t, rule)
	ctx := context.Background()

	t.Run("AtCeilingPasses", func(t *testing.T) {
		outcome, err := v.Validate(ctx, record("INITECH", "support", "500.00"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if !outcome.Valid {
			t.Errorf("expected amount at ceiling to pass: %s", outcome.Reason)
		}
	})

	t.Run("AboveCeilingRejected", func(t *testing.T) {
		outcome, err := v.Validate(ctx, record("INITECH", "support", "500.01"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if outcome.Valid {
			t.Fatal("expected rejection above ceiling")
		}
		if !strings.Contains(outcome.Reason, "exceeds maximum price") {
			t.Errorf("unexpected reason: %s", outcome.Reason)
		}
	})
}

func TestValidateLookupStatuses(t *testing.T) {
	ctx := context.Background()

	t.Run("NoRuleFound", func(t *testing.T) {
		v := newTestValidator(t)
		outcome, err := v.Validate(ctx, record("NOPE", "nothing", "10.00"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if outcome.Valid {
			t.Fatal("expected rejection when no rule exists")
		}
		if !strings.Contains(outcome.Reason, "no rule found") {
			t.Errorf("unexpected reason: %s", outcome.Reason)
		}
	})

	t.Run("InactiveRule", func(t *testing.T) {
		rule := fixedRule("ACME", "cleaning", "150.00")
		rule.Active = false
		v := newTestValidator(t, rule)

		outcome, err := v.Validate(ctx, record("ACME", "cleaning", "150.00"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if outcome.Valid {
			t.Fatal("expected rejection for inactive rule")
		}
		if outcome.Reason != "rule is inactive" {
			t.Errorf("unexpected reason: %s", outcome.Reason)
		}
	})

	t.Run("RuleNotInEffect", func(t *testing.T) {
		rule := fixedRule("ACME", "cleaning", "150.00")
		rule.EffectiveFrom = time.Now().UTC().Add(time.Hour)
		v := newTestValidator(t, rule)

		outcome, err := v.Validate(ctx, record("ACME", "cleaning", "150.00"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if outcome.Valid {
			t.Fatal("expected rejection for rule not yet in effect")
		}
		if outcome.Reason != "rule not in effect" {
			t.Errorf("unexpected reason: %s", outcome.Reason)
		}
	})

	t.Run("UnknownPricingType", func(t *testing.T) {
		rule := fixedRule("ACME", "cleaning", "150.00")
		rule.PricingType = "SURGE"
		v := newTestValidator(t, rule)

		outcome, err := v.Validate(ctx, record("ACME", "cleaning", "150.00"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if outcome.Valid {
			t.Fatal("expected rejection for unknown pricing type")
		}
		if !strings.Contains(outcome.Reason, "unknown pricing type") {
			t.Errorf("unexpected reason: %s", outcome.Reason)
		}
	})
}

func TestValidateGuard(t *testing.T) {
	ctx := context.Background()

	rule := fixedRule("ACME", "cleaning", "150.00")
	rule.Guard = `note != "disputed"`
	v := newTestValidator(t, rule)

	t.Run("GuardSatisfied", func(t *testing.T) {
		rec := record("ACME", "cleaning", "150.00")
		rec.Note = "monthly"

		outcome, err := v.Validate(ctx, rec)
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if !outcome.Valid {
			t.Errorf("expected guard to pass: %s", outcome.Reason)
		}
	})

	t.Run("GuardNotSatisfied", func(t *testing.T) {
		rec := record("ACME", "cleaning", "150.00")
		rec.Note = "disputed"

		outcome, err := v.Validate(ctx, rec)
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if outcome.Valid {
			t.Fatal("expected guard rejection")
		}
		if outcome.Reason != "guard expression not satisfied" {
			t.Errorf("unexpected reason: %s", outcome.Reason)
		}
	})

	t.Run("GuardSkippedWhenAmountFails", func(t *testing.T) {
		outcome, err := v.Validate(ctx, record("ACME", "cleaning", "999.00"))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if outcome.Valid {
			t.Fatal("expected amount rejection")
		}
		if !strings.Contains(outcome.Reason, "does not match fixed price") {
			t.Errorf("amount check should reject before guard runs: %s", outcome.Reason)
		}
	})
}

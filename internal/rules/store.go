// Package rules implements pricing-rule resolution and invoice validation:
// the cache-aside rule store, the amount validator and optional CEL guard
// expressions.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const ruleKeyPrefix = "vendor_rule:"

func ruleKey(vendorCode, serviceName string) string {
	return ruleKeyPrefix + vendorCode + ":" + serviceName
}

// Store is the cache-aside rule store. Reads check the cache first and fall
// back to the repository, populating the cache on a hit; repository misses
// are not cached, so repeated lookups for a nonexistent rule always reach
// the store. Every write evicts the cache entry before touching the
// repository, so a stale rule is never served after a write.
type Store struct {
	repo  domain.Repository
	cache domain.Cache
	guard *GuardEngine
	ttl   time.Duration

	// now is a test hook for activation-window classification.
	now func() time.Time
}

// NewStore creates a rule store backed by the given repository and cache.
func NewStore(repo domain.Repository, cache domain.Cache, guard *GuardEngine, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		repo:  repo,
		cache: cache,
		guard: guard,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Resolve returns the rule for (vendorCode, serviceName) with an explicit
// lookup status. "Not found", "inactive" and "not in effect" are distinct
// results, never a bare nil. An error is returned only for repository
// faults; cache faults degrade to a repository read.
func (s *Store) Resolve(ctx context.Context, vendorCode, serviceName string) (*domain.RuleLookup, error) {
	key := ruleKey(vendorCode, serviceName)

	data, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("rule cache read failed, falling back to repository",
			"vendor_code", vendorCode,
			"service", serviceName,
			"error", err,
		)
	} else if data != nil {
		var rule domain.PricingRule
		if err := json.Unmarshal(data, &rule); err == nil {
			return s.classify(&rule), nil
		}
		// Corrupt entry: drop it and re-read from the repository.
		_ = s.cache.Delete(ctx, key)
	}

	rule, err := s.repo.GetRule(ctx, vendorCode, serviceName)
	if errors.Is(err, repository.ErrNotFound) {
		return &domain.RuleLookup{Status: domain.LookupNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rule lookup for %s/%s: %w", vendorCode, serviceName, err)
	}

	if encoded, err := json.Marshal(rule); err == nil {
		if err := s.cache.Set(ctx, key, encoded, s.ttl); err != nil {
			slog.Warn("rule cache write failed",
				"vendor_code", vendorCode,
				"service", serviceName,
				"error", err,
			)
		}
	}

	return s.classify(rule), nil
}

func (s *Store) classify(rule *domain.PricingRule) *domain.RuleLookup {
	switch {
	case !rule.Active:
		return &domain.RuleLookup{Rule: rule, Status: domain.LookupInactive}
	case !rule.InWindow(s.now()):
		return &domain.RuleLookup{Rule: rule, Status: domain.LookupNotInEffect}
	default:
		return &domain.RuleLookup{Rule: rule, Status: domain.LookupFound}
	}
}

// Save validates and persists a rule. The cache entry is evicted before the
// repository write so the write is never acknowledged while a stale rule is
// still servable.
func (s *Store) Save(ctx context.Context, rule *domain.PricingRule) error {
	if err := s.ValidateRule(rule); err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.EffectiveFrom.IsZero() {
		rule.EffectiveFrom = now
	}
	rule.UpdatedAt = now

	if err := s.cache.Delete(ctx, ruleKey(rule.VendorCode, rule.ServiceName)); err != nil {
		return fmt.Errorf("evict rule cache for %s/%s: %w", rule.VendorCode, rule.ServiceName, err)
	}
	return s.repo.SaveRule(ctx, rule)
}

// Delete removes a rule, evicting its cache entry first.
func (s *Store) Delete(ctx context.Context, vendorCode, serviceName string) error {
	if err := s.cache.Delete(ctx, ruleKey(vendorCode, serviceName)); err != nil {
		return fmt.Errorf("evict rule cache for %s/%s: %w", vendorCode, serviceName, err)
	}
	return s.repo.DeleteRule(ctx, vendorCode, serviceName)
}

// Get reads a single rule straight from the repository, bypassing the
// cache. Used by the administrative API.
func (s *Store) Get(ctx context.Context, vendorCode, serviceName string) (*domain.PricingRule, error) {
	return s.repo.GetRule(ctx, vendorCode, serviceName)
}

// List returns all rules from the repository.
func (s *Store) List(ctx context.Context) ([]*domain.PricingRule, error) {
	return s.repo.ListRules(ctx)
}

// ValidateRule checks that exactly one pricing strategy's required fields
// are populated consistently with the rule's pricing type, and that any
// guard expression compiles.
func (s *Store) ValidateRule(rule *domain.PricingRule) error {
	if rule == nil {
		return errors.New("rule is required")
	}
	if rule.VendorCode == "" || rule.ServiceName == "" {
		return errors.New("vendorCode and serviceName are required")
	}

	switch rule.PricingType {
	case domain.PricingFixed:
		if rule.FixedAmount == nil {
			return errors.New("FIXED rule requires fixedAmount")
		}
		if rule.MinAmount != nil || rule.MaxAmount != nil {
			return errors.New("FIXED rule must not set minAmount or maxAmount")
		}
	case domain.PricingRange:
		if rule.FixedAmount != nil {
			return errors.New("RANGE rule must not set fixedAmount")
		}
		if rule.MinAmount == nil && rule.MaxAmount == nil {
			return errors.New("RANGE rule requires minAmount or maxAmount")
		}
		if rule.MinAmount != nil && rule.MaxAmount != nil && rule.MinAmount.GreaterThan(*rule.MaxAmount) {
			return errors.New("RANGE rule minAmount exceeds maxAmount")
		}
	case domain.PricingCeiling:
		if rule.MaxAmount == nil {
			return errors.New("CEILING rule requires maxAmount")
		}
		if rule.FixedAmount != nil || rule.MinAmount != nil {
			return errors.New("CEILING rule must only set maxAmount")
		}
	default:
		return fmt.Errorf("unknown pricing type: %s", rule.PricingType)
	}

	if rule.Guard != "" && s.guard != nil {
		if err := s.guard.Compile(rule.Guard); err != nil {
			return fmt.Errorf("invalid guard expression: %w", err)
		}
	}

	return nil
}

package billing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan describes a purchasable subscription plan. PriceID is the payment
// provider's price identifier and is what flows through checkout and plan
// changes; the rest is display metadata for the portal UI.
type Plan struct {
	PriceID     string   `yaml:"price_id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	AmountCents int64    `yaml:"amount_cents"`
	Currency    string   `yaml:"currency"`
	Interval    Interval `yaml:"interval"`
	Features    []string `yaml:"features"`
	Public      bool     `yaml:"public"`
}

// PlanCatalog is the static set of plans the portal sells. It is loaded once
// at startup; price changes ship as config changes, not code.
type PlanCatalog struct {
	plans   []Plan
	byPrice map[string]*Plan
}

// LoadPlanCatalog reads and validates a YAML plan catalog file.
func LoadPlanCatalog(path string) (*PlanCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return ParsePlanCatalog(data)
}

// ParsePlanCatalog builds a catalog from raw YAML.
func ParsePlanCatalog(data []byte) (*PlanCatalog, error) {
	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	if len(doc.Plans) == 0 {
		return nil, errors.New("plan catalog contains no plans")
	}

	catalog := &PlanCatalog{
		plans:   doc.Plans,
		byPrice: make(map[string]*Plan, len(doc.Plans)),
	}
	for i := range catalog.plans {
		p := &catalog.plans[i]
		if p.PriceID == "" {
			return nil, fmt.Errorf("plan %q has no price_id", p.Name)
		}
		if p.Interval != IntervalMonth && p.Interval != IntervalYear {
			return nil, fmt.Errorf("plan %q has invalid interval %q", p.Name, p.Interval)
		}
		if _, dup := catalog.byPrice[p.PriceID]; dup {
			return nil, fmt.Errorf("duplicate price_id %q in plan catalog", p.PriceID)
		}
		catalog.byPrice[p.PriceID] = p
	}
	return catalog, nil
}

// ByPriceID returns the plan with the given price ID, or ErrPlanNotFound.
// Checkout and plan-change requests are validated against the catalog so the
// portal can never sell a price it doesn't know about.
func (c *PlanCatalog) ByPriceID(priceID string) (*Plan, error) {
	plan, ok := c.byPrice[priceID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

// Public returns the plans available for self-service purchase, in catalog
// order.
func (c *PlanCatalog) Public() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Public {
			out = append(out, p)
		}
	}
	return out
}

package common

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Plan maps a subscription tier to its Stripe price and billing terms.
type Plan struct {
	Tier       string `json:"tier"`
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
	Currency   string `json:"currency"`
	Interval   string `json:"interval"` // e.g., "month", "year"
	TrialDays  int    `json:"trialDays"`
	ProductId  string `json:"productId"`
	PriceId    string `json:"priceId"`
}

func LoadPlans(cfgDir, plansFile string) ([]Plan, error) {
	buf, err := os.ReadFile(filepath.Join(cfgDir, plansFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", plansFile, err)
	}

	var plans []Plan
	if err := json.Unmarshal(buf, &plans); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", plansFile, err)
	}

	return plans, nil
}

func GetPlan(plans []Plan, tier string) *Plan {
	for _, plan := range plans {
		if plan.Tier == tier {
			return &plan
		}
	}
	return nil
}

// GetPlanByPriceID resolves a Stripe price reference back to its plan, used
// when projecting gateway subscription events onto the local tier field.
func GetPlanByPriceID(plans []Plan, priceID string) *Plan {
	for _, plan := range plans {
		if plan.PriceId == priceID {
			return &plan
		}
	}
	return nil
}
